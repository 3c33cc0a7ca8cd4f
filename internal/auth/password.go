package auth

import (
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost matches the reference work factor.
const DefaultBcryptCost = 12

// PasswordHasher wraps bcrypt with a configured work factor.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher returns a hasher with the given cost, clamped to the
// range bcrypt accepts.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash produces a self-describing bcrypt digest.
func (h *PasswordHasher) Hash(password string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// Verify reports whether password matches digest. Malformed digests are
// treated as a mismatch, never an error.
func (h *PasswordHasher) Verify(password, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
}

// NeedsRehash reports whether the digest was produced with a cost below the
// configured one, enabling lazy upgrades on the next successful login.
func (h *PasswordHasher) NeedsRehash(digest string) bool {
	cost, err := bcrypt.Cost([]byte(digest))
	if err != nil {
		return true
	}
	return cost < h.cost
}

// PasswordPolicy enforces the registration strength rules.
type PasswordPolicy struct {
	MinLength int
}

// Check reports whether password satisfies every strength rule: minimum
// length plus at least one upper, lower, digit and symbol character.
func (p PasswordPolicy) Check(password string) bool {
	minLen := p.MinLength
	if minLen <= 0 {
		minLen = 12
	}
	if len(password) < minLen {
		return false
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}

	return upper && lower && digit && symbol
}
