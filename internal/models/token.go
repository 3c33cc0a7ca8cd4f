package models

import "time"

// Revocation reasons recorded on refresh tokens.
const (
	RevokeReasonRotated       = "replaced by new token"
	RevokeReasonReuseDetected = "reuse detected"
	RevokeReasonUserLogout    = "user logout"
	RevokeReasonUserRequested = "user requested"
	RevokeReasonPasswordReset = "password changed"
)

// RefreshToken is a persisted session credential. Only the SHA-256 hash of
// the opaque token value is stored; the raw value exists in transit and in
// the client's cookie only. ReplacedByHash links rotation chains.
type RefreshToken struct {
	ID             string     `db:"id" json:"id"`
	UserID         string     `db:"user_id" json:"user_id"`
	TokenHash      string     `db:"token_hash" json:"-"`
	ExpiresAt      time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	CreatedByIP    string     `db:"created_by_ip" json:"created_by_ip"`
	RevokedAt      *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	RevokedByIP    *string    `db:"revoked_by_ip" json:"revoked_by_ip,omitempty"`
	RevokedReason  *string    `db:"revoked_reason" json:"revoked_reason,omitempty"`
	ReplacedByHash *string    `db:"replaced_by_hash" json:"-"`
}

// Expired reports whether the token's lifetime has elapsed.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Revoked reports whether the token was explicitly revoked.
func (t *RefreshToken) Revoked() bool {
	return t.RevokedAt != nil
}

// Active reports whether the token can still be exchanged.
func (t *RefreshToken) Active(now time.Time) bool {
	return !t.Revoked() && !t.Expired(now)
}
