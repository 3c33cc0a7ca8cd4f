package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lexicon-cms/lexicon-api/internal/models"
	appErrors "github.com/lexicon-cms/lexicon-api/pkg/errors"
)

// SignerConfig carries the signing material and token lifetimes. The secret
// is injected so each test can run with its own.
type SignerConfig struct {
	Secret     string
	Issuer     string
	Audience   []string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenSigner issues signed access tokens and mints opaque refresh tokens.
type TokenSigner struct {
	config SignerConfig
}

// NewTokenSigner constructs a signer from explicit configuration.
func NewTokenSigner(config SignerConfig) *TokenSigner {
	if config.AccessTTL <= 0 {
		config.AccessTTL = 15 * time.Minute
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = 7 * 24 * time.Hour
	}
	return &TokenSigner{config: config}
}

// IssueAccessToken signs an HS256 token embedding the user's identity, role
// name and permission list.
func (s *TokenSigner) IssueAccessToken(user *models.User, role *models.Role) (string, time.Time, error) {
	issuedAt := time.Now().UTC()
	expiresAt := issuedAt.Add(s.config.AccessTTL)
	claims := &models.AccessClaims{
		Username:    user.Username,
		Email:       user.Email,
		Role:        role.Name,
		Permissions: role.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   user.ID,
			Audience:  s.config.Audience,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseAccessToken validates signature, issuer, audience and expiry (no
// leeway) and returns the embedded claims.
func (s *TokenSigner) ParseAccessToken(tokenString string) (*models.AccessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if s.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.Issuer))
	}
	for _, aud := range s.config.Audience {
		opts = append(opts, jwt.WithAudience(aud))
	}

	token, err := jwt.ParseWithClaims(tokenString, &models.AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	}, opts...)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.AccessClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}

	return claims, nil
}

// MintRefreshToken generates an opaque refresh token and its persistable
// record. The raw value is returned once; only its hash is stored.
func (s *TokenSigner) MintRefreshToken(userID, ip string) (string, *models.RefreshToken, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, err
	}
	raw := base64.RawURLEncoding.EncodeToString(buf)

	now := time.Now().UTC()
	record := &models.RefreshToken{
		ID:          uuid.NewString(),
		UserID:      userID,
		TokenHash:   HashToken(raw),
		ExpiresAt:   now.Add(s.config.RefreshTTL),
		CreatedAt:   now,
		CreatedByIP: ip,
	}
	return raw, record, nil
}

// AccessTTL exposes the configured access-token lifetime.
func (s *TokenSigner) AccessTTL() time.Duration {
	return s.config.AccessTTL
}

// HashToken derives the stored lookup key for a raw refresh token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.StdEncoding.EncodeToString(sum[:])
}
