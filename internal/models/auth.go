package models

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RegisterRequest holds the payload for creating a new account.
type RegisterRequest struct {
	Username  string  `json:"username" validate:"required,min=3,max=64"`
	Email     string  `json:"email" validate:"required,email"`
	Password  string  `json:"password" validate:"required"`
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	IP        string  `json:"-"`
	UserAgent string  `json:"-"`
}

// LoginRequest holds credentials for authenticating a user. The identifier
// matches either the exact username or the normalized email.
type LoginRequest struct {
	UsernameOrEmail string `json:"username_or_email" validate:"required"`
	Password        string `json:"password" validate:"required"`
	IP              string `json:"-"`
	UserAgent       string `json:"-"`
}

// ChangePasswordRequest payload for updating the caller's password.
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	FirstName   *string  `json:"first_name,omitempty"`
	LastName    *string  `json:"last_name,omitempty"`
	AvatarURL   *string  `json:"avatar_url,omitempty"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// AuthResult returns the issued token pair. The raw refresh token is handed
// to the HTTP layer once for cookie transport and is never persisted.
type AuthResult struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
	ExpiresIn        int64     `json:"expires_in"`
	IssuedAt         time.Time `json:"issued_at"`
	User             UserInfo  `json:"user"`
}

// AccessClaims represents the JWT payload for access tokens. Permission
// checks downstream read these claims without a store round-trip, so role
// changes take effect on the next refresh.
type AccessClaims struct {
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// UserID returns the token subject.
func (c *AccessClaims) UserID() string {
	return c.Subject
}

// HasPermission performs a case-insensitive membership test against the
// embedded permission list.
func (c *AccessClaims) HasPermission(permission string) bool {
	for _, p := range c.Permissions {
		if strings.EqualFold(p, permission) {
			return true
		}
	}
	return false
}
