package models

import "time"

// User represents an identity record stored in the users table. Users are
// never hard-deleted; deactivation flips the active flag only.
type User struct {
	ID                  string     `db:"id" json:"id"`
	Username            string     `db:"username" json:"username"`
	Email               string     `db:"email" json:"email"`
	PasswordHash        string     `db:"password_hash" json:"-"`
	FirstName           *string    `db:"first_name" json:"first_name,omitempty"`
	LastName            *string    `db:"last_name" json:"last_name,omitempty"`
	AvatarURL           *string    `db:"avatar_url" json:"avatar_url,omitempty"`
	Active              bool       `db:"active" json:"active"`
	EmailConfirmed      bool       `db:"email_confirmed" json:"email_confirmed"`
	FailedLoginAttempts int        `db:"failed_login_attempts" json:"-"`
	LockoutEnd          *time.Time `db:"lockout_end" json:"-"`
	LastLoginAt         *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
	RoleID              string     `db:"role_id" json:"role_id"`
	AuthorID            *string    `db:"author_id" json:"author_id,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// UserFilter captures filtering criteria for listing users.
type UserFilter struct {
	RoleID    *string
	Active    *bool
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
