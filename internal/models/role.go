package models

import (
	"strings"
	"time"

	"github.com/lib/pq"
)

// Predefined role names seeded at bootstrap.
const (
	RoleAdmin  = "Admin"
	RoleEditor = "Editor"
	RoleAuthor = "Author"
	RoleReader = "Reader"
)

// DefaultRoleName is the role assigned to newly registered users.
const DefaultRoleName = RoleReader

// Permission strings follow the resource:action form.
const (
	PermPostsRead    = "posts:read"
	PermPostsCreate  = "posts:create"
	PermPostsUpdate  = "posts:update"
	PermPostsDelete  = "posts:delete"
	PermPostsPublish = "posts:publish"

	PermCategoriesRead   = "categories:read"
	PermCategoriesManage = "categories:manage"

	PermTagsRead   = "tags:read"
	PermTagsManage = "tags:manage"

	PermCommentsRead     = "comments:read"
	PermCommentsCreate   = "comments:create"
	PermCommentsModerate = "comments:moderate"

	PermMediaRead   = "media:read"
	PermMediaUpload = "media:upload"
	PermMediaDelete = "media:delete"

	PermUsersRead   = "users:read"
	PermUsersManage = "users:manage"

	PermSettingsManage = "settings:manage"
)

// Role is a named permission bundle. Permissions are a set with
// case-insensitive membership; absence of a permission denies by default.
type Role struct {
	ID          string         `db:"id" json:"id"`
	Name        string         `db:"name" json:"name"`
	Description string         `db:"description" json:"description"`
	Permissions pq.StringArray `db:"permissions" json:"permissions"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// HasPermission reports whether the role grants the given permission.
func (r *Role) HasPermission(permission string) bool {
	for _, p := range r.Permissions {
		if strings.EqualFold(p, permission) {
			return true
		}
	}
	return false
}

// DefaultRoles returns the bootstrap role set with fixed permission bundles.
func DefaultRoles() []Role {
	return []Role{
		{
			Name:        RoleAdmin,
			Description: "Full administrative access",
			Permissions: pq.StringArray{
				PermPostsRead, PermPostsCreate, PermPostsUpdate, PermPostsDelete, PermPostsPublish,
				PermCategoriesRead, PermCategoriesManage,
				PermTagsRead, PermTagsManage,
				PermCommentsRead, PermCommentsCreate, PermCommentsModerate,
				PermMediaRead, PermMediaUpload, PermMediaDelete,
				PermUsersRead, PermUsersManage,
				PermSettingsManage,
			},
		},
		{
			Name:        RoleEditor,
			Description: "Manages all content and moderation",
			Permissions: pq.StringArray{
				PermPostsRead, PermPostsCreate, PermPostsUpdate, PermPostsDelete, PermPostsPublish,
				PermCategoriesRead, PermCategoriesManage,
				PermTagsRead, PermTagsManage,
				PermCommentsRead, PermCommentsCreate, PermCommentsModerate,
				PermMediaRead, PermMediaUpload, PermMediaDelete,
			},
		},
		{
			Name:        RoleAuthor,
			Description: "Writes and maintains own content",
			Permissions: pq.StringArray{
				PermPostsRead, PermPostsCreate, PermPostsUpdate,
				PermCategoriesRead,
				PermTagsRead,
				PermCommentsRead, PermCommentsCreate,
				PermMediaRead, PermMediaUpload,
			},
		},
		{
			Name:        RoleReader,
			Description: "Reads published content and comments",
			Permissions: pq.StringArray{
				PermPostsRead,
				PermCategoriesRead,
				PermTagsRead,
				PermCommentsRead, PermCommentsCreate,
			},
		},
	}
}
