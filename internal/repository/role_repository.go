package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/lexicon-cms/lexicon-api/internal/models"
)

const roleColumns = `id, name, description, permissions, created_at, updated_at`

// RoleRepository provides database access to the static role reference data.
type RoleRepository struct {
	db *sqlx.DB
}

// NewRoleRepository creates a new instance of RoleRepository.
func NewRoleRepository(db *sqlx.DB) *RoleRepository {
	return &RoleRepository{db: db}
}

// FindByID returns a role by identifier.
func (r *RoleRepository) FindByID(ctx context.Context, id string) (*models.Role, error) {
	query := fmt.Sprintf(`SELECT %s FROM roles WHERE id = $1 LIMIT 1`, roleColumns)
	var role models.Role
	if err := r.db.GetContext(ctx, &role, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find role by id: %w", err)
	}
	return &role, nil
}

// FindByName returns a role by its unique name.
func (r *RoleRepository) FindByName(ctx context.Context, name string) (*models.Role, error) {
	query := fmt.Sprintf(`SELECT %s FROM roles WHERE name = $1 LIMIT 1`, roleColumns)
	var role models.Role
	if err := r.db.GetContext(ctx, &role, query, name); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find role by name: %w", err)
	}
	return &role, nil
}

// List returns all roles.
func (r *RoleRepository) List(ctx context.Context) ([]models.Role, error) {
	query := fmt.Sprintf(`SELECT %s FROM roles ORDER BY name ASC`, roleColumns)
	var roles []models.Role
	if err := r.db.SelectContext(ctx, &roles, query); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return roles, nil
}

// Seed inserts the bootstrap roles, skipping names that already exist.
func (r *RoleRepository) Seed(ctx context.Context, roles []models.Role) error {
	const query = `INSERT INTO roles (id, name, description, permissions, created_at, updated_at)
		VALUES (:id, :name, :description, :permissions, :created_at, :updated_at)
		ON CONFLICT (name) DO NOTHING`
	now := time.Now().UTC()
	for i := range roles {
		role := roles[i]
		if role.ID == "" {
			role.ID = uuid.NewString()
		}
		role.CreatedAt = now
		role.UpdatedAt = now
		if _, err := r.db.NamedExecContext(ctx, query, role); err != nil {
			return fmt.Errorf("seed role %s: %w", role.Name, err)
		}
	}
	return nil
}
