package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lexicon-cms/lexicon-api/internal/models"
	appErrors "github.com/lexicon-cms/lexicon-api/pkg/errors"
)

const (
	roleCacheKeyByID   = "role:id:%s"
	roleCacheKeyByName = "role:name:%s"
	roleCachePattern   = "role:*"
)

type roleStore interface {
	FindByID(ctx context.Context, id string) (*models.Role, error)
	FindByName(ctx context.Context, name string) (*models.Role, error)
	List(ctx context.Context) ([]models.Role, error)
	Seed(ctx context.Context, roles []models.Role) error
}

// RoleService resolves roles and their permission bundles. Roles change
// rarely and are read on every token issuance, so lookups go through the
// cache with a short TTL.
type RoleService struct {
	repo   roleStore
	cache  *CacheService
	ttl    time.Duration
	logger *zap.Logger
}

// NewRoleService constructs a RoleService instance.
func NewRoleService(repo roleStore, cache *CacheService, ttl time.Duration, logger *zap.Logger) *RoleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RoleService{repo: repo, cache: cache, ttl: ttl, logger: logger}
}

// Bootstrap seeds the built-in roles. Existing rows are left untouched, so
// the call is safe on every startup.
func (s *RoleService) Bootstrap(ctx context.Context) error {
	if err := s.repo.Seed(ctx, models.DefaultRoles()); err != nil {
		return fmt.Errorf("seed roles: %w", err)
	}
	if s.cache != nil {
		_ = s.cache.Invalidate(ctx, roleCachePattern)
	}
	return nil
}

// GetByID returns a role by identifier, consulting the cache first.
func (s *RoleService) GetByID(ctx context.Context, id string) (*models.Role, error) {
	key := fmt.Sprintf(roleCacheKeyByID, id)
	if s.cache != nil {
		var cached models.Role
		if hit, _ := s.cache.Get(ctx, key, &cached); hit {
			return &cached, nil
		}
	}

	role, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, role)
	return role, nil
}

// GetByName returns a role by its unique name, consulting the cache first.
func (s *RoleService) GetByName(ctx context.Context, name string) (*models.Role, error) {
	key := fmt.Sprintf(roleCacheKeyByName, name)
	if s.cache != nil {
		var cached models.Role
		if hit, _ := s.cache.Get(ctx, key, &cached); hit {
			return &cached, nil
		}
	}

	role, err := s.repo.FindByName(ctx, name)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, role)
	return role, nil
}

// List returns all roles.
func (s *RoleService) List(ctx context.Context) ([]models.Role, error) {
	roles, err := s.repo.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list roles")
	}
	return roles, nil
}

// HasPermission reports whether the role grants the permission.
func (s *RoleService) HasPermission(ctx context.Context, roleID, permission string) (bool, error) {
	role, err := s.GetByID(ctx, roleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return role.HasPermission(permission), nil
}

func (s *RoleService) store(ctx context.Context, key string, role *models.Role) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, role, s.ttl); err != nil {
		s.logger.Debug("failed to cache role", zap.String("key", key), zap.Error(err))
	}
}
