package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lexicon-cms/lexicon-api/internal/models"
	appErrors "github.com/lexicon-cms/lexicon-api/pkg/errors"
)

type userStore interface {
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Update(ctx context.Context, user *models.User) error
	Deactivate(ctx context.Context, id string) error
}

type sessionRevoker interface {
	RevokeAllForUser(ctx context.Context, userID, ip, reason string) (int64, error)
}

// UpdateUserRequest is the payload for administrative user updates.
type UpdateUserRequest struct {
	FirstName string  `json:"first_name" validate:"required,max=100"`
	LastName  string  `json:"last_name" validate:"required,max=100"`
	AvatarURL *string `json:"avatar_url" validate:"omitempty,url"`
	RoleID    string  `json:"role_id" validate:"required,uuid4"`
	Active    *bool   `json:"active"`
}

// UserService handles administrative user management workflows.
type UserService struct {
	repo      userStore
	roles     roleAuthority
	tokens    sessionRevoker
	audit     auditSink
	validator *validator.Validate
	logger    *zap.Logger
}

// NewUserService creates an instance of UserService.
func NewUserService(repo userStore, roles roleAuthority, tokens sessionRevoker, audit auditSink, validate *validator.Validate, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &UserService{repo: repo, roles: roles, tokens: tokens, audit: audit, validator: validate, logger: logger}
}

// List returns paginated users and pagination metadata.
func (s *UserService) List(ctx context.Context, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	users, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list users")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	pagination := &models.Pagination{
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
	}

	return users, pagination, nil
}

// Get returns a user by ID.
func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return user, nil
}

// Update modifies profile fields, role assignment and active flag.
func (s *UserService) Update(ctx context.Context, id string, req UpdateUserRequest, actorID, ip, userAgent string) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid update payload")
	}

	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if _, err := s.roles.GetByID(ctx, req.RoleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrValidation, "unknown role")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load role")
	}

	oldPayload, _ := json.Marshal(map[string]interface{}{"role_id": user.RoleID, "active": user.Active})

	user.FirstName = &req.FirstName
	user.LastName = &req.LastName
	user.AvatarURL = req.AvatarURL
	user.RoleID = req.RoleID
	if req.Active != nil {
		user.Active = *req.Active
	}

	if err := s.repo.Update(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update user")
	}

	newPayload, _ := json.Marshal(map[string]interface{}{"role_id": user.RoleID, "active": user.Active})
	s.writeAudit(ctx, actorID, models.AuditActionUserUpdate, user.ID, ip, userAgent, oldPayload, newPayload)

	return user, nil
}

// Deactivate soft-deletes a user and revokes all of their sessions.
func (s *UserService) Deactivate(ctx context.Context, id, actorID, ip, userAgent string) error {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if err := s.repo.Deactivate(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate user")
	}

	if s.tokens != nil {
		if _, err := s.tokens.RevokeAllForUser(ctx, id, ip, models.RevokeReasonUserRequested); err != nil {
			s.logger.Warn("failed to revoke sessions of deactivated user", zap.Error(err))
		}
	}

	oldPayload, _ := json.Marshal(map[string]interface{}{"active": user.Active})
	newPayload, _ := json.Marshal(map[string]interface{}{"active": false})
	s.writeAudit(ctx, actorID, models.AuditActionUserDeactivate, user.ID, ip, userAgent, oldPayload, newPayload)

	return nil
}

func (s *UserService) writeAudit(ctx context.Context, actorID, action, resourceID, ip, userAgent string, oldValues, newValues []byte) {
	if s.audit == nil {
		return
	}
	entry := &models.AuditLog{
		Action:    action,
		Resource:  "users",
		OldValues: oldValues,
		NewValues: newValues,
		IPAddress: ip,
		UserAgent: userAgent,
	}
	if actorID != "" {
		entry.UserID = &actorID
	}
	if resourceID != "" {
		entry.ResourceID = &resourceID
	}
	if err := s.audit.Create(ctx, entry); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}
