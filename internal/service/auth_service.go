package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lexicon-cms/lexicon-api/internal/auth"
	"github.com/lexicon-cms/lexicon-api/internal/models"
	appErrors "github.com/lexicon-cms/lexicon-api/pkg/errors"
)

type authUserStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByIdentifier(ctx context.Context, identifier string) (*models.User, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	Create(ctx context.Context, user *models.User) error
	RecordLogin(ctx context.Context, id string, ts time.Time) error
	IncrementFailedAttempts(ctx context.Context, id string) (int, error)
	SetLockout(ctx context.Context, id string, until time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error
}

type refreshTokenStore interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	Rotate(ctx context.Context, oldHash string, next *models.RefreshToken, ip, reason string) (bool, error)
	Revoke(ctx context.Context, tokenHash, ip, reason string) (bool, error)
	RevokeAllForUser(ctx context.Context, userID, ip, reason string) (int64, error)
}

type roleAuthority interface {
	GetByID(ctx context.Context, id string) (*models.Role, error)
	GetByName(ctx context.Context, name string) (*models.Role, error)
}

type auditSink interface {
	Create(ctx context.Context, log *models.AuditLog) error
}

// AuthService orchestrates the session lifecycle: registration, credential
// verification with lockout, token issuance, rotation and revocation. It
// holds no mutable state between calls; everything lives in the stores.
type AuthService struct {
	users     authUserStore
	tokens    refreshTokenStore
	roles     roleAuthority
	audit     auditSink
	hasher    *auth.PasswordHasher
	policy    auth.PasswordPolicy
	lockout   auth.LockoutPolicy
	signer    *auth.TokenSigner
	validator *validator.Validate
	logger    *zap.Logger
	metrics   *MetricsService
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(
	users authUserStore,
	tokens refreshTokenStore,
	roles roleAuthority,
	audit auditSink,
	hasher *auth.PasswordHasher,
	policy auth.PasswordPolicy,
	lockout auth.LockoutPolicy,
	signer *auth.TokenSigner,
	validate *validator.Validate,
	logger *zap.Logger,
	metrics *MetricsService,
) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &AuthService{
		users:     users,
		tokens:    tokens,
		roles:     roles,
		audit:     audit,
		hasher:    hasher,
		policy:    policy,
		lockout:   lockout,
		signer:    signer,
		validator: validate,
		logger:    logger,
		metrics:   metrics,
	}
}

// Register creates a new account with the default role and logs it in.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.AuthResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid register payload")
	}

	if !s.policy.Check(req.Password) {
		return nil, appErrors.Clone(appErrors.ErrWeakPassword,
			"password must be at least 12 characters with uppercase, lowercase, number, and symbol")
	}

	if taken, err := s.users.ExistsByUsername(ctx, req.Username); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check username")
	} else if taken {
		return nil, appErrors.Clone(appErrors.ErrUsernameExists, "")
	}

	email := strings.ToLower(req.Email)
	if taken, err := s.users.ExistsByEmail(ctx, email); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check email")
	} else if taken {
		return nil, appErrors.Clone(appErrors.ErrEmailExists, "")
	}

	role, err := s.roles.GetByName(ctx, models.DefaultRoleName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Error("default role missing, roles were not seeded", zap.String("role", models.DefaultRoleName))
			return nil, appErrors.Clone(appErrors.ErrInvalidRequest, "registration unavailable")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load default role")
	}

	passwordHash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		Username:     req.Username,
		Email:        email,
		PasswordHash: passwordHash,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Active:       true,
		RoleID:       role.ID,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	s.logger.Info("user registered", zap.String("username", user.Username))
	s.writeAudit(ctx, &user.ID, models.AuditActionRegister, user.ID, req.IP, req.UserAgent, map[string]interface{}{"username": user.Username, "role": role.Name})

	return s.issueTokens(ctx, user, role, req.IP)
}

// Login authenticates a user and returns issued tokens. A missing user and a
// wrong password produce the same error to prevent enumeration.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	now := time.Now().UTC()

	user, err := s.users.FindByIdentifier(ctx, req.UsernameOrEmail)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("login attempt for unknown identifier")
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	// Locked accounts are rejected before any hashing work; the password is
	// deliberately not checked so the response carries no timing signal.
	if s.lockout.Locked(user.LockoutEnd, now) {
		s.logger.Warn("login attempt for locked account", zap.String("user_id", user.ID))
		return nil, appErrors.Clone(appErrors.ErrUserLocked, "")
	}

	if !s.hasher.Verify(req.Password, user.PasswordHash) {
		s.recordFailure(ctx, user, now)
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrUserInactive, "")
	}

	if err := s.users.RecordLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("failed to record login", zap.Error(err))
	}

	if s.hasher.NeedsRehash(user.PasswordHash) {
		if newHash, err := s.hasher.Hash(req.Password); err == nil {
			if err := s.users.UpdatePassword(ctx, user.ID, newHash, now); err != nil {
				s.logger.Warn("failed to store rehashed password", zap.Error(err))
			}
		}
	}

	role, err := s.roles.GetByID(ctx, user.RoleID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load role")
	}

	if s.metrics != nil {
		s.metrics.RecordLogin(true)
	}
	s.logger.Info("user logged in", zap.String("user_id", user.ID), zap.String("ip", req.IP))
	s.writeAudit(ctx, &user.ID, models.AuditActionLogin, user.ID, req.IP, req.UserAgent, map[string]interface{}{"status": "success"})

	return s.issueTokens(ctx, user, role, req.IP)
}

// Refresh exchanges an active refresh token for a new pair, rotating the
// presented token. Presenting an already-revoked token is treated as theft:
// every active session of that user is torn down before the error returns.
// A merely expired token gets the same error without the teardown.
func (s *AuthService) Refresh(ctx context.Context, rawToken, ip, userAgent string) (*models.AuthResult, error) {
	tokenHash := auth.HashToken(rawToken)

	stored, err := s.tokens.FindByHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidToken, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch refresh token")
	}

	now := time.Now().UTC()
	if !stored.Active(now) {
		if stored.Revoked() {
			s.logger.Warn("refresh token reuse detected", zap.String("user_id", stored.UserID))
			if s.metrics != nil {
				s.metrics.RecordReuseDetected()
			}
			if _, err := s.tokens.RevokeAllForUser(ctx, stored.UserID, ip, models.RevokeReasonReuseDetected); err != nil {
				s.logger.Error("failed to revoke sessions after reuse detection", zap.Error(err))
			}
			s.writeAudit(ctx, &stored.UserID, models.AuditActionReuseDetected, stored.UserID, ip, userAgent, map[string]interface{}{"token_id": stored.ID})
		}
		return nil, appErrors.Clone(appErrors.ErrTokenExpired, "")
	}

	user, err := s.users.FindByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidToken, "associated user no longer exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrUserInactive, "")
	}

	role, err := s.roles.GetByID(ctx, user.RoleID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load role")
	}

	rawNext, next, err := s.signer.MintRefreshToken(user.ID, ip)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mint refresh token")
	}

	rotated, err := s.tokens.Rotate(ctx, tokenHash, next, ip, models.RevokeReasonRotated)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate refresh token")
	}
	if !rotated {
		// Lost a concurrent rotation of the same token; the winner already
		// revoked it, so this presentation counts as inactive.
		return nil, appErrors.Clone(appErrors.ErrTokenExpired, "")
	}

	accessToken, expiresAt, err := s.signer.IssueAccessToken(user, role)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	s.writeAudit(ctx, &user.ID, models.AuditActionTokenRefresh, user.ID, ip, userAgent, map[string]interface{}{"rotated_from": stored.ID})

	return &models.AuthResult{
		AccessToken:      accessToken,
		RefreshToken:     rawNext,
		RefreshExpiresAt: next.ExpiresAt,
		ExpiresIn:        int64(s.signer.AccessTTL().Seconds()),
		IssuedAt:         expiresAt.Add(-s.signer.AccessTTL()),
		User:             userInfo(user, role),
	}, nil
}

// Revoke marks a single active token revoked. Returns false without error
// when the token is absent or already inactive, making logout idempotent.
func (s *AuthService) Revoke(ctx context.Context, rawToken, ip, reason string) (bool, error) {
	revoked, err := s.tokens.Revoke(ctx, auth.HashToken(rawToken), ip, reason)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}
	if revoked {
		s.writeAudit(ctx, nil, models.AuditActionLogout, "", ip, "", map[string]interface{}{"reason": reason})
	}
	return revoked, nil
}

// RevokeAll revokes every active session of a user.
func (s *AuthService) RevokeAll(ctx context.Context, userID, ip, reason string) (bool, error) {
	if _, err := s.tokens.RevokeAllForUser(ctx, userID, ip, reason); err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke user sessions")
	}
	s.writeAudit(ctx, &userID, models.AuditActionRevokeAll, userID, ip, "", map[string]interface{}{"reason": reason})
	return true, nil
}

// ChangePassword verifies the old password, enforces the strength policy on
// the new one and tears down every session after the change.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, req models.ChangePasswordRequest, ip, userAgent string) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid change password payload")
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if !s.hasher.Verify(req.OldPassword, user.PasswordHash) {
		return appErrors.Clone(appErrors.ErrForbidden, "old password does not match")
	}

	if !s.policy.Check(req.NewPassword) {
		return appErrors.Clone(appErrors.ErrWeakPassword,
			"password must be at least 12 characters with uppercase, lowercase, number, and symbol")
	}

	newHash, err := s.hasher.Hash(req.NewPassword)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	if err := s.users.UpdatePassword(ctx, userID, newHash, time.Now().UTC()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
	}

	if _, err := s.tokens.RevokeAllForUser(ctx, userID, ip, models.RevokeReasonPasswordReset); err != nil {
		s.logger.Warn("failed to revoke sessions after password change", zap.Error(err))
	}

	s.writeAudit(ctx, &userID, models.AuditActionPasswordChange, userID, ip, userAgent, map[string]interface{}{"status": "changed"})
	return nil
}

// ValidateToken parses and validates an access token returning the claims.
func (s *AuthService) ValidateToken(tokenString string) (*models.AccessClaims, error) {
	return s.signer.ParseAccessToken(tokenString)
}

func (s *AuthService) recordFailure(ctx context.Context, user *models.User, now time.Time) {
	if s.metrics != nil {
		s.metrics.RecordLogin(false)
	}

	attempts, err := s.users.IncrementFailedAttempts(ctx, user.ID)
	if err != nil {
		s.logger.Error("failed to increment failure counter", zap.Error(err))
		return
	}

	if end := s.lockout.OnFailure(attempts, now); end != nil {
		if err := s.users.SetLockout(ctx, user.ID, *end); err != nil {
			s.logger.Error("failed to set lockout", zap.Error(err))
			return
		}
		if s.metrics != nil {
			s.metrics.RecordLockout()
		}
		s.logger.Warn("account locked after repeated failures",
			zap.String("user_id", user.ID), zap.Int("attempts", attempts))
	}
}

func (s *AuthService) issueTokens(ctx context.Context, user *models.User, role *models.Role, ip string) (*models.AuthResult, error) {
	accessToken, _, err := s.signer.IssueAccessToken(user, role)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	rawRefresh, record, err := s.signer.MintRefreshToken(user.ID, ip)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mint refresh token")
	}
	if err := s.tokens.Create(ctx, record); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
	}

	return &models.AuthResult{
		AccessToken:      accessToken,
		RefreshToken:     rawRefresh,
		RefreshExpiresAt: record.ExpiresAt,
		ExpiresIn:        int64(s.signer.AccessTTL().Seconds()),
		IssuedAt:         time.Now().UTC(),
		User:             userInfo(user, role),
	}, nil
}

func (s *AuthService) writeAudit(ctx context.Context, userID *string, action, resourceID, ip, userAgent string, payload map[string]interface{}) {
	if s.audit == nil {
		return
	}
	values, _ := json.Marshal(payload)
	entry := &models.AuditLog{
		UserID:    userID,
		Action:    action,
		Resource:  "auth",
		NewValues: values,
		IPAddress: ip,
		UserAgent: userAgent,
	}
	if resourceID != "" {
		entry.ResourceID = &resourceID
	}
	if err := s.audit.Create(ctx, entry); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}

func userInfo(user *models.User, role *models.Role) models.UserInfo {
	return models.UserInfo{
		ID:          user.ID,
		Username:    user.Username,
		Email:       user.Email,
		FirstName:   user.FirstName,
		LastName:    user.LastName,
		AvatarURL:   user.AvatarURL,
		Role:        role.Name,
		Permissions: role.Permissions,
	}
}
