package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexicon-cms/lexicon-api/internal/auth"
	"github.com/lexicon-cms/lexicon-api/internal/models"
	appErrors "github.com/lexicon-cms/lexicon-api/pkg/errors"
)

type mockUserStore struct {
	users       map[string]*models.User
	usernames   map[string]bool
	emails      map[string]bool
	loginRecord bool
}

func newMockUserStore(users ...*models.User) *mockUserStore {
	m := &mockUserStore{
		users:     make(map[string]*models.User),
		usernames: make(map[string]bool),
		emails:    make(map[string]bool),
	}
	for _, u := range users {
		m.users[u.ID] = u
		m.usernames[u.Username] = true
		m.emails[u.Email] = true
	}
	return m
}

func (m *mockUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserStore) FindByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	for _, u := range m.users {
		if u.Username == identifier || u.Email == identifier {
			return u, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockUserStore) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	return m.usernames[username], nil
}

func (m *mockUserStore) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return m.emails[email], nil
}

func (m *mockUserStore) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = "user-" + user.Username
	}
	m.users[user.ID] = user
	m.usernames[user.Username] = true
	m.emails[user.Email] = true
	return nil
}

func (m *mockUserStore) RecordLogin(ctx context.Context, id string, ts time.Time) error {
	if u, ok := m.users[id]; ok {
		u.FailedLoginAttempts = 0
		u.LockoutEnd = nil
		u.LastLoginAt = &ts
	}
	m.loginRecord = true
	return nil
}

func (m *mockUserStore) IncrementFailedAttempts(ctx context.Context, id string) (int, error) {
	u, ok := m.users[id]
	if !ok {
		return 0, sql.ErrNoRows
	}
	u.FailedLoginAttempts++
	return u.FailedLoginAttempts, nil
}

func (m *mockUserStore) SetLockout(ctx context.Context, id string, until time.Time) error {
	if u, ok := m.users[id]; ok {
		u.LockoutEnd = &until
	}
	return nil
}

func (m *mockUserStore) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	if u, ok := m.users[id]; ok {
		u.PasswordHash = passwordHash
	}
	return nil
}

type mockTokenStore struct {
	tokens map[string]*models.RefreshToken
}

func newMockTokenStore() *mockTokenStore {
	return &mockTokenStore{tokens: make(map[string]*models.RefreshToken)}
}

func (m *mockTokenStore) Create(ctx context.Context, token *models.RefreshToken) error {
	m.tokens[token.TokenHash] = token
	return nil
}

func (m *mockTokenStore) FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	if t, ok := m.tokens[tokenHash]; ok {
		return t, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockTokenStore) Rotate(ctx context.Context, oldHash string, next *models.RefreshToken, ip, reason string) (bool, error) {
	old, ok := m.tokens[oldHash]
	if !ok || !old.Active(time.Now().UTC()) {
		return false, nil
	}
	now := time.Now().UTC()
	old.RevokedAt = &now
	old.RevokedByIP = &ip
	old.RevokedReason = &reason
	old.ReplacedByHash = &next.TokenHash
	m.tokens[next.TokenHash] = next
	return true, nil
}

func (m *mockTokenStore) Revoke(ctx context.Context, tokenHash, ip, reason string) (bool, error) {
	t, ok := m.tokens[tokenHash]
	if !ok || !t.Active(time.Now().UTC()) {
		return false, nil
	}
	now := time.Now().UTC()
	t.RevokedAt = &now
	t.RevokedByIP = &ip
	t.RevokedReason = &reason
	return true, nil
}

func (m *mockTokenStore) RevokeAllForUser(ctx context.Context, userID, ip, reason string) (int64, error) {
	now := time.Now().UTC()
	var n int64
	for _, t := range m.tokens {
		if t.UserID == userID && t.Active(now) {
			revokedAt := now
			t.RevokedAt = &revokedAt
			t.RevokedByIP = &ip
			t.RevokedReason = &reason
			n++
		}
	}
	return n, nil
}

func (m *mockTokenStore) activeCount(userID string) int {
	now := time.Now().UTC()
	count := 0
	for _, t := range m.tokens {
		if t.UserID == userID && t.Active(now) {
			count++
		}
	}
	return count
}

type mockRoleAuthority struct {
	roles map[string]*models.Role
}

func newMockRoleAuthority(roles ...*models.Role) *mockRoleAuthority {
	m := &mockRoleAuthority{roles: make(map[string]*models.Role)}
	for _, r := range roles {
		m.roles[r.ID] = r
	}
	return m
}

func (m *mockRoleAuthority) GetByID(ctx context.Context, id string) (*models.Role, error) {
	if r, ok := m.roles[id]; ok {
		return r, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockRoleAuthority) GetByName(ctx context.Context, name string) (*models.Role, error) {
	for _, r := range m.roles {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, sql.ErrNoRows
}

type mockAuditSink struct {
	entries []*models.AuditLog
}

func (m *mockAuditSink) Create(ctx context.Context, log *models.AuditLog) error {
	m.entries = append(m.entries, log)
	return nil
}

const testPassword = "Sup3r$ecretPass!"

func readerRole() *models.Role {
	return &models.Role{
		ID:          "role-reader",
		Name:        models.RoleReader,
		Permissions: pq.StringArray{models.PermPostsRead, models.PermCommentsRead, models.PermCommentsCreate},
	}
}

func testHasher() *auth.PasswordHasher {
	// Min cost keeps the suite fast; production cost is configured at boot.
	return auth.NewPasswordHasher(4)
}

func newTestAuthService(users *mockUserStore, tokens *mockTokenStore, roles *mockRoleAuthority, audit *mockAuditSink) *AuthService {
	signer := auth.NewTokenSigner(auth.SignerConfig{
		Secret:     "test-secret",
		Issuer:     "lexicon-api",
		Audience:   []string{"lexicon-clients"},
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	})
	// Avoid storing a typed-nil *mockAuditSink in the auditSink interface,
	// which would defeat the service's nil check.
	var sink auditSink
	if audit != nil {
		sink = audit
	}
	return NewAuthService(
		users, tokens, roles, sink,
		testHasher(),
		auth.PasswordPolicy{MinLength: 12},
		auth.NewLockoutPolicy(5, 15*time.Minute),
		signer,
		validator.New(),
		zap.NewNop(),
		nil,
	)
}

func activeUser(t *testing.T, hasher *auth.PasswordHasher) *models.User {
	t.Helper()
	hash, err := hasher.Hash(testPassword)
	require.NoError(t, err)
	return &models.User{
		ID:           "u1",
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: hash,
		Active:       true,
		RoleID:       "role-reader",
	}
}

func TestRegisterAssignsDefaultRole(t *testing.T) {
	users := newMockUserStore()
	tokens := newMockTokenStore()
	audit := &mockAuditSink{}
	svc := newTestAuthService(users, tokens, newMockRoleAuthority(readerRole()), audit)

	res, err := svc.Register(context.Background(), models.RegisterRequest{
		Username: "bob",
		Email:    "Bob@Example.com",
		Password: testPassword,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, models.RoleReader, res.User.Role)

	created, err := users.FindByIdentifier(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "role-reader", created.RoleID)
	assert.Equal(t, "bob@example.com", created.Email)
	assert.NotEqual(t, testPassword, created.PasswordHash)
	assert.NotEmpty(t, audit.entries)
}

func TestRegisterRejectsWeakPasswords(t *testing.T) {
	svc := newTestAuthService(newMockUserStore(), newMockTokenStore(), newMockRoleAuthority(readerRole()), nil)

	cases := []struct {
		name     string
		password string
	}{
		{"too short", "Ab1!short"},
		{"no uppercase", "lowercase0nly$pass"},
		{"no lowercase", "UPPERCASE0NLY$PASS"},
		{"no digit", "NoDigitsAtAll$Pass"},
		{"no symbol", "NoSymbolsAtAll0Pass"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), models.RegisterRequest{
				Username: "bob",
				Email:    "bob@example.com",
				Password: tc.password,
			})
			require.Error(t, err)
			assert.Equal(t, appErrors.ErrWeakPassword.Code, appErrors.FromError(err).Code)
		})
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	hasher := testHasher()
	existing := activeUser(t, hasher)
	svc := newTestAuthService(newMockUserStore(existing), newMockTokenStore(), newMockRoleAuthority(readerRole()), nil)

	_, err := svc.Register(context.Background(), models.RegisterRequest{
		Username: "alice",
		Email:    "other@example.com",
		Password: testPassword,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUsernameExists.Code, appErrors.FromError(err).Code)

	_, err = svc.Register(context.Background(), models.RegisterRequest{
		Username: "alice2",
		Email:    "ALICE@example.com",
		Password: testPassword,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrEmailExists.Code, appErrors.FromError(err).Code)
}

func TestLoginSuccessResetsFailureState(t *testing.T) {
	hasher := testHasher()
	user := activeUser(t, hasher)
	user.FailedLoginAttempts = 3
	users := newMockUserStore(user)
	tokens := newMockTokenStore()
	svc := newTestAuthService(users, tokens, newMockRoleAuthority(readerRole()), &mockAuditSink{})

	res, err := svc.Login(context.Background(), models.LoginRequest{
		UsernameOrEmail: "alice",
		Password:        testPassword,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, 0, user.FailedLoginAttempts)
	assert.NotNil(t, user.LastLoginAt)
	assert.Equal(t, 1, tokens.activeCount(user.ID))
}

func TestLoginUnknownIdentifier(t *testing.T) {
	svc := newTestAuthService(newMockUserStore(), newMockTokenStore(), newMockRoleAuthority(readerRole()), nil)

	_, err := svc.Login(context.Background(), models.LoginRequest{
		UsernameOrEmail: "nobody",
		Password:        testPassword,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErrors.FromError(err).Code)
}

func TestLoginInactiveUser(t *testing.T) {
	hasher := testHasher()
	user := activeUser(t, hasher)
	user.Active = false
	svc := newTestAuthService(newMockUserStore(user), newMockTokenStore(), newMockRoleAuthority(readerRole()), nil)

	_, err := svc.Login(context.Background(), models.LoginRequest{
		UsernameOrEmail: "alice",
		Password:        testPassword,
	})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrUserInactive.Code, appErr.Code)
	assert.Equal(t, 403, appErr.Status)
}

func TestLoginLockoutBoundary(t *testing.T) {
	hasher := testHasher()
	user := activeUser(t, hasher)
	users := newMockUserStore(user)
	svc := newTestAuthService(users, newMockTokenStore(), newMockRoleAuthority(readerRole()), nil)

	// The first five wrong passwords report invalid credentials; the fifth
	// one trips the lockout.
	for i := 0; i < 5; i++ {
		_, err := svc.Login(context.Background(), models.LoginRequest{
			UsernameOrEmail: "alice",
			Password:        "Wrong$Password1",
		})
		require.Error(t, err)
		assert.Equal(t, appErrors.ErrInvalidCredentials.Code, appErrors.FromError(err).Code)
	}
	require.NotNil(t, user.LockoutEnd)
	assert.Equal(t, 5, user.FailedLoginAttempts)

	// The sixth attempt reports the lock even with the correct password.
	_, err := svc.Login(context.Background(), models.LoginRequest{
		UsernameOrEmail: "alice",
		Password:        testPassword,
	})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrUserLocked.Code, appErr.Code)
	assert.Equal(t, 403, appErr.Status)
}

func TestLoginAfterLockoutExpiry(t *testing.T) {
	hasher := testHasher()
	user := activeUser(t, hasher)
	expired := time.Now().UTC().Add(-time.Minute)
	user.LockoutEnd = &expired
	user.FailedLoginAttempts = 5
	svc := newTestAuthService(newMockUserStore(user), newMockTokenStore(), newMockRoleAuthority(readerRole()), nil)

	res, err := svc.Login(context.Background(), models.LoginRequest{
		UsernameOrEmail: "alice",
		Password:        testPassword,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.Equal(t, 0, user.FailedLoginAttempts)
	assert.Nil(t, user.LockoutEnd)
}

func TestRefreshRotatesToken(t *testing.T) {
	hasher := testHasher()
	user := activeUser(t, hasher)
	users := newMockUserStore(user)
	tokens := newMockTokenStore()
	svc := newTestAuthService(users, tokens, newMockRoleAuthority(readerRole()), &mockAuditSink{})

	login, err := svc.Login(context.Background(), models.LoginRequest{UsernameOrEmail: "alice", Password: testPassword})
	require.NoError(t, err)

	refreshed, err := svc.Refresh(context.Background(), login.RefreshToken, "10.0.0.1", "test")
	require.NoError(t, err)

	assert.NotEmpty(t, refreshed.AccessToken)
	assert.NotEqual(t, login.RefreshToken, refreshed.RefreshToken)

	old := tokens.tokens[auth.HashToken(login.RefreshToken)]
	require.NotNil(t, old)
	assert.True(t, old.Revoked())
	require.NotNil(t, old.RevokedReason)
	assert.Equal(t, models.RevokeReasonRotated, *old.RevokedReason)
	require.NotNil(t, old.ReplacedByHash)
	assert.Equal(t, auth.HashToken(refreshed.RefreshToken), *old.ReplacedByHash)
	assert.Equal(t, 1, tokens.activeCount(user.ID))
}

func TestRefreshReuseTearsDownSessionFamily(t *testing.T) {
	hasher := testHasher()
	user := activeUser(t, hasher)
	users := newMockUserStore(user)
	tokens := newMockTokenStore()
	svc := newTestAuthService(users, tokens, newMockRoleAuthority(readerRole()), &mockAuditSink{})

	login, err := svc.Login(context.Background(), models.LoginRequest{UsernameOrEmail: "alice", Password: testPassword})
	require.NoError(t, err)

	refreshed, err := svc.Refresh(context.Background(), login.RefreshToken, "10.0.0.1", "test")
	require.NoError(t, err)

	// Replaying the original token after its rotation must kill the
	// descendant session too.
	_, err = svc.Refresh(context.Background(), login.RefreshToken, "10.0.0.2", "attacker")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrTokenExpired.Code, appErrors.FromError(err).Code)

	assert.Equal(t, 0, tokens.activeCount(user.ID))
	descendant := tokens.tokens[auth.HashToken(refreshed.RefreshToken)]
	require.NotNil(t, descendant)
	require.NotNil(t, descendant.RevokedReason)
	assert.Equal(t, models.RevokeReasonReuseDetected, *descendant.RevokedReason)
}

func TestRefreshExpiredTokenNoTeardown(t *testing.T) {
	hasher := testHasher()
	user := activeUser(t, hasher)
	users := newMockUserStore(user)
	tokens := newMockTokenStore()
	svc := newTestAuthService(users, tokens, newMockRoleAuthority(readerRole()), nil)

	// One live session plus one token that aged out without being revoked.
	login, err := svc.Login(context.Background(), models.LoginRequest{UsernameOrEmail: "alice", Password: testPassword})
	require.NoError(t, err)

	expiredRaw := "expired-raw-token"
	tokens.tokens[auth.HashToken(expiredRaw)] = &models.RefreshToken{
		ID:        "rt-old",
		UserID:    user.ID,
		TokenHash: auth.HashToken(expiredRaw),
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}

	_, err = svc.Refresh(context.Background(), expiredRaw, "10.0.0.1", "test")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrTokenExpired.Code, appErrors.FromError(err).Code)

	// Plain expiry is not treated as theft; the live session survives.
	assert.Equal(t, 1, tokens.activeCount(user.ID))
	_, err = svc.Refresh(context.Background(), login.RefreshToken, "10.0.0.1", "test")
	assert.NoError(t, err)
}

func TestRefreshUnknownToken(t *testing.T) {
	svc := newTestAuthService(newMockUserStore(), newMockTokenStore(), newMockRoleAuthority(readerRole()), nil)

	_, err := svc.Refresh(context.Background(), "never-issued", "10.0.0.1", "test")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvalidToken.Code, appErrors.FromError(err).Code)
}

func TestRevokeIsIdempotent(t *testing.T) {
	hasher := testHasher()
	user := activeUser(t, hasher)
	tokens := newMockTokenStore()
	svc := newTestAuthService(newMockUserStore(user), tokens, newMockRoleAuthority(readerRole()), &mockAuditSink{})

	login, err := svc.Login(context.Background(), models.LoginRequest{UsernameOrEmail: "alice", Password: testPassword})
	require.NoError(t, err)

	revoked, err := svc.Revoke(context.Background(), login.RefreshToken, "10.0.0.1", models.RevokeReasonUserLogout)
	require.NoError(t, err)
	assert.True(t, revoked)

	// A second logout with the same token is a no-op, not an error.
	revoked, err = svc.Revoke(context.Background(), login.RefreshToken, "10.0.0.1", models.RevokeReasonUserLogout)
	require.NoError(t, err)
	assert.False(t, revoked)

	revoked, err = svc.Revoke(context.Background(), "never-issued", "10.0.0.1", models.RevokeReasonUserLogout)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeAll(t *testing.T) {
	hasher := testHasher()
	user := activeUser(t, hasher)
	tokens := newMockTokenStore()
	svc := newTestAuthService(newMockUserStore(user), tokens, newMockRoleAuthority(readerRole()), &mockAuditSink{})

	for i := 0; i < 3; i++ {
		_, err := svc.Login(context.Background(), models.LoginRequest{UsernameOrEmail: "alice", Password: testPassword})
		require.NoError(t, err)
	}
	require.Equal(t, 3, tokens.activeCount(user.ID))

	ok, err := svc.RevokeAll(context.Background(), user.ID, "10.0.0.1", models.RevokeReasonUserRequested)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, tokens.activeCount(user.ID))
}

func TestChangePassword(t *testing.T) {
	hasher := testHasher()
	user := activeUser(t, hasher)
	tokens := newMockTokenStore()
	svc := newTestAuthService(newMockUserStore(user), tokens, newMockRoleAuthority(readerRole()), &mockAuditSink{})

	_, err := svc.Login(context.Background(), models.LoginRequest{UsernameOrEmail: "alice", Password: testPassword})
	require.NoError(t, err)

	err = svc.ChangePassword(context.Background(), user.ID, models.ChangePasswordRequest{
		OldPassword: "Wrong$Password1",
		NewPassword: "An0ther$ecretPass!",
	}, "10.0.0.1", "test")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	err = svc.ChangePassword(context.Background(), user.ID, models.ChangePasswordRequest{
		OldPassword: testPassword,
		NewPassword: "weak",
	}, "10.0.0.1", "test")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrWeakPassword.Code, appErrors.FromError(err).Code)

	err = svc.ChangePassword(context.Background(), user.ID, models.ChangePasswordRequest{
		OldPassword: testPassword,
		NewPassword: "An0ther$ecretPass!",
	}, "10.0.0.1", "test")
	require.NoError(t, err)

	assert.True(t, testHasher().Verify("An0ther$ecretPass!", user.PasswordHash))
	assert.Equal(t, 0, tokens.activeCount(user.ID))
}

func TestValidateTokenCarriesPermissions(t *testing.T) {
	hasher := testHasher()
	user := activeUser(t, hasher)
	svc := newTestAuthService(newMockUserStore(user), newMockTokenStore(), newMockRoleAuthority(readerRole()), nil)

	res, err := svc.Login(context.Background(), models.LoginRequest{UsernameOrEmail: "alice", Password: testPassword})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID())
	assert.Equal(t, models.RoleReader, claims.Role)
	assert.True(t, claims.HasPermission(models.PermPostsRead))
	assert.False(t, claims.HasPermission(models.PermUsersManage))
}
