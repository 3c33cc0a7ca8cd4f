package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexicon-cms/lexicon-api/internal/auth"
	"github.com/lexicon-cms/lexicon-api/internal/middleware"
	"github.com/lexicon-cms/lexicon-api/internal/models"
	"github.com/lexicon-cms/lexicon-api/internal/service"
)

const testPassword = "Sup3r$ecretPass!"

type fakeUserStore struct {
	users map[string]*models.User
}

func (f *fakeUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeUserStore) FindByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	for _, u := range f.users {
		if u.Username == identifier || u.Email == identifier {
			return u, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeUserStore) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	for _, u := range f.users {
		if u.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeUserStore) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	for _, u := range f.users {
		if u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeUserStore) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = "user-" + user.Username
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeUserStore) RecordLogin(ctx context.Context, id string, ts time.Time) error {
	if u, ok := f.users[id]; ok {
		u.FailedLoginAttempts = 0
		u.LockoutEnd = nil
		u.LastLoginAt = &ts
	}
	return nil
}

func (f *fakeUserStore) IncrementFailedAttempts(ctx context.Context, id string) (int, error) {
	u, ok := f.users[id]
	if !ok {
		return 0, sql.ErrNoRows
	}
	u.FailedLoginAttempts++
	return u.FailedLoginAttempts, nil
}

func (f *fakeUserStore) SetLockout(ctx context.Context, id string, until time.Time) error {
	if u, ok := f.users[id]; ok {
		u.LockoutEnd = &until
	}
	return nil
}

func (f *fakeUserStore) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	if u, ok := f.users[id]; ok {
		u.PasswordHash = passwordHash
	}
	return nil
}

type fakeTokenStore struct {
	tokens map[string]*models.RefreshToken
}

func (f *fakeTokenStore) Create(ctx context.Context, token *models.RefreshToken) error {
	f.tokens[token.TokenHash] = token
	return nil
}

func (f *fakeTokenStore) FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	if t, ok := f.tokens[tokenHash]; ok {
		return t, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeTokenStore) Rotate(ctx context.Context, oldHash string, next *models.RefreshToken, ip, reason string) (bool, error) {
	old, ok := f.tokens[oldHash]
	if !ok || !old.Active(time.Now().UTC()) {
		return false, nil
	}
	now := time.Now().UTC()
	old.RevokedAt = &now
	old.RevokedReason = &reason
	old.ReplacedByHash = &next.TokenHash
	f.tokens[next.TokenHash] = next
	return true, nil
}

func (f *fakeTokenStore) Revoke(ctx context.Context, tokenHash, ip, reason string) (bool, error) {
	t, ok := f.tokens[tokenHash]
	if !ok || !t.Active(time.Now().UTC()) {
		return false, nil
	}
	now := time.Now().UTC()
	t.RevokedAt = &now
	t.RevokedReason = &reason
	return true, nil
}

func (f *fakeTokenStore) RevokeAllForUser(ctx context.Context, userID, ip, reason string) (int64, error) {
	now := time.Now().UTC()
	var n int64
	for _, t := range f.tokens {
		if t.UserID == userID && t.Active(now) {
			revokedAt := now
			t.RevokedAt = &revokedAt
			t.RevokedReason = &reason
			n++
		}
	}
	return n, nil
}

type fakeRoleAuthority struct {
	role *models.Role
}

func (f *fakeRoleAuthority) GetByID(ctx context.Context, id string) (*models.Role, error) {
	if f.role != nil && f.role.ID == id {
		return f.role, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeRoleAuthority) GetByName(ctx context.Context, name string) (*models.Role, error) {
	if f.role != nil && f.role.Name == name {
		return f.role, nil
	}
	return nil, sql.ErrNoRows
}

func newTestRouter(t *testing.T) (*gin.Engine, *fakeTokenStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hasher := auth.NewPasswordHasher(4)
	hash, err := hasher.Hash(testPassword)
	require.NoError(t, err)

	role := &models.Role{
		ID:          "role-reader",
		Name:        models.RoleReader,
		Permissions: pq.StringArray{models.PermPostsRead},
	}
	users := &fakeUserStore{users: map[string]*models.User{
		"u1": {ID: "u1", Username: "alice", Email: "alice@example.com", PasswordHash: hash, Active: true, RoleID: "role-reader"},
	}}
	tokens := &fakeTokenStore{tokens: make(map[string]*models.RefreshToken)}

	signer := auth.NewTokenSigner(auth.SignerConfig{
		Secret:     "test-secret",
		Issuer:     "lexicon-api",
		Audience:   []string{"lexicon-clients"},
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	})
	svc := service.NewAuthService(users, tokens, &fakeRoleAuthority{role: role}, nil,
		hasher, auth.PasswordPolicy{MinLength: 12}, auth.NewLockoutPolicy(5, 15*time.Minute),
		signer, nil, zap.NewNop(), nil)

	h := NewAuthHandler(svc, "/api/v1/auth", false)

	r := gin.New()
	authRoutes := r.Group("/api/v1/auth")
	authRoutes.POST("/register", h.Register)
	authRoutes.POST("/login", h.Login)
	authRoutes.POST("/refresh", h.Refresh)
	authRoutes.POST("/logout", h.Logout)
	protected := authRoutes.Group("", middleware.JWT(svc))
	protected.GET("/me", h.Me)
	protected.POST("/revoke-all", h.RevokeAll)

	return r, tokens
}

func refreshCookie(t *testing.T, res *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range res.Result().Cookies() {
		if c.Name == refreshCookieName {
			return c
		}
	}
	return nil
}

func doLogin(t *testing.T, r *gin.Engine) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"username_or_email":"alice","password":"` + testPassword + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)
	return res
}

func TestLoginSetsRefreshCookie(t *testing.T) {
	r, _ := newTestRouter(t)

	res := doLogin(t, r)
	require.Equal(t, http.StatusOK, res.Code)

	cookie := refreshCookie(t, res)
	require.NotNil(t, cookie)
	assert.NotEmpty(t, cookie.Value)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, "/api/v1/auth", cookie.Path)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)

	// The raw refresh token never appears in the body.
	var envelope struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &envelope))
	assert.Contains(t, envelope.Data, "access_token")
	assert.NotContains(t, envelope.Data, "refresh_token")
}

func TestLoginWrongPassword(t *testing.T) {
	r, _ := newTestRouter(t)

	body := `{"username_or_email":"alice","password":"Wrong$Password1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	assert.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Nil(t, refreshCookie(t, res))
}

func TestRefreshWithoutCookie(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestRefreshRotatesCookie(t *testing.T) {
	r, _ := newTestRouter(t)

	loginRes := doLogin(t, r)
	require.Equal(t, http.StatusOK, loginRes.Code)
	original := refreshCookie(t, loginRes)
	require.NotNil(t, original)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	req.AddCookie(original)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	require.Equal(t, http.StatusOK, res.Code)
	rotated := refreshCookie(t, res)
	require.NotNil(t, rotated)
	assert.NotEqual(t, original.Value, rotated.Value)

	// Replaying the consumed cookie fails and clears the cookie.
	replay := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	replay.AddCookie(original)
	replayRes := httptest.NewRecorder()
	r.ServeHTTP(replayRes, replay)

	assert.Equal(t, http.StatusUnauthorized, replayRes.Code)
	cleared := refreshCookie(t, replayRes)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
}

func TestLogoutIsIdempotent(t *testing.T) {
	r, tokens := newTestRouter(t)

	loginRes := doLogin(t, r)
	cookie := refreshCookie(t, loginRes)
	require.NotNil(t, cookie)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
		req.AddCookie(cookie)
		res := httptest.NewRecorder()
		r.ServeHTTP(res, req)
		assert.Equal(t, http.StatusNoContent, res.Code)
	}

	// Logout without any cookie also succeeds.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)
	assert.Equal(t, http.StatusNoContent, res.Code)

	now := time.Now().UTC()
	for _, token := range tokens.tokens {
		assert.False(t, token.Active(now))
	}
}

func TestMeRequiresBearerToken(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	loginRes := doLogin(t, r)
	var envelope struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(loginRes.Body.Bytes(), &envelope))

	authed := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	authed.Header.Set("Authorization", "Bearer "+envelope.Data.AccessToken)
	authedRes := httptest.NewRecorder()
	r.ServeHTTP(authedRes, authed)

	require.Equal(t, http.StatusOK, authedRes.Code)
	var me struct {
		Data models.UserInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(authedRes.Body.Bytes(), &me))
	assert.Equal(t, "u1", me.Data.ID)
	assert.Equal(t, models.RoleReader, me.Data.Role)
}

func TestRegisterConflict(t *testing.T) {
	r, _ := newTestRouter(t)

	body := `{"username":"alice","email":"new@example.com","password":"` + testPassword + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)

	assert.Equal(t, http.StatusConflict, res.Code)
}
