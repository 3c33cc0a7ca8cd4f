package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lexicon-cms/lexicon-api/internal/middleware"
	"github.com/lexicon-cms/lexicon-api/internal/models"
	"github.com/lexicon-cms/lexicon-api/internal/service"
	appErrors "github.com/lexicon-cms/lexicon-api/pkg/errors"
	"github.com/lexicon-cms/lexicon-api/pkg/response"
)

const refreshCookieName = "refresh_token"

// AuthHandler wires HTTP endpoints to the auth service. The refresh token
// only ever travels in an HttpOnly cookie scoped to the auth routes; response
// bodies carry just the access token.
type AuthHandler struct {
	service       *service.AuthService
	cookiePath    string
	secureCookies bool
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(svc *service.AuthService, cookiePath string, secureCookies bool) *AuthHandler {
	if cookiePath == "" {
		cookiePath = "/api/v1/auth"
	}
	return &AuthHandler{service: svc, cookiePath: cookiePath, secureCookies: secureCookies}
}

// Register godoc
// @Summary Register a new account
// @Description Create an account with the default role and log it in
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.RegisterRequest true "Registration payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid registration payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	res, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.setRefreshCookie(c, res.RefreshToken, res.RefreshExpiresAt)
	response.JSON(c, http.StatusCreated, res, nil)
}

// Login godoc
// @Summary Authenticate user
// @Description Authenticate by username or email and password
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.LoginRequest true "Login payload"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid login payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	res, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.setRefreshCookie(c, res.RefreshToken, res.RefreshExpiresAt)
	response.JSON(c, http.StatusOK, res, nil)
}

// Refresh godoc
// @Summary Refresh access token
// @Description Rotate the refresh-token cookie and issue a new access token
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	raw, err := c.Cookie(refreshCookieName)
	if err != nil || raw == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrInvalidToken, "refresh token cookie missing"))
		return
	}

	res, err := h.service.Refresh(c.Request.Context(), raw, c.ClientIP(), c.GetHeader("User-Agent"))
	if err != nil {
		h.clearRefreshCookie(c)
		response.Error(c, err)
		return
	}

	h.setRefreshCookie(c, res.RefreshToken, res.RefreshExpiresAt)
	response.JSON(c, http.StatusOK, res, nil)
}

// Logout godoc
// @Summary Logout current session
// @Description Revoke the refresh-token cookie; succeeds even when the session is already gone
// @Tags Authentication
// @Produce json
// @Success 204 {object} response.Envelope
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	if raw, err := c.Cookie(refreshCookieName); err == nil && raw != "" {
		if _, err := h.service.Revoke(c.Request.Context(), raw, c.ClientIP(), models.RevokeReasonUserLogout); err != nil {
			response.Error(c, err)
			return
		}
	}

	h.clearRefreshCookie(c)
	response.NoContent(c)
}

// RevokeAll godoc
// @Summary Revoke all sessions
// @Description Revoke every active refresh token of the authenticated user
// @Tags Authentication
// @Produce json
// @Success 204 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/revoke-all [post]
func (h *AuthHandler) RevokeAll(c *gin.Context) {
	claims := middleware.CurrentUser(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if _, err := h.service.RevokeAll(c.Request.Context(), claims.UserID(), c.ClientIP(), models.RevokeReasonUserRequested); err != nil {
		response.Error(c, err)
		return
	}

	h.clearRefreshCookie(c)
	response.NoContent(c)
}

// ChangePassword godoc
// @Summary Change password
// @Description Change the password of the current user and revoke all sessions
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.ChangePasswordRequest true "Change password payload"
// @Success 204 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /auth/change-password [post]
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	claims := middleware.CurrentUser(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	if err := h.service.ChangePassword(c.Request.Context(), claims.UserID(), req, c.ClientIP(), c.GetHeader("User-Agent")); err != nil {
		response.Error(c, err)
		return
	}

	h.clearRefreshCookie(c)
	response.NoContent(c)
}

// Me godoc
// @Summary Get current user
// @Description Returns the authenticated user's identity and permissions
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	claims := middleware.CurrentUser(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	info := models.UserInfo{
		ID:          claims.UserID(),
		Username:    claims.Username,
		Email:       claims.Email,
		Role:        claims.Role,
		Permissions: claims.Permissions,
	}

	response.JSON(c, http.StatusOK, info, nil)
}

func (h *AuthHandler) setRefreshCookie(c *gin.Context, token string, expiresAt time.Time) {
	c.SetSameSite(http.SameSiteStrictMode)
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	c.SetCookie(refreshCookieName, token, maxAge, h.cookiePath, "", h.secureCookies, true)
}

func (h *AuthHandler) clearRefreshCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(refreshCookieName, "", -1, h.cookiePath, "", h.secureCookies, true)
}
