package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/chattar-api/internal/dto"
	"github.com/noah-isme/chattar-api/internal/middleware"
	"github.com/noah-isme/chattar-api/internal/models"
	appErrors "github.com/noah-isme/chattar-api/pkg/errors"
	"github.com/noah-isme/chattar-api/pkg/response"
)

type authService interface {
	Register(ctx context.Context, req dto.RegisterRequest, meta models.ClientMeta) (*dto.AuthResult, error)
	Login(ctx context.Context, req dto.LoginRequest, meta models.ClientMeta) (*dto.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string, meta models.ClientMeta) (*dto.TokenPair, error)
	Logout(ctx context.Context, refreshToken, callerID string, meta models.ClientMeta) error
	LogoutAll(ctx context.Context, userID string, meta models.ClientMeta) (int64, error)
	Me(ctx context.Context, userID string) (*dto.MeView, error)
	AddDeviceKey(ctx context.Context, userID, publicKey string, meta models.ClientMeta) (*dto.DeviceKeyView, error)
	DeviceKeys(ctx context.Context, userID string) ([]dto.DeviceKeyView, error)
	Sessions(ctx context.Context, userID, currentRefresh string) ([]dto.SessionView, error)
	UpdateStatus(ctx context.Context, userID string, req dto.UpdateStatusRequest, meta models.ClientMeta) (*dto.UserView, error)
}

// CookieOptions controls the session cookies written by AuthHandler.
type CookieOptions struct {
	Domain     string
	Secure     bool
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// AuthHandler wires HTTP endpoints to the auth service.
type AuthHandler struct {
	service authService
	cookies CookieOptions
	now     func() time.Time
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(svc authService, cookies CookieOptions) *AuthHandler {
	return &AuthHandler{service: svc, cookies: cookies, now: time.Now}
}

// Register godoc
// @Summary Register account
// @Description Create an account and open a session. Tokens are set as HttpOnly cookies.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body dto.RegisterRequest true "Registration payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req dto.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Validation(err, "invalid registration payload", nil))
		return
	}

	result, err := h.service.Register(c.Request.Context(), req, clientMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	h.setSessionCookies(c, result.Tokens)
	response.Created(c, result)
}

// Login godoc
// @Summary Authenticate user
// @Description Authenticate by username or email and password
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body dto.LoginRequest true "Login payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req dto.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Validation(err, "invalid login payload", nil))
		return
	}

	result, err := h.service.Login(c.Request.Context(), req, clientMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	h.setSessionCookies(c, result.Tokens)
	response.JSON(c, http.StatusOK, result)
}

// Refresh godoc
// @Summary Refresh access token
// @Description Exchange the refresh token (cookie or body) for a new access token
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body dto.RefreshRequest false "Refresh payload for clients without cookies"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	token, err := refreshTokenFromRequest(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	pair, err := h.service.Refresh(c.Request.Context(), token, clientMeta(c))
	if err != nil {
		if appErr := appErrors.FromError(err); appErr.Status == http.StatusUnauthorized {
			h.clearSessionCookies(c)
		}
		response.Error(c, err)
		return
	}

	h.setSessionCookies(c, *pair)
	response.JSON(c, http.StatusOK, gin.H{"accessExpiresAt": pair.AccessExpiresAt})
}

// Logout godoc
// @Summary Logout current session
// @Description Revoke the refresh token and clear session cookies. Always succeeds.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body dto.RefreshRequest false "Refresh payload for clients without cookies"
// @Success 200 {object} response.Envelope
// @Router /logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	token, err := refreshTokenFromRequest(c)
	if err != nil {
		token = ""
	}

	var callerID string
	if claims := claimsFromContext(c); claims != nil {
		callerID = claims.Subject
	}

	if err := h.service.Logout(c.Request.Context(), token, callerID, clientMeta(c)); err != nil {
		response.Error(c, err)
		return
	}

	h.clearSessionCookies(c)
	response.JSON(c, http.StatusOK, gin.H{"loggedOut": true})
}

// LogoutAll godoc
// @Summary Logout everywhere
// @Description Revoke every refresh token of the current user
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Security BearerAuth
// @Router /logout-all [post]
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	revoked, err := h.service.LogoutAll(c.Request.Context(), userID, clientMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	h.clearSessionCookies(c)
	response.JSON(c, http.StatusOK, gin.H{"revoked": revoked})
}

// Me godoc
// @Summary Get current user
// @Description Returns the authenticated user's profile
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Security BearerAuth
// @Router /me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	me, err := h.service.Me(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, me)
}

// AddDeviceKey godoc
// @Summary Register device key
// @Description Append a device public key to the current user
// @Tags Devices
// @Accept json
// @Produce json
// @Param payload body dto.AddDeviceKeyRequest true "Device key"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Security BearerAuth
// @Router /add-device-key [post]
func (h *AuthHandler) AddDeviceKey(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req dto.AddDeviceKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Validation(err, "invalid device key payload", nil))
		return
	}

	key, err := h.service.AddDeviceKey(c.Request.Context(), userID, req.PublicKey, clientMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, key)
}

// DeviceKeys godoc
// @Summary List device keys
// @Description List the current user's device keys in registration order
// @Tags Devices
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Security BearerAuth
// @Router /device-keys [get]
func (h *AuthHandler) DeviceKeys(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	keys, err := h.service.DeviceKeys(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, keys, map[string]interface{}{"total": len(keys)})
}

// Sessions godoc
// @Summary List sessions
// @Description List the current user's active sessions
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Security BearerAuth
// @Router /sessions [get]
func (h *AuthHandler) Sessions(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	current, _ := c.Cookie(middleware.RefreshTokenCookie)
	sessions, err := h.service.Sessions(c.Request.Context(), userID, current)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, sessions, map[string]interface{}{"total": len(sessions)})
}

// UpdateStatus godoc
// @Summary Update presence status
// @Description Set the stored status to online, offline, busy or away
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body dto.UpdateStatusRequest true "Status"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Security BearerAuth
// @Router /status [put]
func (h *AuthHandler) UpdateStatus(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req dto.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Validation(err, "invalid status payload", nil))
		return
	}

	user, err := h.service.UpdateStatus(c.Request.Context(), userID, req, clientMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, user)
}

func (h *AuthHandler) setSessionCookies(c *gin.Context, pair dto.TokenPair) {
	now := h.now()
	h.setCookie(c, middleware.AccessTokenCookie, pair.AccessToken, maxAge(pair.AccessExpiresAt, now, h.cookies.AccessTTL))
	h.setCookie(c, middleware.RefreshTokenCookie, pair.RefreshToken, maxAge(pair.RefreshExpiresAt, now, h.cookies.RefreshTTL))
}

func (h *AuthHandler) clearSessionCookies(c *gin.Context) {
	h.setCookie(c, middleware.AccessTokenCookie, "", -1)
	h.setCookie(c, middleware.RefreshTokenCookie, "", -1)
}

func (h *AuthHandler) setCookie(c *gin.Context, name, value string, maxAge int) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(name, value, maxAge, "/", h.cookies.Domain, h.cookies.Secure, true)
}

// maxAge converts an expiry into cookie seconds, falling back to ttl when the
// expiry is unknown.
func maxAge(expiresAt, now time.Time, ttl time.Duration) int {
	if expiresAt.IsZero() {
		return int(ttl.Seconds())
	}
	seconds := int(expiresAt.Sub(now).Seconds())
	if seconds < 1 {
		return -1
	}
	return seconds
}

// refreshTokenFromRequest prefers the refresh cookie and falls back to the
// JSON body for clients without a cookie jar.
func refreshTokenFromRequest(c *gin.Context) (string, error) {
	if cookie, err := c.Cookie(middleware.RefreshTokenCookie); err == nil && cookie != "" {
		return cookie, nil
	}

	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return "", nil
	}
	var req dto.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", appErrors.Validation(err, "invalid refresh payload", nil)
	}
	return req.RefreshToken, nil
}
