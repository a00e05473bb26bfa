package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/noah-isme/chattar-api/internal/dto"
	"github.com/noah-isme/chattar-api/internal/models"
	appErrors "github.com/noah-isme/chattar-api/pkg/errors"
)

// Auth event names used for metrics.
const (
	EventRegister  = "register"
	EventLogin     = "login"
	EventRefresh   = "refresh"
	EventLogout    = "logout"
	EventLogoutAll = "logout_all"
	EventDeviceKey = "device_key"
)

const auditResource = "auth"

type auditStore interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// AuthService composes credentials, device keys and sessions into the
// account use cases exposed over HTTP.
type AuthService struct {
	credentials *CredentialService
	deviceKeys  *DeviceKeyService
	sessions    *SessionService
	audit       auditStore
	metrics     *MetricsService
	logger      *zap.Logger
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(credentials *CredentialService, deviceKeys *DeviceKeyService, sessions *SessionService, audit auditStore, metrics *MetricsService, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		credentials: credentials,
		deviceKeys:  deviceKeys,
		sessions:    sessions,
		audit:       audit,
		metrics:     metrics,
		logger:      logger,
	}
}

// Register creates the account and opens its first session.
func (s *AuthService) Register(ctx context.Context, req dto.RegisterRequest, meta models.ClientMeta) (*dto.AuthResult, error) {
	user, err := s.credentials.Register(ctx, req)
	if err != nil {
		s.metrics.RecordAuthEvent(EventRegister, OutcomeFailure)
		return nil, err
	}

	pair, err := s.sessions.Issue(ctx, user.ID, meta)
	if err != nil {
		s.metrics.RecordAuthEvent(EventRegister, OutcomeFailure)
		s.logger.Error("registered user without session", zap.String("user_id", user.ID), zap.Error(err))
		return nil, err
	}

	s.metrics.RecordAuthEvent(EventRegister, OutcomeSuccess)
	s.record(ctx, &user.ID, models.AuditActionRegister, meta, map[string]interface{}{"username": user.Username})
	return &dto.AuthResult{User: user, Tokens: *pair}, nil
}

// Login verifies credentials and opens a new session.
func (s *AuthService) Login(ctx context.Context, req dto.LoginRequest, meta models.ClientMeta) (*dto.AuthResult, error) {
	user, err := s.credentials.Login(ctx, req)
	if err != nil {
		s.metrics.RecordAuthEvent(EventLogin, OutcomeFailure)
		if errors.Is(err, appErrors.ErrInvalidCredentials) {
			s.record(ctx, nil, models.AuditActionLoginFailed, meta, nil)
		}
		return nil, err
	}

	pair, err := s.sessions.Issue(ctx, user.ID, meta)
	if err != nil {
		s.metrics.RecordAuthEvent(EventLogin, OutcomeFailure)
		return nil, err
	}

	s.metrics.RecordAuthEvent(EventLogin, OutcomeSuccess)
	s.record(ctx, &user.ID, models.AuditActionLogin, meta, nil)
	return &dto.AuthResult{User: user, Tokens: *pair}, nil
}

// Refresh renews the access token from a refresh token.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, meta models.ClientMeta) (*dto.TokenPair, error) {
	pair, err := s.sessions.Refresh(ctx, refreshToken, meta)
	if err != nil {
		s.metrics.RecordAuthEvent(EventRefresh, OutcomeFailure)
		return nil, err
	}
	s.metrics.RecordAuthEvent(EventRefresh, OutcomeSuccess)
	s.record(ctx, &pair.UserID, models.AuditActionRefresh, meta, map[string]interface{}{"rotated": pair.RefreshToken != refreshToken})
	return pair, nil
}

// Logout revokes refreshToken. Unknown or empty tokens are not an error.
// callerID, when known from the access token, attributes the audit entry
// if no refresh record was removed.
func (s *AuthService) Logout(ctx context.Context, refreshToken, callerID string, meta models.ClientMeta) error {
	record, err := s.sessions.Revoke(ctx, refreshToken)
	if err != nil {
		s.metrics.RecordAuthEvent(EventLogout, OutcomeFailure)
		return err
	}
	s.metrics.RecordAuthEvent(EventLogout, OutcomeSuccess)
	switch {
	case record != nil:
		s.record(ctx, &record.UserID, models.AuditActionLogout, meta, nil)
	case callerID != "":
		s.record(ctx, &callerID, models.AuditActionLogout, meta, map[string]interface{}{"revoked": 0})
	}
	return nil
}

// LogoutAll revokes every session of userID and returns how many were removed.
func (s *AuthService) LogoutAll(ctx context.Context, userID string, meta models.ClientMeta) (int64, error) {
	n, err := s.sessions.RevokeAll(ctx, userID)
	if err != nil {
		s.metrics.RecordAuthEvent(EventLogoutAll, OutcomeFailure)
		return 0, err
	}
	s.metrics.RecordAuthEvent(EventLogoutAll, OutcomeSuccess)
	s.record(ctx, &userID, models.AuditActionLogoutAll, meta, map[string]interface{}{"revoked": n})
	return n, nil
}

// VerifyAccess validates an access token for the HTTP middleware.
func (s *AuthService) VerifyAccess(token string) (*models.JWTClaims, error) {
	return s.sessions.VerifyAccess(token)
}

// Me returns the profile of an authenticated user. A token for a user that
// no longer exists is treated as unauthenticated.
func (s *AuthService) Me(ctx context.Context, userID string) (*dto.MeView, error) {
	user, err := s.credentials.GetByID(ctx, userID)
	if err != nil {
		if appErr := appErrors.FromError(err); appErr.Status == http.StatusNotFound {
			return nil, appErrors.Clone(appErrors.ErrUnauthorized, "user no longer exists")
		}
		return nil, err
	}
	return dto.NewMeView(user), nil
}

// AddDeviceKey registers another device public key for userID.
func (s *AuthService) AddDeviceKey(ctx context.Context, userID, publicKey string, meta models.ClientMeta) (*dto.DeviceKeyView, error) {
	key, err := s.deviceKeys.AddDeviceKey(ctx, userID, publicKey)
	if err != nil {
		s.metrics.RecordAuthEvent(EventDeviceKey, OutcomeFailure)
		return nil, err
	}
	s.metrics.RecordAuthEvent(EventDeviceKey, OutcomeSuccess)
	s.record(ctx, &userID, models.AuditActionDeviceKeyAdd, meta, map[string]interface{}{"deviceId": key.DeviceID})
	return &dto.DeviceKeyView{DeviceID: key.DeviceID, PublicKey: key.PublicKey, AddedAt: key.AddedAt}, nil
}

// DeviceKeys lists the device keys of userID.
func (s *AuthService) DeviceKeys(ctx context.Context, userID string) ([]dto.DeviceKeyView, error) {
	return s.deviceKeys.ListDeviceKeys(ctx, userID)
}

// Sessions lists the active sessions of userID.
func (s *AuthService) Sessions(ctx context.Context, userID, currentRefresh string) ([]dto.SessionView, error) {
	return s.sessions.ListSessions(ctx, userID, currentRefresh)
}

// UpdateStatus changes the presence flag of userID.
func (s *AuthService) UpdateStatus(ctx context.Context, userID string, req dto.UpdateStatusRequest, meta models.ClientMeta) (*dto.UserView, error) {
	user, err := s.credentials.UpdateStatus(ctx, userID, req)
	if err != nil {
		return nil, err
	}
	s.record(ctx, &userID, models.AuditActionStatusChange, meta, map[string]interface{}{"status": user.Status})
	return user, nil
}

// record writes an audit row. Failures are logged and never surface.
func (s *AuthService) record(ctx context.Context, userID *string, action string, meta models.ClientMeta, values map[string]interface{}) {
	if s.audit == nil {
		return
	}
	entry := &models.AuditLog{
		UserID:     userID,
		Action:     action,
		Resource:   auditResource,
		ResourceID: userID,
		IPAddress:  meta.IP,
		UserAgent:  meta.UserAgent,
	}
	if len(values) > 0 {
		payload, err := json.Marshal(values)
		if err != nil {
			s.logger.Warn("failed to encode audit values", zap.String("action", action), zap.Error(err))
		} else {
			entry.NewValues = payload
		}
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}
