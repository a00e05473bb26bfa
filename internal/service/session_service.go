package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/chattar-api/internal/dto"
	"github.com/noah-isme/chattar-api/internal/models"
	appErrors "github.com/noah-isme/chattar-api/pkg/errors"
)

// issueAttempts bounds regeneration after a refresh token collision.
const issueAttempts = 3

// TokenStore persists refresh token records. Implementations return
// appErrors.ErrNoRecord and appErrors.ErrDuplicateKey.
type TokenStore interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	Find(ctx context.Context, token string) (*models.RefreshToken, error)
	Touch(ctx context.Context, token string, usedAt time.Time) error
	Delete(ctx context.Context, token string) (bool, error)
	DeleteByUser(ctx context.Context, userID string) (int64, error)
	ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]models.RefreshToken, error)
}

// SessionConfig defines token signing and lifetime settings.
type SessionConfig struct {
	Secret     string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Rotate replaces the refresh token on every refresh.
	Rotate bool
}

// SessionService issues, verifies, refreshes and revokes token pairs.
type SessionService struct {
	store   TokenStore
	metrics *MetricsService
	logger  *zap.Logger
	config  SessionConfig
	now     func() time.Time
}

// NewSessionService constructs a SessionService.
func NewSessionService(store TokenStore, metrics *MetricsService, logger *zap.Logger, config SessionConfig) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		store:   store,
		metrics: metrics,
		logger:  logger,
		config:  config,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Issue mints an access/refresh pair for userID and stores the refresh record.
// No pair is returned unless the record was stored.
func (s *SessionService) Issue(ctx context.Context, userID string, meta models.ClientMeta) (*dto.TokenPair, error) {
	now := s.now()
	access, accessExp, err := s.sign(userID, models.TokenTypeAccess, now, s.config.AccessTTL, "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}

	var lastErr error
	for attempt := 1; attempt <= issueAttempts; attempt++ {
		refresh, refreshExp, err := s.sign(userID, models.TokenTypeRefresh, now, s.config.RefreshTTL, uuid.NewString())
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
		}

		record := &models.RefreshToken{
			UserID:     userID,
			Token:      refresh,
			ExpiresAt:  refreshExp,
			DeviceInfo: meta.UserAgent,
			IPAddress:  meta.IP,
			CreatedAt:  now,
			LastUsedAt: now,
		}
		err = s.observe("create", func() error { return s.store.Create(ctx, record) })
		if err == nil {
			return &dto.TokenPair{
				UserID:           userID,
				AccessToken:      access,
				AccessExpiresAt:  accessExp,
				RefreshToken:     refresh,
				RefreshExpiresAt: refreshExp,
			}, nil
		}
		if !errors.Is(err, appErrors.ErrDuplicateKey) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
		}
		lastErr = err
		s.logger.Error("refresh token collision", zap.String("user_id", userID), zap.Int("attempt", attempt))
	}

	return nil, appErrors.Wrap(lastErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
}

// VerifyAccess validates an access token and returns its claims.
func (s *SessionService) VerifyAccess(raw string) (*models.JWTClaims, error) {
	if raw == "" {
		return nil, appErrors.ErrUnauthorized
	}
	claims, err := s.parse(raw, models.TokenTypeAccess)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid or expired access token")
	}
	return claims, nil
}

// Refresh exchanges a stored, unexpired refresh token for a new access token.
// With rotation enabled the old record is deleted first and a whole new pair
// is issued; only the caller whose delete removed the record proceeds.
func (s *SessionService) Refresh(ctx context.Context, raw string, meta models.ClientMeta) (*dto.TokenPair, error) {
	if raw == "" {
		return nil, appErrors.ErrInvalidRefresh
	}
	claims, err := s.parse(raw, models.TokenTypeRefresh)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInvalidRefresh.Code, appErrors.ErrInvalidRefresh.Status, appErrors.ErrInvalidRefresh.Message)
	}

	var record *models.RefreshToken
	err = s.observe("find", func() error {
		var findErr error
		record, findErr = s.store.Find(ctx, raw)
		return findErr
	})
	if err != nil {
		if errors.Is(err, appErrors.ErrNoRecord) {
			return nil, appErrors.ErrInvalidRefresh
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load refresh token")
	}

	now := s.now()
	if record.UserID != claims.Subject || record.Expired(now) {
		return nil, appErrors.ErrInvalidRefresh
	}

	if s.config.Rotate {
		var removed bool
		err := s.observe("delete", func() error {
			var delErr error
			removed, delErr = s.store.Delete(ctx, raw)
			return delErr
		})
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate refresh token")
		}
		if !removed {
			return nil, appErrors.ErrInvalidRefresh
		}
		if meta.UserAgent == "" {
			meta.UserAgent = record.DeviceInfo
		}
		return s.Issue(ctx, record.UserID, meta)
	}

	access, accessExp, err := s.sign(record.UserID, models.TokenTypeAccess, now, s.config.AccessTTL, "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}
	if err := s.observe("touch", func() error { return s.store.Touch(ctx, raw, now) }); err != nil {
		if errors.Is(err, appErrors.ErrNoRecord) {
			return nil, appErrors.ErrInvalidRefresh
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update refresh token")
	}

	return &dto.TokenPair{
		UserID:           record.UserID,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     raw,
		RefreshExpiresAt: record.ExpiresAt,
	}, nil
}

// Revoke deletes a refresh token and returns the removed record, or nil when
// nothing was stored under it.
func (s *SessionService) Revoke(ctx context.Context, raw string) (*models.RefreshToken, error) {
	if raw == "" {
		return nil, nil
	}
	var record *models.RefreshToken
	err := s.observe("find", func() error {
		var findErr error
		record, findErr = s.store.Find(ctx, raw)
		return findErr
	})
	if err != nil {
		if errors.Is(err, appErrors.ErrNoRecord) {
			return nil, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load refresh token")
	}

	var removed bool
	err = s.observe("delete", func() error {
		var delErr error
		removed, delErr = s.store.Delete(ctx, raw)
		return delErr
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}
	if !removed {
		return nil, nil
	}
	return record, nil
}

// RevokeAll deletes every refresh token of userID.
func (s *SessionService) RevokeAll(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.observe("delete_by_user", func() error {
		var delErr error
		n, delErr = s.store.DeleteByUser(ctx, userID)
		return delErr
	})
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke sessions")
	}
	return n, nil
}

// ListSessions returns the user's active sessions. current marks the session
// holding that refresh token.
func (s *SessionService) ListSessions(ctx context.Context, userID, current string) ([]dto.SessionView, error) {
	var records []models.RefreshToken
	err := s.observe("list", func() error {
		var listErr error
		records, listErr = s.store.ListActiveByUser(ctx, userID, s.now())
		return listErr
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sessions")
	}

	views := make([]dto.SessionView, 0, len(records))
	for _, r := range records {
		views = append(views, dto.SessionView{
			ID:         r.ID,
			DeviceInfo: r.DeviceInfo,
			IPAddress:  r.IPAddress,
			CreatedAt:  r.CreatedAt,
			LastUsedAt: r.LastUsedAt,
			ExpiresAt:  r.ExpiresAt,
			Current:    current != "" && r.Token == current,
		})
	}
	return views, nil
}

func (s *SessionService) sign(userID, typ string, now time.Time, ttl time.Duration, jti string) (string, time.Time, error) {
	issuedAt := jwt.NewNumericDate(now)
	expiresAt := jwt.NewNumericDate(now.Add(ttl))
	claims := &models.JWTClaims{
		UserID: userID,
		Type:   typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    s.config.Issuer,
			Subject:   userID,
			ExpiresAt: expiresAt,
			IssuedAt:  issuedAt,
			NotBefore: issuedAt,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt.Time, nil
}

func (s *SessionService) parse(raw, typ string) (*models.JWTClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.Issuer))
	}

	claims := &models.JWTClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(s.config.Secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}
	if claims.Type != typ {
		return nil, fmt.Errorf("unexpected token type %q", claims.Type)
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// observe times a store call. Not-found and duplicate-key results are
// expected outcomes and are not counted as failures.
func (s *SessionService) observe(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	failed := err != nil && !errors.Is(err, appErrors.ErrNoRecord) && !errors.Is(err, appErrors.ErrDuplicateKey)
	s.metrics.ObserveStoreOperation(operation, time.Since(start), failed)
	if failed {
		s.logger.Warn("token store operation failed", zap.String("operation", operation), zap.Error(err))
	}
	return err
}
