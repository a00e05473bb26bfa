package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/chattar-api/internal/dto"
	"github.com/noah-isme/chattar-api/internal/models"
	appErrors "github.com/noah-isme/chattar-api/pkg/errors"
)

type deviceKeyStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	AppendDeviceKey(ctx context.Context, userID string, key models.DeviceKey) error
}

// DeviceKeyService binds additional device public keys to an account.
// Keys are append-only.
type DeviceKeyService struct {
	users  deviceKeyStore
	logger *zap.Logger
	now    func() time.Time
}

// NewDeviceKeyService constructs a DeviceKeyService.
func NewDeviceKeyService(users deviceKeyStore, logger *zap.Logger) *DeviceKeyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceKeyService{users: users, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// AddDeviceKey appends publicKey under a freshly generated device id.
func (s *DeviceKeyService) AddDeviceKey(ctx context.Context, userID, publicKey string) (*models.DeviceKey, error) {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return nil, appErrors.Validation(nil, "public key is required", []appErrors.FieldError{
			{Field: "publicKey", Message: "is required"},
		})
	}

	key := models.DeviceKey{
		PublicKey: publicKey,
		DeviceID:  uuid.NewString(),
		AddedAt:   s.now().Truncate(time.Millisecond),
	}
	if err := s.users.AppendDeviceKey(ctx, userID, key); err != nil {
		if errors.Is(err, appErrors.ErrNoRecord) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to add device key")
	}

	s.logger.Debug("device key added", zap.String("user_id", userID), zap.String("device_id", key.DeviceID))
	return &key, nil
}

// ListDeviceKeys returns the user's device keys in insertion order.
func (s *DeviceKeyService) ListDeviceKeys(ctx context.Context, userID string) ([]dto.DeviceKeyView, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, appErrors.ErrNoRecord) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load device keys")
	}
	return dto.NewDeviceKeyViews(user.DeviceKeys), nil
}
