package service

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/chattar-api/internal/dto"
	"github.com/noah-isme/chattar-api/internal/models"
	appErrors "github.com/noah-isme/chattar-api/pkg/errors"
)

type credentialStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByIdentification(ctx context.Context, ident string) (*models.User, error)
	FindByUsernameOrEmail(ctx context.Context, username, email string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdateStatus(ctx context.Context, userID string, status models.UserStatus) error
}

// CredentialConfig tunes registration responses.
type CredentialConfig struct {
	// RevealConflictField names the colliding field in conflict responses.
	RevealConflictField bool
}

// CredentialService owns user accounts and password checks.
type CredentialService struct {
	users     credentialStore
	hasher    PasswordHasher
	validator *validator.Validate
	logger    *zap.Logger
	config    CredentialConfig
}

// NewCredentialService constructs a CredentialService.
func NewCredentialService(users credentialStore, hasher PasswordHasher, validate *validator.Validate, logger *zap.Logger, config CredentialConfig) *CredentialService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = NewValidator()
	}
	return &CredentialService{users: users, hasher: hasher, validator: validate, logger: logger, config: config}
}

// Register creates an account. Usernames and emails are stored lowercased.
func (s *CredentialService) Register(ctx context.Context, req dto.RegisterRequest) (*dto.UserView, error) {
	req.Username = normalizeIdentity(req.Username)
	req.Email = normalizeIdentity(req.Email)
	req.PublicKey = strings.TrimSpace(req.PublicKey)

	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid registration payload")
	}
	if len(req.Password) > maxPasswordBytes {
		return nil, appErrors.Validation(nil, "invalid registration payload", []appErrors.FieldError{
			{Field: "password", Message: "must be at most 72 bytes"},
		})
	}

	existing, err := s.users.FindByUsernameOrEmail(ctx, req.Username, req.Email)
	switch {
	case err == nil:
		field := "email"
		if existing.Username == req.Username {
			field = "username"
		}
		return nil, s.conflict(field)
	case !errors.Is(err, appErrors.ErrNoRecord):
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing users")
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		PublicKey:    req.PublicKey,
		DeviceKeys:   models.DeviceKeys{},
		Status:       models.StatusOffline,
	}
	if err := s.users.Create(ctx, user); err != nil {
		// A concurrent registration won the race past the pre-check.
		if errors.Is(err, appErrors.ErrDuplicateKey) {
			return nil, s.conflict(conflictField(err))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	return dto.NewUserView(user), nil
}

// Login checks an identification (username or email) and password. Unknown
// users and wrong passwords produce the same error after the same work.
func (s *CredentialService) Login(ctx context.Context, req dto.LoginRequest) (*dto.UserView, error) {
	req.Identification = normalizeIdentity(req.Identification)
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid login payload")
	}

	user, err := s.users.FindByIdentification(ctx, req.Identification)
	if err != nil {
		if errors.Is(err, appErrors.ErrNoRecord) {
			s.hasher.VerifyDummy(req.Password)
			return nil, appErrors.ErrInvalidCredentials
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	if !s.hasher.Verify(req.Password, user.PasswordHash) {
		return nil, appErrors.ErrInvalidCredentials
	}
	return dto.NewUserView(user), nil
}

// GetByID loads a user view.
func (s *CredentialService) GetByID(ctx context.Context, id string) (*dto.UserView, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, appErrors.ErrNoRecord) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return dto.NewUserView(user), nil
}

// UpdateStatus changes the stored presence flag and returns the updated view.
func (s *CredentialService) UpdateStatus(ctx context.Context, id string, req dto.UpdateStatusRequest) (*dto.UserView, error) {
	req.Status = models.UserStatus(strings.ToLower(strings.TrimSpace(string(req.Status))))
	if err := s.validator.Struct(req); err != nil {
		return nil, validationError(err, "invalid status payload")
	}
	if err := s.users.UpdateStatus(ctx, id, req.Status); err != nil {
		if errors.Is(err, appErrors.ErrNoRecord) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update status")
	}
	return s.GetByID(ctx, id)
}

func (s *CredentialService) conflict(field string) *appErrors.Error {
	if !s.config.RevealConflictField || field == "" {
		return appErrors.ErrConflict
	}
	message := "email already registered"
	if field == "username" {
		message = "username already taken"
	}
	conflict := appErrors.Clone(appErrors.ErrConflict, message)
	conflict.Errors = []appErrors.FieldError{{Field: field, Message: message}}
	return conflict
}

// conflictField infers the colliding column from the constraint name carried
// in a store duplicate-key error.
func conflictField(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "username"):
		return "username"
	case strings.Contains(msg, "email"):
		return "email"
	default:
		return ""
	}
}

func normalizeIdentity(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
