package dto

import (
	"time"

	"github.com/noah-isme/chattar-api/internal/models"
)

// RegisterRequest is the registration payload.
type RegisterRequest struct {
	Username  string `json:"username" validate:"required,min=3,max=36,excludes=@"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=6,max=72"`
	PublicKey string `json:"publicKey" validate:"required,min=44,base64"`
}

// LoginRequest authenticates by username or email.
type LoginRequest struct {
	Identification string `json:"identification" validate:"required"`
	Password       string `json:"password" validate:"required"`
}

// RefreshRequest carries a refresh token for clients that cannot use cookies.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// AddDeviceKeyRequest registers an additional device public key.
type AddDeviceKeyRequest struct {
	PublicKey string `json:"publicKey"`
}

// UpdateStatusRequest changes the stored presence flag.
type UpdateStatusRequest struct {
	Status models.UserStatus `json:"status" validate:"required,oneof=online offline busy away"`
}

// DeviceKeyView is the public projection of a device key.
type DeviceKeyView struct {
	DeviceID  string    `json:"deviceId"`
	PublicKey string    `json:"publicKey"`
	AddedAt   time.Time `json:"addedAt"`
}

// UserView is the only outward representation of a user. It is assembled
// field by field so new columns on models.User never leak by default.
type UserView struct {
	ID         string            `json:"id"`
	Username   string            `json:"username"`
	Email      string            `json:"email"`
	PublicKey  string            `json:"publicKey"`
	DeviceKeys []DeviceKeyView   `json:"deviceKeys"`
	Status     models.UserStatus `json:"status"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// NewUserView projects a stored user into its safe view.
func NewUserView(u *models.User) *UserView {
	if u == nil {
		return nil
	}
	return &UserView{
		ID:         u.ID,
		Username:   u.Username,
		Email:      u.Email,
		PublicKey:  u.PublicKey,
		DeviceKeys: NewDeviceKeyViews(u.DeviceKeys),
		Status:     u.Status,
		CreatedAt:  u.CreatedAt,
	}
}

// NewDeviceKeyViews converts stored device keys, preserving order.
func NewDeviceKeyViews(keys models.DeviceKeys) []DeviceKeyView {
	views := make([]DeviceKeyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, DeviceKeyView{DeviceID: k.DeviceID, PublicKey: k.PublicKey, AddedAt: k.AddedAt})
	}
	return views
}

// MeView is the reduced profile returned to the current user.
type MeView struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	PublicKey string `json:"publicKey"`
}

// NewMeView narrows a UserView to the profile fields.
func NewMeView(u *UserView) *MeView {
	if u == nil {
		return nil
	}
	return &MeView{ID: u.ID, Username: u.Username, Email: u.Email, PublicKey: u.PublicKey}
}

// SessionView describes one active refresh token without exposing it.
type SessionView struct {
	ID         string    `json:"id"`
	DeviceInfo string    `json:"deviceInfo"`
	IPAddress  string    `json:"ipAddress"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Current    bool      `json:"current"`
}

// AuthResult is returned by register and login.
type AuthResult struct {
	User   *UserView `json:"user"`
	Tokens TokenPair `json:"-"`
}

// TokenPair holds the two halves of a session.
type TokenPair struct {
	UserID           string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}
