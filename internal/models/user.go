package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// UserStatus is the presence flag stored on the account.
type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusOffline UserStatus = "offline"
	StatusBusy    UserStatus = "busy"
	StatusAway    UserStatus = "away"
)

// Valid reports whether s is one of the known statuses.
func (s UserStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusBusy, StatusAway:
		return true
	}
	return false
}

// User represents an account stored in the users table. It is never
// serialized directly; outward responses go through dto.UserView.
type User struct {
	ID           string     `db:"id"`
	Username     string     `db:"username"`
	Email        string     `db:"email"`
	PasswordHash string     `db:"password_hash"`
	PublicKey    string     `db:"public_key"`
	DeviceKeys   DeviceKeys `db:"device_keys"`
	Status       UserStatus `db:"status"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// DeviceKey is a per-device public key used for end-to-end encryption.
type DeviceKey struct {
	PublicKey string    `json:"publicKey"`
	DeviceID  string    `json:"deviceId"`
	AddedAt   time.Time `json:"addedAt"`
}

// DeviceKeys is the ordered list kept in the users.device_keys JSONB column.
type DeviceKeys []DeviceKey

// Value implements driver.Valuer.
func (d DeviceKeys) Value() (driver.Value, error) {
	if d == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (d *DeviceKeys) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = DeviceKeys{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("device_keys: unsupported column type")
	}
	keys := DeviceKeys{}
	if err := json.Unmarshal(raw, &keys); err != nil {
		return err
	}
	*d = keys
	return nil
}
