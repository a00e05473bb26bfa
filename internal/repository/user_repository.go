package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/chattar-api/internal/models"
	appErrors "github.com/noah-isme/chattar-api/pkg/errors"
)

const userColumns = `id, username, email, password_hash, public_key, device_keys, status, created_at, updated_at`

// pqUniqueViolation is the SQLSTATE for unique_violation.
const pqUniqueViolation = "23505"

// UserRepository is the credential store backed by PostgreSQL.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByID returns a user by identifier.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, appErrors.ErrNoRecord
	}
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1`
	return r.getOne(ctx, "find user by id", query, id)
}

// FindByIdentification returns the user whose username or email equals ident.
func (r *UserRepository) FindByIdentification(ctx context.Context, ident string) (*models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE username = $1 OR email = $1 LIMIT 1`
	return r.getOne(ctx, "find user by identification", query, ident)
}

// FindByUsernameOrEmail returns any user colliding with either value.
func (r *UserRepository) FindByUsernameOrEmail(ctx context.Context, username, email string) (*models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE username = $1 OR email = $2 LIMIT 1`
	return r.getOne(ctx, "find user by username or email", query, username, email)
}

func (r *UserRepository) getOne(ctx context.Context, op, query string, args ...interface{}) (*models.User, error) {
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNoRecord
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &user, nil
}

// Create inserts a new user. Unique constraint violations surface as
// appErrors.ErrDuplicateKey.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	if user.DeviceKeys == nil {
		user.DeviceKeys = models.DeviceKeys{}
	}

	const query = `INSERT INTO users (id, username, email, password_hash, public_key, device_keys, status, created_at, updated_at) VALUES (:id, :username, :email, :password_hash, :public_key, :device_keys, :status, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, user); err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			return fmt.Errorf("create user (%s): %w", constraint, appErrors.ErrDuplicateKey)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// AppendDeviceKey atomically appends key to the user's device list in a
// single statement so concurrent writers never overwrite each other.
func (r *UserRepository) AppendDeviceKey(ctx context.Context, userID string, key models.DeviceKey) error {
	if _, err := uuid.Parse(userID); err != nil {
		return appErrors.ErrNoRecord
	}
	payload, err := json.Marshal([]models.DeviceKey{key})
	if err != nil {
		return fmt.Errorf("marshal device key: %w", err)
	}

	const query = `UPDATE users SET device_keys = device_keys || $2::jsonb, updated_at = $3 WHERE id = $1 RETURNING id`
	var id string
	if err := r.db.QueryRowxContext(ctx, query, userID, string(payload), time.Now().UTC()).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrNoRecord
		}
		return fmt.Errorf("append device key: %w", err)
	}
	return nil
}

// UpdateStatus sets the presence flag.
func (r *UserRepository) UpdateStatus(ctx context.Context, userID string, status models.UserStatus) error {
	if _, err := uuid.Parse(userID); err != nil {
		return appErrors.ErrNoRecord
	}
	const query = `UPDATE users SET status = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, userID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if affected == 0 {
		return appErrors.ErrNoRecord
	}
	return nil
}

func uniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}
