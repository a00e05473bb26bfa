package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/chattar-api/internal/models"
	appErrors "github.com/noah-isme/chattar-api/pkg/errors"
)

const refreshTokenColumns = `id, user_id, token, expires_at, device_info, ip_address, created_at, last_used_at`

// RefreshTokenRepository is the PostgreSQL token store. Expired rows are
// ignored by reads and purged lazily whenever their owner opens a session.
type RefreshTokenRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewRefreshTokenRepository creates a new instance of RefreshTokenRepository.
func NewRefreshTokenRepository(db *sqlx.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create persists a refresh token entry. A clash with a live token returns
// appErrors.ErrDuplicateKey.
func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	now := r.now()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	if token.LastUsedAt.IsZero() {
		token.LastUsedAt = token.CreatedAt
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create refresh token: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const purge = `DELETE FROM refresh_tokens WHERE (user_id = $1 OR token = $2) AND expires_at <= $3`
	if _, err := tx.ExecContext(ctx, purge, token.UserID, token.Token, now); err != nil {
		return fmt.Errorf("purge expired refresh tokens: %w", err)
	}

	const insert = `INSERT INTO refresh_tokens (id, user_id, token, expires_at, device_info, ip_address, created_at, last_used_at) VALUES (:id, :user_id, :token, :expires_at, :device_info, :ip_address, :created_at, :last_used_at)`
	if _, err := tx.NamedExecContext(ctx, insert, token); err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			return fmt.Errorf("create refresh token (%s): %w", constraint, appErrors.ErrDuplicateKey)
		}
		return fmt.Errorf("create refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refresh token: %w", err)
	}
	return nil
}

// Find returns a refresh token by token string, expired or not.
func (r *RefreshTokenRepository) Find(ctx context.Context, token string) (*models.RefreshToken, error) {
	const query = `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token = $1 LIMIT 1`
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNoRecord
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &rt, nil
}

// Touch records that the token was just used.
func (r *RefreshTokenRepository) Touch(ctx context.Context, token string, usedAt time.Time) error {
	const query = `UPDATE refresh_tokens SET last_used_at = $2 WHERE token = $1`
	res, err := r.db.ExecContext(ctx, query, token, usedAt)
	if err != nil {
		return fmt.Errorf("touch refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch refresh token: %w", err)
	}
	if n == 0 {
		return appErrors.ErrNoRecord
	}
	return nil
}

// Delete removes a token and reports whether this call removed it.
func (r *RefreshTokenRepository) Delete(ctx context.Context, token string) (bool, error) {
	const query = `DELETE FROM refresh_tokens WHERE token = $1`
	res, err := r.db.ExecContext(ctx, query, token)
	if err != nil {
		return false, fmt.Errorf("delete refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete refresh token: %w", err)
	}
	return n > 0, nil
}

// DeleteByUser removes every token owned by userID.
func (r *RefreshTokenRepository) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	const query = `DELETE FROM refresh_tokens WHERE user_id = $1`
	res, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("delete user refresh tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete user refresh tokens: %w", err)
	}
	return n, nil
}

// ListActiveByUser returns the user's unexpired tokens, most recently used first.
func (r *RefreshTokenRepository) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]models.RefreshToken, error) {
	const query = `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE user_id = $1 AND expires_at > $2 ORDER BY last_used_at DESC`
	var tokens []models.RefreshToken
	if err := r.db.SelectContext(ctx, &tokens, query, userID, now); err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}
	return tokens, nil
}
