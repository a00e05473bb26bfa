package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/chattar-api/internal/models"
	appErrors "github.com/noah-isme/chattar-api/pkg/errors"
)

const (
	redisTokenPrefix = "chattar:rt:tok:"
	redisUserPrefix  = "chattar:rt:user:"
)

// RedisRefreshTokenRepository keeps refresh tokens in Redis. Every record
// carries a TTL equal to the token lifetime, so expired sessions disappear
// without any sweeper. A per-user set indexes the tokens for listing and
// bulk revocation; members whose record already expired are pruned on read.
type RedisRefreshTokenRepository struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisRefreshTokenRepository constructs the Redis token store.
func NewRedisRefreshTokenRepository(client redis.UniversalClient) *RedisRefreshTokenRepository {
	return &RedisRefreshTokenRepository{client: client, now: func() time.Time { return time.Now().UTC() }}
}

func tokenKey(token string) string { return redisTokenPrefix + token }

func userKey(userID string) string { return redisUserPrefix + userID }

// Create stores the token with SET NX; an existing live key is reported as
// appErrors.ErrDuplicateKey.
func (r *RedisRefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
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

	ttl := token.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return fmt.Errorf("create refresh token: already expired at %s", token.ExpiresAt.Format(time.RFC3339))
	}

	payload, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal refresh token: %w", err)
	}

	created, err := r.client.SetNX(ctx, tokenKey(token.Token), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx refresh token: %w", err)
	}
	if !created {
		return fmt.Errorf("create refresh token: %w", appErrors.ErrDuplicateKey)
	}

	index := userKey(token.UserID)
	if err := r.client.SAdd(ctx, index, token.Token).Err(); err != nil {
		return fmt.Errorf("redis index refresh token: %w", err)
	}
	current, err := r.client.TTL(ctx, index).Result()
	if err != nil {
		return fmt.Errorf("redis ttl refresh index: %w", err)
	}
	// The index lives as long as its longest-lived member.
	if current < ttl {
		if err := r.client.Expire(ctx, index, ttl).Err(); err != nil {
			return fmt.Errorf("redis expire refresh index: %w", err)
		}
	}
	return nil
}

// Find returns the stored token or appErrors.ErrNoRecord.
func (r *RedisRefreshTokenRepository) Find(ctx context.Context, token string) (*models.RefreshToken, error) {
	raw, err := r.client.Get(ctx, tokenKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, appErrors.ErrNoRecord
		}
		return nil, fmt.Errorf("redis get refresh token: %w", err)
	}
	var rt models.RefreshToken
	if err := json.Unmarshal(raw, &rt); err != nil {
		return nil, fmt.Errorf("unmarshal refresh token: %w", err)
	}
	return &rt, nil
}

// Touch updates last_used_at while keeping the remaining TTL. The write is
// conditional on the key still existing.
func (r *RedisRefreshTokenRepository) Touch(ctx context.Context, token string, usedAt time.Time) error {
	rt, err := r.Find(ctx, token)
	if err != nil {
		return err
	}
	rt.LastUsedAt = usedAt
	payload, err := json.Marshal(rt)
	if err != nil {
		return fmt.Errorf("marshal refresh token: %w", err)
	}
	err = r.client.SetArgs(ctx, tokenKey(token), payload, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return appErrors.ErrNoRecord
		}
		return fmt.Errorf("redis touch refresh token: %w", err)
	}
	return nil
}

// Delete removes a token and reports whether this call removed it.
func (r *RedisRefreshTokenRepository) Delete(ctx context.Context, token string) (bool, error) {
	rt, err := r.Find(ctx, token)
	if err != nil {
		if errors.Is(err, appErrors.ErrNoRecord) {
			return false, nil
		}
		return false, err
	}

	var del *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, tokenKey(token))
		pipe.SRem(ctx, userKey(rt.UserID), token)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete refresh token: %w", err)
	}
	return del.Val() > 0, nil
}

// DeleteByUser removes every token indexed for userID. Only the index members
// that were read are dropped, so a token created meanwhile stays indexed.
func (r *RedisRefreshTokenRepository) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	index := userKey(userID)
	tokens, err := r.client.SMembers(ctx, index).Result()
	if err != nil {
		return 0, fmt.Errorf("redis list user refresh tokens: %w", err)
	}
	if len(tokens) == 0 {
		return 0, nil
	}

	dels := make([]*redis.IntCmd, 0, len(tokens))
	members := make([]interface{}, 0, len(tokens))
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range tokens {
			dels = append(dels, pipe.Del(ctx, tokenKey(t)))
			members = append(members, t)
		}
		pipe.SRem(ctx, index, members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis delete user refresh tokens: %w", err)
	}

	var removed int64
	for _, d := range dels {
		removed += d.Val()
	}
	return removed, nil
}

// ListActiveByUser returns the user's live tokens, most recently used first.
func (r *RedisRefreshTokenRepository) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]models.RefreshToken, error) {
	index := userKey(userID)
	tokens, err := r.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list user refresh tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = tokenKey(t)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget refresh tokens: %w", err)
	}

	result := make([]models.RefreshToken, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, tokens[i])
			continue
		}
		var rt models.RefreshToken
		if err := json.Unmarshal([]byte(raw), &rt); err != nil {
			return nil, fmt.Errorf("unmarshal refresh token: %w", err)
		}
		if rt.Expired(now) {
			continue
		}
		result = append(result, rt)
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, index, stale...).Err(); err != nil {
			return nil, fmt.Errorf("redis prune refresh index: %w", err)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].LastUsedAt.After(result[j].LastUsedAt) })
	return result, nil
}
