package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/chattar-api/internal/models"
	appErrors "github.com/noah-isme/chattar-api/pkg/errors"
)

// memUserStore mimics the users table including its unique constraints.
type memUserStore struct {
	mu        sync.Mutex
	users     map[string]*models.User
	createErr error
	findErr   error
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: make(map[string]*models.User)}
}

func (m *memUserStore) copyOf(u *models.User) *models.User {
	clone := *u
	clone.DeviceKeys = append(models.DeviceKeys{}, u.DeviceKeys...)
	return &clone
}

func (m *memUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	u, ok := m.users[id]
	if !ok {
		return nil, appErrors.ErrNoRecord
	}
	return m.copyOf(u), nil
}

func (m *memUserStore) FindByIdentification(ctx context.Context, ident string) (*models.User, error) {
	return m.FindByUsernameOrEmail(ctx, ident, ident)
}

func (m *memUserStore) FindByUsernameOrEmail(ctx context.Context, username, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, u := range m.users {
		if u.Username == username || u.Email == email {
			return m.copyOf(u), nil
		}
	}
	return nil, appErrors.ErrNoRecord
}

func (m *memUserStore) Create(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, u := range m.users {
		if u.Username == user.Username {
			return fmt.Errorf("create user (users_username_key): %w", appErrors.ErrDuplicateKey)
		}
		if u.Email == user.Email {
			return fmt.Errorf("create user (users_email_key): %w", appErrors.ErrDuplicateKey)
		}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = m.copyOf(user)
	return nil
}

func (m *memUserStore) UpdateStatus(ctx context.Context, userID string, status models.UserStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return appErrors.ErrNoRecord
	}
	u.Status = status
	return nil
}

func (m *memUserStore) AppendDeviceKey(ctx context.Context, userID string, key models.DeviceKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return appErrors.ErrNoRecord
	}
	u.DeviceKeys = append(u.DeviceKeys, key)
	return nil
}

func (m *memUserStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

// memTokenStore is an in-memory TokenStore with per-call atomicity.
type memTokenStore struct {
	mu        sync.Mutex
	tokens    map[string]models.RefreshToken
	createErr []error
	findErr   error
	creates   int
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: make(map[string]models.RefreshToken)}
}

func (m *memTokenStore) Create(ctx context.Context, token *models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if len(m.createErr) > 0 {
		err := m.createErr[0]
		m.createErr = m.createErr[1:]
		if err != nil {
			return err
		}
	}
	if _, exists := m.tokens[token.Token]; exists {
		return appErrors.ErrDuplicateKey
	}
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	m.tokens[token.Token] = *token
	return nil
}

func (m *memTokenStore) Find(ctx context.Context, token string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	rt, ok := m.tokens[token]
	if !ok {
		return nil, appErrors.ErrNoRecord
	}
	return &rt, nil
}

func (m *memTokenStore) Touch(ctx context.Context, token string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.tokens[token]
	if !ok {
		return appErrors.ErrNoRecord
	}
	rt.LastUsedAt = usedAt
	m.tokens[token] = rt
	return nil
}

func (m *memTokenStore) Delete(ctx context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token]; !ok {
		return false, nil
	}
	delete(m.tokens, token)
	return true, nil
}

func (m *memTokenStore) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rt := range m.tokens {
		if rt.UserID == userID {
			delete(m.tokens, k)
			n++
		}
	}
	return n, nil
}

func (m *memTokenStore) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []models.RefreshToken
	for _, rt := range m.tokens {
		if rt.UserID == userID && !rt.Expired(now) {
			result = append(result, rt)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].LastUsedAt.After(result[j].LastUsedAt) })
	return result, nil
}

func (m *memTokenStore) get(token string) (models.RefreshToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.tokens[token]
	return rt, ok
}

func (m *memTokenStore) setExpiry(token string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.tokens[token]
	rt.ExpiresAt = expiresAt
	m.tokens[token] = rt
}

type memAuditStore struct {
	mu   sync.Mutex
	logs []*models.AuditLog
	err  error
}

func (m *memAuditStore) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.logs = append(m.logs, log)
	return nil
}

func (m *memAuditStore) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.logs))
	for _, l := range m.logs {
		out = append(out, l.Action)
	}
	return out
}

// spyHasher is a cheap PasswordHasher that records dummy verifications.
type spyHasher struct {
	mu         sync.Mutex
	dummyCalls int
	hashErr    error
}

func (h *spyHasher) Hash(plain string) (string, error) {
	if h.hashErr != nil {
		return "", h.hashErr
	}
	return "hashed:" + plain, nil
}

func (h *spyHasher) Verify(plain, hash string) bool {
	return hash != "" && hash == "hashed:"+plain
}

func (h *spyHasher) VerifyDummy(plain string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dummyCalls++
}

var errStoreDown = errors.New("store unavailable")
