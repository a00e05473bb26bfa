package service

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/chattar-api/internal/models"
	appErrors "github.com/noah-isme/chattar-api/pkg/errors"
)

const testSecret = "test-secret"

var testMeta = models.ClientMeta{IP: "10.0.0.1", UserAgent: "Firefox"}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSessionService(rotate bool) (*SessionService, *memTokenStore, *testClock) {
	store := newMemTokenStore()
	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewSessionService(store, NewMetricsService(), nil, SessionConfig{
		Secret:     testSecret,
		Issuer:     "chattar",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 90 * 24 * time.Hour,
		Rotate:     rotate,
	})
	svc.now = clock.Now
	return svc, store, clock
}

func TestIssueStoresRefreshRecord(t *testing.T) {
	svc, store, clock := newSessionService(false)

	pair, err := svc.Issue(context.Background(), "user-1", testMeta)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(15*time.Minute), pair.AccessExpiresAt)
	assert.Equal(t, clock.Now().Add(90*24*time.Hour), pair.RefreshExpiresAt)

	record, ok := store.get(pair.RefreshToken)
	require.True(t, ok)
	assert.Equal(t, "user-1", record.UserID)
	assert.Equal(t, "Firefox", record.DeviceInfo)
	assert.Equal(t, "10.0.0.1", record.IPAddress)
	assert.Equal(t, pair.RefreshExpiresAt, record.ExpiresAt)
	assert.Equal(t, record.CreatedAt, record.LastUsedAt)
}

func TestIssueGivesDistinctRefreshTokens(t *testing.T) {
	svc, _, _ := newSessionService(false)

	a, err := svc.Issue(context.Background(), "user-1", testMeta)
	require.NoError(t, err)
	b, err := svc.Issue(context.Background(), "user-1", testMeta)
	require.NoError(t, err)
	assert.NotEqual(t, a.RefreshToken, b.RefreshToken)
}

func TestAccessTokenExpiryBoundary(t *testing.T) {
	svc, _, clock := newSessionService(false)

	pair, err := svc.Issue(context.Background(), "user-1", testMeta)
	require.NoError(t, err)

	clock.Advance(14*time.Minute + 59*time.Second)
	claims, err := svc.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "user-1", claims.UserID)

	clock.Advance(time.Second)
	_, err = svc.VerifyAccess(pair.AccessToken)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, statusOf(t, err))
}

func TestVerifyAccessRejectsWrongTokens(t *testing.T) {
	svc, _, clock := newSessionService(false)

	pair, err := svc.Issue(context.Background(), "user-1", testMeta)
	require.NoError(t, err)

	_, err = svc.VerifyAccess(pair.RefreshToken)
	assert.Error(t, err, "refresh token must not authenticate requests")

	_, err = svc.VerifyAccess("")
	assert.Error(t, err)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS512, &models.JWTClaims{
		UserID: "user-1",
		Type:   models.TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "chattar",
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
		},
	})
	signed, err := foreign.SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = svc.VerifyAccess(signed)
	assert.Error(t, err, "only HS256 is accepted")

	other, _, _ := newSessionService(false)
	other.config.Secret = "another-secret"
	forged, err := other.Issue(context.Background(), "user-1", testMeta)
	require.NoError(t, err)
	_, err = svc.VerifyAccess(forged.AccessToken)
	assert.Error(t, err)
}

func TestRefreshWithoutRotation(t *testing.T) {
	svc, store, clock := newSessionService(false)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "user-1", testMeta)
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)
	refreshed, err := svc.Refresh(ctx, pair.RefreshToken, testMeta)
	require.NoError(t, err)
	assert.Equal(t, pair.RefreshToken, refreshed.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, refreshed.AccessToken)
	assert.Equal(t, "user-1", refreshed.UserID)

	_, err = svc.VerifyAccess(refreshed.AccessToken)
	require.NoError(t, err)

	record, _ := store.get(pair.RefreshToken)
	assert.Equal(t, clock.Now(), record.LastUsedAt)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	svc, _, _ := newSessionService(false)

	pair, err := svc.Issue(context.Background(), "user-1", testMeta)
	require.NoError(t, err)

	_, err = svc.Refresh(context.Background(), pair.AccessToken, testMeta)
	assert.Equal(t, appErrors.ErrInvalidRefresh.Code, appErrors.FromError(err).Code)
}

func TestRefreshFailsAfterRevoke(t *testing.T) {
	svc, _, _ := newSessionService(false)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "user-1", testMeta)
	require.NoError(t, err)

	record, err := svc.Revoke(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "user-1", record.UserID)

	_, err = svc.Refresh(ctx, pair.RefreshToken, testMeta)
	assert.Equal(t, appErrors.ErrInvalidRefresh, err)

	record, err = svc.Revoke(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestRefreshRejectsExpiredRecord(t *testing.T) {
	svc, store, clock := newSessionService(false)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "user-1", testMeta)
	require.NoError(t, err)

	store.setExpiry(pair.RefreshToken, clock.Now().Add(time.Hour))
	clock.Advance(time.Hour)
	_, err = svc.Refresh(ctx, pair.RefreshToken, testMeta)
	assert.Equal(t, appErrors.ErrInvalidRefresh, err)
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	svc, _, clock := newSessionService(false)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "user-1", testMeta)
	require.NoError(t, err)

	clock.Advance(90 * 24 * time.Hour)
	_, err = svc.Refresh(ctx, pair.RefreshToken, testMeta)
	assert.Equal(t, appErrors.ErrInvalidRefresh.Code, appErrors.FromError(err).Code)
}

func TestRefreshWithRotation(t *testing.T) {
	svc, store, clock := newSessionService(true)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "user-1", testMeta)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	rotated, err := svc.Refresh(ctx, pair.RefreshToken, models.ClientMeta{IP: "10.0.0.2"})
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	_, ok := store.get(pair.RefreshToken)
	assert.False(t, ok)
	record, ok := store.get(rotated.RefreshToken)
	require.True(t, ok)
	assert.Equal(t, "Firefox", record.DeviceInfo)

	_, err = svc.Refresh(ctx, pair.RefreshToken, testMeta)
	assert.Equal(t, appErrors.ErrInvalidRefresh, err)
}

func TestRotationReplayRaceHasOneWinner(t *testing.T) {
	svc, _, _ := newSessionService(true)
	ctx := context.Background()

	pair, err := svc.Issue(ctx, "user-1", testMeta)
	require.NoError(t, err)

	const racers = 6
	var wg sync.WaitGroup
	results := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Refresh(ctx, pair.RefreshToken, testMeta)
		}(i)
	}
	wg.Wait()

	var winners int
	for _, err := range results {
		if err == nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestIssueRetriesOnCollision(t *testing.T) {
	svc, store, _ := newSessionService(false)
	store.createErr = []error{appErrors.ErrDuplicateKey, appErrors.ErrDuplicateKey}

	pair, err := svc.Issue(context.Background(), "user-1", testMeta)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, 3, store.creates)
}

func TestIssueGivesUpAfterRepeatedCollisions(t *testing.T) {
	svc, store, _ := newSessionService(false)
	store.createErr = []error{appErrors.ErrDuplicateKey, appErrors.ErrDuplicateKey, appErrors.ErrDuplicateKey}

	pair, err := svc.Issue(context.Background(), "user-1", testMeta)
	assert.Nil(t, pair)
	assert.Equal(t, http.StatusInternalServerError, statusOf(t, err))
	assert.Equal(t, issueAttempts, store.creates)
}

func TestIssueStoreFailureReturnsNoTokens(t *testing.T) {
	svc, store, _ := newSessionService(false)
	store.createErr = []error{errStoreDown}

	pair, err := svc.Issue(context.Background(), "user-1", testMeta)
	assert.Nil(t, pair)
	assert.Equal(t, http.StatusInternalServerError, statusOf(t, err))
	assert.Equal(t, 1, store.creates)
}

func TestRevokeAllLeavesOtherUsers(t *testing.T) {
	svc, _, _ := newSessionService(false)
	ctx := context.Background()

	a1, err := svc.Issue(ctx, "user-1", testMeta)
	require.NoError(t, err)
	_, err = svc.Issue(ctx, "user-1", testMeta)
	require.NoError(t, err)
	b, err := svc.Issue(ctx, "user-2", testMeta)
	require.NoError(t, err)

	n, err := svc.RevokeAll(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = svc.Refresh(ctx, a1.RefreshToken, testMeta)
	assert.Error(t, err)
	_, err = svc.Refresh(ctx, b.RefreshToken, testMeta)
	assert.NoError(t, err)
}

func TestListSessionsMarksCurrent(t *testing.T) {
	svc, _, clock := newSessionService(false)
	ctx := context.Background()

	first, err := svc.Issue(ctx, "user-1", models.ClientMeta{UserAgent: "Laptop"})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	second, err := svc.Issue(ctx, "user-1", models.ClientMeta{UserAgent: "Phone"})
	require.NoError(t, err)

	sessions, err := svc.ListSessions(ctx, "user-1", first.RefreshToken)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "Phone", sessions[0].DeviceInfo)
	assert.False(t, sessions[0].Current)
	assert.True(t, sessions[1].Current)
	assert.NotEmpty(t, second.RefreshToken)
}
