package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sotto/internal/domain"
	"sotto/internal/kv"
)

func signedToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   "u1",
		"email": "u1@example.com",
		"exp":   time.Now().Add(expiresIn).Unix(),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

func TestIsExpired_Boundary(t *testing.T) {
	m := NewManager(kv.NewMemStore(), nil)

	assert.True(t, m.IsExpired(signedToken(t, 10*time.Second)), "expires within skew")
	assert.True(t, m.IsExpired(signedToken(t, -time.Minute)), "already expired")
	assert.False(t, m.IsExpired(signedToken(t, 5*time.Minute)), "well before expiry")
	assert.True(t, m.IsExpired("not-a-jwt"), "malformed token counts as expired")
}

func TestSetTokens_ReplacedAtomically(t *testing.T) {
	m := NewManager(kv.NewMemStore(), nil)

	require.NoError(t, m.SetTokens(domain.TokenPair{AccessToken: "a1", RefreshToken: "r1"}))
	require.NoError(t, m.SetTokens(domain.TokenPair{AccessToken: "a2", RefreshToken: "r2"}))

	pair, ok, err := m.Tokens()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a2", pair.AccessToken)
	assert.Equal(t, "r2", pair.RefreshToken)
}

func TestAccessToken_ValidToken_NoRefresh(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(kv.NewMemStore(), RefresherFunc(func(ctx context.Context, rt string) (domain.TokenPair, error) {
		calls.Add(1)
		return domain.TokenPair{}, errors.New("should not be called")
	}))
	access := signedToken(t, time.Hour)
	require.NoError(t, m.SetTokens(domain.TokenPair{AccessToken: access, RefreshToken: "r"}))

	got, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, access, got)
	assert.Zero(t, calls.Load())
}

func TestRefresh_SingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	fresh := domain.TokenPair{AccessToken: signedToken(t, time.Hour), RefreshToken: "r2"}

	m := NewManager(kv.NewMemStore(), RefresherFunc(func(ctx context.Context, rt string) (domain.TokenPair, error) {
		calls.Add(1)
		<-release
		return fresh, nil
	}))
	require.NoError(t, m.SetTokens(domain.TokenPair{
		AccessToken:  signedToken(t, time.Second), // inside the 30s skew
		RefreshToken: "r1",
	}))

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.AccessToken(context.Background())
		}(i)
	}

	// Let every caller reach the single-flight group before the shared
	// refresh completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "want exactly one refresh round-trip")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fresh.AccessToken, results[i])
	}

	pair, ok, err := m.Tokens()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r2", pair.RefreshToken, "stored pair rotated")
}

func TestRefresh_Failure_ClearsTokensAndIsFatal(t *testing.T) {
	m := NewManager(kv.NewMemStore(), RefresherFunc(func(ctx context.Context, rt string) (domain.TokenPair, error) {
		return domain.TokenPair{}, errors.New("refresh token revoked")
	}))
	require.NoError(t, m.SetTokens(domain.TokenPair{
		AccessToken:  signedToken(t, -time.Minute),
		RefreshToken: "revoked",
	}))

	_, err := m.AccessToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuth)

	_, ok, err := m.Tokens()
	require.NoError(t, err)
	assert.False(t, ok, "tokens must be cleared after fatal refresh failure")
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	m := NewManager(kv.NewMemStore(), nil)
	_, err := m.Refresh(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuth)
}
