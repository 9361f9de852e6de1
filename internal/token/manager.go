// Package token persists the access/refresh token pair and keeps the
// access token fresh.
//
// Refreshing is single-flight: concurrent callers that observe an
// expired token share one refresh round-trip and its result. A failed
// refresh (expired or revoked refresh token) clears all tokens and is
// the one fatal auth failure.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"sotto/internal/domain"
	"sotto/internal/kv"
)

// ExpirySkew is the window before the exp claim during which a token
// already counts as expired, tolerating in-flight requests.
const ExpirySkew = 30 * time.Second

const tokensKey = "tokens/pair"

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error)
}

// RefresherFunc adapts a function to the Refresher interface.
type RefresherFunc func(ctx context.Context, refreshToken string) (domain.TokenPair, error)

// Refresh calls f.
func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	return f(ctx, refreshToken)
}

// Manager owns the persisted token pair.
type Manager struct {
	kv        kv.Store
	refresher Refresher
	now       func() time.Time
	group     singleflight.Group
}

// NewManager returns a manager persisting tokens in s and refreshing
// through r.
func NewManager(s kv.Store, r Refresher) *Manager {
	return &Manager{kv: s, refresher: r, now: time.Now}
}

// Tokens returns the stored pair; the bool reports presence.
func (m *Manager) Tokens() (domain.TokenPair, bool, error) {
	raw, ok, err := m.kv.Get(tokensKey)
	if err != nil || !ok {
		return domain.TokenPair{}, false, err
	}
	var pair domain.TokenPair
	if err := json.Unmarshal(raw, &pair); err != nil {
		return domain.TokenPair{}, false, fmt.Errorf("decode token pair: %w", err)
	}
	return pair, true, nil
}

// SetTokens replaces the stored pair atomically (one record, one write).
func (m *Manager) SetTokens(pair domain.TokenPair) error {
	raw, err := json.Marshal(pair)
	if err != nil {
		return err
	}
	return m.kv.Put(tokensKey, raw)
}

// Clear removes all stored tokens.
func (m *Manager) Clear() error {
	return m.kv.Delete(tokensKey)
}

// IsExpired decodes the exp claim and reports whether the token
// expires within ExpirySkew. A token that cannot be decoded counts as
// expired. The signature is not checked here; the relay verifies it.
func (m *Manager) IsExpired(raw string) bool {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	tok, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return true
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return exp.Time.Sub(m.now()) <= ExpirySkew
}

// AccessToken returns a usable access token, refreshing proactively
// when the stored one is expired or about to expire.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	pair, ok, err := m.Tokens()
	if err != nil {
		return "", err
	}
	if !ok || pair.AccessToken == "" {
		return "", fmt.Errorf("no access token: %w", domain.ErrAuth)
	}
	if !m.IsExpired(pair.AccessToken) {
		return pair.AccessToken, nil
	}
	return m.Refresh(ctx)
}

// Refresh exchanges the stored refresh token for a new pair and
// returns the new access token. Concurrent callers share one
// round-trip. On irrecoverable failure every token is cleared and the
// error wraps domain.ErrAuth.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		pair, ok, err := m.Tokens()
		if err != nil {
			return nil, err
		}
		if !ok || pair.RefreshToken == "" {
			return nil, fmt.Errorf("no refresh token: %w", domain.ErrAuth)
		}

		fresh, err := m.refresher.Refresh(ctx, pair.RefreshToken)
		if err != nil {
			// The refresh token was rejected; the session is over.
			_ = m.Clear()
			return nil, fmt.Errorf("refresh rejected: %w: %w", domain.ErrAuth, err)
		}
		if err := m.SetTokens(fresh); err != nil {
			return nil, err
		}
		return fresh.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
