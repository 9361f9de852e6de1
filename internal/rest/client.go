// Package rest is the client for the relay's HTTP endpoints: the auth
// flows and the thin CRUD surface outside the realtime transport.
//
// Every authenticated call checks token expiry first and refreshes
// proactively; a 401 response additionally triggers one reactive
// refresh-and-retry. Both paths share the token manager's
// single-flight refresh.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"sotto/internal/domain"
	"sotto/internal/kv"
	"sotto/internal/token"
)

// Client talks to the relay's REST API.
type Client struct {
	Base   string
	HTTP   *http.Client
	tokens *token.Manager
}

// NewClient returns a client for the relay at base, persisting tokens
// in store. A nil hc falls back to http.DefaultClient.
func NewClient(base string, hc *http.Client, store kv.Store) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	c := &Client{Base: base, HTTP: hc}
	c.tokens = token.NewManager(store, token.RefresherFunc(c.refreshCall))
	return c
}

// Tokens exposes the token manager for session wiring.
func (c *Client) Tokens() *token.Manager { return c.tokens }

// ---------- auth ----------

type credentials struct {
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

// Login exchanges credentials for a token pair and stores it.
func (c *Client) Login(ctx context.Context, username, password string) (domain.TokenPair, error) {
	var pair domain.TokenPair
	err := c.do(ctx, http.MethodPost, "/auth/login", credentials{Username: username, Password: password}, &pair, false)
	if err != nil {
		return domain.TokenPair{}, err
	}
	if err := c.tokens.SetTokens(pair); err != nil {
		return domain.TokenPair{}, err
	}
	return pair, nil
}

// Register creates an account and returns the new profile.
func (c *Client) Register(ctx context.Context, username, email, password string) (domain.User, error) {
	var u domain.User
	err := c.do(ctx, http.MethodPost, "/auth/register", credentials{
		Username: username,
		Email:    email,
		Password: password,
	}, &u, false)
	return u, err
}

// ForgotPassword starts a password reset for the given email.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "/auth/forgot-password", credentials{Email: email}, nil, false)
}

// PublishPublicKey advertises the caller's current public key so peers
// can encrypt to it.
func (c *Client) PublishPublicKey(ctx context.Context, publicKey string) error {
	body := struct {
		PublicKey string `json:"publicKey"`
	}{PublicKey: publicKey}
	return c.do(ctx, http.MethodPost, "/auth/public-key", body, nil, true)
}

// refreshCall is the unauthenticated refresh round-trip the token
// manager drives; it must not recurse into the bearer-token path.
func (c *Client) refreshCall(ctx context.Context, refreshToken string) (domain.TokenPair, error) {
	body := struct {
		RefreshToken string `json:"refresh_token"`
	}{RefreshToken: refreshToken}
	var pair domain.TokenPair
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", body, &pair, false); err != nil {
		return domain.TokenPair{}, err
	}
	return pair, nil
}

// ---------- users ----------

// Me returns the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (domain.User, error) {
	var u domain.User
	err := c.do(ctx, http.MethodGet, "/users/me", nil, &u, true)
	return u, err
}

// SearchUsers finds users by username prefix.
func (c *Client) SearchUsers(ctx context.Context, username string) ([]domain.User, error) {
	var users []domain.User
	err := c.do(ctx, http.MethodGet, "/users/search?username="+url.QueryEscape(username), nil, &users, true)
	return users, err
}

// ---------- chat ----------

// RecentUsers lists users the caller has conversations with.
func (c *Client) RecentUsers(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	err := c.do(ctx, http.MethodGet, "/chat/recent-users", nil, &users, true)
	return users, err
}

// Conversation returns the full stored conversation with peer,
// ciphertext fields intact.
func (c *Client) Conversation(ctx context.Context, peer domain.UserID) ([]domain.Message, error) {
	var msgs []domain.Message
	err := c.do(ctx, http.MethodGet, "/chat/conversation/"+url.PathEscape(peer.String()), nil, &msgs, true)
	return msgs, err
}

// MarkRead flags every unread message from peer to the caller as read.
func (c *Client) MarkRead(ctx context.Context, peer domain.UserID) error {
	return c.do(ctx, http.MethodPut, "/chat/mark-read/"+url.PathEscape(peer.String()), nil, nil, true)
}

// DeleteMessage removes a message the caller sent. The relay enforces
// authorship.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/chat/"+url.PathEscape(messageID), nil, nil, true)
}

// ---------- plumbing ----------

// do performs one API call. Authenticated calls attach a bearer token
// (refreshing proactively when expired) and retry exactly once after a
// reactive refresh on 401.
func (c *Client) do(ctx context.Context, method, path string, in, out any, authed bool) error {
	bearer := ""
	if authed {
		tok, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return err
		}
		bearer = tok
	}

	status, err := c.roundTrip(ctx, method, path, in, out, bearer)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized && authed {
		// Reactive path: one shared refresh, one retry, then give up.
		tok, err := c.tokens.Refresh(ctx)
		if err != nil {
			return err
		}
		status, err = c.roundTrip(ctx, method, path, in, out, tok)
		if err != nil {
			return err
		}
	}

	switch {
	case status/100 == 2:
		return nil
	case status == http.StatusUnauthorized:
		return fmt.Errorf("relay %s %s: %w", method, path, domain.ErrAuth)
	default:
		return fmt.Errorf("relay %s %s: status %d", method, path, status)
	}
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any, bearer string) (int, error) {
	var body *bytes.Buffer
	if in != nil {
		body = new(bytes.Buffer)
		if err := json.NewEncoder(body).Encode(in); err != nil {
			return 0, err
		}
	} else {
		body = new(bytes.Buffer)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}
