package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"sotto/internal/chat"
	"sotto/internal/crypto"
	"sotto/internal/keystore"
	"sotto/internal/kv"
	"sotto/internal/rest"
	"sotto/internal/transport"
)

// Wire bundles the stores and clients for the CLI.
type Wire struct {
	Store kv.Store
	Keys  *keystore.Store
	API   *rest.Client
	Log   *slog.Logger

	cfg Config
}

// NewWire constructs the dependency graph from cfg.
func NewWire(cfg Config) (*Wire, error) {
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	store, err := kv.NewFileStore(cfg.Home)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	return &Wire{
		Store: store,
		Keys:  keystore.New(store),
		API:   rest.NewClient(cfg.ServerURL, httpClient, store),
		Log:   slog.Default(),
		cfg:   cfg,
	}, nil
}

// Chat authenticates the caller, advertises their current public key
// and opens a live controller over a fresh websocket session.
func (w *Wire) Chat(ctx context.Context) (*chat.Controller, error) {
	me, err := w.API.Me(ctx)
	if err != nil {
		return nil, err
	}

	pair, err := w.Keys.GetOrCreate(me.ID)
	if err != nil {
		return nil, err
	}
	publicKey := crypto.B64(pair.PublicKey)
	if err := w.API.PublishPublicKey(ctx, publicKey); err != nil {
		return nil, err
	}

	token, err := w.API.Tokens().AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	wsURL, err := websocketURL(w.cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	session, err := transport.Dial(ctx, transport.Config{
		URL:       wsURL,
		UserID:    me.ID,
		PublicKey: publicKey,
		Token:     token,
		Logger:    w.Log,
	})
	if err != nil {
		return nil, err
	}

	// The controller registers its handlers before any frame is read.
	ctrl := chat.NewController(me.ID, w.Keys, w.API, session, w.Log)
	session.Start()
	return ctrl, nil
}

func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	return u.String(), nil
}
