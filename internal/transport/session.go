// Package transport owns the persistent bidirectional connection to
// the relay: one live websocket per authenticated user.
//
// Inbound frames are routed through an explicit dispatcher mapping
// event name to handler. Each event goes to exactly one handler, and
// handlers run on their own goroutines so they cannot block one
// another. Teardown unregisters every handler before the socket
// closes; no handler fires afterwards.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sotto/internal/domain"
)

const (
	// Time allowed to write a frame to the relay.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the relay.
	pongWait = 60 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 64 * 1024

	defaultAckTimeout = 10 * time.Second
)

// Frame is the wire format for every transport event in either
// direction.
type Frame struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Handler consumes one inbound event's payload.
type Handler func(data json.RawMessage)

// Config carries the handshake parameters for one session.
type Config struct {
	URL        string // ws:// or wss:// endpoint
	UserID     domain.UserID
	PublicKey  string // base64 public key advertised at connect
	Token      string // bearer access token
	AckTimeout time.Duration
	Logger     *slog.Logger
}

// Session is one live connection, keyed by (userId, publicKey,
// accessToken).
type Session struct {
	cfg  Config
	conn *websocket.Conn
	log  *slog.Logger

	send  chan Frame
	state atomic.Int32
	done  chan struct{}

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]chan Frame
	closed   bool

	startOnce sync.Once
	closeOnce sync.Once
}

// Dial connects and starts the outbound pump. Inbound frames are not
// read until Start is called, so handlers registered in between cannot
// miss the frames the relay sends on connect.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("transport url: %w", err)
	}
	q := u.Query()
	q.Set("userId", cfg.UserID.String())
	q.Set("publicKey", cfg.PublicKey)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.Token)

	s := &Session{
		cfg:      cfg,
		log:      cfg.Logger,
		send:     make(chan Frame, 64),
		done:     make(chan struct{}),
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan Frame),
	}
	s.state.Store(int32(domain.Connecting))

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		s.state.Store(int32(domain.Disconnected))
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("handshake rejected: %w", domain.ErrAuth)
		}
		return nil, fmt.Errorf("dial %s: %w: %w", cfg.URL, domain.ErrTransport, err)
	}
	s.conn = conn
	s.state.Store(int32(domain.Connected))

	go s.writePump()
	return s, nil
}

// Start begins reading and dispatching inbound frames. Call it once
// every handler is registered; acks are not received before it runs.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.readPump()
	})
}

// State returns the current connection state.
func (s *Session) State() domain.ConnState {
	return domain.ConnState(s.state.Load())
}

// Done is closed when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// On registers the single handler for an inbound event, replacing any
// previous one.
func (s *Session) On(event string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.handlers[event] = h
}

// Off removes the handler for an event.
func (s *Session) Off(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, event)
}

// Emit sends a fire-and-forget event.
func (s *Session) Emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.enqueue(Frame{Event: event, Data: raw})
}

// EmitWithAck sends an event and waits for the relay's single
// acknowledgment. A relayed error, a timeout or teardown all fail the
// call; it never retries.
func (s *Session) EmitWithAck(ctx context.Context, event string, data any) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	ackID := uuid.NewString()
	ch := make(chan Frame, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session closed: %w", domain.ErrTransport)
	}
	s.pending[ackID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, ackID)
		s.mu.Unlock()
	}()

	if err := s.enqueue(Frame{Event: event, AckID: ackID, Data: raw}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case frame := <-ch:
		if frame.Error != "" {
			return nil, fmt.Errorf("%s rejected: %s: %w", event, frame.Error, domain.ErrTransport)
		}
		return frame.Data, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s ack timeout: %w", event, domain.ErrTransport)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, fmt.Errorf("session closed: %w", domain.ErrTransport)
	}
}

// Close tears the session down: handlers are unregistered first, then
// the socket closes and pending acks fail.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.handlers = make(map[string]Handler)
		s.mu.Unlock()

		s.state.Store(int32(domain.Disconnected))
		close(s.done)
		_ = s.conn.Close()
	})
	return nil
}

func (s *Session) enqueue(f Frame) error {
	select {
	case s.send <- f:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed: %w", domain.ErrTransport)
	}
}

func (s *Session) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("transport read failed", "err", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.log.Warn("transport dropped malformed frame", "err", err)
			continue
		}

		if frame.Event == domain.EventAck {
			s.mu.Lock()
			ch, ok := s.pending[frame.AckID]
			s.mu.Unlock()
			if ok {
				// The waiter takes at most one ack; a duplicate must
				// not stall the read loop.
				select {
				case ch <- frame:
				default:
				}
			}
			continue
		}
		s.dispatch(frame)
	}
}

// dispatch routes one inbound event to its registered handler on a
// fresh goroutine. Events arriving after teardown, or with no handler,
// are dropped.
func (s *Session) dispatch(frame Frame) {
	s.mu.Lock()
	h := s.handlers[frame.Event]
	closed := s.closed
	s.mu.Unlock()

	if closed || h == nil {
		return
	}
	go h(frame.Data)
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.log.Warn("transport write failed", "err", err)
				_ = s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.Close()
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
