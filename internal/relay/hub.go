package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"sotto/internal/domain"
	"sotto/internal/transport"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 64 * 1024

	// Inbound frame budget per connection.
	frameRate  = rate.Limit(20)
	frameBurst = 40
)

// Hub owns every live websocket. At most one client is registered per
// user; a reconnect displaces the previous connection.
type Hub struct {
	store    *Store
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[domain.UserID]*client
}

// NewHub returns a hub backed by store.
func NewHub(store *Store, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		store: store,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[domain.UserID]*client),
	}
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	userID    domain.UserID
	publicKey string
	send      chan transport.Frame
	limiter   *rate.Limiter

	closeOnce sync.Once
	done      chan struct{}
}

// ServeWS upgrades the request and runs the connection until it drops.
// The caller has already authenticated the user.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID domain.UserID) {
	publicKey := r.URL.Query().Get("publicKey")
	if q := r.URL.Query().Get("userId"); q != "" && domain.UserID(q) != userID {
		http.Error(w, "userId does not match token", http.StatusForbidden)
		return
	}

	if publicKey != "" {
		if err := h.store.SetPublicKey(r.Context(), userID, publicKey); err != nil {
			h.log.Warn("store advertised key failed", "user", userID, "err", err)
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{
		hub:       h,
		conn:      conn,
		userID:    userID,
		publicKey: publicKey,
		send:      make(chan transport.Frame, 64),
		limiter:   rate.NewLimiter(frameRate, frameBurst),
		done:      make(chan struct{}),
	}

	h.register(c)

	go c.writePump()
	c.push(domain.EventKeyExchange, domain.KeyExchangePayload{PublicKey: publicKey})
	h.broadcastExcept(userID, domain.EventUserConnected, domain.PresencePayload{UserID: userID})

	c.readPump()

	// A displaced connection must not announce a disconnect; the user is
	// still online through the newer one.
	if h.unregister(c) {
		h.broadcastExcept(userID, domain.EventUserDisconnected, domain.PresencePayload{UserID: userID})
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	prev := h.clients[c.userID]
	h.clients[c.userID] = c
	h.mu.Unlock()
	if prev != nil {
		prev.close()
	}
}

// unregister drops c from the client table and reports whether it was
// still the registered connection for its user.
func (h *Hub) unregister(c *client) bool {
	h.mu.Lock()
	current := h.clients[c.userID] == c
	if current {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()
	c.close()
	return current
}

// pushTo delivers an event to one user if connected; returns whether a
// connection was found.
func (h *Hub) pushTo(userID domain.UserID, event string, data any) bool {
	h.mu.Lock()
	c := h.clients[userID]
	h.mu.Unlock()
	if c == nil {
		return false
	}
	c.push(event, data)
	return true
}

func (h *Hub) broadcastExcept(skip domain.UserID, event string, data any) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for id, c := range h.clients {
		if id != skip {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.push(event, data)
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) push(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		c.hub.log.Warn("marshal push payload", "event", event, "err", err)
		return
	}
	select {
	case c.send <- transport.Frame{Event: event, Data: raw}:
	case <-c.done:
	default:
		// Slow consumer; drop rather than stall the hub.
		c.hub.log.Warn("dropped frame for slow client", "user", c.userID, "event", event)
	}
}

// fail answers a bad frame: over the ack channel when one was
// requested, as an error event otherwise.
func (c *client) fail(ackID, msg string) {
	if ackID != "" {
		select {
		case c.send <- transport.Frame{Event: domain.EventAck, AckID: ackID, Error: msg}:
		case <-c.done:
		default:
		}
		return
	}
	c.push(domain.EventError, domain.ErrorPayload{Message: msg})
}

func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("client read failed", "user", c.userID, "err", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.push(domain.EventError, domain.ErrorPayload{Message: "rate limit exceeded"})
			continue
		}

		var frame transport.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.push(domain.EventError, domain.ErrorPayload{Message: "malformed frame"})
			continue
		}
		c.handle(frame)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) handle(frame transport.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch frame.Event {
	case domain.EventSendMessage:
		c.handleSend(ctx, frame)
	case domain.EventEditMessage:
		c.handleEdit(ctx, frame)
	case domain.EventTyping:
		c.handleTyping(frame)
	default:
		c.fail(frame.AckID, "unknown event "+frame.Event)
	}
}

// handleSend persists the sealed message, acknowledges it to the
// sender and pushes it to the receiver when online.
func (c *client) handleSend(ctx context.Context, frame transport.Frame) {
	var p domain.SendMessagePayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		c.fail(frame.AckID, "malformed sendMessage payload")
		return
	}
	if p.SenderID != c.userID {
		c.fail(frame.AckID, "sender does not match connection")
		return
	}
	if p.Ciphertext == "" || p.Nonce == "" || p.ReceiverID == "" {
		c.fail(frame.AckID, "missing message fields")
		return
	}

	msg := domain.Message{
		SenderID:           p.SenderID,
		ReceiverID:         p.ReceiverID,
		Ciphertext:         p.Ciphertext,
		Nonce:              p.Nonce,
		SenderPublicKey:    p.SenderPublicKey,
		RecipientPublicKey: p.RecipientPublicKey,
	}
	id, createdAt, err := c.hub.store.SaveMessage(ctx, msg)
	if err != nil {
		c.hub.log.Error("persist message failed", "err", err)
		c.fail(frame.AckID, "storage failure")
		return
	}

	if frame.AckID != "" {
		data, _ := json.Marshal(domain.SendAck{ID: id, CreatedAt: createdAt.UnixMilli()})
		select {
		case c.send <- transport.Frame{Event: domain.EventAck, AckID: frame.AckID, Data: data}:
		case <-c.done:
			return
		}
	}

	msg.ID = id
	msg.CreatedAt = createdAt
	c.hub.pushTo(p.ReceiverID, domain.EventNewMessage, msg)
}

// handleEdit replaces the sealed content and pushes the edited record
// to both parties.
func (c *client) handleEdit(ctx context.Context, frame transport.Frame) {
	var p domain.EditMessagePayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		c.fail(frame.AckID, "malformed editMessage payload")
		return
	}
	if p.SenderID != c.userID {
		c.fail(frame.AckID, "sender does not match connection")
		return
	}

	msg, err := c.hub.store.UpdateMessage(ctx, p.MessageID, c.userID,
		p.Ciphertext, p.Nonce, p.SenderPublicKey, p.RecipientPublicKey)
	if err != nil {
		c.fail(frame.AckID, "edit rejected")
		return
	}

	c.hub.pushTo(msg.SenderID, domain.EventMessageEdited, msg)
	c.hub.pushTo(msg.ReceiverID, domain.EventMessageEdited, msg)
}

// handleTyping relays a typing indicator to the receiver. Nothing is
// persisted.
func (c *client) handleTyping(frame transport.Frame) {
	var p domain.TypingPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		return
	}
	if p.SenderID != c.userID {
		return
	}
	c.hub.pushTo(p.ReceiverID, domain.EventUserTyping, domain.PresencePayload{UserID: c.userID})
}
