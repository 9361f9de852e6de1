package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sotto/internal/crypto"
	"sotto/internal/domain"
	"sotto/internal/keystore"
	"sotto/internal/transport"
)

// Placeholder shown for a retained message whose ciphertext could not
// be opened.
const Placeholder = "[Encrypted Message]"

// Transport is the slice of the realtime session the controller uses.
type Transport interface {
	On(event string, h transport.Handler)
	Emit(event string, data any) error
	EmitWithAck(ctx context.Context, event string, data any) (json.RawMessage, error)
	Close() error
}

// API is the slice of the REST surface the controller uses.
type API interface {
	Conversation(ctx context.Context, peer domain.UserID) ([]domain.Message, error)
	MarkRead(ctx context.Context, peer domain.UserID) error
	DeleteMessage(ctx context.Context, messageID string) error
}

// Controller orchestrates send/edit/delete/mark-read/history and wires
// transport events into the message store. Cryptographic and network
// failures are caught here and converted into observable error state.
type Controller struct {
	self     domain.UserID
	keys     *keystore.Store
	api      API
	session  Transport
	store    *MessageStore
	presence *Presence
	log      *slog.Logger

	errs chan domain.ErrorPayload

	mu            sync.Mutex
	advertisedKey string
}

// NewController wires a controller for one authenticated identity.
func NewController(self domain.UserID, keys *keystore.Store, api API, session Transport, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		self:     self,
		keys:     keys,
		api:      api,
		session:  session,
		store:    NewMessageStore(),
		presence: NewPresence(),
		log:      log,
		errs:     make(chan domain.ErrorPayload, 16),
	}
	c.bind()
	return c
}

// Store exposes the message store for observation.
func (c *Controller) Store() *MessageStore { return c.store }

// Presence exposes the presence tracker for observation.
func (c *Controller) Presence() *Presence { return c.presence }

// Errors delivers relayed transport error events; the channel drops
// when nobody is reading.
func (c *Controller) Errors() <-chan domain.ErrorPayload { return c.errs }

// bind registers one handler per inbound transport event.
func (c *Controller) bind() {
	c.session.On(domain.EventNewMessage, c.onNewMessage)
	c.session.On(domain.EventMessageEdited, c.onMessageEdited)
	c.session.On(domain.EventKeyExchange, c.onKeyExchange)
	c.session.On(domain.EventUserConnected, func(data json.RawMessage) {
		var p domain.PresencePayload
		if json.Unmarshal(data, &p) == nil {
			c.presence.SetOnline(p.UserID)
		}
	})
	c.session.On(domain.EventUserDisconnected, func(data json.RawMessage) {
		var p domain.PresencePayload
		if json.Unmarshal(data, &p) == nil {
			c.presence.SetOffline(p.UserID)
		}
	})
	c.session.On(domain.EventUserTyping, func(data json.RawMessage) {
		var p domain.PresencePayload
		if json.Unmarshal(data, &p) == nil {
			c.presence.Typing(p.UserID)
		}
	})
	c.session.On(domain.EventError, func(data json.RawMessage) {
		var p domain.ErrorPayload
		if json.Unmarshal(data, &p) != nil {
			return
		}
		c.log.Warn("relay error event", "message", p.Message, "details", p.Details)
		select {
		case c.errs <- p:
		default:
		}
	})
}

// SendMessage encrypts plaintext for the recipient, inserts a
// provisional entry, emits it and awaits the single acknowledgment. On
// success the provisional entry is confirmed in place; on failure it
// is removed entirely. No silent retries.
func (c *Controller) SendMessage(ctx context.Context, receiverID domain.UserID, plaintext, recipientPublicKey string) (domain.Message, error) {
	pair, err := c.keys.GetOrCreate(c.self)
	if err != nil {
		return domain.Message{}, err
	}
	peerPub, err := crypto.FromB64(recipientPublicKey)
	if err != nil {
		return domain.Message{}, fmt.Errorf("recipient public key: %w", err)
	}

	ct, nonce, err := crypto.Encrypt(pair.SecretKey, peerPub, []byte(plaintext))
	if err != nil {
		return domain.Message{}, err
	}

	msg := domain.Message{
		SenderID:           c.self,
		ReceiverID:         receiverID,
		Ciphertext:         crypto.B64(ct),
		Nonce:              crypto.B64(nonce),
		SenderPublicKey:    crypto.B64(pair.PublicKey),
		RecipientPublicKey: recipientPublicKey,
		CreatedAt:          time.Now(),
		Plaintext:          plaintext,
	}
	temp := c.store.InsertProvisional(msg)

	raw, err := c.session.EmitWithAck(ctx, domain.EventSendMessage, domain.SendMessagePayload{
		SenderID:           msg.SenderID,
		ReceiverID:         msg.ReceiverID,
		Ciphertext:         msg.Ciphertext,
		Nonce:              msg.Nonce,
		SenderPublicKey:    msg.SenderPublicKey,
		RecipientPublicKey: msg.RecipientPublicKey,
	})
	if err != nil {
		c.store.Remove(temp)
		return domain.Message{}, fmt.Errorf("send failed: %w", err)
	}

	var ack domain.SendAck
	if err := json.Unmarshal(raw, &ack); err != nil || ack.ID == "" {
		c.store.Remove(temp)
		return domain.Message{}, fmt.Errorf("malformed send ack: %w", domain.ErrConsistency)
	}

	createdAt := time.Time{}
	if ack.CreatedAt > 0 {
		createdAt = time.UnixMilli(ack.CreatedAt)
	}
	if err := c.store.Confirm(temp, ack.ID, createdAt); err != nil {
		return domain.Message{}, err
	}

	_, out, _ := c.store.Find(ack.ID)
	return out, nil
}

// EditMessage re-encrypts content against the recipient's key, emits
// the edit event and optimistically mutates local state before server
// confirmation. There is no rollback if the relay rejects the edit;
// the relayed error event is surfaced instead.
func (c *Controller) EditMessage(ctx context.Context, messageID, newContent, recipientPublicKey string, receiverID domain.UserID) error {
	pair, err := c.keys.GetOrCreate(c.self)
	if err != nil {
		return err
	}
	peerPub, err := crypto.FromB64(recipientPublicKey)
	if err != nil {
		return fmt.Errorf("recipient public key: %w", err)
	}

	ct, nonce, err := crypto.Encrypt(pair.SecretKey, peerPub, []byte(newContent))
	if err != nil {
		return err
	}

	if err := c.session.Emit(domain.EventEditMessage, domain.EditMessagePayload{
		MessageID:          messageID,
		SenderID:           c.self,
		Ciphertext:         crypto.B64(ct),
		Nonce:              crypto.B64(nonce),
		SenderPublicKey:    crypto.B64(pair.PublicKey),
		RecipientPublicKey: recipientPublicKey,
	}); err != nil {
		return fmt.Errorf("emit edit: %w", err)
	}

	return c.store.ApplyEdit(messageID, newContent, crypto.B64(ct), crypto.B64(nonce), false)
}

// DeleteMessage issues an authorized delete. Provisional ids are
// rejected; the local entry goes away only after the relay confirms.
func (c *Controller) DeleteMessage(ctx context.Context, messageID string) error {
	id, _, ok := c.store.Find(messageID)
	if !ok {
		return fmt.Errorf("delete of unknown message %s: %w", messageID, domain.ErrConsistency)
	}
	if id.Provisional() {
		return fmt.Errorf("message %s not yet confirmed: %w", messageID, domain.ErrConsistency)
	}

	if err := c.api.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("delete rejected: %w", err)
	}
	c.store.Remove(id)
	return nil
}

// MarkRead flips the peer's unread messages addressed to self and
// requests the same state change server-side.
func (c *Controller) MarkRead(ctx context.Context, peer domain.UserID) error {
	c.store.MarkConversationRead(peer, c.self)
	return c.api.MarkRead(ctx, peer)
}

// FetchHistory retrieves the stored conversation with peer and
// decrypts every entry. A per-entry decryption failure degrades that
// single entry to a placeholder without failing the fetch.
func (c *Controller) FetchHistory(ctx context.Context, peer domain.UserID) ([]domain.Message, error) {
	msgs, err := c.api.Conversation(ctx, peer)
	if err != nil {
		return nil, err
	}
	pair, err := c.keys.GetOrCreate(c.self)
	if err != nil {
		return nil, err
	}

	for i := range msgs {
		msgs[i] = c.decryptRecord(pair, msgs[i])
	}
	c.store.Replace(msgs)
	return msgs, nil
}

// SendTyping emits a typing indicator for the receiver.
func (c *Controller) SendTyping(receiverID domain.UserID) error {
	return c.session.Emit(domain.EventTyping, domain.TypingPayload{
		SenderID:   c.self,
		ReceiverID: receiverID,
	})
}

// Close tears down the transport and presence timers. In-flight sends
// fail through the transport; nothing fires afterwards.
func (c *Controller) Close() error {
	c.presence.Close()
	return c.session.Close()
}

// onNewMessage decrypts an incoming message with our secret key and
// the sender's advertised public key. Decryption failure retains the
// message as a placeholder; it is never dropped.
func (c *Controller) onNewMessage(data json.RawMessage) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("malformed newMessage payload", "err", err)
		return
	}

	pair, err := c.keys.GetOrCreate(c.self)
	if err != nil {
		c.log.Warn("keys unavailable for incoming message", "err", err)
		return
	}
	msg = c.decryptRecord(pair, msg)
	c.store.Append(msg)
}

// onMessageEdited decrypts the edited record role-dependently: the
// sender's own copy is sealed to the recipient key, the receiver's to
// the sender key.
func (c *Controller) onMessageEdited(data json.RawMessage) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("malformed messageEdited payload", "err", err)
		return
	}

	pair, err := c.keys.GetOrCreate(c.self)
	if err != nil {
		c.log.Warn("keys unavailable for edited message", "err", err)
		return
	}

	dec := c.decryptRecord(pair, msg)
	if err := c.store.ApplyEdit(msg.ID, dec.Plaintext, msg.Ciphertext, msg.Nonce, dec.Undecryptable); err != nil {
		c.log.Warn("edit did not match a stored message", "id", msg.ID, "err", err)
	}
}

// onKeyExchange records the public key the relay holds for us. A stale
// advertised key is replaced on next connect.
func (c *Controller) onKeyExchange(data json.RawMessage) {
	var p domain.KeyExchangePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	c.mu.Lock()
	c.advertisedKey = p.PublicKey
	c.mu.Unlock()
	c.log.Debug("relay advertised public key", "fingerprint", fingerprintB64(p.PublicKey))
}

// AdvertisedKey returns the public key the relay last announced for
// this session, or "" before the first key exchange.
func (c *Controller) AdvertisedKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advertisedKey
}

// decryptRecord opens one wire record using the counterparty public
// key appropriate for our role. Failures are logged and degrade the
// record to a placeholder.
func (c *Controller) decryptRecord(pair domain.KeyPair, msg domain.Message) domain.Message {
	counterpart := msg.SenderPublicKey
	if msg.SenderID == c.self {
		counterpart = msg.RecipientPublicKey
	}

	plain, err := c.open(pair, counterpart, msg.Ciphertext, msg.Nonce)
	if err != nil {
		c.log.Warn("message retained undecryptable",
			"id", msg.ID, "sender", msg.SenderID, "err", err)
		msg.Plaintext = Placeholder
		msg.Undecryptable = true
		return msg
	}
	msg.Plaintext = plain
	msg.Undecryptable = false
	return msg
}

func (c *Controller) open(pair domain.KeyPair, counterpartKey, ciphertext, nonce string) (string, error) {
	if ciphertext == "" || nonce == "" || counterpartKey == "" {
		return "", fmt.Errorf("missing encryption fields: %w", domain.ErrCrypto)
	}
	pub, err := crypto.FromB64(counterpartKey)
	if err != nil {
		return "", fmt.Errorf("counterpart key: %w", domain.ErrCrypto)
	}
	ct, err := crypto.FromB64(ciphertext)
	if err != nil {
		return "", fmt.Errorf("ciphertext: %w", domain.ErrCrypto)
	}
	n, err := crypto.FromB64(nonce)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", domain.ErrCrypto)
	}

	plain, err := crypto.Decrypt(pair.SecretKey, pub, ct, n)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func fingerprintB64(key string) string {
	b, err := crypto.FromB64(key)
	if err != nil {
		return "invalid"
	}
	return crypto.Fingerprint(b)
}
