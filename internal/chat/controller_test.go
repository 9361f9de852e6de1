package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sotto/internal/chat"
	"sotto/internal/crypto"
	"sotto/internal/domain"
	"sotto/internal/keystore"
	"sotto/internal/kv"
	"sotto/internal/transport"
)

// fakeTransport captures emits and lets tests deliver inbound events
// synchronously.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]transport.Handler
	emitted  []fakeEmit
	ack      func(event string, data any) (json.RawMessage, error)
}

type fakeEmit struct {
	event string
	data  any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]transport.Handler)}
}

func (f *fakeTransport) On(event string, h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeTransport) Emit(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, fakeEmit{event: event, data: data})
	return nil
}

func (f *fakeTransport) EmitWithAck(_ context.Context, event string, data any) (json.RawMessage, error) {
	f.mu.Lock()
	f.emitted = append(f.emitted, fakeEmit{event: event, data: data})
	ack := f.ack
	f.mu.Unlock()
	if ack == nil {
		return nil, fmt.Errorf("no ack configured: %w", domain.ErrTransport)
	}
	return ack(event, data)
}

func (f *fakeTransport) Close() error { return nil }

// deliver feeds an inbound event through the registered handler, as
// the read pump would.
func (f *fakeTransport) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler for %s", event)
	}
	h(raw)
}

type fakeAPI struct {
	conversation []domain.Message
	convErr      error
	deleteErr    error

	mu          sync.Mutex
	markedRead  []domain.UserID
	deletedIDs  []string
	convFetches int
}

func (f *fakeAPI) Conversation(_ context.Context, peer domain.UserID) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convFetches++
	return f.conversation, f.convErr
}

func (f *fakeAPI) MarkRead(_ context.Context, peer domain.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, peer)
	return nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletedIDs = append(f.deletedIDs, id)
	return nil
}

func newController(t *testing.T) (*chat.Controller, *fakeTransport, *fakeAPI, *keystore.Store) {
	t.Helper()
	ks := keystore.New(kv.NewMemStore())
	ft := newFakeTransport()
	api := &fakeAPI{}
	c := chat.NewController("alice", ks, api, ft, nil)
	return c, ft, api, ks
}

func TestSendMessage_Success_ExactlyOneEntry(t *testing.T) {
	c, ft, _, _ := newController(t)
	bob, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate bob: %v", err)
	}

	ft.ack = func(event string, data any) (json.RawMessage, error) {
		p := data.(domain.SendMessagePayload)
		if p.Ciphertext == "" || p.Nonce == "" || p.SenderPublicKey == "" {
			t.Fatal("wire payload missing encryption fields")
		}
		// The relay must never see plaintext.
		if ct, _ := crypto.FromB64(p.Ciphertext); string(ct) == "hello" {
			t.Fatal("plaintext on the wire")
		}
		return json.Marshal(domain.SendAck{ID: "srv-1", CreatedAt: time.Now().UnixMilli()})
	}

	msg, err := c.SendMessage(context.Background(), "bob", "hello", crypto.B64(bob.PublicKey))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != "srv-1" || msg.Plaintext != "hello" {
		t.Fatalf("confirmed message wrong: %+v", msg)
	}

	conv := c.Store().Conversation("alice", "bob")
	if len(conv) != 1 {
		t.Fatalf("want exactly one entry after ack, got %d", len(conv))
	}
	if conv[0].ID != "srv-1" {
		t.Fatalf("entry not confirmed in place: %+v", conv[0])
	}
}

func TestSendMessage_Failure_RollsBackProvisional(t *testing.T) {
	c, ft, _, _ := newController(t)
	bob, _ := crypto.GenerateKeyPair()

	ft.ack = func(string, any) (json.RawMessage, error) {
		return nil, fmt.Errorf("ack timeout: %w", domain.ErrTransport)
	}

	_, err := c.SendMessage(context.Background(), "bob", "doomed", crypto.B64(bob.PublicKey))
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("want transport error, got %v", err)
	}
	if n := c.Store().Len(); n != 0 {
		t.Fatalf("provisional entry survived failed send: %d entries", n)
	}
}

func TestReceive_EndToEndDecrypt(t *testing.T) {
	c, ft, _, ks := newController(t)

	// Alice's stored keys; Bob encrypts to them.
	alice, err := ks.GetOrCreate("alice")
	if err != nil {
		t.Fatalf("alice keys: %v", err)
	}
	bob, _ := crypto.GenerateKeyPair()

	ct, nonce, err := crypto.Encrypt(bob.SecretKey, alice.PublicKey, []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	ft.deliver(t, domain.EventNewMessage, domain.Message{
		ID:              "srv-7",
		SenderID:        "bob",
		ReceiverID:      "alice",
		Ciphertext:      crypto.B64(ct),
		Nonce:           crypto.B64(nonce),
		SenderPublicKey: crypto.B64(bob.PublicKey),
		CreatedAt:       time.Now(),
	})

	conv := c.Store().Conversation("alice", "bob")
	if len(conv) != 1 {
		t.Fatalf("want 1 message, got %d", len(conv))
	}
	if conv[0].Plaintext != "hello" {
		t.Fatalf("decrypt mismatch: %q", conv[0].Plaintext)
	}
}

func TestReceive_UndecryptableRetainedAsPlaceholder(t *testing.T) {
	c, ft, _, _ := newController(t)
	bob, _ := crypto.GenerateKeyPair()

	ft.deliver(t, domain.EventNewMessage, domain.Message{
		ID:              "srv-8",
		SenderID:        "bob",
		ReceiverID:      "alice",
		Ciphertext:      crypto.B64([]byte("garbage")),
		Nonce:           crypto.B64(make([]byte, crypto.NonceBytes)),
		SenderPublicKey: crypto.B64(bob.PublicKey),
	})

	all := c.Store().All()
	if len(all) != 1 {
		t.Fatal("undecryptable message was dropped")
	}
	if !all[0].Undecryptable || all[0].Plaintext != chat.Placeholder {
		t.Fatalf("want placeholder, got %+v", all[0])
	}
}

func TestEditMessage_OptimisticMutation(t *testing.T) {
	c, ft, _, _ := newController(t)
	bob, _ := crypto.GenerateKeyPair()

	c.Store().Append(domain.Message{
		ID: "srv-1", SenderID: "alice", ReceiverID: "bob", Plaintext: "old",
	})

	if err := c.EditMessage(context.Background(), "srv-1", "new", crypto.B64(bob.PublicKey), "bob"); err != nil {
		t.Fatalf("edit: %v", err)
	}

	_, msg, ok := c.Store().Find("srv-1")
	if !ok || msg.Plaintext != "new" || !msg.IsEdited {
		t.Fatalf("optimistic edit missing: %+v", msg)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.emitted) != 1 || ft.emitted[0].event != domain.EventEditMessage {
		t.Fatalf("edit event not emitted: %+v", ft.emitted)
	}
}

func TestDeleteMessage_RejectsProvisional(t *testing.T) {
	c, _, api, _ := newController(t)
	temp := c.Store().InsertProvisional(domain.Message{SenderID: "alice", ReceiverID: "bob"})

	err := c.DeleteMessage(context.Background(), temp.String())
	if !errors.Is(err, domain.ErrConsistency) {
		t.Fatalf("want ErrConsistency, got %v", err)
	}
	if len(api.deletedIDs) != 0 {
		t.Fatal("delete reached the relay for a provisional id")
	}
	if c.Store().Len() != 1 {
		t.Fatal("provisional entry vanished")
	}
}

func TestDeleteMessage_RemovesAfterConfirm(t *testing.T) {
	c, _, api, _ := newController(t)
	c.Store().Append(domain.Message{ID: "srv-1", SenderID: "alice", ReceiverID: "bob"})

	if err := c.DeleteMessage(context.Background(), "srv-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if c.Store().Len() != 0 {
		t.Fatal("entry still present after confirmed delete")
	}
	if len(api.deletedIDs) != 1 || api.deletedIDs[0] != "srv-1" {
		t.Fatalf("relay delete not issued: %v", api.deletedIDs)
	}
}

func TestDeleteMessage_FailureKeepsEntry(t *testing.T) {
	c, _, api, _ := newController(t)
	api.deleteErr = errors.New("forbidden")
	c.Store().Append(domain.Message{ID: "srv-1", SenderID: "alice", ReceiverID: "bob"})

	if err := c.DeleteMessage(context.Background(), "srv-1"); err == nil {
		t.Fatal("want error from rejected delete")
	}
	if c.Store().Len() != 1 {
		t.Fatal("entry removed despite rejected delete")
	}
}

func TestMarkRead_LocalAndRemote(t *testing.T) {
	c, _, api, _ := newController(t)
	c.Store().Append(domain.Message{ID: "m1", SenderID: "bob", ReceiverID: "alice"})

	if err := c.MarkRead(context.Background(), "bob"); err != nil {
		t.Fatalf("markRead: %v", err)
	}
	if _, msg, _ := c.Store().Find("m1"); !msg.IsRead {
		t.Fatal("local message not flipped")
	}
	if len(api.markedRead) != 1 || api.markedRead[0] != domain.UserID("bob") {
		t.Fatalf("server-side mark-read not requested: %v", api.markedRead)
	}
}

func TestFetchHistory_PerEntryDegradation(t *testing.T) {
	c, _, api, ks := newController(t)

	alice, _ := ks.GetOrCreate("alice")
	bob, _ := crypto.GenerateKeyPair()

	good, nonce, err := crypto.Encrypt(bob.SecretKey, alice.PublicKey, []byte("readable"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	api.conversation = []domain.Message{
		{
			ID: "m1", SenderID: "bob", ReceiverID: "alice",
			Ciphertext: crypto.B64(good), Nonce: crypto.B64(nonce),
			SenderPublicKey: crypto.B64(bob.PublicKey),
			CreatedAt:       time.Unix(1, 0),
		},
		{
			ID: "m2", SenderID: "bob", ReceiverID: "alice",
			Ciphertext: crypto.B64([]byte("broken")), Nonce: crypto.B64(make([]byte, crypto.NonceBytes)),
			SenderPublicKey: crypto.B64(bob.PublicKey),
			CreatedAt:       time.Unix(2, 0),
		},
	}

	msgs, err := c.FetchHistory(context.Background(), "bob")
	if err != nil {
		t.Fatalf("fetchHistory: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("want both entries, got %d", len(msgs))
	}
	if msgs[0].Plaintext != "readable" {
		t.Fatalf("good entry not decrypted: %+v", msgs[0])
	}
	if msgs[1].Plaintext != chat.Placeholder || !msgs[1].Undecryptable {
		t.Fatalf("broken entry not degraded: %+v", msgs[1])
	}
}

func TestKeyExchange_AdvertisedKeyStored(t *testing.T) {
	c, ft, _, _ := newController(t)

	if got := c.AdvertisedKey(); got != "" {
		t.Fatalf("advertised key before key exchange = %q", got)
	}

	pair, _ := crypto.GenerateKeyPair()
	ft.deliver(t, domain.EventKeyExchange, domain.KeyExchangePayload{
		PublicKey: crypto.B64(pair.PublicKey),
	})

	if got := c.AdvertisedKey(); got != crypto.B64(pair.PublicKey) {
		t.Fatalf("advertised key = %q", got)
	}

	// A reconnect replaces the stale key.
	fresh, _ := crypto.GenerateKeyPair()
	ft.deliver(t, domain.EventKeyExchange, domain.KeyExchangePayload{
		PublicKey: crypto.B64(fresh.PublicKey),
	})
	if got := c.AdvertisedKey(); got != crypto.B64(fresh.PublicKey) {
		t.Fatalf("advertised key after reconnect = %q", got)
	}
}

func TestPresenceEvents_FlowIntoTracker(t *testing.T) {
	c, ft, _, _ := newController(t)

	ft.deliver(t, domain.EventUserConnected, domain.PresencePayload{UserID: "bob"})
	ft.deliver(t, domain.EventUserTyping, domain.PresencePayload{UserID: "bob"})

	if got := c.Presence().Online(); len(got) != 1 || got[0] != domain.UserID("bob") {
		t.Fatalf("online = %v", got)
	}
	if got := c.Presence().TypingUsers(); len(got) != 1 {
		t.Fatalf("typing = %v", got)
	}

	ft.deliver(t, domain.EventUserDisconnected, domain.PresencePayload{UserID: "bob"})
	if got := c.Presence().Online(); len(got) != 0 {
		t.Fatalf("online after disconnect = %v", got)
	}
}
