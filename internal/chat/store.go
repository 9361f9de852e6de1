// Package chat holds the client-side messaging state and its
// orchestration: the message store with optimistic-insert semantics,
// presence tracking, and the controller wiring transport events into
// both.
package chat

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sotto/internal/domain"
)

// entry pairs a message with its tagged identity. The identity is
// matched explicitly during acknowledgment; there is no string-prefix
// inspection anywhere.
type entry struct {
	id  domain.MessageID
	msg domain.Message
}

// MessageStore is the ordered, mutable collection of messages. Entries
// are appended in arrival order, which is not guaranteed to equal send
// order; conversation views sort by server timestamp only.
type MessageStore struct {
	mu      sync.RWMutex
	entries []entry

	subs    map[int]chan struct{}
	nextSub int
}

// NewMessageStore returns an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{subs: make(map[int]chan struct{})}
}

// Subscribe returns a channel receiving a coalesced signal after every
// mutation, and a cancel func. Observers read snapshots; they never
// mutate store state directly.
func (s *MessageStore) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// notify must be called with s.mu held.
func (s *MessageStore) notify() {
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Append adds a message that arrived over the network.
func (s *MessageStore) Append(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{id: domain.NewConfirmedID(msg.ID), msg: msg})
	s.notify()
}

// InsertProvisional adds a locally created message under a fresh
// client-generated temporary id and returns that id.
func (s *MessageStore) InsertProvisional(msg domain.Message) domain.MessageID {
	id := domain.NewProvisionalID(uuid.NewString())
	msg.ID = id.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{id: id, msg: msg})
	s.notify()
	return id
}

// Confirm replaces the provisional entry in place with the
// server-assigned identity: same position, same content, exactly one
// entry afterwards. An ack for an unknown provisional id is a
// consistency error.
func (s *MessageStore) Confirm(temp domain.MessageID, serverID string, createdAt time.Time) error {
	if !temp.Provisional() {
		return fmt.Errorf("confirm of non-provisional id %s: %w", temp, domain.ErrConsistency)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].id == temp {
			s.entries[i].id = domain.NewConfirmedID(serverID)
			s.entries[i].msg.ID = serverID
			if !createdAt.IsZero() {
				s.entries[i].msg.CreatedAt = createdAt
			}
			s.notify()
			return nil
		}
	}
	return fmt.Errorf("ack for unknown provisional id %s: %w", temp, domain.ErrConsistency)
}

// Remove drops the entry with the given identity; it reports whether
// anything was removed.
func (s *MessageStore) Remove(id domain.MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].id == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			s.notify()
			return true
		}
	}
	return false
}

// Find looks an entry up by raw id value and returns its tagged
// identity alongside the message.
func (s *MessageStore) Find(rawID string) (domain.MessageID, domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.entries {
		if s.entries[i].id.String() == rawID {
			return s.entries[i].id, s.entries[i].msg, true
		}
	}
	return domain.MessageID{}, domain.Message{}, false
}

// ApplyEdit mutates a stored message's content in place and flags it
// edited. Unknown ids are reported so the caller can reconcile.
func (s *MessageStore) ApplyEdit(rawID, plaintext, ciphertext, nonce string, undecryptable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].id.String() == rawID {
			m := &s.entries[i].msg
			m.Plaintext = plaintext
			m.Undecryptable = undecryptable
			if ciphertext != "" {
				m.Ciphertext = ciphertext
				m.Nonce = nonce
			}
			m.IsEdited = true
			s.notify()
			return nil
		}
	}
	return fmt.Errorf("edit for unknown message %s: %w", rawID, domain.ErrConsistency)
}

// MarkConversationRead flips IsRead on every message from peer
// addressed to self.
func (s *MessageStore) MarkConversationRead(peer, self domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for i := range s.entries {
		m := &s.entries[i].msg
		if m.SenderID == peer && m.ReceiverID == self && !m.IsRead {
			m.IsRead = true
			changed = true
		}
	}
	if changed {
		s.notify()
	}
}

// Replace swaps the full store content, e.g. after a history fetch.
func (s *MessageStore) Replace(msgs []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make([]entry, 0, len(msgs))
	for _, m := range msgs {
		s.entries = append(s.entries, entry{id: domain.NewConfirmedID(m.ID), msg: m})
	}
	s.notify()
}

// Conversation returns the messages between self and peer in either
// direction, ordered by CreatedAt ascending.
func (s *MessageStore) Conversation(self, peer domain.UserID) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Message
	for i := range s.entries {
		if s.entries[i].msg.Between(self, peer) {
			out = append(out, s.entries[i].msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// All returns a snapshot of every message in arrival order.
func (s *MessageStore) All() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Message, len(s.entries))
	for i := range s.entries {
		out[i] = s.entries[i].msg
	}
	return out
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
