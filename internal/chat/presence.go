package chat

import (
	"sort"
	"sync"
	"time"

	"sotto/internal/domain"
)

// TypingTTL is how long a typing marker lives unless refreshed.
const TypingTTL = 8 * time.Second

// Presence tracks which users are online and who is currently typing.
// Typing markers are ephemeral and auto-expire.
type Presence struct {
	mu     sync.Mutex
	online map[domain.UserID]struct{}
	typing map[domain.UserID]*time.Timer
	ttl    time.Duration
	closed bool
}

// NewPresence returns an empty tracker.
func NewPresence() *Presence {
	return &Presence{
		online: make(map[domain.UserID]struct{}),
		typing: make(map[domain.UserID]*time.Timer),
		ttl:    TypingTTL,
	}
}

// SetOnline records a user as connected.
func (p *Presence) SetOnline(userID domain.UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.online[userID] = struct{}{}
}

// SetOffline records a user as disconnected and drops any typing
// marker.
func (p *Presence) SetOffline(userID domain.UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, userID)
	if t, ok := p.typing[userID]; ok {
		t.Stop()
		delete(p.typing, userID)
	}
}

// Typing records (or refreshes) a typing marker that expires after the
// TTL unless refreshed.
func (p *Presence) Typing(userID domain.UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if t, ok := p.typing[userID]; ok {
		t.Reset(p.ttl)
		return
	}
	p.typing[userID] = time.AfterFunc(p.ttl, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.typing, userID)
	})
}

// Online returns the connected users, sorted for stable output.
func (p *Presence) Online() []domain.UserID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedIDs(p.online)
}

// TypingUsers returns users with a live typing marker.
func (p *Presence) TypingUsers() []domain.UserID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make(map[domain.UserID]struct{}, len(p.typing))
	for id := range p.typing {
		ids[id] = struct{}{}
	}
	return sortedIDs(ids)
}

// Close stops every pending expiry timer; the tracker accepts no
// updates afterwards.
func (p *Presence) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, t := range p.typing {
		t.Stop()
		delete(p.typing, id)
	}
}

func sortedIDs(m map[domain.UserID]struct{}) []domain.UserID {
	out := make([]domain.UserID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
