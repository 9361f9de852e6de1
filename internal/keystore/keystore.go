// Package keystore manages the per-user asymmetric key pair lifecycle:
// creation on first use, a fixed time-to-live, and destruction on
// logout or expiry.
package keystore

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"sotto/internal/crypto"
	"sotto/internal/domain"
	"sotto/internal/kv"
)

// TTL is how long a stored key pair stays valid. An older entry is
// treated as absent, deleted, and regenerated on next access.
const TTL = 24 * time.Hour

const keyPrefix = "keys/"

// record is the persisted form of a key pair. Key material is base64,
// matching the wire encoding.
type record struct {
	PublicKey string `json:"publicKey"`
	SecretKey string `json:"secretKey"`
	CreatedAt int64  `json:"createdAt"` // unix milliseconds
}

// Store persists one key pair per local user identity.
type Store struct {
	kv  kv.Store
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	locks map[domain.UserID]*sync.Mutex
}

// New returns a key store backed by s with the default TTL.
func New(s kv.Store) *Store {
	return &Store{
		kv:    s,
		ttl:   TTL,
		now:   time.Now,
		locks: make(map[domain.UserID]*sync.Mutex),
	}
}

// userLock returns the mutex serializing access for one user id, so a
// concurrent read-then-create cannot mint two diverging key pairs.
func (s *Store) userLock(userID domain.UserID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// GetOrCreate returns the stored, non-expired key pair for userID,
// generating and persisting a fresh one when none is usable.
func (s *Store) GetOrCreate(userID domain.UserID) (domain.KeyPair, error) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	pair, ok, err := s.load(userID)
	if err != nil {
		return domain.KeyPair{}, err
	}
	if ok {
		return pair, nil
	}

	pair, err = crypto.GenerateKeyPair()
	if err != nil {
		return domain.KeyPair{}, fmt.Errorf("generate key pair: %w", err)
	}
	// Stamp with the store's clock so all TTL arithmetic uses one
	// time source.
	pair.CreatedAt = s.now()
	if err := s.save(userID, pair); err != nil {
		return domain.KeyPair{}, err
	}
	return pair, nil
}

// Get returns the stored key pair if present and within TTL.
func (s *Store) Get(userID domain.UserID) (domain.KeyPair, bool, error) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return s.load(userID)
}

// Delete removes the persisted key material for userID, wiping the
// secret bytes first.
func (s *Store) Delete(userID domain.UserID) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return s.deleteLocked(userID)
}

// ClearAll removes every persisted key pair, wiping each secret. The
// backing store may be shared with other components, so only the key
// namespace is touched.
func (s *Store) ClearAll() error {
	keys, err := s.kv.List(keyPrefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		userID := domain.UserID(strings.TrimPrefix(k, keyPrefix))
		if err := s.Delete(userID); err != nil {
			return err
		}
	}
	return nil
}

// load reads and TTL-checks the record; an expired entry is deleted
// and reported as absent.
func (s *Store) load(userID domain.UserID) (domain.KeyPair, bool, error) {
	raw, ok, err := s.kv.Get(keyPrefix + userID.String())
	if err != nil || !ok {
		return domain.KeyPair{}, false, err
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.KeyPair{}, false, fmt.Errorf("decode key record: %w", err)
	}
	pair, err := rec.keyPair()
	if err != nil {
		return domain.KeyPair{}, false, err
	}

	if pair.Expired(s.ttl, s.now()) {
		if err := s.deleteLocked(userID); err != nil {
			return domain.KeyPair{}, false, err
		}
		return domain.KeyPair{}, false, nil
	}
	return pair, true, nil
}

func (s *Store) save(userID domain.UserID, pair domain.KeyPair) error {
	rec := record{
		PublicKey: crypto.B64(pair.PublicKey),
		SecretKey: crypto.B64(pair.SecretKey),
		CreatedAt: pair.CreatedAt.UnixMilli(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kv.Put(keyPrefix+userID.String(), raw)
}

func (s *Store) deleteLocked(userID domain.UserID) error {
	// Wipe secret bytes before dropping the record.
	if raw, ok, err := s.kv.Get(keyPrefix + userID.String()); err == nil && ok {
		var rec record
		if json.Unmarshal(raw, &rec) == nil {
			if sk, err := crypto.FromB64(rec.SecretKey); err == nil {
				crypto.Wipe(sk)
			}
		}
	}
	return s.kv.Delete(keyPrefix + userID.String())
}

func (r record) keyPair() (domain.KeyPair, error) {
	pub, err := crypto.FromB64(r.PublicKey)
	if err != nil {
		return domain.KeyPair{}, fmt.Errorf("decode public key: %w", err)
	}
	sec, err := crypto.FromB64(r.SecretKey)
	if err != nil {
		return domain.KeyPair{}, fmt.Errorf("decode secret key: %w", err)
	}
	return domain.KeyPair{
		PublicKey: pub,
		SecretKey: sec,
		CreatedAt: time.UnixMilli(r.CreatedAt),
	}, nil
}
