package crypto

import (
	"crypto/rand"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/box"

	"sotto/internal/domain"
)

const (
	// KeyBytes is the size of Curve25519 public and secret keys.
	KeyBytes = 32
	// NonceBytes is the fixed nonce length for box seal/open.
	NonceBytes = 24
)

// GenerateKeyPair returns a fresh Curve25519 key pair with CreatedAt
// set to the current time.
func GenerateKeyPair() (domain.KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return domain.KeyPair{}, err
	}
	return domain.KeyPair{
		PublicKey: pub[:],
		SecretKey: priv[:],
		CreatedAt: time.Now(),
	}, nil
}

// Encrypt seals plaintext from the sender to the recipient. The nonce
// is freshly random per call and returned alongside the ciphertext.
func Encrypt(senderSecret, recipientPublic, plaintext []byte) (ciphertext, nonce []byte, err error) {
	priv, err := keyArray(senderSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("sender secret key: %w", err)
	}
	pub, err := keyArray(recipientPublic)
	if err != nil {
		return nil, nil, fmt.Errorf("recipient public key: %w", err)
	}

	var n [NonceBytes]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, nil, err
	}
	ct := box.Seal(nil, plaintext, &n, pub, priv)
	return ct, n[:], nil
}

// Decrypt opens ciphertext sealed by the sender for the recipient.
// Any authentication failure (wrong key, tampered ciphertext, wrong
// nonce) yields domain.ErrCrypto; no partial plaintext is ever
// returned.
func Decrypt(recipientSecret, senderPublic, ciphertext, nonce []byte) ([]byte, error) {
	priv, err := keyArray(recipientSecret)
	if err != nil {
		return nil, fmt.Errorf("recipient secret key: %w", err)
	}
	pub, err := keyArray(senderPublic)
	if err != nil {
		return nil, fmt.Errorf("sender public key: %w", err)
	}
	if len(nonce) != NonceBytes {
		return nil, fmt.Errorf("nonce must be %d bytes: %w", NonceBytes, domain.ErrCrypto)
	}

	var n [NonceBytes]byte
	copy(n[:], nonce)
	plain, ok := box.Open(nil, ciphertext, &n, pub, priv)
	if !ok {
		return nil, domain.ErrCrypto
	}
	return plain, nil
}

func keyArray(b []byte) (*[KeyBytes]byte, error) {
	if len(b) != KeyBytes {
		return nil, fmt.Errorf("want %d bytes, got %d", KeyBytes, len(b))
	}
	var out [KeyBytes]byte
	copy(out[:], b)
	return &out, nil
}
