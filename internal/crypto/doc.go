// Package crypto exposes the authenticated public-key encryption
// primitives used by Sotto.
//
// Contents
//
//   - Curve25519 key pair generation (GenerateKeyPair)
//   - NaCl box seal/open: X25519 key agreement combined with
//     XSalsa20-Poly1305, giving confidentiality, integrity and sender
//     authentication in one operation (Encrypt, Decrypt)
//   - Base64 helpers for the wire encoding (B64, FromB64)
//   - Best-effort memory wiping for secret material (Wipe)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// # Notes
//
// Nonces are freshly random per Encrypt call and must never be reused
// with the same key pair. Decrypt fails closed: any tag mismatch
// returns domain.ErrCrypto and no partial plaintext.
package crypto
