package crypto

import "encoding/base64"

// B64 returns standard base64 encoding without newlines. Keys, nonces
// and ciphertexts are base64 on the wire and in persisted records.
func B64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// FromB64 decodes a standard base64 string.
func FromB64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
