package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint renders a public key as a short, log-friendly digest:
// the first 8 bytes of its SHA-256, hex encoded and grouped for easy
// visual comparison, e.g. "3f91:a02c:77de:b014".
func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	h := hex.EncodeToString(sum[:8])

	groups := make([]string, 0, len(h)/4)
	for i := 0; i < len(h); i += 4 {
		groups = append(groups, h[i:i+4])
	}
	return strings.Join(groups, ":")
}
