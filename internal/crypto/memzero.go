package crypto

import "runtime"

// Wipe overwrites b with zeroes so secret material does not linger in
// memory longer than needed. Best-effort only: the runtime may already
// have copied the bytes elsewhere.
//
//go:noinline
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	for i := range b {
		b[i] = 0
	}
	// Keep the slice reachable so the zeroing writes are not elided.
	runtime.KeepAlive(&b)
}
