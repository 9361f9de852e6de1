package domain

import "errors"

// Error taxonomy. Components wrap these sentinels so callers can route
// failures with errors.Is regardless of which layer produced them.
var (
	// ErrAuth covers missing, expired, invalid or revoked tokens.
	// Refresh failure is the only fatal case: it terminates the session.
	ErrAuth = errors.New("authentication failed")

	// ErrCrypto is an authentication-tag failure on decrypt. Non-fatal:
	// the affected message is retained as an undecryptable placeholder.
	ErrCrypto = errors.New("decryption failed")

	// ErrTransport covers lost connections, ack timeouts and relayed
	// error events. Surfaced to the caller; sends are never retried.
	ErrTransport = errors.New("transport failure")

	// ErrConsistency marks a reconciliation problem, such as an ack for
	// an unknown provisional id or a rejected delete after an
	// optimistic mutation. Never silently ignored.
	ErrConsistency = errors.New("state inconsistency")
)
