// Package domain defines the shared types for Sotto.
//
// Contents
//
//   - Identity and key material (UserID, KeyPair)
//   - Token state (TokenPair)
//   - Message records as exchanged with the relay, plus the tagged
//     provisional/confirmed message identity (MessageID)
//   - The realtime transport event contract (event names and payloads)
//   - The error taxonomy shared by all components
//
// The package is data-only; behaviour lives in the component packages.
package domain
