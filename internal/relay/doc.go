// Package relay is the server side of the system: account storage,
// token issuance and the realtime hub.
//
// Contents:
//   - Store: sqlite-backed persistence for users and messages. Message
//     rows hold ciphertext, nonce and the public keys used to seal
//     them; plaintext never reaches the server.
//   - Issuer: HS256 access/refresh token pair with refresh rotation.
//   - Hub: one live websocket per user. Send and edit events are
//     persisted then forwarded; presence and typing are relayed
//     without persistence.
//   - Server: the HTTP surface tying the pieces together.
//
// # Notes
//
// The relay is honest-but-curious at best: clients must assume it
// reads everything it stores, which is why it only ever sees sealed
// boxes.
package relay
