// Package commands defines the sotto CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - register   Create an account on the relay
//   - login      Obtain and store a token pair
//   - logout     Drop stored tokens and local keys
//   - whoami     Print the authenticated profile
//   - search     Find users by username prefix
//   - recent     List users you have conversations with
//   - history    Print a decrypted conversation
//   - send       Encrypt and send a message
//   - watch      Follow a conversation live
//   - edit       Re-encrypt and replace a sent message
//   - delete     Remove a sent message
//
// # Implementation
//
// The root command builds the dependency graph (local store, key
// store, relay client) before any subcommand runs, so handlers share
// one app context. Commands that need the realtime transport open it
// themselves and tear it down on exit.
package commands
