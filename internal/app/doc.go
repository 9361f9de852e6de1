// Package app wires application dependencies for the CLI.
//
// It builds the concrete stores, the relay API client and, on demand,
// a live chat controller from Config, exposing them via the Wire
// struct for commands to use.
package app
