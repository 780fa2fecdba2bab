// Package storage provides the key/value store behind the subscription
// registry.
//
// Stores keep insertion order: List returns entries in the order their keys
// were first written, which is the order subscriptions are replayed in.
// The in-memory store is the default; the subsystem never persists state
// across restarts.
package storage
