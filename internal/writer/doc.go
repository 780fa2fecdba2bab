// Package writer implements batch writers that archive stream data to
// PostgreSQL.
//
// Writers:
//   - Diagnostic writer: dead letters, expiries, overflow purges, forced
//     releases and protocol errors (stream_diagnostics)
//
// All writers use append-only semantics (never update, only insert).
// Timestamps are stored as microseconds since epoch.
package writer
