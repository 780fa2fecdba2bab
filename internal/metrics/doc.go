// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection state, reconnects, heartbeat misses and frame rates
//   - Outbound queue depth and drops
//   - Integrity diagnostics by category and kind
//   - Router protocol errors
package metrics
