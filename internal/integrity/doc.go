// Package integrity implements the per-category Integrity Queue.
//
// The Integrity Queue:
//   - Suppresses duplicates (same id + content checksum inside the dedup window)
//   - Orders sequenced envelopes and force-releases gaps after the ordering window
//   - Drains ready envelopes by priority (critical > high > normal > low)
//   - Expires envelopes that sit in the queue past their max age
//   - Retries failed dispatches and dead-letters them after max retries
//   - Sheds the lowest-priority, oldest entries on overflow
//
// Every rejection is non-fatal: the envelope is dropped and a Diagnostic is
// emitted. Categories never block each other.
package integrity
