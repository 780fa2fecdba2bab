// Package connection manages the WebSocket connection to the stream server.
//
// The Connection Manager:
//   - Reconnects with jittered exponential backoff until MaxAttempts, then
//     moves to Errored and reports ErrMaxAttemptsExceeded on Errors()
//   - Sends {type:"ping"} heartbeats and closes the transport after
//     consecutive missed pongs
//   - Replays every registered subscription, in registration order, on each
//     successful connect
//   - Queues outbound messages while offline and flushes them FIFO on connect
//   - Correlates request/response frames by id
//
// Data frames are published on Messages() for the router.
package connection
