package connection

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rickgao/exchange-stream/internal/integrity"
)

// Errors
var (
	ErrNotConnected        = errors.New("not connected")
	ErrConnectTimeout      = errors.New("connect timeout")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrHeartbeatTimeout    = errors.New("heartbeat timeout")
	ErrTimeout             = errors.New("operation timeout")
	ErrAlreadyClosed       = errors.New("already closed")
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrOutboundOverflow    = errors.New("outbound queue overflow")
	ErrRequestFailed       = errors.New("request failed")
	ErrMaxAttemptsExceeded = errors.New("max reconnect attempts exceeded")
)

// State is the lifecycle state of the Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the Manager's connection state.
type Status struct {
	State              State
	Attempts           int
	LastConnectedAt    time.Time
	LastDisconnectedAt time.Time
}

// StateChange is published on every state transition.
type StateChange struct {
	From State
	To   State
	Err  error // Cause of the transition, if any
	At   time.Time
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// RawMessage is a data frame from the Manager to the Router.
type RawMessage struct {
	Data       []byte
	ReceivedAt time.Time
	ConnGen    uint64 // Connection generation the frame arrived on
}

// OutboundMessage is an application message sent through the Manager.
type OutboundMessage struct {
	ID         string
	Payload    json.RawMessage
	Sequence   int64
	Category   string
	Priority   integrity.Priority
	EnqueuedAt time.Time
}

// SendOptions controls how Send treats a message.
type SendOptions struct {
	Category       string
	Priority       integrity.Priority
	QueueIfOffline bool // Queue instead of failing with ErrNotConnected
}

// Subscription is a registered channel subscription, replayed on every connect.
type Subscription struct {
	ID           string          `json:"id"`
	Channel      string          `json:"channel"`
	Params       json.RawMessage `json:"params,omitempty"`
	SubscribedAt time.Time       `json:"subscribed_at"`
}

// Wire frames

// frameHeader is used for fast frame classification.
type frameHeader struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

const (
	frameTypePing     = "ping"
	frameTypePong     = "pong"
	frameTypeRequest  = "request"
	frameTypeResponse = "response"
	frameTypeError    = "error"
)

// heartbeatFrame is {type:"ping"|"pong", timestamp}.
type heartbeatFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // ms since epoch
}

// controlFrame is {op:"subscribe"|"unsubscribe", args:{id, channel, params}}.
type controlFrame struct {
	Op   string           `json:"op"`
	Args subscriptionArgs `json:"args"`
}

type subscriptionArgs struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// dataFrame is the wire form of an OutboundMessage.
type dataFrame struct {
	ID        string             `json:"id"`
	Category  string             `json:"category,omitempty"`
	Payload   json.RawMessage    `json:"payload"`
	Timestamp int64              `json:"timestamp"`
	Sequence  int64              `json:"sequence"`
	Priority  integrity.Priority `json:"priority"`
}

// requestFrame is {id, type:"request", payload}.
type requestFrame struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// responseFrame is {id, type:"response"|"error", payload}.
type responseFrame struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://stream.example.com/ws)
	Header           http.Header   // Extra handshake headers (auth, user agent)
	HandshakeTimeout time.Duration // Upper bound on the HTTP upgrade
	WriteTimeout     time.Duration // Write deadline for sends
	ReadLimit        int64         // Max frame size in bytes (0 = unlimited)
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        1 << 20,
		BufferSize:       10000,
	}
}

// BackoffConfig configures reconnect delays.
type BackoffConfig struct {
	BaseDelay   time.Duration // Delay before the first reconnect attempt
	Factor      float64       // Growth per attempt
	MaxDelay    time.Duration // Cap before jitter
	MaxAttempts int           // Consecutive failed attempts before Errored
	Jitter      float64       // Fractional jitter, 0.1 = ±10%
}

// DefaultBackoffConfig returns sensible defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:   time.Second,
		Factor:      2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
		Jitter:      0.1,
	}
}

// HeartbeatConfig configures application-level liveness checks.
type HeartbeatConfig struct {
	Interval  time.Duration // Time between pings
	Timeout   time.Duration // Wait for pong before counting a miss
	MaxMissed int           // Consecutive misses before the transport is closed
}

// DefaultHeartbeatConfig returns sensible defaults.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:  30 * time.Second,
		Timeout:   10 * time.Second,
		MaxMissed: 3,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL               string        // WebSocket URL
	ConnectTimeout    time.Duration // Upper bound on a single dial
	RequestTimeout    time.Duration // Wait for a response in Request
	OutboundCapacity  int           // Max queued outbound messages while offline
	FlushRate         float64       // Outbound flush messages/sec on reconnect (0 = unpaced)
	FlushBurst        int           // Burst for FlushRate
	MessageBufferSize int           // Buffer size for the data frame channel
	EventBufferSize   int           // Buffer size for state and error channels

	Client    ClientConfig
	Backoff   BackoffConfig
	Heartbeat HeartbeatConfig
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ConnectTimeout:    10 * time.Second,
		RequestTimeout:    10 * time.Second,
		OutboundCapacity:  1000,
		FlushRate:         0,
		FlushBurst:        50,
		MessageBufferSize: 100000,
		EventBufferSize:   64,
		Client:            DefaultClientConfig(),
		Backoff:           DefaultBackoffConfig(),
		Heartbeat:         DefaultHeartbeatConfig(),
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	State            State
	Attempts         int
	Subscriptions    int
	OutboundQueued   int
	OutboundDropped  int64
	PendingRequests  int
	MessagesReceived int64
	MessagesDropped  int64
	FramesSent       int64
	Reconnects       int64
	HeartbeatsMissed int64
}

// Observer receives connection events, typically for metrics.
// Methods are called synchronously and must not block.
type Observer interface {
	StateChanged(from, to State)
	ReconnectScheduled(attempt int, delay time.Duration)
	HeartbeatMissed(consecutive int)
	OutboundQueued(depth int)
	OutboundDropped(reason error)
	FrameReceived(kind string)
	FrameSent(kind string)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State, State) {}
func (nopObserver) ReconnectScheduled(int, time.Duration) {}
func (nopObserver) HeartbeatMissed(int) {}
func (nopObserver) OutboundQueued(int) {}
func (nopObserver) OutboundDropped(error) {}
func (nopObserver) FrameReceived(string) {}
func (nopObserver) FrameSent(string) {}
