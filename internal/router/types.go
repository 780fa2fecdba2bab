package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/exchange-stream/internal/integrity"
)

// Errors
var (
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrMissingCategory = errors.New("frame has no category")
	ErrHandlerPanic    = errors.New("handler panicked")
)

// AllCategories is the Stream key that receives every category.
const AllCategories = "*"

// RouterConfig holds configuration for the Message Router.
type RouterConfig struct {
	StreamBufferSize  int // Initial capacity of each dispatcher stream
	StreamBufferLimit int // Max items per stream before oldest are dropped, 0 = unbounded
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		StreamBufferSize:  1000,
		StreamBufferLimit: 100000,
	}
}

// Enqueuer accepts decoded envelopes. *integrity.Set satisfies it.
type Enqueuer interface {
	Enqueue(env integrity.Envelope) error
}

// Handler processes one dispatched envelope.
type Handler func(env integrity.Envelope) error

// ProtocolError describes an inbound frame that could not be routed.
type ProtocolError struct {
	Err        error
	Data       []byte
	ConnGen    uint64
	ReceivedAt time.Time
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on connection %d: %v", e.ConnGen, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64
	MessagesRouted   int64
	ProtocolErrors   int64
	Duplicates       int64
	Rejected         int64
}

// DispatcherStats contains dispatcher statistics.
type DispatcherStats struct {
	Emitted       int64
	HandlerErrors int64
	Panics        int64
	AwaitingRetry int // Envelopes some handler still has to accept
	Streams       map[string]BufferStats
}

// wireEnvelope is the inbound data frame.
//
//	{"id":"...","category":"prices","payload":{...},"timestamp":1700000000000,"sequence":7,"priority":"high"}
type wireEnvelope struct {
	ID        string              `json:"id"`
	Category  string              `json:"category"`
	Payload   json.RawMessage     `json:"payload"`
	Timestamp int64               `json:"timestamp"`
	Sequence  *int64              `json:"sequence"`
	Priority  *integrity.Priority `json:"priority"`
}
