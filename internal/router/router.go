package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rickgao/exchange-stream/internal/connection"
	"github.com/rickgao/exchange-stream/internal/integrity"
)

// Router decodes raw WebSocket data frames into envelopes and hands them
// to the integrity queue.
type Router interface {
	// Start begins routing messages from the input channel.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the router.
	Stop(ctx context.Context) error

	// Stats returns current router statistics.
	Stats() RouterStats
}

// RouterOption configures optional router behavior.
type RouterOption func(*router)

// WithProtocolErrorHook is called for every frame that cannot be routed.
// The hook runs on the routing goroutine and must not block.
func WithProtocolErrorHook(fn func(*ProtocolError)) RouterOption {
	return func(r *router) {
		r.onProtocolError = fn
	}
}

// router is the internal implementation.
type router struct {
	logger *slog.Logger

	// Input from Connection Manager
	input <-chan connection.RawMessage
	queue Enqueuer

	onProtocolError func(*ProtocolError)

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	received       atomic.Int64
	routed         atomic.Int64
	protocolErrors atomic.Int64
	duplicates     atomic.Int64
	rejected       atomic.Int64
}

// NewRouter creates a new Message Router.
func NewRouter(input <-chan connection.RawMessage, queue Enqueuer, logger *slog.Logger, opts ...RouterOption) Router {
	if logger == nil {
		logger = slog.Default()
	}

	r := &router{
		logger: logger,
		input:  input,
		queue:  queue,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins routing messages.
func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("message router started")
	return nil
}

// Stop gracefully shuts down the router.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping message router")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("message router stopped")
	case <-ctx.Done():
		r.logger.Warn("message router stop timed out")
	}

	return nil
}

// Stats returns current statistics.
func (r *router) Stats() RouterStats {
	return RouterStats{
		MessagesReceived: r.received.Load(),
		MessagesRouted:   r.routed.Load(),
		ProtocolErrors:   r.protocolErrors.Load(),
		Duplicates:       r.duplicates.Load(),
		Rejected:         r.rejected.Load(),
	}
}

// routeLoop is the main routing goroutine.
func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case raw, ok := <-r.input:
			if !ok {
				r.logger.Info("input channel closed")
				return
			}
			r.route(raw)
		}
	}
}

// route decodes and enqueues a single frame.
func (r *router) route(raw connection.RawMessage) {
	r.received.Add(1)

	env, err := Decode(raw)
	if err != nil {
		r.protocolError(raw, err)
		return
	}

	switch err := r.queue.Enqueue(env); {
	case err == nil:
		r.routed.Add(1)
	case errors.Is(err, integrity.ErrDuplicate):
		r.duplicates.Add(1)
		r.logger.Debug("duplicate envelope dropped",
			"category", env.Category,
			"id", env.ID,
		)
	default:
		r.rejected.Add(1)
		r.logger.Warn("envelope rejected",
			"category", env.Category,
			"id", env.ID,
			"error", err,
		)
	}
}

func (r *router) protocolError(raw connection.RawMessage, err error) {
	r.protocolErrors.Add(1)
	r.logger.Warn("dropping unroutable frame",
		"error", err,
		"conn_gen", raw.ConnGen,
		"size", len(raw.Data),
	)
	if r.onProtocolError != nil {
		r.onProtocolError(&ProtocolError{
			Err:        err,
			Data:       raw.Data,
			ConnGen:    raw.ConnGen,
			ReceivedAt: raw.ReceivedAt,
		})
	}
}

// Decode turns a raw data frame into an envelope. A frame without a
// sequence is unsequenced, a frame without a priority is Normal, and a
// frame without an id is identified by its content checksum.
func Decode(raw connection.RawMessage) (integrity.Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(raw.Data, &wire); err != nil {
		return integrity.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if wire.Category == "" {
		return integrity.Envelope{}, ErrMissingCategory
	}

	payload := wire.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	env := integrity.Envelope{
		ID:         wire.ID,
		Category:   wire.Category,
		Payload:    payload,
		Timestamp:  wire.Timestamp,
		ReceivedAt: raw.ReceivedAt,
		Priority:   integrity.PriorityNormal,
		Checksum:   integrity.Checksum(wire.Category, payload),
	}
	if wire.Sequence != nil {
		env.Sequence = *wire.Sequence
		env.Sequenced = true
	}
	if wire.Priority != nil {
		env.Priority = *wire.Priority
	}
	if env.ID == "" {
		env.ID = integrity.ChecksumHex(env.Checksum)
	}
	return env, nil
}
