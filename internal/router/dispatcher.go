package router

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/exchange-stream/internal/integrity"
)

// registration is a handler with the id used to track its deliveries.
type registration struct {
	id int
	h  Handler
}

// progressKey identifies one envelope across retries.
type progressKey struct {
	category string
	id       string
	sum      uint64
}

// progress records the handlers that already accepted a retried envelope.
type progress struct {
	done    map[int]bool
	expires time.Time // Envelope TimeoutAt, zero if unknown
}

// Dispatcher delivers envelopes released by the integrity queue to
// registered handlers and buffered streams. It implements
// integrity.Dispatcher and integrity.DiagnosticSink.
//
// When some handlers fail, Emit remembers the ones that succeeded and a
// retried envelope is only offered to the rest, so no handler sees an
// envelope twice.
type Dispatcher struct {
	cfg    RouterConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	nextID   int
	handlers map[string][]registration
	all      []registration
	streams  map[string]*GrowableBuffer[integrity.Envelope]
	closed   bool

	progressMu sync.Mutex
	progress   map[progressKey]*progress

	emitted       atomic.Int64
	handlerErrors atomic.Int64
	panics        atomic.Int64
}

// NewDispatcher creates a dispatcher with no handlers.
func NewDispatcher(cfg RouterConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		handlers: make(map[string][]registration),
		streams:  make(map[string]*GrowableBuffer[integrity.Envelope]),
		progress: make(map[progressKey]*progress),
	}
}

// On registers a handler for one category.
func (d *Dispatcher) On(category string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[category] = append(d.handlers[category], registration{id: d.nextID, h: h})
}

// OnAll registers a handler for every category.
func (d *Dispatcher) OnAll(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.all = append(d.all, registration{id: d.nextID, h: h})
}

// Stream returns the buffered stream for category, creating it on first
// use. AllCategories receives every envelope. An envelope reaches the
// streams once all handlers accepted it.
func (d *Dispatcher) Stream(category string) *GrowableBuffer[integrity.Envelope] {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.streams[category]; ok {
		return s
	}
	s := NewBoundedBuffer[integrity.Envelope](d.cfg.StreamBufferSize, d.cfg.StreamBufferLimit)
	if d.closed {
		s.Close()
	}
	d.streams[category] = s
	return s
}

// Emit runs the category handlers and then the catch-all handlers. A
// failing or panicking handler does not stop its siblings. The joined
// handler errors are returned so the caller can retry the envelope; on the
// retry only the handlers that failed run again.
func (d *Dispatcher) Emit(category string, env integrity.Envelope) error {
	d.mu.RLock()
	handlers := make([]registration, 0, len(d.handlers[category])+len(d.all))
	handlers = append(handlers, d.handlers[category]...)
	handlers = append(handlers, d.all...)
	streams := make([]*GrowableBuffer[integrity.Envelope], 0, 2)
	if s, ok := d.streams[category]; ok {
		streams = append(streams, s)
	}
	if s, ok := d.streams[AllCategories]; ok && category != AllCategories {
		streams = append(streams, s)
	}
	d.mu.RUnlock()

	d.emitted.Add(1)

	key := progressKey{category: category, id: env.ID, sum: env.Checksum}
	done := d.delivered(key)

	var errs []error
	for _, reg := range handlers {
		if done[reg.id] {
			continue
		}
		if err := d.call(reg.h, env); err != nil {
			d.handlerErrors.Add(1)
			d.logger.Warn("handler failed",
				"category", category,
				"id", env.ID,
				"retries", env.Retries,
				"error", err,
			)
			errs = append(errs, err)
			continue
		}
		if done == nil {
			done = make(map[int]bool)
		}
		done[reg.id] = true
	}

	if err := errors.Join(errs...); err != nil {
		d.remember(key, done, env.TimeoutAt)
		return err
	}
	d.forget(key)

	for _, s := range streams {
		s.Send(env)
	}
	return nil
}

// Record implements integrity.DiagnosticSink. It drops delivery progress of
// envelopes the queue gave up on.
func (d *Dispatcher) Record(diag integrity.Diagnostic) {
	switch diag.Kind {
	case integrity.KindDeadLetter, integrity.KindExpired:
		d.forget(progressKey{category: diag.Category, id: diag.Envelope.ID, sum: diag.Envelope.Checksum})
	}
}

// Pending returns the number of envelopes waiting on a handler retry.
func (d *Dispatcher) Pending() int {
	d.progressMu.Lock()
	defer d.progressMu.Unlock()
	return len(d.progress)
}

func (d *Dispatcher) delivered(key progressKey) map[int]bool {
	d.progressMu.Lock()
	defer d.progressMu.Unlock()
	if p, ok := d.progress[key]; ok {
		return maps.Clone(p.done)
	}
	return nil
}

// remember stores partial progress and prunes entries whose envelope can no
// longer be retried.
func (d *Dispatcher) remember(key progressKey, done map[int]bool, expires time.Time) {
	now := d.now()

	d.progressMu.Lock()
	defer d.progressMu.Unlock()

	for k, p := range d.progress {
		if !p.expires.IsZero() && !now.Before(p.expires) {
			delete(d.progress, k)
		}
	}
	if len(done) == 0 {
		delete(d.progress, key)
		return
	}
	d.progress[key] = &progress{done: done, expires: expires}
}

func (d *Dispatcher) forget(key progressKey) {
	d.progressMu.Lock()
	defer d.progressMu.Unlock()
	delete(d.progress, key)
}

// Close closes every stream so consumers drain and exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	for _, s := range d.streams {
		s.Close()
	}
}

// Stats returns dispatcher statistics.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.RLock()
	streams := make(map[string]BufferStats, len(d.streams))
	for category, s := range d.streams {
		streams[category] = s.Stats()
	}
	d.mu.RUnlock()

	return DispatcherStats{
		Emitted:       d.emitted.Load(),
		HandlerErrors: d.handlerErrors.Load(),
		Panics:        d.panics.Load(),
		AwaitingRetry: d.Pending(),
		Streams:       streams,
	}
}

func (d *Dispatcher) call(h Handler, env integrity.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h(env)
}
