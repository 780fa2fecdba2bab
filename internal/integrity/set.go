package integrity

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Dispatcher delivers drained envelopes to consumers.
type Dispatcher interface {
	Emit(category string, env Envelope) error
}

// SetStats contains runtime statistics across every category.
type SetStats struct {
	Categories int
	Pending    int
	Running    bool

	Enqueued   int64
	Rejected   int64
	Dispatched int64
	Forced     int64
	Expired    int64
	Stale      int64
	Retried    int64
	Failed     int64
	Purged     int64
}

// Set owns one Queue per category and a single drain loop.
//
// The drain loop starts on the first Enqueue after Start and stops itself
// once every queue is empty.
type Set struct {
	cfg        Config
	dispatcher Dispatcher
	sink       DiagnosticSink
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	queues  map[string]*Queue
	running bool

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	failedMu sync.Mutex
	failed   []Diagnostic
	failedAt int

	enqueued   atomic.Int64
	rejected   atomic.Int64
	dispatched atomic.Int64
	forced     atomic.Int64
	expired    atomic.Int64
	stale      atomic.Int64
	retried    atomic.Int64
	failedN    atomic.Int64
	purged     atomic.Int64
}

// NewSet creates a queue set that drains into dispatcher.
func NewSet(cfg Config, dispatcher Dispatcher, sink DiagnosticSink, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Set{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
		queues:     make(map[string]*Queue),
	}
	s.sink = MultiSink{SinkFunc(s.record), sink}
	return s
}

// Start enables the drain loop. Envelopes enqueued before Start are drained
// once it is called.
func (s *Set) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("integrity queue started",
		"drain_interval", s.cfg.DrainInterval,
		"batch_size", s.cfg.BatchSize,
		"capacity", s.cfg.Capacity,
	)

	if s.pending() > 0 {
		s.ensureRunning()
	}
	return nil
}

// Stop halts the drain loop. Pending envelopes are discarded with the process.
func (s *Set) Stop(ctx context.Context) error {
	s.logger.Info("stopping integrity queue")

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("integrity queue stopped", "pending", s.pending())
	case <-ctx.Done():
		s.logger.Warn("integrity queue stop timed out")
	}
	return nil
}

// Enqueue admits env into its category queue, creating the queue on demand.
func (s *Set) Enqueue(env Envelope) error {
	if env.Category == "" {
		s.rejected.Add(1)
		return ErrNoCategory
	}

	q := s.queueFor(env.Category)
	if err := q.Enqueue(env, s.now()); err != nil {
		s.rejected.Add(1)
		return err
	}
	s.enqueued.Add(1)

	s.ensureRunning()
	return nil
}

// DrainOnce runs a single drain tick over every category.
func (s *Set) DrainOnce() DrainResult {
	s.mu.Lock()
	queues := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	now := s.now()
	var total DrainResult
	for _, q := range queues {
		category := q.Category()
		res := q.Drain(now, s.cfg.BatchSize, func(env Envelope) error {
			return s.dispatcher.Emit(category, env)
		})
		total.add(res)
	}

	s.dispatched.Add(int64(total.Dispatched))
	s.forced.Add(int64(total.Forced))
	s.expired.Add(int64(total.Expired))
	s.stale.Add(int64(total.Stale))
	s.retried.Add(int64(total.Retried))
	s.failedN.Add(int64(total.Failed))
	return total
}

// Queue returns the queue of category, or nil if nothing was enqueued for it.
func (s *Set) Queue(category string) *Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues[category]
}

// Categories returns every known category, sorted.
func (s *Set) Categories() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.queues))
	for c := range s.queues {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Failed returns the most recent dead letters, oldest first.
func (s *Set) Failed() []Diagnostic {
	s.failedMu.Lock()
	defer s.failedMu.Unlock()

	if len(s.failed) < s.cfg.FailedHistory {
		return append([]Diagnostic(nil), s.failed...)
	}
	out := make([]Diagnostic, 0, len(s.failed))
	out = append(out, s.failed[s.failedAt:]...)
	out = append(out, s.failed[:s.failedAt]...)
	return out
}

// Stats returns current statistics.
func (s *Set) Stats() SetStats {
	s.mu.Lock()
	categories := len(s.queues)
	running := s.running
	s.mu.Unlock()

	return SetStats{
		Categories: categories,
		Pending:    s.pending(),
		Running:    running,
		Enqueued:   s.enqueued.Load(),
		Rejected:   s.rejected.Load(),
		Dispatched: s.dispatched.Load(),
		Forced:     s.forced.Load(),
		Expired:    s.expired.Load(),
		Stale:      s.stale.Load(),
		Retried:    s.retried.Load(),
		Failed:     s.failedN.Load(),
		Purged:     s.purged.Load(),
	}
}

func (s *Set) queueFor(category string) *Queue {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[category]
	if !ok {
		q = NewQueue(category, s.cfg, s.sink)
		s.queues[category] = q
		s.logger.Debug("category queue created", "category", category)
	}
	return q
}

func (s *Set) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

func (s *Set) pendingLocked() int {
	n := 0
	for _, q := range s.queues {
		n += q.Len()
	}
	return n
}

func (s *Set) ensureRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	s.running = true
	s.wg.Add(1)
	go s.drainLoop(s.ctx)
}

func (s *Set) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.DrainOnce()
			if s.stopIfIdle() {
				return
			}
		}
	}
}

// stopIfIdle clears running when no queue has pending envelopes. Enqueue
// inserts before calling ensureRunning, so an envelope is never stranded.
func (s *Set) stopIfIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingLocked() > 0 {
		return false
	}
	s.running = false
	s.logger.Debug("drain loop idle")
	return true
}

// record is the Set's own diagnostic sink: it keeps the dead-letter ring and
// logs the events worth an operator's attention.
func (s *Set) record(d Diagnostic) {
	switch d.Kind {
	case KindDeadLetter:
		s.keepFailed(d)
		s.logger.Warn("envelope dead-lettered",
			"category", d.Category,
			"id", d.Envelope.ID,
			"retries", d.Envelope.Retries,
			"error", d.Err,
		)
	case KindOverflow:
		s.purged.Add(int64(d.Count))
		s.logger.Warn("category queue overflow", "category", d.Category, "purged", d.Count)
	case KindForced:
		s.logger.Debug("sequence gap force-released",
			"category", d.Category,
			"sequence", d.Envelope.Sequence,
			"gap", d.Count,
		)
	case KindExpired:
		s.logger.Debug("envelope expired", "category", d.Category, "id", d.Envelope.ID)
	}
}

func (s *Set) keepFailed(d Diagnostic) {
	if s.cfg.FailedHistory <= 0 {
		return
	}
	s.failedMu.Lock()
	defer s.failedMu.Unlock()

	if len(s.failed) < s.cfg.FailedHistory {
		s.failed = append(s.failed, d)
		return
	}
	s.failed[s.failedAt] = d
	s.failedAt = (s.failedAt + 1) % s.cfg.FailedHistory
}
