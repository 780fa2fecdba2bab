package integrity

import (
	"errors"
	"time"
)

// Errors
var (
	ErrDuplicate  = errors.New("duplicate envelope")
	ErrStale      = errors.New("sequence already passed")
	ErrExpired    = errors.New("envelope expired")
	ErrOverflow   = errors.New("queue overflow")
	ErrNoCategory = errors.New("envelope has no category")
)

// Config configures the Integrity Queue.
type Config struct {
	DrainInterval   time.Duration // Drain tick period
	BatchSize       int           // Max dispatches per category per tick
	OrderingWindow  time.Duration // Age after which a sequenced envelope is force-released
	DedupWindow     time.Duration // Span in which id+checksum repeats are duplicates
	MaxAge          time.Duration // Envelopes older than this expire undelivered
	MaxRetries      int           // Failed dispatches retried this many times
	Capacity        int           // Max pending envelopes per category
	PurgeRatio      float64       // Share of Capacity purged on overflow
	InitialSequence int64         // expectedSequence of a new category
	FailedHistory   int           // Dead letters kept for diagnostics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DrainInterval:   50 * time.Millisecond,
		BatchSize:       100,
		OrderingWindow:  time.Second,
		DedupWindow:     5 * time.Second,
		MaxAge:          30 * time.Second,
		MaxRetries:      3,
		Capacity:        1000,
		PurgeRatio:      0.1,
		InitialSequence: 1,
		FailedHistory:   100,
	}
}

// DiagnosticKind classifies a diagnostic event.
type DiagnosticKind string

const (
	KindDuplicate  DiagnosticKind = "duplicate"
	KindStale      DiagnosticKind = "stale"
	KindExpired    DiagnosticKind = "expired"
	KindOverflow   DiagnosticKind = "overflow"
	KindForced     DiagnosticKind = "forced"
	KindRetry      DiagnosticKind = "retry"
	KindDeadLetter DiagnosticKind = "dead_letter"
)

// Diagnostic reports a non-fatal integrity event.
type Diagnostic struct {
	Kind     DiagnosticKind
	Category string
	Envelope Envelope // Zero for overflow
	Count    int      // Purged entries (overflow) or skipped sequences (forced)
	Err      error    // Last dispatch error (retry, dead_letter)
	At       time.Time
}

// DiagnosticSink receives diagnostics. Record must not block.
type DiagnosticSink interface {
	Record(d Diagnostic)
}

// SinkFunc is a function adapter for DiagnosticSink.
type SinkFunc func(Diagnostic)

func (f SinkFunc) Record(d Diagnostic) {
	f(d)
}

// MultiSink fans a diagnostic out to several sinks.
type MultiSink []DiagnosticSink

func (m MultiSink) Record(d Diagnostic) {
	for _, s := range m {
		if s != nil {
			s.Record(d)
		}
	}
}

type nopSink struct{}

func (nopSink) Record(Diagnostic) {}

// DispatchFunc delivers one envelope. A non-nil error triggers a retry.
type DispatchFunc func(Envelope) error

// DrainResult summarizes one drain tick of a category.
type DrainResult struct {
	Dispatched int
	Forced     int
	Expired    int
	Stale      int
	Retried    int
	Failed     int
}

func (r *DrainResult) add(o DrainResult) {
	r.Dispatched += o.Dispatched
	r.Forced += o.Forced
	r.Expired += o.Expired
	r.Stale += o.Stale
	r.Retried += o.Retried
	r.Failed += o.Failed
}
