package integrity

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Queue holds the pending envelopes of a single category.
//
// Sequenced envelopes are kept sorted by sequence number; unsequenced ones by
// priority (highest first), then by queue time (oldest first). A Queue is safe
// for concurrent use, but Drain calls for one category must not overlap.
type Queue struct {
	category string
	cfg      Config
	sink     DiagnosticSink

	mu          sync.Mutex
	sequenced   []*Envelope
	unsequenced []*Envelope
	expectedSeq int64
	seen        map[dedupKey]time.Time
	lastDrained time.Time
}

// NewQueue creates an empty queue for category.
func NewQueue(category string, cfg Config, sink DiagnosticSink) *Queue {
	if sink == nil {
		sink = nopSink{}
	}
	return &Queue{
		category:    category,
		cfg:         cfg,
		sink:        sink,
		expectedSeq: cfg.InitialSequence,
		seen:        make(map[dedupKey]time.Time),
	}
}

// Category returns the category this queue orders.
func (q *Queue) Category() string {
	return q.category
}

// Enqueue admits an envelope received at now.
//
// Returns ErrDuplicate when the same id and checksum were admitted inside the
// dedup window or when the sequence is below ExpectedSequence.
func (q *Queue) Enqueue(env Envelope, now time.Time) error {
	if env.Checksum == 0 {
		env.Checksum = Checksum(q.category, env.Payload)
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = now
	}
	env.Category = q.category

	var diags []Diagnostic
	defer func() { q.emit(diags) }()

	q.mu.Lock()
	defer q.mu.Unlock()

	key := dedupKey{id: env.ID, sum: env.Checksum}
	if seenAt, ok := q.seen[key]; ok && now.Sub(seenAt) < q.cfg.DedupWindow {
		diags = append(diags, Diagnostic{Kind: KindDuplicate, Category: q.category, Envelope: env, Err: ErrDuplicate, At: now})
		return ErrDuplicate
	}

	// Already delivered (or skipped) sequences are replays.
	if env.Sequenced && env.Sequence < q.expectedSeq {
		diags = append(diags, Diagnostic{Kind: KindDuplicate, Category: q.category, Envelope: env, Err: ErrDuplicate, At: now})
		return ErrDuplicate
	}

	if q.lenLocked() >= q.cfg.Capacity {
		if purged := q.purgeLocked(); purged > 0 {
			diags = append(diags, Diagnostic{Kind: KindOverflow, Category: q.category, Count: purged, Err: ErrOverflow, At: now})
		}
	}

	q.seen[key] = now
	env.TimeoutAt = env.ReceivedAt.Add(q.cfg.MaxAge)
	env.queuedAt = env.ReceivedAt

	e := env
	q.insertLocked(&e)
	return nil
}

// Drain runs one tick: expires old envelopes, then dispatches up to limit
// ready envelopes in order. Envelopes whose dispatch fails are requeued after
// the tick, so each envelope is attempted at most once per Drain call.
// Once a sequenced envelope is requeued, no later sequence is released in the
// same tick, so the retry keeps its place at the head.
func (q *Queue) Drain(now time.Time, limit int, dispatch DispatchFunc) DrainResult {
	var res DrainResult
	var diags []Diagnostic
	defer func() { q.emit(diags) }()

	q.mu.Lock()
	q.pruneSeenLocked(now)
	res.Expired = q.expireLocked(now, &diags)
	q.mu.Unlock()

	var deferred []*Envelope
	holdSequenced := false
	for res.Dispatched+res.Retried+res.Failed < limit {
		q.mu.Lock()
		env, forced, stale := q.nextReadyLocked(now, holdSequenced, &diags)
		res.Stale += stale
		q.mu.Unlock()

		if env == nil {
			break
		}
		if forced > 0 {
			res.Forced++
		}

		err := dispatch(*env)

		q.mu.Lock()
		if err == nil {
			if env.Sequenced {
				q.advanceLocked(env.Sequence)
			}
			res.Dispatched++
			q.mu.Unlock()
			continue
		}

		env.Retries++
		if env.Retries > q.cfg.MaxRetries {
			if env.Sequenced {
				q.advanceLocked(env.Sequence)
			}
			res.Failed++
			diags = append(diags, Diagnostic{Kind: KindDeadLetter, Category: q.category, Envelope: *env, Err: err, At: now})
		} else {
			res.Retried++
			deferred = append(deferred, env)
			if env.Sequenced {
				holdSequenced = true
			}
			diags = append(diags, Diagnostic{Kind: KindRetry, Category: q.category, Envelope: *env, Err: err, At: now})
		}
		q.mu.Unlock()
	}

	q.mu.Lock()
	for _, env := range deferred {
		env.queuedAt = now
		q.insertLocked(env)
	}
	q.lastDrained = now
	q.mu.Unlock()

	return res
}

// Len returns the number of pending envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// ExpectedSequence returns the next sequence number the queue waits for.
func (q *Queue) ExpectedSequence() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.expectedSeq
}

// LastDrainedAt returns the time of the last Drain call.
func (q *Queue) LastDrainedAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastDrained
}

// Pending returns a copy of the pending envelopes: sequenced ones in sequence
// order followed by unsequenced ones in drain order.
func (q *Queue) Pending() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Envelope, 0, q.lenLocked())
	for _, e := range q.sequenced {
		out = append(out, *e)
	}
	for _, e := range q.unsequenced {
		out = append(out, *e)
	}
	return out
}

func (q *Queue) lenLocked() int {
	return len(q.sequenced) + len(q.unsequenced)
}

func (q *Queue) advanceLocked(seq int64) {
	if seq+1 > q.expectedSeq {
		q.expectedSeq = seq + 1
	}
}

// nextReadyLocked pops the next envelope to dispatch, or nil if nothing is ready.
// forced is the number of sequences skipped when the head was force-released.
// With holdSequenced set only unsequenced envelopes are released.
func (q *Queue) nextReadyLocked(now time.Time, holdSequenced bool, diags *[]Diagnostic) (env *Envelope, forced int64, stale int) {
	for len(q.sequenced) > 0 && q.sequenced[0].Sequence < q.expectedSeq {
		head := q.sequenced[0]
		q.sequenced = q.sequenced[1:]
		stale++
		*diags = append(*diags, Diagnostic{Kind: KindStale, Category: q.category, Envelope: *head, Err: ErrStale, At: now})
	}

	if len(q.sequenced) > 0 && !holdSequenced {
		head := q.sequenced[0]
		if head.Sequence == q.expectedSeq {
			q.sequenced = q.sequenced[1:]
			return head, 0, stale
		}
		if now.Sub(head.ReceivedAt) >= q.cfg.OrderingWindow {
			q.sequenced = q.sequenced[1:]
			gap := head.Sequence - q.expectedSeq
			*diags = append(*diags, Diagnostic{Kind: KindForced, Category: q.category, Envelope: *head, Count: int(gap), At: now})
			return head, gap, stale
		}
	}

	if len(q.unsequenced) > 0 {
		head := q.unsequenced[0]
		q.unsequenced = q.unsequenced[1:]
		return head, 0, stale
	}

	return nil, 0, stale
}

// expireLocked drops every envelope whose TimeoutAt has passed.
func (q *Queue) expireLocked(now time.Time, diags *[]Diagnostic) int {
	expired := 0
	keep := func(list []*Envelope) []*Envelope {
		out := list[:0]
		for _, e := range list {
			if !now.Before(e.TimeoutAt) {
				expired++
				*diags = append(*diags, Diagnostic{Kind: KindExpired, Category: q.category, Envelope: *e, Err: ErrExpired, At: now})
				continue
			}
			out = append(out, e)
		}
		clear(list[len(out):])
		return out
	}
	q.sequenced = keep(q.sequenced)
	q.unsequenced = keep(q.unsequenced)
	return expired
}

func (q *Queue) pruneSeenLocked(now time.Time) {
	for k, at := range q.seen {
		if now.Sub(at) >= q.cfg.DedupWindow {
			delete(q.seen, k)
		}
	}
}

// purgeLocked removes the lowest-priority, oldest ~PurgeRatio of capacity.
// Retained envelopes keep their relative order.
func (q *Queue) purgeLocked() int {
	n := int(math.Ceil(float64(q.cfg.Capacity) * q.cfg.PurgeRatio))
	if n < 1 {
		n = 1
	}
	total := q.lenLocked()
	if n > total {
		n = total
	}
	if n == 0 {
		return 0
	}

	all := make([]*Envelope, 0, total)
	all = append(all, q.sequenced...)
	all = append(all, q.unsequenced...)
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Priority != all[j].Priority {
			return all[i].Priority < all[j].Priority
		}
		return all[i].ReceivedAt.Before(all[j].ReceivedAt)
	})

	victims := make(map[*Envelope]struct{}, n)
	for _, e := range all[:n] {
		victims[e] = struct{}{}
	}

	drop := func(list []*Envelope) []*Envelope {
		out := make([]*Envelope, 0, len(list))
		for _, e := range list {
			if _, ok := victims[e]; !ok {
				out = append(out, e)
			}
		}
		return out
	}
	q.sequenced = drop(q.sequenced)
	q.unsequenced = drop(q.unsequenced)
	return n
}

func (q *Queue) insertLocked(e *Envelope) {
	if e.Sequenced {
		i := sort.Search(len(q.sequenced), func(i int) bool {
			s := q.sequenced[i]
			if s.Sequence != e.Sequence {
				return s.Sequence > e.Sequence
			}
			return s.ReceivedAt.After(e.ReceivedAt)
		})
		q.sequenced = insertAt(q.sequenced, i, e)
		return
	}

	i := sort.Search(len(q.unsequenced), func(i int) bool {
		u := q.unsequenced[i]
		if u.Priority != e.Priority {
			return u.Priority < e.Priority
		}
		return u.queuedAt.After(e.queuedAt)
	})
	q.unsequenced = insertAt(q.unsequenced, i, e)
}

func insertAt(list []*Envelope, i int, e *Envelope) []*Envelope {
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

func (q *Queue) emit(diags []Diagnostic) {
	for _, d := range diags {
		q.sink.Record(d)
	}
}
