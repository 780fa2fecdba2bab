package router

import (
	"context"
	"sync"
)

// GrowableBuffer is a thread-safe FIFO ring that doubles its capacity
// when it reaches 70% full. A bounded buffer stops growing at its limit
// and evicts the oldest item instead, so a stalled consumer cannot hold
// unbounded memory.
type GrowableBuffer[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	limit    int // 0 = unbounded
	closed   bool

	// Stats
	totalReceived int64
	totalSent     int64
	dropped       int64
	resizeCount   int
}

// NewGrowableBuffer creates an unbounded buffer with the given initial capacity.
func NewGrowableBuffer[T any](initialCapacity int) *GrowableBuffer[T] {
	return NewBoundedBuffer[T](initialCapacity, 0)
}

// NewBoundedBuffer creates a buffer that grows up to limit items.
// A limit <= 0 means unbounded.
func NewBoundedBuffer[T any](initialCapacity, limit int) *GrowableBuffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if limit > 0 && initialCapacity > limit {
		initialCapacity = limit
	}
	b := &GrowableBuffer[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		limit:    max(limit, 0),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send appends an item. Returns false if the buffer is closed.
func (b *GrowableBuffer[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	switch {
	case b.limit > 0 && b.count >= b.limit:
		b.popLocked()
		b.totalSent--
		b.dropped++
	case b.count+1 >= b.growThreshold():
		b.grow()
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.totalReceived++

	b.cond.Signal()
	return true
}

// Receive removes and returns the oldest item, blocking until one is
// available. Returns false once the buffer is closed and empty.
func (b *GrowableBuffer[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.popLocked(), true
}

// ReceiveContext is Receive that also gives up when ctx is done.
func (b *GrowableBuffer[T]) ReceiveContext(ctx context.Context) (T, bool) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed && ctx.Err() == nil {
		b.cond.Wait()
	}
	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.popLocked(), true
}

// TryReceive returns the oldest item without blocking.
func (b *GrowableBuffer[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.popLocked(), true
}

// DrainTo removes up to limit items (all when limit <= 0) in FIFO order.
func (b *GrowableBuffer[T]) DrainTo(limit int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if limit > 0 && limit < n {
		n = limit
	}

	result := make([]T, n)
	for i := range result {
		result[i] = b.popLocked()
	}
	return result
}

// Close stops further sends. Receivers get the remaining items and then
// the closed signal.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Len returns the current number of items in the buffer.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the current capacity of the buffer.
func (b *GrowableBuffer[T]) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:         b.count,
		Capacity:      b.capacity,
		Limit:         b.limit,
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		Dropped:       b.dropped,
		ResizeCount:   b.resizeCount,
	}
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count         int
	Capacity      int
	Limit         int
	TotalReceived int64
	TotalSent     int64
	Dropped       int64
	ResizeCount   int
}

func (b *GrowableBuffer[T]) popLocked() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // release reference
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.totalSent++
	return item
}

func (b *GrowableBuffer[T]) growThreshold() int {
	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	return threshold
}

// grow doubles the capacity, clamped to limit. Must be called with lock held.
func (b *GrowableBuffer[T]) grow() {
	newCapacity := b.capacity * 2
	if b.limit > 0 && newCapacity > b.limit {
		newCapacity = b.limit
	}
	if newCapacity <= b.capacity {
		return
	}
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.capacity = newCapacity
	b.resizeCount++
}
