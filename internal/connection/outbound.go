package connection

// outboundQueue is a bounded FIFO that drops its oldest message on overflow.
// It is guarded by the Manager's mutex.
type outboundQueue struct {
	items    []OutboundMessage
	capacity int
}

func newOutboundQueue(capacity int) *outboundQueue {
	return &outboundQueue{capacity: capacity}
}

// push appends msg. When the queue is full the oldest message is evicted and
// returned. A queue with no capacity rejects msg itself.
func (q *outboundQueue) push(msg OutboundMessage) (evicted OutboundMessage, ok bool) {
	if q.capacity <= 0 {
		return msg, true
	}
	if len(q.items) >= q.capacity {
		evicted, ok = q.items[0], true
		q.items[0] = OutboundMessage{}
		q.items = q.items[1:]
	}
	q.items = append(q.items, msg)
	return evicted, ok
}

// pop removes the oldest message.
func (q *outboundQueue) pop() (OutboundMessage, bool) {
	if len(q.items) == 0 {
		return OutboundMessage{}, false
	}
	msg := q.items[0]
	q.items[0] = OutboundMessage{}
	q.items = q.items[1:]
	return msg, true
}

func (q *outboundQueue) len() int {
	return len(q.items)
}
