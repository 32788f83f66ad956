package transport

import (
	"sync"

	"github.com/comigor/voicecare/internal/protocol"
)

// queue is the bounded outbound FIFO. Beyond the bound it sheds the oldest
// audio chunk; control, init and text envelopes are never shed and may push
// the queue past its bound.
type queue struct {
	mu      sync.Mutex
	items   []protocol.Envelope
	limit   int
	seq     int64
	dropped int64

	ready chan struct{} // signalled on push, capacity 1
}

func newQueue(limit int) *queue {
	if limit <= 0 {
		limit = 256
	}
	return &queue{limit: limit, ready: make(chan struct{}, 1)}
}

// push stamps env with the next sequence number and enqueues it. It reports
// false when env itself was shed.
func (q *queue) push(env protocol.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.limit {
		if i := q.oldestDroppable(); i >= 0 {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.dropped++
		} else if env.Droppable() {
			q.dropped++
			return false
		}
	}

	q.seq++
	env.Sequence = q.seq
	q.items = append(q.items, env)
	q.signal()
	return true
}

// pushFront puts back an envelope whose write failed so it goes out first
// on the next socket. Sequence is kept.
func (q *queue) pushFront(env protocol.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]protocol.Envelope{env}, q.items...)
	q.signal()
}

func (q *queue) pop() (protocol.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return protocol.Envelope{}, false
	}
	env := q.items[0]
	q.items[0] = protocol.Envelope{}
	q.items = q.items[1:]
	return env, true
}

// stamp hands out a sequence number for a frame that bypasses the queue.
func (q *queue) stamp(env *protocol.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	env.Sequence = q.seq
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) droppedCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// clear discards everything and returns how many envelopes were lost.
func (q *queue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *queue) oldestDroppable() int {
	for i, e := range q.items {
		if e.Droppable() {
			return i
		}
	}
	return -1
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
