// Package datagram implements the unreliable-transport connection: UDP
// I/O with per-message reliability flags, acknowledgements,
// retransmission, response correlation, and ordered delivery of reliable
// messages.
package datagram

import (
	"sync"

	"github.com/tempest-io/tempest"
)

// receiveQueue buffers reliable messages that arrive out of order and
// releases the longest in-order prefix starting at lastDelivered + 1.
// A gap holds the queue: later ids wait until the gap fills or the
// connection closes. Memory is O(buffered future ids).
type receiveQueue struct {
	mu            sync.Mutex
	lastDelivered uint32
	pending       map[uint32]*tempest.MessageEvent
}

func newReceiveQueue() *receiveQueue {
	return &receiveQueue{pending: make(map[uint32]*tempest.MessageEvent)}
}

// Enqueue accepts one (id, event) pair and returns the messages now
// deliverable, in id order. Duplicates (id <= lastDelivered) and ids
// already buffered are dropped.
func (q *receiveQueue) Enqueue(id uint32, ev *tempest.MessageEvent) []*tempest.MessageEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if id <= q.lastDelivered {
		return nil
	}
	if _, dup := q.pending[id]; dup {
		return nil
	}
	q.pending[id] = ev

	var ready []*tempest.MessageEvent
	for {
		next, ok := q.pending[q.lastDelivered+1]
		if !ok {
			break
		}
		delete(q.pending, q.lastDelivered+1)
		q.lastDelivered++
		ready = append(ready, next)
	}
	return ready
}

// Clear discards all buffered state on disconnect.
func (q *receiveQueue) Clear() {
	q.mu.Lock()
	q.pending = make(map[uint32]*tempest.MessageEvent)
	q.lastDelivered = 0
	q.mu.Unlock()
}
