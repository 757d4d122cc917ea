package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/attropy/attropy/internal/wire"
)

// errQueueFull is returned when a worker's outbound queue cannot accept a
// non-coalescible message. The event loop treats the worker as stalled.
var errQueueFull = errors.New("orchestrator: outbound queue full")

// outQueue is a per-worker outbound command queue with replace-newest
// semantics for UpdateBloom and UpdateConfig: a newer snapshot or config
// supersedes a pending one in place, so those kinds occupy at most one
// slot each. Start, Stop, and Ping never coalesce.
type outQueue struct {
	mu       sync.Mutex
	items    []any
	capacity int
	wake     chan struct{}
	closed   bool
}

func newOutQueue(capacity int) *outQueue {
	return &outQueue{capacity: capacity, wake: make(chan struct{}, 1)}
}

// push enqueues a message, coalescing where the protocol allows.
func (q *outQueue) push(msg any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("orchestrator: queue closed")
	}

	switch msg.(type) {
	case *wire.UpdateBloom, *wire.UpdateConfig:
		for i, pending := range q.items {
			if sameKind(pending, msg) {
				q.items[i] = msg
				q.signal()
				return nil
			}
		}
	}

	if len(q.items) >= q.capacity {
		return errQueueFull
	}
	q.items = append(q.items, msg)
	q.signal()
	return nil
}

func sameKind(a, b any) bool {
	switch a.(type) {
	case *wire.UpdateBloom:
		_, ok := b.(*wire.UpdateBloom)
		return ok
	case *wire.UpdateConfig:
		_, ok := b.(*wire.UpdateConfig)
		return ok
	}
	return false
}

func (q *outQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop blocks until a message is available, the queue is closed, or ctx is
// cancelled. The bool return is false when no message will ever arrive.
func (q *outQueue) pop(ctx context.Context) (any, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-q.wake:
		}
	}
}

// close wakes any blocked pop. Pending items are discarded once drained.
func (q *outQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// depth returns the number of queued messages.
func (q *outQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
