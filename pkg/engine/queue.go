package engine

import (
	"context"
	"io"
	"sync"

	"github.com/parlance-ai/sonicbridge/pkg/sonic"
)

// eventQueue bridges push-driven producers to the pull-based outbound
// sequence. Two signals are raced while the queue is empty: data-available
// and closing. Close wins ties, so a consumer woken by both observes the
// close first and terminates without draining further items.
type eventQueue struct {
	mu    sync.Mutex
	items []sonic.Envelope

	wake      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
}

// push appends one envelope and signals a waiting consumer. Items pushed
// after close are dropped.
func (q *eventQueue) push(env sonic.Envelope) bool {
	select {
	case <-q.closing:
		return false
	default:
	}

	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// next blocks until an envelope is available, the queue is closed, or ctx is
// cancelled. Returns io.EOF once closed.
func (q *eventQueue) next(ctx context.Context) (sonic.Envelope, error) {
	for {
		select {
		case <-q.closing:
			return sonic.Envelope{}, io.EOF
		default:
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items[0] = sonic.Envelope{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, nil
		}
		q.mu.Unlock()

		select {
		case <-q.closing:
			return sonic.Envelope{}, io.EOF
		case <-ctx.Done():
			return sonic.Envelope{}, ctx.Err()
		case <-q.wake:
			// Loop re-checks closing before popping so a close that raced
			// with this wake still wins.
		}
	}
}

// close fires the closing signal. Safe to call more than once.
func (q *eventQueue) close() {
	q.closeOnce.Do(func() { close(q.closing) })
}

// len reports the number of queued envelopes.
func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
