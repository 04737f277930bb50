package task

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO of task ids. Claiming happens under the queue
// lock so tasks leave the queued state in submission order.
type queue struct {
	mu   sync.Mutex
	ids  []string
	wake chan struct{}
}

func newQueue() *queue {
	return &queue{wake: make(chan struct{}, 1)}
}

func (q *queue) push(id string) {
	q.mu.Lock()
	q.ids = append(q.ids, id)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next blocks until claim accepts an id or ctx is done. Ids rejected by claim
// (cancelled or evicted while waiting) are dropped.
func (q *queue) next(ctx context.Context, claim func(id string) bool) (string, bool) {
	for {
		if ctx.Err() != nil {
			return "", false
		}
		q.mu.Lock()
		for len(q.ids) > 0 {
			id := q.ids[0]
			q.ids[0] = ""
			q.ids = q.ids[1:]
			if claim(id) {
				more := len(q.ids) > 0
				q.mu.Unlock()
				if more {
					// Pass the wake-up on to the next idle worker.
					q.signal()
				}
				return id, true
			}
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return "", false
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}
