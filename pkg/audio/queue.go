package audio

import (
	"context"
	"sync/atomic"
	"time"
)

// Queue is a bounded FIFO of chunks. Push never blocks: when the queue is full
// the oldest chunk is discarded to make room, so a stalled consumer costs
// latency and dropped audio but never stalls the producer.
type Queue struct {
	ch      chan Chunk
	dropped atomic.Int64
}

// NewQueue creates a queue holding at most size chunks.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{ch: make(chan Chunk, size)}
}

// Push appends c, evicting the oldest chunk if needed. It reports whether a
// chunk was evicted.
func (q *Queue) Push(c Chunk) bool {
	evicted := false
	for {
		select {
		case q.ch <- c:
			return evicted
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			evicted = true
		default:
		}
	}
}

// Pop waits up to timeout for the next chunk. A non-positive timeout waits
// until a chunk arrives or ctx is done.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (Chunk, bool) {
	if timeout <= 0 {
		select {
		case c := <-q.ch:
			return c, true
		case <-ctx.Done():
			return Chunk{}, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-q.ch:
		return c, true
	case <-timer.C:
		return Chunk{}, false
	case <-ctx.Done():
		return Chunk{}, false
	}
}

// TryPop returns the next chunk without waiting.
func (q *Queue) TryPop() (Chunk, bool) {
	select {
	case c := <-q.ch:
		return c, true
	default:
		return Chunk{}, false
	}
}

// Drain discards every queued chunk without blocking and returns how many
// were removed.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// C exposes the receive side for use in a select.
func (q *Queue) C() <-chan Chunk {
	return q.ch
}

// Len returns the number of queued chunks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Dropped returns how many chunks were evicted by Push.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}
