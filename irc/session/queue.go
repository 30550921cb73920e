package session

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrQueueFull   = errors.New("send queue full")
	ErrQueueClosed = errors.New("send queue closed")
)

// Queue is a bounded FIFO of outbound lines with many producers and a single
// consumer. Push never blocks. Once Complete is called the consumer drains
// what is buffered and every further Push is dropped. One slot beyond the
// capacity is held back for the closing line.
type Queue struct {
	lines    chan string
	capacity int

	mu       sync.Mutex
	complete bool

	highWater atomic.Int64
	overflows atomic.Uint64
	dropped   atomic.Uint64
}

// NewQueue creates a queue holding at most capacity lines
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{lines: make(chan string, capacity+1), capacity: capacity}
}

// Push enqueues line without blocking. It returns ErrQueueFull when the
// queue is at capacity and ErrQueueClosed after Complete. Both count the
// line as dropped.
func (q *Queue) Push(line string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.complete {
		q.dropped.Add(1)
		return ErrQueueClosed
	}

	// Only the consumer removes lines, so the depth cannot grow under the lock
	if len(q.lines) >= q.capacity {
		q.overflows.Add(1)
		q.dropped.Add(1)
		return ErrQueueFull
	}
	q.lines <- line
	q.observeDepth()
	return nil
}

// PushFinal enqueues the closing line into the reserved slot. It never
// counts an overflow; it fails only after Complete or when the reserved
// slot is already taken.
func (q *Queue) PushFinal(line string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.complete {
		q.dropped.Add(1)
		return ErrQueueClosed
	}
	select {
	case q.lines <- line:
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

func (q *Queue) observeDepth() {
	depth := int64(len(q.lines))
	for {
		hw := q.highWater.Load()
		if depth <= hw || q.highWater.CompareAndSwap(hw, depth) {
			return
		}
	}
}

// Enqueue reports whether line was accepted
func (q *Queue) Enqueue(line string) bool {
	return q.Push(line) == nil
}

// Complete marks the end of input. The consumer sees the channel close after
// the buffered lines. Repeated calls are no-ops.
func (q *Queue) Complete() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.complete {
		q.complete = true
		close(q.lines)
	}
}

// Completed reports whether Complete has been called
func (q *Queue) Completed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.complete
}

// Lines is the consumer side of the queue
func (q *Queue) Lines() <-chan string {
	return q.lines
}

// Depth returns the number of buffered lines
func (q *Queue) Depth() int { return len(q.lines) }

// Cap returns the queue capacity
func (q *Queue) Cap() int { return q.capacity }

// HighWater returns the largest depth observed
func (q *Queue) HighWater() int { return int(q.highWater.Load()) }

// Overflows returns how many pushes found the queue full
func (q *Queue) Overflows() uint64 { return q.overflows.Load() }

// Dropped returns how many lines were rejected for any reason
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
