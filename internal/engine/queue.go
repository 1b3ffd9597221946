package engine

import (
	"sync"

	"github.com/roach88/gridflow/internal/coordinator"
	"github.com/roach88/gridflow/internal/runner"
)

// completion is a worker's report that a step invocation ended.
type completion struct {
	stepID string
	inputs []runner.Arg // adapted values the binding received
	result *coordinator.Result
	err    error
}

// completionQueue is a thread-safe FIFO of worker completions.
//
// Workers enqueue from their own goroutines; the executor's single-writer
// loop dequeues. The queue is unbounded so a finishing worker never blocks
// on a busy scheduler.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the scheduler loop.
type completionQueue struct {
	mu     sync.Mutex
	items  []completion
	closed bool
	signal chan struct{} // Signals availability (buffered, size 1)
}

func newCompletionQueue() *completionQueue {
	return &completionQueue{
		items:  make([]completion, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a completion to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *completionQueue) Enqueue(c completion) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, c)

	// Non-blocking: the buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front completion without blocking.
func (q *completionQueue) TryDequeue() (completion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return completion{}, false
	}
	c := q.items[0]
	// Clear the slot so the backing array does not pin outputs.
	q.items[0] = completion{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return c, true
}

// Wait returns a channel that signals when completions may be available.
func (q *completionQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *completionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further completions and wakes waiters.
func (q *completionQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
