package capture

import (
	"context"
	"sync"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/camera"
)

// Queue is the bounded hand-off between the capture loop and the writer.
//
// Push never blocks: when the queue is full the oldest frame is evicted and
// counted, so a stalled writer can never back the capture loop up into the
// device. Pop blocks until a frame or cancellation. FIFO order is preserved,
// which is what keeps writes in capture-sequence order downstream.
type Queue struct {
	mu       sync.Mutex
	items    []camera.Frame
	capacity int
	dropped  uint64

	notify chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push enqueues f, evicting the oldest queued frame first when full.
// It reports whether an eviction happened.
func (q *Queue) Push(f camera.Frame) (evicted bool) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		// Drop-oldest: the frame at the head has waited longest and is the
		// least valuable under backpressure.
		q.items = q.items[1:]
		q.dropped++
		evicted = true
	}
	q.items = append(q.items, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// Pop blocks until a frame is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (camera.Frame, bool) {
	for {
		if f, ok := q.TryPop(); ok {
			return f, true
		}
		select {
		case <-ctx.Done():
			return camera.Frame{}, false
		case <-q.notify:
		}
	}
}

// TryPop is the non-blocking variant, used when draining at shutdown.
func (q *Queue) TryPop() (camera.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return camera.Frame{}, false
	}
	f := q.items[0]
	q.items = q.items[1:]
	return f, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped is the number of frames evicted by backpressure.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
