package capture

import (
	"context"
	"testing"
	"time"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/camera"
)

func frameSeq(seq uint64) camera.Frame {
	return camera.Frame{Sequence: seq, Data: []byte{1}}
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(4)
	for i := uint64(1); i <= 3; i++ {
		if evicted := q.Push(frameSeq(i)); evicted {
			t.Fatalf("unexpected eviction at %d", i)
		}
	}
	for i := uint64(1); i <= 3; i++ {
		f, ok := q.TryPop()
		if !ok || f.Sequence != i {
			t.Fatalf("pop %d: ok=%v seq=%d", i, ok, f.Sequence)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestQueue_DropOldestOnFull(t *testing.T) {
	q := NewQueue(2)
	q.Push(frameSeq(1))
	q.Push(frameSeq(2))

	// Each push past capacity evicts exactly one oldest frame.
	for i := uint64(3); i <= 5; i++ {
		if evicted := q.Push(frameSeq(i)); !evicted {
			t.Fatalf("expected eviction pushing %d", i)
		}
	}
	if got := q.Dropped(); got != 3 {
		t.Fatalf("dropped=%d want 3", got)
	}
	if got := q.Len(); got != 2 {
		t.Fatalf("len=%d want 2", got)
	}

	// Survivors are the newest frames, still in order, delivered once.
	f1, _ := q.TryPop()
	f2, _ := q.TryPop()
	if f1.Sequence != 4 || f2.Sequence != 5 {
		t.Fatalf("survivors=%d,%d want 4,5", f1.Sequence, f2.Sequence)
	}
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewQueue(2)
	got := make(chan camera.Frame, 1)
	go func() {
		f, ok := q.Pop(context.Background())
		if ok {
			got <- f
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(frameSeq(7))

	select {
	case f := <-got:
		if f.Sequence != 7 {
			t.Fatalf("seq=%d want 7", f.Sequence)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Pop did not wake on Push")
	}
}

func TestQueue_PopObservesCancellation(t *testing.T) {
	q := NewQueue(2)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx)
		done <- ok
	}()

	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected ok=false on cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Pop did not observe cancellation")
	}
}
