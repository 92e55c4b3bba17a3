package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/camera"
)

// scriptedDevice returns queued results, then keeps returning the last one.
type scriptedDevice struct {
	mu      sync.Mutex
	script  []camera.Result
	reinits int
	// healAfterReinits makes Reinit succeed (and subsequent reads acquire)
	// once that many reinit calls happened; negative means never heal.
	healAfterReinits int
	reinitErr        error
	healed           bool
}

func (d *scriptedDevice) ReadFrame() camera.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.healed {
		return camera.Result{Acquired: true, Data: []byte{0xFF, 0xD8}}
	}
	if len(d.script) == 0 {
		return camera.Result{Err: errors.New("script exhausted")}
	}
	r := d.script[0]
	if len(d.script) > 1 {
		d.script = d.script[1:]
	}
	return r
}

func (d *scriptedDevice) Reinit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reinits++
	if d.healAfterReinits >= 0 && d.reinits >= d.healAfterReinits {
		d.healed = true
		return nil
	}
	if d.reinitErr == nil {
		return fmt.Errorf("reinit failed")
	}
	return d.reinitErr
}

func (d *scriptedDevice) Close() error           { return nil }
func (d *scriptedDevice) Resolution() (int, int) { return 1920, 1080 }
func (d *scriptedDevice) Format() string         { return "Motion-JPEG" }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting: %s", msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestLoop_CapturesWithIncreasingSequence(t *testing.T) {
	dev := &scriptedDevice{healAfterReinits: -1}
	dev.script = []camera.Result{{Acquired: true, Data: []byte{1}}}

	q := NewQueue(16)
	l := NewLoop(Config{Enable: true, TargetFPS: 200}, dev, q, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool { return l.Snapshot().Captured >= 3 }, "three captures")
	l.Close()

	var last uint64
	for {
		f, ok := q.TryPop()
		if !ok {
			break
		}
		if f.Sequence <= last {
			t.Fatalf("sequence not strictly increasing: %d after %d", f.Sequence, last)
		}
		last = f.Sequence
		if f.CapturedAt.IsZero() {
			t.Fatalf("missing capture timestamp")
		}
		if f.Width != 1920 || f.Height != 1080 {
			t.Fatalf("resolution=%dx%d", f.Width, f.Height)
		}
	}
	if last < 3 {
		t.Fatalf("last seq=%d want >=3", last)
	}
}

func TestLoop_FailureCausesCountedSeparately(t *testing.T) {
	dev := &scriptedDevice{healAfterReinits: -1}
	dev.script = []camera.Result{
		{Acquired: false},                       // not ready
		{Acquired: true, Data: nil},             // acquired but empty: distinct cause
		{Err: errors.New("ioctl failed")},       // device error
		{Acquired: true, Data: []byte{1, 2, 3}}, // then healthy forever
	}

	q := NewQueue(16)
	l := NewLoop(Config{Enable: true, TargetFPS: 500, FailureThreshold: 10}, dev, q, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool { return l.Snapshot().Captured >= 1 }, "recovery capture")
	l.Close()

	snap := l.Snapshot()
	if snap.FailuresNotReady != 1 {
		t.Fatalf("not_ready=%d want 1", snap.FailuresNotReady)
	}
	if snap.FailuresEmptyFrame != 1 {
		t.Fatalf("empty=%d want 1", snap.FailuresEmptyFrame)
	}
	if snap.FailuresDeviceError != 1 {
		t.Fatalf("device_error=%d want 1", snap.FailuresDeviceError)
	}
}

func TestLoop_DropOldestWhenWriterStalls(t *testing.T) {
	dev := &scriptedDevice{healAfterReinits: -1}
	dev.script = []camera.Result{{Acquired: true, Data: []byte{1}}}

	q := NewQueue(4)
	l := NewLoop(Config{Enable: true, TargetFPS: 500}, dev, q, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// No consumer: queue must cap out and evict, never block the loop.
	waitFor(t, func() bool { return l.Snapshot().Dropped >= 5 }, "evictions")
	l.Close()

	snap := l.Snapshot()
	if q.Len() != 4 {
		t.Fatalf("queue len=%d want 4", q.Len())
	}
	if snap.Captured != snap.Dropped+uint64(q.Len()) {
		t.Fatalf("captured=%d dropped=%d queued=%d: accounting mismatch",
			snap.Captured, snap.Dropped, q.Len())
	}
}

func TestLoop_ReinitRecoversDevice(t *testing.T) {
	dev := &scriptedDevice{healAfterReinits: 2}
	dev.script = []camera.Result{{Err: errors.New("device gone")}}

	q := NewQueue(16)
	l := NewLoop(Config{
		Enable:           true,
		TargetFPS:        500,
		FailureThreshold: 2,
		ReinitAttempts:   3,
		ReinitBackoff:    time.Millisecond,
	}, dev, q, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool { return l.Snapshot().Captured >= 1 }, "post-reinit capture")
	l.Close()

	if l.Snapshot().Reinits != 1 {
		t.Fatalf("reinits=%d want 1", l.Snapshot().Reinits)
	}
}

func TestLoop_EscalatesDeviceLost(t *testing.T) {
	dev := &scriptedDevice{healAfterReinits: -1}
	dev.script = []camera.Result{{Err: errors.New("device gone")}}

	q := NewQueue(16)
	l := NewLoop(Config{
		Enable:           true,
		TargetFPS:        500,
		FailureThreshold: 2,
		ReinitAttempts:   2,
		ReinitBackoff:    time.Millisecond,
	}, dev, q, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case err := <-l.Fatal():
		var lost *camera.DeviceLostError
		if !errors.As(err, &lost) {
			t.Fatalf("expected DeviceLostError, got %v", err)
		}
		if lost.Attempts != 2 {
			t.Fatalf("attempts=%d want 2", lost.Attempts)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected fatal escalation")
	}
	l.Close()

	if l.Snapshot().Running {
		t.Fatalf("loop should have stopped after device lost")
	}
}
