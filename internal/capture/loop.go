// Package capture drives the camera at a target frame rate and feeds the
// bounded queue the writer consumes from.
package capture

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/camera"
)

type Config struct {
	Enable bool

	TargetFPS float64

	// FailureThreshold is how many consecutive acquisition failures are
	// tolerated before the device is reinitialized.
	FailureThreshold int

	// ReinitAttempts bounds reinitialize-and-retry cycles before the device
	// is declared lost.
	ReinitAttempts int

	// ReinitBackoff is the initial wait between reinit attempts; it doubles
	// per attempt.
	ReinitBackoff time.Duration
}

type Snapshot struct {
	Enabled bool `json:"enabled"`
	Running bool `json:"running"`

	Captured uint64 `json:"captured"`
	// Dropped counts queue evictions under backpressure.
	Dropped uint64 `json:"dropped"`

	// The three failure causes are deliberately counted apart: a device that
	// says "acquired" but hands back an empty buffer is a different defect
	// than one that reports not-ready or errors outright.
	FailuresNotReady    uint64 `json:"failures_not_ready"`
	FailuresEmptyFrame  uint64 `json:"failures_empty_frame"`
	FailuresDeviceError uint64 `json:"failures_device_error"`

	Reinits uint64 `json:"reinits"`

	TargetFPS   float64 `json:"target_fps"`
	AchievedFPS float64 `json:"achieved_fps"`

	LastError string `json:"last_error,omitempty"`
}

// Loop paces acquisition and owns the device.
type Loop struct {
	cfg   Config
	dev   camera.Device
	queue *Queue
	clk   clock.Clock

	mu        sync.Mutex
	snap      Snapshot
	startedAt time.Time
	seq       uint64

	fatalCh chan error

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewLoop(cfg Config, dev camera.Device, queue *Queue, clk clock.Clock) *Loop {
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = 2
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ReinitAttempts <= 0 {
		cfg.ReinitAttempts = 3
	}
	if cfg.ReinitBackoff <= 0 {
		cfg.ReinitBackoff = time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Loop{
		cfg:     cfg,
		dev:     dev,
		queue:   queue,
		clk:     clk,
		snap:    Snapshot{TargetFPS: cfg.TargetFPS},
		fatalCh: make(chan error, 1),
		stopCh:  make(chan struct{}),
	}
}

// Fatal delivers at most one DeviceLostError when the device cannot be
// recovered. The orchestrator listens on it to drive shutdown.
func (l *Loop) Fatal() <-chan error {
	return l.fatalCh
}

func (l *Loop) Snapshot() Snapshot {
	if l == nil {
		return Snapshot{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.snap
	if !l.startedAt.IsZero() {
		if elapsed := l.clk.Now().Sub(l.startedAt).Seconds(); elapsed > 0 {
			out.AchievedFPS = float64(out.Captured) / elapsed
		}
	}
	return out
}

func (l *Loop) Start(ctx context.Context) error {
	if l == nil {
		return fmt.Errorf("capture: loop is nil")
	}
	if !l.cfg.Enable {
		return nil
	}
	if l.dev == nil {
		return fmt.Errorf("capture: device is nil")
	}
	if l.queue == nil {
		return fmt.Errorf("capture: queue is nil")
	}

	l.mu.Lock()
	l.snap.Enabled = true
	l.snap.Running = true
	l.startedAt = l.clk.Now()
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()
	return nil
}

func (l *Loop) Close() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.snap.Running = false
		l.mu.Unlock()
	}()

	interval := time.Duration(float64(time.Second) / l.cfg.TargetFPS)
	width, height := l.dev.Resolution()
	format := l.dev.Format()

	consecutive := 0
	// Absolute deadline schedule: sleeping the remainder to the next
	// deadline (instead of a fixed interval) keeps sustained FPS on target
	// as per-frame capture latency varies.
	deadline := l.clk.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		default:
		}

		res := l.dev.ReadFrame()
		now := l.clk.Now()

		switch {
		case res.Err != nil:
			consecutive++
			l.recordFailure("device error", res.Err)
			l.mu.Lock()
			l.snap.FailuresDeviceError++
			l.mu.Unlock()
		case !res.Acquired:
			consecutive++
			l.recordFailure("frame not ready", nil)
			l.mu.Lock()
			l.snap.FailuresNotReady++
			l.mu.Unlock()
		case len(res.Data) == 0:
			// Acquired flag was set but the payload is empty: a distinct
			// failure, never folded into the not-ready case.
			consecutive++
			l.recordFailure("empty frame buffer", nil)
			l.mu.Lock()
			l.snap.FailuresEmptyFrame++
			l.mu.Unlock()
		default:
			consecutive = 0
			l.mu.Lock()
			l.seq++
			frame := camera.Frame{
				Data:       res.Data,
				CapturedAt: now,
				Sequence:   l.seq,
				Width:      width,
				Height:     height,
				Format:     format,
			}
			l.snap.Captured++
			l.mu.Unlock()

			if evicted := l.queue.Push(frame); evicted {
				l.mu.Lock()
				l.snap.Dropped++
				l.mu.Unlock()
			}
		}

		if consecutive >= l.cfg.FailureThreshold {
			if !l.reinit(ctx, res.Err) {
				return
			}
			consecutive = 0
			deadline = l.clk.Now()
			continue
		}

		deadline = deadline.Add(interval)
		sleep := deadline.Sub(l.clk.Now())
		if sleep <= 0 {
			// Capture ran longer than the frame interval; resynchronize
			// rather than trying to catch up with a burst.
			deadline = l.clk.Now()
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-l.clk.After(sleep):
		}
	}
}

// reinit runs bounded reinitialize-and-retry cycles with doubling backoff.
// It reports whether the device recovered; on false the loop is done and a
// DeviceLostError has been escalated.
func (l *Loop) reinit(ctx context.Context, lastErr error) bool {
	backoff := l.cfg.ReinitBackoff
	var err error
	for attempt := 1; attempt <= l.cfg.ReinitAttempts; attempt++ {
		log.Printf("capture reinitializing device attempt=%d/%d", attempt, l.cfg.ReinitAttempts)
		err = l.dev.Reinit()
		if err == nil {
			l.mu.Lock()
			l.snap.Reinits++
			l.snap.LastError = ""
			l.mu.Unlock()
			return true
		}
		l.recordFailure("reinit failed", err)

		select {
		case <-ctx.Done():
			return false
		case <-l.stopCh:
			return false
		case <-l.clk.After(backoff):
		}
		backoff *= 2
	}

	if err == nil {
		err = lastErr
	}
	lost := &camera.DeviceLostError{Attempts: l.cfg.ReinitAttempts, Last: err}
	log.Printf("capture giving up: %v", lost)
	l.mu.Lock()
	l.snap.LastError = lost.Error()
	l.mu.Unlock()
	select {
	case l.fatalCh <- lost:
	default:
	}
	return false
}

func (l *Loop) recordFailure(cause string, err error) {
	msg := "capture failure: " + cause
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	l.mu.Lock()
	l.snap.LastError = msg
	l.mu.Unlock()
}
