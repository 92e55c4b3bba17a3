package timesync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/gps"
)

type fakeSource struct {
	snap gps.Snapshot
}

func (f *fakeSource) Snapshot() gps.Snapshot { return f.snap }

type fakeOS struct {
	setCalls   int
	lastSet    time.Time
	setErr     error
	ntpEnabled bool
	ntpCalls   []bool
}

func installFakeOS(t *testing.T, f *fakeOS) {
	t.Helper()
	oldSet := setSystemClock
	oldActive := ntpActive
	oldSetNTP := setNTP
	setSystemClock = func(target time.Time) error {
		f.setCalls++
		f.lastSet = target
		return f.setErr
	}
	ntpActive = func(ctx context.Context) (bool, error) { return f.ntpEnabled, nil }
	setNTP = func(ctx context.Context, enable bool) error {
		f.ntpCalls = append(f.ntpCalls, enable)
		return nil
	}
	t.Cleanup(func() {
		setSystemClock = oldSet
		ntpActive = oldActive
		setNTP = oldSetNTP
	})
}

func qualifyingSnapshot(mock *clock.Mock, drift time.Duration) gps.Snapshot {
	now := mock.Now()
	return gps.Snapshot{
		Valid:          true,
		HasPosition:    true,
		HasTime:        true,
		Quality:        "gps",
		Time:           now.Add(-drift),
		TimeObservedAt: now,
		ObservedAt:     now,
	}
}

func TestEvaluate_BelowThresholdDoesNotCorrect(t *testing.T) {
	mock := clock.NewMock()
	f := &fakeOS{}
	installFakeOS(t, f)

	src := &fakeSource{snap: qualifyingSnapshot(mock, 500*time.Millisecond)}
	svc := New(Config{Enable: true, DriftThreshold: 2 * time.Second}, src, mock)

	svc.evaluate(context.Background())
	if f.setCalls != 0 {
		t.Fatalf("expected no correction, got %d", f.setCalls)
	}
	snap := svc.Snapshot()
	if snap.Corrections != 0 {
		t.Fatalf("corrections=%d", snap.Corrections)
	}
	if snap.LastDriftSec == 0 {
		t.Fatalf("expected measured drift to be recorded")
	}
}

func TestEvaluate_CorrectsAndCoordinatesNTP(t *testing.T) {
	mock := clock.NewMock()
	f := &fakeOS{ntpEnabled: true}
	installFakeOS(t, f)

	src := &fakeSource{snap: qualifyingSnapshot(mock, 10*time.Second)}
	svc := New(Config{Enable: true, DriftThreshold: 2 * time.Second}, src, mock)

	svc.evaluate(context.Background())

	if f.setCalls != 1 {
		t.Fatalf("setCalls=%d want 1", f.setCalls)
	}
	wantTarget := mock.Now().Add(-10 * time.Second)
	if !f.lastSet.Equal(wantTarget) {
		t.Fatalf("set target=%v want %v", f.lastSet, wantTarget)
	}
	if len(f.ntpCalls) != 2 || f.ntpCalls[0] || !f.ntpCalls[1] {
		t.Fatalf("ntp calls=%v want [false true]", f.ntpCalls)
	}
	if svc.Snapshot().Corrections != 1 {
		t.Fatalf("corrections=%d want 1", svc.Snapshot().Corrections)
	}
}

func TestEvaluate_AtMostOneCorrectionPerCooldown(t *testing.T) {
	mock := clock.NewMock()
	f := &fakeOS{}
	installFakeOS(t, f)

	src := &fakeSource{}
	svc := New(Config{Enable: true, DriftThreshold: 2 * time.Second, Cooldown: time.Minute}, src, mock)

	for i := 0; i < 10; i++ {
		src.snap = qualifyingSnapshot(mock, 10*time.Second)
		svc.evaluate(context.Background())
		mock.Add(time.Second)
	}
	if f.setCalls != 1 {
		t.Fatalf("setCalls=%d want 1 within cooldown", f.setCalls)
	}

	mock.Add(time.Minute)
	src.snap = qualifyingSnapshot(mock, 10*time.Second)
	svc.evaluate(context.Background())
	if f.setCalls != 2 {
		t.Fatalf("setCalls=%d want 2 after cooldown", f.setCalls)
	}
}

func TestEvaluate_FailureIsNonFatalAndCooled(t *testing.T) {
	mock := clock.NewMock()
	f := &fakeOS{setErr: fmt.Errorf("operation not permitted")}
	installFakeOS(t, f)

	src := &fakeSource{snap: qualifyingSnapshot(mock, 10*time.Second)}
	svc := New(Config{Enable: true, DriftThreshold: 2 * time.Second, Cooldown: time.Minute}, src, mock)

	svc.evaluate(context.Background())
	snap := svc.Snapshot()
	if snap.Corrections != 0 {
		t.Fatalf("corrections=%d want 0", snap.Corrections)
	}
	if snap.LastError == "" {
		t.Fatalf("expected recorded error")
	}

	// A failed attempt still consumes the cooldown: no tight retry loop.
	src.snap = qualifyingSnapshot(mock, 10*time.Second)
	svc.evaluate(context.Background())
	if f.setCalls != 1 {
		t.Fatalf("setCalls=%d want 1 (cooldown after failure)", f.setCalls)
	}
}

func TestEvaluate_SkipsInvalidOrTimelessFixes(t *testing.T) {
	mock := clock.NewMock()
	f := &fakeOS{}
	installFakeOS(t, f)

	src := &fakeSource{}
	svc := New(Config{Enable: true, DriftThreshold: 2 * time.Second}, src, mock)

	stale := qualifyingSnapshot(mock, 10*time.Second)
	stale.Valid = false
	src.snap = stale
	svc.evaluate(context.Background())

	timeless := qualifyingSnapshot(mock, 10*time.Second)
	timeless.HasTime = false
	src.snap = timeless
	svc.evaluate(context.Background())

	lowQuality := qualifyingSnapshot(mock, 10*time.Second)
	lowQuality.Quality = "none"
	src.snap = lowQuality
	svc.evaluate(context.Background())

	if f.setCalls != 0 {
		t.Fatalf("setCalls=%d want 0", f.setCalls)
	}
}

func TestService_RunLoopEvaluatesOnTicks(t *testing.T) {
	mock := clock.NewMock()
	f := &fakeOS{}
	installFakeOS(t, f)

	src := &fakeSource{snap: qualifyingSnapshot(mock, 10*time.Second)}
	svc := New(Config{Enable: true, DriftThreshold: 2 * time.Second, PollInterval: time.Second}, src, mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Let the goroutine reach the ticker before advancing mock time.
	time.Sleep(20 * time.Millisecond)
	mock.Add(time.Second)

	deadline := time.After(2 * time.Second)
	for f.setCalls == 0 {
		select {
		case <-deadline:
			t.Fatalf("expected a correction from the poll loop")
		case <-time.After(5 * time.Millisecond):
		}
	}

	svc.Close()
}
