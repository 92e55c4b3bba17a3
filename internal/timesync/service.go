// Package timesync keeps the system clock aligned with GPS time.
//
// Survey hardware has no RTC battery and boots with a bogus date; once the
// receiver delivers a trustworthy fix the service performs a one-shot clock
// correction, pausing the network time client so the two do not fight.
package timesync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/gps"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/nmea"
)

// States of the correction machine.
const (
	StateIdle       = "idle"
	StateEvaluating = "evaluating"
	StateCorrecting = "correcting"
)

// Error is a failed clock correction. It is never fatal: the pipeline keeps
// running on uncorrected system time and retries after the cooldown.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("timesync: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Config struct {
	Enable bool

	// DriftThreshold is the minimum |system − GPS| divergence that triggers
	// a correction.
	DriftThreshold time.Duration

	// Cooldown bounds correction (and failed-correction retry) frequency.
	Cooldown time.Duration

	// PollInterval controls how often the tracker snapshot is evaluated.
	PollInterval time.Duration
}

type Snapshot struct {
	Enabled bool   `json:"enabled"`
	State   string `json:"state"`

	Corrections   uint64  `json:"corrections"`
	LastDriftSec  float64 `json:"last_drift_sec"`
	LastCorrected string  `json:"last_corrected_utc,omitempty"`
	LastError     string  `json:"last_error,omitempty"`
}

// PositionSource is the tracker view this service needs.
type PositionSource interface {
	Snapshot() gps.Snapshot
}

// Seams for tests and non-Linux builds.
var (
	setSystemClock = setSystemClockOS
	ntpActive      = systemdNTPActive
	setNTP         = systemdSetNTP
)

type Service struct {
	cfg Config
	src PositionSource
	clk clock.Clock

	mu          sync.Mutex
	snap        Snapshot
	lastAttempt time.Time
	attempted   bool

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, src PositionSource, clk clock.Clock) *Service {
	if cfg.DriftThreshold <= 0 {
		cfg.DriftThreshold = 2 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		cfg:    cfg,
		src:    src,
		clk:    clk,
		snap:   Snapshot{State: StateIdle},
		stopCh: make(chan struct{}),
	}
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("timesync: service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	if s.src == nil {
		return fmt.Errorf("timesync: position source is nil")
	}

	s.mu.Lock()
	s.snap.Enabled = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Service) run(ctx context.Context) {
	t := s.clk.Ticker(s.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-t.C:
			s.evaluate(ctx)
		}
	}
}

// Evaluate runs one Idle → Evaluating → (Correcting) → Idle pass.
func (s *Service) evaluate(ctx context.Context) {
	s.setState(StateEvaluating)
	defer s.setState(StateIdle)

	fix := s.src.Snapshot()
	if !fix.Valid || !fix.HasTime {
		return
	}
	if fix.FixQuality() < nmea.QualityGPS {
		return
	}

	now := s.clk.Now()

	// Project GPS time forward from when it was observed.
	gpsNow := fix.Time.Add(now.Sub(fix.TimeObservedAt))
	drift := now.Sub(gpsNow)
	if drift < 0 {
		drift = -drift
	}

	s.mu.Lock()
	s.snap.LastDriftSec = drift.Seconds()
	inCooldown := s.attempted && now.Sub(s.lastAttempt) < s.cfg.Cooldown
	s.mu.Unlock()

	if drift <= s.cfg.DriftThreshold || inCooldown {
		return
	}

	s.setState(StateCorrecting)
	s.mu.Lock()
	s.lastAttempt = now
	s.attempted = true
	s.mu.Unlock()

	if err := s.correct(ctx, gpsNow); err != nil {
		log.Printf("timesync correction failed drift=%s: %v", drift, err)
		s.mu.Lock()
		s.snap.LastError = err.Error()
		s.mu.Unlock()
		return
	}

	log.Printf("timesync corrected system clock drift=%s gps_time=%s", drift, gpsNow.UTC().Format(time.RFC3339Nano))
	s.mu.Lock()
	s.snap.Corrections++
	s.snap.LastCorrected = gpsNow.UTC().Format(time.RFC3339Nano)
	s.snap.LastError = ""
	s.mu.Unlock()
}

// correct sets the system clock to GPS time, suspending an active network
// time client around the step so it does not immediately slew the clock back.
func (s *Service) correct(ctx context.Context, target time.Time) error {
	wasActive, err := ntpActive(ctx)
	if err != nil {
		// No NTP client to coordinate with is fine; proceed with the set.
		wasActive = false
	}
	if wasActive {
		if err := setNTP(ctx, false); err != nil {
			return &Error{Op: "suspend ntp", Err: err}
		}
	}

	setErr := setSystemClock(target)

	if wasActive {
		if err := setNTP(ctx, true); err != nil {
			if setErr == nil {
				return &Error{Op: "resume ntp", Err: err}
			}
			log.Printf("timesync resume ntp failed after clock-set failure: %v", err)
		}
	}
	if setErr != nil {
		return &Error{Op: "set clock", Err: setErr}
	}
	return nil
}

func (s *Service) setState(state string) {
	s.mu.Lock()
	s.snap.State = state
	s.mu.Unlock()
}
