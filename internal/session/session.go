// Package session wires the pipeline together and owns its lifecycle: one
// Run is one acquisition session from storage selection to the summary file.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/camera"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/capture"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/config"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/geotag"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/gps"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/storage"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/telemetry"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/timesync"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/web"
)

// openCamera is a seam for tests; production opens the V4L2 device.
var openCamera = camera.Open

// StatusSnapshot is the aggregated view served by the web API and published
// over telemetry. Each component contributes its own snapshot; nothing here
// is a second copy of component state.
type StatusSnapshot struct {
	SessionID string  `json:"session_id"`
	StartedAt string  `json:"started_at_utc"`
	UptimeSec float64 `json:"uptime_sec"`

	Storage storage.Target `json:"storage"`

	GPS      gps.Snapshot       `json:"gps"`
	TimeSync timesync.Snapshot  `json:"timesync"`
	Capture  capture.Snapshot   `json:"capture"`
	Writer   geotag.Snapshot    `json:"writer"`
	Queue    int                `json:"queue_depth"`
	MQTT     telemetry.Snapshot `json:"mqtt"`
}

// Summary is the end-of-session accounting written next to the imagery.
type Summary struct {
	SessionID   string  `json:"session_id"`
	StartedAt   string  `json:"started_at_utc"`
	EndedAt     string  `json:"ended_at_utc"`
	DurationSec float64 `json:"duration_sec"`

	Storage storage.Target `json:"storage"`

	TargetFPS   float64 `json:"target_fps"`
	AchievedFPS float64 `json:"achieved_fps"`

	Captured      uint64 `json:"captured"`
	Dropped       uint64 `json:"dropped"`
	Written       uint64 `json:"written"`
	Unpositioned  uint64 `json:"unpositioned"`
	DroppedWrites uint64 `json:"dropped_writes"`
	Drained       int    `json:"drained"`

	SentencesParsed   uint64 `json:"sentences_parsed"`
	SentencesRejected uint64 `json:"sentences_rejected"`
	ClockCorrections  uint64 `json:"clock_corrections"`

	FatalError string `json:"fatal_error,omitempty"`
}

// Orchestrator builds and supervises the pipeline. Run blocks until the
// context is cancelled or a component reports an unrecoverable failure.
type Orchestrator struct {
	cfg config.Config
	clk clock.Clock
	id  string

	startedAt time.Time
	target    storage.Target

	gpsSvc *gps.Service
	tsSvc  *timesync.Service
	dev    camera.Device
	queue  *capture.Queue
	loop   *capture.Loop
	writer *geotag.Writer
	pub    *telemetry.Publisher
	srv    *web.Server

	startedCh chan struct{}
}

func New(cfg config.Config, clk clock.Clock) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	return &Orchestrator{
		cfg:       cfg,
		clk:       clk,
		id:        uuid.NewString(),
		startedCh: make(chan struct{}),
	}
}

// Started is closed once every component is running; accessors like Tracker
// and Status are safe to call after it fires.
func (o *Orchestrator) Started() <-chan struct{} {
	return o.startedCh
}

func (o *Orchestrator) SessionID() string { return o.id }

// Tracker exposes the position state; nil until Run has started the GPS
// service.
func (o *Orchestrator) Tracker() *gps.Tracker {
	return o.gpsSvc.Tracker()
}

// Position implements telemetry.Source.
func (o *Orchestrator) Position() gps.Snapshot {
	return o.gpsSvc.Snapshot()
}

// Status implements web.StatusSource and telemetry.Source.
func (o *Orchestrator) Status() any {
	return StatusSnapshot{
		SessionID: o.id,
		StartedAt: o.startedAt.UTC().Format(time.RFC3339),
		UptimeSec: o.clk.Now().Sub(o.startedAt).Seconds(),
		Storage:   o.target,
		GPS:       o.gpsSvc.Snapshot(),
		TimeSync:  o.tsSvc.Snapshot(),
		Capture:   o.loop.Snapshot(),
		Writer:    o.writer.Snapshot(),
		Queue:     o.queue.Len(),
		MQTT:      o.pub.Snapshot(),
	}
}

// Run executes one acquisition session. It returns nil on a clean
// (signal-driven) shutdown and the fatal error when a component escalated.
func (o *Orchestrator) Run(ctx context.Context) error {
	target, err := storage.Select(storage.Config{
		RemovableRoot: o.cfg.Storage.RemovableRoot,
		FallbackDir:   o.cfg.Storage.FallbackDir,
		SubDir:        o.cfg.Storage.SubDir,
	})
	if err != nil {
		return fmt.Errorf("session: no usable storage: %w", err)
	}
	o.target = target
	o.startedAt = o.clk.Now()
	log.Printf("session start id=%s dir=%s removable=%t", o.id, target.Dir, target.Removable)

	// GPS first: position and time feed everything downstream. A missing
	// receiver degrades the session (unpositioned imagery), never aborts it.
	o.gpsSvc = gps.New(gps.Config{
		Enable:           o.cfg.GPS.Enable,
		Device:           o.cfg.GPS.Device,
		Baud:             o.cfg.GPS.Baud,
		StalenessCeiling: o.cfg.GPS.StalenessCeiling,
	}, o.clk)
	if err := o.gpsSvc.Start(ctx); err != nil {
		log.Printf("session: gps unavailable, continuing unpositioned: %v", err)
	}

	o.tsSvc = timesync.New(timesync.Config{
		Enable:         o.cfg.TimeSync.Enable,
		DriftThreshold: o.cfg.TimeSync.DriftThreshold,
		Cooldown:       o.cfg.TimeSync.Cooldown,
		PollInterval:   o.cfg.TimeSync.PollInterval,
	}, o.gpsSvc.Tracker(), o.clk)
	if err := o.tsSvc.Start(ctx); err != nil {
		o.gpsSvc.Close()
		return fmt.Errorf("session: timesync: %w", err)
	}

	// The camera is the one component worth failing the session for: a
	// seabed imager that cannot image has nothing to do.
	dev, err := openCamera(camera.Config{
		Device:       o.cfg.Camera.Device,
		Width:        o.cfg.Camera.Width,
		Height:       o.cfg.Camera.Height,
		FrameTimeout: o.cfg.Camera.FrameTimeout,
	})
	if err != nil {
		o.tsSvc.Close()
		o.gpsSvc.Close()
		return fmt.Errorf("session: open camera: %w", err)
	}
	o.dev = dev

	o.queue = capture.NewQueue(o.cfg.Capture.QueueCapacity)
	// Capture is never optional: a seabed imager exists to image.
	o.loop = capture.NewLoop(capture.Config{
		Enable:           true,
		TargetFPS:        o.cfg.Capture.TargetFPS,
		FailureThreshold: o.cfg.Capture.FailureThreshold,
		ReinitAttempts:   o.cfg.Capture.ReinitAttempts,
		ReinitBackoff:    o.cfg.Capture.ReinitBackoff,
	}, dev, o.queue, o.clk)

	o.writer = geotag.NewWriter(geotag.Config{
		PairingTolerance:    o.cfg.Writer.PairingTolerance,
		WriteRetries:        o.cfg.Writer.WriteRetries,
		RetryBackoff:        o.cfg.Writer.RetryBackoff,
		MinFreeBytes:        o.cfg.Writer.MinFreeBytes,
		MaxConsecutiveDrops: o.cfg.Writer.MaxConsecutiveDrops,
		FilePrefix:          o.cfg.Writer.FilePrefix,
	}, o.queue, o.gpsSvc.Tracker(), target.Dir, o.clk)

	// The writer outlives ctx so cancellation cannot strand queued frames;
	// it is stopped explicitly in the shutdown sequence below.
	if err := o.writer.Start(context.Background()); err != nil {
		o.dev.Close()
		o.tsSvc.Close()
		o.gpsSvc.Close()
		return fmt.Errorf("session: writer: %w", err)
	}
	if err := o.loop.Start(ctx); err != nil {
		o.shutdown(err)
		return fmt.Errorf("session: capture loop: %w", err)
	}

	o.pub = telemetry.New(telemetry.Config{
		Enable:      o.cfg.Telemetry.Enable,
		Broker:      o.cfg.Telemetry.Broker,
		ClientID:    o.cfg.Telemetry.ClientID,
		TopicPrefix: o.cfg.Telemetry.TopicPrefix,
		Interval:    o.cfg.Telemetry.Interval,
	}, o, o.clk)
	if err := o.pub.Start(ctx); err != nil {
		log.Printf("session: telemetry disabled: %v", err)
	}

	o.srv = web.NewServer(web.Config{Enable: o.cfg.Web.Enable, Listen: o.cfg.Web.Listen}, o)
	if err := o.srv.Start(ctx); err != nil {
		log.Printf("session: web disabled: %v", err)
	}

	close(o.startedCh)

	var fatal error
	select {
	case <-ctx.Done():
	case fatal = <-o.loop.Fatal():
		log.Printf("session: capture fatal: %v", fatal)
	case fatal = <-o.writer.Fatal():
		log.Printf("session: writer fatal: %v", fatal)
	}

	o.shutdown(fatal)
	return fatal
}

// shutdown stops the pipeline in dependency order: production first, then
// the queue is drained through the writer, then time sync, GPS last so
// frames flushed during the drain still pair against a live position.
func (o *Orchestrator) shutdown(fatal error) {
	o.loop.Close()

	o.writer.Close()
	drainCtx, cancel := context.WithTimeout(context.Background(), o.cfg.Session.DrainTimeout)
	drained := o.writer.Drain(drainCtx)
	cancel()
	if left := o.queue.Len(); left > 0 {
		log.Printf("session: drain timeout, %d frames abandoned", left)
	}

	o.pub.Close()
	o.srv.Close()
	o.tsSvc.Close()
	o.gpsSvc.Close()
	if o.dev != nil {
		_ = o.dev.Close()
	}

	sum := o.summarize(drained, fatal)
	if err := o.writeSummary(sum); err != nil {
		log.Printf("session: write summary: %v", err)
	}
	log.Printf("session end id=%s duration=%.1fs captured=%d written=%d dropped=%d",
		o.id, sum.DurationSec, sum.Captured, sum.Written, sum.Dropped)
}

func (o *Orchestrator) summarize(drained int, fatal error) Summary {
	ended := o.clk.Now()
	cl := o.loop.Snapshot()
	wr := o.writer.Snapshot()
	fix := o.gpsSvc.Snapshot()
	ts := o.tsSvc.Snapshot()

	sum := Summary{
		SessionID:   o.id,
		StartedAt:   o.startedAt.UTC().Format(time.RFC3339),
		EndedAt:     ended.UTC().Format(time.RFC3339),
		DurationSec: ended.Sub(o.startedAt).Seconds(),
		Storage:     o.target,

		TargetFPS:   cl.TargetFPS,
		AchievedFPS: cl.AchievedFPS,

		Captured:      cl.Captured,
		Dropped:       cl.Dropped,
		Written:       wr.Written,
		Unpositioned:  wr.Unpositioned,
		DroppedWrites: wr.DroppedWrites,
		Drained:       drained,

		SentencesParsed:   fix.SentencesParsed,
		SentencesRejected: fix.SentencesRejected,
		ClockCorrections:  ts.Corrections,
	}
	if fatal != nil {
		sum.FatalError = fatal.Error()
	}
	return sum
}

func (o *Orchestrator) writeSummary(sum Summary) error {
	b, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(o.target.Dir, fmt.Sprintf("session_%s.json", o.id))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
