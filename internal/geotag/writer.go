// Package geotag pairs captured frames with position snapshots and persists
// them: one image file plus one JSON sidecar per record.
package geotag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/camera"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/capture"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/gps"
	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/storage"
)

type Config struct {
	// PairingTolerance bounds |fix observation − frame capture| for a frame
	// to count as positioned.
	PairingTolerance time.Duration

	// WriteRetries bounds per-record retry attempts on storage failure
	// before the record is dropped.
	WriteRetries int

	// RetryBackoff is the wait between write retries.
	RetryBackoff time.Duration

	// MinFreeBytes is required headroom before each write.
	MinFreeBytes uint64

	// MaxConsecutiveDrops escalates a permanently unreachable target to the
	// orchestrator once this many records in a row failed all retries.
	MaxConsecutiveDrops int

	// FilePrefix names output files; defaults to "bathycat".
	FilePrefix string
}

// Sidecar is the per-image metadata document. Position fields are omitted
// entirely (not zero-filled) when the record is unpositioned.
type Sidecar struct {
	Filename   string `json:"filename"`
	CapturedAt string `json:"captured_at"`
	Sequence   uint64 `json:"sequence"`
	SizeBytes  int    `json:"size_bytes"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Format     string `json:"format,omitempty"`

	LatDeg         *float64 `json:"lat_deg,omitempty"`
	LonDeg         *float64 `json:"lon_deg,omitempty"`
	AltitudeM      *float64 `json:"altitude_m,omitempty"`
	FixQuality     string   `json:"fix_quality,omitempty"`
	PositionAgeSec *float64 `json:"position_age_sec,omitempty"`
}

type Snapshot struct {
	Written       uint64 `json:"written"`
	Unpositioned  uint64 `json:"unpositioned"`
	DroppedWrites uint64 `json:"dropped_writes"`
	Retries       uint64 `json:"retries"`

	LastFile  string `json:"last_file,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// PositionSource is the tracker view the writer needs.
type PositionSource interface {
	Snapshot() gps.Snapshot
}

// Writer is the single queue consumer. One worker keeps writes in capture
// sequence order.
type Writer struct {
	cfg   Config
	queue *capture.Queue
	src   PositionSource
	dir   string
	clk   clock.Clock

	mu   sync.Mutex
	snap Snapshot

	consecutiveDrops int
	fatalCh          chan error

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewWriter(cfg Config, queue *capture.Queue, src PositionSource, dir string, clk clock.Clock) *Writer {
	if cfg.PairingTolerance <= 0 {
		cfg.PairingTolerance = time.Second
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MaxConsecutiveDrops <= 0 {
		cfg.MaxConsecutiveDrops = 10
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = "bathycat"
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Writer{
		cfg:     cfg,
		queue:   queue,
		src:     src,
		dir:     dir,
		clk:     clk,
		fatalCh: make(chan error, 1),
		stopCh:  make(chan struct{}),
	}
}

// Fatal delivers at most one error when the storage target stays unreachable
// across many records' worth of retries.
func (w *Writer) Fatal() <-chan error {
	return w.fatalCh
}

func (w *Writer) Snapshot() Snapshot {
	if w == nil {
		return Snapshot{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap
}

func (w *Writer) Start(ctx context.Context) error {
	if w == nil {
		return fmt.Errorf("geotag: writer is nil")
	}
	if w.queue == nil {
		return fmt.Errorf("geotag: queue is nil")
	}
	if w.src == nil {
		return fmt.Errorf("geotag: position source is nil")
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return nil
}

func (w *Writer) run(ctx context.Context) {
	// Pop unblocks on ctx cancellation or explicit stop.
	popCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-popCtx.Done():
		}
	}()

	for {
		frame, ok := w.queue.Pop(popCtx)
		if !ok {
			return
		}
		w.process(popCtx, frame)
	}
}

// Drain writes whatever is still queued, bounded by ctx. Called by the
// orchestrator after frame production has stopped.
func (w *Writer) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n
		default:
		}
		frame, ok := w.queue.TryPop()
		if !ok {
			return n
		}
		w.process(ctx, frame)
		n++
	}
}

func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Writer) process(ctx context.Context, frame camera.Frame) {
	sc, positioned := w.buildSidecar(frame)

	var err error
	for attempt := 0; attempt <= w.cfg.WriteRetries; attempt++ {
		if attempt > 0 {
			w.mu.Lock()
			w.snap.Retries++
			w.mu.Unlock()
			select {
			case <-ctx.Done():
				// Shutdown mid-retry: the record is dropped and accounted.
				w.recordDrop(err)
				return
			case <-w.clk.After(w.cfg.RetryBackoff):
			}
		}
		err = w.writeRecord(sc, frame)
		if err == nil {
			w.mu.Lock()
			w.snap.Written++
			if !positioned {
				w.snap.Unpositioned++
			}
			w.snap.LastFile = sc.Filename
			w.snap.LastError = ""
			w.mu.Unlock()
			w.consecutiveDrops = 0
			return
		}
		var serr *storage.Error
		if !errors.As(err, &serr) {
			// Non-storage failures are not retryable.
			break
		}
		log.Printf("geotag write retry=%d file=%s: %v", attempt+1, sc.Filename, err)
	}

	w.recordDrop(err)
}

func (w *Writer) recordDrop(err error) {
	w.mu.Lock()
	w.snap.DroppedWrites++
	if err != nil {
		w.snap.LastError = err.Error()
	}
	w.mu.Unlock()

	w.consecutiveDrops++
	if w.consecutiveDrops >= w.cfg.MaxConsecutiveDrops {
		select {
		case w.fatalCh <- fmt.Errorf("geotag: storage unreachable for %d consecutive records: %w", w.consecutiveDrops, err):
		default:
		}
	}
}

// buildSidecar pairs the frame with the freshest snapshot. The snapshot is
// accepted only if valid and observed within the pairing tolerance of the
// frame's capture time; otherwise the record is unpositioned but still
// written — missing position never blocks image preservation.
func (w *Writer) buildSidecar(frame camera.Frame) (Sidecar, bool) {
	sc := Sidecar{
		Filename:   w.filename(frame),
		CapturedAt: frame.CapturedAt.UTC().Format(time.RFC3339Nano),
		Sequence:   frame.Sequence,
		SizeBytes:  len(frame.Data),
		Width:      frame.Width,
		Height:     frame.Height,
		Format:     frame.Format,
	}

	fix := w.src.Snapshot()
	if !fix.Valid {
		return sc, false
	}
	delta := frame.CapturedAt.Sub(fix.ObservedAt)
	if delta < 0 {
		delta = -delta
	}
	if delta > w.cfg.PairingTolerance {
		return sc, false
	}

	lat, lon := fix.LatDeg, fix.LonDeg
	sc.LatDeg = &lat
	sc.LonDeg = &lon
	sc.AltitudeM = fix.AltitudeM
	sc.FixQuality = fix.Quality
	age := delta.Seconds()
	sc.PositionAgeSec = &age
	return sc, true
}

func (w *Writer) filename(frame camera.Frame) string {
	ext := ".raw"
	if strings.Contains(strings.ToUpper(frame.Format), "JPEG") {
		ext = ".jpg"
	}
	stamp := frame.CapturedAt.UTC().Format("20060102T150405.000000Z")
	return fmt.Sprintf("%s_%s_%06d%s", w.cfg.FilePrefix, stamp, frame.Sequence, ext)
}

// writeRecord persists image + sidecar. Both go to temporary names first and
// are renamed into place, so a crash mid-write never leaves a half-written
// artifact visible under the final name.
func (w *Writer) writeRecord(sc Sidecar, frame camera.Frame) error {
	if err := storage.CheckHeadroom(w.dir, w.cfg.MinFreeBytes); err != nil {
		return err
	}

	imgPath := filepath.Join(w.dir, sc.Filename)
	if err := atomicWrite(imgPath, frame.Data); err != nil {
		return err
	}

	meta, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("geotag: marshal sidecar: %w", err)
	}
	stem := strings.TrimSuffix(sc.Filename, filepath.Ext(sc.Filename))
	if err := atomicWrite(filepath.Join(w.dir, stem+".json"), append(meta, '\n')); err != nil {
		return err
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &storage.Error{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return &storage.Error{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// PositionAge converts the sidecar's stored age back into a duration.
// Mostly a convenience for tests and tooling.
func (s Sidecar) PositionAge() (time.Duration, bool) {
	if s.PositionAgeSec == nil {
		return 0, false
	}
	return time.Duration(math.Round(*s.PositionAgeSec * float64(time.Second))), true
}
