package gps

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	serial "github.com/jacobsa/go-serial/serial"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/nmea"
)

// Config controls the serial NMEA reader.
//
// Device may be empty to auto-detect the first /dev/ttyACM* or /dev/ttyUSB*
// that exists. Baud defaults to 9600, which matches the u-blox receivers
// this system ships with.
type Config struct {
	Enable bool

	Device string
	Baud   int

	// StalenessCeiling bounds how old a fix may be and still count as valid.
	StalenessCeiling time.Duration
}

// openPort is a seam for tests; production goes through jacobsa/go-serial.
var openPort = func(device string, baud int) (io.ReadCloser, error) {
	return serial.Open(serial.OpenOptions{
		PortName:        device,
		BaudRate:        uint(baud),
		DataBits:        8,
		StopBits:        1,
		ParityMode:      serial.PARITY_NONE,
		MinimumReadSize: 1,
	})
}

// Service owns the serial reader worker and the Tracker it feeds.
//
// Failures are best-effort: a dead or missing receiver must never bring the
// image path down, so read errors reopen the port with backoff and are
// reported only through the snapshot.
type Service struct {
	cfg Config

	tracker *Tracker

	mu     sync.Mutex
	cancel context.CancelFunc
	closer io.Closer
	wg     sync.WaitGroup
}

func New(cfg Config, clk clock.Clock) *Service {
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	return &Service{
		cfg:     cfg,
		tracker: NewTracker(cfg.StalenessCeiling, clk),
	}
}

// Tracker exposes the position state for the geotagger and clock
// synchronizer. Safe for concurrent use.
func (s *Service) Tracker() *Tracker {
	if s == nil {
		return nil
	}
	return s.tracker
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	return s.tracker.Snapshot()
}

func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("gps: service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	if ctx == nil {
		return fmt.Errorf("gps: ctx is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	device := strings.TrimSpace(s.cfg.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			s.tracker.setError("gps auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
			return fmt.Errorf("gps: auto-detect failed")
		}
	}

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.tracker.setMeta(true, device, s.cfg.Baud)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(childCtx, device)
	}()
	return nil
}

func (s *Service) readLoop(ctx context.Context, device string) {
	backoff := 250 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		port, err := openPort(device, s.cfg.Baud)
		if err != nil {
			s.tracker.setError(fmt.Sprintf("gps open failed device=%s baud=%d: %v", device, s.cfg.Baud, err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = 250 * time.Millisecond

		s.mu.Lock()
		s.closer = port
		s.mu.Unlock()

		log.Printf("gps reading device=%s baud=%d", device, s.cfg.Baud)
		s.scanLines(ctx, port)
		_ = port.Close()

		// Reopen after a short pause; an unplugged receiver otherwise spins.
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

func (s *Service) scanLines(ctx context.Context, port io.Reader) {
	scanner := bufio.NewScanner(port)
	// NMEA sentences are typically < 82 chars, but allow headroom for chatter.
	scanner.Buffer(make([]byte, 0, 256), 4096)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !scanner.Scan() {
			err := scanner.Err()
			if err == nil {
				err = io.EOF
			}
			s.tracker.setError(fmt.Sprintf("gps read stopped: %v", err))
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// Some receivers emit non-NMEA chatter; filter cheaply.
		if !strings.HasPrefix(line, "$") {
			continue
		}

		sent, perr := nmea.Parse(line)
		if perr != nil {
			s.tracker.RecordRejected(perr)
			continue
		}
		s.tracker.Update(sent)
	}
}

// Close stops the reader. Shutdown interrupts a blocked read by closing the
// port out from under the scanner.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	closer := s.closer
	s.cancel = nil
	s.closer = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closer != nil {
		_ = closer.Close()
	}
	s.wg.Wait()
}

func autoDetectDevice() string {
	candidates := []string{}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
