//go:build linux

package camera

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blackjack/webcam"
)

// Open brings up a V4L2 device. MJPEG is preferred when the camera offers
// it; otherwise the first advertised format is used as-is.
func Open(cfg Config) (Device, error) {
	if cfg.Device == "" {
		cfg.Device = "/dev/video0"
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 1920, 1080
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = 5 * time.Second
	}
	d := &v4l2Device{cfg: cfg}
	if err := d.open(); err != nil {
		return nil, err
	}
	return d, nil
}

type v4l2Device struct {
	cfg Config

	mu     sync.Mutex
	cam    *webcam.Webcam
	width  int
	height int
	format string
}

func (d *v4l2Device) open() error {
	cam, err := webcam.Open(d.cfg.Device)
	if err != nil {
		return fmt.Errorf("camera: open %s: %w", d.cfg.Device, err)
	}

	formats := cam.GetSupportedFormats()
	if len(formats) == 0 {
		_ = cam.Close()
		return fmt.Errorf("camera: %s advertises no formats", d.cfg.Device)
	}

	var pick webcam.PixelFormat
	var pickName string
	for pf, name := range formats {
		if pickName == "" {
			pick, pickName = pf, name
		}
		if strings.Contains(strings.ToUpper(name), "JPEG") {
			pick, pickName = pf, name
			break
		}
	}

	_, w, h, err := cam.SetImageFormat(pick, uint32(d.cfg.Width), uint32(d.cfg.Height))
	if err != nil {
		_ = cam.Close()
		return fmt.Errorf("camera: set format %s %dx%d: %w", pickName, d.cfg.Width, d.cfg.Height, err)
	}

	if err := cam.StartStreaming(); err != nil {
		_ = cam.Close()
		return fmt.Errorf("camera: start streaming: %w", err)
	}

	d.mu.Lock()
	d.cam = cam
	d.width = int(w)
	d.height = int(h)
	d.format = pickName
	d.mu.Unlock()
	return nil
}

func (d *v4l2Device) ReadFrame() Result {
	d.mu.Lock()
	cam := d.cam
	d.mu.Unlock()
	if cam == nil {
		return Result{Err: fmt.Errorf("camera: device not open")}
	}

	timeoutSec := uint32(d.cfg.FrameTimeout.Seconds())
	if timeoutSec == 0 {
		timeoutSec = 1
	}
	err := cam.WaitForFrame(timeoutSec)
	switch err.(type) {
	case nil:
	case *webcam.Timeout:
		return Result{Acquired: false}
	default:
		return Result{Err: err}
	}

	buf, err := cam.ReadFrame()
	if err != nil {
		return Result{Err: err}
	}
	// The V4L2 buffer is reused on the next read; the frame leaves this
	// package as an independent copy.
	data := make([]byte, len(buf))
	copy(data, buf)
	return Result{Acquired: true, Data: data}
}

func (d *v4l2Device) Reinit() error {
	d.mu.Lock()
	cam := d.cam
	d.cam = nil
	d.mu.Unlock()
	if cam != nil {
		_ = cam.StopStreaming()
		_ = cam.Close()
	}
	return d.open()
}

func (d *v4l2Device) Close() error {
	d.mu.Lock()
	cam := d.cam
	d.cam = nil
	d.mu.Unlock()
	if cam == nil {
		return nil
	}
	_ = cam.StopStreaming()
	return cam.Close()
}

func (d *v4l2Device) Resolution() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.width, d.height
}

func (d *v4l2Device) Format() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.format
}
