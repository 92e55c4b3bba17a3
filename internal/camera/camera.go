// Package camera defines the acquisition pipeline's contract with the image
// device and provides the V4L2 implementation used on the survey hardware.
package camera

import (
	"fmt"
	"time"
)

// Frame is one captured image. It is owned exclusively by the capture loop
// until queued, then exclusively by the writer; it is never mutated after
// hand-off.
type Frame struct {
	Data []byte

	// CapturedAt is the wall-clock capture time; the Go time value also
	// carries the monotonic reading taken at capture.
	CapturedAt time.Time

	// Sequence is strictly increasing per session, assigned by the capture
	// loop.
	Sequence uint64

	Width  int
	Height int
	Format string
}

// Result is the tagged outcome of one acquisition attempt.
//
// Acquired (device status) and len(Data) > 0 (payload) are deliberately
// independent conditions: a device can report success and still hand back an
// empty buffer, and the two failures must stay distinguishable.
type Result struct {
	Acquired bool
	Data     []byte
	Err      error
}

// Device is the pipeline's only contract with a camera.
type Device interface {
	// ReadFrame blocks until the next frame, a not-ready timeout, or a
	// device error.
	ReadFrame() Result

	// Reinit tears the device down and brings it back up after repeated
	// failures.
	Reinit() error

	Close() error

	Resolution() (width, height int)
	Format() string
}

// DeviceLostError is fatal to the capture component: the device kept failing
// through every reinitialize-and-retry cycle. The orchestrator decides
// whether to shut down or restart.
type DeviceLostError struct {
	Attempts int
	Last     error
}

func (e *DeviceLostError) Error() string {
	return fmt.Sprintf("camera: device lost after %d reinit attempts: %v", e.Attempts, e.Last)
}

func (e *DeviceLostError) Unwrap() error { return e.Last }

// Config selects and shapes the device.
type Config struct {
	Device string
	Width  int
	Height int

	// FrameTimeout bounds a single blocking wait for a frame.
	FrameTimeout time.Duration
}
