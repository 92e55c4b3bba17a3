//go:build linux

package timesync

import (
	"time"

	"golang.org/x/sys/unix"
)

// setSystemClockOS steps the kernel clock. Requires CAP_SYS_TIME; the
// failure surfaces as a non-fatal timesync error upstream.
func setSystemClockOS(t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	return unix.Settimeofday(&tv)
}
