//go:build !linux

package timesync

import (
	"fmt"
	"time"
)

func setSystemClockOS(t time.Time) error {
	return fmt.Errorf("setting the system clock is only supported on linux")
}
