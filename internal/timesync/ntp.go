package timesync

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

const ntpCommandTimeout = 5 * time.Second

// systemdNTPActive reports whether systemd-timesyncd (or whatever timedatectl
// fronts) currently has NTP synchronization enabled.
func systemdNTPActive(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, ntpCommandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "timedatectl", "show", "--property=NTP", "--value").Output()
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) == "yes", nil
}

func systemdSetNTP(ctx context.Context, enable bool) error {
	ctx, cancel := context.WithTimeout(ctx, ntpCommandTimeout)
	defer cancel()

	arg := "false"
	if enable {
		arg = "true"
	}
	return exec.CommandContext(ctx, "timedatectl", "set-ntp", arg).Run()
}
