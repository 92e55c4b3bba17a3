// Package storage selects and polices the directory imagery is written to:
// a removable medium when one is mounted, else a local fallback.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// Error is a storage-target failure (unmounted, full, unwritable). The
// writer retries it a bounded number of times; it is never fatal to the
// pipeline on its own.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Config struct {
	// RemovableRoot is where removable media appear (e.g. /media). Empty
	// disables removable detection.
	RemovableRoot string

	// FallbackDir is used when no removable medium is mounted.
	FallbackDir string

	// SubDir is created inside the selected mount for this system's output.
	SubDir string

	// MinFreeBytes is the write headroom the writer requires.
	MinFreeBytes uint64
}

// Target is the resolved output directory.
type Target struct {
	Dir       string `json:"dir"`
	Removable bool   `json:"removable"`
}

// Seams for tests; production goes through gopsutil.
var (
	partitionsFn = func() ([]disk.PartitionStat, error) { return disk.Partitions(false) }
	usageFn      = disk.Usage
)

// Select resolves the output directory, preferring a writable removable
// mount under RemovableRoot.
func Select(cfg Config) (Target, error) {
	if cfg.SubDir == "" {
		cfg.SubDir = "bathycat"
	}

	if cfg.RemovableRoot != "" {
		if mount := findRemovableMount(cfg.RemovableRoot); mount != "" {
			dir := filepath.Join(mount, cfg.SubDir)
			if err := ensureWritableDir(dir); err == nil {
				return Target{Dir: dir, Removable: true}, nil
			}
			// A readonly or failing medium falls through to the local disk;
			// losing a session to a bad USB stick is the worse outcome.
		}
	}

	if cfg.FallbackDir == "" {
		return Target{}, &Error{Op: "select", Path: cfg.RemovableRoot, Err: fmt.Errorf("no removable medium and no fallback configured")}
	}
	if err := ensureWritableDir(cfg.FallbackDir); err != nil {
		return Target{}, err
	}
	return Target{Dir: cfg.FallbackDir}, nil
}

func findRemovableMount(root string) string {
	parts, err := partitionsFn()
	if err != nil {
		return ""
	}
	prefix := strings.TrimSuffix(root, "/") + "/"
	for _, p := range parts {
		if strings.HasPrefix(p.Mountpoint, prefix) {
			return p.Mountpoint
		}
	}
	return ""
}

// ensureWritableDir creates dir if needed and proves writability with a
// probe file; a mounted-readonly medium passes MkdirAll but fails here.
func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Error{Op: "mkdir", Path: dir, Err: err}
	}
	probe := filepath.Join(dir, ".write_probe")
	if err := os.WriteFile(probe, []byte{}, 0o644); err != nil {
		return &Error{Op: "probe", Path: dir, Err: err}
	}
	_ = os.Remove(probe)
	return nil
}

// FreeBytes reports free space on the filesystem holding path.
func FreeBytes(path string) (uint64, error) {
	u, err := usageFn(path)
	if err != nil {
		return 0, &Error{Op: "statfs", Path: path, Err: err}
	}
	return u.Free, nil
}

// CheckHeadroom verifies the target is reachable and has at least min free
// bytes.
func CheckHeadroom(dir string, min uint64) error {
	st, err := os.Stat(dir)
	if err != nil {
		return &Error{Op: "stat", Path: dir, Err: err}
	}
	if !st.IsDir() {
		return &Error{Op: "stat", Path: dir, Err: fmt.Errorf("not a directory")}
	}
	free, err := FreeBytes(dir)
	if err != nil {
		return err
	}
	if free < min {
		return &Error{Op: "headroom", Path: dir, Err: fmt.Errorf("free=%d below minimum %d", free, min)}
	}
	return nil
}
