package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
)

func fakePartitions(t *testing.T, mounts ...string) {
	t.Helper()
	old := partitionsFn
	partitionsFn = func() ([]disk.PartitionStat, error) {
		out := make([]disk.PartitionStat, 0, len(mounts))
		for _, m := range mounts {
			out = append(out, disk.PartitionStat{Mountpoint: m, Fstype: "vfat"})
		}
		return out, nil
	}
	t.Cleanup(func() { partitionsFn = old })
}

func TestSelect_PrefersRemovableMount(t *testing.T) {
	root := t.TempDir()
	mount := filepath.Join(root, "usb0")
	if err := os.MkdirAll(mount, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	fakePartitions(t, "/", mount)

	tgt, err := Select(Config{RemovableRoot: root, FallbackDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !tgt.Removable {
		t.Fatalf("expected removable target, got %+v", tgt)
	}
	if tgt.Dir != filepath.Join(mount, "bathycat") {
		t.Fatalf("dir=%q", tgt.Dir)
	}
	if st, err := os.Stat(tgt.Dir); err != nil || !st.IsDir() {
		t.Fatalf("target dir not created: %v", err)
	}
}

func TestSelect_FallsBackWhenNoMedium(t *testing.T) {
	fakePartitions(t, "/")
	fallback := filepath.Join(t.TempDir(), "imagery")

	tgt, err := Select(Config{RemovableRoot: "/nonexistent-media-root", FallbackDir: fallback})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if tgt.Removable {
		t.Fatalf("expected fallback target")
	}
	if tgt.Dir != fallback {
		t.Fatalf("dir=%q want %q", tgt.Dir, fallback)
	}
}

func TestSelect_NoMediumNoFallbackFails(t *testing.T) {
	fakePartitions(t, "/")
	_, err := Select(Config{RemovableRoot: "/nonexistent-media-root"})
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected storage.Error, got %v", err)
	}
}

func TestCheckHeadroom(t *testing.T) {
	dir := t.TempDir()

	old := usageFn
	usageFn = func(path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Free: 1024}, nil
	}
	t.Cleanup(func() { usageFn = old })

	if err := CheckHeadroom(dir, 512); err != nil {
		t.Fatalf("expected headroom ok: %v", err)
	}

	err := CheckHeadroom(dir, 4096)
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected storage.Error for low headroom, got %v", err)
	}

	if err := CheckHeadroom(filepath.Join(dir, "missing"), 1); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}
