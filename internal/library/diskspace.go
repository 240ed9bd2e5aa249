package library

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/disk"
)

// FreeSpace returns the free bytes on the volume holding path. The
// directory is created first so a fresh music root does not fail the
// lookup.
func FreeSpace(path string) (uint64, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return 0, fmt.Errorf("failed to create dir for space check: %w", err)
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("failed to check disk space: %w", err)
	}
	return usage.Free, nil
}

// EnoughSpace reports whether the volume holding path has at least
// minFree bytes available. Errors count as enough: a broken stat must
// not wedge dispatching.
func EnoughSpace(path string, minFree int64) bool {
	if minFree <= 0 {
		return true
	}
	free, err := FreeSpace(path)
	if err != nil {
		return true
	}
	return int64(free) >= minFree
}
