//go:build linux
// +build linux

package memory

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// PSSBytes returns the proportional set size of pid from /proc/<pid>/smaps_rollup.
func PSSBytes(pid int32) (uint64, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d", pid)
	}
	path := filepath.Join("/proc", strconv.FormatInt(int64(pid), 10), "smaps_rollup")
	data, err := procReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPSSUnavailable, err)
	}
	// smaps_rollup is empty rather than unreadable for kernel threads.
	if len(data) == 0 {
		return 0, ErrPSSUnavailable
	}
	return parsePSS(data)
}
