//go:build !linux
// +build !linux

package memory

// PSSBytes always fails on platforms without smaps_rollup.
func PSSBytes(pid int32) (uint64, error) {
	return 0, ErrPSSUnavailable
}
