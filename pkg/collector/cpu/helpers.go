package cpu

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// procReadFile and procReadDir allow tests to stub /proc access.
var (
	procReadFile = os.ReadFile
	procReadDir  = os.ReadDir
	procRoot     = "/proc"
)

// statState extracts the single-letter scheduler state from a /proc/<pid>/stat line.
// The comm field may contain spaces and parens, so we anchor on the last ')'.
func statState(data []byte) (byte, error) {
	s := string(data)
	idx := strings.LastIndex(s, ")")
	if idx < 0 || idx+2 >= len(s) {
		return 0, fmt.Errorf("malformed stat line")
	}
	fields := strings.Fields(s[idx+1:])
	if len(fields) == 0 || len(fields[0]) != 1 {
		return 0, fmt.Errorf("missing state field")
	}
	return fields[0][0], nil
}

// isRunnable is true for threads running on a CPU or waiting on uninterruptible IO.
func isRunnable(state byte) bool {
	return state == 'R' || state == 'D'
}

// RunnableThreads counts the threads of pid that are in R or D state.
// Threads that exit while we walk the task directory are ignored.
func RunnableThreads(pid int32) (int32, error) {
	taskDir := filepath.Join(procRoot, strconv.FormatInt(int64(pid), 10), "task")
	entries, err := procReadDir(taskDir)
	if err != nil {
		return 0, err
	}
	var n int32
	for _, entry := range entries {
		data, err := procReadFile(filepath.Join(taskDir, entry.Name(), "stat"))
		if err != nil {
			continue
		}
		state, err := statState(data)
		if err != nil {
			continue
		}
		if isRunnable(state) {
			n++
		}
	}
	return n, nil
}
