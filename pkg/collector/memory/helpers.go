package memory

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrPSSUnavailable is returned when proportional set size cannot be read,
// typically because the caller may not inspect another user's address space.
var ErrPSSUnavailable = errors.New("pss unavailable")

// procReadFile allows tests to stub reading /proc/PID/smaps_rollup.
var procReadFile = os.ReadFile

// parsePSS finds the "Pss:" line of an smaps_rollup file and returns it in bytes.
func parsePSS(data []byte) (uint64, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Pss:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("unexpected format for Pss")
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("Pss not found in smaps_rollup")
}
