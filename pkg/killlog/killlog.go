// Package killlog writes one tab-separated file per enforcement episode under
// {dir}/{host}/.
package killlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/p69180/svadmin/pkg/report"
	"github.com/p69180/svadmin/pkg/types"
)

// TimeLayout names episode files. It sorts lexically within one timezone.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

var header = []string{"episode", "pid", "user", "command", "metric", "value", "outcome", "timestamp"}

// Writer creates kill log files for one host. Every Write produces a new file.
type Writer struct {
	dir  string
	host string
}

// New returns a Writer rooted at dir for host.
func New(dir, host string) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("kill log directory is required")
	}
	if host == "" {
		return nil, fmt.Errorf("kill log host is required")
	}
	return &Writer{dir: dir, host: host}, nil
}

// Dir returns the host partition, {dir}/{host}.
func (w *Writer) Dir() string {
	return filepath.Join(w.dir, w.host)
}

// Write creates {dir}/{host}/{at} exclusively and writes a header row plus one
// row per record. It fails if the file already exists.
func (w *Writer) Write(records []types.KillRecord, at time.Time) (string, error) {
	hostDir := w.Dir()
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return "", fmt.Errorf("creating kill log directory: %w", err)
	}
	path := filepath.Join(hostDir, at.Format(TimeLayout))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating kill log: %w", err)
	}

	cw := csv.NewWriter(f)
	cw.Comma = '\t'
	if err := cw.Write(header); err != nil {
		f.Close()
		return path, err
	}
	for _, r := range records {
		if err := cw.Write(row(r)); err != nil {
			f.Close()
			return path, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return path, fmt.Errorf("writing kill log: %w", err)
	}
	if err := f.Close(); err != nil {
		return path, fmt.Errorf("closing kill log: %w", err)
	}
	return path, nil
}

func row(r types.KillRecord) []string {
	return []string{
		r.Episode,
		strconv.FormatInt(int64(r.PID), 10),
		report.SanitizeField(r.User),
		report.SanitizeField(r.Command),
		r.Metric.String(),
		formatValue(r.Metric, r.Value),
		string(r.Outcome),
		r.Time.Format(TimeLayout),
	}
}

// formatValue writes bytes as integers and percentages with one decimal.
func formatValue(m types.Metric, v float64) string {
	if m.IsMemory() {
		return strconv.FormatUint(uint64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', 1, 64)
}
