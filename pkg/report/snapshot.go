package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/p69180/svadmin/pkg/types"
)

// Snapshot is one node's usage report. It is what `snapshot --report json` prints.
type Snapshot struct {
	Host         string          `json:"host"`
	Time         time.Time       `json:"time"`
	Interval     float64         `json:"interval_seconds"`
	MemoryMetric string          `json:"memory_metric"`
	Users        []UserAggregate `json:"users"`
	TopCPU       []ProcMetrics   `json:"top_cpu"`
	TopMemory    []ProcMetrics   `json:"top_memory"`
}

// BuildSnapshot groups rows per user, every process counted, users ordered by
// resident memory, plus the topN processes by CPU and by memory.
func BuildSnapshot(host string, rows []ProcMetrics, interval time.Duration, topN int, at time.Time) Snapshot {
	for i := range rows {
		rows[i].Host = host
	}
	mem := ResolveMemoryMetric(rows, types.MetricPSS)
	users := RankUsers(AggregateByUser(rows, types.MetricRSS))
	for i := range users {
		users[i].Host = host
	}
	return Snapshot{
		Host:         host,
		Time:         at,
		Interval:     interval.Seconds(),
		MemoryMetric: mem.String(),
		Users:        users,
		TopCPU:       TopProcesses(rows, types.MetricCPU, topN),
		TopMemory:    TopProcesses(rows, mem, topN),
	}
}

// WriteSnapshot renders s as tables.
func WriteSnapshot(w io.Writer, s Snapshot, topN int) error {
	fmt.Fprintf(w, "Host: %s | Updated: %s | Window: %gs\n\n", s.Host, s.Time.Format(time.RFC3339), s.Interval)
	fmt.Fprintln(w, "[Per-user usage]")
	if err := WriteUserTable(w, s.Users, false); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n[Top %d CPU]\n", topN)
	if len(s.TopCPU) == 0 {
		fmt.Fprintln(w, "No CPU samples for this window")
	} else if err := WriteProcessTable(w, s.TopCPU); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n[Top %d memory by %s]\n", topN, s.MemoryMetric)
	if len(s.TopMemory) == 0 {
		fmt.Fprintln(w, "No processes")
		return nil
	}
	return WriteProcessTable(w, s.TopMemory)
}

// EncodeSnapshot writes s as one JSON line.
func EncodeSnapshot(w io.Writer, s Snapshot) error {
	return json.NewEncoder(w).Encode(s)
}

// MergeUsers concatenates per-node user rows in the given node order, tagging
// each with its host.
func MergeUsers(snaps []Snapshot) []UserAggregate {
	var out []UserAggregate
	for _, s := range snaps {
		for _, u := range s.Users {
			u.Host = s.Host
			out = append(out, u)
		}
	}
	return out
}
