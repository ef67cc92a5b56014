package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/p69180/svadmin/pkg/types"
)

const gib = 1 << 30

// FormatGB renders bytes as gigabytes with three decimals.
func FormatGB(b uint64) string {
	return strconv.FormatFloat(float64(b)/gib, 'f', 3, 64)
}

// FormatMBps renders a byte rate as MB/s.
func FormatMBps(bps float64) string {
	return strconv.FormatFloat(bps/(1<<20), 'f', 3, 64)
}

// FormatValue renders a metric value in its natural unit.
func FormatValue(m types.Metric, v float64) string {
	if m.IsMemory() {
		return FormatGB(uint64(v)) + "G"
	}
	return strconv.FormatFloat(v, 'f', 1, 64) + "%"
}

// WriteUserTable prints one row per user followed by a SUM row.
func WriteUserTable(w io.Writer, aggs []UserAggregate, withHost bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := "USER\tPROCS\tRD\tCPU(%)\tRSS(GB)\tPSS(GB)\tREAD(MB/s)\tWRITE(MB/s)"
	if withHost {
		header = "HOST\t" + header
	}
	fmt.Fprintln(tw, header)
	rows := append(append([]UserAggregate(nil), aggs...), Totals(aggs))
	for _, agg := range rows {
		if withHost {
			fmt.Fprintf(tw, "%s\t", agg.Host)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f\t%s\t%s\t%s\t%s\n",
			agg.User, agg.NumProcs, agg.RunnableThreads, agg.CPUPercent,
			FormatGB(agg.RSSBytes), FormatGB(agg.PSSBytes),
			FormatMBps(agg.ReadBytesPerSec), FormatMBps(agg.WriteBytesPerSec))
	}
	return tw.Flush()
}

// WriteProcessTable prints per-process rows; missing figures render as "-".
func WriteProcessTable(w io.Writer, rows []ProcMetrics) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tUSER\tCPU(%)\tRD\tRSS(GB)\tPSS(GB)\tREAD(MB/s)\tWRITE(MB/s)\tCMD")
	for _, row := range rows {
		cpu, pss, read, write := "-", "-", "-", "-"
		if row.HasRate {
			cpu = strconv.FormatFloat(row.CPUPercent, 'f', 1, 64)
		}
		if row.HasPSS {
			pss = FormatGB(row.PSSBytes)
		}
		if row.HasIO {
			read, write = FormatMBps(row.ReadBytesPerSec), FormatMBps(row.WriteBytesPerSec)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			row.PID, row.User, cpu, row.RunnableThreads, FormatGB(row.RSSBytes), pss, read, write,
			truncate(row.Command, 80))
	}
	return tw.Flush()
}

// tsvHeader is the column order of WriteTSV.
var tsvHeader = []string{
	"host", "pid", "user", "cpu_user_pct", "cpu_system_pct", "cpu_iowait_pct", "cpu_total_pct",
	"runnable_threads", "rss_bytes", "pss_bytes", "read_bps", "write_bps", "cmd",
}

// WriteTSV writes every row with a header line. Missing figures are empty cells.
func WriteTSV(w io.Writer, rows []ProcMetrics) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(tsvHeader); err != nil {
		return err
	}
	for _, row := range rows {
		rec := []string{
			row.Host,
			strconv.FormatInt(int64(row.PID), 10),
			row.User,
			optFloat(row.CPUUserPct, row.HasRate),
			optFloat(row.CPUSystemPct, row.HasRate),
			optFloat(row.CPUIowaitPct, row.HasRate),
			optFloat(row.CPUPercent, row.HasRate),
			strconv.FormatInt(int64(row.RunnableThreads), 10),
			strconv.FormatUint(row.RSSBytes, 10),
			"",
			optFloat(row.ReadBytesPerSec, row.HasIO),
			optFloat(row.WriteBytesPerSec, row.HasIO),
			SanitizeField(row.Command),
		}
		if row.HasPSS {
			rec[9] = strconv.FormatUint(row.PSSBytes, 10)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SanitizeField replaces tabs and line breaks so a value stays in one TSV cell.
func SanitizeField(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r':
			return ' '
		}
		return r
	}, s)
}

func optFloat(v float64, ok bool) string {
	if !ok {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
