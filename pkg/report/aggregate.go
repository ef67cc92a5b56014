package report

import (
	"sort"

	"github.com/p69180/svadmin/pkg/types"
)

// UserAggregate sums the processes owned by one user. Procs is sorted by Metric
// descending so the first entry is the user's largest consumer.
type UserAggregate struct {
	Host             string        `json:"host,omitempty"`
	User             string        `json:"user"`
	Metric           types.Metric  `json:"-"`
	Total            float64       `json:"total"`
	CPUPercent       float64       `json:"cpu_pct"`
	RSSBytes         uint64        `json:"rss_bytes"`
	PSSBytes         uint64        `json:"pss_bytes"`
	ReadBytesPerSec  float64       `json:"read_bps"`
	WriteBytesPerSec float64       `json:"write_bps"`
	RunnableThreads  int32         `json:"runnable_threads"`
	NumProcs         int           `json:"procs"`
	Procs            []ProcMetrics `json:"-"`
}

// AggregateByUser groups rows by owner. Users named in exclude are left out.
// Rows without a value for metric are not counted in any sum. The result is a
// pure function of its input.
func AggregateByUser(rows []ProcMetrics, metric types.Metric, exclude ...string) map[string]UserAggregate {
	skip := make(map[string]struct{}, len(exclude))
	for _, u := range exclude {
		skip[u] = struct{}{}
	}

	aggs := make(map[string]*UserAggregate)
	for _, row := range rows {
		if _, ok := skip[row.User]; ok {
			continue
		}
		v, ok := row.Value(metric)
		if !ok {
			continue
		}
		agg, ok := aggs[row.User]
		if !ok {
			agg = &UserAggregate{Host: row.Host, User: row.User, Metric: metric}
			aggs[row.User] = agg
		}
		agg.Total += v
		agg.CPUPercent += row.CPUPercent
		agg.RSSBytes += row.RSSBytes
		agg.PSSBytes += row.PSSBytes
		agg.ReadBytesPerSec += row.ReadBytesPerSec
		agg.WriteBytesPerSec += row.WriteBytesPerSec
		agg.RunnableThreads += row.RunnableThreads
		agg.Procs = append(agg.Procs, row)
	}

	result := make(map[string]UserAggregate, len(aggs))
	for user, agg := range aggs {
		SortProcesses(agg.Procs, metric)
		agg.NumProcs = len(agg.Procs)
		result[user] = *agg
	}
	return result
}

// RankUsers orders aggregates by Total descending. Ties go to the user with more
// processes, then to the lexically smaller name.
func RankUsers(aggs map[string]UserAggregate) []UserAggregate {
	ranked := make([]UserAggregate, 0, len(aggs))
	for _, agg := range aggs {
		ranked = append(ranked, agg)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		if a.NumProcs != b.NumProcs {
			return a.NumProcs > b.NumProcs
		}
		if a.User != b.User {
			return a.User < b.User
		}
		return a.Host < b.Host
	})
	return ranked
}

// LargestUser returns the top-ranked aggregate, or false when there is none.
func LargestUser(aggs map[string]UserAggregate) (UserAggregate, bool) {
	ranked := RankUsers(aggs)
	if len(ranked) == 0 {
		return UserAggregate{}, false
	}
	return ranked[0], true
}

// Totals sums a set of aggregates into a single row labelled SUM.
func Totals(aggs []UserAggregate) UserAggregate {
	sum := UserAggregate{User: "SUM"}
	for _, agg := range aggs {
		sum.Total += agg.Total
		sum.CPUPercent += agg.CPUPercent
		sum.RSSBytes += agg.RSSBytes
		sum.PSSBytes += agg.PSSBytes
		sum.ReadBytesPerSec += agg.ReadBytesPerSec
		sum.WriteBytesPerSec += agg.WriteBytesPerSec
		sum.RunnableThreads += agg.RunnableThreads
		sum.NumProcs += agg.NumProcs
	}
	return sum
}
