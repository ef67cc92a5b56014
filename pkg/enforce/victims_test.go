package enforce

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/p69180/svadmin/pkg/report"
)

func pids(rows []report.ProcMetrics) []int32 {
	out := make([]int32, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.PID)
	}
	return out
}

func TestVictimPolicies(t *testing.T) {
	ranked := []report.UserAggregate{
		{User: "alice", Procs: []report.ProcMetrics{{PID: 3}, {PID: 1}}},
		{User: "bob", Procs: []report.ProcMetrics{{PID: 7}}},
	}

	assert.Equal(t, []int32{3, 1}, pids(LargestUser{}.Victims(ranked)))
	assert.Equal(t, []int32{3, 1, 7}, pids(Escalating{}.Victims(ranked)))
	assert.Empty(t, LargestUser{}.Victims(nil))
	assert.Empty(t, Escalating{}.Victims(nil))

	assert.Equal(t, "largest-user", PolicyFor(false).Name())
	assert.Equal(t, "escalating", PolicyFor(true).Name())
}

func TestLargestUserDoesNotAlias(t *testing.T) {
	ranked := []report.UserAggregate{{User: "alice", Procs: []report.ProcMetrics{{PID: 3}}}}
	v := LargestUser{}.Victims(ranked)
	v[0].PID = 99
	assert.Equal(t, int32(3), ranked[0].Procs[0].PID)
}
