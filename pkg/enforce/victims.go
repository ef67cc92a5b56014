package enforce

import "github.com/p69180/svadmin/pkg/report"

// VictimPolicy turns ranked per-user aggregates into the ordered list of
// processes an episode may terminate.
type VictimPolicy interface {
	Name() string
	Victims(ranked []report.UserAggregate) []report.ProcMetrics
}

// LargestUser targets only the top-ranked user. An episode that exhausts that
// user's processes ends without moving on to the next user.
type LargestUser struct{}

func (LargestUser) Name() string { return "largest-user" }

func (LargestUser) Victims(ranked []report.UserAggregate) []report.ProcMetrics {
	if len(ranked) == 0 {
		return nil
	}
	return append([]report.ProcMetrics(nil), ranked[0].Procs...)
}

// Escalating works through users in rank order, each user's processes largest first.
type Escalating struct{}

func (Escalating) Name() string { return "escalating" }

func (Escalating) Victims(ranked []report.UserAggregate) []report.ProcMetrics {
	var out []report.ProcMetrics
	for _, agg := range ranked {
		out = append(out, agg.Procs...)
	}
	return out
}

// PolicyFor returns Escalating when escalate is set and LargestUser otherwise.
func PolicyFor(escalate bool) VictimPolicy {
	if escalate {
		return Escalating{}
	}
	return LargestUser{}
}
