package sim

import (
	"time"

	"github.com/google/uuid"

	"github.com/flowsim/flowsim/sim/flow"
)

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeFailed    Outcome = "failed"
)

// RunResult is the read-only aggregate of one run: every capture store plus
// derived utilizations. It is created once, after the worker has stopped.
type RunResult struct {
	ID      uuid.UUID
	Config  RunConfig
	Outcome Outcome
	// Partial is set for every outcome except OutcomeCompleted.
	Partial bool
	// EndTime is the simulated time the run actually reached.
	EndTime      float64
	NumIntervals int
	StartedAt    time.Time
	FinishedAt   time.Time

	// NodeUtilization is active time / EndTime * 100, per node ID.
	NodeUtilization map[string]float64
	// OperatorUtilization is non-idle time / EndTime * 100, per operator ID.
	// Travelling counts as busy.
	OperatorUtilization map[string]float64
	TotalGenerated      int
	Dropped             int64

	Stores *Sink
}

// NewRunResult finalizes sink at end and derives the run scalars.
func NewRunResult(sink *Sink, outcome Outcome, end float64) *RunResult {
	sink.Finalize(end)
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	r := &RunResult{
		ID:                  id,
		Config:              sink.Config(),
		Outcome:             outcome,
		Partial:             outcome != OutcomeCompleted,
		EndTime:             end,
		NumIntervals:        sink.Config().NumIntervals(),
		NodeUtilization:     make(map[string]float64),
		OperatorUtilization: make(map[string]float64),
		Dropped:             sink.Dropped(),
		Stores:              sink,
	}
	for _, id := range sink.NodeIDs() {
		n, _ := sink.Node(id)
		r.NodeUtilization[id] = percentOf(n.ActiveTime(), end)
	}
	for _, op := range sink.Topology().Operators {
		busy := 0.0
		if l, ok := sink.OperatorLog(op.ID); ok {
			busy = busyTime(l, end)
		}
		r.OperatorUtilization[op.ID] = percentOf(busy, end)
	}
	for _, n := range sink.GeneratedTotals() {
		r.TotalGenerated += n
	}
	return r
}

// Topology returns the line the run simulated.
func (r *RunResult) Topology() *flow.Topology { return r.Stores.Topology() }

// Probes returns the flow probes in attach order.
func (r *RunResult) Probes() []*Probe { return r.Stores.Probes().All() }

// Evicted lists every bounded store that dropped points, in a stable order:
// probes, connection buffers, time probes, routes, then the generation history.
func (r *RunResult) Evicted() []StoreStats { return r.Stores.Evictions() }

// busyTime sums the time spent in non-idle actions up to end.
func busyTime(l *StateLog[OperatorState], end float64) float64 {
	entries := l.Entries()
	total := 0.0
	for i, e := range entries {
		if e.Value.Action == flow.ActionIdle || e.Time >= end {
			continue
		}
		until := end
		if i+1 < len(entries) && entries[i+1].Time < end {
			until = entries[i+1].Time
		}
		total += until - e.Time
	}
	return total
}

func percentOf(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return part / whole * 100
}
