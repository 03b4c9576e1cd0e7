package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/flowsim/flowsim/sim"
	"github.com/flowsim/flowsim/sim/flow"
)

// WriteConditions writes the plain-text run metadata report: parameters,
// outcome, topology inventory, node and operator utilizations, and
// capacity evictions.
func WriteConditions(w io.Writer, r *sim.RunResult, generatedAt time.Time) error {
	topo := r.Topology()
	var b strings.Builder
	b.Write(utf8BOM)

	fmt.Fprintf(&b, "Analysis conditions\n")
	fmt.Fprintf(&b, "===================\n\n")
	fmt.Fprintf(&b, "Date: %s\n", generatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Run ID: %s\n", r.ID)
	fmt.Fprintf(&b, "Duration: %g\n", r.Config.Duration)
	fmt.Fprintf(&b, "Interval: %g\n", r.Config.Interval)
	fmt.Fprintf(&b, "Number of intervals: %d\n", r.NumIntervals)
	fmt.Fprintf(&b, "Outcome: %s\n", r.Outcome)
	fmt.Fprintf(&b, "Partial results: %t\n", r.Partial)
	fmt.Fprintf(&b, "Simulated time reached: %.1f\n", r.EndTime)
	fmt.Fprintf(&b, "Deadline: %s\n", r.Config.Deadline)
	fmt.Fprintf(&b, "Capacity limit: %d points\n", r.Config.CapacityLimit)
	if r.Dropped > 0 {
		fmt.Fprintf(&b, "Dropped capture events: %d\n", r.Dropped)
	}

	fmt.Fprintf(&b, "\nTopology\n--------\n")
	fmt.Fprintf(&b, "Nodes: %d (sources %d, machines %d, sinks %d)\n", len(topo.Nodes),
		topo.CountKind(flow.KindSource), topo.CountKind(flow.KindMachine), topo.CountKind(flow.KindSink))
	fmt.Fprintf(&b, "Connections: %d\n", len(topo.Connections))
	fmt.Fprintf(&b, "Operators: %d\n", len(topo.Operators))
	fmt.Fprintf(&b, "Probes: %d\n", len(topo.Probes))
	fmt.Fprintf(&b, "Time probes: %d\n", len(topo.TimeProbes))
	fmt.Fprintf(&b, "Items generated: %d\n", r.TotalGenerated)

	fmt.Fprintf(&b, "\nNodes\n-----\n")
	for _, n := range topo.Nodes {
		fmt.Fprintf(&b, "- %s [%s]", ASCII(n.DisplayName()), n.Kind)
		if stats, ok := r.Stores.Node(n.ID); ok {
			fmt.Fprintf(&b, " arrivals=%d departures=%d", stats.Arrivals.Total(), stats.Departures.Total())
		}
		if n.Kind == flow.KindMachine {
			fmt.Fprintf(&b, " utilization=%.1f%%", r.NodeUtilization[n.ID])
			if topo.OperatorControlled(n.ID) {
				fmt.Fprintf(&b, " (operator-controlled)")
			}
		}
		b.WriteString("\n")
	}

	if len(topo.Operators) > 0 {
		fmt.Fprintf(&b, "\nOperators\n---------\n")
		for _, o := range topo.Operators {
			fmt.Fprintf(&b, "- %s machines=%s utilization=%.1f%%\n",
				ASCII(o.DisplayName()), strings.Join(o.Machines, ","), r.OperatorUtilization[o.ID])
		}
	}

	if evicted := r.Evicted(); len(evicted) > 0 {
		fmt.Fprintf(&b, "\nCapacity\n--------\n")
		for _, e := range evicted {
			fmt.Fprintf(&b, "- %s %s evicted %d points; values before its retained window are unreliable\n",
				e.Kind, ASCII(e.ID), e.Evicted)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
