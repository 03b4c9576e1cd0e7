package export

import (
	"strconv"

	"github.com/flowsim/flowsim/sim"
	"github.com/flowsim/flowsim/sim/flow"
)

// ColumnKind identifies what a column reconstructs.
type ColumnKind int

const (
	ColumnTime ColumnKind = iota
	ColumnProbeBuffer
	ColumnProbeCumulative
	ColumnBuffer
	ColumnMachine
	ColumnOperator
)

// Column is one column of the system-states table.
type Column struct {
	Header string
	Kind   ColumnKind
	Ref    string // probe, connection, node or operator ID
}

// Schema is the ordered column set of a table, decided once per export.
type Schema struct {
	Columns []Column
}

// BuildSchema enumerates the entities of a run once and returns its columns:
//
//	time, (<probe>_buffer, <probe>_cumulative)*, (buffer_<source>_<target>)*,
//	(machine_<name>_state)*, (operator_<name>_action)*
//
// Connections appear when buffer tracking is enabled on them. Names are
// transliterated to ASCII.
func BuildSchema(r *sim.RunResult) Schema {
	topo := r.Topology()
	cols := []Column{{Header: "time", Kind: ColumnTime}}
	for _, p := range r.Probes() {
		name := ASCII(p.Name)
		cols = append(cols,
			Column{Header: name + "_buffer", Kind: ColumnProbeBuffer, Ref: p.ID},
			Column{Header: name + "_cumulative", Kind: ColumnProbeCumulative, Ref: p.ID})
	}
	for _, c := range topo.Connections {
		if !c.TrackBuffer {
			continue
		}
		header := "buffer_" + ASCII(topo.NodeName(c.Source)) + "_" + ASCII(topo.NodeName(c.Target))
		cols = append(cols, Column{Header: header, Kind: ColumnBuffer, Ref: c.ID})
	}
	for _, n := range topo.Nodes {
		if n.Kind != flow.KindMachine {
			continue
		}
		cols = append(cols, Column{Header: "machine_" + ASCII(n.DisplayName()) + "_state", Kind: ColumnMachine, Ref: n.ID})
	}
	for _, o := range topo.Operators {
		cols = append(cols, Column{Header: "operator_" + ASCII(o.DisplayName()) + "_action", Kind: ColumnOperator, Ref: o.ID})
	}
	return Schema{Columns: cols}
}

// Headers returns the header row.
func (s Schema) Headers() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Header
	}
	return out
}

// Row reconstructs the row at t into dst, which is reused when large enough.
func (s Schema) Row(x *sim.Reconstructor, t float64, dst []string) []string {
	dst = dst[:0]
	for _, c := range s.Columns {
		var v string
		switch c.Kind {
		case ColumnTime:
			v = strconv.FormatFloat(t, 'f', 1, 64)
		case ColumnProbeBuffer:
			v = strconv.Itoa(x.ProbeBuffer(c.Ref, t))
		case ColumnProbeCumulative:
			v = strconv.Itoa(x.ProbeCumulative(c.Ref, t))
		case ColumnBuffer:
			v = strconv.Itoa(x.Buffer(c.Ref, t))
		case ColumnMachine:
			v = string(x.MachineState(c.Ref, t))
		case ColumnOperator:
			v = x.OperatorAction(c.Ref, t)
		}
		dst = append(dst, v)
	}
	return dst
}
