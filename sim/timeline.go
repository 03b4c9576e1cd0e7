package sim

import (
	"math"

	"github.com/flowsim/flowsim/sim/flow"
)

// DefaultSampleStep is the spacing of exported sample instants, in simulation
// time units. It is independent of the analysis interval.
const DefaultSampleStep = 0.1

// SampleGrid is the set of evenly spaced instants 0, Step, 2*Step, ... up to
// and including Horizon.
type SampleGrid struct {
	Step    float64
	Horizon float64
}

// NewSampleGrid returns the grid covering [0, horizon].
func NewSampleGrid(step, horizon float64) SampleGrid {
	return SampleGrid{Step: step, Horizon: horizon}
}

// Len returns the number of sample instants.
func (g SampleGrid) Len() int {
	if g.Step <= 0 || g.Horizon < 0 || math.IsNaN(g.Horizon) {
		return 0
	}
	return int(math.Floor(g.Horizon/g.Step+bucketEpsilon)) + 1
}

// At returns the i-th instant. For steps such as 0.1 whose reciprocal is a
// whole number, it divides instead of multiplying so that the instants hit
// exact decimal values (0.3, not 0.30000000000000004).
func (g SampleGrid) At(i int) float64 {
	perUnit := 1 / g.Step
	if r := math.Round(perUnit); math.Abs(perUnit-r) < bucketEpsilon {
		return float64(i) / r
	}
	return float64(i) * g.Step
}

// Times materializes the grid. Intended for small grids and tests; exporters
// iterate with Len and At instead.
func (g SampleGrid) Times() []float64 {
	out := make([]float64, g.Len())
	for i := range out {
		out[i] = g.At(i)
	}
	return out
}

// Lookup is any store that can answer "value in effect at t".
// Both Series and StateLog implement it with a binary search.
type Lookup[T any] interface {
	ValueAt(t float64, def T) T
}

// Reconstruct evaluates src at each of times by last-known-value forward
// fill, returning def before the first recorded point. O(len(times) * log k).
func Reconstruct[T any](src Lookup[T], times []float64, def T) []T {
	out := make([]T, len(times))
	for i, t := range times {
		out[i] = src.ValueAt(t, def)
	}
	return out
}

// Reconstructor answers point-in-time queries against a finished run.
// It must only be used after the run's worker has stopped.
type Reconstructor struct {
	result *RunResult
}

// NewReconstructor binds a reconstructor to result.
func NewReconstructor(result *RunResult) *Reconstructor {
	return &Reconstructor{result: result}
}

// Grid returns the sample grid for the run: from 0 up to the simulated time
// actually reached.
func (x *Reconstructor) Grid(step float64) SampleGrid {
	return NewSampleGrid(step, x.result.EndTime)
}

// ProbeBuffer returns a probe's buffer count at t (0 before the first sample).
func (x *Reconstructor) ProbeBuffer(probe string, t float64) int {
	p, ok := x.result.Stores.Probes().Get(probe)
	if !ok {
		return 0
	}
	return p.BufferSeries().ValueAt(t, 0)
}

// ProbeCumulative returns a probe's cumulative count at t.
func (x *Reconstructor) ProbeCumulative(probe string, t float64) int {
	p, ok := x.result.Stores.Probes().Get(probe)
	if !ok {
		return 0
	}
	return p.CumulativeSeries().ValueAt(t, 0)
}

// Buffer returns a connection's item count at t.
func (x *Reconstructor) Buffer(conn string, t float64) int {
	b, ok := x.result.Stores.Buffer(conn)
	if !ok {
		return 0
	}
	return b.ValueAt(t, 0)
}

// MachineDefault is the state of a machine before its first transition:
// OFF when an operator must be present to run it, ON otherwise.
func (x *Reconstructor) MachineDefault(node string) MachineState {
	if x.result.Topology().OperatorControlled(node) {
		return MachineOff
	}
	return MachineOn
}

// MachineState returns a machine's state at t.
func (x *Reconstructor) MachineState(node string, t float64) MachineState {
	def := x.MachineDefault(node)
	l, ok := x.result.Stores.MachineLog(node)
	if !ok {
		return def
	}
	return l.ValueAt(t, def)
}

// OperatorAction returns an operator's action at t ("idle" before the first transition).
func (x *Reconstructor) OperatorAction(op string, t float64) string {
	l, ok := x.result.Stores.OperatorLog(op)
	if !ok {
		return flow.ActionIdle
	}
	return l.ValueAt(t, OperatorState{Action: flow.ActionIdle}).Action
}
