package sim

import (
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsim/flowsim/sim/flow"
)

type fixedWIP int

func (w fixedWIP) TotalWIP() int { return int(w) }

type varWIP struct{ v int }

func (w *varWIP) TotalWIP() int { return w.v }

func TestSink_ArrivalsByInterval_Scenario(t *testing.T) {
	// GIVEN duration=10, interval=1
	cfg := NewRunConfig(10, 1)
	s := NewSink(cfg, nil)

	// WHEN arrivals happen at 0.5, 1.5, 2.5
	for _, at := range []float64{0.5, 1.5, 2.5} {
		s.Arrival("M1", at)
	}
	result := NewRunResult(s, OutcomeCompleted, 10)

	// THEN each lands in its own bucket
	n, ok := s.Node("M1")
	require.True(t, ok)
	assert.Equal(t, 1, n.Arrivals.Count(0))
	assert.Equal(t, 1, n.Arrivals.Count(1))
	assert.Equal(t, 1, n.Arrivals.Count(2))
	assert.Equal(t, 3, n.Arrivals.Total())
	assert.Equal(t, []int{1, 1, 1, 0, 0, 0, 0, 0, 0, 0}, n.Arrivals.Dense(result.NumIntervals))
	assert.Equal(t, 10, result.NumIntervals)
}

func TestSink_InvalidInterval_DropsAndCounts(t *testing.T) {
	// GIVEN a sink built with a zero interval
	s := NewSink(RunConfig{Duration: 10, Interval: 0, CapacityLimit: 10}, &flow.Topology{
		Probes: []flow.ProbeDef{{ID: "p", Connection: "c"}},
	})
	s.SetWIPSource(fixedWIP(3))

	// WHEN interval-bucketed events arrive
	assert.NotPanics(t, func() {
		s.Arrival("M1", 1)
		s.Departure("M1", 1)
		s.ProbeMeasurement("p", 1, 2)
		s.BufferState("c", 1, 2)
		s.WIP(1)
	})

	// THEN nothing is recorded and every event is counted as dropped
	_, ok := s.Node("M1")
	assert.False(t, ok)
	_, ok = s.Buffer("c")
	assert.False(t, ok)
	assert.Equal(t, int64(5), s.Dropped())
}

func TestSink_ActiveTime_FinalizedFromLastTransition(t *testing.T) {
	// GIVEN a node that was active, went idle, then became active again at t0=7
	s := NewSink(NewRunConfig(10, 1), nil)
	s.ActiveStateChange("M1", 1, true)
	s.ActiveStateChange("M1", 3, false)
	s.ActiveStateChange("M1", 7, true)
	s.ActiveStateChange("M1", 8, true) // repeated report, not a transition

	// WHEN the run ends at T=10
	s.Finalize(10)

	// THEN the open period adds exactly T - t0
	n, _ := s.Node("M1")
	assert.InDelta(t, 2+3, n.ActiveTime(), 1e-12)
	assert.False(t, n.Active())

	// AND a second finalize is a no-op
	s.Finalize(20)
	assert.InDelta(t, 5, n.ActiveTime(), 1e-12)
}

func TestSink_WIP_KeepsIntervalMaximum(t *testing.T) {
	s := NewSink(NewRunConfig(10, 1), nil)
	w := &varWIP{}
	s.SetWIPSource(w)

	for _, step := range []struct {
		at float64
		v  int
	}{{0.1, 2}, {0.5, 5}, {0.9, 3}, {1.2, 1}} {
		w.v = step.v
		s.WIP(step.at)
	}

	assert.Equal(t, 5, s.WIPByInterval().Count(0))
	assert.Equal(t, 1, s.WIPByInterval().Count(1))
}

func TestSink_WIP_WithoutSource_Dropped(t *testing.T) {
	s := NewSink(NewRunConfig(10, 1), nil)
	s.WIP(1)
	assert.Equal(t, int64(1), s.Dropped())
}

func TestSink_StateLogs_OnlyTransitions(t *testing.T) {
	s := NewSink(NewRunConfig(10, 1), nil)

	s.MachineState("M1", 0, false)
	s.MachineState("M1", 1, false)
	s.MachineState("M1", 2, true)
	s.OperatorState("op", 0, flow.ActionIdle, "M1")
	s.OperatorState("op", 1, flow.ActionIdle, "M1")
	s.OperatorState("op", 2, flow.ActionWorking, "M1")

	m, ok := s.MachineLog("M1")
	require.True(t, ok)
	assert.Equal(t, []Point[MachineState]{{0, MachineOff}, {2, MachineOn}}, m.Entries())
	o, ok := s.OperatorLog("op")
	require.True(t, ok)
	assert.Equal(t, 2, o.Len())
}

func TestSink_ReadAccessors_DoNotAllocate(t *testing.T) {
	s := NewSink(NewRunConfig(10, 1), nil)

	_, ok := s.Node("ghost")
	assert.False(t, ok)
	_, ok = s.MachineLog("ghost")
	assert.False(t, ok)
	_, ok = s.Routes("ghost")
	assert.False(t, ok)

	assert.Empty(t, s.NodeIDs())
}

func TestSink_UnknownProbe_Dropped(t *testing.T) {
	s := NewSink(NewRunConfig(10, 1), nil)
	s.ProbeMeasurementBoth("nope", 1, 1, 1)
	s.TimeMeasurement("nope", 1, 1)
	assert.Equal(t, int64(2), s.Dropped())
}

func TestSink_ItemTypesAndRoutes(t *testing.T) {
	topo := &flow.Topology{TimeProbes: []flow.TimeProbeDef{{ID: "tp", Node: "M1", Kind: flow.TimeProcessing}}}
	s := NewSink(NewRunConfig(10, 1), topo)

	s.ItemGenerated(0, "A")
	s.ItemGenerated(1, "B")
	s.ItemGenerated(2, "A")
	s.ItemArrived("M1", "A")
	s.TimeMeasurement("tp", 3, 1.5)
	s.OperatorTravel("op", "M1", "M2", 4, 2)
	s.OperatorTravel("op", "M1", "M2", 6, 2.5)

	assert.Equal(t, map[string]int{"A": 2, "B": 1}, s.GeneratedTotals())
	n, _ := s.Node("M1")
	assert.Equal(t, 1, n.TypeArrivals["A"])
	require.Len(t, s.TimeProbes(), 1)
	assert.Equal(t, []float64{1.5}, s.TimeProbes()[0].Measurements())
	routes, ok := s.Routes("op")
	require.True(t, ok)
	assert.Equal(t, []string{"M1->M2"}, routes.Routes())
	assert.Equal(t, []float64{2, 2.5}, routes.Measurements("M1->M2"))
}

func TestNewRunResult_Utilizations(t *testing.T) {
	// GIVEN a machine busy 2..6 and an operator travelling 1..2 then working 2..6
	topo := &flow.Topology{Operators: []flow.Operator{{ID: "op", Machines: []string{"M1"}}}}
	s := NewSink(NewRunConfig(10, 1), topo)
	s.ActiveStateChange("M1", 2, true)
	s.ActiveStateChange("M1", 6, false)
	s.OperatorState("op", 0, flow.ActionIdle, "home")
	s.OperatorState("op", 1, flow.ActionTravelling, "home")
	s.OperatorState("op", 2, flow.ActionWorking, "M1")
	s.OperatorState("op", 6, flow.ActionIdle, "M1")

	// WHEN the result is built
	r := NewRunResult(s, OutcomeCompleted, 10)

	// THEN utilizations are percentages of the end time
	assert.InDelta(t, 40, r.NodeUtilization["M1"], 1e-9)
	assert.InDelta(t, 50, r.OperatorUtilization["op"], 1e-9)
	assert.False(t, r.Partial)
}

func TestNewRunResult_Partial(t *testing.T) {
	s := NewSink(NewRunConfig(10, 1), nil)
	s.ActiveStateChange("M1", 2, true)

	r := NewRunResult(s, OutcomeTimedOut, 4)

	assert.True(t, r.Partial)
	assert.InDelta(t, 50, r.NodeUtilization["M1"], 1e-9)
}

func TestSink_BufferState_PastCapacity_AdvisesAndCountsEvictions(t *testing.T) {
	// GIVEN a sink bounded at 5 points reporting to a notifier
	n := &recordingNotifier{}
	s := NewSink(NewRunConfig(10, 1).WithCapacityLimit(5), nil, WithSinkNotifier(n))

	// WHEN a connection buffer is recorded 12 times
	for i := 0; i < 12; i++ {
		s.BufferState("c", float64(i), i)
	}
	r := NewRunResult(s, OutcomeCompleted, 10)

	// THEN the 80% and 100% advisories name the connection
	advisories := n.ofKind(NotifyCapacityThreshold)
	require.Len(t, advisories, 2)
	assert.Equal(t, []int{80, 100}, []int{advisories[0].Threshold, advisories[1].Threshold})
	for _, a := range advisories {
		assert.Equal(t, "c", a.Source)
	}

	// AND the evicted points are reported on the result
	assert.Equal(t, []StoreStats{{Kind: BufferStore, ID: "c", Evicted: 7}}, r.Evicted())
	b, ok := s.Buffer("c")
	require.True(t, ok)
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, 7, NewReconstructor(r).Buffer("c", 7.5))
}

func TestSink_BoundedStores_AllReportCapacity(t *testing.T) {
	// GIVEN a sink bounded at 2 points with a time probe and an operator
	n := &recordingNotifier{}
	topo := &flow.Topology{TimeProbes: []flow.TimeProbeDef{{ID: "tp", Node: "M1", Kind: flow.TimeProcessing}}}
	s := NewSink(NewRunConfig(10, 1).WithCapacityLimit(2), topo, WithSinkNotifier(n))

	// WHEN every bounded store receives 4 records
	for i := 0; i < 4; i++ {
		at := float64(i)
		s.TimeMeasurement("tp", at, 1)
		s.OperatorTravel("op", "home", "M1", at, 0.5)
		s.ItemGenerated(at, "A")
	}

	// THEN each store fired its full-capacity advisory
	sources := map[string]bool{}
	for _, a := range n.ofKind(NotifyCapacityThreshold) {
		if a.Threshold == 100 {
			sources[a.Source] = true
		}
	}
	assert.Equal(t, map[string]bool{"tp": true, "op": true, generatedStore: true}, sources)

	// AND each eviction is listed in store order
	assert.Equal(t, []StoreStats{
		{Kind: TimeProbeStore, ID: "tp", Evicted: 2},
		{Kind: RouteStore, ID: "op home->M1", Evicted: 2},
		{Kind: generatedStore, ID: generatedStore, Evicted: 2},
	}, s.Evictions())
	routes, _ := s.Routes("op")
	assert.Len(t, routes.Measurements("home->M1"), 2)
	assert.Equal(t, map[string]int{"A": 4}, s.GeneratedTotals())
}

func TestSink_Finalize_LogsOutOfOrderRecords(t *testing.T) {
	// GIVEN a sink whose buffer series and machine log went backwards in time
	logger, hook := logtest.NewNullLogger()
	s := NewSink(NewRunConfig(10, 1), nil, WithSinkLogger(logrus.NewEntry(logger)))
	s.BufferState("c", 5, 1)
	s.BufferState("c", 4, 2)
	s.MachineState("M1", 3, true)
	s.MachineState("M1", 2, false)

	// WHEN the run is finalized
	s.Finalize(10)

	// THEN the records are kept and each store is reported once
	assert.Equal(t, int64(2), s.OutOfOrder())
	var stores []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			stores = append(stores, e.Data["store"].(string)+" "+e.Data["id"].(string))
		}
	}
	assert.Equal(t, []string{"buffer c", "machine M1"}, stores)
	b, _ := s.Buffer("c")
	assert.Equal(t, 2, b.Len())
}
