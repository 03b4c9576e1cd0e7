package sim

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsim/flowsim/sim/flow"
)

// recordingNotifier collects notifications for assertions.
type recordingNotifier struct {
	mu   sync.Mutex
	seen []Notification
}

func (r *recordingNotifier) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
}

func (r *recordingNotifier) ofKind(kind NotificationKind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.seen {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func TestProbe_CumulativeSeries_NonDecreasing(t *testing.T) {
	// GIVEN a probe
	p := NewProbe(flow.ProbeDef{ID: "p1", Connection: "c"}, 1000, nil, nil)
	rng := rand.New(rand.NewSource(3))

	// WHEN random non-negative passing and consuming calls are made
	buffer := 0
	for i := 0; i < 500; i++ {
		tm := float64(i) * 0.1
		qty := rng.Intn(4)
		if rng.Intn(2) == 0 {
			buffer += qty
			p.RecordItemPassing(tm, qty, "A", buffer)
		} else {
			buffer = max(0, buffer-qty)
			p.RecordItemConsumed(tm, qty, []string{"A"}, buffer)
		}
	}

	// THEN the cumulative series never decreases
	values := p.CumulativeSeries().Values()
	for i := 1; i < len(values); i++ {
		require.GreaterOrEqual(t, values[i], values[i-1], "index %d", i)
	}
	assert.Equal(t, max(p.TotalIn(), p.TotalOut()), p.Cumulative())
}

func TestProbe_RecordBoth_LowerCumulativeHeld(t *testing.T) {
	p := NewProbe(flow.ProbeDef{ID: "p1", Connection: "c"}, 10, nil, nil)

	p.RecordBoth(0, 2, 5)
	p.RecordBoth(1, 1, 3)

	assert.Equal(t, []int{5, 5}, p.CumulativeSeries().Values())
	assert.Equal(t, []int{2, 1}, p.BufferSeries().Values())
}

func TestProbe_NegativeQuantity_Ignored(t *testing.T) {
	p := NewProbe(flow.ProbeDef{ID: "p1", Connection: "c"}, 10, nil, nil)

	p.RecordItemPassing(0, -3, "A", 0)
	p.RecordItemConsumed(0, -1, nil, 0)

	assert.Equal(t, 0, p.BufferSeries().Len())
	assert.Equal(t, 0, p.Cumulative())
}

func TestProbe_TypeBreakdown(t *testing.T) {
	p := NewProbe(flow.ProbeDef{ID: "p1", Connection: "c"}, 10, nil, nil)

	p.RecordItemPassing(0, 1, "B", 1)
	p.RecordItemPassing(1, 2, "A", 3)
	p.RecordItemPassing(2, 1, "B", 4)

	assert.Equal(t, []string{"B", "A"}, p.ItemTypes())
	b, ok := p.TypeSeries("B")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, b.Values())
}

func TestProbe_RecordValue_FollowsMode(t *testing.T) {
	buf := NewProbe(flow.ProbeDef{ID: "b", Connection: "c", Mode: flow.ModeBuffer}, 10, nil, nil)
	cum := NewProbe(flow.ProbeDef{ID: "k", Connection: "c", Mode: flow.ModeCumulative}, 10, nil, nil)

	buf.RecordValue(0, 4)
	cum.RecordValue(0, 4)

	assert.Equal(t, []int{4}, buf.BufferSeries().Values())
	assert.Equal(t, []int{0}, buf.CumulativeSeries().Values())
	assert.Equal(t, []int{4}, cum.CumulativeSeries().Values())
	assert.Same(t, cum.CumulativeSeries(), cum.Displayed())
}

func TestProbe_EachRecord_EvaluatesCapacity(t *testing.T) {
	// GIVEN a probe with capacity 5 reporting to a notifier
	n := &recordingNotifier{}
	p := NewProbe(flow.ProbeDef{ID: "p1", Name: "Inlet", Connection: "c"}, 5, n, nil)

	// WHEN it is filled well past capacity
	for i := 0; i < 12; i++ {
		p.RecordMeasurement(float64(i), i)
	}

	// THEN 80% and 100% fired once each (90% is skipped: 4/5 then 5/5)
	advisories := n.ofKind(NotifyCapacityThreshold)
	require.Len(t, advisories, 2)
	assert.Equal(t, 80, advisories[0].Threshold)
	assert.Equal(t, 100, advisories[1].Threshold)
	assert.Equal(t, "p1", advisories[1].Source)
	assert.Equal(t, 5, p.BufferSeries().Len())
	assert.Equal(t, int64(7), p.Evicted())
}

func TestProbe_Reset_ClearsAndAppliesCapacity(t *testing.T) {
	p := NewProbe(flow.ProbeDef{ID: "p1", Connection: "c"}, 2, nil, nil)
	p.RecordItemPassing(0, 3, "A", 3)

	p.Reset(4)

	assert.Equal(t, 0, p.BufferSeries().Len())
	assert.Equal(t, 0, p.Cumulative())
	assert.Empty(t, p.ItemTypes())
	assert.Equal(t, 4, p.BufferSeries().Cap())
}

func TestProbeSet_AttachDetach(t *testing.T) {
	s := NewProbeSet(10, nil, nil)

	_, err := s.Attach(flow.ProbeDef{ID: "a", Connection: "c"})
	require.NoError(t, err)
	_, err = s.Attach(flow.ProbeDef{ID: "b", Connection: "c"})
	require.NoError(t, err)
	_, err = s.Attach(flow.ProbeDef{ID: "a", Connection: "c"})
	assert.Error(t, err)
	_, err = s.Attach(flow.ProbeDef{ID: "z", Connection: "c", Mode: "sideways"})
	assert.Error(t, err)

	assert.True(t, s.Detach("a"))
	assert.False(t, s.Detach("a"))
	_, ok := s.Get("a")
	assert.False(t, ok)
	require.Len(t, s.All(), 1)
	assert.Equal(t, "b", s.All()[0].ID)
}

func TestProbe_TypeBreakdown_CountsConsumedTypes(t *testing.T) {
	// GIVEN a probe whose connection already held items of type A before attach
	p := NewProbe(flow.ProbeDef{ID: "p1", Connection: "c"}, 10, nil, nil)
	p.RecordItemPassing(0, 1, "A", 1)

	// WHEN more A and some B units leave than were seen entering
	p.RecordItemConsumed(1, 3, []string{"A", "B", "A"}, 0)

	// THEN each type reports the larger of its inflow and outflow
	a, ok := p.TypeSeries("A")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, a.Values())
	b, ok := p.TypeSeries("B")
	require.True(t, ok)
	assert.Equal(t, []int{1}, b.Values())
	assert.Equal(t, []string{"A", "B"}, p.ItemTypes())
	assert.Equal(t, 3, p.Cumulative())
}
