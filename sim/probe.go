package sim

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/flowsim/flowsim/sim/flow"
)

// MeasureMode selects which series of a probe is displayed and monitored.
type MeasureMode int

const (
	ModeBuffer MeasureMode = iota
	ModeCumulative
)

func (m MeasureMode) String() string {
	if m == ModeCumulative {
		return flow.ModeCumulative
	}
	return flow.ModeBuffer
}

// ParseMeasureMode maps a topology mode string to a MeasureMode.
func ParseMeasureMode(s string) (MeasureMode, error) {
	switch s {
	case "", flow.ModeBuffer:
		return ModeBuffer, nil
	case flow.ModeCumulative:
		return ModeCumulative, nil
	}
	return ModeBuffer, fmt.Errorf("unknown measure mode %q", s)
}

// Probe samples the item count of one connection over time. Both the buffer
// and the cumulative series are maintained regardless of Mode; Mode only
// selects the displayed series, which is the one the capacity monitor watches.
//
// The cumulative series never decreases: cumulative = max(total in, total out).
type Probe struct {
	ID         string
	Name       string
	Color      string
	Connection string
	Mode       MeasureMode

	buffer     *Series[int]
	cumulative *Series[int]
	byType     map[string]*Series[int]
	typeOrder  []string
	typeIn     map[string]int
	typeOut    map[string]int
	totalIn    int
	totalOut   int

	watch    *capacityWatch
	notifier Notifier
	log      *logrus.Entry
}

// NewProbe creates an empty probe from its definition, bounded at capacity
// points per series.
func NewProbe(def flow.ProbeDef, capacity int, notifier Notifier, log *logrus.Entry) *Probe {
	mode, err := ParseMeasureMode(def.Mode)
	if err != nil {
		panic(fmt.Sprintf("NewProbe(%s): %v", def.ID, err))
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	p := &Probe{
		ID:         def.ID,
		Name:       def.DisplayName(),
		Color:      def.Color,
		Connection: def.Connection,
		Mode:       mode,
		notifier:   notifier,
		log:        loggerOrDefault(log, "probe").WithField("probe", def.ID),
	}
	p.Reset(capacity)
	return p
}

// Reset empties every series and zeroes the counters. A new capacity may be
// applied here, between runs only.
func (p *Probe) Reset(capacity int) {
	p.buffer = NewSeries[int](capacity)
	p.cumulative = NewSeries[int](capacity)
	p.byType = make(map[string]*Series[int])
	p.typeOrder = nil
	p.typeIn = make(map[string]int)
	p.typeOut = make(map[string]int)
	p.totalIn = 0
	p.totalOut = 0
	p.watch = newCapacityWatch(p.ID, "probe "+p.Name, capacity, p.notifier)
}

// Clear empties the probe keeping its capacity.
func (p *Probe) Clear() { p.Reset(p.buffer.Cap()) }

// RecordItemPassing counts qty items of itemType entering the connection.
// Negative quantities are ignored.
func (p *Probe) RecordItemPassing(t float64, qty int, itemType string, bufferCount int) {
	if qty < 0 {
		p.log.Debugf("ignoring negative quantity %d at t=%.3f", qty, t)
		return
	}
	p.totalIn += qty
	if itemType != "" {
		p.typeIn[itemType] += qty
		p.recordType(t, itemType)
	}
	p.record(t, bufferCount, p.Cumulative())
}

// RecordItemConsumed counts qty items leaving the connection. itemTypes
// holds the type of each consumed unit; blank entries and entries beyond qty
// are not broken down.
// Negative quantities are ignored.
func (p *Probe) RecordItemConsumed(t float64, qty int, itemTypes []string, bufferCount int) {
	if qty < 0 {
		p.log.Debugf("ignoring negative quantity %d at t=%.3f", qty, t)
		return
	}
	p.totalOut += qty
	if len(itemTypes) > qty {
		p.log.Debugf("%d item types for %d consumed units at t=%.3f", len(itemTypes), qty, t)
		itemTypes = itemTypes[:qty]
	}
	seen := make(map[string]bool, len(itemTypes))
	for _, typ := range itemTypes {
		if typ == "" {
			continue
		}
		p.typeOut[typ]++
		seen[typ] = true
	}
	for _, typ := range itemTypes {
		if seen[typ] {
			p.recordType(t, typ)
			delete(seen, typ)
		}
	}
	p.record(t, bufferCount, p.Cumulative())
}

// recordType appends the per-type cumulative count, max(in, out) for the type.
func (p *Probe) recordType(t float64, itemType string) {
	p.typeSeries(itemType).Record(t, max(p.typeIn[itemType], p.typeOut[itemType]))
}

// RecordMeasurement samples the current buffer count without moving items.
func (p *Probe) RecordMeasurement(t float64, bufferCount int) {
	p.record(t, bufferCount, p.Cumulative())
}

// RecordBoth records externally measured buffer and cumulative counts.
// A cumulative value lower than the last one is held at the last one.
func (p *Probe) RecordBoth(t float64, bufferCount, cumulative int) {
	if cumulative > p.totalIn {
		p.totalIn = cumulative
	}
	p.record(t, bufferCount, p.Cumulative())
}

// RecordValue records a single measurement interpreted in the probe's mode.
func (p *Probe) RecordValue(t float64, value int) {
	if p.Mode == ModeCumulative {
		p.RecordBoth(t, p.lastBuffer(), value)
		return
	}
	p.record(t, value, p.Cumulative())
}

func (p *Probe) record(t float64, bufferCount, cumulative int) {
	if last, ok := p.cumulative.Last(); ok {
		if t < last.Time {
			p.log.Debugf("out-of-order record at t=%.3f after t=%.3f", t, last.Time)
		}
		if cumulative < last.Value {
			cumulative = last.Value
		}
	}
	p.buffer.Record(t, bufferCount)
	p.cumulative.Record(t, cumulative)
	p.observe()
}

func (p *Probe) observe() {
	p.watch.observe(p.Displayed().Len())
}

func (p *Probe) lastBuffer() int {
	if last, ok := p.buffer.Last(); ok {
		return last.Value
	}
	return 0
}

func (p *Probe) typeSeries(itemType string) *Series[int] {
	s, ok := p.byType[itemType]
	if !ok {
		s = NewSeries[int](p.buffer.Cap())
		p.byType[itemType] = s
		p.typeOrder = append(p.typeOrder, itemType)
	}
	return s
}

// Cumulative returns max(total in, total out).
func (p *Probe) Cumulative() int {
	return max(p.totalIn, p.totalOut)
}

// TotalIn returns the number of items counted entering the connection.
func (p *Probe) TotalIn() int { return p.totalIn }

// TotalOut returns the number of items counted leaving the connection.
func (p *Probe) TotalOut() int { return p.totalOut }

// BufferSeries returns the buffer-mode series.
func (p *Probe) BufferSeries() *Series[int] { return p.buffer }

// CumulativeSeries returns the cumulative-mode series.
func (p *Probe) CumulativeSeries() *Series[int] { return p.cumulative }

// Displayed returns the series selected by Mode.
func (p *Probe) Displayed() *Series[int] {
	if p.Mode == ModeCumulative {
		return p.cumulative
	}
	return p.buffer
}

// ItemTypes returns the item types seen, in first-seen order.
func (p *Probe) ItemTypes() []string {
	return append([]string(nil), p.typeOrder...)
}

// TypeSeries returns the count series for one item type: the larger of the
// units of that type that entered and that left.
func (p *Probe) TypeSeries(itemType string) (*Series[int], bool) {
	s, ok := p.byType[itemType]
	return s, ok
}

// Evicted returns the number of points evicted from the displayed series.
func (p *Probe) Evicted() int64 { return p.Displayed().Evicted() }

// ProbeSet owns the probes attached to a line, in attach order.
type ProbeSet struct {
	probes   map[string]*Probe
	order    []string
	capacity int
	notifier Notifier
	log      *logrus.Entry
}

// NewProbeSet creates an empty set whose probes are bounded at capacity points.
func NewProbeSet(capacity int, notifier Notifier, log *logrus.Entry) *ProbeSet {
	return &ProbeSet{
		probes:   make(map[string]*Probe),
		capacity: capacity,
		notifier: notifier,
		log:      log,
	}
}

// Attach creates a probe for def. Attaching an existing ID is an error.
func (s *ProbeSet) Attach(def flow.ProbeDef) (*Probe, error) {
	if _, ok := s.probes[def.ID]; ok {
		return nil, fmt.Errorf("probe %q already attached", def.ID)
	}
	if _, err := ParseMeasureMode(def.Mode); err != nil {
		return nil, fmt.Errorf("probe %q: %w", def.ID, err)
	}
	p := NewProbe(def, s.capacity, s.notifier, s.log)
	s.probes[def.ID] = p
	s.order = append(s.order, def.ID)
	return p, nil
}

// Detach destroys a probe. Returns false if it was not attached.
func (s *ProbeSet) Detach(id string) bool {
	if _, ok := s.probes[id]; !ok {
		return false
	}
	delete(s.probes, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Get looks up a probe without creating it.
func (s *ProbeSet) Get(id string) (*Probe, bool) {
	p, ok := s.probes[id]
	return p, ok
}

// All returns the probes in attach order.
func (s *ProbeSet) All() []*Probe {
	out := make([]*Probe, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.probes[id])
	}
	return out
}

// Len returns the number of attached probes.
func (s *ProbeSet) Len() int { return len(s.order) }

// ResetAll clears every probe at run start, applying capacity.
func (s *ProbeSet) ResetAll(capacity int) {
	s.capacity = capacity
	for _, p := range s.probes {
		p.Reset(capacity)
	}
}
