package sim

import (
	"github.com/flowsim/flowsim/sim/flow"
)

// TimeProbe collects durations measured at a node: processing times or the
// time between consecutive departures, depending on Kind.
type TimeProbe struct {
	ID     string
	Name   string
	Node   string
	Kind   string
	values *Series[float64]
	watch  *capacityWatch
}

// NewTimeProbe creates an empty time probe bounded at capacity measurements.
// Capacity advisories go to notifier, which may be nil.
func NewTimeProbe(def flow.TimeProbeDef, capacity int, notifier Notifier) *TimeProbe {
	name := def.DisplayName()
	return &TimeProbe{
		ID:     def.ID,
		Name:   name,
		Node:   def.Node,
		Kind:   def.Kind,
		values: NewSeries[float64](capacity),
		watch:  newCapacityWatch(def.ID, "time probe "+name, capacity, notifier),
	}
}

// Record adds one duration measured at time t.
func (p *TimeProbe) Record(t, duration float64) {
	p.values.Record(t, duration)
	p.watch.observe(p.values.Len())
}

// Measurements returns the retained durations in order.
func (p *TimeProbe) Measurements() []float64 { return p.values.Values() }

// Series exposes the underlying timestamped series.
func (p *TimeProbe) Series() *Series[float64] { return p.values }

// Evicted returns how many measurements were dropped to stay within capacity.
func (p *TimeProbe) Evicted() int64 { return p.values.Evicted() }

// RouteLog collects the travel times of one operator, per route. Each route
// keeps at most capacity measurements.
type RouteLog struct {
	Operator string
	capacity int
	notifier Notifier
	routes   map[string]*Series[float64]
	watches  map[string]*capacityWatch
	order    []string
}

func newRouteLog(op string, capacity int, notifier Notifier) *RouteLog {
	return &RouteLog{
		Operator: op,
		capacity: capacity,
		notifier: notifier,
		routes:   make(map[string]*Series[float64]),
		watches:  make(map[string]*capacityWatch),
	}
}

// RouteKey names a route between two positions.
func RouteKey(from, to string) string { return from + "->" + to }

// Record adds one travel measurement ending at time t.
func (l *RouteLog) Record(from, to string, t, duration float64) {
	key := RouteKey(from, to)
	s, ok := l.routes[key]
	if !ok {
		s = NewSeries[float64](l.capacity)
		l.routes[key] = s
		l.watches[key] = newCapacityWatch(l.Operator, "route "+key+" of operator "+l.Operator, l.capacity, l.notifier)
		l.order = append(l.order, key)
	}
	s.Record(t, duration)
	l.watches[key].observe(s.Len())
}

// Routes returns the route keys in first-travelled order.
func (l *RouteLog) Routes() []string { return append([]string(nil), l.order...) }

// Measurements returns the retained travel times of one route.
func (l *RouteLog) Measurements(route string) []float64 {
	s, ok := l.routes[route]
	if !ok {
		return nil
	}
	return s.Values()
}

// Series returns the timestamped travel times of one route.
func (l *RouteLog) Series(route string) (*Series[float64], bool) {
	s, ok := l.routes[route]
	return s, ok
}
