package sim

import (
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/flowsim/flowsim/sim/flow"
)

// MachineState is the displayed state of a machine.
type MachineState string

const (
	MachineOn  MachineState = "ON"
	MachineOff MachineState = "OFF"
)

// OperatorState is an operator's action and position after a transition.
type OperatorState struct {
	Action   string
	Position string
}

// NodeStats holds the counters captured for one node.
type NodeStats struct {
	ID           string
	Arrivals     *IntervalCounter
	Departures   *IntervalCounter
	TypeArrivals map[string]int
	active       activeTracker
}

// ActiveTime returns the accumulated active time. Before Sink.Finalize an
// open active period is not included.
func (n *NodeStats) ActiveTime() float64 { return n.active.accumulated }

// Active reports whether the node is currently in an active period.
func (n *NodeStats) Active() bool { return n.active.active }

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithSinkLogger injects the sink's logger.
func WithSinkLogger(log *logrus.Entry) SinkOption {
	return func(s *Sink) { s.log = log }
}

// WithSinkNotifier sets where capacity advisories are delivered.
func WithSinkNotifier(n Notifier) SinkOption {
	return func(s *Sink) { s.notifier = n }
}

// Sink is the capture side of a run: it implements flow.Recorder and routes
// each event into interval-bucketed counters, point series or state logs.
//
// Entry points never fail. An event that cannot be recorded (invalid bucket
// interval, unknown probe, no WIP source) is dropped and counted in Dropped.
// No entry point modifies or removes previously captured data.
//
// Thread-safety: NOT thread-safe. The simulation worker is the only writer;
// readers must wait until the worker has stopped.
type Sink struct {
	cfg  RunConfig
	topo *flow.Topology

	probes         *ProbeSet
	timeProbes     map[string]*TimeProbe
	timeProbeOrder []string

	nodes       map[string]*NodeStats
	nodeOrder   []string
	buffers     map[string]*Series[int]
	bufferWatch map[string]*capacityWatch
	bufferOrder []string
	machines    map[string]*StateLog[MachineState]
	operators   map[string]*StateLog[OperatorState]
	routes      map[string]*RouteLog
	routeOrder  []string
	capacity    int

	wip             *IntervalCounter
	wipSource       flow.WIPSource
	generated       *Series[string]
	generatedWatch  *capacityWatch
	generatedTotals map[string]int

	dropped   int64
	finalized bool
	endTime   float64

	notifier Notifier
	log      *logrus.Entry
}

var _ flow.Recorder = (*Sink)(nil)

// NewSink creates empty stores for a run of topo under cfg. Probes and time
// probes of the topology are attached up front; every node, connection and
// operator gets its store lazily on first write.
func NewSink(cfg RunConfig, topo *flow.Topology, opts ...SinkOption) *Sink {
	if topo == nil {
		topo = &flow.Topology{}
	}
	s := &Sink{
		cfg:             cfg,
		topo:            topo,
		timeProbes:      make(map[string]*TimeProbe),
		nodes:           make(map[string]*NodeStats),
		buffers:         make(map[string]*Series[int]),
		bufferWatch:     make(map[string]*capacityWatch),
		machines:        make(map[string]*StateLog[MachineState]),
		operators:       make(map[string]*StateLog[OperatorState]),
		routes:          make(map[string]*RouteLog),
		generatedTotals: make(map[string]int),
		notifier:        nopNotifier{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = loggerOrDefault(s.log, "sink")

	capacity := max(cfg.CapacityLimit, 1)
	s.capacity = capacity
	s.probes = NewProbeSet(capacity, s.notifier, s.log)
	for _, def := range topo.Probes {
		if _, err := s.probes.Attach(def); err != nil {
			s.log.Warnf("skipping probe: %v", err)
		}
	}
	for _, def := range topo.TimeProbes {
		if _, ok := s.timeProbes[def.ID]; ok {
			continue
		}
		s.timeProbes[def.ID] = NewTimeProbe(def, capacity, s.notifier)
		s.timeProbeOrder = append(s.timeProbeOrder, def.ID)
	}
	s.generated = NewSeries[string](capacity)
	s.generatedWatch = newCapacityWatch(generatedStore, "item generation history", capacity, s.notifier)
	if s.intervalValid() {
		s.wip = NewIntervalCounter(cfg.Interval)
	}
	return s
}

// SetWIPSource wires the live WIP total read by the WIP entry point.
func (s *Sink) SetWIPSource(src flow.WIPSource) { s.wipSource = src }

func (s *Sink) intervalValid() bool {
	return s.cfg.Interval > 0 && !math.IsNaN(s.cfg.Interval) && !math.IsInf(s.cfg.Interval, 0)
}

// accept guards the interval-bucketed entry points.
func (s *Sink) accept(kind string) bool {
	if s.intervalValid() {
		return true
	}
	s.drop(kind, "invalid sample interval")
	return false
}

func (s *Sink) drop(kind, reason string) {
	s.dropped++
	entry := s.log.WithFields(logrus.Fields{"event": kind, "reason": reason})
	if s.dropped == 1 {
		entry.Warn("dropping capture event")
		return
	}
	entry.Debug("dropping capture event")
}

// === get-or-create accessors (write path only) ===

func (s *Sink) nodeStats(id string) *NodeStats {
	n, ok := s.nodes[id]
	if !ok {
		n = &NodeStats{
			ID:           id,
			Arrivals:     NewIntervalCounter(s.cfg.Interval),
			Departures:   NewIntervalCounter(s.cfg.Interval),
			TypeArrivals: make(map[string]int),
		}
		s.nodes[id] = n
		s.nodeOrder = append(s.nodeOrder, id)
	}
	return n
}

func (s *Sink) bufferSeries(conn string) *Series[int] {
	b, ok := s.buffers[conn]
	if !ok {
		b = NewSeries[int](s.capacity)
		s.buffers[conn] = b
		s.bufferWatch[conn] = newCapacityWatch(conn, "buffer of connection "+conn, s.capacity, s.notifier)
		s.bufferOrder = append(s.bufferOrder, conn)
	}
	return b
}

func (s *Sink) machineLog(node string) *StateLog[MachineState] {
	l, ok := s.machines[node]
	if !ok {
		l = NewStateLog[MachineState]()
		s.machines[node] = l
	}
	return l
}

func (s *Sink) operatorLog(op string) *StateLog[OperatorState] {
	l, ok := s.operators[op]
	if !ok {
		l = NewStateLog[OperatorState]()
		s.operators[op] = l
	}
	return l
}

func (s *Sink) routeLog(op string) *RouteLog {
	l, ok := s.routes[op]
	if !ok {
		l = newRouteLog(op, s.capacity, s.notifier)
		s.routes[op] = l
		s.routeOrder = append(s.routeOrder, op)
	}
	return l
}

// === flow.Recorder ===

// Arrival counts an item entering node.
func (s *Sink) Arrival(node string, t float64) {
	if !s.accept("arrival") {
		return
	}
	s.nodeStats(node).Arrivals.Add(t, 1)
}

// Departure counts an item leaving node.
func (s *Sink) Departure(node string, t float64) {
	if !s.accept("departure") {
		return
	}
	s.nodeStats(node).Departures.Add(t, 1)
}

// ActiveStateChange tracks the node's busy periods for utilization.
func (s *Sink) ActiveStateChange(node string, t float64, active bool) {
	s.nodeStats(node).active.set(t, active)
}

// ProbeMeasurement records a single value in the probe's measurement mode.
func (s *Sink) ProbeMeasurement(probe string, t float64, value int) {
	if !s.accept("probe_measurement") {
		return
	}
	if p, ok := s.probe(probe); ok {
		p.RecordValue(t, value)
	}
}

// ProbeMeasurementBoth records buffer and cumulative values together.
func (s *Sink) ProbeMeasurementBoth(probe string, t float64, buffer, cumulative int) {
	if !s.accept("probe_measurement") {
		return
	}
	if p, ok := s.probe(probe); ok {
		p.RecordBoth(t, buffer, cumulative)
	}
}

// ProbeItemPassing records items entering a probed connection.
func (s *Sink) ProbeItemPassing(probe string, t float64, qty int, itemType string, buffer int) {
	if !s.accept("probe_item_passing") {
		return
	}
	if p, ok := s.probe(probe); ok {
		p.RecordItemPassing(t, qty, itemType, buffer)
	}
}

// ProbeItemConsumed records items leaving a probed connection.
func (s *Sink) ProbeItemConsumed(probe string, t float64, qty int, itemTypes []string, buffer int) {
	if !s.accept("probe_item_consumed") {
		return
	}
	if p, ok := s.probe(probe); ok {
		p.RecordItemConsumed(t, qty, itemTypes, buffer)
	}
}

func (s *Sink) probe(id string) (*Probe, bool) {
	p, ok := s.probes.Get(id)
	if !ok {
		s.drop("probe_measurement", "unknown probe "+id)
	}
	return p, ok
}

// BufferState records the item count of a connection.
func (s *Sink) BufferState(conn string, t float64, count int) {
	if !s.accept("buffer_state") {
		return
	}
	b := s.bufferSeries(conn)
	b.Record(t, count)
	s.bufferWatch[conn].observe(b.Len())
}

// WIP reads the live WIP total and keeps the maximum per interval.
func (s *Sink) WIP(t float64) {
	if !s.accept("wip") {
		return
	}
	if s.wipSource == nil {
		s.drop("wip", "no WIP source")
		return
	}
	s.wip.KeepMax(t, s.wipSource.TotalWIP())
}

// MachineState appends a transition when the state changes.
func (s *Sink) MachineState(node string, t float64, on bool) {
	state := MachineOff
	if on {
		state = MachineOn
	}
	l := s.machineLog(node)
	if last, ok := l.Last(); ok && last.Value == state {
		return
	}
	l.Append(t, state)
}

// OperatorState appends a transition when the action or position changes.
func (s *Sink) OperatorState(op string, t float64, action, position string) {
	state := OperatorState{Action: action, Position: position}
	l := s.operatorLog(op)
	if last, ok := l.Last(); ok && last.Value == state {
		return
	}
	l.Append(t, state)
}

// ItemGenerated records one item produced by a source.
func (s *Sink) ItemGenerated(t float64, itemType string) {
	s.generated.Record(t, itemType)
	s.generatedWatch.observe(s.generated.Len())
	s.generatedTotals[itemType]++
}

// ItemArrived counts an item of itemType reaching node.
func (s *Sink) ItemArrived(node, itemType string) {
	s.nodeStats(node).TypeArrivals[itemType]++
}

// TimeMeasurement records a duration on a time probe.
func (s *Sink) TimeMeasurement(probe string, t, duration float64) {
	tp, ok := s.timeProbes[probe]
	if !ok {
		s.drop("time_measurement", "unknown time probe "+probe)
		return
	}
	tp.Record(t, duration)
}

// OperatorTravel records one trip of an operator.
func (s *Sink) OperatorTravel(op, from, to string, t, duration float64) {
	s.routeLog(op).Record(from, to, t, duration)
}

// Finalize closes every open active period at end. It is idempotent; only the
// first call has an effect.
func (s *Sink) Finalize(end float64) {
	if s.finalized {
		return
	}
	for _, n := range s.nodes {
		n.active.finalize(end)
	}
	s.finalized = true
	s.endTime = end
	s.eachStore(func(st StoreStats) {
		if st.OutOfOrder > 0 {
			s.log.WithFields(logrus.Fields{"store": st.Kind, "id": st.ID}).
				Warnf("%d records arrived out of time order", st.OutOfOrder)
		}
	})
}

// Store kinds reported by Evictions and OutOfOrder.
const (
	ProbeStore     = "probe"
	BufferStore    = "buffer"
	TimeProbeStore = "time probe"
	RouteStore     = "route"
	MachineStore   = "machine"
	OperatorStore  = "operator"
	generatedStore = "generated"
)

// StoreStats describes the health of one capture store.
type StoreStats struct {
	Kind       string
	ID         string
	Evicted    int64
	OutOfOrder int64
}

// eachStore visits every series and state log in a stable order.
func (s *Sink) eachStore(fn func(StoreStats)) {
	for _, p := range s.probes.All() {
		fn(StoreStats{Kind: ProbeStore, ID: p.ID, Evicted: p.Evicted(), OutOfOrder: p.BufferSeries().OutOfOrder()})
	}
	for _, id := range s.bufferOrder {
		b := s.buffers[id]
		fn(StoreStats{Kind: BufferStore, ID: id, Evicted: b.Evicted(), OutOfOrder: b.OutOfOrder()})
	}
	for _, tp := range s.TimeProbes() {
		fn(StoreStats{Kind: TimeProbeStore, ID: tp.ID, Evicted: tp.Evicted(), OutOfOrder: tp.Series().OutOfOrder()})
	}
	for _, op := range s.routeOrder {
		l := s.routes[op]
		for _, route := range l.Routes() {
			r, _ := l.Series(route)
			fn(StoreStats{Kind: RouteStore, ID: op + " " + route, Evicted: r.Evicted(), OutOfOrder: r.OutOfOrder()})
		}
	}
	fn(StoreStats{Kind: generatedStore, ID: generatedStore, Evicted: s.generated.Evicted(), OutOfOrder: s.generated.OutOfOrder()})
	for _, id := range sortedKeys(s.machines) {
		fn(StoreStats{Kind: MachineStore, ID: id, OutOfOrder: s.machines[id].OutOfOrder()})
	}
	for _, id := range sortedKeys(s.operators) {
		fn(StoreStats{Kind: OperatorStore, ID: id, OutOfOrder: s.operators[id].OutOfOrder()})
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Evictions lists the stores that dropped points to stay within capacity.
func (s *Sink) Evictions() []StoreStats {
	var out []StoreStats
	s.eachStore(func(st StoreStats) {
		if st.Evicted > 0 {
			out = append(out, st)
		}
	})
	return out
}

// OutOfOrder returns how many records, across every store, arrived with a
// timestamp earlier than their predecessor.
func (s *Sink) OutOfOrder() int64 {
	var total int64
	s.eachStore(func(st StoreStats) { total += st.OutOfOrder })
	return total
}

// === read accessors (never allocate stores) ===

// Config returns the run configuration the sink was created with.
func (s *Sink) Config() RunConfig { return s.cfg }

// Topology returns the line the sink records.
func (s *Sink) Topology() *flow.Topology { return s.topo }

// Probes returns the attached flow probes.
func (s *Sink) Probes() *ProbeSet { return s.probes }

// TimeProbes returns the time probes in topology order.
func (s *Sink) TimeProbes() []*TimeProbe {
	out := make([]*TimeProbe, 0, len(s.timeProbeOrder))
	for _, id := range s.timeProbeOrder {
		out = append(out, s.timeProbes[id])
	}
	return out
}

// Node returns the counters of a node, if any event was captured for it.
func (s *Sink) Node(id string) (*NodeStats, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// NodeIDs returns the nodes with captured events, in first-seen order.
func (s *Sink) NodeIDs() []string { return append([]string(nil), s.nodeOrder...) }

// Buffer returns the buffer-count series of a connection.
func (s *Sink) Buffer(conn string) (*Series[int], bool) {
	b, ok := s.buffers[conn]
	return b, ok
}

// BufferIDs returns the connections with captured buffer states.
func (s *Sink) BufferIDs() []string { return append([]string(nil), s.bufferOrder...) }

// MachineLog returns the ON/OFF transitions of a machine.
func (s *Sink) MachineLog(node string) (*StateLog[MachineState], bool) {
	l, ok := s.machines[node]
	return l, ok
}

// OperatorLog returns the action transitions of an operator.
func (s *Sink) OperatorLog(op string) (*StateLog[OperatorState], bool) {
	l, ok := s.operators[op]
	return l, ok
}

// Routes returns the travel log of an operator.
func (s *Sink) Routes(op string) (*RouteLog, bool) {
	l, ok := s.routes[op]
	return l, ok
}

// WIPByInterval returns the per-interval WIP maxima; nil if the interval is invalid.
func (s *Sink) WIPByInterval() *IntervalCounter { return s.wip }

// Generated returns the item generation history.
func (s *Sink) Generated() *Series[string] { return s.generated }

// GeneratedTotals returns a copy of the generated item counts per type.
func (s *Sink) GeneratedTotals() map[string]int {
	out := make(map[string]int, len(s.generatedTotals))
	for k, v := range s.generatedTotals {
		out[k] = v
	}
	return out
}

// Dropped returns how many events were dropped.
func (s *Sink) Dropped() int64 { return s.dropped }
