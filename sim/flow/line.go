package flow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DefaultSamplePeriod is how often probes and WIP are sampled, in simulation
// time units.
const DefaultSamplePeriod = 0.06

type item struct {
	typ string
}

type connState struct {
	def      Connection
	items    []item
	totalIn  int
	totalOut int
	probes   []string
}

func (c *connState) full() bool {
	return c.def.Capacity > 0 && len(c.items) >= c.def.Capacity
}

type nodeState struct {
	def     Node
	inputs  []*connState
	outputs []*connState
	nextIn  int
	nextOut int
	sampler DurationSampler
	rng     *rand.Rand
	picker  *typePicker

	generated    int
	busy         bool
	current      *item
	held         *item // finished item waiting for downstream space
	processStart float64
	operator     *operatorState

	lastDeparture float64
	departed      bool
	processProbes []string
	intervalProbe []string
}

type operatorState struct {
	def      Operator
	position string
	busy     bool
	queue    []*nodeState
}

// LineOption configures a LineSimulator.
type LineOption func(*LineSimulator)

// WithSamplePeriod overrides DefaultSamplePeriod.
func WithSamplePeriod(p float64) LineOption {
	return func(l *LineSimulator) {
		if p > 0 {
			l.samplePeriod = p
		}
	}
}

// WithLineLogger injects the driver's logger.
func WithLineLogger(log *logrus.Entry) LineOption {
	return func(l *LineSimulator) { l.log = log }
}

// LineSimulator is a compact discrete-event driver for a Topology. Sources
// generate items, machines pull one item at a time from their inputs (waiting
// for their operator if they have one), and sinks consume immediately.
// Items that cannot move downstream block their producer.
//
// Every observable event is reported to the Recorder from the goroutine
// running Run. Now is safe to call concurrently.
type LineSimulator struct {
	topo         *Topology
	rec          Recorder
	rng          *PartitionedRNG
	queue        *eventHeap
	nodes        map[string]*nodeState
	order        []*nodeState
	conns        []*connState
	operators    []*operatorState
	samplePeriod float64
	clock        float64
	now          atomic.Uint64
	started      bool
	log          *logrus.Entry
}

// NewLineSimulator builds a driver for topo reporting to rec.
func NewLineSimulator(topo *Topology, rec Recorder, seed int64, opts ...LineOption) (*LineSimulator, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = NopRecorder{}
	}
	l := &LineSimulator{
		topo:         topo,
		rec:          rec,
		rng:          NewPartitionedRNG(seed),
		queue:        newEventHeap(),
		nodes:        make(map[string]*nodeState, len(topo.Nodes)),
		samplePeriod: DefaultSamplePeriod,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logrus.NewEntry(logrus.StandardLogger())
	}
	l.log = l.log.WithField("component", "driver")

	for _, def := range topo.Nodes {
		n := &nodeState{def: def, rng: l.rng.ForStream(def.ID)}
		var err error
		switch def.Kind {
		case KindSource:
			if def.Interval.Mean <= 0 {
				return nil, fmt.Errorf("node %q: source interval mean must be > 0", def.ID)
			}
			if n.sampler, err = NewSampler(def.Interval); err == nil {
				n.picker, err = newTypePicker(def.ItemTypes)
			}
		case KindMachine:
			n.sampler, err = NewSampler(def.ProcessTime)
		}
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", def.ID, err)
		}
		l.nodes[def.ID] = n
		l.order = append(l.order, n)
	}
	for _, def := range topo.Connections {
		c := &connState{def: def}
		l.nodes[def.Source].outputs = append(l.nodes[def.Source].outputs, c)
		l.nodes[def.Target].inputs = append(l.nodes[def.Target].inputs, c)
		l.conns = append(l.conns, c)
	}
	for _, p := range topo.Probes {
		for _, c := range l.conns {
			if c.def.ID == p.Connection {
				c.probes = append(c.probes, p.ID)
			}
		}
	}
	for _, tp := range topo.TimeProbes {
		n := l.nodes[tp.Node]
		if tp.Kind == TimeProcessing {
			n.processProbes = append(n.processProbes, tp.ID)
		} else {
			n.intervalProbe = append(n.intervalProbe, tp.ID)
		}
	}
	for _, def := range topo.Operators {
		op := &operatorState{def: def, position: def.Home}
		if op.position == "" && len(def.Machines) > 0 {
			op.position = def.Machines[0]
		}
		for _, m := range def.Machines {
			l.nodes[m].operator = op
		}
		l.operators = append(l.operators, op)
	}
	return l, nil
}

// Now returns the current simulated time.
func (l *LineSimulator) Now() float64 { return math.Float64frombits(l.now.Load()) }

func (l *LineSimulator) setNow(t float64) {
	l.clock = t
	l.now.Store(math.Float64bits(t))
}

// TotalWIP returns the number of items in connections with buffer tracking.
func (l *LineSimulator) TotalWIP() int {
	total := 0
	for _, c := range l.conns {
		if c.def.TrackBuffer {
			total += len(c.items)
		}
	}
	return total
}

// Run simulates until horizon or until ctx is cancelled. It checks ctx before
// every event and returns ctx.Err() when cancelled. A LineSimulator runs once.
func (l *LineSimulator) Run(ctx context.Context, horizon float64) error {
	if l.started {
		return errors.New("line simulator already ran")
	}
	l.started = true
	l.log.WithFields(logrus.Fields{"horizon": horizon, "nodes": len(l.order), "seed": l.rng.Seed()}).Debug("driver starting")
	l.bootstrap()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := l.queue.peek()
		if ev == nil || ev.Timestamp() > horizon {
			break
		}
		l.queue.popNext()
		l.setNow(ev.Timestamp())
		ev.Execute(l)
	}
	l.setNow(horizon)
	return nil
}

func (l *LineSimulator) bootstrap() {
	l.setNow(0)
	for _, op := range l.operators {
		l.rec.OperatorState(op.def.ID, 0, ActionIdle, op.position)
	}
	for _, c := range l.conns {
		for i := 0; i < c.def.Initial; i++ {
			c.items = append(c.items, item{typ: defaultItemType})
		}
		if c.def.TrackBuffer {
			l.rec.BufferState(c.def.ID, 0, len(c.items))
		}
	}
	for _, n := range l.order {
		switch n.def.Kind {
		case KindSource:
			l.queue.schedule(&generateEvent{at: 0, node: n})
		case KindMachine:
			l.rec.MachineState(n.def.ID, 0, n.operator == nil)
			l.tryStart(n)
		}
	}
	l.queue.schedule(&sampleEvent{at: 0})
}

// === movement ===

// tryStart lets an idle machine pull its next item.
func (l *LineSimulator) tryStart(n *nodeState) {
	if n.busy || n.def.Kind != KindMachine {
		return
	}
	c := n.pickInput()
	if c == nil {
		return
	}
	it := c.items[0]
	c.items = c.items[1:]
	n.busy = true
	n.current = &it
	l.rec.Arrival(n.def.ID, l.clock)
	l.rec.ItemArrived(n.def.ID, it.typ)
	l.afterPull(c, it)

	if n.operator != nil {
		l.requestOperator(n.operator, n)
		return
	}
	l.beginProcess(n)
}

func (n *nodeState) pickInput() *connState {
	for i := range n.inputs {
		c := n.inputs[(n.nextIn+i)%len(n.inputs)]
		if len(c.items) > 0 {
			n.nextIn = (n.nextIn + i + 1) % len(n.inputs)
			return c
		}
	}
	return nil
}

func (n *nodeState) pickOutput() *connState {
	for i := range n.outputs {
		c := n.outputs[(n.nextOut+i)%len(n.outputs)]
		if !c.full() {
			n.nextOut = (n.nextOut + i + 1) % len(n.outputs)
			return c
		}
	}
	return nil
}

// afterPull reports an item leaving c and unblocks its producer.
func (l *LineSimulator) afterPull(c *connState, it item) {
	c.totalOut++
	if c.def.TrackBuffer {
		l.rec.BufferState(c.def.ID, l.clock, len(c.items))
	}
	for _, p := range c.probes {
		l.rec.ProbeItemConsumed(p, l.clock, 1, []string{it.typ}, len(c.items))
	}
	if src := l.nodes[c.def.Source]; src.held != nil {
		l.release(src)
	}
}

// release tries to push a node's held item downstream.
func (l *LineSimulator) release(n *nodeState) {
	if !l.pushHeld(n) {
		return
	}
	switch n.def.Kind {
	case KindSource:
		l.scheduleGenerate(n)
	case KindMachine:
		n.busy = false
		l.tryStart(n)
	}
}

func (l *LineSimulator) pushHeld(n *nodeState) bool {
	if n.held == nil {
		return true
	}
	if len(n.outputs) == 0 {
		// Dead end: the item leaves the line here.
		n.held = nil
		l.rec.Departure(n.def.ID, l.clock)
		l.recordDeparture(n)
		return true
	}
	c := n.pickOutput()
	if c == nil {
		return false
	}
	it := *n.held
	n.held = nil
	c.items = append(c.items, it)
	c.totalIn++
	l.rec.Departure(n.def.ID, l.clock)
	l.recordDeparture(n)
	if c.def.TrackBuffer {
		l.rec.BufferState(c.def.ID, l.clock, len(c.items))
	}
	for _, p := range c.probes {
		l.rec.ProbeItemPassing(p, l.clock, 1, it.typ, len(c.items))
	}

	target := l.nodes[c.def.Target]
	switch target.def.Kind {
	case KindSink:
		l.consume(target, c)
	case KindMachine:
		l.tryStart(target)
	}
	return true
}

func (l *LineSimulator) recordDeparture(n *nodeState) {
	if n.departed {
		for _, p := range n.intervalProbe {
			l.rec.TimeMeasurement(p, l.clock, l.clock-n.lastDeparture)
		}
	}
	n.lastDeparture = l.clock
	n.departed = true
}

// consume removes the oldest item of c into a sink.
func (l *LineSimulator) consume(sink *nodeState, c *connState) {
	it := c.items[0]
	c.items = c.items[1:]
	l.rec.Arrival(sink.def.ID, l.clock)
	l.rec.ItemArrived(sink.def.ID, it.typ)
	l.afterPull(c, it)
}

func (l *LineSimulator) scheduleGenerate(n *nodeState) {
	if n.def.MaxItems > 0 && n.generated >= n.def.MaxItems {
		return
	}
	l.queue.schedule(&generateEvent{at: l.clock + n.sampler.Sample(n.rng), node: n})
}

func (l *LineSimulator) beginProcess(n *nodeState) {
	n.processStart = l.clock
	l.rec.ActiveStateChange(n.def.ID, l.clock, true)
	l.queue.schedule(&processDoneEvent{at: l.clock + n.sampler.Sample(n.rng), node: n})
}

// === operators ===

func (l *LineSimulator) requestOperator(op *operatorState, m *nodeState) {
	if op.busy {
		op.queue = append(op.queue, m)
		return
	}
	l.dispatch(op, m)
}

func (l *LineSimulator) dispatch(op *operatorState, m *nodeState) {
	op.busy = true
	from := op.position
	if from == m.def.ID || op.def.TravelTime == 0 {
		l.operatorArrive(op, m)
		return
	}
	l.rec.OperatorState(op.def.ID, l.clock, ActionTravelling, from)
	l.rec.OperatorTravel(op.def.ID, from, m.def.ID, l.clock, op.def.TravelTime)
	l.queue.schedule(&operatorArriveEvent{at: l.clock + op.def.TravelTime, op: op, machine: m})
}

func (l *LineSimulator) operatorArrive(op *operatorState, m *nodeState) {
	op.position = m.def.ID
	l.rec.OperatorState(op.def.ID, l.clock, ActionWorking, m.def.ID)
	l.rec.MachineState(m.def.ID, l.clock, true)
	l.beginProcess(m)
}

func (l *LineSimulator) releaseOperator(op *operatorState, m *nodeState) {
	l.rec.MachineState(m.def.ID, l.clock, false)
	if len(op.queue) > 0 {
		next := op.queue[0]
		op.queue = op.queue[1:]
		l.dispatch(op, next)
		return
	}
	op.busy = false
	l.rec.OperatorState(op.def.ID, l.clock, ActionIdle, op.position)
}

// === events ===

type generateEvent struct {
	at   float64
	node *nodeState
}

func (e *generateEvent) Timestamp() float64 { return e.at }
func (e *generateEvent) Priority() int      { return priorityGenerate }

func (e *generateEvent) Execute(l *LineSimulator) {
	n := e.node
	if n.held != nil {
		return
	}
	typ := n.picker.pick(n.rng)
	n.generated++
	l.rec.ItemGenerated(l.clock, typ)
	n.held = &item{typ: typ}
	l.release(n)
}

type processDoneEvent struct {
	at   float64
	node *nodeState
}

func (e *processDoneEvent) Timestamp() float64 { return e.at }
func (e *processDoneEvent) Priority() int      { return priorityProcessDone }

func (e *processDoneEvent) Execute(l *LineSimulator) {
	n := e.node
	l.rec.ActiveStateChange(n.def.ID, l.clock, false)
	for _, p := range n.processProbes {
		l.rec.TimeMeasurement(p, l.clock, l.clock-n.processStart)
	}
	if n.operator != nil {
		l.releaseOperator(n.operator, n)
	}
	n.held = n.current
	n.current = nil
	l.release(n)
}

type operatorArriveEvent struct {
	at      float64
	op      *operatorState
	machine *nodeState
}

func (e *operatorArriveEvent) Timestamp() float64 { return e.at }
func (e *operatorArriveEvent) Priority() int      { return priorityOperatorArrive }

func (e *operatorArriveEvent) Execute(l *LineSimulator) {
	l.operatorArrive(e.op, e.machine)
}

type sampleEvent struct {
	at float64
}

func (e *sampleEvent) Timestamp() float64 { return e.at }
func (e *sampleEvent) Priority() int      { return prioritySample }

func (e *sampleEvent) Execute(l *LineSimulator) {
	for _, c := range l.conns {
		for _, p := range c.probes {
			l.rec.ProbeMeasurementBoth(p, l.clock, len(c.items), max(c.totalIn, c.totalOut))
		}
	}
	l.rec.WIP(l.clock)
	l.queue.schedule(&sampleEvent{at: l.clock + l.samplePeriod})
}
