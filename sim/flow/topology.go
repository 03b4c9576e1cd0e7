// Package flow describes a production-flow line (sources, machines, sinks,
// buffered connections, operators and probes) and provides a reference
// discrete-event driver that reports what happens on the line through the
// Recorder interface.
package flow

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeKind classifies a node of the line.
type NodeKind string

const (
	KindSource  NodeKind = "source"
	KindMachine NodeKind = "machine"
	KindSink    NodeKind = "sink"
)

// Probe measurement modes.
const (
	ModeBuffer     = "buffer"
	ModeCumulative = "cumulative"
)

// Time probe kinds.
const (
	TimeProcessing = "processing"
	TimeInterEvent = "inter_event"
)

// Distribution parameterizes a sampled duration.
type Distribution struct {
	Type   string  `yaml:"type"` // "constant", "exponential" or "normal"
	Mean   float64 `yaml:"mean"`
	StdDev float64 `yaml:"std_dev"`
}

// ItemType is one entry of a source's weighted item mix.
type ItemType struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
}

// Node is a source, machine or sink.
type Node struct {
	ID          string       `yaml:"id"`
	Name        string       `yaml:"name"`
	Kind        NodeKind     `yaml:"kind"`
	Interval    Distribution `yaml:"interval"`     // sources: time between items
	MaxItems    int          `yaml:"max_items"`    // sources: 0 means unlimited
	ItemTypes   []ItemType   `yaml:"item_types"`   // sources: weighted mix, default "item"
	ProcessTime Distribution `yaml:"process_time"` // machines
}

// DisplayName returns Name, falling back to ID.
func (n Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Connection is a directed buffer between two nodes.
type Connection struct {
	ID          string `yaml:"id"`
	Source      string `yaml:"source"`
	Target      string `yaml:"target"`
	Capacity    int    `yaml:"capacity"` // 0 means unbounded
	TrackBuffer bool   `yaml:"track_buffer"`
	Initial     int    `yaml:"initial"`
}

// Operator is a worker who must be present for its assigned machines to process.
type Operator struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Machines   []string `yaml:"machines"`
	Home       string   `yaml:"home"`
	TravelTime float64  `yaml:"travel_time"`
}

// DisplayName returns Name, falling back to ID.
func (o Operator) DisplayName() string {
	if o.Name != "" {
		return o.Name
	}
	return o.ID
}

// ProbeDef attaches a flow probe to a connection.
type ProbeDef struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Color      string `yaml:"color"`
	Connection string `yaml:"connection"`
	Mode       string `yaml:"mode"`
}

// DisplayName returns Name, falling back to ID.
func (p ProbeDef) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// TimeProbeDef attaches a duration probe to a node.
type TimeProbeDef struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Node string `yaml:"node"`
	Kind string `yaml:"kind"`
}

// DisplayName returns Name, falling back to ID.
func (p TimeProbeDef) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// Topology is the full line description.
// All sections must be listed to satisfy KnownFields(true) strict parsing.
type Topology struct {
	Nodes       []Node         `yaml:"nodes"`
	Connections []Connection   `yaml:"connections"`
	Operators   []Operator     `yaml:"operators"`
	Probes      []ProbeDef     `yaml:"probes"`
	TimeProbes  []TimeProbeDef `yaml:"time_probes"`
}

// LoadTopology reads and validates a topology file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}
	return DecodeTopology(bytes.NewReader(data))
}

// DecodeTopology parses YAML with strict field checking and validates the result.
func DecodeTopology(r io.Reader) (*Topology, error) {
	var topo Topology
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&topo); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return &topo, nil
}

// Validate checks references and fills derived defaults (connection IDs,
// probe modes). It is idempotent.
func (t *Topology) Validate() error {
	nodes := make(map[string]NodeKind, len(t.Nodes))
	for _, n := range t.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node with empty id")
		}
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		switch n.Kind {
		case KindSource, KindMachine, KindSink:
		default:
			return fmt.Errorf("node %q: unknown kind %q", n.ID, n.Kind)
		}
		nodes[n.ID] = n.Kind
	}

	conns := make(map[string]bool, len(t.Connections))
	for i := range t.Connections {
		c := &t.Connections[i]
		if _, ok := nodes[c.Source]; !ok {
			return fmt.Errorf("connection %s->%s: unknown source node", c.Source, c.Target)
		}
		if _, ok := nodes[c.Target]; !ok {
			return fmt.Errorf("connection %s->%s: unknown target node", c.Source, c.Target)
		}
		if c.Capacity < 0 || c.Initial < 0 {
			return fmt.Errorf("connection %s->%s: capacity and initial must be >= 0", c.Source, c.Target)
		}
		if c.ID == "" {
			c.ID = c.Source + "_" + c.Target
		}
		if conns[c.ID] {
			return fmt.Errorf("duplicate connection id %q", c.ID)
		}
		conns[c.ID] = true
	}

	controlled := make(map[string]string)
	ops := make(map[string]bool, len(t.Operators))
	for _, o := range t.Operators {
		if o.ID == "" || ops[o.ID] {
			return fmt.Errorf("operator id %q is empty or duplicated", o.ID)
		}
		ops[o.ID] = true
		if o.TravelTime < 0 {
			return fmt.Errorf("operator %q: travel_time must be >= 0", o.ID)
		}
		for _, m := range o.Machines {
			if nodes[m] != KindMachine {
				return fmt.Errorf("operator %q: %q is not a machine", o.ID, m)
			}
			if prev, taken := controlled[m]; taken {
				return fmt.Errorf("machine %q assigned to operators %q and %q", m, prev, o.ID)
			}
			controlled[m] = o.ID
		}
	}

	probes := make(map[string]bool, len(t.Probes))
	for i := range t.Probes {
		p := &t.Probes[i]
		if p.ID == "" || probes[p.ID] {
			return fmt.Errorf("probe id %q is empty or duplicated", p.ID)
		}
		probes[p.ID] = true
		if !conns[p.Connection] {
			return fmt.Errorf("probe %q: unknown connection %q", p.ID, p.Connection)
		}
		switch p.Mode {
		case "":
			p.Mode = ModeBuffer
		case ModeBuffer, ModeCumulative:
		default:
			return fmt.Errorf("probe %q: unknown mode %q", p.ID, p.Mode)
		}
	}

	for _, tp := range t.TimeProbes {
		if tp.ID == "" || probes[tp.ID] {
			return fmt.Errorf("time probe id %q is empty or duplicated", tp.ID)
		}
		probes[tp.ID] = true
		if _, ok := nodes[tp.Node]; !ok {
			return fmt.Errorf("time probe %q: unknown node %q", tp.ID, tp.Node)
		}
		if tp.Kind != TimeProcessing && tp.Kind != TimeInterEvent {
			return fmt.Errorf("time probe %q: unknown kind %q", tp.ID, tp.Kind)
		}
	}
	return nil
}

// Node looks up a node by ID.
func (t *Topology) Node(id string) (Node, bool) {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Connection looks up a connection by ID.
func (t *Topology) Connection(id string) (Connection, bool) {
	for _, c := range t.Connections {
		if c.ID == id {
			return c, true
		}
	}
	return Connection{}, false
}

// NodeName returns the display name of a node, or the ID if unknown.
func (t *Topology) NodeName(id string) string {
	if n, ok := t.Node(id); ok {
		return n.DisplayName()
	}
	return id
}

// OperatorFor returns the operator assigned to machine, if any.
func (t *Topology) OperatorFor(machine string) (Operator, bool) {
	for _, o := range t.Operators {
		for _, m := range o.Machines {
			if m == machine {
				return o, true
			}
		}
	}
	return Operator{}, false
}

// OperatorControlled reports whether machine needs an operator to run.
func (t *Topology) OperatorControlled(machine string) bool {
	_, ok := t.OperatorFor(machine)
	return ok
}

// CountKind returns how many nodes are of kind k.
func (t *Topology) CountKind(k NodeKind) int {
	n := 0
	for _, node := range t.Nodes {
		if node.Kind == k {
			n++
		}
	}
	return n
}
