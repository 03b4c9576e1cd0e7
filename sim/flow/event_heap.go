package flow

import "container/heap"

// event is something that happens on the line at a point in simulated time.
type event interface {
	Timestamp() float64
	Priority() int
	Execute(l *LineSimulator)
}

// Event priorities at equal timestamps: completions free capacity before new
// items arrive, and sampling observes the settled state last.
const (
	priorityOperatorArrive = iota
	priorityProcessDone
	priorityGenerate
	prioritySample
)

type scheduled struct {
	ev  event
	seq uint64
}

// eventHeap is a priority queue with deterministic ordering.
// Order by: timestamp → priority → insertion sequence.
type eventHeap struct {
	items []scheduled
	seq   uint64
}

func newEventHeap() *eventHeap {
	h := &eventHeap{}
	heap.Init(h)
	return h
}

// Len implements heap.Interface
func (h *eventHeap) Len() int { return len(h.items) }

// Less implements heap.Interface with deterministic ordering
func (h *eventHeap) Less(i, j int) bool {
	ei, ej := h.items[i], h.items[j]
	if ei.ev.Timestamp() != ej.ev.Timestamp() {
		return ei.ev.Timestamp() < ej.ev.Timestamp()
	}
	if ei.ev.Priority() != ej.ev.Priority() {
		return ei.ev.Priority() < ej.ev.Priority()
	}
	return ei.seq < ej.seq
}

// Swap implements heap.Interface
func (h *eventHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

// Push implements heap.Interface
func (h *eventHeap) Push(x any) { h.items = append(h.items, x.(scheduled)) }

// Pop implements heap.Interface
func (h *eventHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// schedule adds an event to the heap
func (h *eventHeap) schedule(e event) {
	h.seq++
	heap.Push(h, scheduled{ev: e, seq: h.seq})
}

// popNext removes and returns the next event
func (h *eventHeap) popNext() event {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(scheduled).ev
}

// peek returns the next event without removing it
func (h *eventHeap) peek() event {
	if h.Len() == 0 {
		return nil
	}
	return h.items[0].ev
}
