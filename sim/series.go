package sim

import (
	"fmt"
	"sort"
)

// Point is a single timestamped observation.
type Point[T any] struct {
	Time  float64
	Value T
}

// Series is a fixed-capacity, append-only sequence of points.
// When full, each Record evicts the oldest point (FIFO). Storage grows lazily
// up to the capacity and then wraps as a ring buffer, so eviction is O(1).
//
// Timestamps are expected to be non-decreasing; an earlier timestamp is
// accepted and counted in OutOfOrder, never rejected.
//
// Thread-safety: NOT thread-safe. The simulation worker is the only writer.
type Series[T any] struct {
	buf        []Point[T]
	capacity   int
	head       int // index of the oldest point once the buffer has wrapped
	evicted    int64
	outOfOrder int64
}

// NewSeries creates an empty series holding at most capacity points.
// Panics if capacity < 1.
func NewSeries[T any](capacity int) *Series[T] {
	if capacity < 1 {
		panic(fmt.Sprintf("NewSeries: capacity must be >= 1, got %d", capacity))
	}
	return &Series[T]{capacity: capacity}
}

// Record appends a point, evicting the oldest one first if the series is full.
// Returns true when a point was evicted.
func (s *Series[T]) Record(t float64, v T) bool {
	if n := len(s.buf); n > 0 && t < s.At(n-1).Time {
		s.outOfOrder++
	}
	if len(s.buf) < s.capacity {
		s.buf = append(s.buf, Point[T]{Time: t, Value: v})
		return false
	}
	s.buf[s.head] = Point[T]{Time: t, Value: v}
	s.head = (s.head + 1) % s.capacity
	s.evicted++
	return true
}

// Len returns the number of retained points.
func (s *Series[T]) Len() int { return len(s.buf) }

// Cap returns the configured capacity.
func (s *Series[T]) Cap() int { return s.capacity }

// Evicted returns how many points have been dropped since the last Clear.
func (s *Series[T]) Evicted() int64 { return s.evicted }

// OutOfOrder returns how many records arrived with a timestamp earlier than
// their predecessor.
func (s *Series[T]) OutOfOrder() int64 { return s.outOfOrder }

// At returns the i-th retained point, oldest first.
func (s *Series[T]) At(i int) Point[T] {
	return s.buf[(s.head+i)%len(s.buf)]
}

// Last returns the newest point, or false if the series is empty.
func (s *Series[T]) Last() (Point[T], bool) {
	if len(s.buf) == 0 {
		var zero Point[T]
		return zero, false
	}
	return s.At(len(s.buf) - 1), true
}

// Points returns a copy of the retained points in recording order.
func (s *Series[T]) Points() []Point[T] {
	out := make([]Point[T], len(s.buf))
	for i := range out {
		out[i] = s.At(i)
	}
	return out
}

// Values returns a copy of the retained values in recording order.
func (s *Series[T]) Values() []T {
	out := make([]T, len(s.buf))
	for i := range out {
		out[i] = s.At(i).Value
	}
	return out
}

// Clear empties the series and resets its counters. Capacity is unchanged.
func (s *Series[T]) Clear() {
	s.buf = s.buf[:0]
	s.head = 0
	s.evicted = 0
	s.outOfOrder = 0
}

// IndexAt returns the index of the newest point with Time <= t, or -1.
func (s *Series[T]) IndexAt(t float64) int {
	return searchAtOrBefore(len(s.buf), func(i int) float64 { return s.At(i).Time }, t)
}

// ValueAt returns the most recent value recorded at or before t
// (last-known-value forward fill), or def if no such point is retained.
func (s *Series[T]) ValueAt(t float64, def T) T {
	if i := s.IndexAt(t); i >= 0 {
		return s.At(i).Value
	}
	return def
}

// StateLog is an unbounded append-only log of discrete state transitions.
// One entry is appended per observed transition.
//
// Thread-safety: NOT thread-safe. The simulation worker is the only writer.
type StateLog[S any] struct {
	entries    []Point[S]
	outOfOrder int64
}

// NewStateLog creates an empty state log.
func NewStateLog[S any]() *StateLog[S] {
	return &StateLog[S]{}
}

// Append records a transition to state at time t.
func (l *StateLog[S]) Append(t float64, state S) {
	if n := len(l.entries); n > 0 && t < l.entries[n-1].Time {
		l.outOfOrder++
	}
	l.entries = append(l.entries, Point[S]{Time: t, Value: state})
}

// Len returns the number of transitions.
func (l *StateLog[S]) Len() int { return len(l.entries) }

// OutOfOrder returns how many appends went backwards in time.
func (l *StateLog[S]) OutOfOrder() int64 { return l.outOfOrder }

// Entries returns a copy of all transitions in order.
func (l *StateLog[S]) Entries() []Point[S] {
	return append([]Point[S](nil), l.entries...)
}

// Last returns the newest transition, or false if the log is empty.
func (l *StateLog[S]) Last() (Point[S], bool) {
	if len(l.entries) == 0 {
		var zero Point[S]
		return zero, false
	}
	return l.entries[len(l.entries)-1], true
}

// IndexAt returns the index of the transition in effect at t, or -1.
func (l *StateLog[S]) IndexAt(t float64) int {
	return searchAtOrBefore(len(l.entries), func(i int) float64 { return l.entries[i].Time }, t)
}

// ValueAt returns the state in effect at t, or def before the first transition.
func (l *StateLog[S]) ValueAt(t float64, def S) S {
	if i := l.IndexAt(t); i >= 0 {
		return l.entries[i].Value
	}
	return def
}

// searchAtOrBefore finds the last index whose time is <= t in a sorted
// sequence of n timestamps, in O(log n). Returns -1 if every time is > t.
func searchAtOrBefore(n int, timeAt func(int) float64, t float64) int {
	return sort.Search(n, func(i int) bool { return timeAt(i) > t }) - 1
}
