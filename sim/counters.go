package sim

import (
	"math"
	"sort"
)

// bucketEpsilon absorbs float error so that, e.g., t=0.3 with interval 0.1
// lands in bucket 3 rather than 2.
const bucketEpsilon = 1e-9

// IntervalCounter aggregates counts into buckets of floor(t/interval).
// The interval is fixed for the counter's lifetime and must be > 0.
type IntervalCounter struct {
	interval float64
	counts   map[int]int
	total    int
}

// NewIntervalCounter creates a counter for the given bucket width.
func NewIntervalCounter(interval float64) *IntervalCounter {
	return &IntervalCounter{interval: interval, counts: make(map[int]int)}
}

// Bucket returns the bucket index for t.
func (c *IntervalCounter) Bucket(t float64) int {
	return int(math.Floor(t/c.interval + bucketEpsilon))
}

// Add increments the bucket containing t and the running total by n.
func (c *IntervalCounter) Add(t float64, n int) {
	c.counts[c.Bucket(t)] += n
	c.total += n
}

// KeepMax stores v in the bucket containing t if it exceeds the current value.
func (c *IntervalCounter) KeepMax(t float64, v int) {
	b := c.Bucket(t)
	if cur, ok := c.counts[b]; !ok || v > cur {
		c.counts[b] = v
	}
}

// Count returns the value of bucket b (zero if empty).
func (c *IntervalCounter) Count(b int) int { return c.counts[b] }

// Total returns the running total accumulated by Add.
func (c *IntervalCounter) Total() int { return c.total }

// Buckets returns the non-empty bucket indices in ascending order.
func (c *IntervalCounter) Buckets() []int {
	out := make([]int, 0, len(c.counts))
	for b := range c.counts {
		out = append(out, b)
	}
	sort.Ints(out)
	return out
}

// Dense returns buckets 0..n-1 as a slice, zero-filled.
func (c *IntervalCounter) Dense(n int) []int {
	out := make([]int, n)
	for b, v := range c.counts {
		if b >= 0 && b < n {
			out[b] = v
		}
	}
	return out
}

// activeTracker accumulates the time a node spends active.
// since holds the timestamp of the last inactive->active transition; repeated
// reports of the same state do not move it.
type activeTracker struct {
	active      bool
	since       float64
	accumulated float64
	transitions int
}

func (a *activeTracker) set(t float64, active bool) {
	switch {
	case active && !a.active:
		a.active = true
		a.since = t
		a.transitions++
	case !active && a.active:
		a.accumulated += t - a.since
		a.active = false
		a.transitions++
	}
}

// finalize closes an open active period at the run end time.
func (a *activeTracker) finalize(end float64) {
	if !a.active {
		return
	}
	if end > a.since {
		a.accumulated += end - a.since
	}
	a.active = false
}
