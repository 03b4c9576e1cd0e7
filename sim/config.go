package sim

import (
	"math"
	"strconv"
	"time"
)

const (
	// DefaultDeadline is the wall-clock budget for a run.
	DefaultDeadline = 600 * time.Second
	// DefaultCapacityLimit is the maximum number of points retained per probe series.
	DefaultCapacityLimit = 500000
)

// RunConfig holds the parameters of one analysis run. It is a value type:
// the controller copies it at Start, so it cannot change while a run is live.
type RunConfig struct {
	// Duration is the simulated horizon, in simulation time units.
	Duration float64
	// Interval is the width of the analysis buckets, in simulation time units.
	Interval float64
	// Deadline is the wall-clock limit after which the run is aborted.
	Deadline time.Duration
	// CapacityLimit bounds every probe series, in points.
	CapacityLimit int
}

// NewRunConfig returns a config with the default deadline and capacity limit.
func NewRunConfig(duration, interval float64) RunConfig {
	return RunConfig{
		Duration:      duration,
		Interval:      interval,
		Deadline:      DefaultDeadline,
		CapacityLimit: DefaultCapacityLimit,
	}
}

// Validate rejects non-numeric or non-positive values and an interval longer
// than the duration.
func (c RunConfig) Validate() error {
	if err := checkPositive("duration", c.Duration); err != nil {
		return err
	}
	if err := checkPositive("interval", c.Interval); err != nil {
		return err
	}
	if c.Interval > c.Duration {
		return &ConfigurationError{Field: "interval", Value: formatFloat(c.Interval),
			Reason: "must not exceed duration " + formatFloat(c.Duration)}
	}
	if c.Deadline <= 0 {
		return &ConfigurationError{Field: "deadline", Value: c.Deadline.String(), Reason: "must be positive"}
	}
	if c.CapacityLimit < 1 {
		return &ConfigurationError{Field: "capacity limit", Value: strconv.Itoa(c.CapacityLimit), Reason: "must be a positive integer"}
	}
	return nil
}

// NumIntervals is the number of whole analysis buckets in the run.
func (c RunConfig) NumIntervals() int {
	if c.Interval <= 0 || math.IsNaN(c.Interval) || math.IsNaN(c.Duration) {
		return 0
	}
	return int(c.Duration/c.Interval + bucketEpsilon)
}

// WithCapacityLimit returns a copy of c with a new capacity limit.
// Approved increases are applied this way, between runs.
func (c RunConfig) WithCapacityLimit(limit int) RunConfig {
	c.CapacityLimit = limit
	return c
}

// WithDeadline returns a copy of c with a new deadline.
func (c RunConfig) WithDeadline(d time.Duration) RunConfig {
	c.Deadline = d
	return c
}

func checkPositive(field string, v float64) error {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return &ConfigurationError{Field: field, Value: formatFloat(v), Reason: "must be a finite number"}
	case v <= 0:
		return &ConfigurationError{Field: field, Value: formatFloat(v), Reason: "must be positive"}
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
