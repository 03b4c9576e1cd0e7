package sim

import (
	"errors"
	"fmt"
)

// ErrRunInProgress is returned by Controller.Start while another run is live.
var ErrRunInProgress = errors.New("a run is already in progress")

// ConfigurationError reports an invalid RunConfig field. It is returned before
// any store is created or mutated.
type ConfigurationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// TimeoutAbort reports a run stopped by the wall-clock deadline.
// The accompanying RunResult is partial and covers [0, Reached].
type TimeoutAbort struct {
	Reached  float64
	Duration float64
	Deadline string
}

func (e *TimeoutAbort) Error() string {
	return fmt.Sprintf("run timed out after %s at simulated time %.1f of %.1f; results are partial",
		e.Deadline, e.Reached, e.Duration)
}

// CancellationAbort reports a run stopped at the caller's request.
// The accompanying RunResult is partial and covers [0, Reached].
type CancellationAbort struct {
	Reached  float64
	Duration float64
}

func (e *CancellationAbort) Error() string {
	return fmt.Sprintf("run cancelled at simulated time %.1f of %.1f; results are partial",
		e.Reached, e.Duration)
}

// DriverError wraps an error returned by the simulation driver itself.
type DriverError struct {
	Reached float64
	Err     error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("simulation driver failed at simulated time %.1f: %v", e.Reached, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsTimeoutAbort reports whether err wraps a *TimeoutAbort.
func IsTimeoutAbort(err error) bool {
	var target *TimeoutAbort
	return errors.As(err, &target)
}

// IsCancellationAbort reports whether err wraps a *CancellationAbort.
func IsCancellationAbort(err error) bool {
	var target *CancellationAbort
	return errors.As(err, &target)
}

// IsPartial reports whether err is one of the abort errors that come with
// a usable partial RunResult.
func IsPartial(err error) bool {
	var driverErr *DriverError
	return IsTimeoutAbort(err) || IsCancellationAbort(err) || errors.As(err, &driverErr)
}
