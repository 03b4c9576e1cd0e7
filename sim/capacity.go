package sim

import (
	"fmt"
	"math"
	"time"

	"github.com/flowsim/flowsim/sim/flow"
)

const (
	// MeasurementPeriod is the probe sampling period of the driver, in
	// simulation time units. It is independent of the analysis interval.
	MeasurementPeriod = flow.DefaultSamplePeriod
	// capacityRoundingStep is the granularity of recommended capacity limits.
	capacityRoundingStep = 50000
	// capacityMargin is the headroom added on top of the estimated point count.
	capacityMargin = 1.2
	// turboThroughput is the approximate simulated time units per real second
	// when the driver runs without real-time pacing.
	turboThroughput = 100.0
	// deadlineMargin is the headroom added on top of the estimated run time.
	deadlineMargin = 1.5
)

// capacityThresholds are the fill percentages that trigger an advisory.
var capacityThresholds = [...]int{80, 90, 100}

// CapacityAdvisory is a non-fatal warning that a series is filling up.
// It implements error so callers can surface it alongside other diagnostics,
// but it never stops a run.
type CapacityAdvisory struct {
	Source    string
	Threshold int
	Points    int
	Limit     int
}

func (a CapacityAdvisory) Error() string {
	switch {
	case a.Threshold >= 100:
		return fmt.Sprintf("%s reached its capacity of %d points: the oldest points are being evicted "+
			"and the reconstruction before the retained window is unreliable; "+
			"reduce the duration or raise the capacity limit", a.Source, a.Limit)
	case a.Threshold >= 90:
		return fmt.Sprintf("%s is at %d%% of its capacity (%d/%d points); eviction will start soon",
			a.Source, a.Threshold, a.Points, a.Limit)
	default:
		return fmt.Sprintf("%s is at %d%% of its capacity (%d/%d points)",
			a.Source, a.Threshold, a.Points, a.Limit)
	}
}

// CapacityMonitor fires one-shot advisories as a series fills.
// Each threshold fires at most once until Reset, however the ratio moves.
type CapacityMonitor struct {
	limit int
	fired [len(capacityThresholds)]bool
}

// NewCapacityMonitor creates a monitor for a series bounded at limit points.
func NewCapacityMonitor(limit int) *CapacityMonitor {
	return &CapacityMonitor{limit: limit}
}

// Observe evaluates the fill ratio length/limit. It returns the highest
// threshold newly crossed, and marks every lower threshold as fired too.
func (m *CapacityMonitor) Observe(source string, length int) (CapacityAdvisory, bool) {
	if m.limit <= 0 {
		return CapacityAdvisory{}, false
	}
	crossed := -1
	for i, pct := range capacityThresholds {
		if length*100 >= pct*m.limit {
			crossed = i
		}
	}
	if crossed < 0 || m.fired[crossed] {
		return CapacityAdvisory{}, false
	}
	for i := 0; i <= crossed; i++ {
		m.fired[i] = true
	}
	return CapacityAdvisory{
		Source:    source,
		Threshold: capacityThresholds[crossed],
		Points:    length,
		Limit:     m.limit,
	}, true
}

// Reset re-arms every threshold, optionally with a new limit.
func (m *CapacityMonitor) Reset(limit int) {
	m.limit = limit
	m.fired = [len(capacityThresholds)]bool{}
}

// capacityWatch ties a monitor to the notification target of one bounded
// store. Source is the store's ID as reported in notifications; label names
// it in the advisory text.
type capacityWatch struct {
	source   string
	label    string
	monitor  *CapacityMonitor
	notifier Notifier
}

func newCapacityWatch(source, label string, limit int, notifier Notifier) *capacityWatch {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &capacityWatch{
		source:   source,
		label:    label,
		monitor:  NewCapacityMonitor(limit),
		notifier: notifier,
	}
}

// observe evaluates length and notifies on a newly crossed threshold.
func (w *capacityWatch) observe(length int) {
	adv, fired := w.monitor.Observe(w.label, length)
	if !fired {
		return
	}
	w.notifier.Notify(Notification{
		Kind:      NotifyCapacityThreshold,
		Source:    w.source,
		Threshold: adv.Threshold,
		Message:   adv.Error(),
		Rows:      adv.Points,
		Total:     adv.Limit,
	})
}

// CapacityEstimate is the pre-run projection of probe series growth.
type CapacityEstimate struct {
	EstimatedPoints int
	Limit           int
	UsagePercent    float64
	// Recommended is a proposed limit, set when usage is at least 80%.
	Recommended int
}

// NearLimit reports whether the projection reaches 80% of the limit.
func (e CapacityEstimate) NearLimit() bool { return e.UsagePercent >= 80 }

// Exceeded reports whether the projection reaches the limit.
func (e CapacityEstimate) Exceeded() bool { return e.UsagePercent >= 100 }

// EstimateCapacity projects how many points each probe series will record
// over duration, at one point per MeasurementPeriod.
func EstimateCapacity(duration float64, limit int) CapacityEstimate {
	est := CapacityEstimate{
		EstimatedPoints: int(duration / MeasurementPeriod),
		Limit:           limit,
	}
	if limit > 0 {
		est.UsagePercent = float64(est.EstimatedPoints) / float64(limit) * 100
	}
	if est.NearLimit() {
		est.Recommended = RecommendCapacity(est.EstimatedPoints)
	}
	return est
}

// RecommendCapacity adds a 20% margin to estimated and rounds up to the next
// multiple of 50000.
func RecommendCapacity(estimated int) int {
	steps := math.Ceil(float64(estimated) * capacityMargin / capacityRoundingStep)
	return int(steps) * capacityRoundingStep
}

// TimeoutEstimate is the pre-run projection of wall-clock run time.
type TimeoutEstimate struct {
	EstimatedSeconds float64
	Deadline         time.Duration
	// RecommendedDeadline is set when the run is at risk of timing out.
	RecommendedDeadline time.Duration
}

// AtRisk reports whether the projected run time exceeds the deadline.
func (e TimeoutEstimate) AtRisk() bool {
	return e.EstimatedSeconds > e.Deadline.Seconds()
}

// EstimateTimeoutRisk projects the wall-clock time needed to simulate
// duration without real-time pacing. The throughput figure is approximate.
func EstimateTimeoutRisk(duration float64, deadline time.Duration) TimeoutEstimate {
	est := TimeoutEstimate{
		EstimatedSeconds: duration / turboThroughput,
		Deadline:         deadline,
	}
	if est.AtRisk() {
		est.RecommendedDeadline = time.Duration(int(est.EstimatedSeconds*deadlineMargin)) * time.Second
	}
	return est
}

// PreflightReport bundles the pre-run estimates for a config.
type PreflightReport struct {
	Capacity CapacityEstimate
	Timeout  TimeoutEstimate
}

// Preflight estimates capacity usage and timeout risk for cfg. The caller
// decides whether to apply the recommendations, ignore them, or abort.
func Preflight(cfg RunConfig) PreflightReport {
	return PreflightReport{
		Capacity: EstimateCapacity(cfg.Duration, cfg.CapacityLimit),
		Timeout:  EstimateTimeoutRisk(cfg.Duration, cfg.Deadline),
	}
}

// Notifications converts the report into host notifications; empty when
// there is nothing to report.
func (r PreflightReport) Notifications() []Notification {
	var out []Notification
	if r.Capacity.NearLimit() {
		status := "near limit"
		if r.Capacity.Exceeded() {
			status = "exceeded"
		}
		out = append(out, Notification{
			Kind:   NotifyCapacityExceeded,
			Status: status,
			Message: fmt.Sprintf("estimated %d points per probe series against a limit of %d (%.0f%%); recommended limit %d",
				r.Capacity.EstimatedPoints, r.Capacity.Limit, r.Capacity.UsagePercent, r.Capacity.Recommended),
			Percent:     r.Capacity.UsagePercent,
			Recommended: r.Capacity.Recommended,
		})
	}
	if r.Timeout.AtRisk() {
		out = append(out, Notification{
			Kind:   NotifyTimeoutRisk,
			Status: "at risk",
			Message: fmt.Sprintf("estimated run time %.0fs exceeds the deadline of %s; recommended deadline %s",
				r.Timeout.EstimatedSeconds, r.Timeout.Deadline, r.Timeout.RecommendedDeadline),
			Recommended: int(r.Timeout.RecommendedDeadline.Seconds()),
		})
	}
	return out
}

// Apply returns cfg with every available recommendation applied.
func (r PreflightReport) Apply(cfg RunConfig) RunConfig {
	if r.Capacity.Recommended > cfg.CapacityLimit {
		cfg = cfg.WithCapacityLimit(r.Capacity.Recommended)
	}
	if r.Timeout.RecommendedDeadline > cfg.Deadline {
		cfg = cfg.WithDeadline(r.Timeout.RecommendedDeadline)
	}
	return cfg
}
