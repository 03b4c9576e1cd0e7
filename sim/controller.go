package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/flowsim/flowsim/sim/flow"
)

// DefaultPollInterval is how often the poller samples progress.
const DefaultPollInterval = 100 * time.Millisecond

// Driver is a simulation engine run by the controller.
//
// Run simulates up to horizon and returns nil on natural completion. It must
// check ctx at every simulated-event boundary and return promptly (with
// ctx.Err()) once ctx is cancelled. Now must be safe to call from another
// goroutine while Run is executing.
type Driver interface {
	Run(ctx context.Context, horizon float64) error
	Now() float64
}

// DriverFactory builds a fresh driver for one run, wired to rec.
type DriverFactory func(rec flow.Recorder) (Driver, error)

// RunState is the controller lifecycle state.
type RunState int32

const (
	StateIdle RunState = iota
	StateValidating
	StateRunning
	StateCompleted
	StateCancelled
	StateTimedOut
	StateFailed
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed out"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("RunState(%d)", int32(s))
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithNotifier sets the host notification target.
func WithNotifier(n Notifier) ControllerOption {
	return func(c *Controller) { c.notifier = n }
}

// WithLogger injects the controller's logger. The sink of each run derives
// its logger from it.
func WithLogger(log *logrus.Entry) ControllerOption {
	return func(c *Controller) { c.baseLog = log }
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// Controller runs a driver on a background worker and supervises it:
// progress polling, cooperative cancellation and the wall-clock deadline.
// At most one run is live at a time.
type Controller struct {
	topo         *flow.Topology
	factory      DriverFactory
	notifier     Notifier
	baseLog      *logrus.Entry
	log          *logrus.Entry
	pollInterval time.Duration

	mu    sync.Mutex
	state RunState
}

// NewController creates an idle controller for topo.
func NewController(topo *flow.Topology, factory DriverFactory, opts ...ControllerOption) *Controller {
	c := &Controller{
		topo:         topo,
		factory:      factory,
		notifier:     nopNotifier{},
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = loggerOrDefault(c.baseLog, "controller")
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s RunState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start validates cfg and launches a run. A configuration error is returned
// without creating any store, and the controller stays Idle. Cancelling ctx
// cancels the run.
func (c *Controller) Start(ctx context.Context, cfg RunConfig) (*RunHandle, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, ErrRunInProgress
	}
	c.state = StateValidating
	c.mu.Unlock()

	if err := cfg.Validate(); err != nil {
		c.log.WithError(err).Info("rejected run configuration")
		c.setState(StateIdle)
		return nil, err
	}

	sink := NewSink(cfg, c.topo,
		WithSinkLogger(c.baseLog),
		WithSinkNotifier(c.notifier))
	driver, err := c.factory(sink)
	if err != nil {
		c.setState(StateIdle)
		return nil, fmt.Errorf("create driver: %w", err)
	}
	if src, ok := driver.(flow.WIPSource); ok {
		sink.SetWIPSource(src)
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	h := &RunHandle{
		ID:      id,
		cfg:     cfg,
		stopReq: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.setState(StateRunning)
	c.log.WithFields(logrus.Fields{"run": id, "duration": cfg.Duration, "interval": cfg.Interval,
		"deadline": cfg.Deadline, "capacity": cfg.CapacityLimit}).Info("run started")
	c.notifier.Notify(Notification{Kind: NotifyStarted, Status: StateRunning.String(),
		Message: fmt.Sprintf("run %s started", id)})

	workerCtx, cancelWorker := context.WithCancel(ctx)
	workerDone := make(chan error, 1)
	startedAt := time.Now()
	go func() {
		workerDone <- driver.Run(workerCtx, cfg.Duration)
	}()
	go c.supervise(ctx, h, sink, driver, workerDone, cancelWorker, startedAt)
	return h, nil
}

// Run starts a run and waits for it.
func (c *Controller) Run(ctx context.Context, cfg RunConfig) (*RunResult, error) {
	h, err := c.Start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return h.Wait(context.Background())
}

// supervise is the poller. It never touches the capture stores until the
// worker has exited.
func (c *Controller) supervise(ctx context.Context, h *RunHandle, sink *Sink, driver Driver,
	workerDone <-chan error, cancelWorker context.CancelFunc, startedAt time.Time) {
	cfg := h.cfg
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(cfg.Deadline)
	defer deadline.Stop()

	var (
		outcome  Outcome
		driveErr error
		exited   bool
	)
loop:
	for {
		select {
		case err := <-workerDone:
			exited = true
			driveErr = err
			switch {
			case err == nil:
				outcome = OutcomeCompleted
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				outcome = OutcomeCancelled
			default:
				outcome = OutcomeFailed
			}
			break loop
		case <-h.stopReq:
			outcome = OutcomeCancelled
			break loop
		case <-ctx.Done():
			outcome = OutcomeCancelled
			break loop
		case <-deadline.C:
			outcome = OutcomeTimedOut
			break loop
		case <-ticker.C:
			c.publishProgress(h, driver.Now())
		}
	}

	if !exited {
		// Best-effort stop: the worker exits at its next event boundary.
		cancelWorker()
		driveErr = <-workerDone
		if driveErr == nil && driver.Now() >= cfg.Duration {
			// Finished on its own before seeing the stop request.
			outcome = OutcomeCompleted
		}
	}
	cancelWorker()

	reached := clamp(driver.Now(), 0, cfg.Duration)
	end := reached
	if outcome == OutcomeCompleted {
		end = cfg.Duration
	}
	c.publishProgress(h, end)

	result := NewRunResult(sink, outcome, end)
	result.ID = h.ID
	result.StartedAt = startedAt
	result.FinishedAt = time.Now()

	var err error
	n := Notification{SimTime: end, Percent: h.Progress()}
	switch outcome {
	case OutcomeCompleted:
		c.setState(StateCompleted)
		n.Kind, n.Status = NotifyCompleted, StateCompleted.String()
		n.Message = fmt.Sprintf("run %s completed at t=%.1f", h.ID, end)
	case OutcomeCancelled:
		c.setState(StateCancelled)
		err = &CancellationAbort{Reached: end, Duration: cfg.Duration}
		n.Kind, n.Status, n.Message = NotifyCancelled, StateCancelled.String(), err.Error()
	case OutcomeTimedOut:
		c.setState(StateTimedOut)
		err = &TimeoutAbort{Reached: end, Duration: cfg.Duration, Deadline: cfg.Deadline.String()}
		n.Kind, n.Status, n.Message = NotifyTimedOut, StateTimedOut.String(), err.Error()
	case OutcomeFailed:
		c.setState(StateFailed)
		err = &DriverError{Reached: end, Err: driveErr}
		n.Kind, n.Status, n.Message = NotifyFailed, StateFailed.String(), err.Error()
	}
	c.log.WithFields(logrus.Fields{"run": h.ID, "outcome": outcome, "sim_time": end,
		"elapsed": time.Since(startedAt).Round(time.Millisecond), "dropped": result.Dropped}).Info("run finished")
	c.notifier.Notify(n)

	c.setState(StateIdle)
	h.finish(result, err)
}

func (c *Controller) publishProgress(h *RunHandle, now float64) {
	pct := clamp(now/h.cfg.Duration*100, 0, 100)
	h.simTime.Store(math.Float64bits(now))
	h.percent.Store(math.Float64bits(pct))
	c.notifier.Notify(Notification{
		Kind:    NotifyProgress,
		Status:  StateRunning.String(),
		Percent: pct,
		SimTime: now,
	})
}

// RunHandle is the caller's view of a live run: a future for its result plus
// progress and cancellation.
type RunHandle struct {
	ID uuid.UUID

	cfg      RunConfig
	stopReq  chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	percent  atomic.Uint64
	simTime  atomic.Uint64

	result *RunResult
	err    error
}

// Cancel requests a cooperative stop. The run may report progress for up to
// one more poll cycle. Safe to call more than once.
func (h *RunHandle) Cancel() {
	h.stopOnce.Do(func() { close(h.stopReq) })
}

// Done is closed once the result is available.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Progress returns the last polled percent complete.
func (h *RunHandle) Progress() float64 { return math.Float64frombits(h.percent.Load()) }

// SimTime returns the last polled simulated time.
func (h *RunHandle) SimTime() float64 { return math.Float64frombits(h.simTime.Load()) }

// Wait blocks until the run ends or ctx is done. On cancellation, timeout or
// driver failure it returns the partial result together with a
// *CancellationAbort, *TimeoutAbort or *DriverError.
func (h *RunHandle) Wait(ctx context.Context) (*RunResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *RunHandle) finish(result *RunResult, err error) {
	h.result = result
	h.err = err
	close(h.done)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
