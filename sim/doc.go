// Package sim instruments a running production-flow simulation and turns its
// sparse event stream into dense, exportable time series.
//
// # Reading Guide
//
// Start with these files:
//   - series.go: Series, the capacity-bounded ring buffer every store is built on,
//     and StateLog for unbounded state transitions
//   - capture.go: Sink, the flow.Recorder that receives driver callbacks
//   - controller.go: Controller and RunHandle, which run a driver on a worker
//     goroutine under a deadline and cooperative cancellation
//   - timeline.go: SampleGrid and Reconstructor, which rebuild step functions
//     from the captured stores after the worker has stopped
//
// # Architecture
//
// The driver (sim/flow) runs on one goroutine and is the only writer of the
// capture stores. The controller's poller reads only the driver's atomic clock.
// Once the worker exits, NewRunResult finalizes the stores and the result is
// read-only: sim/export reconstructs and writes it without locking.
//
// # Memory bounds
//
// Probe series, time probes and the generation history hold at most
// RunConfig.CapacityLimit points each, evicting the oldest. CapacityMonitor
// raises advisories at 80, 90 and 100 percent of the limit, and Preflight
// estimates usage before a run starts.
package sim
