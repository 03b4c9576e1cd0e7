package flow

// Operator actions reported through Recorder.OperatorState.
const (
	ActionIdle       = "idle"
	ActionTravelling = "travelling"
	ActionWorking    = "working"
)

// Recorder receives every observable event of a running line.
// All methods are called from the driver goroutine, in non-decreasing
// simulated-time order per entity. Implementations must not block.
type Recorder interface {
	Arrival(node string, t float64)
	Departure(node string, t float64)
	ActiveStateChange(node string, t float64, active bool)
	ProbeMeasurement(probe string, t float64, value int)
	ProbeMeasurementBoth(probe string, t float64, buffer, cumulative int)
	BufferState(conn string, t float64, count int)
	WIP(t float64)
	MachineState(node string, t float64, on bool)
	OperatorState(op string, t float64, action, position string)
	ItemGenerated(t float64, itemType string)
	ItemArrived(node, itemType string)

	ProbeItemPassing(probe string, t float64, qty int, itemType string, buffer int)
	ProbeItemConsumed(probe string, t float64, qty int, itemTypes []string, buffer int)
	TimeMeasurement(probe string, t, duration float64)
	OperatorTravel(op, from, to string, t, duration float64)
}

// WIPSource exposes the live number of items resident in tracked buffers.
type WIPSource interface {
	TotalWIP() int
}

// NopRecorder discards every event.
type NopRecorder struct{}

func (NopRecorder) Arrival(string, float64) {}
func (NopRecorder) Departure(string, float64) {}
func (NopRecorder) ActiveStateChange(string, float64, bool) {}
func (NopRecorder) ProbeMeasurement(string, float64, int) {}
func (NopRecorder) ProbeMeasurementBoth(string, float64, int, int) {}
func (NopRecorder) BufferState(string, float64, int) {}
func (NopRecorder) WIP(float64) {}
func (NopRecorder) MachineState(string, float64, bool) {}
func (NopRecorder) OperatorState(string, float64, string, string) {}
func (NopRecorder) ItemGenerated(float64, string) {}
func (NopRecorder) ItemArrived(string, string) {}
func (NopRecorder) ProbeItemPassing(string, float64, int, string, int) {}
func (NopRecorder) ProbeItemConsumed(string, float64, int, []string, int) {}
func (NopRecorder) TimeMeasurement(string, float64, float64) {}
func (NopRecorder) OperatorTravel(string, string, string, float64, float64) {}
