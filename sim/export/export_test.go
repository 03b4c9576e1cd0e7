package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsim/flowsim/sim"
	"github.com/flowsim/flowsim/sim/flow"
	"github.com/flowsim/flowsim/sim/internal/testutil"
)

// newFixtureResult builds a small completed run over [0, 0.5]:
// source -> Presse -> sink, one probe on the inbound connection and one
// operator tending the machine.
func newFixtureResult(t *testing.T) *sim.RunResult {
	t.Helper()
	topo := &flow.Topology{
		Nodes: []flow.Node{
			{ID: "S", Name: "Source", Kind: flow.KindSource},
			{ID: "M1", Name: "Presse", Kind: flow.KindMachine},
			{ID: "K", Kind: flow.KindSink},
		},
		Connections: []flow.Connection{
			{ID: "c1", Source: "S", Target: "M1", TrackBuffer: true},
			{ID: "c2", Source: "M1", Target: "K"},
		},
		Operators:  []flow.Operator{{ID: "op", Name: "Opérateur", Machines: []string{"M1"}}},
		Probes:     []flow.ProbeDef{{ID: "p", Name: "Entrée", Connection: "c1"}},
		TimeProbes: []flow.TimeProbeDef{{ID: "tp", Name: "Cycle", Node: "M1", Kind: flow.TimeProcessing}},
	}
	s := sim.NewSink(sim.NewRunConfig(0.5, 0.1), topo)
	s.ProbeMeasurementBoth("p", 0.1, 2, 2)
	s.BufferState("c1", 0.1, 2)
	s.OperatorState("op", 0.15, flow.ActionTravelling, "home")
	s.MachineState("M1", 0.2, true)
	s.OperatorState("op", 0.2, flow.ActionWorking, "M1")
	s.ActiveStateChange("M1", 0.2, true)
	s.ProbeMeasurementBoth("p", 0.3, 1, 3)
	s.BufferState("c1", 0.3, 1)
	s.TimeMeasurement("tp", 0.3, 0.1)
	s.TimeMeasurement("tp", 0.4, 0.3)
	s.OperatorTravel("op", "home", "M1", 0.2, 0.05)
	return sim.NewRunResult(s, sim.OutcomeCompleted, 0.5)
}

func writeTable(t *testing.T, r *sim.RunResult, batch int) ([]byte, []int) {
	t.Helper()
	var buf bytes.Buffer
	var batches []int
	x := sim.NewReconstructor(r)
	tw := TableWriter{
		Schema:    BuildSchema(r),
		BatchSize: batch,
		OnBatch:   func(rows, total int) { batches = append(batches, rows) },
	}
	n, err := tw.Write(context.Background(), &buf, x, x.Grid(sim.DefaultSampleStep))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	return buf.Bytes(), batches
}

func TestTableWriter_Golden(t *testing.T) {
	got, _ := writeTable(t, newFixtureResult(t), 0)

	require.True(t, bytes.HasPrefix(got, utf8BOM), "missing BOM")
	testutil.AssertGolden(t, "system_states", got)
}

func TestTableWriter_BatchedMatchesUnbatched(t *testing.T) {
	// GIVEN the same run written with batch size 2 and in one batch
	r := newFixtureResult(t)
	batched, progress := writeTable(t, r, 2)
	reference, single := writeTable(t, r, 1_000_000)

	// THEN the bytes are identical and progress is reported per batch
	assert.Equal(t, reference, batched)
	assert.Equal(t, []int{2, 4, 6}, progress)
	assert.Equal(t, []int{6}, single)

	// AND reading it back yields every row with the header's width
	records, err := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(batched, utf8BOM))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 7)
	assert.Equal(t, []string{"0.3", "1", "3", "1", "ON", "working"}, records[4])
}

func TestTableWriter_PartialRun_OnlyReachedRows(t *testing.T) {
	// GIVEN a run that timed out at t=0.25
	s := sim.NewSink(sim.NewRunConfig(100, 10), &flow.Topology{
		Probes: []flow.ProbeDef{{ID: "p", Connection: "c"}},
	})
	s.ProbeMeasurementBoth("p", 0.1, 1, 1)
	r := sim.NewRunResult(s, sim.OutcomeTimedOut, 0.25)

	// WHEN exported
	var buf bytes.Buffer
	x := sim.NewReconstructor(r)
	n, err := TableWriter{Schema: BuildSchema(r)}.Write(context.Background(), &buf, x, x.Grid(0.1))

	// THEN rows stop at the last reached sample
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	lines := strings.Split(strings.TrimSpace(string(bytes.TrimPrefix(buf.Bytes(), utf8BOM))), "\n")
	assert.Equal(t, "0.2,1,1", lines[len(lines)-1])
}

// failingWriter accepts the first ok writes, then fails.
type failingWriter struct {
	ok int
}

var errDiskFull = errors.New("disk full")

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.ok == 0 {
		return 0, errDiskFull
	}
	w.ok--
	return len(p), nil
}

func TestTableWriter_WriteFailure_IOError(t *testing.T) {
	r := newFixtureResult(t)
	x := sim.NewReconstructor(r)

	n, err := TableWriter{Schema: BuildSchema(r), BatchSize: 2}.
		Write(context.Background(), &failingWriter{ok: 1}, x, x.Grid(0.1))

	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr), "got %v", err)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, 0, n)
	assert.Equal(t, "flush", ioErr.Op)
}

func TestTableWriter_ContextCancelled(t *testing.T) {
	r := newFixtureResult(t)
	x := sim.NewReconstructor(r)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := TableWriter{Schema: BuildSchema(r)}.Write(ctx, &bytes.Buffer{}, x, x.Grid(0.1))

	assert.ErrorIs(t, err, context.Canceled)
}

type collectingNotifier struct {
	mu   sync.Mutex
	seen []sim.Notification
}

func (c *collectingNotifier) Notify(n sim.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, n)
}

func (c *collectingNotifier) kinds() []sim.NotificationKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sim.NotificationKind, len(c.seen))
	for i, n := range c.seen {
		out[i] = n.Kind
	}
	return out
}

func TestExporter_WritesAllFiles(t *testing.T) {
	// GIVEN an exporter into a fresh directory
	dir := filepath.Join(t.TempDir(), "out")
	n := &collectingNotifier{}
	var progress []Progress
	e := New(Options{
		Dir:       dir,
		BaseName:  "line",
		BatchSize: 4,
		Notifier:  n,
		Progress:  func(p Progress) { progress = append(progress, p) },
		Now:       func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})

	// WHEN a run is exported
	paths, err := e.Export(context.Background(), newFixtureResult(t))

	// THEN three BOM-prefixed files exist and success is notified last
	require.NoError(t, err)
	for _, p := range []string{paths.SystemStates, paths.Statistics, paths.Conditions} {
		data, err := os.ReadFile(p)
		require.NoError(t, err, p)
		assert.True(t, bytes.HasPrefix(data, utf8BOM), p)
	}
	assert.Equal(t, filepath.Join(dir, "line_system_states.csv"), paths.SystemStates)
	assert.Equal(t, []Progress{
		{File: "line_system_states.csv", Rows: 4, Total: 6},
		{File: "line_system_states.csv", Rows: 6, Total: 6},
	}, progress)
	assert.Equal(t, []sim.NotificationKind{
		sim.NotifyExportProgress, sim.NotifyExportProgress, sim.NotifyExportSucceeded,
	}, n.kinds())

	conditions, err := os.ReadFile(paths.Conditions)
	require.NoError(t, err)
	assert.Contains(t, string(conditions), "Date: 2026-01-02 03:04:05")
}

func TestExporter_UnwritableDir_IOErrorAndNotification(t *testing.T) {
	// GIVEN a destination directory path that is actually a file
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	n := &collectingNotifier{}

	// WHEN exporting
	_, err := New(Options{Dir: blocker, Notifier: n}).Export(context.Background(), newFixtureResult(t))

	// THEN the failure carries the path and is notified
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr), "got %v", err)
	assert.Equal(t, blocker, ioErr.Path)
	assert.Equal(t, []sim.NotificationKind{sim.NotifyExportFailed}, n.kinds())
}

func TestBuildSchema_ColumnOrder(t *testing.T) {
	s := BuildSchema(newFixtureResult(t))

	assert.Equal(t, []string{
		"time", "Entree_buffer", "Entree_cumulative", "buffer_Source_Presse",
		"machine_Presse_state", "operator_Operateur_action",
	}, s.Headers())
}
