package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flowsim/flowsim/sim"
)

// File name suffixes appended to Options.BaseName.
const (
	SystemStatesSuffix = "_system_states.csv"
	StatisticsSuffix   = "_statistics.csv"
	ConditionsSuffix   = "_conditions.txt"
)

// Options configures an Exporter.
type Options struct {
	Dir       string
	BaseName  string
	BatchSize int
	// Step is the sampling step of the system-states table.
	Step     float64
	Progress func(Progress)
	Notifier sim.Notifier
	Log      *logrus.Entry
	// Now stamps the conditions report.
	Now func() time.Time
}

// Paths lists the files written by a successful export.
type Paths struct {
	SystemStates string
	Statistics   string
	Conditions   string
}

// Exporter writes the three export files of a run.
type Exporter struct {
	opts Options
	log  *logrus.Entry
}

// New returns an Exporter with defaults applied to unset options.
func New(opts Options) *Exporter {
	if opts.BaseName == "" {
		opts.BaseName = "analysis"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Step <= 0 {
		opts.Step = sim.DefaultSampleStep
	}
	if opts.Notifier == nil {
		opts.Notifier = sim.NotifierFunc(func(sim.Notification) {})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Exporter{opts: opts, log: log.WithField("component", "exporter")}
}

// Export writes the system-states table, the statistics report and the
// conditions report. The first failure aborts the export; any partially
// written file is left in place.
func (e *Exporter) Export(ctx context.Context, r *sim.RunResult) (Paths, error) {
	paths := Paths{
		SystemStates: filepath.Join(e.opts.Dir, e.opts.BaseName+SystemStatesSuffix),
		Statistics:   filepath.Join(e.opts.Dir, e.opts.BaseName+StatisticsSuffix),
		Conditions:   filepath.Join(e.opts.Dir, e.opts.BaseName+ConditionsSuffix),
	}
	if e.opts.Dir != "" {
		if err := os.MkdirAll(e.opts.Dir, 0o755); err != nil {
			return paths, e.fail(&IOError{Op: "mkdir", Path: e.opts.Dir, Err: err})
		}
	}

	rows, err := e.writeFile(paths.SystemStates, func(w io.Writer) (int, error) {
		return e.WriteSystemStates(ctx, w, r)
	})
	if err != nil {
		return paths, e.fail(err)
	}
	if _, err := e.writeFile(paths.Statistics, func(w io.Writer) (int, error) {
		return 0, WriteStatistics(w, r)
	}); err != nil {
		return paths, e.fail(err)
	}
	if _, err := e.writeFile(paths.Conditions, func(w io.Writer) (int, error) {
		return 0, WriteConditions(w, r, e.opts.Now())
	}); err != nil {
		return paths, e.fail(err)
	}

	e.log.WithFields(logrus.Fields{"rows": rows, "file": paths.SystemStates}).Info("export complete")
	e.opts.Notifier.Notify(sim.Notification{
		Kind:    sim.NotifyExportSucceeded,
		Status:  "exported",
		Message: fmt.Sprintf("exported %d rows to %s", rows, paths.SystemStates),
		Rows:    rows,
		Total:   rows,
		Percent: 100,
	})
	return paths, nil
}

// WriteSystemStates streams the reconstructed table of r to w, reporting
// progress after every batch.
func (e *Exporter) WriteSystemStates(ctx context.Context, w io.Writer, r *sim.RunResult) (int, error) {
	x := sim.NewReconstructor(r)
	tw := TableWriter{
		Schema:    BuildSchema(r),
		BatchSize: e.opts.BatchSize,
		OnBatch: func(rows, total int) {
			p := Progress{File: e.opts.BaseName + SystemStatesSuffix, Rows: rows, Total: total}
			if e.opts.Progress != nil {
				e.opts.Progress(p)
			}
			e.opts.Notifier.Notify(sim.Notification{
				Kind:    sim.NotifyExportProgress,
				Status:  "exporting",
				Source:  p.File,
				Rows:    rows,
				Total:   total,
				Percent: 100 * float64(rows) / float64(total),
			})
		},
	}
	return tw.Write(ctx, w, x, x.Grid(e.opts.Step))
}

func (e *Exporter) writeFile(path string, body func(io.Writer) (int, error)) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, &IOError{Op: "create", Path: path, Err: err}
	}
	n, err := body(f)
	if err != nil {
		_ = f.Close()
		var ioErr *IOError
		if errors.As(err, &ioErr) {
			ioErr.Path = path
			return n, ioErr
		}
		if isContextErr(err) {
			return n, err
		}
		return n, &IOError{Op: "write", Path: path, Row: n, Err: err}
	}
	if err := f.Close(); err != nil {
		return n, &IOError{Op: "close", Path: path, Row: n, Err: err}
	}
	return n, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (e *Exporter) fail(err error) error {
	e.log.WithError(err).Error("export failed")
	e.opts.Notifier.Notify(sim.Notification{
		Kind:    sim.NotifyExportFailed,
		Status:  "export failed",
		Message: err.Error(),
	})
	return err
}
