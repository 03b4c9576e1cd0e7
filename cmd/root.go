package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/flowsim/flowsim/sim"
	"github.com/flowsim/flowsim/sim/export"
	"github.com/flowsim/flowsim/sim/flow"
)

var (
	configPath  string        // Analysis file
	logLevel    string        // Log verbosity level
	seed        int64         // Seed for the reference driver
	duration    float64       // Simulated duration
	interval    float64       // Interval width for per-interval counters
	deadline    time.Duration // Wall-clock deadline of a run
	capacity    int           // Per-series capacity limit
	outDir      string        // Export directory
	batchSize   int           // Rows per export batch
	applyRecs   bool          // Apply pre-run recommendations
	abortOnRisk bool          // Abort when a pre-run estimate is at risk
	metricsAddr string        // Address serving /metrics during a run
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "flowsim",
	Short: "Instrumented discrete-event simulation of production flow lines",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		logrus.SetLevel(level)
		return nil
	},
}

// runCmd runs one analysis and exports its results.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an analysis and export the system states, statistics and conditions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadWithOverrides(cmd)
		if err != nil {
			return err
		}
		log := logrus.WithField("run", cfg.Export.BaseName)

		rc := cfg.RunConfig()
		if err := rc.Validate(); err != nil {
			return err
		}
		report := sim.Preflight(rc)
		advisories := report.Notifications()
		for _, n := range advisories {
			fmt.Fprintln(cmd.ErrOrStderr(), n.Message)
		}
		if len(advisories) > 0 {
			switch {
			case abortOnRisk:
				return errors.New("aborted: pre-run estimate at risk")
			case applyRecs:
				rc = report.Apply(rc)
				log.WithFields(logrus.Fields{"capacity": rc.CapacityLimit, "deadline": rc.Deadline}).Info("applied recommendations")
			}
		}

		notifiers := sim.MultiNotifier{sim.LogNotifier{Log: log}}
		if metricsAddr != "" {
			reg := prometheus.NewRegistry()
			notifiers = append(notifiers, newPromNotifier(reg))
			srv := &http.Server{Addr: metricsAddr, Handler: metricsMux(reg)}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.WithError(err).Error("metrics server stopped")
				}
			}()
			defer srv.Close()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, runErr := runAnalysis(ctx, cfg, rc, notifiers, log)
		if result == nil {
			return runErr
		}
		if runErr != nil {
			log.WithError(runErr).Warn("run stopped early; exporting partial results")
		}

		// Export must not be interrupted by the signal that cancelled the run.
		paths, err := newExporter(cfg, notifiers, log).Export(context.Background(), result)
		if err != nil {
			return err
		}
		printSummary(cmd.OutOrStdout(), result, paths)
		if runErr != nil && !sim.IsCancellationAbort(runErr) {
			return runErr
		}
		return nil
	},
}

// estimateCmd runs the pre-run estimates only.
var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate capacity usage and timeout risk without running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadWithOverrides(cmd)
		if err != nil {
			return err
		}
		rc := cfg.RunConfig()
		if err := rc.Validate(); err != nil {
			return err
		}
		r := sim.Preflight(rc)
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Estimated points per series: %d of %d (%.1f%%)\n",
			r.Capacity.EstimatedPoints, r.Capacity.Limit, r.Capacity.UsagePercent)
		if r.Capacity.NearLimit() {
			fmt.Fprintf(out, "Recommended capacity limit: %d\n", r.Capacity.Recommended)
		}
		fmt.Fprintf(out, "Estimated run time: %.0fs (deadline %s)\n", r.Timeout.EstimatedSeconds, r.Timeout.Deadline)
		if r.Timeout.AtRisk() {
			fmt.Fprintf(out, "Recommended deadline: %s\n", r.Timeout.RecommendedDeadline)
		}
		return nil
	},
}

// loadWithOverrides reads the analysis file and applies the flags the user
// set explicitly. Flags left at their defaults never overwrite file values.
func loadWithOverrides(cmd *cobra.Command) (*AnalysisConfig, error) {
	if configPath == "" {
		return nil, errors.New("an analysis file is required (--config)")
	}
	cfg, err := LoadAnalysisConfig(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("duration") {
		cfg.Run.Duration = duration
	}
	if flags.Changed("interval") {
		cfg.Run.Interval = interval
	}
	if flags.Changed("deadline") {
		cfg.Run.DeadlineSeconds = deadline.Seconds()
	}
	if flags.Changed("capacity") {
		cfg.Run.CapacityLimit = capacity
	}
	if flags.Changed("out") {
		cfg.Export.Dir = outDir
	}
	if flags.Changed("batch-size") {
		cfg.Export.BatchSize = batchSize
	}
	return cfg, nil
}

// lineFactory builds the reference driver for each run.
func lineFactory(topo *flow.Topology, seed int64, log *logrus.Entry) sim.DriverFactory {
	return func(rec flow.Recorder) (sim.Driver, error) {
		return flow.NewLineSimulator(topo, rec, seed, flow.WithLineLogger(log))
	}
}

func runAnalysis(ctx context.Context, cfg *AnalysisConfig, rc sim.RunConfig, n sim.Notifier, log *logrus.Entry) (*sim.RunResult, error) {
	c := sim.NewController(&cfg.Topology, lineFactory(&cfg.Topology, cfg.Seed, log),
		sim.WithNotifier(n), sim.WithLogger(log))
	return c.Run(ctx, rc)
}

func newExporter(cfg *AnalysisConfig, n sim.Notifier, log *logrus.Entry) *export.Exporter {
	return export.New(export.Options{
		Dir:       cfg.Export.Dir,
		BaseName:  cfg.Export.BaseName,
		BatchSize: cfg.Export.BatchSize,
		Step:      cfg.Export.Step,
		Notifier:  n,
		Log:       log,
	})
}

func printSummary(w io.Writer, r *sim.RunResult, paths export.Paths) {
	fmt.Fprintf(w, "Run %s: %s at t=%.1f of %g", r.ID, r.Outcome, r.EndTime, r.Config.Duration)
	if r.Partial {
		fmt.Fprint(w, " (partial results)")
	}
	fmt.Fprintln(w)
	for _, e := range r.Evicted() {
		fmt.Fprintf(w, "%s %s evicted %d points; raise the capacity limit for a complete series\n", e.Kind, e.ID, e.Evicted)
	}
	fmt.Fprintf(w, "Wrote %s\nWrote %s\nWrote %s\n", paths.SystemStates, paths.Statistics, paths.Conditions)
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Analysis file (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")

	for _, c := range []*cobra.Command{runCmd, estimateCmd, serveCmd} {
		c.Flags().Float64Var(&duration, "duration", 0, "Simulated duration (overrides the analysis file)")
		c.Flags().Float64Var(&interval, "interval", 0, "Interval width for per-interval counters")
		c.Flags().DurationVar(&deadline, "deadline", sim.DefaultDeadline, "Wall-clock deadline of a run")
		c.Flags().IntVar(&capacity, "capacity", sim.DefaultCapacityLimit, "Per-series capacity limit in points")
	}
	for _, c := range []*cobra.Command{runCmd, serveCmd} {
		c.Flags().Int64Var(&seed, "seed", 42, "Seed for the reference driver")
		c.Flags().StringVar(&outDir, "out", ".", "Export directory")
		c.Flags().IntVar(&batchSize, "batch-size", export.DefaultBatchSize, "Rows per export batch")
	}
	runCmd.Flags().BoolVar(&applyRecs, "apply-recommendations", false, "Apply pre-run capacity and deadline recommendations")
	runCmd.Flags().BoolVar(&abortOnRisk, "abort-on-risk", false, "Abort when a pre-run estimate is at risk")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus /metrics on this address during the run")

	rootCmd.AddCommand(runCmd, estimateCmd, serveCmd)
}
