package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/clustertest/internal/checks"
	"github.com/roach88/clustertest/internal/config"
	"github.com/roach88/clustertest/internal/coordinator"
	"github.com/roach88/clustertest/internal/scenario"
	"github.com/roach88/clustertest/internal/store"
)

// DefaultStorePath is where run results are recorded unless --db says
// otherwise.
const DefaultStorePath = "clustertest.db"

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	DBPath string

	// connect builds the coordinator for a run. The returned function
	// releases it.
	connect func(cfg *config.Config, logger *slog.Logger) (coordinator.Coordinator, func() error)

	// now stamps the run start and finish.
	now func() time.Time

	// runOpts are appended to the scenario run options.
	runOpts []scenario.Option
}

// runSummary is the JSON payload of the run command.
type runSummary struct {
	RunID    string         `json:"run_id"`
	Scenario string         `json:"scenario"`
	Passed   bool           `json:"passed"`
	Total    int            `json:"total"`
	Failed   int            `json:"failed"`
	Error    string         `json:"error,omitempty"`
	Failures []checks.Check `json:"failures,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{
		RootOptions: rootOpts,
		connect:     connectLocal,
		now:         time.Now,
	})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <scenario-file>",
		Short: "Run a scenario against the configured cluster",
		Long: `Run a scenario file step by step against the configured database nodes.

Every check is recorded in the result store. Steps marked always still
run after a failed mutation aborts the scenario, so teardown happens.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", DefaultStorePath, "result store path (empty disables recording)")
	cmd.Flags().String("clustername", "", "replication cluster name")
	cmd.Flags().String("sync_wait", "", "sync timeout, e.g. 90s")

	return cmd
}

func connectLocal(cfg *config.Config, logger *slog.Logger) (coordinator.Coordinator, func() error) {
	local := coordinator.NewLocal(cfg, coordinator.WithLogger(logger))
	return local, local.Close
}

func runScenario(ctx context.Context, opts *RunOptions, path string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	cfg, err := config.Load(opts.Config, cmd.Flags())
	if err != nil {
		return commandError(formatter, "failed to load configuration", err)
	}

	f, err := scenario.LoadFile(path)
	if err != nil {
		return failureError(formatter, "invalid scenario", err)
	}
	topo, err := f.BuildTopology()
	if err != nil {
		return failureError(formatter, "invalid topology", err)
	}

	syncWait := cfg.SyncWait
	if d, _ := f.SyncWaitDuration(); d > 0 && !cmd.Flags().Changed("sync_wait") {
		syncWait = d
	}

	coord, release := opts.connect(cfg, logger)
	defer func() {
		if err := release(); err != nil {
			logger.Warn("failed to release coordinator", "error", err)
		}
	}()

	runOpts := []scenario.Option{
		scenario.WithLogger(logger),
		scenario.WithClusterName(cfg.ClusterName),
		scenario.WithSyncWait(syncWait),
	}
	run := scenario.NewRun(topo, coord, append(runOpts, opts.runOpts...)...)

	var st *store.Store
	if opts.DBPath != "" {
		st, err = store.Open(opts.DBPath)
		if err != nil {
			return commandError(formatter, "failed to open result store", err)
		}
		defer st.Close()
		err = st.WriteRun(ctx, store.Run{
			ID:          run.ID(),
			Scenario:    f.Name,
			ClusterName: run.ClusterName(),
			StartedAt:   opts.now(),
		})
		if err != nil {
			return commandError(formatter, "failed to record run", err)
		}
	}

	logger.Info("scenario started", "scenario", f.Name, "run_id", run.ID(), "nodes", topo.NodeCount())
	execErr := scenario.Execute(ctx, run, f)
	report := run.Report()

	if st != nil {
		if err := st.FinishRun(ctx, run.ID(), report, opts.now(), execErr); err != nil {
			return commandError(formatter, "failed to record results", err)
		}
		if err := st.WriteEvents(ctx, run.ID(), run.Orchestrator().Trace()); err != nil {
			return commandError(formatter, "failed to record trace", err)
		}
	}

	summary := runSummary{
		RunID:    run.ID(),
		Scenario: f.Name,
		Passed:   execErr == nil && report.Passed(),
		Total:    report.Total,
		Failed:   report.Failed,
		Failures: report.Failures(),
	}
	if execErr != nil {
		summary.Error = execErr.Error()
	}

	if formatter.JSON() {
		if err := formatter.Success(summary); err != nil {
			return err
		}
	} else {
		printReport(formatter, report, opts.Verbose)
		printSummary(cmd.OutOrStdout(), summary)
	}

	switch {
	case execErr != nil:
		return WrapExitError(ExitFailure, "scenario aborted", execErr)
	case !report.Passed():
		return WrapExitError(ExitFailure, "scenario failed", report.Err())
	}
	return nil
}

// printReport renders the failed checks, or every check when verbose.
func printReport(formatter *OutputFormatter, report checks.Report, all bool) {
	rows := report.Failures()
	if all {
		rows = report.Checks
	}
	if len(rows) == 0 {
		return
	}
	t := formatter.Table()
	t.AppendHeader(table.Row{"#", "Kind", "Description", "Actual", "Expected", "Result"})
	for _, c := range rows {
		status := "ok"
		if !c.Passed {
			status = "FAILED"
		}
		t.AppendRow(table.Row{c.Seq, c.Kind, c.Description, c.Actual, c.Expected, statusText(status, c.Passed)})
	}
	t.Render()
}

func printSummary(w io.Writer, s runSummary) {
	status := "PASSED"
	if !s.Passed {
		status = "FAILED"
	}
	fmt.Fprintf(w, "%s %s: %d checks, %d failed (run %s)\n",
		statusText(status, s.Passed), s.Scenario, s.Total, s.Failed, s.RunID)
	if s.Error != "" {
		fmt.Fprintf(w, "  aborted: %s\n", s.Error)
	}
}

func commandError(formatter *OutputFormatter, message string, err error) error {
	_ = formatter.Error(fmt.Sprintf("%s: %v", message, err), nil)
	return WrapExitError(ExitCommandError, message, err)
}

func failureError(formatter *OutputFormatter, message string, err error) error {
	_ = formatter.Error(fmt.Sprintf("%s: %v", message, err), nil)
	return WrapExitError(ExitFailure, message, err)
}
