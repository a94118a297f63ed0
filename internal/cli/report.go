package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/roach88/clustertest/internal/orchestrator"
	"github.com/roach88/clustertest/internal/store"
)

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	*RootOptions
	DBPath       string
	Limit        int
	FailuresOnly bool
	Trace        bool
}

// runReport is the JSON payload of a single run report.
type runReport struct {
	Run    store.Run            `json:"run"`
	Checks []store.CheckRecord  `json:"checks"`
	Events []orchestrator.Event `json:"events,omitempty"`
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report [run-id]",
		Short: "Show recorded scenario runs",
		Long: `Show recorded scenario runs from the result store.

Without a run id, lists the most recent runs. With a run id, shows the
run summary and its checks, and with --trace the orchestrator trace.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if len(args) == 0 {
				return runListRuns(ctx, opts, cmd)
			}
			return runShowRun(ctx, opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", DefaultStorePath, "result store path")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "number of runs to list (0 for all)")
	cmd.Flags().BoolVar(&opts.FailuresOnly, "failures", false, "show failed checks only")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "include the orchestrator trace")

	return cmd
}

func openStore(formatter *OutputFormatter, path string) (*store.Store, error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, commandError(formatter, "failed to open result store", err)
	}
	return st, nil
}

func runListRuns(ctx context.Context, opts *ReportOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	st, err := openStore(formatter, opts.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(ctx, opts.Limit)
	if err != nil {
		return commandError(formatter, "failed to list runs", err)
	}

	if formatter.JSON() {
		return formatter.Success(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
		return nil
	}

	t := formatter.Table()
	t.AppendHeader(table.Row{"Run", "Scenario", "Started", "Status", "Checks", "Failed"})
	for _, r := range runs {
		t.AppendRow(table.Row{
			r.ID,
			r.Scenario,
			r.StartedAt.Format(time.DateTime),
			statusText(r.Status, r.Status == store.StatusPassed),
			r.Total,
			r.Failed,
		})
	}
	t.Render()
	return nil
}

func runShowRun(ctx context.Context, opts *ReportOptions, id string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	st, err := openStore(formatter, opts.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.ReadRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		_ = formatter.Error(fmt.Sprintf("run %q not found", id), nil)
		return WrapExitError(ExitCommandError, "run not found", err)
	}
	if err != nil {
		return commandError(formatter, "failed to read run", err)
	}

	records, err := st.ReadChecks(ctx, id)
	if err != nil {
		return commandError(formatter, "failed to read checks", err)
	}
	if opts.FailuresOnly {
		failed := []store.CheckRecord{}
		for _, rec := range records {
			if !rec.Passed {
				failed = append(failed, rec)
			}
		}
		records = failed
	}

	report := runReport{Run: run, Checks: records}
	if opts.Trace {
		if report.Events, err = st.ReadEvents(ctx, id); err != nil {
			return commandError(formatter, "failed to read trace", err)
		}
	}

	if formatter.JSON() {
		return formatter.Success(report)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Scenario: %s\n", run.Scenario)
	fmt.Fprintf(w, "Cluster:  %s\n", run.ClusterName)
	fmt.Fprintf(w, "Status:   %s\n", statusText(run.Status, run.Status == store.StatusPassed))
	fmt.Fprintf(w, "Checks:   %d (%d failed)\n", run.Total, run.Failed)
	if run.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", run.Error)
	}
	if run.ReportHash != "" {
		fmt.Fprintf(w, "Hash:     %s\n", run.ReportHash)
	}

	if len(records) > 0 {
		t := formatter.Table()
		t.AppendHeader(table.Row{"#", "Kind", "Description", "Actual", "Expected", "Result"})
		for _, rec := range records {
			status := "ok"
			if !rec.Passed {
				status = "FAILED"
			}
			t.AppendRow(table.Row{rec.Seq, rec.Kind, rec.Description, rec.Actual, rec.Expected, statusText(status, rec.Passed)})
		}
		t.Render()
	}

	if opts.Trace && len(report.Events) > 0 {
		t := formatter.Table()
		t.AppendHeader(table.Row{"#", "Event", "Op", "Label", "Status", "Code", "Reason"})
		for _, e := range report.Events {
			t.AppendRow(table.Row{e.Seq, e.Type, e.OpID, e.Label, e.Status, e.Code, e.Reason})
		}
		t.Render()
	}
	return nil
}
