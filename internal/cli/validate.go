package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/clustertest/internal/scenario"
)

// ValidationResult holds the outcome of validating one scenario file.
type ValidationResult struct {
	Path   string   `json:"path"`
	Name   string   `json:"name,omitempty"`
	Valid  bool     `json:"valid"`
	Steps  int      `json:"steps,omitempty"`
	Nodes  int      `json:"nodes,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <scenario-file>...",
		Short: "Validate scenario files without running them",
		Long: `Validate scenario files without touching any database.

Checks the file syntax, required fields and known actions, builds the
topology, and verifies that every node a step names exists.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	results := make([]ValidationResult, 0, len(paths))
	invalid := 0
	for _, path := range paths {
		result := validateScenario(path)
		if !result.Valid {
			invalid++
		}
		results = append(results, result)
	}

	if formatter.JSON() {
		if err := formatter.Success(results); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		for _, r := range results {
			if r.Valid {
				fmt.Fprintf(w, "%s %s: %s (%d steps, %d nodes)\n",
					statusText("ok", true), r.Path, r.Name, r.Steps, r.Nodes)
				continue
			}
			fmt.Fprintf(w, "%s %s\n", statusText("invalid", false), r.Path)
			for _, e := range r.Errors {
				fmt.Fprintf(w, "  - %s\n", e)
			}
		}
	}

	if invalid > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario files are invalid", invalid, len(paths)))
	}
	return nil
}

func validateScenario(path string) ValidationResult {
	result := ValidationResult{Path: path}
	f, err := scenario.LoadFile(path)
	if err != nil {
		result.Errors = []string{err.Error()}
		return result
	}
	result.Name = f.Name
	result.Steps = len(f.Steps)

	topo, err := f.BuildTopology()
	if err != nil {
		result.Errors = []string{fmt.Sprintf("topology: %v", err)}
		return result
	}
	result.Nodes = topo.NodeCount()

	if err := f.CheckNodes(topo); err != nil {
		result.Errors = splitJoined(err)
		return result
	}
	result.Valid = true
	return result
}

// splitJoined flattens an errors.Join result into one message per error.
func splitJoined(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
