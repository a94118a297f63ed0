package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/clustertest/internal/config"
	"github.com/roach88/clustertest/internal/scenario"
	"github.com/roach88/clustertest/internal/slonik"
	"github.com/roach88/clustertest/internal/topology"
)

// ScriptOptions holds flags for the script command.
type ScriptOptions struct {
	*RootOptions
	ClusterName string
	Expand      bool
}

// scriptPayload is the JSON payload of the script command.
type scriptPayload struct {
	Preamble string          `json:"preamble"`
	Commands []scriptCommand `json:"commands"`
}

type scriptCommand struct {
	Kind  slonik.Kind `json:"kind"`
	Label string      `json:"label"`
	Body  string      `json:"body"`
}

// NewScriptCommand creates the script command.
func NewScriptCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScriptOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "script <scenario-file>",
		Short: "Print the slonik scripts for a scenario topology",
		Long: `Print the slonik scripts that build the scenario's topology: the
install script, the member additions of every set, every defined
subscription and the teardown.

With --expand, $database.<alias>.<field> variables are replaced with
values from the configuration.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ClusterName, "clustername", "", "replication cluster name")
	cmd.Flags().BoolVar(&opts.Expand, "expand", false, "substitute configured database variables")

	return cmd
}

func runScript(opts *ScriptOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	f, err := scenario.LoadFile(path)
	if err != nil {
		return failureError(formatter, "invalid scenario", err)
	}
	topo, err := f.BuildTopology()
	if err != nil {
		return failureError(formatter, "invalid topology", err)
	}

	b := slonik.NewBuilder(topo, slonik.WithClusterName(opts.ClusterName))
	commands, err := topologyCommands(b, topo)
	if err != nil {
		return failureError(formatter, "failed to build scripts", err)
	}

	payload := scriptPayload{Preamble: b.Preamble()}
	for _, c := range commands {
		payload.Commands = append(payload.Commands, scriptCommand{Kind: c.Kind, Label: c.Label, Body: c.Body})
	}

	if opts.Expand {
		cfg, err := config.Load(opts.Config, nil)
		if err != nil {
			return commandError(formatter, "failed to load configuration", err)
		}
		if payload.Preamble, err = cfg.Expand(payload.Preamble); err != nil {
			return commandError(formatter, "failed to expand preamble", err)
		}
	}

	if formatter.JSON() {
		return formatter.Success(payload)
	}

	var sb strings.Builder
	sb.WriteString(payload.Preamble)
	for _, c := range payload.Commands {
		fmt.Fprintf(&sb, "\n# %s (%s)\n", c.Label, c.Kind)
		sb.WriteString(c.Body)
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), sb.String())
	return err
}

// topologyCommands returns the scripts that build topo from scratch and
// tear it down again.
func topologyCommands(b *slonik.Builder, topo *topology.Topology) ([]slonik.Command, error) {
	install, err := b.Install()
	if err != nil {
		return nil, err
	}
	commands := []slonik.Command{install}

	for _, s := range topo.Sets() {
		if len(s.Members) == 0 {
			continue
		}
		add, err := b.AddMembers(s.ID)
		if err != nil {
			return nil, err
		}
		commands = append(commands, add)
	}

	for _, sub := range topo.Subscriptions() {
		c, err := b.Subscribe(sub.SetID, sub.Provider, sub.Subscriber)
		if err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}

	return append(commands, b.Teardown()), nil
}
