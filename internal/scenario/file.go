package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/clustertest/internal/topology"
)

// Step actions understood by Execute.
const (
	ActionPrepareDB        = "prepare_db"
	ActionCreateDB         = "create_db"
	ActionPostSeedSetup    = "post_seed_setup"
	ActionDropDB           = "drop_db"
	ActionSetupReplication = "setup_replication"
	ActionAddCompletePaths = "add_complete_paths"
	ActionAddTables        = "add_tables"
	ActionCreateSecondSet  = "create_second_set"
	ActionSubscribe        = "subscribe"
	ActionMoveSet          = "move_set"
	ActionSync             = "sync"
	ActionSeedData         = "seed_data"
	ActionGenerateLoad     = "generate_load"
	ActionStopLoad         = "stop_load"
	ActionDataChecks       = "start_data_checks"
	ActionCompare          = "compare"
	ActionMeasureLag       = "measure_lag"
	ActionVerifyReadOnly   = "verify_read_only"
	ActionTeardown         = "teardown"
)

var knownActions = map[string]bool{
	ActionPrepareDB:        true,
	ActionCreateDB:         true,
	ActionPostSeedSetup:    true,
	ActionDropDB:           true,
	ActionSetupReplication: true,
	ActionAddCompletePaths: true,
	ActionAddTables:        true,
	ActionCreateSecondSet:  true,
	ActionSubscribe:        true,
	ActionMoveSet:          true,
	ActionSync:             true,
	ActionSeedData:         true,
	ActionGenerateLoad:     true,
	ActionStopLoad:         true,
	ActionDataChecks:       true,
	ActionCompare:          true,
	ActionMeasureLag:       true,
	ActionVerifyReadOnly:   true,
	ActionTeardown:         true,
}

// File is a declarative scenario.
type File struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario exercises.
	Description string `yaml:"description"`

	// Topology is "standard" or a path to a .yaml, .yml or .cue topology
	// file, relative to the scenario file.
	Topology string `yaml:"topology,omitempty"`

	// Nodes is the node count of the standard topology.
	Nodes int `yaml:"nodes,omitempty"`

	// SyncWait overrides the configured sync wait, e.g. "60s".
	SyncWait string `yaml:"sync_wait,omitempty"`

	Steps []Step `yaml:"steps"`

	// Dir is the directory the file was loaded from.
	Dir string `yaml:"-"`
}

// Step is one action of a scenario.
type Step struct {
	Action string         `yaml:"action"`
	Args   map[string]any `yaml:"args,omitempty"`

	// Always runs the step even after the run has been aborted.
	Always bool `yaml:"always,omitempty"`
}

// LoadFile reads and validates a scenario file. Unknown fields are
// rejected.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}
	f.Dir = filepath.Dir(path)
	return f, nil
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*File, error) {
	var f File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateFile(&f); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &f, nil
}

func validateFile(f *File) error {
	if f.Name == "" {
		return fmt.Errorf("name is required")
	}
	if f.Nodes < 0 {
		return fmt.Errorf("nodes must be positive")
	}
	if f.SyncWait != "" {
		if _, err := f.SyncWaitDuration(); err != nil {
			return err
		}
	}
	if len(f.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range f.Steps {
		if step.Action == "" {
			return fmt.Errorf("steps[%d]: action is required", i)
		}
		if !knownActions[step.Action] {
			return fmt.Errorf("steps[%d]: unknown action %q", i, step.Action)
		}
	}
	return nil
}

// SyncWaitDuration parses SyncWait. It returns zero when SyncWait is empty.
func (f *File) SyncWaitDuration() (time.Duration, error) {
	if f.SyncWait == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(f.SyncWait)
	if err != nil {
		return 0, fmt.Errorf("sync_wait: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("sync_wait must be positive")
	}
	return d, nil
}

// BuildTopology returns the topology the scenario runs against.
func (f *File) BuildTopology() (*topology.Topology, error) {
	switch f.Topology {
	case "", topology.LayoutStandard:
		nodes := f.Nodes
		if nodes == 0 {
			nodes = topology.StandardNodeCount
		}
		return topology.Standard(nodes)
	}
	path := f.Topology
	if !filepath.IsAbs(path) && f.Dir != "" {
		path = filepath.Join(f.Dir, path)
	}
	return topology.LoadFile(path)
}

// nodeArgs are the step arguments that name a single node.
var nodeArgs = []string{"node", "origin", "old_origin", "new_origin", "provider", "lhs", "rhs"}

// nodeListArgs are the step arguments that name a list of nodes.
var nodeListArgs = []string{"nodes", "subscribers"}

// CheckNodes reports every step argument that names a node missing from
// topo, or that is not an integer.
func (f *File) CheckNodes(topo *topology.Topology) error {
	var errs []error
	for i, step := range f.Steps {
		args := stepArgs(step.Args)
		check := func(key string, id int) {
			if _, ok := topo.Node(id); !ok {
				errs = append(errs, fmt.Errorf("steps[%d] (%s): %s: node %d is not defined", i, step.Action, key, id))
			}
		}
		for _, key := range nodeArgs {
			if _, ok := args[key]; !ok {
				continue
			}
			id, err := args.intArg(key, 0)
			if err != nil {
				errs = append(errs, fmt.Errorf("steps[%d] (%s): %w", i, step.Action, err))
				continue
			}
			check(key, id)
		}
		for _, key := range nodeListArgs {
			if _, ok := args[key]; !ok {
				continue
			}
			ids, err := args.intList(key)
			if err != nil {
				errs = append(errs, fmt.Errorf("steps[%d] (%s): %w", i, step.Action, err))
				continue
			}
			for _, id := range ids {
				check(key, id)
			}
		}
	}
	return errors.Join(errs...)
}
