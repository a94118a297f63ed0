package topology

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// LayoutStandard selects the standard cascading layout as the base of a Spec.
const LayoutStandard = "standard"

// Spec is the file representation of a topology.
// YAML and CUE files decode into the same structure.
type Spec struct {
	// Layout optionally seeds the topology ("standard").
	Layout string `yaml:"layout,omitempty" json:"layout,omitempty"`

	// NodeCount defines nodes 1..NodeCount with default aliases.
	NodeCount int `yaml:"node_count,omitempty" json:"node_count,omitempty"`

	// Nodes defines individual nodes, optionally with custom aliases.
	Nodes []NodeSpec `yaml:"nodes,omitempty" json:"nodes,omitempty"`

	// Paths lists directed paths. Both adds the reverse path too.
	Paths []PathSpec `yaml:"paths,omitempty" json:"paths,omitempty"`

	// CompletePaths fills in every missing path after Paths are applied.
	CompletePaths bool `yaml:"complete_paths,omitempty" json:"complete_paths,omitempty"`

	Sets          []SetSpec          `yaml:"sets,omitempty" json:"sets,omitempty"`
	Subscriptions []SubscriptionSpec `yaml:"subscriptions,omitempty" json:"subscriptions,omitempty"`
}

// NodeSpec describes one node.
type NodeSpec struct {
	ID    int    `yaml:"id" json:"id"`
	Alias string `yaml:"alias,omitempty" json:"alias,omitempty"`
}

// PathSpec describes a path.
type PathSpec struct {
	Server int  `yaml:"server" json:"server"`
	Client int  `yaml:"client" json:"client"`
	Both   bool `yaml:"both,omitempty" json:"both,omitempty"`
}

// SetSpec describes a replication set and its members.
type SetSpec struct {
	ID        int          `yaml:"id" json:"id"`
	Origin    int          `yaml:"origin" json:"origin"`
	Comment   string       `yaml:"comment,omitempty" json:"comment,omitempty"`
	Tables    []MemberSpec `yaml:"tables,omitempty" json:"tables,omitempty"`
	Sequences []MemberSpec `yaml:"sequences,omitempty" json:"sequences,omitempty"`
}

// MemberSpec describes a table or sequence.
type MemberSpec struct {
	ID   int    `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// SubscriptionSpec describes a subscription.
type SubscriptionSpec struct {
	Set        int  `yaml:"set" json:"set"`
	Provider   int  `yaml:"provider" json:"provider"`
	Subscriber int  `yaml:"subscriber" json:"subscriber"`
	Forward    bool `yaml:"forward,omitempty" json:"forward,omitempty"`
}

// LoadFile reads a topology from a .yaml, .yml or .cue file.
//
// CUE files may either be the topology struct itself or wrap it in a
// top-level "topology" field.
func LoadFile(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}

	var spec *Spec
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		spec, err = ParseYAML(data)
	case ".cue":
		spec, err = ParseCUE(path, data)
	default:
		return nil, fmt.Errorf("unsupported topology file extension %q", ext)
	}
	if err != nil {
		return nil, err
	}

	return Build(spec)
}

// ParseYAML decodes a topology spec, rejecting unknown fields.
func ParseYAML(data []byte) (*Spec, error) {
	var spec Spec
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&spec); err != nil {
		return nil, fmt.Errorf("failed to parse topology YAML: %w", err)
	}
	return &spec, nil
}

// ParseCUE evaluates a CUE document and decodes it into a topology spec.
// The filename is only used for error positions.
func ParseCUE(filename string, data []byte) (*Spec, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile topology CUE: %w", err)
	}

	if wrapped := value.LookupPath(cue.ParsePath("topology")); wrapped.Exists() {
		value = wrapped
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("topology CUE is not concrete: %w", err)
	}

	var spec Spec
	if err := value.Decode(&spec); err != nil {
		return nil, fmt.Errorf("failed to decode topology CUE: %w", err)
	}
	return &spec, nil
}

// Build applies a spec through the Define* operations.
func Build(spec *Spec) (*Topology, error) {
	var t *Topology
	switch spec.Layout {
	case "":
		t = New()
		if spec.NodeCount > 0 {
			if err := t.DefineNodes(spec.NodeCount); err != nil {
				return nil, err
			}
		}
	case LayoutStandard:
		count := spec.NodeCount
		if count == 0 {
			count = StandardNodeCount
		}
		var err error
		if t, err = Standard(count); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown topology layout %q", spec.Layout)
	}

	for _, n := range spec.Nodes {
		if err := t.DefineNode(n.ID, n.Alias); err != nil {
			return nil, err
		}
	}
	for _, p := range spec.Paths {
		if err := t.DefinePath(p.Server, p.Client); err != nil {
			return nil, err
		}
		if p.Both {
			if err := t.DefinePath(p.Client, p.Server); err != nil {
				return nil, err
			}
		}
	}
	if spec.CompletePaths {
		if _, err := t.CompletePaths(); err != nil {
			return nil, err
		}
	}
	for _, s := range spec.Sets {
		existing, exists := t.Set(s.ID)
		switch {
		case !exists || spec.Layout == "":
			if err := t.DefineSet(s.ID, s.Origin); err != nil {
				return nil, err
			}
		case existing.Origin != s.Origin:
			return nil, invalid("set", s.ID, "origin %d conflicts with layout origin %d", s.Origin, existing.Origin)
		}
		if s.Comment != "" {
			if err := t.SetComment(s.ID, s.Comment); err != nil {
				return nil, err
			}
		}
		for _, m := range s.Tables {
			if err := t.AddMember(s.ID, KindTable, m.ID, m.Name); err != nil {
				return nil, err
			}
		}
		for _, m := range s.Sequences {
			if err := t.AddMember(s.ID, KindSequence, m.ID, m.Name); err != nil {
				return nil, err
			}
		}
	}
	for _, sub := range spec.Subscriptions {
		if err := t.DefineSubscription(sub.Set, sub.Provider, sub.Subscriber, sub.Forward); err != nil {
			return nil, err
		}
	}

	return t, nil
}
