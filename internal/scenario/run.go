package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/clustertest/internal/checks"
	"github.com/roach88/clustertest/internal/coordinator"
	"github.com/roach88/clustertest/internal/operation"
	"github.com/roach88/clustertest/internal/orchestrator"
	"github.com/roach88/clustertest/internal/slonik"
	"github.com/roach88/clustertest/internal/topology"
	"github.com/roach88/clustertest/internal/verify"
)

// DefaultSyncWait bounds a sync when no other limit is configured.
const DefaultSyncWait = time.Duration(slonik.DefaultWaitTimeout) * time.Second

// IDGenerator produces run identifiers.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 run ids.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Option configures a Run.
type Option func(*Run)

// WithLogger sets the logger shared by the run and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Run) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClusterName sets the replication cluster name.
func WithClusterName(name string) Option {
	return func(r *Run) {
		if name != "" {
			r.clusterName = name
		}
	}
}

// WithSyncWait sets how long a sync may take before it is recorded as a
// timeout. It also becomes the wait-for-event timeout in sync scripts.
func WithSyncWait(d time.Duration) Option {
	return func(r *Run) {
		if d > 0 {
			r.syncWait = d
		}
	}
}

// WithTimers replaces the timers used to race syncs.
func WithTimers(timers orchestrator.Timers) Option {
	return func(r *Run) {
		r.timers = timers
	}
}

// WithIDGenerator replaces the run id generator.
func WithIDGenerator(gen IDGenerator) Option {
	return func(r *Run) {
		if gen != nil {
			r.idGen = gen
		}
	}
}

// WithNow sets the time source for check timestamps.
func WithNow(now func() time.Time) Option {
	return func(r *Run) {
		if now != nil {
			r.now = now
		}
	}
}

// Run is the state of one scenario execution.
type Run struct {
	id          string
	clusterName string
	syncWait    time.Duration
	logger      *slog.Logger
	timers      orchestrator.Timers
	idGen       IDGenerator
	now         func() time.Time

	topo     *topology.Topology
	builder  *slonik.Builder
	coord    coordinator.Coordinator
	sink     *checks.Sink
	orch     *orchestrator.Orchestrator
	verifier *verify.Verifier

	nextTableID    int
	nextSequenceID int
	currentOrigin  int

	// cleanup is set while cleanup steps run after an abort.
	cleanup bool
}

// NewRun creates a run over topo. The current origin starts as the origin
// of set 1, or node 1 when no set is defined yet.
func NewRun(topo *topology.Topology, coord coordinator.Coordinator, opts ...Option) *Run {
	r := &Run{
		clusterName:    slonik.DefaultClusterName,
		syncWait:       DefaultSyncWait,
		logger:         slog.Default(),
		idGen:          UUIDv7Generator{},
		now:            time.Now,
		topo:           topo,
		coord:          coord,
		nextTableID:    1,
		nextSequenceID: 1,
		currentOrigin:  1,
	}
	for _, opt := range opts {
		opt(r)
	}
	if s, ok := topo.Set(1); ok {
		r.currentOrigin = s.Origin
	}
	r.id = r.idGen.Generate()
	r.logger = r.logger.With("run_id", r.id)

	r.builder = slonik.NewBuilder(topo,
		slonik.WithClusterName(r.clusterName),
		slonik.WithWaitTimeout(r.waitSeconds()))
	r.sink = checks.NewSink(checks.WithLogger(r.logger), checks.WithNow(r.now))
	r.orch = orchestrator.New(r.sink,
		orchestrator.WithLogger(r.logger),
		orchestrator.WithTimers(r.timers))
	r.verifier = verify.New(r.orch, coord, r.clusterName, r.logger)
	return r
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// ClusterName returns the replication cluster name.
func (r *Run) ClusterName() string { return r.clusterName }

// Topology returns the run's topology.
func (r *Run) Topology() *topology.Topology { return r.topo }

// Builder returns the run's script builder.
func (r *Run) Builder() *slonik.Builder { return r.builder }

// Orchestrator returns the run's orchestrator.
func (r *Run) Orchestrator() *orchestrator.Orchestrator { return r.orch }

// Sink returns the run's check sink.
func (r *Run) Sink() *checks.Sink { return r.sink }

// Report returns every check recorded so far.
func (r *Run) Report() checks.Report { return r.sink.Report() }

// Aborted reports whether a fatal check has failed.
func (r *Run) Aborted() bool { return r.orch.Aborted() }

// GetCurrentOrigin returns the node currently acting as origin of set 1.
func (r *Run) GetCurrentOrigin() int { return r.currentOrigin }

// Cleanup runs fn with cleanup semantics: operations launch even when the
// run has been aborted, and their failures are recorded without aborting.
func (r *Run) Cleanup(fn func() error) error {
	r.cleanup = true
	defer func() { r.cleanup = false }()
	return fn()
}

// waitSeconds is the sync wait in whole seconds, rounded up so the script
// never gives up before the timer does.
func (r *Run) waitSeconds() int {
	seconds := int((r.syncWait + time.Second - 1) / time.Second)
	return max(seconds, 1)
}

// node returns the topology node with id, so that every operation addresses
// the database under the alias the topology gave it.
func (r *Run) node(id int) (topology.Node, error) {
	n, ok := r.topo.Node(id)
	if !ok {
		return topology.Node{}, &topology.TopologyError{
			Code:   topology.ErrCodeMissing,
			Entity: "node",
			ID:     fmt.Sprint(id),
		}
	}
	return n, nil
}

// alias returns the database alias of node id.
func (r *Run) alias(id int) (string, error) {
	n, err := r.node(id)
	if err != nil {
		return "", err
	}
	return n.Alias, nil
}

func (r *Run) build(label, kind string, run operation.Runner) *operation.Operation {
	return r.orch.Build(label, kind, run)
}

func (r *Run) buildCommand(cmd slonik.Command) *operation.Operation {
	return r.build(cmd.Label, string(cmd.Kind), r.coord.TopologyScript(cmd.Label, cmd.Preamble, cmd.Body))
}

// runCommand runs cmd behind a barrier. A failed command aborts the run
// when its kind is fatal.
func (r *Run) runCommand(ctx context.Context, cmd slonik.Command, description string) (operation.Result, error) {
	return r.sequential(ctx, r.buildCommand(cmd), description, cmd.Kind.Fatal())
}

// sequential runs op behind a barrier. During cleanup op runs regardless of
// an abort and cannot abort the run itself.
func (r *Run) sequential(ctx context.Context, op *operation.Operation, description string, fatal bool) (operation.Result, error) {
	if r.cleanup {
		r.orch.Expect(op, description, false)
		return r.orch.RunAlways(ctx, op)
	}
	return r.orch.Sequential(ctx, op, description, fatal)
}

// fanOut launches every op and joins them all. Observers must already be
// registered.
func (r *Run) fanOut(ctx context.Context, ops []*operation.Operation) ([]operation.Result, error) {
	if !r.cleanup {
		return r.orch.FanOut(ctx, ops)
	}
	for _, op := range ops {
		r.orch.LaunchAlways(ctx, op)
	}
	return r.orch.Join(ctx, ops)
}
