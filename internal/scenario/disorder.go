package scenario

import (
	"context"
	"fmt"

	"github.com/roach88/clustertest/internal/checks"
	"github.com/roach88/clustertest/internal/operation"
	"github.com/roach88/clustertest/internal/topology"
	"github.com/roach88/clustertest/internal/verify"
)

// Files read through the coordinator, relative to the scenario directory.
const (
	SchemaFile      = "disorder/sql/disorder-1.sql"
	PostSeedFile    = "disorder/sql/disorder-2.sql"
	ClientLibrary   = "disorder/client/disorder.js"
	FixedLoadScript = "disorder/client/run_fixed_load.js"
	CheckLoadScript = "disorder/client/run_check_load.js"
)

// Check descriptions recorded by the disorder steps.
const (
	DescInstall   = "slonik - creating nodes+paths+sets"
	DescPaths     = "paths added okay"
	DescAddTables = "slonik - adding tables to set"
	DescCreateDB  = "createdb is okay"
	DescSchema    = "schema load is okay"
	DescPostSeed  = "post seed setup is okay"
	DescDropDB    = "dropdb is okay"
	DescSync      = "slonik completed on success"
	DescMoveSet   = "move set succeeded"
	DescSubscribe = "slonik - subscribing set"
	DescTeardown  = "slonik - uninstalling nodes"
	DescCreateSet = "create set to succeeded"
	DescDataCheck = "the data check script reported an error"
	DescSeed      = "data populated okay"
)

const (
	PrimarySetID     = 1
	SecondSetID      = 2
	SecondSetComment = "second set"

	// ClusterNameOption is the slon configuration key naming the cluster.
	ClusterNameOption = "cluster_name"
)

// PrimaryTables are the tables of set 1, in the order they are added.
var PrimaryTables = []string{
	"disorder.do_customer",
	"disorder.do_item",
	"disorder.do_inventory",
	"disorder.do_restock",
	"disorder.do_order",
	"disorder.do_order_line",
	"disorder.do_config",
}

// PrimarySequences are the sequences of set 1.
var PrimarySequences = []string{
	"disorder.do_customer_c_id_seq",
	"disorder.do_item_i_id_seq",
	"disorder.do_restock_r_id_seq",
	"disorder.do_order_o_id_seq",
}

// Members of the second set.
const (
	SecondSetTable    = "disorder.do_item_review"
	SecondSetSequence = "disorder.do_item_review_ir_id_seq"
)

// SetupReplication installs the cluster: every node, path and defined set.
// A failure aborts the run.
func (r *Run) SetupReplication(ctx context.Context) error {
	cmd, err := r.builder.Install()
	if err != nil {
		return err
	}
	_, err = r.runCommand(ctx, cmd, DescInstall)
	return err
}

// AddCompletePaths stores a path between every pair of nodes that has none
// yet. Nothing is launched when the paths are already complete.
func (r *Run) AddCompletePaths(ctx context.Context) error {
	added, err := r.topo.CompletePaths()
	if err != nil {
		return err
	}
	if len(added) == 0 {
		r.logger.Info("paths already complete")
		return nil
	}
	cmd, err := r.builder.StorePaths(added)
	if err != nil {
		return err
	}
	_, err = r.runCommand(ctx, cmd, DescPaths)
	return err
}

// AddTables adds the primary tables and sequences to set 1. Member ids come
// from the run's counters.
func (r *Run) AddTables(ctx context.Context) error {
	if err := r.addMembers(PrimarySetID, PrimaryTables, PrimarySequences); err != nil {
		return err
	}
	cmd, err := r.builder.AddMembers(PrimarySetID)
	if err != nil {
		return err
	}
	_, err = r.runCommand(ctx, cmd, DescAddTables)
	return err
}

// CreateSecondSet creates set 2 on origin with the item review table and
// its sequence.
func (r *Run) CreateSecondSet(ctx context.Context, origin int) error {
	if err := r.topo.DefineSet(SecondSetID, origin); err != nil {
		return err
	}
	if err := r.topo.SetComment(SecondSetID, SecondSetComment); err != nil {
		return err
	}
	if err := r.addMembers(SecondSetID, []string{SecondSetTable}, []string{SecondSetSequence}); err != nil {
		return err
	}
	return r.CreateSet(ctx, SecondSetID)
}

// CreateSet creates a set defined in the topology, together with its
// members. A failure aborts the run.
func (r *Run) CreateSet(ctx context.Context, setID int) error {
	cmd, err := r.builder.CreateSet(setID)
	if err != nil {
		return err
	}
	_, err = r.runCommand(ctx, cmd, DescCreateSet)
	return err
}

func (r *Run) addMembers(setID int, tables, sequences []string) error {
	for _, name := range tables {
		if err := r.topo.AddMember(setID, topology.KindTable, r.nextTableID, name); err != nil {
			return err
		}
		r.nextTableID++
	}
	for _, name := range sequences {
		if err := r.topo.AddMember(setID, topology.KindSequence, r.nextSequenceID, name); err != nil {
			return err
		}
		r.nextSequenceID++
	}
	return nil
}

// SubscribeSetBackground defines a subscription of set from provider for
// every subscriber and returns the subscribe operations, observed but not
// launched. Subscription failures are recorded but never abort the run.
func (r *Run) SubscribeSetBackground(setID, provider int, subscribers []int) ([]*operation.Operation, error) {
	ops := make([]*operation.Operation, 0, len(subscribers))
	for _, sub := range subscribers {
		if err := r.topo.DefineSubscription(setID, provider, sub, true); err != nil {
			return nil, err
		}
		cmd, err := r.builder.Subscribe(setID, provider, sub)
		if err != nil {
			return nil, err
		}
		op := r.buildCommand(cmd)
		r.orch.Expect(op, DescSubscribe, cmd.Kind.Fatal() && !r.cleanup)
		ops = append(ops, op)
	}
	return ops, nil
}

// SubscribeSet subscribes every subscriber concurrently and returns once
// all of them have finished.
func (r *Run) SubscribeSet(ctx context.Context, setID, provider int, subscribers []int) error {
	ops, err := r.SubscribeSetBackground(setID, provider, subscribers)
	if err != nil {
		return err
	}
	_, err = r.fanOut(ctx, ops)
	return err
}

// MoveSet moves set from oldOrigin to newOrigin. On success the topology and
// the current origin follow the move. A failure aborts the run.
func (r *Run) MoveSet(ctx context.Context, setID, oldOrigin, newOrigin int) error {
	cmd, err := r.builder.MoveSet(setID, oldOrigin, newOrigin)
	if err != nil {
		return err
	}
	res, err := r.runCommand(ctx, cmd, DescMoveSet)
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		return nil
	}
	if err := r.topo.MoveOrigin(setID, oldOrigin, newOrigin); err != nil {
		return err
	}
	if setID == PrimarySetID {
		r.currentOrigin = newOrigin
	}
	r.logger.Info("set moved", "set", setID, "origin", newOrigin)
	return nil
}

// SlonikSync raises a sync on origin and waits until the whole cluster has
// confirmed it. A sync that outlives the sync wait is recorded as a timeout
// and stopped; it does not abort the run.
func (r *Run) SlonikSync(ctx context.Context, setID, origin int) (operation.Result, error) {
	cmd, err := r.builder.Sync(origin, r.waitSeconds())
	if err != nil {
		return operation.Result{}, err
	}
	r.logger.Debug("syncing", "set", setID, "origin", origin)
	return r.orch.TimedWait(ctx, r.buildCommand(cmd), r.syncWait, DescSync)
}

// Teardown uninstalls replication from every node. Nodes that were never
// installed are tolerated, so running it twice is harmless.
func (r *Run) Teardown(ctx context.Context) error {
	_, err := r.runCommand(ctx, r.builder.Teardown(), DescTeardown)
	return err
}

// CreateDB creates the databases of aliases concurrently. Any failure
// aborts the run.
func (r *Run) CreateDB(ctx context.Context, aliases []string) error {
	ops := make([]*operation.Operation, 0, len(aliases))
	for _, alias := range aliases {
		op := r.build("createdb "+alias, "createdb", r.coord.CreateDatabase(alias))
		r.observeFatal(op, DescCreateDB)
		ops = append(ops, op)
	}
	_, err := r.fanOut(ctx, ops)
	return err
}

// DropDB drops the databases of aliases concurrently. Any failure aborts the
// run.
func (r *Run) DropDB(ctx context.Context, aliases []string) error {
	ops := make([]*operation.Operation, 0, len(aliases))
	for _, alias := range aliases {
		op := r.build("dropdb "+alias, "dropdb", r.coord.DropDatabase(alias))
		r.observeFatal(op, DescDropDB)
		ops = append(ops, op)
	}
	_, err := r.fanOut(ctx, ops)
	return err
}

// PrepareDB creates the databases of aliases and loads the disorder schema
// into each of them.
func (r *Run) PrepareDB(ctx context.Context, aliases []string) error {
	if err := r.CreateDB(ctx, aliases); err != nil {
		return err
	}
	return r.loadFile(ctx, aliases, SchemaFile, DescSchema)
}

// PostSeedSetup loads the post-seed schema into each of aliases.
func (r *Run) PostSeedSetup(ctx context.Context, aliases []string) error {
	return r.loadFile(ctx, aliases, PostSeedFile, DescPostSeed)
}

func (r *Run) loadFile(ctx context.Context, aliases []string, path, description string) error {
	sql, err := r.coord.ReadFile(path)
	if err != nil {
		return err
	}
	ops := make([]*operation.Operation, 0, len(aliases))
	for _, alias := range aliases {
		op := r.build("load "+alias, "query", r.coord.Query(alias, sql))
		r.orch.Expect(op, description, false)
		ops = append(ops, op)
	}
	_, err = r.fanOut(ctx, ops)
	return err
}

func (r *Run) observeFatal(op *operation.Operation, description string) {
	r.orch.Expect(op, description, !r.cleanup)
}

// SeedData populates the current origin's database at the given scaling
// and returns once population has finished. A failure is recorded but does
// not abort the run.
func (r *Run) SeedData(ctx context.Context, scaling int) (operation.Result, error) {
	alias, err := r.alias(r.currentOrigin)
	if err != nil {
		return operation.Result{}, err
	}
	r.logger.Info("seeding data", "scaling", scaling, "node", r.currentOrigin)
	query := fmt.Sprintf("SET SEARCH_PATH=disorder,public; SELECT disorder.populate(%d);", scaling)
	return r.sequential(ctx, r.build("seed data", "query", r.coord.Query(alias, query)), DescSeed, false)
}

// GenerateLoad starts the fixed-load client against the current origin. The
// returned operation is already running; cancel it to stop the load.
func (r *Run) GenerateLoad(ctx context.Context) (*operation.Operation, error) {
	alias, err := r.alias(r.currentOrigin)
	if err != nil {
		return nil, err
	}
	program, err := r.clientProgram(FixedLoadScript)
	if err != nil {
		return nil, err
	}
	op := r.build("generate load", "client", r.coord.ClientProgram(program, alias))
	return r.orch.Background(ctx, op), nil
}

// StartDataChecks starts the data check client against node. If the client
// fails, a failed check is recorded.
func (r *Run) StartDataChecks(ctx context.Context, node int) (*operation.Operation, error) {
	alias, err := r.alias(node)
	if err != nil {
		return nil, err
	}
	program, err := r.clientProgram(CheckLoadScript)
	if err != nil {
		return nil, err
	}
	op := r.build(fmt.Sprintf("data checks %d", node), "client", r.coord.ClientProgram(program, alias))
	op.OnComplete(func(_ *operation.Operation, res operation.Result) {
		if res.Status == operation.StatusFinished && !res.Succeeded() {
			r.sink.Assert(checks.KindVerification, DescDataCheck, true, false)
		}
	})
	return r.orch.Background(ctx, op), nil
}

func (r *Run) clientProgram(script string) (string, error) {
	lib, err := r.coord.ReadFile(ClientLibrary)
	if err != nil {
		return "", err
	}
	body, err := r.coord.ReadFile(script)
	if err != nil {
		return "", err
	}
	return lib + body, nil
}

// CompareDB compares the replicated history of two nodes.
func (r *Run) CompareDB(ctx context.Context, lhs, rhs int) (bool, error) {
	lhsAlias, err := r.alias(lhs)
	if err != nil {
		return false, err
	}
	rhsAlias, err := r.alias(rhs)
	if err != nil {
		return false, err
	}
	return verify.CompareDB(ctx, r.orch, r.coord, lhsAlias, rhsAlias)
}

// MeasureLag returns how many seconds lagNode is behind eventNode, or
// verify.LagUnknown.
func (r *Run) MeasureLag(ctx context.Context, eventNode, lagNode int) (int, error) {
	event, err := r.node(eventNode)
	if err != nil {
		return verify.LagUnknown, err
	}
	if _, err := r.node(lagNode); err != nil {
		return verify.LagUnknown, err
	}
	return r.verifier.MeasureLag(ctx, event, lagNode), nil
}

// VerifyReadOnly checks that node refuses writes.
func (r *Run) VerifyReadOnly(ctx context.Context, node int) (bool, error) {
	n, err := r.node(node)
	if err != nil {
		return false, err
	}
	return r.verifier.VerifyReadOnly(ctx, n), nil
}

// SlonConf returns the slon daemon options for node.
func (r *Run) SlonConf(node int) (map[string]string, error) {
	if _, err := r.node(node); err != nil {
		return nil, err
	}
	return map[string]string{ClusterNameOption: r.clusterName}, nil
}
