package scenario

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clustertest/internal/checks"
	"github.com/roach88/clustertest/internal/operation"
	"github.com/roach88/clustertest/internal/orchestrator"
	"github.com/roach88/clustertest/internal/testutil"
	"github.com/roach88/clustertest/internal/topology"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	run    *Run
	coord  *testutil.FakeCoordinator
	timers *testutil.ManualTimers
}

func newFixture(t *testing.T, nodes int) *fixture {
	t.Helper()
	topo, err := topology.Standard(nodes)
	require.NoError(t, err)
	coord := testutil.NewFakeCoordinator()
	timers := testutil.NewManualTimers()
	run := NewRun(topo, coord,
		WithLogger(quietLogger()),
		WithTimers(timers),
		WithIDGenerator(testutil.NewFixedRunID("run-1")),
		WithNow(testutil.NewStepClock(time.Second).Now))
	return &fixture{run: run, coord: coord, timers: timers}
}

func slonikLabels(coord *testutil.FakeCoordinator) []string {
	var labels []string
	for _, c := range coord.CallsTo(testutil.MethodSlonik) {
		labels = append(labels, c.Label)
	}
	return labels
}

func TestNewRun_Defaults(t *testing.T) {
	f := newFixture(t, 2)
	assert.Equal(t, "run-1", f.run.ID())
	assert.Equal(t, "disorder_replica", f.run.ClusterName())
	assert.Equal(t, 1, f.run.GetCurrentOrigin())
	assert.Equal(t, 60, f.run.Builder().WaitTimeout())
}

func TestNewRun_GeneratesUUIDv7(t *testing.T) {
	topo, err := topology.Standard(1)
	require.NoError(t, err)
	run := NewRun(topo, testutil.NewFakeCoordinator(), WithLogger(quietLogger()))
	assert.Len(t, run.ID(), 36)
	assert.Equal(t, byte('7'), run.ID()[14], "version nibble")
}

// The reference scenario: five nodes, seven tables, four subscribers, load,
// a sync and a comparison, all clean.
func TestBasicScenario_FiveNodes(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	r := f.run

	require.NoError(t, r.SetupReplication(ctx))
	require.NoError(t, r.AddTables(ctx))
	require.NoError(t, r.SubscribeSet(ctx, 1, 1, []int{2, 3}))
	require.NoError(t, r.SubscribeSet(ctx, 1, 3, []int{4, 5}))

	load, err := r.GenerateLoad(ctx)
	require.NoError(t, err)

	res, err := r.SlonikSync(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())

	assert.True(t, load.Await().Succeeded())

	equal, err := r.CompareDB(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, equal)

	report := r.Report()
	assert.True(t, report.Passed(), "failures: %v", report.Failures())
	assert.Equal(t, 10, report.Total)
	assert.False(t, r.Aborted())

	set, ok := r.Topology().Set(1)
	require.True(t, ok)
	assert.Len(t, set.Tables(), 7)
	assert.Len(t, set.Sequences(), 4)
	assert.Len(t, r.Topology().Subscriptions(), 4)

	assert.Equal(t, []string{"init", "add tables", "subscribe 2", "subscribe 3", "subscribe 4", "subscribe 5", "sync"},
		sortedSubscribes(slonikLabels(f.coord)))

	clients := f.coord.CallsTo(testutil.MethodClient)
	require.Len(t, clients, 1)
	assert.Equal(t, "db1", clients[0].Alias, "load runs against the current origin")
	assert.Contains(t, clients[0].Body, "-- "+ClientLibrary)
	assert.Contains(t, clients[0].Body, "-- "+FixedLoadScript)

	timer := f.timers.Timers()
	require.Len(t, timer, 1)
	assert.Equal(t, 60*time.Second, timer[0].Duration)
	assert.Equal(t, 1, timer[0].StopCalls())
}

// sortedSubscribes orders the subscribe labels inside each fan-out, whose
// completion order is not defined.
func sortedSubscribes(labels []string) []string {
	out := append([]string(nil), labels...)
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if strings.HasPrefix(out[i], "subscribe") && strings.HasPrefix(out[j], "subscribe") && out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

func TestAddTables_AssignsIDsFromCounters(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	require.NoError(t, f.run.AddTables(ctx))
	require.NoError(t, f.run.CreateSecondSet(ctx, 1))

	calls := f.coord.CallsTo(testutil.MethodSlonik)
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].Body, "set add table(id=1, set id=1, fully qualified name='disorder.do_customer', origin=1);")
	assert.Contains(t, calls[0].Body, "set add table(id=7, set id=1, fully qualified name='disorder.do_config', origin=1);")
	assert.Contains(t, calls[0].Body, "set add sequence(id=4, set id=1, fully qualified name='disorder.do_order_o_id_seq', origin=1);")

	assert.Equal(t, "create set 2", calls[1].Label)
	assert.Contains(t, calls[1].Body, "create set(id=2, origin=1, comment='second set');")
	assert.Contains(t, calls[1].Body, "set add table(id=8, set id=2, fully qualified name='disorder.do_item_review', origin=1);")
	assert.Contains(t, calls[1].Body, "set add sequence(id=5, set id=2, fully qualified name='disorder.do_item_review_ir_id_seq', origin=1);")
	assert.True(t, f.run.Report().Passed())
}

func TestCreateSetFailure_AbortsLaterMutations(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	r := f.run
	f.coord.SetResult("slonik:create set 2", 1)

	require.NoError(t, r.SetupReplication(ctx))
	require.NoError(t, r.CreateSecondSet(ctx, 1))
	assert.True(t, r.Aborted())

	require.NoError(t, r.AddTables(ctx))
	require.NoError(t, r.SubscribeSet(ctx, 1, 1, []int{2, 3}))
	require.NoError(t, r.MoveSet(ctx, 1, 1, 2))

	assert.Equal(t, []string{"init", "create set 2"}, slonikLabels(f.coord))
	assert.Equal(t, 1, r.GetCurrentOrigin(), "a skipped move does not change the origin")

	report := r.Report()
	failures := report.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, DescCreateSet, failures[0].Description)
	assert.Equal(t, 1, failures[0].Actual)
	assert.Equal(t, 0, failures[0].Expected)
	assert.True(t, checks.IsFailureError(report.Err()))
	assert.True(t, orchestrator.IsAbortError(r.Orchestrator().Err()))
}

func TestTeardownTwice_NoHardFailure(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	require.NoError(t, f.run.Teardown(ctx))
	require.NoError(t, f.run.Teardown(ctx))

	calls := f.coord.CallsTo(testutil.MethodSlonik)
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].Body, calls[1].Body)
	assert.Equal(t, 3, strings.Count(calls[0].Body, "echo 'slony not installed';"))
	assert.True(t, f.run.Report().Passed())
}

func TestCleanup_RunsAfterAbort(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.run.Orchestrator().Abort("createdb is okay")

	require.NoError(t, f.run.Teardown(ctx))
	assert.Empty(t, slonikLabels(f.coord), "teardown is skipped outside cleanup")

	f.coord.SetResult(testutil.MethodDropDB, 1)
	require.NoError(t, f.run.Cleanup(func() error {
		if err := f.run.Teardown(ctx); err != nil {
			return err
		}
		return f.run.DropDB(ctx, []string{"db1", "db2"})
	}))
	assert.Equal(t, []string{"uninstall"}, slonikLabels(f.coord))
	assert.Len(t, f.coord.CallsTo(testutil.MethodDropDB), 2)
	assert.Equal(t, 2, f.run.Report().CountKind(checks.KindOperationFailure))
}

func TestSubscribeSet_FailuresAreNotFatal(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.coord.SetResult("slonik:subscribe 2", 4)

	require.NoError(t, f.run.SubscribeSet(ctx, 1, 1, []int{2, 3}))
	assert.False(t, f.run.Aborted())
	failures := f.run.Report().Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, DescSubscribe, failures[0].Description)
	assert.Equal(t, 4, failures[0].Actual)
}

func TestSubscribeSet_WaitsForEverySubscriber(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	release := f.coord.Gate("slonik:subscribe 3")

	done := make(chan error, 1)
	go func() { done <- f.run.SubscribeSet(ctx, 1, 1, []int{2, 3}) }()

	assert.Eventually(t, func() bool {
		return len(f.coord.CallsTo(testutil.MethodSlonik)) == 2
	}, time.Second, time.Millisecond, "both subscribers launched")
	select {
	case <-done:
		t.Fatal("returned before every subscriber finished")
	default:
	}

	release()
	require.NoError(t, <-done)
	assert.Equal(t, 2, f.run.Report().Total)
}

func TestSubscribeSet_InvalidProvider(t *testing.T) {
	f := newFixture(t, 5)
	err := f.run.SubscribeSet(context.Background(), 1, 1, []int{4})
	require.Error(t, err)
	assert.True(t, topology.IsTopologyError(err))
	assert.Empty(t, f.coord.Calls(), "nothing is launched for an invalid subscription")
}

func TestMoveSet_UpdatesOrigin(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	require.NoError(t, f.run.SubscribeSet(ctx, 1, 1, []int{2, 3}))

	require.NoError(t, f.run.MoveSet(ctx, 1, 1, 2))
	assert.Equal(t, 2, f.run.GetCurrentOrigin())
	set, _ := f.run.Topology().Set(1)
	assert.Equal(t, 2, set.Origin)

	calls := f.coord.CallsTo(testutil.MethodSlonik)
	move := calls[len(calls)-1]
	assert.Equal(t, "moveset", move.Label)
	assert.Contains(t, move.Body, "move set(id=1, old origin=1, new origin=2);")

	load, err := f.run.GenerateLoad(ctx)
	require.NoError(t, err)
	load.Await()
	clients := f.coord.CallsTo(testutil.MethodClient)
	require.Len(t, clients, 1)
	assert.Equal(t, "db2", clients[0].Alias, "load follows the origin")
}

func TestMoveSet_FailureKeepsOrigin(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	require.NoError(t, f.run.SubscribeSet(ctx, 1, 1, []int{2}))
	f.coord.SetResult("slonik:moveset", 255)

	require.NoError(t, f.run.MoveSet(ctx, 1, 1, 2))
	assert.Equal(t, 1, f.run.GetCurrentOrigin())
	assert.True(t, f.run.Aborted())
}

func TestSlonikSync_TimeoutIsRecordedNotFatal(t *testing.T) {
	f := newFixture(t, 2)
	f.coord.Gate("slonik:sync")

	done := make(chan operation.Result, 1)
	go func() {
		res, err := f.run.SlonikSync(context.Background(), 1, 1)
		assert.NoError(t, err)
		done <- res
	}()

	timer := <-f.timers.Created()
	require.True(t, timer.Fire())
	res := <-done

	assert.Equal(t, operation.StatusTimedOut, res.Status)
	report := f.run.Report()
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.CountKind(checks.KindTimeout))
	assert.False(t, f.run.Aborted())
}

func TestSlonikSync_UsesSyncWait(t *testing.T) {
	topo, err := topology.Standard(2)
	require.NoError(t, err)
	coord := testutil.NewFakeCoordinator()
	timers := testutil.NewManualTimers()
	run := NewRun(topo, coord, WithLogger(quietLogger()), WithTimers(timers), WithSyncWait(90*time.Second))

	_, err = run.SlonikSync(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, timers.Timers()[0].Duration)
	calls := coord.CallsTo(testutil.MethodSlonik)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Body, "wait for event(origin=1, wait on=1, confirmed=all, timeout=90);")
}

func TestPrepareDB_CreatesThenLoadsSchema(t *testing.T) {
	f := newFixture(t, 2)
	f.coord.SetFile(SchemaFile, "CREATE SCHEMA disorder;")

	require.NoError(t, f.run.PrepareDB(context.Background(), []string{"db1", "db2"}))

	calls := f.coord.Calls()
	require.Len(t, calls, 4)
	for _, c := range calls[:2] {
		assert.Equal(t, testutil.MethodCreateDB, c.Method)
	}
	for _, c := range calls[2:] {
		assert.Equal(t, testutil.MethodQuery, c.Method)
		assert.Equal(t, "CREATE SCHEMA disorder;", c.Body)
	}
	assert.True(t, f.run.Report().Passed())
}

func TestPrepareDB_CreateFailureSkipsSchema(t *testing.T) {
	f := newFixture(t, 2)
	f.coord.SetResult("createdb:db2", 1)

	require.NoError(t, f.run.PrepareDB(context.Background(), []string{"db1", "db2"}))
	assert.True(t, f.run.Aborted())
	assert.Empty(t, f.coord.CallsTo(testutil.MethodQuery))
	failures := f.run.Report().Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, DescCreateDB, failures[0].Description)
}

func TestPostSeedSetup_MissingFile(t *testing.T) {
	f := newFixture(t, 2)
	f.coord.FailRead(PostSeedFile)
	err := f.run.PostSeedSetup(context.Background(), []string{"db1"})
	require.Error(t, err)
	assert.Empty(t, f.coord.Calls())
}

func TestSeedData(t *testing.T) {
	f := newFixture(t, 2)
	res, err := f.run.SeedData(context.Background(), 3)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())

	calls := f.coord.CallsTo(testutil.MethodQuery)
	require.Len(t, calls, 1)
	assert.Equal(t, "db1", calls[0].Alias)
	assert.Equal(t, "SET SEARCH_PATH=disorder,public; SELECT disorder.populate(3);", calls[0].Body)

	report := f.run.Report()
	require.Equal(t, 1, report.Total)
	assert.Equal(t, DescSeed, report.Checks[0].Description)
	assert.True(t, report.Passed())
}

func TestSeedData_FailureIsRecorded(t *testing.T) {
	f := newFixture(t, 2)
	f.coord.SetResult("query:db1", 3)

	res, err := f.run.SeedData(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ReturnCode())

	failures := f.run.Report().Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, DescSeed, failures[0].Description)
	assert.Equal(t, 3, failures[0].Actual)
	assert.False(t, f.run.Aborted())
}

func TestStartDataChecks_ErrorIsRecorded(t *testing.T) {
	f := newFixture(t, 3)
	f.coord.SetResult("client:db3", 2)

	op, err := f.run.StartDataChecks(context.Background(), 3)
	require.NoError(t, err)
	op.Await()

	failures := f.run.Report().Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, DescDataCheck, failures[0].Description)
	assert.Contains(t, f.coord.CallsTo(testutil.MethodClient)[0].Body, CheckLoadScript)
}

func TestStartDataChecks_CancelledIsNotAnError(t *testing.T) {
	f := newFixture(t, 2)
	f.coord.Gate("client:db2")

	op, err := f.run.StartDataChecks(context.Background(), 2)
	require.NoError(t, err)
	op.Cancel()
	assert.Equal(t, operation.StatusAborted, op.Await().Status)
	assert.Equal(t, 0, f.run.Report().Total)
}

func TestAddCompletePaths(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	require.NoError(t, f.run.AddCompletePaths(ctx))
	calls := f.coord.CallsTo(testutil.MethodSlonik)
	require.Len(t, calls, 1)
	assert.Equal(t, "add paths", calls[0].Label)
	assert.Contains(t, calls[0].Body, "store path(server=2,client=3,conninfo=@CONNINFO2 );")
	assert.Contains(t, calls[0].Body, "store path(server=3,client=2,conninfo=@CONNINFO3 );")
	assert.Empty(t, f.run.Topology().MissingPaths())

	require.NoError(t, f.run.AddCompletePaths(ctx))
	assert.Len(t, f.coord.CallsTo(testutil.MethodSlonik), 1, "no second script when complete")
}

func TestSlonConf(t *testing.T) {
	f := newFixture(t, 2)
	conf, err := f.run.SlonConf(2)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"cluster_name": "disorder_replica"}, conf)

	_, err = f.run.SlonConf(7)
	assert.True(t, topology.IsMissing(err))
}

// aliasedTopology names its databases instead of using db<N>.
func aliasedTopology(t *testing.T) *topology.Topology {
	t.Helper()
	topo := topology.New()
	require.NoError(t, topo.DefineNode(1, "primary"))
	require.NoError(t, topo.DefineNode(2, "replica"))
	require.NoError(t, topo.DefinePath(1, 2))
	require.NoError(t, topo.DefinePath(2, 1))
	require.NoError(t, topo.DefineSet(1, 1))
	return topo
}

func TestCustomAliases_UsedByEveryOperation(t *testing.T) {
	coord := testutil.NewFakeCoordinator()
	replica, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { replica.Close() })
	coord.SetDB("replica", replica)

	run := NewRun(aliasedTopology(t), coord, WithLogger(quietLogger()))
	ctx := context.Background()

	assert.Contains(t, run.Builder().Preamble(), "$database.primary.dbname")
	assert.Contains(t, run.Builder().Preamble(), "$database.replica.dbname")

	_, err = run.SeedData(ctx, 1)
	require.NoError(t, err)
	load, err := run.GenerateLoad(ctx)
	require.NoError(t, err)
	load.Await()
	checker, err := run.StartDataChecks(ctx, 2)
	require.NoError(t, err)
	checker.Await()

	equal, err := run.CompareDB(ctx, 1, 2)
	require.NoError(t, err)
	assert.True(t, equal)

	readOnly, err := run.VerifyReadOnly(ctx, 2)
	require.NoError(t, err)
	assert.True(t, readOnly, "the replica has no do_config table, so the write fails")

	lag, err := run.MeasureLag(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, -1, lag)

	queries := coord.CallsTo(testutil.MethodQuery)
	require.Len(t, queries, 1)
	assert.Equal(t, "primary", queries[0].Alias, "seeding targets the origin")
	clients := coord.CallsTo(testutil.MethodClient)
	require.Len(t, clients, 2)
	assert.Equal(t, "primary", clients[0].Alias)
	assert.Equal(t, "replica", clients[1].Alias)
	for _, c := range coord.CallsTo(testutil.MethodCompare) {
		assert.Equal(t, "primary:replica", c.Label)
	}

	failures := run.Report().Failures()
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Description, "no database for primary")
}

func TestUnknownNode_IsATopologyError(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	_, err := f.run.CompareDB(ctx, 1, 9)
	assert.True(t, topology.IsMissing(err))
	_, err = f.run.StartDataChecks(ctx, 9)
	assert.True(t, topology.IsMissing(err))
	_, err = f.run.MeasureLag(ctx, 1, 9)
	assert.True(t, topology.IsMissing(err))
	_, err = f.run.VerifyReadOnly(ctx, 9)
	assert.True(t, topology.IsMissing(err))
	assert.Empty(t, f.coord.Calls())
}

func TestSyncWait_RoundsUpToWholeSeconds(t *testing.T) {
	tests := []struct {
		wait    time.Duration
		seconds int
	}{
		{500 * time.Millisecond, 1},
		{1500 * time.Millisecond, 2},
		{90 * time.Second, 90},
	}
	for _, tt := range tests {
		t.Run(tt.wait.String(), func(t *testing.T) {
			topo, err := topology.Standard(2)
			require.NoError(t, err)
			coord := testutil.NewFakeCoordinator()
			timers := testutil.NewManualTimers()
			run := NewRun(topo, coord, WithLogger(quietLogger()), WithTimers(timers), WithSyncWait(tt.wait))
			assert.Equal(t, tt.seconds, run.Builder().WaitTimeout())

			_, err = run.SlonikSync(context.Background(), 1, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.wait, timers.Timers()[0].Duration)
			assert.Contains(t, coord.CallsTo(testutil.MethodSlonik)[0].Body,
				fmt.Sprintf("timeout=%d);", tt.seconds))
		})
	}
}
