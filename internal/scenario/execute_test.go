package scenario

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clustertest/internal/testutil"
)

func mustParse(t *testing.T, content string) *File {
	t.Helper()
	f, err := Parse([]byte(content))
	require.NoError(t, err)
	return f
}

func TestExecute_BasicScenario(t *testing.T) {
	fx := newFixture(t, 5)
	f := mustParse(t, basicScenario)

	require.NoError(t, Execute(context.Background(), fx.run, f))

	report := fx.run.Report()
	assert.True(t, report.Passed(), "failures: %v", report.Failures())
	assert.Len(t, fx.coord.CallsTo(testutil.MethodCreateDB), 5)
	assert.Len(t, fx.coord.CallsTo(testutil.MethodCompare), 3)

	labels := slonikLabels(fx.coord)
	assert.Equal(t, "init", labels[0])
	assert.Equal(t, "uninstall", labels[len(labels)-1])
}

func TestExecute_AbortRunsOnlyAlwaysSteps(t *testing.T) {
	fx := newFixture(t, 3)
	fx.coord.SetResult("slonik:create set 2", 1)
	f := mustParse(t, `
name: abort
steps:
  - action: setup_replication
  - action: create_second_set
  - action: add_tables
  - action: subscribe
    args: {subscribers: [2, 3]}
  - action: teardown
    always: true
  - action: drop_db
    args: {nodes: [1, 2]}
    always: true
`)

	require.NoError(t, Execute(context.Background(), fx.run, f))

	assert.Equal(t, []string{"init", "create set 2", "uninstall"}, slonikLabels(fx.coord))
	assert.Len(t, fx.coord.CallsTo(testutil.MethodDropDB), 2)
	failures := fx.run.Report().Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, DescCreateSet, failures[0].Description)
}

func TestExecute_StepErrorAborts(t *testing.T) {
	fx := newFixture(t, 5)
	f := mustParse(t, `
name: bad_subscription
steps:
  - action: subscribe
    args: {provider: 1, subscribers: [4]}
  - action: add_tables
  - action: teardown
    always: true
`)

	err := Execute(context.Background(), fx.run, f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 0 (subscribe)")
	assert.True(t, fx.run.Aborted())
	assert.Equal(t, []string{"uninstall"}, slonikLabels(fx.coord))
}

func TestExecute_MissingArgument(t *testing.T) {
	fx := newFixture(t, 2)
	f := mustParse(t, "name: x\nsteps:\n  - action: verify_read_only\n")

	err := Execute(context.Background(), fx.run, f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `argument "node" is required`)
}

func TestExecute_MoveSetFollowsOrigin(t *testing.T) {
	fx := newFixture(t, 2)
	f := mustParse(t, `
name: move
steps:
  - action: subscribe
    args: {subscribers: [2]}
  - action: move_set
    args: {new_origin: 2}
  - action: generate_load
  - action: stop_load
`)

	require.NoError(t, Execute(context.Background(), fx.run, f))
	assert.Equal(t, 2, fx.run.GetCurrentOrigin())
}

func TestExecute_StopsBackgroundOperations(t *testing.T) {
	fx := newFixture(t, 2)
	fx.coord.Gate("client:db2")
	f := mustParse(t, `
name: checks
steps:
  - action: start_data_checks
    args: {node: 2}
`)

	require.NoError(t, Execute(context.Background(), fx.run, f))
	assert.Equal(t, 0, fx.run.Report().Total, "a cancelled data check records nothing")
}

func TestExecute_SeedFinishesBeforeNextStep(t *testing.T) {
	fx := newFixture(t, 2)
	release := fx.coord.Gate("query:db1")
	f := mustParse(t, `
name: seed
steps:
  - action: seed_data
    args: {scaling: 2}
  - action: post_seed_setup
    args: {nodes: [2]}
`)

	done := make(chan error, 1)
	go func() { done <- Execute(context.Background(), fx.run, f) }()

	queries := func() int { return len(fx.coord.CallsTo(testutil.MethodQuery)) }
	require.Eventually(t, func() bool { return queries() == 1 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return queries() > 1 }, 50*time.Millisecond, 5*time.Millisecond,
		"post seed setup launched while seeding")
	select {
	case err := <-done:
		t.Fatalf("Execute returned while seeding: %v", err)
	default:
	}

	release()
	require.NoError(t, <-done)

	calls := fx.coord.CallsTo(testutil.MethodQuery)
	require.Len(t, calls, 2)
	assert.Equal(t, "db1", calls[0].Alias)
	assert.Contains(t, calls[0].Body, "disorder.populate(2)")
	assert.Equal(t, "db2", calls[1].Alias)

	report := fx.run.Report()
	assert.True(t, report.Passed())
	assert.Equal(t, 2, report.Total)
}

func TestExecute_SeedFailureIsRecorded(t *testing.T) {
	fx := newFixture(t, 2)
	fx.coord.SetResult("query:db1", 3)
	f := mustParse(t, "name: seed\nsteps:\n  - action: seed_data\n")

	require.NoError(t, Execute(context.Background(), fx.run, f))
	failures := fx.run.Report().Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, DescSeed, failures[0].Description)
}

func TestStepArgs(t *testing.T) {
	args := stepArgs{"set": 2, "nodes": []any{1, 2}, "bad": "x", "float": 3.0}

	n, err := args.intArg("set", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = args.intArg("origin", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = args.intArg("float", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = args.intArg("bad", 1)
	assert.Error(t, err)

	_, err = args.intArg("rhs", 0)
	assert.Error(t, err)

	_, err = args.intList("set")
	assert.Error(t, err)
}
