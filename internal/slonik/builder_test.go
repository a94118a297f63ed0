package slonik

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/clustertest/internal/topology"
)

func standard(t *testing.T, count int) *topology.Topology {
	t.Helper()
	topo, err := topology.Standard(count)
	require.NoError(t, err)
	return topo
}

func TestInstall_Golden(t *testing.T) {
	b := NewBuilder(standard(t, 2))

	cmd, err := b.Install()
	require.NoError(t, err)
	assert.Equal(t, KindInstall, cmd.Kind)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "install_two_nodes", []byte(cmd.Script()))
}

func TestPreamble_OneAliasPerNode(t *testing.T) {
	for _, n := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("%d nodes", n), func(t *testing.T) {
			topo := topology.New()
			require.NoError(t, topo.DefineNodes(n))
			pre := NewBuilder(topo).Preamble()

			assert.Equal(t, n, strings.Count(pre, "admin conninfo="))
			assert.Equal(t, n, strings.Count(pre, "define CONNINFO"))
			for id := 1; id <= n; id++ {
				alias := fmt.Sprintf("$database.db%d.", id)
				// Five fields in the admin conninfo and five in the define.
				assert.Equal(t, 10, strings.Count(pre, alias), "node %d", id)
				assert.Contains(t, pre, fmt.Sprintf("define CONNINFO%d '", id))
			}
			assert.NotContains(t, pre, fmt.Sprintf("db%d.", n+1))
		})
	}
}

func TestPreamble_ClusterName(t *testing.T) {
	b := NewBuilder(standard(t, 1), WithClusterName("custom"))
	assert.True(t, strings.HasPrefix(b.Preamble(), "cluster name=custom;\n"))
	assert.Equal(t, "custom", b.ClusterName())
}

func TestInstall_PathsReferenceDefinedAliases(t *testing.T) {
	cmd, err := NewBuilder(standard(t, 5)).Install()
	require.NoError(t, err)

	assert.Equal(t, 8, strings.Count(cmd.Body, "store path("))
	assert.Equal(t, 4, strings.Count(cmd.Body, "store node("))
	for _, ref := range []string{"@CONNINFO1", "@CONNINFO2", "@CONNINFO3", "@CONNINFO4", "@CONNINFO5"} {
		assert.Contains(t, cmd.Body, ref)
		assert.Contains(t, cmd.Preamble, "define "+strings.TrimPrefix(ref, "@")+" ")
	}
}

func TestInstall_NoNodes(t *testing.T) {
	_, err := NewBuilder(topology.New()).Install()
	require.Error(t, err)
	assert.True(t, topology.IsTopologyError(err))
}

func TestWaitClause(t *testing.T) {
	b := NewBuilder(standard(t, 2))
	assert.Equal(t,
		"wait for event(origin=1, wait on=2, confirmed=all, timeout=60);\n",
		b.WaitClause(1, 2, 0))

	b = NewBuilder(standard(t, 2), WithWaitTimeout(15))
	assert.Contains(t, b.WaitClause(1, 1, 0), "timeout=15")
	assert.Contains(t, b.WaitClause(1, 1, 90), "timeout=90")
}

func TestSync(t *testing.T) {
	cmd, err := NewBuilder(standard(t, 3)).Sync(1, 60)
	require.NoError(t, err)

	assert.Equal(t, KindSync, cmd.Kind)
	assert.False(t, cmd.Kind.Fatal())
	assert.Equal(t,
		"sync(id=1);\nwait for event(origin=1, wait on=1, confirmed=all, timeout=60);\n",
		cmd.Body)

	_, err = NewBuilder(standard(t, 3)).Sync(7, 60)
	assert.True(t, topology.IsMissing(err))
}

func TestAddMembers(t *testing.T) {
	topo := standard(t, 2)
	require.NoError(t, topo.AddMember(1, topology.KindTable, 1, "disorder.do_customer"))
	require.NoError(t, topo.AddMember(1, topology.KindSequence, 1, "disorder.do_customer_c_id_seq"))

	cmd, err := NewBuilder(topo).AddMembers(1)
	require.NoError(t, err)
	assert.Equal(t,
		"set add table(id=1, set id=1, fully qualified name='disorder.do_customer', origin=1);\n"+
			"set add sequence(id=1, set id=1, fully qualified name='disorder.do_customer_c_id_seq', origin=1);\n",
		cmd.Body)

	_, err = NewBuilder(topo).AddMembers(4)
	assert.True(t, topology.IsMissing(err))
}

func TestCreateSet(t *testing.T) {
	topo := standard(t, 3)
	require.NoError(t, topo.DefineSet(2, 3))
	require.NoError(t, topo.SetComment(2, "second set"))
	require.NoError(t, topo.AddMember(2, topology.KindTable, 8, "disorder.do_item_review"))

	cmd, err := NewBuilder(topo).CreateSet(2)
	require.NoError(t, err)
	assert.Equal(t, KindCreateSet, cmd.Kind)
	assert.True(t, strings.HasPrefix(cmd.Body, "create set(id=2, origin=3, comment='second set');\n"))
	assert.Contains(t, cmd.Body, "set add table(id=8, set id=2, fully qualified name='disorder.do_item_review', origin=3);\n")
}

func TestSubscribe(t *testing.T) {
	topo := standard(t, 5)
	require.NoError(t, topo.DefineSubscription(1, 1, 3, true))
	require.NoError(t, topo.DefineSubscription(1, 3, 4, false))
	b := NewBuilder(topo)

	cmd, err := b.Subscribe(1, 1, 3)
	require.NoError(t, err)
	assert.Contains(t, cmd.Body, "subscribe set(id=1, provider=1, receiver=3, forward=yes);\n")
	assert.Contains(t, cmd.Body, "echo 'finished subscribing 3';\n")

	cmd, err = b.Subscribe(1, 3, 4)
	require.NoError(t, err)
	assert.Contains(t, cmd.Body, "forward=no")

	_, err = b.Subscribe(1, 1, 2)
	require.Error(t, err)
	assert.True(t, topology.IsMissing(err))
}

func TestMoveSet(t *testing.T) {
	topo := standard(t, 2)
	b := NewBuilder(topo)

	cmd, err := b.MoveSet(1, 1, 2)
	require.NoError(t, err)
	assert.True(t, cmd.Kind.Fatal())
	assert.Equal(t,
		"lock set(id=1, origin=1);\n"+
			"move set(id=1, old origin=1, new origin=2);\n"+
			"wait for event(origin=1, wait on=1, confirmed=all, timeout=60);\n",
		cmd.Body)

	_, err = b.MoveSet(1, 2, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "origin is node 1, not node 2")

	_, err = b.MoveSet(1, 1, 9)
	assert.True(t, topology.IsMissing(err))
}

func TestStorePaths(t *testing.T) {
	topo := standard(t, 5)
	added, err := topo.CompletePaths()
	require.NoError(t, err)

	cmd, err := NewBuilder(topo).StorePaths(added)
	require.NoError(t, err)
	assert.Equal(t, len(added), strings.Count(cmd.Body, "store path("))
	assert.Contains(t, cmd.Body, "store path(server=1,client=4,conninfo=@CONNINFO1 );\n")

	_, err = NewBuilder(standard(t, 2)).StorePaths([]topology.Path{{Server: 1, Client: 3}})
	assert.True(t, topology.IsMissing(err))
}

func TestTeardown(t *testing.T) {
	cmd := NewBuilder(standard(t, 3)).Teardown()
	assert.Equal(t, KindTeardown, cmd.Kind)
	assert.Equal(t, 3, strings.Count(cmd.Body, "uninstall node("))
	assert.Equal(t, 3, strings.Count(cmd.Body, "echo 'slony not installed';"))
	assert.Equal(t, cmd, NewBuilder(standard(t, 3)).Teardown(), "teardown is deterministic")
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "it''s", quote("it's"))
}

func TestKindFatal(t *testing.T) {
	tests := []struct {
		kind  Kind
		fatal bool
	}{
		{KindInstall, true},
		{KindStorePath, true},
		{KindAddMembers, true},
		{KindCreateSet, true},
		{KindMoveSet, true},
		{KindTeardown, true},
		{KindSubscribe, false},
		{KindSync, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.fatal, tt.kind.Fatal())
		})
	}
}
