package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const pairScenario = `
name: pair
description: "two nodes, one subscriber"
nodes: 2
sync_wait: 30s
steps:
  - action: setup_replication
  - action: add_tables
  - action: subscribe
    args: {subscribers: [2]}
  - action: sync
  - action: compare
    args: {lhs: 1, rhs: 2}
  - action: teardown
    always: true
`

const pairTopology = `
node_count: 2
paths:
  - {server: 1, client: 2, both: true}
sets:
  - id: 1
    origin: 1
    tables:
      - {id: 1, name: disorder.do_customers}
    sequences:
      - {id: 1, name: disorder.do_customers_c_id_seq}
subscriptions:
  - {set: 1, provider: 1, subscriber: 2, forward: true}
`

// writeFile writes content to name inside dir and returns its path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}
