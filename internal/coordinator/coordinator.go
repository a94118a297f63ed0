// Package coordinator is the boundary between a scenario and the outside
// world: the topology-script interpreter, the database nodes, and the
// client programs that generate load.
//
// A Coordinator never runs anything itself. Every method returns an
// operation.Runner that the orchestrator wraps in an operation and decides
// when to launch.
package coordinator

import (
	"context"
	"database/sql"

	"github.com/roach88/clustertest/internal/operation"
)

// Compare verdicts, reported as the comparison operation's exit code.
const (
	CompareEqual  = 0
	CompareDiffer = 1
)

// Databases opens connections to the logical database aliases.
type Databases interface {
	// Open returns a pooled connection for alias. Callers must not close it.
	Open(ctx context.Context, alias string) (*sql.DB, error)
}

// Coordinator builds runners for every kind of external work a scenario
// needs.
type Coordinator interface {
	Databases

	// TopologyScript runs a slonik script made of preamble and body.
	TopologyScript(label, preamble, body string) operation.Runner

	// Query executes SQL against alias.
	Query(alias, sql string) operation.Runner

	// ClientProgram runs a client program (such as a load generator)
	// connected to alias.
	ClientProgram(program, alias string) operation.Runner

	CreateDatabase(alias string) operation.Runner
	DropDatabase(alias string) operation.Runner

	// Compare runs query on lhs and rhs and exits with CompareEqual or
	// CompareDiffer. Rows are matched on the orderBy column.
	Compare(lhs, rhs, query, orderBy string) operation.Runner

	// ReadFile returns the contents of a scenario resource file.
	ReadFile(path string) (string, error)
}
