// Package topology describes the shape of a replication cluster under test.
//
// A Topology holds nodes, the communication paths between them, replication
// sets with their member tables and sequences, and the subscriptions that
// route each set from its origin to the other nodes. It is pure data: every
// Define* call validates the referenced entities and the cluster invariants,
// mutates in-memory state, and returns a *TopologyError on violation.
//
// # Invariants
//
//   - Node ids are small positive integers, defined once.
//   - A path is a directed edge server -> client. Paths are unique.
//   - Member ids are unique per member kind across the whole topology.
//   - A subscription's provider has paths to and from the subscriber and is
//     itself the origin of, or already subscribed to, the set.
//
// # Standard Layout
//
// Standard builds the layout used by the disorder scenarios:
//
//	(1)----->(2)
//	 \
//	  \
//	  (3)----->(4)
//	    \
//	     \
//	     (5)
//
// Node 1 is the origin of set 1; nodes 4 and 5 cascade from node 3. Nodes
// above the requested count are left out.
//
// # Files
//
// Topologies can also be read from YAML or CUE files with LoadFile; both
// formats decode into the same Spec and are applied through the Define*
// operations, so file input is validated exactly like programmatic input.
package topology
