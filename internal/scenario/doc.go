// Package scenario drives one replication test against a cluster.
//
// A Run owns the topology, the member id counters and the current origin of
// the replicated set. Its methods are the steps of the disorder test: each
// builds slonik scripts or queries, hands them to the orchestrator as
// operations and records the outcome in the run's check sink.
//
// Scenario files describe a run declaratively: a topology, a node count and
// a list of steps. Execute drives a Run through those steps.
//
// A Run is not safe for concurrent use. All of its methods must be called
// from the goroutine orchestrating the scenario.
package scenario
