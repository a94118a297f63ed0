// Package slonik builds the literal topology-configuration scripts that
// install, reshape and tear down a replication cluster.
//
// Every script is split into a preamble and a body. The preamble names the
// cluster and declares, for every node of the topology, its admin conninfo
// and a CONNINFO<N> alias that store-path commands reference. Connection
// fields are written as $database.<alias>.<field> variables; the
// configuration layer substitutes them before the script is executed.
//
// A Builder reads a topology.Topology but never mutates it. Building only
// fails when a command references a node, set, path or subscription that the
// topology does not define.
package slonik
