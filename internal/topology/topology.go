package topology

import (
	"fmt"
	"sort"
	"strings"
)

// Node is one database instance in the cluster.
type Node struct {
	// ID is the replication node id (1-based).
	ID int

	// Alias is the logical database name ("db3") that configuration
	// resolves to a connection descriptor.
	Alias string
}

// ConnInfoVar returns the name of the slonik variable holding this node's
// connection string.
func (n Node) ConnInfoVar() string {
	return fmt.Sprintf("CONNINFO%d", n.ID)
}

// DefaultAlias returns the logical database name for a node id.
func DefaultAlias(id int) string {
	return fmt.Sprintf("db%d", id)
}

// Path is a directed communication edge: the client connects to the server
// using the server's connection descriptor.
type Path struct {
	Server int
	Client int
}

// ConnInfoRef returns the slonik reference to the server's conninfo alias.
func (p Path) ConnInfoRef() string {
	return fmt.Sprintf("@CONNINFO%d", p.Server)
}

// MemberKind distinguishes replicated tables from sequences.
type MemberKind string

const (
	KindTable    MemberKind = "table"
	KindSequence MemberKind = "sequence"
)

// Member is a table or sequence belonging to a replication set.
type Member struct {
	Kind  MemberKind
	ID    int
	Name  string // fully qualified, e.g. "disorder.do_customer"
	SetID int
}

// Set is a replication set: members replicated together from one origin.
type Set struct {
	ID      int
	Origin  int
	Comment string
	Members []Member
}

// Tables returns the set's table members in insertion order.
func (s Set) Tables() []Member {
	return s.membersOf(KindTable)
}

// Sequences returns the set's sequence members in insertion order.
func (s Set) Sequences() []Member {
	return s.membersOf(KindSequence)
}

func (s Set) membersOf(kind MemberKind) []Member {
	var out []Member
	for _, m := range s.Members {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// Subscription routes a set from a provider to a subscriber.
type Subscription struct {
	SetID      int
	Provider   int
	Subscriber int
	Forward    bool
}

type memberKey struct {
	kind MemberKind
	id   int
}

// Topology is the in-memory model of a cluster under test.
//
// A Topology is not safe for concurrent mutation. It is owned by a single
// scenario run and only mutated from the orchestrating goroutine.
type Topology struct {
	nodes     map[int]Node
	paths     map[Path]struct{}
	pathOrder []Path
	sets      map[int]*Set
	setOrder  []int
	members   map[memberKey]Member
	subs      []Subscription
}

// New returns an empty topology.
func New() *Topology {
	return &Topology{
		nodes:   make(map[int]Node),
		paths:   make(map[Path]struct{}),
		sets:    make(map[int]*Set),
		members: make(map[memberKey]Member),
	}
}

// DefineNodes defines nodes 1..count with their default aliases.
func (t *Topology) DefineNodes(count int) error {
	if count < 1 {
		return invalid("node", count, "node count must be positive")
	}
	for id := 1; id <= count; id++ {
		if _, exists := t.nodes[id]; exists {
			return duplicate("node", id)
		}
	}
	for id := 1; id <= count; id++ {
		t.nodes[id] = Node{ID: id, Alias: DefaultAlias(id)}
	}
	return nil
}

// DefineNode defines a single node. An empty alias defaults to "db<id>".
func (t *Topology) DefineNode(id int, alias string) error {
	if id < 1 {
		return invalid("node", id, "node id must be positive")
	}
	if _, exists := t.nodes[id]; exists {
		return duplicate("node", id)
	}
	if alias == "" {
		alias = DefaultAlias(id)
	}
	for _, n := range t.nodes {
		if n.Alias == alias {
			return invalid("node", id, "alias %q already used by node %d", alias, n.ID)
		}
	}
	t.nodes[id] = Node{ID: id, Alias: alias}
	return nil
}

// DefinePath adds the directed path server -> client.
func (t *Topology) DefinePath(server, client int) error {
	if err := t.requireNode(server); err != nil {
		return err
	}
	if err := t.requireNode(client); err != nil {
		return err
	}
	p := Path{Server: server, Client: client}
	if server == client {
		return invalid("path", pathID(p), "server and client must differ")
	}
	if _, exists := t.paths[p]; exists {
		return duplicate("path", pathID(p))
	}
	t.paths[p] = struct{}{}
	t.pathOrder = append(t.pathOrder, p)
	return nil
}

// DefineSet creates an empty replication set with the given origin.
func (t *Topology) DefineSet(id, origin int) error {
	if id < 1 {
		return invalid("set", id, "set id must be positive")
	}
	if err := t.requireNode(origin); err != nil {
		return err
	}
	if _, exists := t.sets[id]; exists {
		return duplicate("set", id)
	}
	t.sets[id] = &Set{ID: id, Origin: origin}
	t.setOrder = append(t.setOrder, id)
	return nil
}

// SetComment attaches a free-form comment to a set.
func (t *Topology) SetComment(setID int, comment string) error {
	s, ok := t.sets[setID]
	if !ok {
		return missing("set", setID)
	}
	s.Comment = comment
	return nil
}

// AddMember appends a table or sequence to a set.
// Member ids must be unique per kind across the whole topology.
func (t *Topology) AddMember(setID int, kind MemberKind, id int, qualifiedName string) error {
	s, ok := t.sets[setID]
	if !ok {
		return missing("set", setID)
	}
	entity := string(kind)
	if kind != KindTable && kind != KindSequence {
		return invalid("member", id, "unknown member kind %q", kind)
	}
	if id < 1 {
		return invalid(entity, id, "id must be positive")
	}
	key := memberKey{kind: kind, id: id}
	if _, exists := t.members[key]; exists {
		return duplicate(entity, id)
	}
	schema, name, found := strings.Cut(qualifiedName, ".")
	if !found || schema == "" || name == "" {
		return invalid(entity, id, "name %q is not schema qualified", qualifiedName)
	}
	for _, m := range t.members {
		if m.Kind == kind && m.Name == qualifiedName {
			return duplicate(entity, qualifiedName)
		}
	}

	m := Member{Kind: kind, ID: id, Name: qualifiedName, SetID: setID}
	t.members[key] = m
	s.Members = append(s.Members, m)
	return nil
}

// DefineSubscription subscribes a node to a set through a provider.
//
// The provider must be able to reach the subscriber in both directions and
// must already receive the set, either as its origin or as a forwarding
// subscriber.
func (t *Topology) DefineSubscription(setID, provider, subscriber int, forward bool) error {
	s, ok := t.sets[setID]
	if !ok {
		return missing("set", setID)
	}
	if err := t.requireNode(provider); err != nil {
		return err
	}
	if err := t.requireNode(subscriber); err != nil {
		return err
	}
	subID := fmt.Sprintf("set %d node %d", setID, subscriber)
	if provider == subscriber {
		return invalid("subscription", subID, "provider and subscriber must differ")
	}
	if subscriber == s.Origin {
		return invalid("subscription", subID, "node %d is the origin of set %d", subscriber, setID)
	}
	if _, exists := t.subscription(setID, subscriber); exists {
		return duplicate("subscription", subID)
	}
	if !t.HasPath(provider, subscriber) {
		return invalid("subscription", subID, "no path from provider %d to subscriber %d", provider, subscriber)
	}
	if !t.HasPath(subscriber, provider) {
		return invalid("subscription", subID, "no path from subscriber %d to provider %d", subscriber, provider)
	}
	if provider != s.Origin {
		ps, subscribed := t.subscription(setID, provider)
		if !subscribed {
			return invalid("subscription", subID, "provider %d does not receive set %d", provider, setID)
		}
		if !ps.Forward {
			return invalid("subscription", subID, "provider %d does not forward set %d", provider, setID)
		}
	}

	t.subs = append(t.subs, Subscription{
		SetID:      setID,
		Provider:   provider,
		Subscriber: subscriber,
		Forward:    forward,
	})
	return nil
}

// MoveOrigin transfers the origin of a set to one of its subscribers.
// The old origin becomes a forwarding subscriber of the new origin.
func (t *Topology) MoveOrigin(setID, oldOrigin, newOrigin int) error {
	s, ok := t.sets[setID]
	if !ok {
		return missing("set", setID)
	}
	if s.Origin != oldOrigin {
		return invalid("set", setID, "origin is node %d, not node %d", s.Origin, oldOrigin)
	}
	idx := -1
	for i, sub := range t.subs {
		if sub.SetID == setID && sub.Subscriber == newOrigin {
			idx = i
			break
		}
	}
	if idx < 0 {
		return invalid("set", setID, "node %d is not subscribed", newOrigin)
	}

	t.subs[idx] = Subscription{
		SetID:      setID,
		Provider:   newOrigin,
		Subscriber: oldOrigin,
		Forward:    true,
	}
	// Direct subscribers of the old origin keep it as their provider; it
	// still receives the set.
	s.Origin = newOrigin
	return nil
}

// Node returns the node with the given id.
func (t *Topology) Node(id int) (Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// NodeCount returns the number of defined nodes.
func (t *Topology) NodeCount() int {
	return len(t.nodes)
}

// Nodes returns all nodes ordered by id.
func (t *Topology) Nodes() []Node {
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NodeIDs returns all node ids in ascending order.
func (t *Topology) NodeIDs() []int {
	nodes := t.Nodes()
	ids := make([]int, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

// Aliases returns the logical database alias of every node, ordered by id.
func (t *Topology) Aliases() []string {
	nodes := t.Nodes()
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Alias
	}
	return out
}

// HasPath reports whether the directed path server -> client exists.
func (t *Topology) HasPath(server, client int) bool {
	_, ok := t.paths[Path{Server: server, Client: client}]
	return ok
}

// Paths returns all paths in definition order.
func (t *Topology) Paths() []Path {
	out := make([]Path, len(t.pathOrder))
	copy(out, t.pathOrder)
	return out
}

// MissingPaths returns every directed path between two defined nodes that
// has not been defined yet, ordered by (server, client).
func (t *Topology) MissingPaths() []Path {
	ids := t.NodeIDs()
	var out []Path
	for _, server := range ids {
		for _, client := range ids {
			if server == client || t.HasPath(server, client) {
				continue
			}
			out = append(out, Path{Server: server, Client: client})
		}
	}
	return out
}

// Set returns a copy of the set with the given id.
func (t *Topology) Set(id int) (Set, bool) {
	s, ok := t.sets[id]
	if !ok {
		return Set{}, false
	}
	return copySet(s), true
}

// Sets returns copies of all sets in definition order.
func (t *Topology) Sets() []Set {
	out := make([]Set, 0, len(t.setOrder))
	for _, id := range t.setOrder {
		out = append(out, copySet(t.sets[id]))
	}
	return out
}

// Subscriptions returns all subscriptions in definition order.
func (t *Topology) Subscriptions() []Subscription {
	out := make([]Subscription, len(t.subs))
	copy(out, t.subs)
	return out
}

// Receives reports whether node receives the set, as origin or subscriber.
func (t *Topology) Receives(setID, node int) bool {
	s, ok := t.sets[setID]
	if !ok {
		return false
	}
	if s.Origin == node {
		return true
	}
	_, subscribed := t.subscription(setID, node)
	return subscribed
}

// OriginOf returns the ids of the sets whose origin is node.
func (t *Topology) OriginOf(node int) []int {
	var out []int
	for _, id := range t.setOrder {
		if t.sets[id].Origin == node {
			out = append(out, id)
		}
	}
	return out
}

func (t *Topology) subscription(setID, subscriber int) (Subscription, bool) {
	for _, sub := range t.subs {
		if sub.SetID == setID && sub.Subscriber == subscriber {
			return sub, true
		}
	}
	return Subscription{}, false
}

func (t *Topology) requireNode(id int) error {
	if _, ok := t.nodes[id]; !ok {
		return missing("node", id)
	}
	return nil
}

func copySet(s *Set) Set {
	c := *s
	c.Members = make([]Member, len(s.Members))
	copy(c.Members, s.Members)
	return c
}

func pathID(p Path) string {
	return fmt.Sprintf("%d->%d", p.Server, p.Client)
}
