package slonik

import (
	"fmt"
	"strings"

	"github.com/roach88/clustertest/internal/topology"
)

const (
	// DefaultClusterName is used when no cluster name is configured.
	DefaultClusterName = "disorder_replica"

	// DefaultWaitTimeout is the wait-for-event timeout, in seconds.
	DefaultWaitTimeout = 60
)

// Kind identifies what a command does to the cluster.
type Kind string

const (
	KindInstall    Kind = "install"
	KindStorePath  Kind = "store-path"
	KindAddMembers Kind = "set-add"
	KindCreateSet  Kind = "create-set"
	KindSubscribe  Kind = "subscribe"
	KindMoveSet    Kind = "move-set"
	KindSync       Kind = "sync"
	KindTeardown   Kind = "teardown"
)

// Fatal reports whether a failed command of this kind aborts the scenario.
// Topology mutations are fatal. A sync is raced against a timer instead,
// and each subscription of a fan-out is recorded on its own.
func (k Kind) Fatal() bool {
	switch k {
	case KindSync, KindSubscribe:
		return false
	}
	return true
}

// Command is a built script ready to hand to a coordinator.
type Command struct {
	Kind     Kind
	Label    string
	Preamble string
	Body     string
}

// Script returns the preamble followed by the body.
func (c Command) Script() string {
	return c.Preamble + c.Body
}

// Option configures a Builder.
type Option func(*Builder)

// WithClusterName sets the cluster name written into the preamble.
func WithClusterName(name string) Option {
	return func(b *Builder) {
		if name != "" {
			b.clusterName = name
		}
	}
}

// WithWaitTimeout sets the default wait-for-event timeout in seconds.
func WithWaitTimeout(seconds int) Option {
	return func(b *Builder) {
		if seconds > 0 {
			b.waitTimeout = seconds
		}
	}
}

// Builder renders slonik scripts from a topology.
type Builder struct {
	topo        *topology.Topology
	clusterName string
	waitTimeout int
}

// NewBuilder creates a builder reading from topo.
func NewBuilder(topo *topology.Topology, opts ...Option) *Builder {
	b := &Builder{
		topo:        topo,
		clusterName: DefaultClusterName,
		waitTimeout: DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ClusterName returns the cluster name used in preambles.
func (b *Builder) ClusterName() string {
	return b.clusterName
}

// WaitTimeout returns the default wait-for-event timeout in seconds.
func (b *Builder) WaitTimeout() int {
	return b.waitTimeout
}

// Preamble declares the cluster name and every node's admin conninfo and
// CONNINFO alias.
func (b *Builder) Preamble() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cluster name=%s;\n", b.clusterName)
	for _, n := range b.topo.Nodes() {
		conninfo := connInfo(n.Alias)
		fmt.Fprintf(&sb, "node %d admin conninfo='%s';\n", n.ID, conninfo)
		fmt.Fprintf(&sb, "define %s '%s';\n", n.ConnInfoVar(), conninfo)
	}
	return sb.String()
}

func connInfo(alias string) string {
	v := func(field string) string { return "$database." + alias + "." + field }
	return fmt.Sprintf("dbname=%s host=%s port=%s user=%s password=%s",
		v("dbname"), v("host"), v("port"), v("user.slony"), v("password.slony"))
}

// WaitClause makes the script block until the event raised at origin is
// confirmed by every node. A non-positive timeout uses the builder default.
func (b *Builder) WaitClause(origin, waitOn, timeout int) string {
	if timeout <= 0 {
		timeout = b.waitTimeout
	}
	return fmt.Sprintf("wait for event(origin=%d, wait on=%d, confirmed=all, timeout=%d);\n",
		origin, waitOn, timeout)
}

// Install uninstalls any previous installation, initialises the cluster on
// the lowest node, stores the other nodes, stores every defined path and
// creates every defined set.
func (b *Builder) Install() (Command, error) {
	ids := b.topo.NodeIDs()
	if len(ids) == 0 {
		return Command{}, &topology.TopologyError{
			Code:    topology.ErrCodeInvalid,
			Entity:  "node",
			ID:      "*",
			Message: "topology defines no nodes",
		}
	}
	first := ids[0]

	var sb strings.Builder
	b.writeUninstall(&sb)
	fmt.Fprintf(&sb, "init cluster(id=%d);\n", first)
	for _, id := range ids[1:] {
		fmt.Fprintf(&sb, "store node(id=%d,event node=%d);\n", id, first)
	}
	for _, p := range b.topo.Paths() {
		writeStorePath(&sb, p)
	}
	for _, s := range b.topo.Sets() {
		writeCreateSet(&sb, s)
	}
	return b.command(KindInstall, "init", sb.String()), nil
}

// StorePaths stores the given paths. Each path must already be defined in
// the topology.
func (b *Builder) StorePaths(paths []topology.Path) (Command, error) {
	var sb strings.Builder
	for _, p := range paths {
		if !b.topo.HasPath(p.Server, p.Client) {
			return Command{}, &topology.TopologyError{
				Code:   topology.ErrCodeMissing,
				Entity: "path",
				ID:     fmt.Sprintf("%d->%d", p.Server, p.Client),
			}
		}
		writeStorePath(&sb, p)
	}
	return b.command(KindStorePath, "add paths", sb.String()), nil
}

// AddMembers adds every table and then every sequence of a set, in the order
// they were defined.
func (b *Builder) AddMembers(setID int) (Command, error) {
	s, err := b.set(setID)
	if err != nil {
		return Command{}, err
	}
	var sb strings.Builder
	writeMembers(&sb, s)
	return b.command(KindAddMembers, "add tables", sb.String()), nil
}

// CreateSet creates a set on its origin and adds its members.
func (b *Builder) CreateSet(setID int) (Command, error) {
	s, err := b.set(setID)
	if err != nil {
		return Command{}, err
	}
	var sb strings.Builder
	writeCreateSet(&sb, s)
	writeMembers(&sb, s)
	return b.command(KindCreateSet, fmt.Sprintf("create set %d", setID), sb.String()), nil
}

// Subscribe renders one subscription. The subscription must be defined in
// the topology; its forward flag is taken from there.
func (b *Builder) Subscribe(setID, provider, subscriber int) (Command, error) {
	if _, err := b.set(setID); err != nil {
		return Command{}, err
	}
	var sub *topology.Subscription
	for _, s := range b.topo.Subscriptions() {
		if s.SetID == setID && s.Provider == provider && s.Subscriber == subscriber {
			sub = &s
			break
		}
	}
	if sub == nil {
		return Command{}, &topology.TopologyError{
			Code:   topology.ErrCodeMissing,
			Entity: "subscription",
			ID:     fmt.Sprintf("set %d node %d", setID, subscriber),
		}
	}

	forward := "no"
	if sub.Forward {
		forward = "yes"
	}
	var sb strings.Builder
	sb.WriteString("echo 'subscribing to set';\n")
	fmt.Fprintf(&sb, "subscribe set(id=%d, provider=%d, receiver=%d, forward=%s);\n",
		setID, provider, subscriber, forward)
	fmt.Fprintf(&sb, "echo 'finished subscribing %d';\n", subscriber)
	return b.command(KindSubscribe, fmt.Sprintf("subscribe %d", subscriber), sb.String()), nil
}

// MoveSet locks the set on its current origin, moves it to newOrigin and
// waits for the move to be confirmed. oldOrigin must be the set's origin.
func (b *Builder) MoveSet(setID, oldOrigin, newOrigin int) (Command, error) {
	s, err := b.set(setID)
	if err != nil {
		return Command{}, err
	}
	if err := b.node(newOrigin); err != nil {
		return Command{}, err
	}
	if s.Origin != oldOrigin {
		return Command{}, &topology.TopologyError{
			Code:    topology.ErrCodeInvalid,
			Entity:  "set",
			ID:      fmt.Sprint(setID),
			Message: fmt.Sprintf("origin is node %d, not node %d", s.Origin, oldOrigin),
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "lock set(id=%d, origin=%d);\n", setID, oldOrigin)
	fmt.Fprintf(&sb, "move set(id=%d, old origin=%d, new origin=%d);\n", setID, oldOrigin, newOrigin)
	sb.WriteString(b.WaitClause(oldOrigin, oldOrigin, 0))
	return b.command(KindMoveSet, "moveset", sb.String()), nil
}

// Sync raises a sync event on origin and waits up to timeout seconds for
// every node to confirm it.
func (b *Builder) Sync(origin, timeout int) (Command, error) {
	if err := b.node(origin); err != nil {
		return Command{}, err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "sync(id=%d);\n", origin)
	sb.WriteString(b.WaitClause(origin, origin, timeout))
	return b.command(KindSync, "sync", sb.String()), nil
}

// Teardown uninstalls every node, tolerating nodes that were never
// installed. Running it twice is harmless.
func (b *Builder) Teardown() Command {
	var sb strings.Builder
	b.writeUninstall(&sb)
	return b.command(KindTeardown, "uninstall", sb.String())
}

func (b *Builder) writeUninstall(sb *strings.Builder) {
	for _, id := range b.topo.NodeIDs() {
		sb.WriteString("try {\n")
		fmt.Fprintf(sb, "\tuninstall node(id=%d);\n", id)
		sb.WriteString("} on error {\n\techo 'slony not installed';\n}\n")
	}
}

func writeStorePath(sb *strings.Builder, p topology.Path) {
	fmt.Fprintf(sb, "store path(server=%d,client=%d,conninfo=%s );\n", p.Server, p.Client, p.ConnInfoRef())
}

func writeCreateSet(sb *strings.Builder, s topology.Set) {
	if s.Comment != "" {
		fmt.Fprintf(sb, "create set(id=%d, origin=%d, comment='%s');\n", s.ID, s.Origin, quote(s.Comment))
		return
	}
	fmt.Fprintf(sb, "create set(id=%d, origin=%d);\n", s.ID, s.Origin)
}

func writeMembers(sb *strings.Builder, s topology.Set) {
	for _, m := range s.Tables() {
		fmt.Fprintf(sb, "set add table(id=%d, set id=%d, fully qualified name='%s', origin=%d);\n",
			m.ID, s.ID, quote(m.Name), s.Origin)
	}
	for _, m := range s.Sequences() {
		fmt.Fprintf(sb, "set add sequence(id=%d, set id=%d, fully qualified name='%s', origin=%d);\n",
			m.ID, s.ID, quote(m.Name), s.Origin)
	}
}

// quote escapes single quotes inside a slonik string literal.
func quote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func (b *Builder) command(kind Kind, label, body string) Command {
	return Command{Kind: kind, Label: label, Preamble: b.Preamble(), Body: body}
}

func (b *Builder) set(id int) (topology.Set, error) {
	s, ok := b.topo.Set(id)
	if !ok {
		return topology.Set{}, &topology.TopologyError{
			Code:   topology.ErrCodeMissing,
			Entity: "set",
			ID:     fmt.Sprint(id),
		}
	}
	return s, nil
}

func (b *Builder) node(id int) error {
	if _, ok := b.topo.Node(id); !ok {
		return &topology.TopologyError{
			Code:   topology.ErrCodeMissing,
			Entity: "node",
			ID:     fmt.Sprint(id),
		}
	}
	return nil
}
