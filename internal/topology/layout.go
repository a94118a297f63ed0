package topology

// StandardNodeCount is the number of nodes in the full standard layout.
const StandardNodeCount = 5

// standardEdges are the bidirectional links of the standard layout, in the
// order they are stored. An edge is only used when both nodes exist.
var standardEdges = []Path{
	{Server: 1, Client: 2},
	{Server: 1, Client: 3},
	{Server: 3, Client: 4},
	{Server: 3, Client: 5},
}

// Standard builds the standard cascading layout for count nodes: paths in
// both directions along 1-2, 1-3, 3-4 and 3-5, and set 1 with node 1 as its
// origin. Nothing is subscribed.
func Standard(count int) (*Topology, error) {
	t := New()
	if err := t.DefineNodes(count); err != nil {
		return nil, err
	}
	for _, e := range standardEdges {
		if e.Client > count {
			continue
		}
		if err := t.DefinePath(e.Server, e.Client); err != nil {
			return nil, err
		}
		if err := t.DefinePath(e.Client, e.Server); err != nil {
			return nil, err
		}
	}
	if err := t.DefineSet(1, 1); err != nil {
		return nil, err
	}
	return t, nil
}

// CompletePaths defines every missing path so that all node pairs can reach
// each other directly. It returns the paths it added.
func (t *Topology) CompletePaths() ([]Path, error) {
	added := t.MissingPaths()
	for _, p := range added {
		if err := t.DefinePath(p.Server, p.Client); err != nil {
			return nil, err
		}
	}
	return added, nil
}
