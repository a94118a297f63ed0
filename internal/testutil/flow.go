package testutil

// FixedRunID generates the same run id every time, so persisted runs and
// reports are byte-identical across test executions.
type FixedRunID struct {
	id string
}

// NewFixedRunID creates a generator for id. An empty id defaults to
// "test-run-default".
func NewFixedRunID(id string) *FixedRunID {
	if id == "" {
		id = "test-run-default"
	}
	return &FixedRunID{id: id}
}

// Generate returns the fixed id.
func (g *FixedRunID) Generate() string {
	return g.id
}
