package testutil

// FixedRunIDGenerator returns the same run ID every time.
//
// Run IDs end up in store rows and log lines; a fixed one keeps golden
// output stable.
//
// Thread-safety: stateless and safe for concurrent use.
type FixedRunIDGenerator struct {
	id string
}

// NewFixedRunIDGenerator creates a generator for id. An empty id becomes
// "test-run-default".
func NewFixedRunIDGenerator(id string) *FixedRunIDGenerator {
	if id == "" {
		id = "test-run-default"
	}
	return &FixedRunIDGenerator{id: id}
}

// Generate implements system.RunIDGenerator.
func (g *FixedRunIDGenerator) Generate() string {
	return g.id
}
