package testutil

import (
	"fmt"
	"sync/atomic"
)

// FixedRunID generates the same run id every time.
//
// This enables deterministic test execution and golden snapshot comparison:
// work directories and annotated documents of repeated runs are identical.
//
// Thread-safety: FixedRunID is stateless and safe for concurrent use.
type FixedRunID struct {
	id string
}

// NewFixedRunID creates a generator that always returns id.
// If id is empty, Generate() returns "test-run-default".
func NewFixedRunID(id string) *FixedRunID {
	if id == "" {
		id = "test-run-default"
	}
	return &FixedRunID{id: id}
}

// Generate returns the fixed run id.
//
// Implements engine.RunIDGenerator.
func (g *FixedRunID) Generate() string {
	return g.id
}

// SequentialRunID returns prefix-1, prefix-2, ... so repeated runs of one
// scenario get distinct work directories.
type SequentialRunID struct {
	prefix string
	n      atomic.Int64
}

// NewSequentialRunID creates a sequential generator.
func NewSequentialRunID(prefix string) *SequentialRunID {
	return &SequentialRunID{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialRunID) Generate() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.n.Add(1))
}
