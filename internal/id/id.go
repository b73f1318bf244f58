// Package id is the canonical source of opaque identifiers: rule IDs,
// request IDs, connection IDs. Grounded on the teacher's internal/id, but
// backed by google/uuid rather than a hand-rolled generator, since the
// teacher already carries that dependency without using it anywhere.
package id

import "github.com/google/uuid"

// New returns a random (v4) unique identifier.
func New() string {
	return uuid.NewString()
}

// Short returns a 16-character hex identifier, for contexts (log lines,
// test fixtures) where brevity matters more than global uniqueness
// guarantees.
func Short() string {
	s := uuid.New().String()
	return s[:8] + s[9:13] + s[14:18]
}
