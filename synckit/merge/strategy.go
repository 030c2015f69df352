// Package merge holds the type-specific field mergers used by intelligent
// merge resolution. Strategies are stateless: they never mutate their inputs
// and always return a usable value, degrading to the remote value when the
// inputs are not of the kind they understand.
package merge

import (
	"strings"
	"sync"

	"golang.org/x/text/cases"
)

// Fallback confidence reported when a strategy receives inputs it cannot merge.
const fallbackConfidence = 0.1

// Context carries the surrounding record for strategies that need it.
type Context struct {
	Collection string
	EntityID   string
	LocalData  map[string]any
	RemoteData map[string]any
}

// Strategy merges two conflicting values of one field.
type Strategy interface {
	// Name identifies the strategy in resolution audit data.
	Name() string

	// CanHandle reports whether the strategy understands this pair of values.
	CanHandle(field string, local, remote any) bool

	// Merge combines local and remote. It must not mutate either input.
	Merge(field string, local, remote any, ctx Context) any

	// Confidence scores how safe the merge of this pair is, from 0 to 1.
	Confidence(field string, local, remote any) float64

	// Validate checks a merged value before it is written to the record.
	Validate(merged any, ctx Context) bool
}

// Set is an ordered collection of strategies. Registered strategies are
// consulted before the built-in ones, most recent registration first.
type Set struct {
	mu      sync.RWMutex
	custom  []Strategy
	builtin []Strategy

	array  *ArrayStrategy
	nested *NestedStrategy
}

// NewSet returns a Set containing the six built-in strategies.
func NewSet() *Set {
	array := &ArrayStrategy{}
	nested := &NestedStrategy{Array: array}
	return &Set{
		array:  array,
		nested: nested,
		builtin: []Strategy{
			&TimestampStrategy{},
			&BooleanStrategy{},
			&NumericStrategy{},
			array,
			nested,
			&TextStrategy{},
		},
	}
}

// Register adds a strategy ahead of every strategy already in the set.
func (s *Set) Register(st Strategy) {
	if st == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.custom = append([]Strategy{st}, s.custom...)
}

// Strategies returns the lookup order.
func (s *Set) Strategies() []Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Strategy, 0, len(s.custom)+len(s.builtin))
	out = append(out, s.custom...)
	return append(out, s.builtin...)
}

// For returns the first strategy that handles the pair, or nil.
func (s *Set) For(field string, local, remote any) Strategy {
	for _, st := range s.Strategies() {
		if st.CanHandle(field, local, remote) {
			return st
		}
	}
	return nil
}

// Array returns the built-in list strategy.
func (s *Set) Array() *ArrayStrategy { return s.array }

// Nested returns the built-in nested object strategy.
func (s *Set) Nested() *NestedStrategy { return s.nested }

// fold case-folds s. Casers keep state, so one is made per call.
func fold(s string) string {
	return cases.Fold().String(s)
}

// nameContains reports whether the case-folded field name contains any pattern.
func nameContains(field string, patterns ...string) bool {
	name := fold(field)
	for _, p := range patterns {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}
