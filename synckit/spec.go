package synckit

import "github.com/c0deZ3R0/go-sync-resolve/synckit/types"

// Spec is a predicate used to match conflicts to rules. Combinators allow
// building complex match logic from small, testable pieces.
type Spec func(c *types.Conflict) bool

// Always matches every conflict.
func Always() Spec { return func(*types.Conflict) bool { return true } }

// And requires every spec to match. A nil spec never matches.
func And(specs ...Spec) Spec {
	return func(c *types.Conflict) bool {
		for _, s := range specs {
			if s == nil || !s(c) {
				return false
			}
		}
		return len(specs) > 0
	}
}

// Or requires at least one spec to match.
func Or(specs ...Spec) Spec {
	return func(c *types.Conflict) bool {
		for _, s := range specs {
			if s != nil && s(c) {
				return true
			}
		}
		return false
	}
}

// Not negates a spec.
func Not(s Spec) Spec { return func(c *types.Conflict) bool { return s == nil || !s(c) } }

// CollectionIs matches conflicts of one collection.
func CollectionIs(name string) Spec {
	return func(c *types.Conflict) bool { return c.Collection == name }
}

// AnyFieldIn matches when any conflicted field is in the set.
func AnyFieldIn(fields ...string) Spec {
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return func(c *types.Conflict) bool {
		for name := range c.FieldConflicts {
			if _, ok := set[name]; ok {
				return true
			}
		}
		return false
	}
}

// HasTag matches conflicts carrying tag.
func HasTag(tag string) Spec {
	return func(c *types.Conflict) bool { return c.HasTag(tag) }
}

// ConflictTypeIn matches when any field conflict is of one of the kinds.
func ConflictTypeIn(kinds ...types.ConflictType) Spec {
	return func(c *types.Conflict) bool {
		for _, fc := range c.FieldConflicts {
			for _, k := range kinds {
				if fc.ConflictType == k {
					return true
				}
			}
		}
		return false
	}
}

// PriorityAtLeast matches conflicts at or above p.
func PriorityAtLeast(p types.Priority) Spec {
	return func(c *types.Conflict) bool { return c.Priority >= p }
}

// RequiresManual matches conflicts that need review.
func RequiresManual() Spec {
	return func(c *types.Conflict) bool { return c.RequiresManualIntervention() }
}
