package merge

import "github.com/c0deZ3R0/go-sync-resolve/synckit/values"

// stateFlagPatterns name flags where losing a true value is the worse failure.
var stateFlagPatterns = []string{
	"active", "enabled", "visible",
	"deleted", "archived", "disabled",
	"dirty", "modified",
}

// BooleanStrategy ORs state flags and keeps the remote value otherwise.
type BooleanStrategy struct{}

func (b *BooleanStrategy) Name() string { return "boolean" }

func (b *BooleanStrategy) CanHandle(field string, local, remote any) bool {
	return values.KindOf(local) == values.Bool && values.KindOf(remote) == values.Bool
}

func (b *BooleanStrategy) Merge(field string, local, remote any, ctx Context) any {
	l, lok := local.(bool)
	r, rok := remote.(bool)
	if !lok || !rok {
		return remote
	}
	if nameContains(field, stateFlagPatterns...) {
		return l || r
	}
	return r
}

func (b *BooleanStrategy) Confidence(field string, local, remote any) float64 {
	_, lok := local.(bool)
	_, rok := remote.(bool)
	if !lok || !rok {
		return fallbackConfidence
	}
	if nameContains(field, stateFlagPatterns...) {
		return 0.95
	}
	return 0.8
}

func (b *BooleanStrategy) Validate(merged any, ctx Context) bool {
	_, ok := merged.(bool)
	return ok
}
