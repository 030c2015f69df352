package merge

import (
	"math"

	"github.com/c0deZ3R0/go-sync-resolve/synckit/values"
)

// NestedStrategy deep-merges objects on top of the remote copy. Keys only
// present locally are kept, nested objects recurse, lists go through the
// array strategy and any other clash keeps the remote value.
type NestedStrategy struct {
	Array *ArrayStrategy
}

func (n *NestedStrategy) Name() string { return "nestedObject" }

func (n *NestedStrategy) CanHandle(field string, local, remote any) bool {
	return values.KindOf(local) == values.Map && values.KindOf(remote) == values.Map
}

func (n *NestedStrategy) Merge(field string, local, remote any, ctx Context) any {
	l, lok := values.AsMap(local)
	r, rok := values.AsMap(remote)
	if !lok || !rok {
		return remote
	}
	return n.deepMerge(field, l, r, ctx)
}

func (n *NestedStrategy) deepMerge(field string, local, remote map[string]any, ctx Context) map[string]any {
	out := values.CopyMap(remote)
	array := n.Array
	if array == nil {
		array = &ArrayStrategy{}
	}
	for key, lv := range local {
		rv, ok := remote[key]
		if !ok {
			out[key] = values.Copy(lv)
			continue
		}
		lm, lIsMap := values.AsMap(lv)
		rm, rIsMap := values.AsMap(rv)
		if lIsMap && rIsMap {
			out[key] = n.deepMerge(key, lm, rm, ctx)
			continue
		}
		if array.CanHandle(key, lv, rv) {
			out[key] = array.Merge(key, lv, rv, ctx)
		}
	}
	return out
}

func (n *NestedStrategy) Confidence(field string, local, remote any) float64 {
	l, lok := values.AsMap(local)
	r, rok := values.AsMap(remote)
	if !lok || !rok {
		return fallbackConfidence
	}
	return math.Max(0.6, keyOverlap(l, r)*0.9)
}

func (n *NestedStrategy) Validate(merged any, ctx Context) bool {
	return values.KindOf(merged) == values.Map
}

// keyOverlap is the share of keys present on both sides.
func keyOverlap(a, b map[string]any) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	shared := 0
	for k := range a {
		if _, ok := b[k]; ok {
			shared++
		}
	}
	total := len(a) + len(b) - shared
	return float64(shared) / float64(total)
}
