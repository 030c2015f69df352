package merge

import (
	"fmt"

	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/values"
)

// ApplyFieldStrategy computes the value a per-field decision produces.
// Custom carries its own value and is rejected here.
func ApplyFieldStrategy(s *Set, fs types.FieldStrategy, field string, local, remote any, ctx Context) (any, error) {
	if s == nil {
		s = NewSet()
	}
	switch fs {
	case types.UseLocal:
		return values.Copy(local), nil
	case types.UseRemote:
		return values.Copy(remote), nil
	case types.MergeArrays:
		if !s.Array().CanHandle(field, local, remote) {
			return nil, fmt.Errorf("field %q: %s needs two lists", field, fs)
		}
		return s.Array().Merge(field, local, remote, ctx), nil
	case types.MergeObjects:
		if !s.Nested().CanHandle(field, local, remote) {
			return nil, fmt.Errorf("field %q: %s needs two objects", field, fs)
		}
		return s.Nested().Merge(field, local, remote, ctx), nil
	case types.Concatenate:
		l, lok := local.(string)
		r, rok := remote.(string)
		if !lok || !rok {
			return nil, fmt.Errorf("field %q: %s needs two strings", field, fs)
		}
		return mergeDescriptive(l, r), nil
	case types.Max, types.Min, types.Average:
		lf, lok := values.AsFloat(local)
		rf, rok := values.AsFloat(remote)
		if !lok || !rok {
			return nil, fmt.Errorf("field %q: %s needs two numbers", field, fs)
		}
		switch fs {
		case types.Max:
			return pickMax(local, remote, lf, rf), nil
		case types.Min:
			return pickMin(local, remote, lf, rf), nil
		default:
			return (lf + rf) / 2, nil
		}
	case types.Custom:
		return nil, fmt.Errorf("field %q: %s requires a supplied value", field, fs)
	default:
		return nil, fmt.Errorf("field %q: unknown field strategy %q", field, fs)
	}
}

// recommendable are the merging field strategies Recommend tries, in order.
var recommendable = []types.FieldStrategy{types.MergeArrays, types.MergeObjects, types.Average, types.Concatenate}

// Recommend names the field strategy that reproduces merged, the value
// MergeField produced for the pair. Taking a side is preferred, remote first.
// Custom is returned when no named strategy yields merged.
func Recommend(s *Set, field string, local, remote, merged any, ctx Context) types.FieldStrategy {
	switch {
	case values.Equal(merged, remote):
		return types.UseRemote
	case values.Equal(merged, local):
		return types.UseLocal
	}
	for _, fs := range recommendable {
		if v, err := ApplyFieldStrategy(s, fs, field, local, remote, ctx); err == nil && values.Equal(v, merged) {
			return fs
		}
	}
	return types.Custom
}
