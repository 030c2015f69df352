package merge

import (
	"fmt"

	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/values"
)

// FieldOutcome is the merged value of one conflicted field.
type FieldOutcome struct {
	Value any
	// Strategy is the merge strategy name, or useLocal / useRemote when one
	// side was taken without merging.
	Strategy   string
	Confidence float64
	// Warning is set when the field degraded to the remote value.
	Warning string
}

// MergeField merges one field conflict with the first strategy that handles
// its values. A missing side takes the other side. Values of different kinds,
// pairs no strategy handles and merged values that fail validation keep the
// remote value.
func (s *Set) MergeField(name string, fc types.FieldConflict, ctx Context) FieldOutcome {
	local, remote := fc.LocalValue, fc.RemoteValue
	switch {
	case values.IsNil(local):
		return FieldOutcome{Value: values.Copy(remote), Strategy: string(types.UseRemote), Confidence: fc.ConfidenceScore}
	case values.IsNil(remote):
		return FieldOutcome{Value: values.Copy(local), Strategy: string(types.UseLocal), Confidence: fc.ConfidenceScore}
	case fc.ConflictType == types.TypeMismatch:
		return FieldOutcome{
			Value:      values.Copy(remote),
			Strategy:   string(types.UseRemote),
			Confidence: fallbackConfidence,
			Warning:    fmt.Sprintf("%s: %s, kept remote value", name, fc.SemanticReason),
		}
	}

	st := s.For(name, local, remote)
	if st == nil {
		return FieldOutcome{
			Value:      values.Copy(remote),
			Strategy:   string(types.UseRemote),
			Confidence: fallbackConfidence,
			Warning:    fmt.Sprintf("%s: no merge strategy handles these values, kept remote value", name),
		}
	}
	merged := st.Merge(name, local, remote, ctx)
	if !st.Validate(merged, ctx) {
		return FieldOutcome{
			Value:      values.Copy(remote),
			Strategy:   st.Name(),
			Confidence: fallbackConfidence,
			Warning:    fmt.Sprintf("%s: %s produced an invalid value, kept remote value", name, st.Name()),
		}
	}
	return FieldOutcome{Value: merged, Strategy: st.Name(), Confidence: st.Confidence(name, local, remote)}
}
