package merge

import (
	"strings"

	"github.com/c0deZ3R0/go-sync-resolve/synckit/values"
)

// TimestampStrategy merges instants: creation times keep the older value,
// every other timestamp keeps the newer one. The winning side's original
// representation is returned.
type TimestampStrategy struct{}

func (t *TimestampStrategy) Name() string { return "timestamp" }

// CanHandle accepts two native instants, or two parsable values on a field
// whose name marks it as a timestamp.
func (t *TimestampStrategy) CanHandle(field string, local, remote any) bool {
	lk, rk := values.KindOf(local), values.KindOf(remote)
	if lk == values.Time && rk == values.Time {
		return true
	}
	if !IsTimestampField(field) {
		return false
	}
	if lk == values.Bool || rk == values.Bool {
		return false
	}
	_, lok := values.AsTime(local)
	_, rok := values.AsTime(remote)
	return lok && rok
}

func (t *TimestampStrategy) Merge(field string, local, remote any, ctx Context) any {
	lt, lok := values.AsTime(local)
	rt, rok := values.AsTime(remote)
	switch {
	case !lok && !rok:
		return remote
	case !lok:
		return remote
	case !rok:
		return local
	}
	if nameContains(field, "created") {
		if lt.Before(rt) {
			return local
		}
		return remote
	}
	if lt.After(rt) {
		return local
	}
	return remote
}

func (t *TimestampStrategy) Confidence(field string, local, remote any) float64 {
	_, lok := values.AsTime(local)
	_, rok := values.AsTime(remote)
	if !lok && !rok {
		return fallbackConfidence
	}
	if nameContains(field, "created", "updated", "timestamp") {
		return 0.95
	}
	return 0.7
}

func (t *TimestampStrategy) Validate(merged any, ctx Context) bool {
	_, ok := values.AsTime(merged)
	return ok
}

// IsTimestampField reports whether a field name looks like an instant.
func IsTimestampField(field string) bool {
	if strings.HasSuffix(field, "At") || strings.HasSuffix(fold(field), "_at") {
		return true
	}
	return nameContains(field, "created", "updated", "modified", "synced", "timestamp")
}
