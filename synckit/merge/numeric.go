package merge

import (
	"github.com/c0deZ3R0/go-sync-resolve/synckit/values"
)

// NumericStrategy merges numbers by field name: counters and versions take
// the maximum, rates take the mean, everything else keeps the remote value.
type NumericStrategy struct{}

func (n *NumericStrategy) Name() string { return "numeric" }

func (n *NumericStrategy) CanHandle(field string, local, remote any) bool {
	return values.KindOf(local) == values.Number && values.KindOf(remote) == values.Number
}

func (n *NumericStrategy) Merge(field string, local, remote any, ctx Context) any {
	lf, lok := values.ParseFloat(local)
	rf, rok := values.ParseFloat(remote)
	if !lok || !rok {
		return remote
	}
	switch {
	case nameContains(field, "count", "total", "sum"):
		return pickMax(local, remote, lf, rf)
	case nameContains(field, "rate", "percent", "ratio"):
		return (lf + rf) / 2
	case nameContains(field, "version", "revision"):
		return pickMax(local, remote, lf, rf)
	default:
		return remote
	}
}

func (n *NumericStrategy) Confidence(field string, local, remote any) float64 {
	_, lok := values.ParseFloat(local)
	_, rok := values.ParseFloat(remote)
	if !lok || !rok {
		return fallbackConfidence
	}
	if nameContains(field, "count", "total", "version") {
		return 0.9
	}
	return 0.7
}

func (n *NumericStrategy) Validate(merged any, ctx Context) bool {
	_, ok := values.ParseFloat(merged)
	return ok
}

// pickMax returns the original value of the larger side so that integer
// fields stay integers. Ties keep the remote value.
func pickMax(local, remote any, lf, rf float64) any {
	if lf > rf {
		return local
	}
	return remote
}

// pickMin mirrors pickMax.
func pickMin(local, remote any, lf, rf float64) any {
	if lf < rf {
		return local
	}
	return remote
}
