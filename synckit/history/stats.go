package history

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
)

// topFieldCount is the number of fields listed in Statistics.TopFields.
const topFieldCount = 10

// FieldCount is how often a field was in conflict.
type FieldCount struct {
	Field string `json:"field"`
	Count int    `json:"count"`
}

// Statistics aggregates the whole history. It is computed on demand.
type Statistics struct {
	TotalEntries          int                        `json:"totalEntries"`
	ResolvedEntries       int                        `json:"resolvedEntries"`
	ByStrategy            map[types.Strategy]int     `json:"byStrategy"`
	ByCollection          map[string]int             `json:"byCollection"`
	ByConflictType        map[types.ConflictType]int `json:"byConflictType"`
	MeanConfidence        float64                    `json:"meanConfidence"`
	ManualResolutionRate  float64                    `json:"manualResolutionRate"`
	MeanResolutionLatency time.Duration              `json:"meanResolutionLatency"`
	TopFields             []FieldCount               `json:"topFields"`
}

// Statistics computes aggregate statistics over a snapshot of the history.
func (s *Store) Statistics() Statistics {
	return computeStatistics(s.snapshot(nil, false))
}

func computeStatistics(entries []*Entry) Statistics {
	st := Statistics{
		TotalEntries:   len(entries),
		ByStrategy:     map[types.Strategy]int{},
		ByCollection:   map[string]int{},
		ByConflictType: map[types.ConflictType]int{},
		TopFields:      []FieldCount{},
	}
	var (
		confidences []float64
		latencies   []float64
		manual      int
		fields      = map[string]int{}
	)
	for _, e := range entries {
		st.ByCollection[e.Conflict.Collection]++
		for name, fc := range e.Conflict.FieldConflicts {
			st.ByConflictType[fc.ConflictType]++
			fields[name]++
		}
		if e.Resolution == nil {
			continue
		}
		st.ResolvedEntries++
		st.ByStrategy[e.Resolution.Strategy]++
		confidences = append(confidences, e.Resolution.ConfidenceScore)
		if e.Manual() {
			manual++
		}
		if !e.Conflict.DetectedAt.IsZero() && !e.Resolution.ResolvedAt.IsZero() {
			latencies = append(latencies, float64(e.Resolution.ResolvedAt.Sub(e.Conflict.DetectedAt)))
		}
	}
	if len(confidences) > 0 {
		st.MeanConfidence = stat.Mean(confidences, nil)
	}
	if st.ResolvedEntries > 0 {
		st.ManualResolutionRate = float64(manual) / float64(st.ResolvedEntries)
	}
	if len(latencies) > 0 {
		st.MeanResolutionLatency = time.Duration(stat.Mean(latencies, nil))
	}
	st.TopFields = topFields(fields, topFieldCount)
	return st
}

// topFields orders by count, then by name for equal counts.
func topFields(counts map[string]int, n int) []FieldCount {
	out := make([]FieldCount, 0, len(counts))
	for name, c := range counts {
		out = append(out, FieldCount{Field: name, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Field < out[j].Field
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
