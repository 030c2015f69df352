// Package types contains the data model shared by the detector, the resolvers,
// the history store and the negotiation adapter. It exists to prevent import
// cycles between synckit and its subpackages.
package types

import (
	"sort"
	"time"

	"github.com/c0deZ3R0/go-sync-resolve/synckit/values"
)

// DefaultManualThreshold is the confidence below which a field conflict is
// considered unsafe to resolve automatically.
const DefaultManualThreshold = 0.5

// ConflictType classifies a single differing field. Kinds are mutually
// exclusive and assigned in the order they are declared here.
type ConflictType string

const (
	TypeMismatch         ConflictType = "typeMismatch"
	RemoteOnly           ConflictType = "remoteOnly"
	LocalOnly            ConflictType = "localOnly"
	ReferenceConflict    ConflictType = "referenceConflict"
	SemanticConflict     ConflictType = "semanticConflict"
	ArrayElementConflict ConflictType = "arrayElementConflict"
	StructuralConflict   ConflictType = "structuralConflict"
	ValueDifference      ConflictType = "valueDifference"
)

// ConflictTypes lists every kind in precedence order.
var ConflictTypes = []ConflictType{
	TypeMismatch, RemoteOnly, LocalOnly, ReferenceConflict,
	SemanticConflict, ArrayElementConflict, StructuralConflict, ValueDifference,
}

// Strategy is a whole-conflict resolution strategy.
type Strategy string

const (
	LocalWins        Strategy = "localWins"
	RemoteWins       Strategy = "remoteWins"
	NewestWins       Strategy = "newestWins"
	IntelligentMerge Strategy = "intelligentMerge"
)

// Strategies is the fixed enumeration order, also used to break ties.
var Strategies = []Strategy{IntelligentMerge, RemoteWins, LocalWins, NewestWins}

// Valid reports whether s is a built-in strategy.
func (s Strategy) Valid() bool {
	for _, known := range Strategies {
		if s == known {
			return true
		}
	}
	return false
}

// FieldStrategy identifies how one field was, or may be, resolved.
type FieldStrategy string

const (
	UseLocal     FieldStrategy = "useLocal"
	UseRemote    FieldStrategy = "useRemote"
	MergeArrays  FieldStrategy = "mergeArrays"
	MergeObjects FieldStrategy = "mergeObjects"
	Concatenate  FieldStrategy = "concatenate"
	Max          FieldStrategy = "max"
	Min          FieldStrategy = "min"
	Average      FieldStrategy = "average"
	Custom       FieldStrategy = "custom"
)

// Priority is the caller supplied sync priority ordinal. It is carried on the
// conflict and never interpreted by the core.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ResolutionMode records which orchestrator path produced a resolution.
type ResolutionMode string

const (
	ModeAutomatic   ResolutionMode = "automatic"
	ModeAssisted    ResolutionMode = "assisted"
	ModeInteractive ResolutionMode = "interactive"
)

// FieldConflict describes one differing field. Treat it as immutable.
type FieldConflict struct {
	FieldName           string          `json:"fieldName"`
	ConflictType        ConflictType    `json:"conflictType"`
	LocalValue          any             `json:"localValue"`
	RemoteValue         any             `json:"remoteValue"`
	ConfidenceScore     float64         `json:"confidenceScore"`
	PossibleResolutions []FieldStrategy `json:"possibleResolutions"`
	SemanticReason      string          `json:"semanticReason,omitempty"`
}

// Conflict is one entity version pair whose contents disagree. It is created
// by the detector and not modified afterwards.
type Conflict struct {
	ConflictID     string                   `json:"conflictId"`
	EntityID       string                   `json:"entityId"`
	Collection     string                   `json:"collection"`
	LocalData      map[string]any           `json:"localData"`
	RemoteData     map[string]any           `json:"remoteData"`
	FieldConflicts map[string]FieldConflict `json:"fieldConflicts"`
	LocalVersion   int64                    `json:"localVersion"`
	RemoteVersion  int64                    `json:"remoteVersion"`
	Priority       Priority                 `json:"priority"`
	DetectedAt     time.Time                `json:"detectedAt"`
	Tags           []string                 `json:"tags,omitempty"`

	// ManualThreshold overrides DefaultManualThreshold when positive.
	ManualThreshold float64 `json:"manualThreshold,omitempty"`
}

// RequiresManualIntervention is true when any field conflict is either below
// the manual threshold or of a semantic or reference kind.
func (c *Conflict) RequiresManualIntervention() bool {
	threshold := DefaultManualThreshold
	if c.ManualThreshold > 0 {
		threshold = c.ManualThreshold
	}
	for _, fc := range c.FieldConflicts {
		if fc.ConfidenceScore < threshold {
			return true
		}
		if fc.ConflictType == SemanticConflict || fc.ConflictType == ReferenceConflict {
			return true
		}
	}
	return false
}

// FieldNames returns the conflicted field names in sorted order.
func (c *Conflict) FieldNames() []string {
	names := make([]string, 0, len(c.FieldConflicts))
	for name := range c.FieldConflicts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasTag reports whether the conflict carries tag.
func (c *Conflict) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so that callers cannot reach shared state.
func (c *Conflict) Clone() *Conflict {
	if c == nil {
		return nil
	}
	out := *c
	out.LocalData = values.CopyMap(c.LocalData)
	out.RemoteData = values.CopyMap(c.RemoteData)
	out.FieldConflicts = make(map[string]FieldConflict, len(c.FieldConflicts))
	for name, fc := range c.FieldConflicts {
		fc.LocalValue = values.Copy(fc.LocalValue)
		fc.RemoteValue = values.Copy(fc.RemoteValue)
		fc.PossibleResolutions = append([]FieldStrategy(nil), fc.PossibleResolutions...)
		out.FieldConflicts[name] = fc
	}
	out.Tags = append([]string(nil), c.Tags...)
	return &out
}

// Resolution is the outcome of resolving a conflict. Corrections are new
// Resolution values, never edits of an existing one.
type Resolution struct {
	ID                        string            `json:"id"`
	ConflictID                string            `json:"conflictId"`
	ResolvedData              map[string]any    `json:"resolvedData"`
	Strategy                  Strategy          `json:"strategy"`
	FieldResolutionStrategies map[string]string `json:"fieldResolutionStrategies"`
	FieldsUsedFromLocal       []string          `json:"fieldsUsedFromLocal"`
	FieldsUsedFromRemote      []string          `json:"fieldsUsedFromRemote"`
	ConfidenceScore           float64           `json:"confidenceScore"`
	ResolvedAt                time.Time         `json:"resolvedAt"`
	ResolvedBy                string            `json:"resolvedBy"`
	Mode                      ResolutionMode    `json:"mode"`
	Warnings                  []string          `json:"warnings,omitempty"`
	Metadata                  map[string]any    `json:"metadata,omitempty"`
	AuditTrail                []string          `json:"auditTrail,omitempty"`
}

// Metadata keys set by the orchestrator.
const (
	MetaProvisional = "provisional"
	MetaCorrects    = "corrects"
	MetaSuggestion  = "suggestedStrategy"
)

// IsProvisional reports whether the resolution awaits a human decision.
func (r *Resolution) IsProvisional() bool {
	v, _ := r.Metadata[MetaProvisional].(bool)
	return v
}

// Clone returns a deep copy of the resolution.
func (r *Resolution) Clone() *Resolution {
	if r == nil {
		return nil
	}
	out := *r
	out.ResolvedData = values.CopyMap(r.ResolvedData)
	out.FieldResolutionStrategies = make(map[string]string, len(r.FieldResolutionStrategies))
	for k, v := range r.FieldResolutionStrategies {
		out.FieldResolutionStrategies[k] = v
	}
	out.FieldsUsedFromLocal = append([]string(nil), r.FieldsUsedFromLocal...)
	out.FieldsUsedFromRemote = append([]string(nil), r.FieldsUsedFromRemote...)
	out.Warnings = append([]string(nil), r.Warnings...)
	out.AuditTrail = append([]string(nil), r.AuditTrail...)
	if r.Metadata != nil {
		out.Metadata = values.CopyMap(r.Metadata)
	}
	return &out
}
