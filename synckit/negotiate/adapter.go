// Package negotiate turns conflicts into decision sets for a user interface
// and turns the user's field by field choices back into a resolution.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	syncErrors "github.com/c0deZ3R0/go-sync-resolve/errors"
	"github.com/c0deZ3R0/go-sync-resolve/logging"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/events"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/history"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/merge"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/values"
)

// mediumRiskFieldCount is the number of conflicted fields above which a
// conflict is at least medium risk.
const mediumRiskFieldCount = 5

// criticalPatterns flag fields a reviewer should look at first.
var criticalPatterns = []string{"key", "email", "password", "token", "status", "deleted", "amount", "price", "balance"}

// RiskLevel grades a conflict for review.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// FieldChoice is the decision set for one conflicted field.
type FieldChoice struct {
	FieldName           string                `json:"fieldName"`
	ConflictType        types.ConflictType    `json:"conflictType"`
	LocalValue          any                   `json:"localValue"`
	RemoteValue         any                   `json:"remoteValue"`
	AvailableStrategies []types.FieldStrategy `json:"availableStrategies"`
	RecommendedStrategy types.FieldStrategy   `json:"recommendedStrategy"`
	SuggestedValue      any                   `json:"suggestedValue"`
	Confidence          float64               `json:"confidence"`
	SemanticReason      string                `json:"semanticReason,omitempty"`
	Critical            bool                  `json:"critical"`
}

// Summary describes a conflict at a glance.
type Summary struct {
	TotalFields                int                        `json:"totalFields"`
	TypeHistogram              map[types.ConflictType]int `json:"typeHistogram"`
	CriticalFields             []string                   `json:"criticalFields"`
	RiskLevel                  RiskLevel                  `json:"riskLevel"`
	RequiresManualIntervention bool                       `json:"requiresManualIntervention"`
}

// Presentation is the UI-ready form of a conflict.
type Presentation struct {
	ConflictID          string         `json:"conflictId"`
	EntityID            string         `json:"entityId"`
	Collection          string         `json:"collection"`
	Summary             Summary        `json:"summary"`
	Fields              []FieldChoice  `json:"fields"`
	RecommendedStrategy types.Strategy `json:"recommendedStrategy"`
	Confidence          float64        `json:"confidence"`
	PreparedAt          time.Time      `json:"preparedAt"`
}

// Field returns the choice set of one field.
func (p *Presentation) Field(name string) (FieldChoice, bool) {
	for _, f := range p.Fields {
		if f.FieldName == name {
			return f, true
		}
	}
	return FieldChoice{}, false
}

// FieldDecision is the user's choice for one field. A custom value without
// a strategy implies the custom strategy.
type FieldDecision struct {
	Strategy    types.FieldStrategy `json:"strategy,omitempty" mapstructure:"strategy"`
	CustomValue any                 `json:"customValue,omitempty" mapstructure:"customValue"`
}

// UserResolution carries every decision the user made.
type UserResolution struct {
	Decisions map[string]FieldDecision `json:"decisions" mapstructure:"decisions"`
	Accepted  bool                     `json:"accepted" mapstructure:"accepted"`
	Notes     string                   `json:"notes,omitempty" mapstructure:"notes"`
	UserID    string                   `json:"userId,omitempty" mapstructure:"userId"`
}

// Result is the outcome of processing a user resolution. Resolution is nil
// when the user did not accept.
type Result struct {
	Resolution    *types.Resolution `json:"resolution,omitempty"`
	Accepted      bool              `json:"accepted"`
	Notes         string            `json:"notes,omitempty"`
	DecidedFields []string          `json:"decidedFields"`
	Duration      time.Duration     `json:"duration"`
}

// Publisher receives the presented notification.
type Publisher interface {
	Publish(e events.Event)
}

// StrategySuggester recommends a whole-conflict strategy.
type StrategySuggester interface {
	SuggestStrategy(c *types.Conflict) history.Suggestion
}

type adapterOptions struct {
	merges    *merge.Set
	publisher Publisher
	suggester StrategySuggester
	clock     func() time.Time
	logger    *logging.Logger
}

// Option configures an Adapter.
type Option interface{ apply(*adapterOptions) }

type optionFn func(*adapterOptions)

func (f optionFn) apply(o *adapterOptions) { f(o) }

// WithMergeSet shares the merge strategies used for suggested values.
func WithMergeSet(s *merge.Set) Option {
	return optionFn(func(o *adapterOptions) { o.merges = s })
}

// WithPublisher publishes a presented event for every prepared conflict.
func WithPublisher(p Publisher) Option {
	return optionFn(func(o *adapterOptions) { o.publisher = p })
}

// WithSuggester sets where the recommended whole-conflict strategy comes from.
func WithSuggester(s StrategySuggester) Option {
	return optionFn(func(o *adapterOptions) { o.suggester = s })
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return optionFn(func(o *adapterOptions) { o.clock = now })
}

// WithLogger sets the adapter logger.
func WithLogger(l *logging.Logger) Option {
	return optionFn(func(o *adapterOptions) { o.logger = l })
}

// Adapter prepares conflicts for review and applies decisions.
type Adapter struct {
	merges    *merge.Set
	publisher Publisher
	suggester StrategySuggester
	clock     func() time.Time
	logger    *logging.Logger
}

// NewAdapter creates an Adapter.
func NewAdapter(opts ...Option) *Adapter {
	cfg := &adapterOptions{clock: time.Now}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	if cfg.merges == nil {
		cfg.merges = merge.NewSet()
	}
	if cfg.logger == nil {
		cfg.logger = logging.Discard()
	}
	return &Adapter{
		merges:    cfg.merges,
		publisher: cfg.publisher,
		suggester: cfg.suggester,
		clock:     cfg.clock,
		logger:    cfg.logger.WithComponent("negotiate"),
	}
}

// Prepare builds the presentation of c and publishes a presented event.
func (a *Adapter) Prepare(ctx context.Context, c *types.Conflict) (*Presentation, error) {
	if c == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpNegotiate, "conflict", errors.New("conflict is nil"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx := mergeContext(c)
	p := &Presentation{
		ConflictID: c.ConflictID,
		EntityID:   c.EntityID,
		Collection: c.Collection,
		Summary: Summary{
			TotalFields:                len(c.FieldConflicts),
			TypeHistogram:              map[types.ConflictType]int{},
			CriticalFields:             []string{},
			RequiresManualIntervention: c.RequiresManualIntervention(),
		},
		RecommendedStrategy: types.IntelligentMerge,
		PreparedAt:          a.clock(),
	}
	scores := make([]float64, 0, len(c.FieldConflicts))
	risky := false
	for _, name := range c.FieldNames() {
		fc := c.FieldConflicts[name]
		p.Summary.TypeHistogram[fc.ConflictType]++
		if fc.ConflictType == types.ReferenceConflict || fc.ConflictType == types.SemanticConflict {
			risky = true
		}
		critical := isCritical(name)
		if critical {
			p.Summary.CriticalFields = append(p.Summary.CriticalFields, name)
		}
		out := a.merges.MergeField(name, fc, mctx)
		rec := merge.Recommend(a.merges, name, fc.LocalValue, fc.RemoteValue, out.Value, mctx)
		p.Fields = append(p.Fields, FieldChoice{
			FieldName:           name,
			ConflictType:        fc.ConflictType,
			LocalValue:          values.Copy(fc.LocalValue),
			RemoteValue:         values.Copy(fc.RemoteValue),
			AvailableStrategies: availableStrategies(fc),
			RecommendedStrategy: rec,
			SuggestedValue:      out.Value,
			Confidence:          fc.ConfidenceScore,
			SemanticReason:      fc.SemanticReason,
			Critical:            critical,
		})
		scores = append(scores, fc.ConfidenceScore)
	}
	switch {
	case risky:
		p.Summary.RiskLevel = RiskHigh
	case len(c.FieldConflicts) > mediumRiskFieldCount:
		p.Summary.RiskLevel = RiskMedium
	default:
		p.Summary.RiskLevel = RiskLow
	}
	if len(scores) > 0 {
		p.Confidence = stat.Mean(scores, nil)
	}
	if a.suggester != nil {
		p.RecommendedStrategy = a.suggester.SuggestStrategy(c).Strategy
	}

	if a.publisher != nil {
		e := events.NewConflictEvent(events.ConflictPresented, c)
		e.Payload = p
		a.publisher.Publish(e)
	}
	a.logger.DebugContext(ctx, "conflict prepared for review",
		logging.ConflictAttrs(c), slog.String("risk", string(p.Summary.RiskLevel)))
	return p, nil
}

// Process applies the user's decisions on top of the remote data. Only the
// decided fields are overwritten.
func (a *Adapter) Process(ctx context.Context, c *types.Conflict, ur UserResolution, startedAt time.Time) (*Result, error) {
	if c == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpNegotiate, "conflict", errors.New("conflict is nil"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := a.clock()
	result := &Result{Accepted: ur.Accepted, Notes: ur.Notes, DecidedFields: []string{}}
	if !startedAt.IsZero() {
		result.Duration = now.Sub(startedAt)
	}

	decided := make([]string, 0, len(ur.Decisions))
	for name := range ur.Decisions {
		if _, ok := c.FieldConflicts[name]; !ok {
			return nil, syncErrors.NewValidationError(syncErrors.OpNegotiate, name, fmt.Errorf("field %q is not in conflict", name))
		}
		decided = append(decided, name)
	}
	sort.Strings(decided)
	result.DecidedFields = decided
	if !ur.Accepted {
		return result, nil
	}

	resolvedBy := ur.UserID
	if resolvedBy == "" {
		resolvedBy = "user"
	}
	res := &types.Resolution{
		ID:                        uuid.NewString(),
		ConflictID:                c.ConflictID,
		ResolvedData:              values.CopyMap(c.RemoteData),
		FieldResolutionStrategies: make(map[string]string, len(c.FieldConflicts)),
		ConfidenceScore:           1,
		ResolvedAt:                now,
		ResolvedBy:                resolvedBy,
		Mode:                      types.ModeInteractive,
		Metadata:                  map[string]any{"decisionDuration": result.Duration.String()},
	}
	if ur.Notes != "" {
		res.Metadata["notes"] = ur.Notes
	}

	mctx := mergeContext(c)
	used := map[types.FieldStrategy]int{}
	for _, name := range c.FieldNames() {
		fc := c.FieldConflicts[name]
		d, ok := ur.Decisions[name]
		if !ok {
			res.FieldResolutionStrategies[name] = string(types.UseRemote)
			res.FieldsUsedFromRemote = append(res.FieldsUsedFromRemote, name)
			used[types.UseRemote]++
			continue
		}
		strategy := d.Strategy
		if strategy == "" && d.CustomValue != nil {
			strategy = types.Custom
		}
		var value any
		if strategy == types.Custom {
			value = values.Copy(d.CustomValue)
		} else {
			v, err := merge.ApplyFieldStrategy(a.merges, strategy, name, fc.LocalValue, fc.RemoteValue, mctx)
			if err != nil {
				return nil, syncErrors.NewValidationError(syncErrors.OpNegotiate, name, err)
			}
			value = v
		}
		if values.IsNil(value) {
			delete(res.ResolvedData, name)
		} else {
			res.ResolvedData[name] = value
		}
		res.FieldResolutionStrategies[name] = string(strategy)
		used[strategy]++
		fromLocal, fromRemote := values.Equal(value, fc.LocalValue), values.Equal(value, fc.RemoteValue)
		if fromLocal || (!fromRemote && strategy != types.Custom) {
			res.FieldsUsedFromLocal = append(res.FieldsUsedFromLocal, name)
		}
		if fromRemote || (!fromLocal && strategy != types.Custom) {
			res.FieldsUsedFromRemote = append(res.FieldsUsedFromRemote, name)
		}
		res.AuditTrail = append(res.AuditTrail, fmt.Sprintf("%s: %s chosen by %s", name, strategy, resolvedBy))
	}
	res.Strategy = overallStrategy(used, len(c.FieldConflicts))
	result.Resolution = res
	return result, nil
}

// overallStrategy names the whole-conflict strategy a set of field decisions
// amounts to.
func overallStrategy(used map[types.FieldStrategy]int, total int) types.Strategy {
	switch {
	case used[types.UseLocal] == total:
		return types.LocalWins
	case used[types.UseRemote] == total:
		return types.RemoteWins
	default:
		return types.IntelligentMerge
	}
}

func availableStrategies(fc types.FieldConflict) []types.FieldStrategy {
	out := append([]types.FieldStrategy(nil), fc.PossibleResolutions...)
	if len(out) == 0 {
		out = []types.FieldStrategy{types.UseLocal, types.UseRemote}
	}
	for _, s := range out {
		if s == types.Custom {
			return out
		}
	}
	return append(out, types.Custom)
}

func isCritical(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, "id") {
		return true
	}
	for _, p := range criticalPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func mergeContext(c *types.Conflict) merge.Context {
	return merge.Context{
		Collection: c.Collection,
		EntityID:   c.EntityID,
		LocalData:  c.LocalData,
		RemoteData: c.RemoteData,
	}
}
