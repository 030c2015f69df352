package synckit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/c0deZ3R0/go-sync-resolve/synckit/merge"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/values"
)

// DefaultResolverName is the ResolvedBy value of the built-in resolver.
const DefaultResolverName = "default"

type defaultResolverOptions struct {
	strategy types.Strategy
	merges   *merge.Set
	clock    func() time.Time
}

// DefaultResolverOption configures a DefaultResolver.
type DefaultResolverOption interface{ apply(*defaultResolverOptions) }

type defaultResolverOptionFn func(*defaultResolverOptions)

func (f defaultResolverOptionFn) apply(o *defaultResolverOptions) { f(o) }

// WithStrategy sets the strategy used by ResolveConflict.
func WithStrategy(s types.Strategy) DefaultResolverOption {
	return defaultResolverOptionFn(func(o *defaultResolverOptions) { o.strategy = s })
}

// WithMergeSet shares a merge strategy set with the resolver.
func WithMergeSet(s *merge.Set) DefaultResolverOption {
	return defaultResolverOptionFn(func(o *defaultResolverOptions) { o.merges = s })
}

// WithResolverClock overrides the resolution time source.
func WithResolverClock(now func() time.Time) DefaultResolverOption {
	return defaultResolverOptionFn(func(o *defaultResolverOptions) { o.clock = now })
}

// DefaultResolver implements the built-in strategies. Field level work for
// intelligentMerge is delegated to the merge strategy set.
type DefaultResolver struct {
	BaseResolver
	strategy types.Strategy
	merges   *merge.Set
	clock    func() time.Time
}

var _ Resolver = (*DefaultResolver)(nil)

// NewDefaultResolver creates a resolver using intelligentMerge unless
// configured otherwise.
func NewDefaultResolver(opts ...DefaultResolverOption) *DefaultResolver {
	cfg := &defaultResolverOptions{
		strategy: types.IntelligentMerge,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	if cfg.merges == nil {
		cfg.merges = merge.NewSet()
	}
	return &DefaultResolver{
		BaseResolver: BaseResolver{ResolverName: DefaultResolverName},
		strategy:     cfg.strategy,
		merges:       cfg.merges,
		clock:        cfg.clock,
	}
}

// Strategy returns the configured strategy.
func (d *DefaultResolver) Strategy() types.Strategy { return d.strategy }

// MergeSet returns the merge strategies used for intelligentMerge.
func (d *DefaultResolver) MergeSet() *merge.Set { return d.merges }

// Confidence is the mean field confidence of the conflict.
func (d *DefaultResolver) Confidence(c *types.Conflict) float64 {
	return meanFieldConfidence(c)
}

func (d *DefaultResolver) ResolveConflict(ctx context.Context, c *types.Conflict) (*types.Resolution, error) {
	return d.ResolveWith(ctx, c, d.strategy)
}

// ResolveWith resolves c with an explicit strategy. Unknown strategies fall
// back to remoteWins.
func (d *DefaultResolver) ResolveWith(ctx context.Context, c *types.Conflict, strategy types.Strategy) (*types.Resolution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &types.Resolution{
		ID:                        uuid.NewString(),
		ConflictID:                c.ConflictID,
		FieldResolutionStrategies: make(map[string]string, len(c.FieldConflicts)),
		ResolvedAt:                d.clock(),
		ResolvedBy:                DefaultResolverName,
		Mode:                      types.ModeAutomatic,
		Metadata:                  map[string]any{},
	}

	if !strategy.Valid() {
		res.AuditTrail = append(res.AuditTrail, fmt.Sprintf("unknown strategy %q, using %s", strategy, types.RemoteWins))
		strategy = types.RemoteWins
	}
	res.Strategy = strategy

	switch strategy {
	case types.LocalWins:
		d.takeSide(c, res, true)
	case types.NewestWins:
		res.AuditTrail = append(res.AuditTrail, "newestWins has no comparable timestamps at this layer, resolved as remoteWins")
		d.takeSide(c, res, false)
	case types.IntelligentMerge:
		d.intelligentMerge(c, res)
	default:
		d.takeSide(c, res, false)
	}
	return res, nil
}

// takeSide starts from a full copy of one side and writes that side's value
// for every conflicted field.
func (d *DefaultResolver) takeSide(c *types.Conflict, res *types.Resolution, local bool) {
	src, fs := c.RemoteData, types.UseRemote
	if local {
		src, fs = c.LocalData, types.UseLocal
	}
	res.ResolvedData = values.CopyMap(src)
	names := c.FieldNames()
	for _, name := range names {
		if v, ok := src[name]; ok {
			res.ResolvedData[name] = values.Copy(v)
		} else {
			delete(res.ResolvedData, name)
		}
		res.FieldResolutionStrategies[name] = string(fs)
	}
	if local {
		res.FieldsUsedFromLocal = names
	} else {
		res.FieldsUsedFromRemote = names
	}
	res.ConfidenceScore = meanFieldConfidence(c)
}

func (d *DefaultResolver) intelligentMerge(c *types.Conflict, res *types.Resolution) {
	res.ResolvedData = values.CopyMap(c.RemoteData)
	mctx := merge.Context{
		Collection: c.Collection,
		EntityID:   c.EntityID,
		LocalData:  c.LocalData,
		RemoteData: c.RemoteData,
	}

	scores := make([]float64, 0, len(c.FieldConflicts))
	for _, name := range c.FieldNames() {
		fc := c.FieldConflicts[name]
		local, remote := fc.LocalValue, fc.RemoteValue
		out := d.merges.MergeField(name, fc, mctx)
		merged, strategy, confidence := out.Value, out.Strategy, out.Confidence
		if out.Warning != "" {
			res.Warnings = append(res.Warnings, out.Warning)
		}

		if values.IsNil(merged) {
			delete(res.ResolvedData, name)
		} else {
			res.ResolvedData[name] = merged
		}
		res.FieldResolutionStrategies[name] = strategy
		fromLocal, fromRemote := values.Equal(merged, local), values.Equal(merged, remote)
		if fromLocal || !fromRemote {
			res.FieldsUsedFromLocal = append(res.FieldsUsedFromLocal, name)
		}
		if fromRemote || !fromLocal {
			res.FieldsUsedFromRemote = append(res.FieldsUsedFromRemote, name)
		}
		res.AuditTrail = append(res.AuditTrail, fmt.Sprintf("%s: %s (confidence %.2f)", name, strategy, confidence))
		scores = append(scores, confidence)
	}
	res.ConfidenceScore = 1
	if len(scores) > 0 {
		res.ConfidenceScore = stat.Mean(scores, nil)
	}
}

func meanFieldConfidence(c *types.Conflict) float64 {
	if c == nil || len(c.FieldConflicts) == 0 {
		return 1
	}
	scores := make([]float64, 0, len(c.FieldConflicts))
	for _, fc := range c.FieldConflicts {
		scores = append(scores, fc.ConfidenceScore)
	}
	sort.Float64s(scores)
	return stat.Mean(scores, nil)
}
