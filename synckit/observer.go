package synckit

import (
	"context"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/go-sync-resolve/logging"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
)

// ObservableResolver wraps any Resolver to provide metrics and logging.
type ObservableResolver struct {
	wrapped Resolver
	metrics MetricsCollector
	logger  *logging.Logger
	hooks   *ResolutionHooks
}

var _ Resolver = (*ObservableResolver)(nil)

// ResolutionHooks provides callbacks for observing resolution.
type ResolutionHooks struct {
	OnConflict   func(ctx context.Context, c *types.Conflict)
	OnResolution func(ctx context.Context, r *types.Resolution, duration time.Duration)
	OnError      func(ctx context.Context, c *types.Conflict, err error)
}

// ObservableOption provides configuration for ObservableResolver.
type ObservableOption interface {
	apply(*ObservableResolver)
}

type observableOptionFunc func(*ObservableResolver)

func (f observableOptionFunc) apply(or *ObservableResolver) {
	f(or)
}

// WithMetricsCollector sets the metrics collector for the resolver.
func WithMetricsCollector(mc MetricsCollector) ObservableOption {
	return observableOptionFunc(func(or *ObservableResolver) {
		or.metrics = mc
	})
}

// WithObservableLogger sets the logger for the resolver.
func WithObservableLogger(logger *logging.Logger) ObservableOption {
	return observableOptionFunc(func(or *ObservableResolver) {
		or.logger = logger
	})
}

// WithResolutionHooks sets the resolution hooks for the resolver.
func WithResolutionHooks(hooks *ResolutionHooks) ObservableOption {
	return observableOptionFunc(func(or *ObservableResolver) {
		or.hooks = hooks
	})
}

// NewObservableResolver creates a new ObservableResolver that wraps an existing resolver.
func NewObservableResolver(resolver Resolver, opts ...ObservableOption) *ObservableResolver {
	or := &ObservableResolver{wrapped: resolver}
	for _, opt := range opts {
		opt.apply(or)
	}
	if or.metrics == nil {
		or.metrics = &NoOpMetricsCollector{}
	}
	if or.logger == nil {
		or.logger = logging.Discard()
	}
	return or
}

// Unwrap returns the observed resolver.
func (or *ObservableResolver) Unwrap() Resolver { return or.wrapped }

func (or *ObservableResolver) Name() string  { return or.wrapped.Name() }
func (or *ObservableResolver) Priority() int { return or.wrapped.Priority() }

func (or *ObservableResolver) CanResolve(c *types.Conflict) bool { return or.wrapped.CanResolve(c) }

func (or *ObservableResolver) Confidence(c *types.Conflict) float64 {
	return or.wrapped.Confidence(c)
}

func (or *ObservableResolver) Preprocess(c *types.Conflict) *types.Conflict {
	return or.wrapped.Preprocess(c)
}

func (or *ObservableResolver) Postprocess(r *types.Resolution) *types.Resolution {
	return or.wrapped.Postprocess(r)
}

// ResolveConflict delegates to the wrapped resolver with added observability.
func (or *ObservableResolver) ResolveConflict(ctx context.Context, c *types.Conflict) (*types.Resolution, error) {
	start := time.Now()
	if or.hooks != nil && or.hooks.OnConflict != nil {
		or.hooks.OnConflict(ctx, c)
	}
	or.logger.DebugContext(ctx, "attempting to resolve conflict",
		slog.String("resolver", or.Name()), logging.ConflictAttrs(c))

	res, err := or.wrapped.ResolveConflict(ctx, c)
	duration := time.Since(start)

	if err != nil {
		or.metrics.RecordResolverError(or.Name(), errorType(err))
		if or.hooks != nil && or.hooks.OnError != nil {
			or.hooks.OnError(ctx, c, err)
		}
		or.logger.LogError(ctx, err, "conflict resolution failed",
			slog.String("resolver", or.Name()), slog.Duration("duration", duration))
		return nil, err
	}

	if res != nil {
		or.metrics.RecordResolution(c.Collection, string(res.Strategy), string(res.Mode), duration, res.ConfidenceScore)
		if or.hooks != nil && or.hooks.OnResolution != nil {
			or.hooks.OnResolution(ctx, res, duration)
		}
		or.logger.DebugContext(ctx, "conflict resolved",
			slog.String("resolver", or.Name()), slog.Duration("duration", duration), logging.ResolutionAttrs(res))
	}
	return res, nil
}
