package synckit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/go-sync-resolve/errors"
	"github.com/c0deZ3R0/go-sync-resolve/logging"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
)

type registryOptions struct {
	logger  *logging.Logger
	metrics MetricsCollector
}

// RegistryOption configures a Registry.
type RegistryOption interface{ apply(*registryOptions) }

type registryOptionFn func(*registryOptions)

func (f registryOptionFn) apply(o *registryOptions) { f(o) }

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(l *logging.Logger) RegistryOption {
	return registryOptionFn(func(o *registryOptions) { o.logger = l })
}

// WithRegistryMetrics sets the registry's metrics collector.
func WithRegistryMetrics(m MetricsCollector) RegistryOption {
	return registryOptionFn(func(o *registryOptions) { o.metrics = m })
}

type registration struct {
	resolver Resolver
	seq      uint64
}

// Registry maps collections to resolvers. Several resolvers may serve one
// collection; the highest priority resolver that can handle a conflict is
// used, earlier registrations winning ties, and the default resolver handles
// everything else.
type Registry struct {
	mu           sync.RWMutex
	byCollection map[string][]registration
	seq          uint64
	fallback     Resolver
	logger       *logging.Logger
	metrics      MetricsCollector
}

// NewRegistry creates a Registry. A nil fallback gets a DefaultResolver.
func NewRegistry(fallback Resolver, opts ...RegistryOption) *Registry {
	cfg := &registryOptions{}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	if fallback == nil {
		fallback = NewDefaultResolver()
	}
	if cfg.logger == nil {
		cfg.logger = logging.Discard()
	}
	if cfg.metrics == nil {
		cfg.metrics = &NoOpMetricsCollector{}
	}
	return &Registry{
		byCollection: make(map[string][]registration),
		fallback:     fallback,
		logger:       cfg.logger.WithComponent("registry"),
		metrics:      cfg.metrics,
	}
}

// Register adds a resolver for collection.
func (r *Registry) Register(collection string, res Resolver) error {
	if strings.TrimSpace(collection) == "" {
		return syncErrors.NewValidationError(syncErrors.OpRegister, "collection", errors.New("collection is required"))
	}
	if res == nil {
		return syncErrors.NewValidationError(syncErrors.OpRegister, "resolver", errors.New("resolver is nil"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	list := append(r.byCollection[collection], registration{resolver: res, seq: r.seq})
	sort.SliceStable(list, func(i, j int) bool {
		pi, pj := list[i].resolver.Priority(), list[j].resolver.Priority()
		if pi != pj {
			return pi > pj
		}
		return list[i].seq < list[j].seq
	})
	r.byCollection[collection] = list
	r.logger.Debug("resolver registered",
		slog.String("collection", collection),
		slog.String("resolver", res.Name()),
		slog.Int("priority", res.Priority()))
	return nil
}

// Remove drops every resolver of collection and reports whether any existed.
func (r *Registry) Remove(collection string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byCollection[collection]
	delete(r.byCollection, collection)
	return ok
}

// Resolvers returns the resolvers of collection in lookup order.
func (r *Registry) Resolvers(collection string) []Resolver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.byCollection[collection]
	out := make([]Resolver, len(list))
	for i, reg := range list {
		out[i] = reg.resolver
	}
	return out
}

// Collections returns the collections with registered resolvers, sorted.
func (r *Registry) Collections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byCollection))
	for name := range r.byCollection {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Default returns the fallback resolver.
func (r *Registry) Default() Resolver { return r.fallback }

// Lookup returns the resolver that will handle c.
func (r *Registry) Lookup(c *types.Conflict) Resolver {
	for _, res := range r.Resolvers(c.Collection) {
		if res.CanResolve(c) {
			return res
		}
	}
	return r.fallback
}

// Resolve resolves c through the looked up resolver. A failing or panicking
// custom resolver degrades to the default resolver with a warning instead of
// failing the call.
func (r *Registry) Resolve(ctx context.Context, c *types.Conflict) (*types.Resolution, error) {
	if c == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpResolve, "conflict", errors.New("conflict is nil"))
	}
	res := r.Lookup(c)
	out, err := safeRun(ctx, res, c.Clone())
	if err != nil && res != r.fallback {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, syncErrors.NewResolutionError(syncErrors.OpResolve, res.Name(), ctxErr)
		}
		r.metrics.RecordResolverError(res.Name(), errorType(err))
		r.logger.LogError(ctx, err, "resolver failed, using default resolver",
			slog.String("resolver", res.Name()), logging.ConflictAttrs(c))
		warning := fmt.Sprintf("resolver %s failed: %v; resolved by %s", res.Name(), err, r.fallback.Name())
		res = r.fallback
		out, err = safeRun(ctx, res, c.Clone())
		if err == nil {
			out.Warnings = append(out.Warnings, warning)
		}
	}
	if err != nil {
		return nil, syncErrors.NewResolutionError(syncErrors.OpResolve, res.Name(), err)
	}
	return normalizeResolution(c, out, res.Name()), nil
}

// safeRun runs the resolver pipeline and turns panics into errors.
func safeRun(ctx context.Context, res Resolver, c *types.Conflict) (out *types.Resolution, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("resolver %q panicked: %v", res.Name(), p)
		}
	}()
	return runResolver(ctx, res, c)
}

// normalizeResolution fills identity fields a custom resolver left empty and
// drops per-field strategies for fields that were not in conflict.
func normalizeResolution(c *types.Conflict, res *types.Resolution, resolverName string) *types.Resolution {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.ConflictID == "" {
		res.ConflictID = c.ConflictID
	}
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = time.Now()
	}
	if res.ResolvedBy == "" {
		res.ResolvedBy = resolverName
	}
	if res.Mode == "" {
		res.Mode = types.ModeAutomatic
	}
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	if res.FieldResolutionStrategies == nil {
		res.FieldResolutionStrategies = map[string]string{}
	}
	for name := range res.FieldResolutionStrategies {
		if _, ok := c.FieldConflicts[name]; !ok {
			delete(res.FieldResolutionStrategies, name)
		}
	}
	return res
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return string(syncErrors.KindOf(err))
	}
}
