package synckit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-sync-resolve/errors"
	"github.com/c0deZ3R0/go-sync-resolve/logging"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/events"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/history"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/merge"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/negotiate"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
)

// DefaultInteractiveTimeout is how long a provisional resolution waits for a
// human decision before it is finalized.
const DefaultInteractiveTimeout = 24 * time.Hour

// Assistant is an external arbiter consulted in assisted mode. ok is false
// when it has no opinion on the conflict.
type Assistant interface {
	Suggest(ctx context.Context, c *types.Conflict) (strategy types.Strategy, confidence float64, ok bool)
}

// Negotiator presents conflicts to a human and applies their decisions.
// *negotiate.Adapter implements it.
type Negotiator interface {
	Prepare(ctx context.Context, c *types.Conflict) (*negotiate.Presentation, error)
	Process(ctx context.Context, c *types.Conflict, ur negotiate.UserResolution, startedAt time.Time) (*negotiate.Result, error)
}

type engineOptions struct {
	cfg        Config
	merges     *merge.Set
	registry   *Registry
	history    *history.Store
	bus        *events.Bus
	negotiator Negotiator
	assistant  Assistant
	logger     *logging.Logger
	metrics    MetricsCollector
	clock      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption interface{ apply(*engineOptions) }

type engineOptionFn func(*engineOptions)

func (f engineOptionFn) apply(o *engineOptions) { f(o) }

// WithConfig replaces the whole engine configuration.
func WithConfig(cfg Config) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.cfg = cfg })
}

// WithAIResolution toggles assisted mode.
func WithAIResolution(enabled bool) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.cfg.EnableAIResolution = enabled })
}

// WithInteractiveResolution toggles interactive mode.
func WithInteractiveResolution(enabled bool) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.cfg.EnableInteractiveResolution = enabled })
}

// WithDefaultStrategy sets the default resolver strategy.
func WithDefaultStrategy(s types.Strategy) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.cfg.DefaultStrategy = s })
}

// WithInteractiveTimeout bounds the wait for a human decision. Zero waits
// indefinitely.
func WithInteractiveTimeout(d time.Duration) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.cfg.InteractiveTimeout = Duration(d) })
}

// WithMergeStrategies shares a merge strategy set.
func WithMergeStrategies(s *merge.Set) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.merges = s })
}

// WithRegistry uses a prepared registry, for example one built by a
// ConfigLoader. Its fallback becomes the engine's default resolver when it
// is a *DefaultResolver, and that resolver's merge set replaces the one given
// with WithMergeStrategies.
func WithRegistry(r *Registry) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.registry = r })
}

// WithHistory shares a history store.
func WithHistory(h *history.Store) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.history = h })
}

// WithBus publishes notifications on an existing bus. The engine does not
// close a bus it did not create.
func WithBus(b *events.Bus) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.bus = b })
}

// WithNegotiator configures the interactive negotiation adapter.
func WithNegotiator(n Negotiator) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.negotiator = n })
}

// WithAssistant configures the assisted mode arbiter.
func WithAssistant(a Assistant) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.assistant = a })
}

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.logger = l })
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.metrics = m })
}

// WithEngineClock overrides the time source.
func WithEngineClock(now func() time.Time) EngineOption {
	return engineOptionFn(func(o *engineOptions) { o.clock = now })
}

// Engine is the resolution orchestrator. It detects conflicts, picks a
// resolution mode, resolves, records history and emits notifications.
// Engines are independent of each other; there is no package level state.
type Engine struct {
	cfg             Config
	detector        *Detector
	merges          *merge.Set
	defaultResolver *DefaultResolver
	registry        *Registry
	history         *history.Store
	bus             *events.Bus
	ownsBus         bool
	ui              Negotiator
	negotiator      Negotiator
	assistant       Assistant
	logger          *logging.Logger
	metrics         MetricsCollector
	clock           func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingResolution
	closed  bool
	wg      sync.WaitGroup
}

// NewEngine creates an Engine from DefaultConfig and the options.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	o := &engineOptions{cfg: DefaultConfig(), clock: time.Now}
	for _, opt := range opts {
		opt.apply(o)
	}
	if err := (&BasicValidator{}).Validate(&o.cfg); err != nil {
		return nil, syncErrors.NewConfigError(err)
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if o.metrics == nil {
		o.metrics = &NoOpMetricsCollector{}
	}
	if o.merges == nil {
		o.merges = merge.NewSet()
	}

	e := &Engine{
		cfg:        o.cfg,
		merges:     o.merges,
		negotiator: o.negotiator,
		assistant:  o.assistant,
		logger:     o.logger.WithComponent("engine"),
		metrics:    o.metrics,
		clock:      o.clock,
		pending:    make(map[string]*pendingResolution),
	}

	detectorOpts := []DetectorOption{
		WithClock(o.clock),
		WithDetectorLogger(o.logger),
		WithDetectorMetrics(o.metrics),
	}
	if o.cfg.ManualThreshold > 0 {
		detectorOpts = append(detectorOpts, WithManualThreshold(o.cfg.ManualThreshold))
	}
	if o.cfg.ExcludedFields != nil {
		detectorOpts = append(detectorOpts, WithExcludedFields(o.cfg.ExcludedFields...))
	}
	e.detector = NewDetector(detectorOpts...)

	e.registry = o.registry
	if e.registry != nil {
		if d, ok := e.registry.Default().(*DefaultResolver); ok {
			e.defaultResolver = d
			e.merges = d.MergeSet()
		}
	}
	if e.defaultResolver == nil {
		e.defaultResolver = NewDefaultResolver(
			WithStrategy(o.cfg.DefaultStrategy),
			WithMergeSet(e.merges),
			WithResolverClock(o.clock),
		)
	}
	if e.registry == nil {
		e.registry = NewRegistry(e.defaultResolver,
			WithRegistryLogger(o.logger),
			WithRegistryMetrics(o.metrics))
		if err := o.cfg.registerCollections(e.registry, e.defaultResolver); err != nil {
			return nil, err
		}
	}

	e.history = o.history
	if e.history == nil {
		e.history = history.NewStore(
			history.WithSuggestionCacheSize(o.cfg.History.SuggestionCacheSize),
			history.WithLogger(o.logger),
		)
	}
	if e.assistant == nil && o.cfg.History.AdvisorMinMatches > 0 {
		e.assistant = history.NewAdvisor(e.history, o.cfg.History.AdvisorMinMatches)
	}

	e.bus = o.bus
	if e.bus == nil {
		e.bus = events.NewBus(events.WithLogger(o.logger), events.WithErrorRecorder(o.metrics))
		e.ownsBus = true
	}

	e.ui = o.negotiator
	if e.ui == nil {
		e.ui = negotiate.NewAdapter(
			negotiate.WithMergeSet(e.merges),
			negotiate.WithPublisher(e.bus),
			negotiate.WithSuggester(e.history),
			negotiate.WithClock(o.clock),
			negotiate.WithLogger(o.logger),
		)
	}
	return e, nil
}

// Detect compares two versions of an entity and announces a detected
// conflict before returning it.
func (e *Engine) Detect(ctx context.Context, in DetectInput) (*types.Conflict, error) {
	c, err := e.detector.Detect(in)
	if err != nil {
		e.logger.LogError(ctx, err, "conflict detection rejected input", in.logAttrs())
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	e.bus.Publish(events.NewConflictEvent(events.ConflictDetected, c))
	return c, nil
}

// Mode returns the resolution mode Resolve would use for c.
func (e *Engine) Mode(c *types.Conflict) types.ResolutionMode {
	manual := c.RequiresManualIntervention()
	switch {
	case manual && e.cfg.EnableInteractiveResolution && e.negotiator != nil:
		return types.ModeInteractive
	case manual && e.cfg.EnableAIResolution:
		return types.ModeAssisted
	default:
		return types.ModeAutomatic
	}
}

// Resolve resolves c synchronously. It never waits for a human: in
// interactive mode it returns the provisional resolution. Every resolution
// is recorded in history and announced before it is returned.
func (e *Engine) Resolve(ctx context.Context, c *types.Conflict) (*types.Resolution, error) {
	if err := validateConflict(c); err != nil {
		return nil, err
	}
	switch e.Mode(c) {
	case types.ModeInteractive:
		return e.BeginInteractiveResolution(ctx, c)
	case types.ModeAssisted:
		return e.resolveAssisted(ctx, c)
	default:
		return e.resolveAutomatic(ctx, c)
	}
}

func (e *Engine) resolveAutomatic(ctx context.Context, c *types.Conflict) (*types.Resolution, error) {
	start := time.Now()
	res, err := e.registry.Resolve(ctx, c)
	if err != nil {
		e.logger.LogError(ctx, err, "conflict resolution failed", logging.ConflictAttrs(c))
		return nil, err
	}
	res.Mode = types.ModeAutomatic
	return e.complete(ctx, c, res, start)
}

// resolveAssisted asks the assistant for a strategy and applies it with the
// default resolver. Without an assistant, or when it abstains, the default
// resolver decides on its own.
func (e *Engine) resolveAssisted(ctx context.Context, c *types.Conflict) (*types.Resolution, error) {
	start := time.Now()
	strategy := e.defaultResolver.Strategy()
	var (
		suggested  bool
		confidence float64
	)
	if e.assistant != nil {
		if s, conf, ok := e.assistant.Suggest(ctx, c); ok && s.Valid() {
			strategy, confidence, suggested = s, conf, true
		}
	}
	res, err := e.defaultResolver.ResolveWith(ctx, c.Clone(), strategy)
	if err != nil {
		return nil, syncErrors.NewResolutionError(syncErrors.OpResolve, DefaultResolverName, err)
	}
	res.Mode = types.ModeAssisted
	if suggested {
		res.Metadata[types.MetaSuggestion] = string(strategy)
		res.Metadata["suggestionConfidence"] = confidence
		res.AuditTrail = append(res.AuditTrail, fmt.Sprintf("assistant suggested %s (confidence %.2f)", strategy, confidence))
	}
	return e.complete(ctx, c, normalizeResolution(c, res, DefaultResolverName), start)
}

// complete records, announces and measures a resolution.
func (e *Engine) complete(ctx context.Context, c *types.Conflict, res *types.Resolution, start time.Time) (*types.Resolution, error) {
	if _, err := e.history.Record(ctx, c, res); err != nil {
		// The in-memory entry stands; only the write-through failed.
		e.logger.LogError(ctx, err, "history persistence failed", logging.ConflictAttrs(c))
	}
	e.bus.Publish(events.NewResolutionEvent(events.ConflictResolved, c, res))
	e.metrics.RecordResolution(c.Collection, string(res.Strategy), string(res.Mode), time.Since(start), res.ConfidenceScore)
	e.logger.DebugContext(ctx, "conflict resolved", logging.ConflictAttrs(c), logging.ResolutionAttrs(res))
	return res.Clone(), nil
}

// RegisterResolver adds an observed resolver for collection.
func (e *Engine) RegisterResolver(collection string, r Resolver) error {
	if r == nil {
		return syncErrors.NewValidationError(syncErrors.OpRegister, "resolver", errors.New("resolver is nil"))
	}
	return e.registry.Register(collection, NewObservableResolver(r,
		WithMetricsCollector(e.metrics),
		WithObservableLogger(e.logger)))
}

// RemoveResolver drops every resolver of collection.
func (e *Engine) RemoveResolver(collection string) bool {
	return e.registry.Remove(collection)
}

// RegisterMergeStrategy adds a field merge strategy ahead of the built-ins.
func (e *Engine) RegisterMergeStrategy(s merge.Strategy) {
	e.merges.Register(s)
}

// PrepareConflictForUI builds the decision set for c.
func (e *Engine) PrepareConflictForUI(ctx context.Context, c *types.Conflict) (*negotiate.Presentation, error) {
	if err := validateConflict(c); err != nil {
		return nil, err
	}
	return e.ui.Prepare(ctx, c)
}

// ProcessUserResolution applies user decisions to c without recording them.
// Use SubmitUserDecision to correct a pending provisional resolution.
func (e *Engine) ProcessUserResolution(ctx context.Context, c *types.Conflict, ur negotiate.UserResolution, startedAt time.Time) (*negotiate.Result, error) {
	if err := validateConflict(c); err != nil {
		return nil, err
	}
	return e.ui.Process(ctx, c, ur, startedAt)
}

// Statistics aggregates the history.
func (e *Engine) Statistics() history.Statistics { return e.history.Statistics() }

// SuggestStrategy recommends a strategy for c from history.
func (e *Engine) SuggestStrategy(c *types.Conflict) history.Suggestion {
	return e.history.SuggestStrategy(c)
}

// ExportHistory snapshots the history for persistence.
func (e *Engine) ExportHistory() history.Export { return e.history.Export() }

// ImportHistory appends a previously exported history.
func (e *Engine) ImportHistory(ctx context.Context, blob any) (int, error) {
	return e.history.Import(ctx, blob)
}

// Subscribe registers a notification handler.
func (e *Engine) Subscribe(h events.Handler, eventTypes ...events.Type) *events.Subscription {
	return e.bus.Subscribe(h, eventTypes...)
}

// History returns the history store.
func (e *Engine) History() *history.Store { return e.history }

// Registry returns the resolver registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Bus returns the notification bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Close stops pending interactive timers and, when the engine created it,
// drains and closes the bus. Pending provisional resolutions stay as they are.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, p := range e.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	e.mu.Unlock()

	e.wg.Wait()
	if e.ownsBus {
		e.bus.Close()
	}
	e.logger.Debug("engine closed", slog.Int("pending", len(e.PendingInteractive())))
	return nil
}

func validateConflict(c *types.Conflict) error {
	if c == nil {
		return syncErrors.NewValidationError(syncErrors.OpResolve, "conflict", errors.New("conflict is nil"))
	}
	if c.ConflictID == "" {
		return syncErrors.NewValidationError(syncErrors.OpResolve, "conflictId", errors.New("conflict id is required"))
	}
	if c.Collection == "" {
		return syncErrors.NewValidationError(syncErrors.OpResolve, "collection", errors.New("collection is required"))
	}
	return nil
}
