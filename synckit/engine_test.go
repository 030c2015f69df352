package synckit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/go-sync-resolve/errors"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/events"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/merge"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/negotiate"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/values"
)

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handle(_ context.Context, e events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) ofType(t events.Type) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *eventLog) {
	t.Helper()
	e, err := NewEngine(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	log := &eventLog{}
	e.Subscribe(log.handle)
	return e, log
}

func flush(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Bus().Flush(ctx))
}

func detectFlag(t *testing.T, e *Engine, entity string) *types.Conflict {
	t.Helper()
	c, err := e.Detect(context.Background(), DetectInput{
		EntityID:      entity,
		Collection:    "users",
		LocalData:     map[string]any{"isActive": true, "name": "Ada"},
		RemoteData:    map[string]any{"isActive": false, "name": "Ada L."},
		LocalVersion:  1,
		RemoteVersion: 2,
	})
	require.NoError(t, err)
	require.NotNil(t, c)
	require.True(t, c.RequiresManualIntervention())
	return c
}

func TestEngine_AutomaticResolution(t *testing.T) {
	e, log := newTestEngine(t)
	ctx := context.Background()

	c, err := e.Detect(ctx, DetectInput{
		EntityID:      "u1",
		Collection:    "users",
		LocalData:     map[string]any{"age": 25, "tags": []any{"user", "premium"}},
		RemoteData:    map[string]any{"age": 26, "tags": []any{"user", "admin"}},
		LocalVersion:  1,
		RemoteVersion: 2,
	})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, types.ModeAutomatic, e.Mode(c))

	res, err := e.Resolve(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, types.ModeAutomatic, res.Mode)
	assert.Equal(t, types.IntelligentMerge, res.Strategy)
	assert.Equal(t, []any{"user", "premium", "admin"}, res.ResolvedData["tags"])
	assert.Equal(t, 26, res.ResolvedData["age"])

	flush(t, e)
	require.Len(t, log.ofType(events.ConflictDetected), 1)
	resolved := log.ofType(events.ConflictResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, res.ID, resolved[0].Resolution.ID)

	entry, ok := e.History().Get(res.ID)
	require.True(t, ok)
	assert.Equal(t, c.ConflictID, entry.Conflict.ConflictID)
	assert.Equal(t, 1, e.Statistics().TotalEntries)
}

func TestEngine_NoConflictPublishesNothing(t *testing.T) {
	e, log := newTestEngine(t)
	c, err := e.Detect(context.Background(), DetectInput{
		EntityID: "u1", Collection: "users",
		LocalData: map[string]any{"a": 1}, RemoteData: map[string]any{"a": 1},
		LocalVersion: 1, RemoteVersion: 2,
	})
	require.NoError(t, err)
	assert.Nil(t, c)
	flush(t, e)
	assert.Empty(t, log.ofType(events.ConflictDetected))
}

func TestEngine_RegisteredResolver(t *testing.T) {
	metrics := &countingMetrics{}
	e, _ := newTestEngine(t, WithMetrics(metrics))
	require.NoError(t, e.RegisterResolver("users", NewFuncResolver("users-local", 1, func(_ context.Context, c *types.Conflict) (*types.Resolution, error) {
		return &types.Resolution{ResolvedData: c.LocalData, Strategy: types.LocalWins, ConfidenceScore: 1}, nil
	})))

	c := testConflict("users", map[string][2]any{"name": {"Ada", "Bob"}})
	res, err := e.Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "users-local", res.ResolvedBy)
	assert.Equal(t, "Ada", res.ResolvedData["name"])

	assert.True(t, e.RemoveResolver("users"))
	res, err = e.Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, DefaultResolverName, res.ResolvedBy)

	assert.Error(t, e.RegisterResolver("users", nil))
}

type fixedAssistant struct {
	strategy types.Strategy
	ok       bool
}

func (a fixedAssistant) Suggest(context.Context, *types.Conflict) (types.Strategy, float64, bool) {
	return a.strategy, 0.8, a.ok
}

func TestEngine_AssistedResolution(t *testing.T) {
	e, _ := newTestEngine(t, WithAIResolution(true), WithAssistant(fixedAssistant{types.LocalWins, true}))
	c := detectFlag(t, e, "u1")
	assert.Equal(t, types.ModeAssisted, e.Mode(c))

	res, err := e.Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, types.ModeAssisted, res.Mode)
	assert.Equal(t, types.LocalWins, res.Strategy)
	assert.Equal(t, "Ada", res.ResolvedData["name"])
	assert.Equal(t, string(types.LocalWins), res.Metadata[types.MetaSuggestion])
}

func TestEngine_AssistedWithoutOpinionUsesDefault(t *testing.T) {
	e, _ := newTestEngine(t, WithAIResolution(true), WithAssistant(fixedAssistant{ok: false}))
	c := detectFlag(t, e, "u1")

	res, err := e.Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, types.ModeAssisted, res.Mode)
	assert.Equal(t, types.IntelligentMerge, res.Strategy)
	assert.NotContains(t, res.Metadata, types.MetaSuggestion)
	assert.Equal(t, true, res.ResolvedData["isActive"])
}

func TestEngine_AssistedByHistoryAdvisor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableAIResolution = true
	cfg.History.AdvisorMinMatches = 1
	e, _ := newTestEngine(t, WithConfig(cfg))
	ctx := context.Background()

	first := detectFlag(t, e, "u1")
	_, err := e.History().Record(ctx, first, &types.Resolution{
		ID: "past", ConflictID: first.ConflictID, Strategy: types.RemoteWins, ConfidenceScore: 0.9,
		ResolvedAt: time.Now(), ResolvedBy: "user", Mode: types.ModeInteractive,
	})
	require.NoError(t, err)

	res, err := e.Resolve(ctx, detectFlag(t, e, "u2"))
	require.NoError(t, err)
	assert.Equal(t, types.RemoteWins, res.Strategy)
	assert.Equal(t, false, res.ResolvedData["isActive"])
}

func TestEngine_InteractiveDisabledWithoutNegotiator(t *testing.T) {
	e, _ := newTestEngine(t, WithInteractiveResolution(true))
	c := detectFlag(t, e, "u1")
	assert.Equal(t, types.ModeAutomatic, e.Mode(c))
}

func interactiveEngine(t *testing.T, timeout time.Duration) (*Engine, *eventLog) {
	return newTestEngine(t,
		WithInteractiveResolution(true),
		WithInteractiveTimeout(timeout),
		WithNegotiator(negotiate.NewAdapter()),
	)
}

func TestEngine_InteractiveCorrection(t *testing.T) {
	e, log := interactiveEngine(t, time.Hour)
	ctx := context.Background()
	c := detectFlag(t, e, "u1")
	assert.Equal(t, types.ModeInteractive, e.Mode(c))

	provisional, err := e.Resolve(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, types.ModeInteractive, provisional.Mode)
	assert.True(t, provisional.IsProvisional())
	assert.Equal(t, []string{c.ConflictID}, e.PendingInteractive())

	again, err := e.Resolve(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, provisional.ID, again.ID, "a pending conflict keeps its provisional resolution")

	require.Eventually(t, func() bool {
		_, ok := e.Presentation(c.ConflictID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	corrected, err := e.SubmitUserDecision(ctx, c.ConflictID, negotiate.UserResolution{
		Decisions: map[string]negotiate.FieldDecision{"isActive": {Strategy: types.UseLocal}},
		Accepted:  true,
		UserID:    "reviewer",
	})
	require.NoError(t, err)
	assert.NotEqual(t, provisional.ID, corrected.ID)
	assert.Equal(t, provisional.ID, corrected.Metadata[types.MetaCorrects])
	assert.Equal(t, "reviewer", corrected.ResolvedBy)
	assert.Equal(t, true, corrected.ResolvedData["isActive"])
	assert.Equal(t, "Ada L.", corrected.ResolvedData["name"], "undecided fields keep the remote value")
	assert.Empty(t, e.PendingInteractive())

	entry, ok := e.History().Get(provisional.ID)
	require.True(t, ok)
	assert.Contains(t, entry.Notes, corrected.ID)
	assert.Equal(t, 2, e.History().Len())

	flush(t, e)
	resolved := log.ofType(events.ConflictResolved)
	require.Len(t, resolved, 2)
	assert.Equal(t, provisional.ID, resolved[0].Resolution.ID)
	assert.Equal(t, corrected.ID, resolved[1].Resolution.ID)

	_, err = e.SubmitUserDecision(ctx, c.ConflictID, negotiate.UserResolution{Accepted: true})
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound))
}

func TestEngine_InteractiveDeclined(t *testing.T) {
	e, log := interactiveEngine(t, time.Hour)
	ctx := context.Background()
	c := detectFlag(t, e, "u1")
	provisional, err := e.Resolve(ctx, c)
	require.NoError(t, err)

	final, err := e.SubmitUserDecision(ctx, c.ConflictID, negotiate.UserResolution{Accepted: false, Notes: "looks fine"})
	require.NoError(t, err)
	assert.Equal(t, provisional.ID, final.ID)
	assert.False(t, final.IsProvisional())
	assert.Equal(t, "declined", final.Metadata["finalizedBy"])
	assert.Empty(t, e.PendingInteractive())

	flush(t, e)
	require.Len(t, log.ofType(events.ConflictFinalized), 1)
}

func TestEngine_InteractiveTimeout(t *testing.T) {
	e, log := interactiveEngine(t, 20*time.Millisecond)
	c := detectFlag(t, e, "u1")
	provisional, err := e.Resolve(context.Background(), c)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(e.PendingInteractive()) == 0 }, 2*time.Second, 5*time.Millisecond)
	flush(t, e)
	finalized := log.ofType(events.ConflictFinalized)
	require.Len(t, finalized, 1)
	assert.Equal(t, provisional.ID, finalized[0].Resolution.ID)
	assert.Equal(t, "timeout", finalized[0].Resolution.Metadata["finalizedBy"])

	entry, ok := e.History().Get(provisional.ID)
	require.True(t, ok)
	assert.Contains(t, entry.Notes, "timeout")
}

func TestEngine_FinalizeInteractive(t *testing.T) {
	e, _ := interactiveEngine(t, 0)
	c := detectFlag(t, e, "u1")
	_, err := e.Resolve(context.Background(), c)
	require.NoError(t, err)

	final, err := e.FinalizeInteractive(c.ConflictID)
	require.NoError(t, err)
	assert.Equal(t, "manual", final.Metadata["finalizedBy"])

	_, err = e.FinalizeInteractive(c.ConflictID)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound))
}

func TestEngine_PrepareAndProcess(t *testing.T) {
	e, log := newTestEngine(t)
	ctx := context.Background()
	c := detectFlag(t, e, "u1")

	p, err := e.PrepareConflictForUI(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, negotiate.RiskHigh, p.Summary.RiskLevel)
	_, ok := p.Field("isActive")
	assert.True(t, ok)

	result, err := e.ProcessUserResolution(ctx, c, negotiate.UserResolution{
		Decisions: map[string]negotiate.FieldDecision{"name": {CustomValue: "Ada Lovelace"}},
		Accepted:  true,
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", result.Resolution.ResolvedData["name"])
	assert.Zero(t, e.History().Len(), "processing alone does not record history")

	flush(t, e)
	assert.Len(t, log.ofType(events.ConflictPresented), 1)
}

func TestEngine_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Resolve(ctx, nil)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindValidation))
	_, err = e.Resolve(ctx, &types.Conflict{Collection: "users"})
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindValidation))
	_, err = e.Detect(ctx, DetectInput{Collection: "users"})
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindValidation))

	_, err = NewEngine(WithDefaultStrategy("coinFlip"))
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindConfig))
}

func TestEngine_HistoryTransfer(t *testing.T) {
	src, _ := newTestEngine(t)
	ctx := context.Background()
	for _, id := range []string{"u1", "u2"} {
		_, err := src.Resolve(ctx, detectFlag(t, src, id))
		require.NoError(t, err)
	}
	assert.Equal(t, types.IntelligentMerge, src.SuggestStrategy(detectFlag(t, src, "u3")).Strategy)

	dst, _ := newTestEngine(t)
	n, err := dst.ImportHistory(ctx, src.ExportHistory())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, dst.Statistics().TotalEntries)
}

func TestEngine_CloseStopsInteractive(t *testing.T) {
	e, err := NewEngine(WithInteractiveResolution(true), WithNegotiator(negotiate.NewAdapter()))
	require.NoError(t, err)
	c := detectFlag(t, e, "u1")
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.Resolve(context.Background(), c)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindResolution))
}

func TestEngine_ConfigCollections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Collections = []CollectionConfig{{
		Name:     "users",
		Fallback: types.LocalWins,
	}}
	e, _ := newTestEngine(t, WithConfig(cfg))
	res, err := e.Resolve(context.Background(), testConflict("users", map[string][2]any{"name": {"Ada", "Bob"}}))
	require.NoError(t, err)
	assert.Equal(t, types.LocalWins, res.Strategy)
	assert.Equal(t, DefaultResolverName, res.ResolvedBy)
}

// minimalNegotiator returns a bare resolution, leaving every optional field
// for the engine to fill in.
type minimalNegotiator struct{}

func (minimalNegotiator) Prepare(_ context.Context, c *types.Conflict) (*negotiate.Presentation, error) {
	return &negotiate.Presentation{ConflictID: c.ConflictID}, nil
}

func (minimalNegotiator) Process(_ context.Context, c *types.Conflict, ur negotiate.UserResolution, _ time.Time) (*negotiate.Result, error) {
	if !ur.Accepted {
		return &negotiate.Result{}, nil
	}
	return &negotiate.Result{
		Accepted:   true,
		Resolution: &types.Resolution{ResolvedData: c.LocalData, Strategy: types.LocalWins},
	}, nil
}

func TestEngine_CustomNegotiatorCorrection(t *testing.T) {
	e, _ := newTestEngine(t,
		WithInteractiveResolution(true),
		WithInteractiveTimeout(time.Hour),
		WithNegotiator(minimalNegotiator{}),
	)
	ctx := context.Background()
	c := detectFlag(t, e, "u1")
	provisional, err := e.Resolve(ctx, c)
	require.NoError(t, err)

	corrected, err := e.SubmitUserDecision(ctx, c.ConflictID, negotiate.UserResolution{Accepted: true})
	require.NoError(t, err)
	assert.NotEmpty(t, corrected.ID)
	assert.Equal(t, c.ConflictID, corrected.ConflictID)
	assert.False(t, corrected.ResolvedAt.IsZero())
	assert.Equal(t, types.ModeInteractive, corrected.Mode)
	assert.Equal(t, "user", corrected.ResolvedBy)
	assert.Equal(t, provisional.ID, corrected.Metadata[types.MetaCorrects])
	assert.Equal(t, "Ada", corrected.ResolvedData["name"])

	_, ok := e.History().Get(corrected.ID)
	assert.True(t, ok)
}

func TestEngine_PresentationMatchesIntelligentMerge(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	c, err := e.Detect(ctx, DetectInput{
		EntityID:   "p1",
		Collection: "profiles",
		LocalData: map[string]any{
			"isActive":    true,
			"title":       "Senior Engineer",
			"updatedAt":   "2024-03-01T00:00:00Z",
			"viewCount":   12,
			"successRate": 0.5,
			"tags":        []any{"a", "b"},
			"settings":    map[string]any{"theme": "dark"},
			"description": "Draft copy",
			"email":       "a@x.io",
		},
		RemoteData: map[string]any{
			"isActive":    false,
			"title":       "Eng",
			"updatedAt":   "2024-02-01T00:00:00Z",
			"viewCount":   8,
			"successRate": 0.9,
			"tags":        []any{"b", "c"},
			"settings":    map[string]any{"lang": "en"},
			"description": "Legal approved",
			"email":       "b@x.io",
		},
		LocalVersion:  1,
		RemoteVersion: 2,
	})
	require.NoError(t, err)
	require.NotNil(t, c)

	res, err := e.defaultResolver.ResolveWith(ctx, c, types.IntelligentMerge)
	require.NoError(t, err)
	p, err := e.PrepareConflictForUI(ctx, c)
	require.NoError(t, err)
	require.Len(t, p.Fields, len(c.FieldConflicts))

	mctx := merge.Context{Collection: c.Collection, EntityID: c.EntityID, LocalData: c.LocalData, RemoteData: c.RemoteData}
	for _, f := range p.Fields {
		t.Run(f.FieldName, func(t *testing.T) {
			assert.True(t, values.Equal(res.ResolvedData[f.FieldName], f.SuggestedValue),
				"suggested %v, merged %v", f.SuggestedValue, res.ResolvedData[f.FieldName])
			if f.RecommendedStrategy == types.Custom {
				return
			}
			v, err := merge.ApplyFieldStrategy(e.merges, f.RecommendedStrategy, f.FieldName, f.LocalValue, f.RemoteValue, mctx)
			require.NoError(t, err)
			assert.True(t, values.Equal(f.SuggestedValue, v), "%s gives %v", f.RecommendedStrategy, v)
		})
	}

	active, ok := p.Field("isActive")
	require.True(t, ok)
	assert.Equal(t, true, active.SuggestedValue)
	assert.Equal(t, types.UseLocal, active.RecommendedStrategy)
	title, _ := p.Field("title")
	assert.Equal(t, "Senior Engineer", title.SuggestedValue)
	assert.Equal(t, types.UseLocal, title.RecommendedStrategy)
	desc, _ := p.Field("description")
	assert.Equal(t, "Draft copy. Legal approved", desc.SuggestedValue)
	assert.Equal(t, types.Concatenate, desc.RecommendedStrategy)
	tags, _ := p.Field("tags")
	assert.Equal(t, types.MergeArrays, tags.RecommendedStrategy)
	settings, _ := p.Field("settings")
	assert.Equal(t, types.MergeObjects, settings.RecommendedStrategy)
	rate, _ := p.Field("successRate")
	assert.Equal(t, types.Average, rate.RecommendedStrategy)
}

func TestEngine_RegistryMergeStrategy(t *testing.T) {
	reg, err := NewConfigLoader().BuildRegistry()
	require.NoError(t, err)
	e, _ := newTestEngine(t, WithRegistry(reg))
	e.RegisterMergeStrategy(&shoutingStrategy{})

	c := testConflict("people", map[string][2]any{"nickname": {"ada", "bob"}})
	res, err := e.Resolve(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "BOB", res.ResolvedData["nickname"])
	assert.Equal(t, "shout", res.FieldResolutionStrategies["nickname"])

	p, err := e.PrepareConflictForUI(context.Background(), c)
	require.NoError(t, err)
	f, ok := p.Field("nickname")
	require.True(t, ok)
	assert.Equal(t, "BOB", f.SuggestedValue)
}
