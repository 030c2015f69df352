package synckit

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	syncErrors "github.com/c0deZ3R0/go-sync-resolve/errors"
	"github.com/c0deZ3R0/go-sync-resolve/logging"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/events"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/negotiate"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
)

// pendingResolution is a provisional resolution waiting for a human.
type pendingResolution struct {
	conflict     *types.Conflict
	provisional  *types.Resolution
	startedAt    time.Time
	presentation *negotiate.Presentation
	timer        *time.Timer
}

// BeginInteractiveResolution resolves c provisionally with the default
// resolver and hands it to the negotiator without waiting. The provisional
// resolution is recorded and announced like any other; a later
// SubmitUserDecision produces a separate corrective resolution, and the
// interactive timeout finalizes the provisional one if no decision arrives.
// Calling it again for a pending conflict returns the same provisional
// resolution.
func (e *Engine) BeginInteractiveResolution(ctx context.Context, c *types.Conflict) (*types.Resolution, error) {
	if err := validateConflict(c); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, syncErrors.NewResolutionError(syncErrors.OpNegotiate, "engine", errors.New("engine is closed"))
	}
	if p, ok := e.pending[c.ConflictID]; ok {
		res := p.provisional.Clone()
		e.mu.Unlock()
		return res, nil
	}
	e.mu.Unlock()

	start := time.Now()
	res, err := e.defaultResolver.ResolveConflict(ctx, c.Clone())
	if err != nil {
		return nil, syncErrors.NewResolutionError(syncErrors.OpResolve, DefaultResolverName, err)
	}
	res = normalizeResolution(c, res, DefaultResolverName)
	res.Mode = types.ModeInteractive
	res.Metadata[types.MetaProvisional] = true

	p := &pendingResolution{
		conflict:    c.Clone(),
		provisional: res.Clone(),
		startedAt:   e.clock(),
	}
	e.mu.Lock()
	if existing, ok := e.pending[c.ConflictID]; ok {
		// Lost a race with a concurrent call for the same conflict.
		out := existing.provisional.Clone()
		e.mu.Unlock()
		return out, nil
	}
	e.pending[c.ConflictID] = p
	e.wg.Add(1)
	e.mu.Unlock()

	go e.present(p)
	out, err := e.complete(ctx, c, res, start)
	// The timer starts once the provisional entry is in history so that
	// finalization can annotate it.
	if timeout := time.Duration(e.cfg.InteractiveTimeout); timeout > 0 {
		conflictID := c.ConflictID
		e.mu.Lock()
		if _, ok := e.pending[conflictID]; ok && !e.closed {
			p.timer = time.AfterFunc(timeout, func() { e.finalize(conflictID, "timeout") })
		}
		e.mu.Unlock()
	}
	return out, err
}

// present hands a pending conflict to the negotiator.
func (e *Engine) present(p *pendingResolution) {
	defer e.wg.Done()
	presentation, err := e.ui.Prepare(context.Background(), p.conflict)
	if err != nil {
		e.logger.LogError(context.Background(), err, "presenting conflict failed", logging.ConflictAttrs(p.conflict))
		return
	}
	e.mu.Lock()
	p.presentation = presentation
	e.mu.Unlock()
}

// SubmitUserDecision applies a human decision to a pending conflict. An
// accepted decision produces a new corrective resolution that references the
// provisional one through Metadata["corrects"]. A declined decision
// finalizes the provisional resolution, which is returned.
func (e *Engine) SubmitUserDecision(ctx context.Context, conflictID string, ur negotiate.UserResolution) (*types.Resolution, error) {
	e.mu.Lock()
	p, ok := e.pending[conflictID]
	e.mu.Unlock()
	if !ok {
		return nil, syncErrors.NewNotFoundError(syncErrors.OpNegotiate, "engine", errors.New("no pending interactive resolution for "+conflictID))
	}

	start := time.Now()
	result, err := e.ui.Process(ctx, p.conflict, ur, p.startedAt)
	if err != nil {
		return nil, err
	}
	if !result.Accepted || result.Resolution == nil {
		final := e.finalize(conflictID, "declined")
		if final == nil {
			return p.provisional.Clone(), nil
		}
		return final, nil
	}

	if !e.claim(conflictID) {
		return nil, syncErrors.NewNotFoundError(syncErrors.OpNegotiate, "engine", errors.New("interactive resolution for "+conflictID+" was already finalized"))
	}
	res := normalizeResolution(p.conflict, result.Resolution, "user")
	res.Mode = types.ModeInteractive
	res.Metadata[types.MetaCorrects] = p.provisional.ID
	if _, err := e.history.AddNotes(ctx, p.provisional.ID, "corrected by "+res.ID); err != nil {
		e.logger.LogError(ctx, err, "annotating provisional resolution failed")
	}
	return e.complete(ctx, p.conflict, res, start)
}

// claim removes a pending entry and stops its timer. It reports false when
// the entry was already gone.
func (e *Engine) claim(conflictID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[conflictID]
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(e.pending, conflictID)
	return true
}

// finalize makes the provisional resolution final and announces it.
func (e *Engine) finalize(conflictID, reason string) *types.Resolution {
	e.mu.Lock()
	p, ok := e.pending[conflictID]
	e.mu.Unlock()
	if !ok || !e.claim(conflictID) {
		return nil
	}

	final := p.provisional.Clone()
	final.Metadata[types.MetaProvisional] = false
	final.Metadata["finalizedBy"] = reason
	final.AuditTrail = append(final.AuditTrail, "provisional resolution finalized: "+reason)

	ctx := context.Background()
	if _, err := e.history.AddNotes(ctx, p.provisional.ID, "finalized: "+reason); err != nil {
		e.logger.LogError(ctx, err, "annotating finalized resolution failed")
	}
	e.bus.Publish(events.NewResolutionEvent(events.ConflictFinalized, p.conflict, final))
	e.logger.Info("provisional resolution finalized",
		slog.String("conflict_id", conflictID), slog.String("reason", reason))
	return final
}

// FinalizeInteractive finalizes a pending conflict immediately.
func (e *Engine) FinalizeInteractive(conflictID string) (*types.Resolution, error) {
	final := e.finalize(conflictID, "manual")
	if final == nil {
		return nil, syncErrors.NewNotFoundError(syncErrors.OpNegotiate, "engine", errors.New("no pending interactive resolution for "+conflictID))
	}
	return final, nil
}

// PendingInteractive lists the conflict ids waiting for a decision, sorted.
func (e *Engine) PendingInteractive() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.pending))
	for id := range e.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Presentation returns the decision set prepared for a pending conflict.
// ok is false until the negotiator has produced it.
func (e *Engine) Presentation(conflictID string) (*negotiate.Presentation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[conflictID]
	if !ok || p.presentation == nil {
		return nil, false
	}
	return p.presentation, true
}
