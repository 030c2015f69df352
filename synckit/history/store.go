// Package history keeps the append-only log of resolved conflicts and learns
// strategy suggestions from it. Entries are immutable; annotating an entry
// replaces it with an annotated copy.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	syncErrors "github.com/c0deZ3R0/go-sync-resolve/errors"
	"github.com/c0deZ3R0/go-sync-resolve/logging"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
)

// DefaultSuggestionCacheSize bounds the suggestion cache.
const DefaultSuggestionCacheSize = 512

// Entry is one conflict frozen together with its resolution. Resolution is
// nil for conflicts that were never resolved.
type Entry struct {
	ID         string            `json:"id"`
	Conflict   *types.Conflict   `json:"conflict"`
	Resolution *types.Resolution `json:"resolution,omitempty"`
	Notes      string            `json:"notes,omitempty"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// Resolved reports whether the entry carries a resolution.
func (e *Entry) Resolved() bool { return e.Resolution != nil }

// Manual reports whether a human decided the resolution.
func (e *Entry) Manual() bool {
	return e.Resolution != nil && e.Resolution.Mode == types.ModeInteractive && !e.Resolution.IsProvisional()
}

// DetectedAt is the detection time of the entry's conflict.
func (e *Entry) DetectedAt() time.Time {
	if e.Conflict == nil {
		return e.RecordedAt
	}
	return e.Conflict.DetectedAt
}

// Clone returns a deep copy.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	out.Conflict = e.Conflict.Clone()
	out.Resolution = e.Resolution.Clone()
	return &out
}

// Repository persists entries outside the process.
type Repository interface {
	SaveEntry(ctx context.Context, e *Entry) error
	LoadEntries(ctx context.Context) ([]*Entry, error)
	AppendNotes(ctx context.Context, entryID, notes string) error
	Close() error
}

type storeOptions struct {
	cacheSize int
	logger    *logging.Logger
	repo      Repository
	clock     func() time.Time
}

// Option configures a Store.
type Option interface{ apply(*storeOptions) }

type optionFn func(*storeOptions)

func (f optionFn) apply(o *storeOptions) { f(o) }

// WithSuggestionCacheSize sets the number of cached suggestions.
func WithSuggestionCacheSize(n int) Option {
	return optionFn(func(o *storeOptions) { o.cacheSize = n })
}

// WithLogger sets the store logger.
func WithLogger(l *logging.Logger) Option {
	return optionFn(func(o *storeOptions) { o.logger = l })
}

// WithRepository writes every appended entry and note through to repo.
func WithRepository(repo Repository) Option {
	return optionFn(func(o *storeOptions) { o.repo = repo })
}

// WithClock overrides the recording time source.
func WithClock(now func() time.Time) Option {
	return optionFn(func(o *storeOptions) { o.clock = now })
}

// Store is the in-memory history. Appends take a short write lock; readers
// work on snapshots and never block on each other.
type Store struct {
	mu           sync.RWMutex
	entries      []*Entry
	byID         map[string]int
	byEntity     map[string][]int
	byCollection map[string][]int
	// gen counts inserts. Suggestions computed under an older generation
	// are not cached.
	gen uint64

	cache  *lru.Cache[string, Suggestion]
	logger *logging.Logger
	repo   Repository
	clock  func() time.Time
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	cfg := &storeOptions{cacheSize: DefaultSuggestionCacheSize, clock: time.Now}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	if cfg.cacheSize <= 0 {
		cfg.cacheSize = DefaultSuggestionCacheSize
	}
	if cfg.logger == nil {
		cfg.logger = logging.Discard()
	}
	cache, err := lru.New[string, Suggestion](cfg.cacheSize)
	if err != nil {
		// Only a non-positive size fails, which is excluded above.
		panic(err)
	}
	return &Store{
		byID:         make(map[string]int),
		byEntity:     make(map[string][]int),
		byCollection: make(map[string][]int),
		cache:        cache,
		logger:       cfg.logger.WithComponent("history"),
		repo:         cfg.repo,
		clock:        cfg.clock,
	}
}

// Record appends a conflict and its resolution. r may be nil.
func (s *Store) Record(ctx context.Context, c *types.Conflict, r *types.Resolution) (*Entry, error) {
	if c == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpHistory, "conflict", errors.New("conflict is nil"))
	}
	e := &Entry{Conflict: c.Clone(), Resolution: r.Clone()}
	if r != nil {
		e.ID = r.ID
	}
	return s.Append(ctx, e)
}

// Append stores a copy of e. An entry whose id is already present is not
// stored twice; the existing entry is returned instead.
func (s *Store) Append(ctx context.Context, e *Entry) (*Entry, error) {
	if e == nil || e.Conflict == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpHistory, "conflict", errors.New("entry has no conflict"))
	}
	stored := e.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.RecordedAt.IsZero() {
		stored.RecordedAt = s.clock()
	}

	added, existing := s.insert(stored)
	if !added {
		return existing.Clone(), nil
	}
	if s.repo != nil {
		if err := s.repo.SaveEntry(ctx, stored); err != nil {
			s.logger.LogError(ctx, err, "history write-through failed", slog.String("entry_id", stored.ID))
			return stored.Clone(), syncErrors.WrapOpComponentKind(err, syncErrors.OpPersist, "history", syncErrors.KindStorage)
		}
	}
	return stored.Clone(), nil
}

func (s *Store) insert(e *Entry) (bool, *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byID[e.ID]; ok {
		return false, s.entries[i]
	}
	i := len(s.entries)
	s.entries = append(s.entries, e)
	s.byID[e.ID] = i
	s.byEntity[e.Conflict.EntityID] = append(s.byEntity[e.Conflict.EntityID], i)
	s.byCollection[e.Conflict.Collection] = append(s.byCollection[e.Conflict.Collection], i)
	s.gen++
	s.cache.Purge()
	return true, e
}

// AddNotes appends notes to an entry by replacing it with an annotated copy.
func (s *Store) AddNotes(ctx context.Context, entryID, notes string) (*Entry, error) {
	s.mu.Lock()
	i, ok := s.byID[entryID]
	if !ok {
		s.mu.Unlock()
		return nil, syncErrors.NewNotFoundError(syncErrors.OpHistory, "history", errors.New("no entry "+entryID))
	}
	annotated := s.entries[i].Clone()
	if annotated.Notes != "" {
		annotated.Notes += "\n"
	}
	annotated.Notes += notes
	s.entries[i] = annotated
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.AppendNotes(ctx, entryID, notes); err != nil {
			return annotated.Clone(), syncErrors.WrapOpComponentKind(err, syncErrors.OpPersist, "history", syncErrors.KindStorage)
		}
	}
	return annotated.Clone(), nil
}

// Get returns one entry by id.
func (s *Store) Get(entryID string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[entryID]
	if !ok {
		return nil, false
	}
	return s.entries[i].Clone(), true
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// snapshot returns the current entry pointers. Entries are never mutated in
// place, so the caller may read them without holding the lock.
func (s *Store) snapshot(idx []int, useIdx bool) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !useIdx {
		return append([]*Entry(nil), s.entries...)
	}
	out := make([]*Entry, len(idx))
	for n, i := range idx {
		out[n] = s.entries[i]
	}
	return out
}

func (s *Store) entityIndex(entityID string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int(nil), s.byEntity[entityID]...)
}

func (s *Store) collectionIndex(collection string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int(nil), s.byCollection[collection]...)
}

// All returns every entry, newest detection first.
func (s *Store) All() []*Entry {
	return sortDescending(cloneAll(s.snapshot(nil, false)))
}

// Recent returns at most n entries, newest detection first.
func (s *Store) Recent(n int) []*Entry {
	return s.Filter(Criteria{Limit: n})
}

// ByEntity returns the entries of one entity, newest first.
func (s *Store) ByEntity(entityID string) []*Entry {
	return s.Filter(Criteria{EntityID: entityID})
}

// ByCollection returns the entries of one collection, newest first.
func (s *Store) ByCollection(collection string) []*Entry {
	return s.Filter(Criteria{Collection: collection})
}

// Criteria filters history. Zero fields do not filter.
type Criteria struct {
	Collection string
	EntityID   string
	Resolved   *bool
	Manual     *bool
	Strategy   types.Strategy
	From       time.Time
	To         time.Time
	Limit      int
}

// Matches reports whether e satisfies the criteria.
func (c Criteria) Matches(e *Entry) bool {
	if c.Collection != "" && e.Conflict.Collection != c.Collection {
		return false
	}
	if c.EntityID != "" && e.Conflict.EntityID != c.EntityID {
		return false
	}
	if c.Resolved != nil && e.Resolved() != *c.Resolved {
		return false
	}
	if c.Manual != nil && e.Manual() != *c.Manual {
		return false
	}
	if c.Strategy != "" && (e.Resolution == nil || e.Resolution.Strategy != c.Strategy) {
		return false
	}
	at := e.DetectedAt()
	if !c.From.IsZero() && at.Before(c.From) {
		return false
	}
	if !c.To.IsZero() && at.After(c.To) {
		return false
	}
	return true
}

// Filter returns matching entries, newest detection first.
func (s *Store) Filter(c Criteria) []*Entry {
	var candidates []*Entry
	switch {
	case c.EntityID != "":
		candidates = s.snapshot(s.entityIndex(c.EntityID), true)
	case c.Collection != "":
		candidates = s.snapshot(s.collectionIndex(c.Collection), true)
	default:
		candidates = s.snapshot(nil, false)
	}
	out := make([]*Entry, 0, len(candidates))
	for _, e := range candidates {
		if c.Matches(e) {
			out = append(out, e)
		}
	}
	out = sortDescending(out)
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return cloneAll(out)
}

// Restore loads every entry from repo. Loaded entries are not written back.
func (s *Store) Restore(ctx context.Context, repo Repository) (int, error) {
	entries, err := repo.LoadEntries(ctx)
	if err != nil {
		return 0, syncErrors.WrapOpComponentKind(err, syncErrors.OpHistory, "history", syncErrors.KindStorage)
	}
	n := 0
	for _, e := range entries {
		if e == nil || e.Conflict == nil {
			continue
		}
		if added, _ := s.insert(e.Clone()); added {
			n++
		}
	}
	s.logger.Info("history restored", slog.Int("entries", n))
	return n, nil
}

func sortDescending(entries []*Entry) []*Entry {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].DetectedAt().After(entries[j].DetectedAt())
	})
	return entries
}

func cloneAll(entries []*Entry) []*Entry {
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}
