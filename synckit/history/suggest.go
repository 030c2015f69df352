package history

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
)

// scoreEpsilon treats confidence sums closer than this as tied.
const scoreEpsilon = 1e-9

// Suggestion is a learned strategy recommendation.
type Suggestion struct {
	Strategy types.Strategy `json:"strategy"`
	// Score is the summed historical confidence of the strategy.
	Score float64 `json:"score"`
	// Uses is the number of similar past entries resolved with Strategy.
	Uses int `json:"uses"`
	// Matches is the number of similar past entries considered.
	Matches int `json:"matches"`
}

// Confidence is the mean historical confidence of the suggested strategy,
// or zero without precedent.
func (s Suggestion) Confidence() float64 {
	if s.Uses == 0 {
		return 0
	}
	return s.Score / float64(s.Uses)
}

type candidate struct {
	strategy types.Strategy
	score    float64
	uses     int
	lastUsed time.Time
}

// SuggestStrategy recommends a strategy for c from resolved entries of the
// same collection that share at least one conflicted field. Without such
// entries it recommends intelligentMerge. Equal totals prefer the most
// recently used strategy, then the fixed strategy order.
func (s *Store) SuggestStrategy(c *types.Conflict) Suggestion {
	if c == nil {
		return Suggestion{Strategy: types.IntelligentMerge}
	}
	key := cacheKey(c)
	if cached, ok := s.cache.Get(key); ok {
		return cached
	}
	gen := s.generation()
	best := s.suggest(c)
	s.cacheSuggestion(key, gen, best)
	return best
}

func (s *Store) generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// cacheSuggestion caches sg unless an entry was inserted since gen. The read
// lock keeps insert from purging between the check and the add.
func (s *Store) cacheSuggestion(key string, gen uint64, sg Suggestion) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.gen == gen {
		s.cache.Add(key, sg)
	}
}

func (s *Store) suggest(c *types.Conflict) Suggestion {
	entries := s.snapshot(s.collectionIndex(c.Collection), true)
	byStrategy := map[types.Strategy]*candidate{}
	matches := 0
	for _, e := range entries {
		if e.Resolution == nil || !sharesField(e.Conflict, c) {
			continue
		}
		matches++
		cand, ok := byStrategy[e.Resolution.Strategy]
		if !ok {
			cand = &candidate{strategy: e.Resolution.Strategy}
			byStrategy[e.Resolution.Strategy] = cand
		}
		cand.score += e.Resolution.ConfidenceScore
		cand.uses++
		if e.Resolution.ResolvedAt.After(cand.lastUsed) {
			cand.lastUsed = e.Resolution.ResolvedAt
		}
	}
	if matches == 0 {
		return Suggestion{Strategy: types.IntelligentMerge}
	}

	cands := make([]*candidate, 0, len(byStrategy))
	for _, cand := range byStrategy {
		cands = append(cands, cand)
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if math.Abs(a.score-b.score) > scoreEpsilon {
			return a.score > b.score
		}
		if !a.lastUsed.Equal(b.lastUsed) {
			return a.lastUsed.After(b.lastUsed)
		}
		return strategyRank(a.strategy) < strategyRank(b.strategy)
	})
	top := cands[0]
	return Suggestion{Strategy: top.strategy, Score: top.score, Uses: top.uses, Matches: matches}
}

func strategyRank(s types.Strategy) int {
	for i, known := range types.Strategies {
		if s == known {
			return i
		}
	}
	return len(types.Strategies)
}

func sharesField(past, current *types.Conflict) bool {
	for name := range current.FieldConflicts {
		if _, ok := past.FieldConflicts[name]; ok {
			return true
		}
	}
	return false
}

func cacheKey(c *types.Conflict) string {
	return c.Collection + "\x00" + strings.Join(c.FieldNames(), "\x00")
}

// Advisor turns history suggestions into assisted-mode decisions.
type Advisor struct {
	store *Store
	// MinMatches is the number of similar entries required before the
	// advisor offers a decision.
	MinMatches int
}

// NewAdvisor creates an Advisor that needs at least minMatches precedents.
func NewAdvisor(store *Store, minMatches int) *Advisor {
	if minMatches < 1 {
		minMatches = 1
	}
	return &Advisor{store: store, MinMatches: minMatches}
}

// Suggest returns the learned strategy and its mean historical confidence.
// ok is false when there is not enough precedent.
func (a *Advisor) Suggest(ctx context.Context, c *types.Conflict) (types.Strategy, float64, bool) {
	if ctx.Err() != nil || c == nil {
		return "", 0, false
	}
	best := a.store.SuggestStrategy(c)
	if best.Matches < a.MinMatches {
		return "", 0, false
	}
	return best.Strategy, best.Confidence(), true
}
