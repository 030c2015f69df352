package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-sync-resolve/synckit/types"
	"github.com/c0deZ3R0/go-sync-resolve/synckit/values"
)

func TestSetLookupOrder(t *testing.T) {
	s := NewSet()
	tests := []struct {
		field         string
		local, remote any
		want          string
	}{
		{"updatedAt", "2024-01-01T00:00:00Z", "2024-02-01T00:00:00Z", "timestamp"},
		{"isActive", true, false, "boolean"},
		{"viewCount", 3, 5, "numeric"},
		{"tags", []any{"a"}, []any{"b"}, "array"},
		{"profile", map[string]any{"a": 1}, map[string]any{"b": 2}, "nestedObject"},
		{"title", "a", "b", "text"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			st := s.For(tt.field, tt.local, tt.remote)
			require.NotNil(t, st)
			assert.Equal(t, tt.want, st.Name())
		})
	}
	assert.Nil(t, s.For("x", 1, "1"))
}

type upperStrategy struct{ TextStrategy }

func (u *upperStrategy) Name() string { return "upper" }

func TestRegisterTakesPrecedence(t *testing.T) {
	s := NewSet()
	s.Register(&upperStrategy{})
	assert.Equal(t, "upper", s.For("title", "a", "b").Name())
	assert.Len(t, s.Strategies(), 7)
}

func TestArrayUnionKeepsLocalOrder(t *testing.T) {
	a := &ArrayStrategy{}
	got := a.Merge("roles", []any{"user", "premium"}, []any{"user", "admin"}, Context{})
	assert.Equal(t, []any{"user", "premium", "admin"}, got)
}

func TestArrayIDListIsSuperset(t *testing.T) {
	a := &ArrayStrategy{}
	local := []any{"usr_1", "usr_2"}
	remote := []any{"usr_2", "usr_3", "ref_9"}
	got, ok := values.AsList(a.Merge("members", local, remote, Context{}))
	require.True(t, ok)
	for _, e := range append(append([]any{}, local...), remote...) {
		assert.Contains(t, got, e)
	}
	assert.Len(t, got, 4)
	assert.Equal(t, 0.9, a.Confidence("members", local, remote))
}

func TestArrayTimestampedKeepsNewest(t *testing.T) {
	a := &ArrayStrategy{}
	local := []any{
		map[string]any{"id": "a", "text": "old", "timestamp": "2024-01-01T00:00:00Z"},
		map[string]any{"id": "b", "text": "only local", "timestamp": "2024-01-03T00:00:00Z"},
	}
	remote := []any{
		map[string]any{"id": "a", "text": "new", "timestamp": "2024-01-02T00:00:00Z"},
	}
	got, ok := values.AsList(a.Merge("events", local, remote, Context{}))
	require.True(t, ok)
	require.Len(t, got, 2)
	first := got[0].(map[string]any)
	assert.Equal(t, "new", first["text"])
	assert.Equal(t, "b", got[1].(map[string]any)["id"])
	assert.Equal(t, 0.8, a.Confidence("events", local, remote))
}

func TestMergeIsIdempotent(t *testing.T) {
	s := NewSet()
	samples := map[string]any{
		"tags":        []any{"x", "y"},
		"isActive":    true,
		"viewCount":   7,
		"description": "hello world",
		"title":       "Report",
		"updatedAt":   "2024-05-01T10:00:00Z",
		"settings":    map[string]any{"theme": "dark", "langs": []any{"en"}},
		"events": []any{
			map[string]any{"id": "1", "timestamp": "2024-01-01T00:00:00Z"},
			map[string]any{"id": "2", "timestamp": "2024-01-02T00:00:00Z"},
		},
	}
	for field, v := range samples {
		t.Run(field, func(t *testing.T) {
			st := s.For(field, v, v)
			require.NotNil(t, st)
			merged := st.Merge(field, v, v, Context{})
			assert.True(t, values.Equal(v, merged), "got %#v", merged)
			assert.True(t, st.Validate(merged, Context{}))
		})
	}
}

func TestNumericRules(t *testing.T) {
	n := &NumericStrategy{}
	assert.Equal(t, 10, n.Merge("viewCount", 10, 7, Context{}))
	assert.Equal(t, 12, n.Merge("schemaVersion", 3, 12, Context{}))
	assert.Equal(t, 0.5, n.Merge("successRate", 0.25, 0.75, Context{}))
	assert.Equal(t, 26, n.Merge("age", 25, 26, Context{}))
	assert.Equal(t, 0.9, n.Confidence("viewCount", 1, 2))
	assert.Equal(t, 0.7, n.Confidence("age", 1, 2))
	assert.Equal(t, fallbackConfidence, n.Confidence("age", "x", 2))
}

func TestBooleanStateFlagsAreOred(t *testing.T) {
	b := &BooleanStrategy{}
	tests := []struct {
		field         string
		local, remote bool
		want          bool
	}{
		{"isActive", true, false, true},
		{"isDeleted", false, true, true},
		{"dirty", false, false, false},
		{"subscribed", true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			assert.Equal(t, tt.want, b.Merge(tt.field, tt.local, tt.remote, Context{}))
		})
	}
	assert.Equal(t, 0.95, b.Confidence("isActive", true, false))
	assert.Equal(t, 0.8, b.Confidence("subscribed", true, false))
}

func TestTextRules(t *testing.T) {
	ts := &TextStrategy{}
	assert.Equal(t, "Fix bug. Add tests", ts.Merge("description", "Fix bug", "Add tests", Context{}))
	assert.Equal(t, "Fix bug! Add tests", ts.Merge("note", "Fix bug!", "Add tests", Context{}))
	assert.Equal(t, "fix the login bug today please", ts.Merge("comment", "Fix the login bug today", "fix the login bug today please", Context{}))
	assert.Equal(t, "Quarterly report", ts.Merge("title", "Report", "Quarterly report", Context{}))
	assert.Equal(t, "b@x.io", ts.Merge("email", "a@x.io", "b@x.io", Context{}))

	assert.Equal(t, 1.0, Similarity("Hello World", "hello world"))
	assert.Equal(t, 0.0, Similarity("alpha", "beta"))
	assert.Equal(t, 0.9, ts.Confidence("x", "same words", "Same Words"))
	assert.Equal(t, 0.4, ts.Confidence("x", "alpha", "beta"))
}

func TestTimestampRules(t *testing.T) {
	ts := &TimestampStrategy{}
	older, newer := "2024-01-01T00:00:00Z", "2024-06-01T00:00:00Z"
	assert.Equal(t, older, ts.Merge("createdAt", newer, older, Context{}))
	assert.Equal(t, newer, ts.Merge("updatedAt", older, newer, Context{}))
	assert.Equal(t, newer, ts.Merge("updatedAt", newer, older, Context{}))

	now := time.Now()
	assert.True(t, ts.CanHandle("anything", now, now.Add(time.Second)))
	assert.False(t, ts.CanHandle("title", older, newer))
	assert.True(t, IsTimestampField("last_synced_at"))
	assert.Equal(t, 0.95, ts.Confidence("updatedAt", older, newer))
	assert.Equal(t, 0.7, ts.Confidence("expiresAt", older, newer))
}

func TestNestedDeepMerge(t *testing.T) {
	n := &NestedStrategy{Array: &ArrayStrategy{}}
	local := map[string]any{
		"theme":  "dark",
		"langs":  []any{"en"},
		"notify": map[string]any{"email": true, "sms": false},
	}
	remote := map[string]any{
		"theme":  "light",
		"langs":  []any{"de"},
		"notify": map[string]any{"email": false},
		"extra":  1,
	}
	got := n.Merge("settings", local, remote, Context{}).(map[string]any)
	assert.Equal(t, "light", got["theme"])
	assert.Equal(t, []any{"en", "de"}, got["langs"])
	assert.Equal(t, map[string]any{"email": false, "sms": false}, got["notify"])
	assert.Equal(t, 1, got["extra"])
	assert.Equal(t, "dark", local["theme"], "inputs must not be mutated")
}

func TestApplyFieldStrategy(t *testing.T) {
	s := NewSet()
	tests := []struct {
		name          string
		fs            types.FieldStrategy
		local, remote any
		want          any
		wantErr       bool
	}{
		{"local", types.UseLocal, 1, 2, 1, false},
		{"remote", types.UseRemote, 1, 2, 2, false},
		{"max", types.Max, 1, 2, 2, false},
		{"min", types.Min, 1, 2, 1, false},
		{"average", types.Average, 1, 2, 1.5, false},
		{"concat", types.Concatenate, "a", "b", "a. b", false},
		{"arrays", types.MergeArrays, []any{"a"}, []any{"b"}, []any{"a", "b"}, false},
		{"arrays on scalars", types.MergeArrays, 1, 2, nil, true},
		{"custom", types.Custom, 1, 2, nil, true},
		{"unknown", types.FieldStrategy("bogus"), 1, 2, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ApplyFieldStrategy(s, tt.fs, "f", tt.local, tt.remote, Context{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecommend(t *testing.T) {
	s := NewSet()
	tests := []struct {
		field         string
		local, remote any
		want          types.FieldStrategy
	}{
		{"tags", []any{"a"}, []any{"b"}, types.MergeArrays},
		{"settings", map[string]any{"a": 1}, map[string]any{"b": 2}, types.MergeObjects},
		{"viewCount", 7, 2, types.UseLocal},
		{"viewCount", 1, 2, types.UseRemote},
		{"successRate", 0.5, 1.0, types.Average},
		{"description", "First draft", "Reviewed by legal", types.Concatenate},
		{"title", "Senior Engineer", "Engineer", types.UseLocal},
		{"isActive", true, false, types.UseLocal},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			out := s.MergeField(tt.field, types.FieldConflict{LocalValue: tt.local, RemoteValue: tt.remote}, Context{})
			rec := Recommend(s, tt.field, tt.local, tt.remote, out.Value, Context{})
			assert.Equal(t, tt.want, rec)
			got, err := ApplyFieldStrategy(s, rec, tt.field, tt.local, tt.remote, Context{})
			require.NoError(t, err)
			assert.True(t, values.Equal(out.Value, got), "strategy %s gave %v, merge gave %v", rec, got, out.Value)
		})
	}

	assert.Equal(t, types.Custom, Recommend(s, "x", 1, 2, 9, Context{}))
}

func TestMergeField(t *testing.T) {
	s := NewSet()

	out := s.MergeField("age", types.FieldConflict{LocalValue: nil, RemoteValue: 3, ConfidenceScore: 0.8}, Context{})
	assert.Equal(t, 3, out.Value)
	assert.Equal(t, string(types.UseRemote), out.Strategy)
	assert.Equal(t, 0.8, out.Confidence)

	out = s.MergeField("age", types.FieldConflict{
		LocalValue:     1,
		RemoteValue:    "1",
		ConflictType:   types.TypeMismatch,
		SemanticReason: "type mismatch",
	}, Context{})
	assert.Equal(t, "1", out.Value)
	assert.Equal(t, fallbackConfidence, out.Confidence)
	assert.NotEmpty(t, out.Warning)

	out = s.MergeField("isActive", types.FieldConflict{LocalValue: true, RemoteValue: false}, Context{})
	assert.Equal(t, true, out.Value)
	assert.Equal(t, "boolean", out.Strategy)
	assert.Empty(t, out.Warning)
}
