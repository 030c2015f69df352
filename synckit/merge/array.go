package merge

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-sync-resolve/synckit/values"
)

// idPrefixes mark strings that are identifiers even without a hyphen.
var idPrefixes = []string{"id_", "uid_", "usr_", "obj_", "ref_"}

// timestampKeys are checked in order on timestamp-ordered list elements.
var timestampKeys = []string{"timestamp", "createdAt", "updatedAt"}

type listShape int

const (
	shapeGeneric listShape = iota
	shapeIDs
	shapeTimestamped
)

// ArrayStrategy merges ordered sequences. Lists of identifiers are unioned,
// lists of timestamped objects are merged by identity keeping the newer
// element, and anything else is an order preserving local-first union.
type ArrayStrategy struct{}

func (a *ArrayStrategy) Name() string { return "array" }

func (a *ArrayStrategy) CanHandle(field string, local, remote any) bool {
	return values.KindOf(local) == values.List && values.KindOf(remote) == values.List
}

func (a *ArrayStrategy) Merge(field string, local, remote any, ctx Context) any {
	l, lok := values.AsList(local)
	r, rok := values.AsList(remote)
	if !lok || !rok {
		return remote
	}
	switch classifyList(l, r) {
	case shapeTimestamped:
		return mergeByTimestamp(l, r)
	default:
		// Identifier lists and generic lists share the de-duplicated union.
		return union(l, r)
	}
}

func (a *ArrayStrategy) Confidence(field string, local, remote any) float64 {
	l, lok := values.AsList(local)
	r, rok := values.AsList(remote)
	if !lok || !rok {
		return fallbackConfidence
	}
	switch classifyList(l, r) {
	case shapeIDs:
		return 0.9
	case shapeTimestamped:
		return 0.8
	default:
		return 0.6
	}
}

func (a *ArrayStrategy) Validate(merged any, ctx Context) bool {
	return values.KindOf(merged) == values.List
}

func classifyList(local, remote []any) listShape {
	all := make([]any, 0, len(local)+len(remote))
	all = append(all, local...)
	all = append(all, remote...)
	if isIDList(all) {
		return shapeIDs
	}
	if isTimestampedList(all) {
		return shapeTimestamped
	}
	return shapeGeneric
}

func isIDList(elems []any) bool {
	seen := 0
	for _, e := range elems {
		if values.IsNil(e) {
			continue
		}
		s, ok := e.(string)
		if !ok {
			return false
		}
		if s == "" {
			continue
		}
		if !looksLikeID(s) {
			return false
		}
		seen++
	}
	return seen > 0
}

func looksLikeID(s string) bool {
	if len(s) >= 8 && strings.Contains(s, "-") {
		return true
	}
	for _, p := range idPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func isTimestampedList(elems []any) bool {
	if len(elems) == 0 {
		return false
	}
	for _, e := range elems {
		m, ok := values.AsMap(e)
		if !ok {
			return false
		}
		if _, _, found := elementTime(m); !found {
			return false
		}
	}
	return true
}

// elementTime returns the first timestamp-like key present on m and its
// parsed instant. found is false when no such key exists.
func elementTime(m map[string]any) (string, time.Time, bool) {
	for _, k := range timestampKeys {
		if v, ok := m[k]; ok {
			t, _ := values.AsTime(v)
			return k, t, true
		}
	}
	return "", time.Time{}, false
}

// union keeps every local element once, then remote elements not yet present.
func union(local, remote []any) []any {
	out := make([]any, 0, len(local)+len(remote))
	for _, e := range local {
		if !values.Contains(out, e) {
			out = append(out, values.Copy(e))
		}
	}
	for _, e := range remote {
		if !values.Contains(out, e) {
			out = append(out, values.Copy(e))
		}
	}
	return out
}

type stamped struct {
	key  string
	at   time.Time
	elem map[string]any
}

func mergeByTimestamp(local, remote []any) []any {
	byKey := make(map[string]stamped)
	order := make([]string, 0, len(local)+len(remote))

	add := func(elems []any, preferOnTie bool) {
		for _, e := range elems {
			m, _ := values.AsMap(e)
			_, at, _ := elementTime(m)
			key := identityKey(m)
			cur, ok := byKey[key]
			if !ok {
				order = append(order, key)
				byKey[key] = stamped{key: key, at: at, elem: m}
				continue
			}
			if at.After(cur.at) || (preferOnTie && at.Equal(cur.at)) {
				byKey[key] = stamped{key: key, at: at, elem: m}
			}
		}
	}
	add(local, false)
	add(remote, true)

	merged := make([]stamped, 0, len(order))
	for _, k := range order {
		merged = append(merged, byKey[k])
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].at.Before(merged[j].at)
	})

	out := make([]any, len(merged))
	for i, s := range merged {
		out[i] = values.CopyMap(s.elem)
	}
	return out
}

// identityKey uses the element's "id" when present, otherwise a structural
// key built from its non-timestamp fields.
func identityKey(m map[string]any) string {
	if id, ok := m["id"]; ok && !values.IsNil(id) {
		return fmt.Sprintf("id:%v", id)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if isTimestampKey(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("struct:")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, m[k])
	}
	return b.String()
}

func isTimestampKey(k string) bool {
	for _, tk := range timestampKeys {
		if k == tk {
			return true
		}
	}
	return false
}
