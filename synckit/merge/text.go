package merge

import (
	"strings"
	"unicode"

	"github.com/c0deZ3R0/go-sync-resolve/synckit/values"
)

// similarityThreshold above which two descriptive texts count as the same text.
const similarityThreshold = 0.8

// TextStrategy merges strings by field name. Descriptive texts are combined,
// names and titles keep the longer value, and structured values such as
// e-mail addresses always keep the remote value.
type TextStrategy struct{}

func (t *TextStrategy) Name() string { return "text" }

func (t *TextStrategy) CanHandle(field string, local, remote any) bool {
	return values.KindOf(local) == values.String && values.KindOf(remote) == values.String
}

func (t *TextStrategy) Merge(field string, local, remote any, ctx Context) any {
	l, lok := local.(string)
	r, rok := remote.(string)
	if !lok || !rok {
		return remote
	}
	switch {
	case nameContains(field, "description", "comment", "note"):
		return mergeDescriptive(l, r)
	case nameContains(field, "name", "title"):
		return longer(l, r)
	case nameContains(field, "email", "url", "phone"):
		return r
	default:
		return r
	}
}

func (t *TextStrategy) Confidence(field string, local, remote any) float64 {
	l, lok := local.(string)
	r, rok := remote.(string)
	if !lok || !rok {
		return fallbackConfidence
	}
	sim := Similarity(l, r)
	switch {
	case sim > similarityThreshold:
		return 0.9
	case sim > 0.5:
		return 0.7
	default:
		return 0.4
	}
}

func (t *TextStrategy) Validate(merged any, ctx Context) bool {
	_, ok := merged.(string)
	return ok
}

func mergeDescriptive(local, remote string) string {
	if strings.TrimSpace(local) == "" {
		return remote
	}
	if strings.TrimSpace(remote) == "" {
		return local
	}
	if Similarity(local, remote) > similarityThreshold {
		return longer(local, remote)
	}
	return joinSentences(local, remote)
}

// joinSentences appends remote to local, inserting ". " unless local already
// ends a sentence.
func joinSentences(local, remote string) string {
	trimmed := strings.TrimRightFunc(local, unicode.IsSpace)
	if strings.HasSuffix(trimmed, ".") || strings.HasSuffix(trimmed, "!") || strings.HasSuffix(trimmed, "?") {
		return trimmed + " " + remote
	}
	return trimmed + ". " + remote
}

// longer returns the longer string; equal lengths keep remote.
func longer(local, remote string) string {
	if len([]rune(local)) > len([]rune(remote)) {
		return local
	}
	return remote
}

// Similarity is the Jaccard index of the case-folded word sets of a and b.
// Two texts without words are identical.
func Similarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	inter := 0
	for w := range ta {
		if _, ok := tb[w]; ok {
			inter++
		}
	}
	unionSize := len(ta) + len(tb) - inter
	return float64(inter) / float64(unionSize)
}

func tokens(s string) map[string]struct{} {
	words := strings.FieldsFunc(fold(s), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
