package schema

import (
	"context"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Match is one fuzzy candidate returned by a FieldMatcher, ordered best
// first.
type Match struct {
	Caption string
	Score   float64 // 0..1, 1 is an exact match
}

// FieldMatcher produces "did you mean" suggestions for a caption the model
// referenced that doesn't exist verbatim in the schema, per the Validator
// Node's fuzzy-suggestion behavior (§4.7). Injectable so a vector-similarity
// backend can replace the default edit-distance one without touching the
// Validator.
type FieldMatcher interface {
	Suggest(ctx context.Context, query string, limit int) ([]Match, error)
}

// LevenshteinMatcher is the default FieldMatcher: normalized edit distance
// over the schema's captions, grounded on the original validator's
// difflib.get_close_matches fuzzy-suggestion pass plus its substring-match
// fallback when no close match clears the cutoff.
type LevenshteinMatcher struct {
	captions []string
}

// NewLevenshteinMatcher builds a matcher over the given candidate captions.
func NewLevenshteinMatcher(captions []string) *LevenshteinMatcher {
	return &LevenshteinMatcher{captions: captions}
}

const fuzzyCutoff = 0.4

// Suggest returns up to limit captions ranked by normalized edit-distance
// similarity to query, cutoff at fuzzyCutoff; if nothing clears the cutoff
// it falls back to simple substring matches, mirroring the original
// validator's two-stage behavior.
func (m *LevenshteinMatcher) Suggest(_ context.Context, query string, limit int) ([]Match, error) {
	q := strings.ToLower(query)
	matches := make([]Match, 0, len(m.captions))
	for _, c := range m.captions {
		score := similarity(q, strings.ToLower(c))
		if score >= fuzzyCutoff {
			matches = append(matches, Match{Caption: c, Score: score})
		}
	}
	if len(matches) == 0 {
		for _, c := range m.captions {
			if strings.Contains(strings.ToLower(c), q) || strings.Contains(q, strings.ToLower(c)) {
				matches = append(matches, Match{Caption: c, Score: 0})
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func similarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(dist)/float64(maxLen)
}
