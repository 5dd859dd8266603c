// Package context builds the compact four-section text context the Query
// Builder Node hands to the LLM Facade, keeping prompts small and
// deterministic rather than dumping the full enriched schema every turn.
package context

import (
	stdcontext "context"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/vdsquery/agent/internal/llm"
	"github.com/vdsquery/agent/internal/schema"
)

// ParsedIntent is the optional structured hint the graph may have already
// extracted from the user query (required measures/dimensions/filters/topN/
// sorting) before the Context Compressor runs.
type ParsedIntent struct {
	Measures   []string
	Dimensions []string
	Filters    []string
	TopN       int
	Sorting    string
}

// calculationKeywords and binKeywords gate whether calculated fields and
// binned/grouped fields are worth mentioning in the prompt; most questions
// don't need them and showing them unconditionally bloats every prompt.
var calculationKeywords = []string{"calculat", "formula", "custom field", "derived"}
var binKeywords = []string{"bucket", "bin", "group", "range", "histogram"}

// Compressor turns an EnrichedSchema plus a user query into compact text
// context, optionally backed by a FieldMatcher for the Field Matching Hints
// section and a Tokenizer to keep the result within a token budget.
type Compressor struct {
	Matcher   schema.FieldMatcher
	Tokenizer *llm.Tokenizer
	// MaxTokens bounds the rendered context under the given model's
	// encoding; zero disables truncation.
	MaxTokens int
	Model     string
}

// NewCompressor builds a Compressor. Matcher may be nil, in which case the
// Field Matching Hints section is omitted.
func NewCompressor(matcher schema.FieldMatcher, tokenizer *llm.Tokenizer) *Compressor {
	return &Compressor{Matcher: matcher, Tokenizer: tokenizer}
}

// Compress builds the four-section context: Available Fields, Query
// Construction Hints, Field Matching Hints, Parsed Intent.
func (c *Compressor) Compress(enriched *schema.EnrichedSchema, userQuery string, intent *ParsedIntent) string {
	lower := strings.ToLower(userQuery)
	showCalcs := containsAny(lower, calculationKeywords)
	showBins := containsAny(lower, binKeywords)

	var b strings.Builder
	c.writeAvailableFields(&b, enriched, showCalcs, showBins)
	c.writeConstructionHints(&b, enriched)
	c.writeFieldMatchingHints(&b, enriched, userQuery)
	c.writeParsedIntent(&b, intent)

	out := b.String()
	if c.Tokenizer != nil && c.MaxTokens > 0 {
		out = c.truncateToBudget(out)
	}
	return out
}

func (c *Compressor) writeAvailableFields(b *strings.Builder, s *schema.EnrichedSchema, showCalcs, showBins bool) {
	b.WriteString("## Available Fields\n")
	b.WriteString("Measures:\n")
	for _, f := range s.Measures {
		if f.IsCalculated() && !showCalcs {
			continue
		}
		writeFieldLine(b, f)
	}
	b.WriteString("Dimensions:\n")
	for _, f := range s.Dimensions {
		if f.IsCalculated() && !showCalcs && !showBins {
			continue
		}
		writeFieldLine(b, f)
	}
	b.WriteString("\n")
}

func writeFieldLine(b *strings.Builder, f *schema.EnrichedField) {
	b.WriteString("- ")
	b.WriteString(f.Caption)
	b.WriteString(" (")
	b.WriteString(string(f.DataType))
	if f.DefaultAggregation != nil {
		b.WriteString(", default_agg=" + *f.DefaultAggregation)
	}
	b.WriteString(")")
	if len(f.SampleValues) > 0 {
		b.WriteString(" samples: " + strings.Join(lo.Subset(f.SampleValues, 0, 5), ", "))
	}
	if f.Description != nil && *f.Description != "" {
		b.WriteString(" — " + *f.Description)
	}
	b.WriteString("\n")
}

func (c *Compressor) writeConstructionHints(b *strings.Builder, s *schema.EnrichedSchema) {
	b.WriteString("## Query Construction Hints\n")
	b.WriteString("- Every non-calculated fieldCaption must match one of the Available Fields above exactly.\n")
	b.WriteString("- Calculated fields whose formula already aggregates must not carry a function.\n")
	b.WriteString("- Use TRUNC_YEAR/QUARTER/MONTH/WEEK/DAY for \"by year/quarter/month/week/day\" requests.\n")
	b.WriteString("- Use COUNTD for \"distinct\"/\"unique\" counts.\n")
	b.WriteString("\n")
}

func (c *Compressor) writeFieldMatchingHints(b *strings.Builder, s *schema.EnrichedSchema, userQuery string) {
	if c.Matcher == nil {
		return
	}
	b.WriteString("## Field Matching Hints\n")
	for _, word := range candidateTokens(userQuery) {
		matches, err := c.Matcher.Suggest(stdcontext.Background(), word, 3)
		if err != nil || len(matches) == 0 {
			continue
		}
		captions := lo.Map(matches, func(m schema.Match, _ int) string { return m.Caption })
		b.WriteString(fmt.Sprintf("- %q may refer to: %s\n", word, strings.Join(captions, ", ")))
	}
	b.WriteString("\n")
}

func (c *Compressor) writeParsedIntent(b *strings.Builder, intent *ParsedIntent) {
	if intent == nil {
		return
	}
	b.WriteString("## Parsed Intent\n")
	if len(intent.Measures) > 0 {
		b.WriteString("Measures: " + strings.Join(intent.Measures, ", ") + "\n")
	}
	if len(intent.Dimensions) > 0 {
		b.WriteString("Dimensions: " + strings.Join(intent.Dimensions, ", ") + "\n")
	}
	if len(intent.Filters) > 0 {
		b.WriteString("Filters: " + strings.Join(intent.Filters, ", ") + "\n")
	}
	if intent.TopN > 0 {
		b.WriteString(fmt.Sprintf("TopN: %d\n", intent.TopN))
	}
	if intent.Sorting != "" {
		b.WriteString("Sorting: " + intent.Sorting + "\n")
	}
}

// truncateToBudget drops trailing lines until the rendered context fits
// MaxTokens, preferring to keep earlier sections (Available Fields) intact
// since those are load-bearing for correctness.
func (c *Compressor) truncateToBudget(text string) string {
	lines := strings.Split(text, "\n")
	for c.Tokenizer.Count(c.Model, strings.Join(lines, "\n")) > c.MaxTokens && len(lines) > 1 {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// candidateTokens extracts whitespace-delimited words of length > 2 from the
// user query as fuzzy-match candidates; short stopwords aren't worth
// matching against field captions.
func candidateTokens(query string) []string {
	fields := strings.Fields(query)
	return lo.Filter(fields, func(w string, _ int) bool { return len(w) > 2 })
}
