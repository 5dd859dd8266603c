package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vdsquery/agent/internal/graph"
	"github.com/vdsquery/agent/internal/schema"
	"github.com/vdsquery/agent/internal/tableau"
)

// validAggregations is the closed set of function names the Validator
// accepts on a query field, per §4.7.
var validAggregations = map[string]bool{
	"SUM": true, "AVG": true, "MIN": true, "MAX": true, "COUNT": true,
	"COUNTD": true, "MEDIAN": true, "STDEV": true, "VAR": true, "ATTR": true,
	"TRUNC_YEAR": true, "TRUNC_QUARTER": true, "TRUNC_MONTH": true, "TRUNC_WEEK": true, "TRUNC_DAY": true,
	"YEAR": true, "QUARTER": true, "MONTH": true, "WEEK": true, "DAY": true,
}

// maxRecommendedDimensions is the threshold above which the Validator warns
// (not errors) about a query's dimension count, grounded on the original
// constraint validator's non-fatal "Note: ..." field-combination warnings.
const maxRecommendedDimensions = 5

// Validator performs local, no-LLM semantic validation of a built query
// draft against the request's EnrichedSchema, per §4.7. It is pure for a
// fixed (query_draft, enriched_schema) pair: it never mutates either, and
// its only side effect is optionally consulting a FieldMatcher for fuzzy
// suggestions, which itself does no I/O for the default Levenshtein-backed
// matcher.
type Validator struct {
	// MatcherFactory builds a FieldMatcher over a schema's captions; nil
	// defaults to schema.NewLevenshteinMatcher, matching the Validator's own
	// fuzzy-suggestion fallback (§4.7).
	MatcherFactory func(captions []string) schema.FieldMatcher
}

// Run implements flow.Node[*graph.State, *graph.State].
func (v *Validator) Run(ctx context.Context, state *graph.State) (*graph.State, error) {
	next := state.Clone()

	if next.QueryDraft == nil {
		// The Query Builder (or an earlier Validator pass) already failed and
		// incremented BuildAttempt; don't double-count here, just reflect
		// the already-failed state as invalid.
		reason := next.Error
		if reason == "" {
			reason = "no query draft was produced"
		}
		next.ValidationErrors = []string{reason}
		next.ValidationSuggestions = nil
		next.AppendStep(graph.ReasoningStep{
			Node: "validate_query", Timestamp: time.Now(),
			Thought: "nothing to validate: no query draft", Action: "validate_query",
			Error: reason,
		})
		return next, nil
	}

	var errs []string
	var suggestions []string
	matcher := v.matcherFor(state.EnrichedSchema)

	if len(next.QueryDraft.Query.Fields) == 0 {
		errs = append(errs, "query has no fields")
	}

	for _, f := range next.QueryDraft.Query.Fields {
		v.validateField(ctx, f, state.EnrichedSchema, matcher, &errs, &suggestions)
	}
	for _, f := range next.QueryDraft.Query.Filters {
		v.validateFilterField(ctx, f, state.EnrichedSchema, matcher, &errs, &suggestions)
	}

	if len(next.QueryDraft.Query.Fields) > maxRecommendedDimensions {
		dims := countDimensions(next.QueryDraft, state.EnrichedSchema)
		if dims > maxRecommendedDimensions {
			suggestions = append(suggestions, fmt.Sprintf(
				"Note: %d dimensions requested; queries with more than %d dimensions can be slow or hard to read.",
				dims, maxRecommendedDimensions))
		}
	}

	next.ValidationErrors = errs
	next.ValidationSuggestions = suggestions
	if len(errs) > 0 {
		next.BuildAttempt = state.BuildAttempt + 1
	}

	thought := "query draft is valid"
	if len(errs) > 0 {
		thought = fmt.Sprintf("query draft failed validation: %s", strings.Join(errs, "; "))
	}
	next.AppendStep(graph.ReasoningStep{
		Node: "validate_query", Timestamp: time.Now(),
		Thought: thought, Action: "validate_query", BuildAttempt: state.BuildAttempt,
	})
	return next, nil
}

func (v *Validator) matcherFor(enriched *schema.EnrichedSchema) schema.FieldMatcher {
	if enriched == nil {
		return nil
	}
	factory := v.MatcherFactory
	if factory == nil {
		factory = func(captions []string) schema.FieldMatcher { return schema.NewLevenshteinMatcher(captions) }
	}
	return factory(enriched.Captions())
}

func (v *Validator) validateField(ctx context.Context, f tableau.Field, enriched *schema.EnrichedSchema, matcher schema.FieldMatcher, errs, suggestions *[]string) {
	if f.Calculation != "" {
		// A calculated field's formula stands alone; a function is only an
		// error if the formula itself already aggregates (checked below once
		// the field resolves, which calculated-by-caption fields usually
		// don't since they're inline).
		return
	}
	if f.FieldCaption == "" {
		*errs = append(*errs, "field has neither fieldCaption nor calculation")
		return
	}
	if enriched == nil {
		return
	}
	field, ok := enriched.Lookup(f.FieldCaption)
	if !ok {
		*errs = append(*errs, fmt.Sprintf("Field '%s' not found", f.FieldCaption))
		v.appendSuggestion(ctx, f.FieldCaption, matcher, suggestions)
		return
	}
	if f.Function != "" && !validAggregations[strings.ToUpper(f.Function)] {
		*errs = append(*errs, fmt.Sprintf("unsupported aggregation function '%s' on field '%s'", f.Function, f.FieldCaption))
	}
	if field.IsCalculated() && field.HasAggregationInFormula() && f.Function != "" {
		*errs = append(*errs, fmt.Sprintf("calculated field '%s' already aggregates and must not carry a function", f.FieldCaption))
	}
}

func (v *Validator) validateFilterField(ctx context.Context, f tableau.Filter, enriched *schema.EnrichedSchema, matcher schema.FieldMatcher, errs, suggestions *[]string) {
	if f.Calculation != "" || f.FieldCaption == "" || enriched == nil {
		return
	}
	if _, ok := enriched.Lookup(f.FieldCaption); !ok {
		*errs = append(*errs, fmt.Sprintf("Field '%s' not found", f.FieldCaption))
		v.appendSuggestion(ctx, f.FieldCaption, matcher, suggestions)
	}
	if f.FilterType == tableau.FilterTop {
		if f.HowMany <= 0 {
			*errs = append(*errs, "TOP filter must carry a positive howMany")
		}
		if f.Direction != "TOP" && f.Direction != "BOTTOM" {
			*errs = append(*errs, "TOP filter direction must be TOP or BOTTOM")
		}
		if f.FieldToMeasure == "" {
			*errs = append(*errs, "TOP filter must carry fieldToMeasure")
		}
	}
}

func (v *Validator) appendSuggestion(ctx context.Context, caption string, matcher schema.FieldMatcher, suggestions *[]string) {
	if matcher == nil {
		return
	}
	matches, err := matcher.Suggest(ctx, caption, 1)
	if err != nil || len(matches) == 0 {
		return
	}
	*suggestions = append(*suggestions, fmt.Sprintf("Did you mean '%s'?", matches[0].Caption))
}

func countDimensions(draft *tableau.VDSQuery, enriched *schema.EnrichedSchema) int {
	if enriched == nil {
		return 0
	}
	n := 0
	for _, f := range draft.Query.Fields {
		if f.Function != "" || f.Calculation != "" {
			continue
		}
		if field, ok := enriched.Lookup(f.FieldCaption); ok && field.Role == schema.RoleDimension {
			n++
		}
	}
	return n
}
