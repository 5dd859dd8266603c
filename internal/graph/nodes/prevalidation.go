package nodes

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/vdsquery/agent/internal/graph"
	"github.com/vdsquery/agent/internal/schema"
	"github.com/vdsquery/agent/internal/tableau"
	pkgstrings "github.com/vdsquery/agent/pkg/strings"
)

// PreValidationRewriter applies deterministic, no-LLM rewrites to a freshly
// built query draft before the Validator Node runs: date-truncation,
// distinct-count, context-filter detection, SET-value canonicalization,
// calculated-field renaming on collision, and calculation/fieldCaption
// exclusivity on filters. Every rewrite that fires is recorded so it's
// visible in the reasoning trace.
type PreValidationRewriter struct{}

var dateTruncPattern = regexp.MustCompile(`(?i)\bby (year|quarter|month|week|day)\b`)
var distinctPattern = regexp.MustCompile(`(?i)\b(distinct|unique)\b`)
var contextFilterPattern = regexp.MustCompile(`(?i)\b(context filter|within the selected|as context)\b`)

// Run implements flow.Node[*graph.State, *graph.State].
func (r *PreValidationRewriter) Run(_ context.Context, state *graph.State) (*graph.State, error) {
	next := state.Clone()
	if next.QueryDraft == nil {
		return next, nil
	}
	draft := *next.QueryDraft
	draft.Query.Fields = append([]tableau.Field(nil), next.QueryDraft.Query.Fields...)
	draft.Query.Filters = append([]tableau.Filter(nil), next.QueryDraft.Query.Filters...)
	var changes []string

	r.applyDateTruncation(state.UserQuery, &draft, &changes)
	r.applyDistinctCount(state.UserQuery, &draft, &changes)
	r.applyContextFilters(state.UserQuery, &draft, &changes)
	r.canonicalizeSetFilterValues(&draft, state.EnrichedSchema, &changes)
	r.renameCollidingCalculatedFields(&draft, state.EnrichedSchema, &changes)
	r.stripFieldCaptionFromCalculatedFilters(&draft, &changes)

	next.QueryDraft = &draft
	next.PreValidationChanges = changes
	next.AppendStep(graph.ReasoningStep{
		Node: "pre_validation", Timestamp: time.Now(),
		Thought: "applied deterministic query rewrites", Action: "pre_validation",
	})
	return next, nil
}

func (r *PreValidationRewriter) applyDateTruncation(userQuery string, draft *tableau.VDSQuery, changes *[]string) {
	m := dateTruncPattern.FindStringSubmatch(strings.ToLower(userQuery))
	if m == nil {
		return
	}
	trunc := "TRUNC_" + strings.ToUpper(m[1])
	for i, f := range draft.Query.Fields {
		if f.Function == "" && f.Calculation == "" && looksLikeDateField(f.FieldCaption) {
			draft.Query.Fields[i].Function = trunc
			*changes = append(*changes, "applied "+trunc+" to "+f.FieldCaption)
		}
	}
}

func looksLikeDateField(caption string) bool {
	lower := strings.ToLower(caption)
	for _, hint := range []string{"date", "time", "year", "month", "day"} {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func (r *PreValidationRewriter) applyDistinctCount(userQuery string, draft *tableau.VDSQuery, changes *[]string) {
	if !distinctPattern.MatchString(userQuery) {
		return
	}
	for i, f := range draft.Query.Fields {
		if f.Function == "COUNT" {
			draft.Query.Fields[i].Function = "COUNTD"
			*changes = append(*changes, "rewrote COUNT to COUNTD on "+f.FieldCaption)
		}
	}
}

func (r *PreValidationRewriter) applyContextFilters(userQuery string, draft *tableau.VDSQuery, changes *[]string) {
	if !contextFilterPattern.MatchString(userQuery) {
		return
	}
	for i := range draft.Query.Filters {
		if !draft.Query.Filters[i].Context {
			draft.Query.Filters[i].Context = true
			*changes = append(*changes, "marked filter on "+draft.Query.Filters[i].FieldCaption+" as context")
		}
	}
}

// canonicalizeSetFilterValues matches SET/CATEGORICAL filter values against
// a field's known sample_values, case-insensitive exact first, then a
// whitespace-normalized comparison.
func (r *PreValidationRewriter) canonicalizeSetFilterValues(draft *tableau.VDSQuery, enriched *schema.EnrichedSchema, changes *[]string) {
	if enriched == nil {
		return
	}
	for i, f := range draft.Query.Filters {
		if f.FilterType != tableau.FilterSet && f.FilterType != tableau.FilterCategorical {
			continue
		}
		field, ok := enriched.Lookup(f.FieldCaption)
		if !ok {
			continue
		}
		for j, v := range f.Values {
			if canonical, changed := canonicalizeValue(v, field.SampleValues); changed {
				draft.Query.Filters[i].Values[j] = canonical
				*changes = append(*changes, "canonicalized filter value "+v+" to "+canonical+" on "+f.FieldCaption)
			}
		}
	}
}

func canonicalizeValue(value string, samples []string) (string, bool) {
	unquoted := value
	if pkgstrings.IsQuoted(value) {
		unquoted = pkgstrings.UnQuote(value)
	}
	for _, s := range samples {
		if strings.EqualFold(unquoted, s) && unquoted != s {
			return s, true
		}
	}
	normalized := strings.Join(strings.Fields(unquoted), " ")
	for _, s := range samples {
		if strings.EqualFold(normalized, strings.Join(strings.Fields(s), " ")) && normalized != s {
			return s, true
		}
	}
	if unquoted != value {
		return unquoted, true
	}
	return value, false
}

// renameCollidingCalculatedFields appends a disambiguating suffix to a
// calculated field's caption when it collides with an existing schema
// field, avoiding an upstream name conflict.
func (r *PreValidationRewriter) renameCollidingCalculatedFields(draft *tableau.VDSQuery, enriched *schema.EnrichedSchema, changes *[]string) {
	if enriched == nil {
		return
	}
	for i, f := range draft.Query.Fields {
		if f.Calculation == "" || f.FieldCaption == "" {
			continue
		}
		if _, exists := enriched.Lookup(f.FieldCaption); exists {
			renamed := f.FieldCaption + " (calc)"
			draft.Query.Fields[i].FieldCaption = renamed
			*changes = append(*changes, "renamed calculated field "+f.FieldCaption+" to "+renamed)
		}
	}
}

// stripFieldCaptionFromCalculatedFilters removes fieldCaption from any
// filter that carries a calculation, since upstream expects the calculation
// alone.
func (r *PreValidationRewriter) stripFieldCaptionFromCalculatedFilters(draft *tableau.VDSQuery, changes *[]string) {
	for i, f := range draft.Query.Filters {
		if f.Calculation != "" && f.FieldCaption != "" {
			draft.Query.Filters[i].FieldCaption = ""
			*changes = append(*changes, "removed fieldCaption from calculated filter")
		}
	}
}
