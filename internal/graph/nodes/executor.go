package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/vdsquery/agent/internal/cache"
	"github.com/vdsquery/agent/internal/graph"
	"github.com/vdsquery/agent/internal/schema"
	"github.com/vdsquery/agent/internal/tableau"
)

// largeDatasetRowThreshold is the estimated-row-count above which the
// Executor Node simplifies a query before sending it upstream, grounded on
// the original query optimizer's large-dataset heuristic.
const largeDatasetRowThreshold = 10000

// unknownEstimatedRows is used when the enriched schema carries no
// cardinality signal for any queried dimension: with no evidence a result is
// large, the Executor does not guess, and runs the query unmodified.
const unknownEstimatedRows = 0

// Executor runs a validated query draft against the BI-Client Facade,
// resolved from the run's RunContext rather than State (§9, §4.8), with a
// fingerprint cache that collapses concurrent identical queries and serves a
// stale result with a warning suggestion when a fresh execution fails.
type Executor struct {
	Cache *cache.Cache
}

// Run implements flow.Node[*graph.State, *graph.State].
func (e *Executor) Run(ctx context.Context, state *graph.State) (*graph.State, error) {
	next := state.Clone()

	if next.QueryDraft == nil {
		return e.fail(next, state, "no query to execute"), nil
	}
	if next.QueryDraft.Datasource.DatasourceLuid == "" {
		return e.fail(next, state, "missing datasource LUID in query"), nil
	}

	rc := graph.RunContextFrom(ctx)
	if rc == nil || rc.BIClient == nil {
		return e.fail(next, state, "no BI client available in run context"), nil
	}

	optimized, notes := simplifyForLargeDataset(next.QueryDraft, estimateRowCount(next.QueryDraft, state.EnrichedSchema))
	attempt := state.ExecutionAttempt
	if attempt == 0 {
		attempt = 1
	}

	next.AppendStep(graph.ReasoningStep{
		Node: "execute_query", Timestamp: time.Now(),
		Thought:          fmt.Sprintf("executing query for datasource: %s", optimized.Datasource.DatasourceLuid),
		Action:           "execute_query",
		ExecutionAttempt: attempt,
		QueryDraft:       optimized,
	})

	fingerprint, fpErr := cache.Fingerprint(optimized)

	// ExecuteVDS already applies bounded retry with backoff on transport
	// failures (internal/tableau.Client.doJSON); the Executor Node does not
	// layer a second retry loop on top of it.
	result, err := rc.BIClient.ExecuteVDS(ctx, optimized)
	if err != nil {
		if fpErr == nil && e.Cache != nil {
			if cached, ok := e.Cache.Get(fingerprint); ok {
				if qr, ok := cached.(*tableau.QueryResult); ok {
					next.QueryResults = qr
					next.ExecutionErrors = []string{fmt.Sprintf("execution failed but using cached result: %v", err)}
					next.ValidationSuggestions = append(next.ValidationSuggestions,
						"results may be stale: the live query failed and a cached result was returned instead.")
					next.Error = ""
					next.AppendStep(graph.ReasoningStep{
						Node: "execute_query", Timestamp: time.Now(),
						Thought:          fmt.Sprintf("execution failed, served %d cached rows instead", qr.RowCount),
						Action:           "execute_query",
						ExecutionAttempt: attempt,
					})
					return next, nil
				}
			}
		}
		return e.fail(next, state, err.Error()), nil
	}

	if fpErr == nil && e.Cache != nil {
		e.Cache.GetOrLoad(fingerprint, func() (any, error) { return result, nil })
	}

	next.QueryResults = result
	next.ExecutionErrors = nil
	next.Error = ""
	if len(notes) > 0 {
		next.ValidationSuggestions = append(next.ValidationSuggestions, notes...)
	}
	next.AppendStep(graph.ReasoningStep{
		Node: "execute_query", Timestamp: time.Now(),
		Thought:          fmt.Sprintf("query executed successfully, retrieved %d rows", result.RowCount),
		Action:           "execute_query",
		ExecutionAttempt: attempt,
	})
	return next, nil
}

func (e *Executor) fail(next, prev *graph.State, reason string) *graph.State {
	attempt := prev.ExecutionAttempt
	if attempt == 0 {
		attempt = 1
	}
	next.ExecutionErrors = []string{reason}
	next.Error = reason
	next.AppendStep(graph.ReasoningStep{
		Node: "execute_query", Timestamp: time.Now(),
		Thought:          fmt.Sprintf("query execution failed: %s", reason),
		Action:           "execute_query",
		ExecutionAttempt: attempt,
		Error:            reason,
	})
	return next
}

// simplifyForLargeDataset drops a query's unbounded-fetch risk when the
// estimated row count crosses largeDatasetRowThreshold: a projection with no
// TOP/QUANTITATIVE/CONTEXT filter to bound cardinality is capped with a
// default TOP filter on its first dimension field, ranked by its first
// measure field. A query lacking either a measure or a plain dimension field
// is returned unchanged, mirroring the original optimizer's purpose without
// guessing at its unseen internals.
func simplifyForLargeDataset(query *tableau.VDSQuery, estimatedRows int) (*tableau.VDSQuery, []string) {
	if estimatedRows < largeDatasetRowThreshold {
		return query, nil
	}

	hasBound := false
	var firstMeasure, firstDimension string
	for _, f := range query.Query.Fields {
		switch {
		case f.Function != "":
			if firstMeasure == "" {
				firstMeasure = f.FieldCaption
			}
		case f.Calculation == "" && firstDimension == "":
			firstDimension = f.FieldCaption
		}
	}
	for _, f := range query.Query.Filters {
		switch f.FilterType {
		case tableau.FilterTop, tableau.FilterQuantitative, tableau.FilterContext:
			hasBound = true
		}
	}
	if hasBound || firstMeasure == "" || firstDimension == "" {
		return query, nil
	}

	clone := *query
	clone.Query.Filters = append(append([]tableau.Filter{}, query.Query.Filters...), tableau.Filter{
		FieldCaption:   firstDimension,
		FilterType:     tableau.FilterTop,
		FieldToMeasure: firstMeasure,
		HowMany:        1000,
		Direction:      "TOP",
	})
	return &clone, []string{"query simplified for a large dataset: results capped to the top 1000 rows by " + firstMeasure}
}

// estimateRowCount approximates a query's result cardinality from the
// queried dimension fields' known cardinality in the enriched schema, taking
// the largest single queried dimension's cardinality as a lower bound on the
// cross-product. Returns unknownEstimatedRows when no queried dimension
// carries a cardinality figure, so the Executor never guesses a dataset is
// large without evidence.
func estimateRowCount(query *tableau.VDSQuery, enriched *schema.EnrichedSchema) int {
	if enriched == nil {
		return unknownEstimatedRows
	}
	max := unknownEstimatedRows
	for _, f := range query.Query.Fields {
		if f.Function != "" || f.Calculation != "" || f.FieldCaption == "" {
			continue
		}
		field, ok := enriched.Lookup(f.FieldCaption)
		if !ok || field.Cardinality == nil {
			continue
		}
		if *field.Cardinality > max {
			max = *field.Cardinality
		}
	}
	return max
}
