package schema

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/vdsquery/agent/internal/tableau"
)

// StatsClient is the subset of the BI-Client Facade the enricher needs,
// kept narrow so tests can stub it without a full tableau.Client.
type StatsClient interface {
	ReadMetadata(ctx context.Context, datasourceID string) (*tableau.Metadata, error)
	ReadMetadataRoles(ctx context.Context, datasourceID string) (map[string]string, error)
	FieldStatistics(ctx context.Context, datasourceID, fieldCaption string) (*tableau.FieldStats, error)
}

// Enricher builds an EnrichedSchema by merging the metadata API's role
// classification, the metadata graph's descriptions and formulas, and
// per-field statistics gathered with small dedicated VDS queries, grounded
// on the schema-building pass the original query builder runs before its
// first LLM call.
type Enricher struct {
	client StatsClient
	// StatsConcurrency bounds how many per-field statistics queries run at
	// once against the BI server; zero defaults to 4.
	StatsConcurrency int
}

// NewEnricher builds an Enricher against a StatsClient.
func NewEnricher(client StatsClient) *Enricher {
	return &Enricher{client: client, StatsConcurrency: 4}
}

// Enrich fetches metadata and per-field statistics for datasourceID and
// returns the merged EnrichedSchema. Role is determined in priority order —
// metadata-API role, then columnClass, then a naive numeric-type heuristic —
// per §4.3; a statistics-query failure for a single field degrades that
// field gracefully rather than failing the whole enrichment.
func (e *Enricher) Enrich(ctx context.Context, datasourceID string) (*EnrichedSchema, error) {
	meta, err := e.client.ReadMetadata(ctx, datasourceID)
	if err != nil {
		return nil, err
	}

	roles, err := e.client.ReadMetadataRoles(ctx, datasourceID)
	if err != nil {
		slog.Warn("metadata graph role lookup failed, falling back to columnClass/heuristic", "datasource", datasourceID, "error", err)
		roles = nil
	}

	fields := make([]*EnrichedField, len(meta.Columns))
	for i, col := range meta.Columns {
		fields[i] = columnToField(col, roles)
	}

	concurrency := e.StatsConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	var mu sync.Mutex
	for _, f := range fields {
		f := f
		g.Go(func() error {
			stats, statErr := e.client.FieldStatistics(gctx, datasourceID, f.Caption)
			if statErr != nil {
				slog.Warn("field statistics query failed, field enriched without stats", "field", f.Caption, "error", statErr)
				return nil
			}
			mu.Lock()
			applyStats(f, stats)
			mu.Unlock()
			return nil
		})
	}
	// errgroup only ever returns nil here since per-field failures are
	// swallowed above, but the call is kept for goroutine join semantics.
	_ = g.Wait()

	return New(datasourceID, fields), nil
}

func columnToField(col tableau.Column, roles map[string]string) *EnrichedField {
	f := &EnrichedField{
		Caption:     col.Name,
		LogicalName: col.Name,
		DataType:    DataType(strings.ToUpper(col.DataType)),
		Role:        resolveRole(col, roles),
	}
	if col.Formula != "" {
		formula := col.Formula
		f.Formula = &formula
	}
	if col.Description != "" {
		desc := col.Description
		f.Description = &desc
	}
	return f
}

// resolveRole implements the §4.3 priority ladder: metadata-API role wins,
// then the REST columnClass, then a numeric-type heuristic as a last resort.
func resolveRole(col tableau.Column, roles map[string]string) Role {
	if roles != nil {
		if r, ok := roles[col.Name]; ok {
			return Role(strings.ToUpper(r))
		}
	}
	switch strings.ToUpper(col.ColumnClass) {
	case "MEASURE":
		return RoleMeasure
	case "COLUMN", "BIN", "GROUP":
		return RoleDimension
	}
	if lo.Contains([]string{"INTEGER", "REAL"}, strings.ToUpper(col.DataType)) {
		return RoleMeasure
	}
	return RoleDimension
}

func applyStats(f *EnrichedField, stats *tableau.FieldStats) {
	f.Min = stats.Min
	f.Max = stats.Max
	f.Median = stats.Median
	f.Cardinality = stats.Cardinality
	f.NullPercentage = stats.NullPercentage
	for _, vc := range stats.ValueCounts {
		f.ValueCounts = append(f.ValueCounts, ValueCount{Value: vc.Value, Count: vc.Count})
		if len(f.SampleValues) < 10 {
			f.SampleValues = append(f.SampleValues, vc.Value)
		}
	}
}
