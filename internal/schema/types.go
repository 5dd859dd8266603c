// Package schema enriches raw BI field metadata into the EnrichedSchema the
// rest of the graph (Context Compressor, Query Builder, Validator) reasons
// about, and exposes a fuzzy FieldMatcher used to produce "did you mean"
// suggestions.
package schema

import (
	"strings"

	"github.com/vdsquery/agent/pkg/ptr"
)

// DataType enumerates the VDS field primitive types.
type DataType string

const (
	DataTypeInteger  DataType = "INTEGER"
	DataTypeReal     DataType = "REAL"
	DataTypeString   DataType = "STRING"
	DataTypeBoolean  DataType = "BOOLEAN"
	DataTypeDate     DataType = "DATE"
	DataTypeDateTime DataType = "DATETIME"
)

// Role classifies a field as aggregable (MEASURE) or groupable (DIMENSION).
type Role string

const (
	RoleMeasure   Role = "MEASURE"
	RoleDimension Role = "DIMENSION"
)

// ValueCount is one entry of a field's top-N value histogram.
type ValueCount struct {
	Value string
	Count int
}

// EnrichedField augments a raw column with semantic metadata gathered from
// the metadata API, the metadata graph, and small dedicated VDS statistics
// queries. Nullable attributes use *T so "absent" is distinguishable from
// the type's zero value.
type EnrichedField struct {
	Caption           string
	LogicalName       string
	DataType          DataType
	Role              Role
	DefaultAggregation *string
	Formula           *string
	Cardinality       *int
	SampleValues      []string
	ValueCounts       []ValueCount
	Min               *float64
	Max               *float64
	Median            *float64
	NullPercentage    *float64
	Description       *string
}

// IsCalculated reports whether the field carries a formula (a calculated
// field), matching the Validator's and Pre-Validation Rewriter's notion of
// "calculated field".
func (f *EnrichedField) IsCalculated() bool {
	return f.Formula != nil && *f.Formula != ""
}

// HasAggregationInFormula reports whether the field's formula already
// contains an aggregation call, which makes carrying an explicit `function`
// on the query field an error (§4.7).
func (f *EnrichedField) HasAggregationInFormula() bool {
	if f.Formula == nil {
		return false
	}
	upper := strings.ToUpper(*f.Formula)
	for _, fn := range []string{"SUM(", "AVG(", "AVERAGE(", "COUNT(", "COUNTD(", "MIN(", "MAX(", "MEDIAN(", "STDEV(", "VAR("} {
		if strings.Contains(upper, fn) {
			return true
		}
	}
	return false
}

// EnrichedSchema is the merged, query-ready view of a datasource's fields.
type EnrichedSchema struct {
	DatasourceID string
	Fields       []*EnrichedField
	Measures     []*EnrichedField
	Dimensions   []*EnrichedField
	// FieldMap is case-insensitive: keys are lowercased captions, plus the
	// lowercased last dot-segment of any fully-qualified caption.
	FieldMap map[string]*EnrichedField
}

// New builds an EnrichedSchema from a flat field list, populating Measures,
// Dimensions, and FieldMap. Every entry in Measures/Dimensions is also in
// Fields, and FieldMap keys include both the lowercased caption and the
// lowercased last qualified segment, preserving the invariant from §3.
func New(datasourceID string, fields []*EnrichedField) *EnrichedSchema {
	s := &EnrichedSchema{
		DatasourceID: datasourceID,
		Fields:       fields,
		FieldMap:     make(map[string]*EnrichedField, len(fields)*2),
	}
	for _, f := range fields {
		switch f.Role {
		case RoleMeasure:
			s.Measures = append(s.Measures, f)
		case RoleDimension:
			s.Dimensions = append(s.Dimensions, f)
		}
		lower := strings.ToLower(f.Caption)
		s.FieldMap[lower] = f
		if idx := strings.LastIndex(lower, "."); idx >= 0 && idx+1 < len(lower) {
			s.FieldMap[lower[idx+1:]] = f
		}
	}
	return s
}

// Lookup resolves a caption (any case) to its EnrichedField.
func (s *EnrichedSchema) Lookup(caption string) (*EnrichedField, bool) {
	f, ok := s.FieldMap[strings.ToLower(caption)]
	return f, ok
}

// Captions returns every field_map key, used as the candidate pool for fuzzy
// matching in the Validator Node.
func (s *EnrichedSchema) Captions() []string {
	out := make([]string, 0, len(s.FieldMap))
	for k := range s.FieldMap {
		out = append(out, k)
	}
	return out
}

// withDefaultAggregation is a small constructor helper used by the enricher
// and by tests, grounded on pkg/ptr's nil-safe pointer helpers for the
// schema's many optional numeric/string attributes.
func withDefaultAggregation(agg string) *string {
	if agg == "" {
		return nil
	}
	return ptr.Pointer(agg)
}
