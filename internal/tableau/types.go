package tableau

// VDSQuery is the JSON body the VizQL Data Service's query-datasource
// endpoint consumes, per spec §3.
type VDSQuery struct {
	Datasource Datasource `json:"datasource"`
	Query      Query      `json:"query"`
	Options    Options    `json:"options"`
}

// Datasource identifies the VDS datasource a query targets.
type Datasource struct {
	DatasourceLuid string `json:"datasourceLuid"`
}

// Query carries the field projection and filter set of a VDSQuery.
type Query struct {
	Fields  []Field  `json:"fields"`
	Filters []Filter `json:"filters,omitempty"`
}

// Options carries VDS execution options. returnFormat is always forced to
// OBJECTS by the facade (see Client.ExecuteVDS); a client-supplied `limit`
// is not a valid upstream option and is dropped, not forwarded.
type Options struct {
	ReturnFormat string `json:"returnFormat"`
	Disaggregate bool   `json:"disaggregate"`
}

// Field is one projected column: either a raw field (`FieldCaption` only,
// optionally with an aggregation `Function`), or a calculated field
// (`Calculation` set, `Function` absent when the formula already aggregates).
type Field struct {
	FieldCaption string `json:"fieldCaption,omitempty"`
	Function     string `json:"function,omitempty"`
	Calculation  string `json:"calculation,omitempty"`
}

// FilterType enumerates the VDS filter kinds from spec §3.
type FilterType string

const (
	FilterQuantitative FilterType = "QUANTITATIVE"
	FilterSet          FilterType = "SET"
	FilterCategorical  FilterType = "CATEGORICAL"
	FilterTop          FilterType = "TOP"
	FilterMatch        FilterType = "MATCH"
	FilterDate         FilterType = "DATE"
	FilterContext      FilterType = "CONTEXT"
)

// Filter is a single VDS filter. Not every attribute applies to every
// FilterType; TOP filters carry HowMany/Direction/FieldToMeasure, SET/
// CATEGORICAL filters carry Values, CONTEXT is a marker on an existing
// filter rather than a distinct shape.
type Filter struct {
	FieldCaption   string     `json:"fieldCaption,omitempty"`
	Calculation    string     `json:"calculation,omitempty"`
	FilterType     FilterType `json:"filterType"`
	Context        bool       `json:"context,omitempty"`
	Function       string     `json:"function,omitempty"`
	Values         []string   `json:"values,omitempty"`
	HowMany        int        `json:"howMany,omitempty"`
	Direction      string     `json:"direction,omitempty"`
	FieldToMeasure string     `json:"fieldToMeasure,omitempty"`
}

// QueryResult is the normalized response of an executed VDSQuery.
type QueryResult struct {
	Columns        []string
	Data           [][]any
	RowCount       int
	DimensionValues map[string][]string
}

// Metadata is the subset of a datasource's REST metadata the graph cares
// about: name/project/tags/certification for prompt context, plus columns
// for basic (non-enriched) schema validation.
type Metadata struct {
	ID            string
	Name          string
	Project       string
	Tags          []string
	Certified     bool
	Columns       []Column
}

// Column is a raw (non-enriched) field descriptor as returned by the
// metadata API or embedded in a VDS response's schema.
type Column struct {
	Name        string
	DataType    string
	ColumnClass string // MEASURE, COLUMN, BIN, GROUP
	Description string
	Formula     string
}

// FieldStats is the result of a small dedicated statistics VDS query run by
// the Schema Enricher. Client.FieldStatistics fills Min, Max, Median and
// Cardinality (COUNTD) for every field whatever its role; it does not fill
// ValueCounts or NullPercentage.
type FieldStats struct {
	Min            *float64
	Max            *float64
	Median         *float64
	Cardinality    *int
	ValueCounts    []ValueCountRow
	NullPercentage *float64
}

// ValueCountRow is one row of a dimension's top-N value histogram.
type ValueCountRow struct {
	Value string
	Count int
}
