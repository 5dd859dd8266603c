package llm

import (
	pkgjson "github.com/vdsquery/agent/pkg/json"
)

// getDatasourceSchemaArgs carries no fields; the Query Builder Node always
// resolves the schema from its own runtime state, but the tool still needs a
// (possibly empty) parameters object for the function-calling contract.
type getDatasourceSchemaArgs struct{}

// getDatasourceMetadataArgs is likewise parameterless.
type getDatasourceMetadataArgs struct{}

// getPriorQueryArgs carries the natural-language phrase the model wants
// matched against the conversation's prior VDSQuery drafts.
type getPriorQueryArgs struct {
	Phrase string `json:"phrase" jsonschema:"required,description=the phrase to match against prior queries in this conversation"`
}

// QueryBuilderTools returns the three tool definitions the Query Builder
// Node exposes to the model: on-demand schema/metadata lookup and
// prior-query reuse, grounded on _create_tool_functions in the
// teacher-adjacent original query builder.
func QueryBuilderTools() []ToolDefinition {
	return []ToolDefinition{
		mustTool("get_datasource_schema", "Return the enriched field schema (captions, types, roles, sample values) for the active datasource.", getDatasourceSchemaArgs{}),
		mustTool("get_datasource_metadata", "Return datasource metadata: name, project, certification status, and tags.", getDatasourceMetadataArgs{}),
		mustTool("get_prior_query", "Look up a previously built VDS query in this conversation that closely matches the given phrase, for reuse on follow-up questions like 'break that down by region'.", getPriorQueryArgs{}),
	}
}

func mustTool(name, description string, argsShape any) ToolDefinition {
	schema, err := pkgjson.MapDefSchemaOf(argsShape)
	if err != nil {
		// argsShape is always one of this file's own static struct literals;
		// a failure here means a tool definition itself is malformed.
		panic("llm: invalid tool argument shape for " + name + ": " + err.Error())
	}
	return ToolDefinition{Name: name, Description: description, Parameters: schema}
}
