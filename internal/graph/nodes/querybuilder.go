package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	vdscontext "github.com/vdsquery/agent/internal/context"
	"github.com/vdsquery/agent/internal/errs"
	"github.com/vdsquery/agent/internal/graph"
	"github.com/vdsquery/agent/internal/llm"
	"github.com/vdsquery/agent/internal/tableau"
)

// similarityCues are the linguistic markers the original query builder uses
// to decide a follow-up question is referencing the prior turn's query
// rather than starting a fresh one (query_builder.py's cue list).
var similarityCues = []string{"break", "break down", "break it down", "by", "for each", "those", "that", "it", "them", "group"}

const priorQuerySimilarityThreshold = 0.8

// maxToolCallsPerBuild bounds how many tool round-trips the Query Builder
// will take before it must finalize (or reject) a draft from whatever the
// model has said so far, per the original query builder's tool-call budget.
const maxToolCallsPerBuild = 3

// QueryBuilder calls the LLM Facade for a VDS query draft, reusing a prior
// turn's draft on a highly similar or linguistically-cued follow-up.
type QueryBuilder struct {
	LLM         llm.Client
	Compressor  *vdscontext.Compressor
	Model       string
	Provider    string
	Temperature float64
}

// Run implements flow.Node[*graph.State, *graph.State].
func (n *QueryBuilder) Run(ctx context.Context, state *graph.State) (*graph.State, error) {
	next := state.Clone()

	if draft, ok := n.reusePriorQuery(state); ok {
		next.QueryDraft = draft
		next.QueryVersion = state.QueryVersion + 1
		next.AppendStep(graph.ReasoningStep{
			Node: "build_query", Timestamp: time.Now(),
			Thought: "reused a prior turn's query for this follow-up", Action: "reuse_prior_query",
			BuildAttempt: state.BuildAttempt, QueryDraft: draft,
		})
		return next, nil
	}

	messages := n.buildMessages(state)
	opts := llm.ChatOptions{Model: n.Model, Provider: n.Provider, Temperature: n.Temperature, Tools: llm.QueryBuilderTools()}
	resp, err := n.LLM.Chat(ctx, messages, opts)
	if err != nil {
		return n.rejectBuild(next, state, fmt.Sprintf("llm call failed: %v", err)), nil
	}

	for call := 0; resp.FunctionCall != nil && call < maxToolCallsPerBuild; call++ {
		result := n.callTool(state, resp.FunctionCall)
		callID := resp.FunctionCall.ID
		if callID == "" {
			callID = fmt.Sprintf("call_%d", call)
		}
		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content, FunctionCall: resp.FunctionCall},
			llm.Message{Role: "tool", ToolCallID: callID, Content: result},
		)
		next.AppendStep(graph.ReasoningStep{
			Node: "build_query", Timestamp: time.Now(),
			Thought: fmt.Sprintf("called tool %s", resp.FunctionCall.Name), Action: "tool_call",
			BuildAttempt: state.BuildAttempt,
		})

		resp, err = n.LLM.Chat(ctx, messages, opts)
		if err != nil {
			return n.rejectBuild(next, state, fmt.Sprintf("llm call failed: %v", err)), nil
		}
	}

	draft, err := parseQueryDraft(resp.Content)
	if err != nil {
		return n.rejectBuild(next, state, err.Error()), nil
	}
	if len(draft.Query.Fields) == 0 {
		return n.rejectBuild(next, state, "query draft has no fields"), nil
	}

	applyDefaults(draft, state)

	next.QueryDraft = draft
	next.QueryVersion = state.QueryVersion + 1
	next.BuildAttempt = state.BuildAttempt
	next.AppendStep(graph.ReasoningStep{
		Node: "build_query", Timestamp: time.Now(),
		Thought: "built a new query draft from the compressed context", Action: "build_query",
		BuildAttempt: state.BuildAttempt, QueryDraft: draft,
	})
	if next.StepMetadata == nil {
		next.StepMetadata = map[string]any{}
	}
	next.StepMetadata["query_draft"] = draft
	return next, nil
}

// callTool dispatches a model-issued tool call to its handler, returning the
// tool's result serialized as the JSON string fed back as the "tool" role
// message content. Grounded on _create_tool_functions in the original query
// builder: on-demand schema/metadata lookup plus prior-query reuse, so the
// model only pulls context it actually needs into its window.
func (n *QueryBuilder) callTool(state *graph.State, call *llm.FunctionCall) string {
	switch call.Name {
	case "get_datasource_schema":
		return n.toolGetDatasourceSchema(state)
	case "get_datasource_metadata":
		return n.toolGetDatasourceMetadata(state)
	case "get_prior_query":
		return n.toolGetPriorQuery(state, call.Arguments)
	default:
		return fmt.Sprintf(`{"error":"unknown tool %q"}`, call.Name)
	}
}

type schemaFieldSummary struct {
	Caption  string `json:"caption"`
	Role     string `json:"role"`
	DataType string `json:"data_type"`
}

func (n *QueryBuilder) toolGetDatasourceSchema(state *graph.State) string {
	if state.EnrichedSchema == nil {
		return `{"error":"no enriched schema available for this datasource"}`
	}
	fields := make([]schemaFieldSummary, 0, len(state.EnrichedSchema.Fields))
	for _, f := range state.EnrichedSchema.Fields {
		fields = append(fields, schemaFieldSummary{Caption: f.Caption, Role: string(f.Role), DataType: string(f.DataType)})
	}
	out, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return `{"error":"failed to serialize schema"}`
	}
	return string(out)
}

func (n *QueryBuilder) toolGetDatasourceMetadata(state *graph.State) string {
	if state.Schema == nil {
		return `{"error":"no datasource metadata available"}`
	}
	out, err := json.Marshal(map[string]any{
		"name":      state.Schema.Name,
		"project":   state.Schema.Project,
		"tags":      state.Schema.Tags,
		"certified": state.Schema.Certified,
	})
	if err != nil {
		return `{"error":"failed to serialize metadata"}`
	}
	return string(out)
}

func (n *QueryBuilder) toolGetPriorQuery(state *graph.State, rawArgs string) string {
	var args getPriorQueryArgsPayload
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		return `{"error":"invalid arguments"}`
	}

	match, score := bestMatchingPriorQuery(state.Messages, args.Phrase)
	if match == nil || score < priorQuerySimilarityThreshold {
		return `{"match":null}`
	}
	out, err := json.Marshal(map[string]any{"match": match, "score": score})
	if err != nil {
		return `{"error":"failed to serialize prior query"}`
	}
	return string(out)
}

// getPriorQueryArgsPayload mirrors llm.getPriorQueryArgs's wire shape; kept
// private to this package since only the dispatcher needs to decode it.
type getPriorQueryArgsPayload struct {
	Phrase string `json:"phrase"`
}

// bestMatchingPriorQuery scans every assistant message in the conversation
// that carries a query draft and returns the one whose originating user
// phrasing is most similar to phrase.
func bestMatchingPriorQuery(messages []graph.Message, phrase string) (*tableau.VDSQuery, float64) {
	lowerPhrase := strings.ToLower(phrase)
	var best *tableau.VDSQuery
	bestScore := 0.0
	for i, m := range messages {
		if m.Role != "assistant" || m.QueryDraft == nil {
			continue
		}
		prompt := ""
		for j := i - 1; j >= 0; j-- {
			if messages[j].Role == "user" {
				prompt = messages[j].Content
				break
			}
		}
		score := stringSimilarity(lowerPhrase, strings.ToLower(prompt))
		if score > bestScore {
			bestScore = score
			best = m.QueryDraft
		}
	}
	return best, bestScore
}

func (n *QueryBuilder) rejectBuild(next, state *graph.State, reason string) *graph.State {
	next.BuildAttempt = state.BuildAttempt + 1
	next.Error = reason
	// Clear any stale draft from a prior attempt so downstream nodes see a
	// clean "no draft" condition instead of re-validating old data.
	next.QueryDraft = nil
	next.AppendStep(graph.ReasoningStep{
		Node: "build_query", Timestamp: time.Now(), Thought: "build failed", Action: "build_query",
		BuildAttempt: state.BuildAttempt, Error: reason,
	})
	return next
}

// reusePriorQuery reuses the most recent assistant message's query draft
// when the user's phrasing is highly similar to the previous user message or
// carries one of the linguistic follow-up cues. The returned copy carries the
// prior draft's field list unchanged; no fields are added from the prior
// message's results.
func (n *QueryBuilder) reusePriorQuery(state *graph.State) (*tableau.VDSQuery, bool) {
	prior := lastAssistantQuery(state.Messages)
	if prior == nil {
		return nil, false
	}
	lower := strings.ToLower(state.UserQuery)
	cued := false
	for _, cue := range similarityCues {
		if strings.Contains(lower, cue) {
			cued = true
			break
		}
	}
	if !cued && stringSimilarity(lower, strings.ToLower(lastUserMessage(state.Messages))) < priorQuerySimilarityThreshold {
		return nil, false
	}

	reused := *prior
	reused.Query.Fields = append([]tableau.Field(nil), prior.Query.Fields...)
	return &reused, true
}

func lastAssistantQuery(messages []graph.Message) *tableau.VDSQuery {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" && messages[i].QueryDraft != nil {
			return messages[i].QueryDraft
		}
	}
	return nil
}

func lastUserMessage(messages []graph.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func (n *QueryBuilder) buildMessages(state *graph.State) []llm.Message {
	system := llm.Message{Role: "system", Content: n.buildSystemPrompt(state)}
	out := []llm.Message{system}
	for _, m := range state.Messages {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	if state.BuildAttempt > 1 {
		out = append(out, llm.Message{
			Role:    "user",
			Content: fmt.Sprintf("The previous attempt failed: %s. Please produce a corrected query.", state.Error),
		})
	}
	out = append(out, llm.Message{Role: "user", Content: state.UserQuery})
	return out
}

func (n *QueryBuilder) buildSystemPrompt(state *graph.State) string {
	var b strings.Builder
	b.WriteString("You build a single VDS query as a JSON object matching the VDSQuery schema. ")
	b.WriteString("Respond with JSON only, optionally inside a code fence.\n\n")
	if n.Compressor != nil && state.EnrichedSchema != nil {
		b.WriteString(n.Compressor.Compress(state.EnrichedSchema, state.UserQuery, nil))
	}
	return b.String()
}

// parseQueryDraft extracts the first balanced JSON object (or array) from
// the model's response, tolerant of surrounding prose and markdown fences.
func parseQueryDraft(content string) (*tableau.VDSQuery, error) {
	raw := extractBalancedJSON(content)
	if raw == "" {
		return nil, errs.New(errs.BuildError, "no JSON object found in model response", nil)
	}
	var draft tableau.VDSQuery
	if err := json.Unmarshal([]byte(raw), &draft); err != nil {
		return nil, errs.Wrap(errs.BuildError, err, "failed to parse query draft JSON")
	}
	return &draft, nil
}

// extractBalancedJSON strips markdown code fences, then scans for the first
// balanced {...}; failing that, the first balanced [...], matching the
// three-stage fallback in the original query builder's JSON extraction.
func extractBalancedJSON(content string) string {
	stripped := stripCodeFences(content)
	if obj := scanBalanced(stripped, '{', '}'); obj != "" {
		return obj
	}
	return scanBalanced(stripped, '[', ']')
}

func stripCodeFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "```")
	parts := strings.Split(s, "```")
	if len(parts) >= 3 {
		return parts[1]
	}
	return s
}

func scanBalanced(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
			// inside a string literal, braces/brackets don't count
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func applyDefaults(draft *tableau.VDSQuery, state *graph.State) {
	if draft.Datasource.DatasourceLuid == "" && len(state.ContextDatasources) > 0 {
		draft.Datasource.DatasourceLuid = state.ContextDatasources[0]
	}
	if draft.Query.Fields == nil {
		draft.Query.Fields = []tableau.Field{}
	}
	draft.Options.ReturnFormat = "OBJECTS"
}

// stringSimilarity is a cheap normalized-overlap metric (token Jaccard),
// standing in for the original's difflib-based ratio, used only for the
// ≥0.8 prior-query reuse threshold.
func stringSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	aTokens := tokenSet(a)
	bTokens := tokenSet(b)
	if len(aTokens) == 0 || len(bTokens) == 0 {
		return 0
	}
	intersection := 0
	for t := range aTokens {
		if bTokens[t] {
			intersection++
		}
	}
	union := len(aTokens) + len(bTokens) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		out[tok] = true
	}
	return out
}
