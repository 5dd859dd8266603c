package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vdsquery/agent/internal/graph"
	"github.com/vdsquery/agent/internal/llm"
	"github.com/vdsquery/agent/internal/tableau"
)

// contextFence delimits the natural-language answer from the machine-
// readable shown-entities block in the summarizer's prompt contract.
const contextFence = "---CONTEXT---"

// shownEntitiesPreviewRows is the row count below which the Summarizer falls
// back to scanning all result rows directly for dimension distinct values
// when the model's ---CONTEXT--- fence is missing, unparsable or empty, per
// §4.9's <100-row fallback; larger results get no such fallback.
const shownEntitiesPreviewRows = 100

// resultPreviewRows bounds how many rows are rendered into the LLM prompt,
// independent of shownEntitiesPreviewRows.
const resultPreviewRows = 20

// Summarizer calls the LLM Facade with the executed query and a preview of
// its result table, producing a natural-language answer plus a
// shown_entities map used to ground follow-up turns.
type Summarizer struct {
	LLM         llm.Client
	Model       string
	Provider    string
	Temperature float64
}

// Run implements flow.Node[*graph.State, *graph.State].
func (s *Summarizer) Run(ctx context.Context, state *graph.State) (*graph.State, error) {
	next := state.Clone()

	if next.QueryResults == nil {
		next.FinalAnswer = "No results were returned for this query."
		next.AppendStep(graph.ReasoningStep{
			Node: "summarize", Timestamp: time.Now(),
			Thought: "no query results to summarize", Action: "summarize",
		})
		return next, nil
	}

	messages := []llm.Message{
		{Role: "system", Content: s.systemPrompt()},
		{Role: "user", Content: s.userPrompt(state)},
	}

	resp, err := s.LLM.Chat(ctx, messages, llm.ChatOptions{
		Model: s.Model, Provider: s.Provider, Temperature: s.Temperature,
	})
	if err != nil {
		next.FinalAnswer = fallbackSummary(next.QueryResults)
		next.ShownEntities = extractShownEntitiesFromData(next.QueryResults)
		next.AppendStep(graph.ReasoningStep{
			Node: "summarize", Timestamp: time.Now(),
			Thought: fmt.Sprintf("summarizer LLM call failed, used fallback summary: %v", err),
			Action:  "summarize", Error: err.Error(),
		})
		return next, nil
	}

	answer, shown := parseSummaryResponse(resp.Content)
	next.FinalAnswer = answer
	if len(shown) == 0 && next.QueryResults.RowCount < shownEntitiesPreviewRows {
		shown = extractShownEntitiesFromData(next.QueryResults)
	}
	next.ShownEntities = shown

	next.AppendStep(graph.ReasoningStep{
		Node: "summarize", Timestamp: time.Now(),
		Thought: "produced a natural-language summary of the query results", Action: "summarize",
	})
	return next, nil
}

func (s *Summarizer) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You answer questions about query results in clear natural language.\n")
	b.WriteString("Respond with the natural-language answer first.\n")
	b.WriteString("Then, on its own line, write ")
	b.WriteString(contextFence)
	b.WriteString(" followed by a JSON object of the shape ")
	b.WriteString(`{"shown_entities": {"<dimension caption>": ["<value>", ...]}}`)
	b.WriteString(" listing the distinct dimension values your answer references, so follow-up questions can refer to them.\n")
	return b.String()
}

func (s *Summarizer) userPrompt(state *graph.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", state.UserQuery)
	if state.QueryDraft != nil {
		if body, err := json.Marshal(state.QueryDraft); err == nil {
			fmt.Fprintf(&b, "Query:\n%s\n\n", body)
		}
	}
	b.WriteString("Result preview:\n")
	b.WriteString(previewTable(state.QueryResults, resultPreviewRows))
	return b.String()
}

// previewTable renders up to limit rows of a QueryResult as a simple
// delimited table for the prompt.
func previewTable(result *tableau.QueryResult, limit int) string {
	if result == nil {
		return "(no results)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "columns: %s\n", strings.Join(result.Columns, " | "))
	fmt.Fprintf(&b, "row_count: %d\n", result.RowCount)
	n := len(result.Data)
	if n > limit {
		n = limit
	}
	for i := 0; i < n; i++ {
		parts := make([]string, len(result.Data[i]))
		for j, v := range result.Data[i] {
			parts[j] = fmt.Sprintf("%v", v)
		}
		fmt.Fprintf(&b, "%s\n", strings.Join(parts, " | "))
	}
	if result.RowCount > n {
		fmt.Fprintf(&b, "... %d more rows omitted\n", result.RowCount-n)
	}
	return b.String()
}

// parseSummaryResponse splits the model's answer from its ---CONTEXT---
// fence, per §4.9. A missing or malformed fence is not an error: the answer
// text is still used, shown entities are simply left empty for the caller to
// fall back on extractShownEntitiesFromData.
func parseSummaryResponse(content string) (answer string, shown map[string][]string) {
	idx := strings.Index(content, contextFence)
	if idx < 0 {
		return strings.TrimSpace(content), nil
	}
	answer = strings.TrimSpace(content[:idx])
	rest := strings.TrimSpace(content[idx+len(contextFence):])
	rest = stripCodeFences(rest)

	var payload struct {
		ShownEntities map[string][]string `json:"shown_entities"`
	}
	if err := json.Unmarshal([]byte(rest), &payload); err != nil {
		return answer, nil
	}
	return answer, payload.ShownEntities
}

// extractShownEntitiesFromData pulls distinct values per dimension-like
// column directly from the result rows, used when the data payload is small
// enough (§4.9) or the model didn't produce a usable context fence. It
// treats any column holding at least one non-numeric value as a dimension.
func extractShownEntitiesFromData(result *tableau.QueryResult) map[string][]string {
	if result == nil || len(result.Data) == 0 {
		return nil
	}
	shown := map[string][]string{}
	for colIdx, col := range result.Columns {
		seen := map[string]bool{}
		var values []string
		for _, row := range result.Data {
			if colIdx >= len(row) {
				continue
			}
			s, ok := row[colIdx].(string)
			if !ok || s == "" || seen[s] {
				continue
			}
			seen[s] = true
			values = append(values, s)
		}
		if len(values) > 0 {
			shown[col] = values
		}
	}
	if len(shown) == 0 {
		return nil
	}
	return shown
}

func fallbackSummary(result *tableau.QueryResult) string {
	if result == nil {
		return "No results were returned for this query."
	}
	return fmt.Sprintf("Retrieved %d rows across %d columns.", result.RowCount, len(result.Columns))
}
