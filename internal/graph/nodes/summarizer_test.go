package nodes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdsquery/agent/internal/graph"
	"github.com/vdsquery/agent/internal/llm"
	"github.com/vdsquery/agent/internal/tableau"
)

func TestSummarizer_NoResults(t *testing.T) {
	s := &Summarizer{}
	next, err := s.Run(context.Background(), &graph.State{})
	require.NoError(t, err)
	assert.Equal(t, "No results were returned for this query.", next.FinalAnswer)
}

func TestSummarizer_ParsesContextFence(t *testing.T) {
	resp := &llm.ChatResponse{Content: "Sales were highest in the West region.\n---CONTEXT---\n" +
		`{"shown_entities": {"Region": ["West"]}}`}
	s := &Summarizer{LLM: &fakeLLM{resp: resp}}
	state := &graph.State{
		UserQuery: "which region sold the most?",
		QueryResults: &tableau.QueryResult{
			Columns: []string{"Region", "Sales"}, RowCount: 1,
			Data: [][]any{{"West", 100.0}},
		},
	}

	next, err := s.Run(context.Background(), state)

	require.NoError(t, err)
	assert.Equal(t, "Sales were highest in the West region.", next.FinalAnswer)
	assert.Equal(t, map[string][]string{"Region": {"West"}}, next.ShownEntities)
}

func TestSummarizer_MissingFenceFallsBackToDataExtraction(t *testing.T) {
	resp := &llm.ChatResponse{Content: "Sales were highest in the West region."}
	s := &Summarizer{LLM: &fakeLLM{resp: resp}}
	state := &graph.State{
		QueryResults: &tableau.QueryResult{
			Columns: []string{"Region", "Sales"}, RowCount: 1,
			Data: [][]any{{"West", 100.0}},
		},
	}

	next, err := s.Run(context.Background(), state)

	require.NoError(t, err)
	assert.Equal(t, "Sales were highest in the West region.", next.FinalAnswer)
	assert.Equal(t, map[string][]string{"Region": {"West"}}, next.ShownEntities)
}

func TestSummarizer_LLMErrorUsesFallbackSummary(t *testing.T) {
	s := &Summarizer{LLM: &fakeLLM{err: errors.New("rate limited")}}
	state := &graph.State{
		QueryResults: &tableau.QueryResult{Columns: []string{"Region"}, RowCount: 2, Data: [][]any{{"West"}, {"East"}}},
	}

	next, err := s.Run(context.Background(), state)

	require.NoError(t, err)
	assert.Contains(t, next.FinalAnswer, "2 rows")
	assert.Equal(t, map[string][]string{"Region": {"West", "East"}}, next.ShownEntities)
	require.Len(t, next.ReasoningSteps, 1)
	assert.Equal(t, "rate limited", next.ReasoningSteps[0].Error)
}

func TestSummarizer_LargeResultSkipsDataExtractionFallback(t *testing.T) {
	resp := &llm.ChatResponse{Content: "There are many rows."}
	s := &Summarizer{LLM: &fakeLLM{resp: resp}}

	rows := make([][]any, 150)
	for i := range rows {
		rows[i] = []any{"V"}
	}
	state := &graph.State{
		QueryResults: &tableau.QueryResult{Columns: []string{"Dim"}, RowCount: 150, Data: rows},
	}

	next, err := s.Run(context.Background(), state)

	require.NoError(t, err)
	assert.Nil(t, next.ShownEntities)
}
