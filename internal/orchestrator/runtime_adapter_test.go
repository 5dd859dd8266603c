package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdsquery/agent/internal/graph"
	"github.com/vdsquery/agent/internal/tableau"
)

type stageFunc func(ctx context.Context, s *graph.State) (*graph.State, error)

func (f stageFunc) Run(ctx context.Context, s *graph.State) (*graph.State, error) { return f(ctx, s) }

func ok(tag string) graph.Stage {
	return stageFunc(func(_ context.Context, s *graph.State) (*graph.State, error) {
		next := s.Clone()
		next.AppendStep(graph.ReasoningStep{Node: tag})
		return next, nil
	})
}

func newTestGraphRuntime() *graph.Runtime {
	return &graph.Runtime{
		SchemaEnrich:  ok("schema_enrich"),
		QueryBuilder:  ok("build_query"),
		PreValidation: ok("pre_validation"),
		Validator: stageFunc(func(_ context.Context, s *graph.State) (*graph.State, error) {
			next := s.Clone()
			next.QueryDraft = &tableau.VDSQuery{}
			return next, nil
		}),
		Executor: ok("execute_query"),
		Summarizer: stageFunc(func(_ context.Context, s *graph.State) (*graph.State, error) {
			next := s.Clone()
			next.FinalAnswer = "42"
			return next, nil
		}),
		ErrorHandler: stageFunc(func(_ context.Context, s *graph.State) (*graph.State, error) {
			next := s.Clone()
			next.FinalAnswer = "gave up: " + next.Error
			return next, nil
		}),
		MaxBuild: 3,
		MaxExec:  2,
	}
}

func TestRuntimeRunner_SuccessReturnsFinalAnswer(t *testing.T) {
	var onStepCalls int
	r := &RuntimeRunner{
		Runtime: newTestGraphRuntime(),
		RunCtx: func(step PlanStep) *graph.RunContext {
			return &graph.RunContext{UserID: "u1"}
		},
		OnStep: func(step PlanStep, s *graph.State) { onStepCalls++ },
	}

	res, err := r.RunAgent(context.Background(), PlanStep{ID: "step_1", AgentID: "a1", Query: "q", Datasource: "ds1"})

	require.NoError(t, err)
	assert.Equal(t, "42", res.FinalAnswer)
	assert.Greater(t, onStepCalls, 0)
}

func TestRuntimeRunner_SchemaEnrichErrorBecomesFailure(t *testing.T) {
	rt := newTestGraphRuntime()
	rt.SchemaEnrich = stageFunc(func(_ context.Context, s *graph.State) (*graph.State, error) {
		next := s.Clone()
		next.Error = "no datasource"
		return next, nil
	})
	r := &RuntimeRunner{Runtime: rt}

	res, err := r.RunAgent(context.Background(), PlanStep{ID: "step_1"})

	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "no datasource")
}

func TestRuntimeRunner_BuildsInitialStateFromStep(t *testing.T) {
	var seenQuery string
	var seenDatasources []string
	rt := newTestGraphRuntime()
	rt.SchemaEnrich = stageFunc(func(_ context.Context, s *graph.State) (*graph.State, error) {
		seenQuery = s.UserQuery
		seenDatasources = s.ContextDatasources
		next := s.Clone()
		next.AppendStep(graph.ReasoningStep{Node: "schema_enrich"})
		return next, nil
	})
	r := &RuntimeRunner{Runtime: rt}

	_, err := r.RunAgent(context.Background(), PlanStep{ID: "step_1", Query: "how many sales?", Datasource: "ds7"})

	require.NoError(t, err)
	assert.Equal(t, "how many sales?", seenQuery)
	assert.Equal(t, []string{"ds7"}, seenDatasources)
}
