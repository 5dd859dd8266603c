package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdsquery/agent/internal/tableau"
)

// stageFunc adapts a plain function to the Stage interface for tests.
type stageFunc func(ctx context.Context, s *State) (*State, error)

func (f stageFunc) Run(ctx context.Context, s *State) (*State, error) { return f(ctx, s) }

func passthrough(tag string) Stage {
	return stageFunc(func(_ context.Context, s *State) (*State, error) {
		next := s.Clone()
		next.AppendStep(ReasoningStep{Node: tag})
		return next, nil
	})
}

func newTestRuntime() *Runtime {
	return &Runtime{
		SchemaEnrich:  passthrough("schema_enrich"),
		QueryBuilder:  passthrough("build_query"),
		PreValidation: passthrough("pre_validation"),
		Validator: stageFunc(func(_ context.Context, s *State) (*State, error) {
			next := s.Clone()
			next.QueryDraft = &tableau.VDSQuery{}
			next.AppendStep(ReasoningStep{Node: "validate_query"})
			return next, nil
		}),
		Executor: stageFunc(func(_ context.Context, s *State) (*State, error) {
			next := s.Clone()
			next.AppendStep(ReasoningStep{Node: "execute_query"})
			return next, nil
		}),
		Summarizer: stageFunc(func(_ context.Context, s *State) (*State, error) {
			next := s.Clone()
			next.FinalAnswer = "the answer"
			next.AppendStep(ReasoningStep{Node: "summarize"})
			return next, nil
		}),
		ErrorHandler: stageFunc(func(_ context.Context, s *State) (*State, error) {
			next := s.Clone()
			next.FinalAnswer = "gave up"
			next.AppendStep(ReasoningStep{Node: "error_handler"})
			return next, nil
		}),
		MaxBuild: 3,
		MaxExec:  2,
	}
}

func TestRuntime_HappyPath(t *testing.T) {
	r := newTestRuntime()
	var emitted []string
	final, err := r.Run(context.Background(), &State{UserQuery: "q"}, func(s *State) {
		emitted = append(emitted, s.ReasoningSteps[len(s.ReasoningSteps)-1].Node)
	})

	require.NoError(t, err)
	assert.Equal(t, "the answer", final.FinalAnswer)
	assert.Equal(t, []string{"schema_enrich", "build_query", "pre_validation", "validate_query", "execute_query", "summarize"}, emitted)
}

func TestRuntime_SchemaEnrichErrorEscalatesDirectlyToErrorHandler(t *testing.T) {
	r := newTestRuntime()
	r.SchemaEnrich = stageFunc(func(_ context.Context, s *State) (*State, error) {
		next := s.Clone()
		next.Error = "no datasource"
		return next, nil
	})

	final, err := r.Run(context.Background(), &State{UserQuery: "q"}, nil)

	require.NoError(t, err)
	assert.Equal(t, "gave up", final.FinalAnswer)
}

func TestRuntime_BuildRetryExhaustionEscalates(t *testing.T) {
	r := newTestRuntime()
	r.Validator = stageFunc(func(_ context.Context, s *State) (*State, error) {
		next := s.Clone()
		next.ValidationErrors = []string{"always invalid"}
		next.BuildAttempt = s.BuildAttempt + 1
		return next, nil
	})

	var buildAttempts []int
	final, err := r.Run(context.Background(), &State{UserQuery: "q"}, func(s *State) {
		buildAttempts = append(buildAttempts, s.BuildAttempt)
	})

	require.NoError(t, err)
	assert.Equal(t, "gave up", final.FinalAnswer)
	assert.Equal(t, 3, final.BuildAttempt, "must stop exactly at MaxBuild, not beyond")
}

func TestRuntime_ExecutionRetryResetsBuildAttemptAndRebuild(t *testing.T) {
	r := newTestRuntime()
	execCalls := 0
	r.Executor = stageFunc(func(_ context.Context, s *State) (*State, error) {
		execCalls++
		next := s.Clone()
		if execCalls == 1 {
			next.Error = "transient failure"
			return next, nil
		}
		return next, nil
	})

	var buildAttempts []int
	r.QueryBuilder = stageFunc(func(_ context.Context, s *State) (*State, error) {
		next := s.Clone()
		buildAttempts = append(buildAttempts, s.BuildAttempt)
		return next, nil
	})

	final, err := r.Run(context.Background(), &State{UserQuery: "q"}, nil)

	require.NoError(t, err)
	assert.Equal(t, "the answer", final.FinalAnswer)
	assert.Equal(t, 2, execCalls)
	assert.Equal(t, []int{1, 1}, buildAttempts, "BuildAttempt must reset to 1 on re-entering build after an execution failure")
	assert.Equal(t, 2, final.ExecutionAttempt)
}

func TestRuntime_ExecutionRetryExhaustionEscalates(t *testing.T) {
	r := newTestRuntime()
	r.Executor = stageFunc(func(_ context.Context, s *State) (*State, error) {
		next := s.Clone()
		next.Error = "always fails"
		return next, nil
	})

	final, err := r.Run(context.Background(), &State{UserQuery: "q"}, nil)

	require.NoError(t, err)
	assert.Equal(t, "gave up", final.FinalAnswer)
	assert.Equal(t, 2, final.ExecutionAttempt)
}

func TestRuntime_PropagatesNodeError(t *testing.T) {
	r := newTestRuntime()
	r.QueryBuilder = stageFunc(func(_ context.Context, s *State) (*State, error) {
		return nil, errors.New("node panic-equivalent failure")
	})

	_, err := r.Run(context.Background(), &State{UserQuery: "q"}, nil)
	require.Error(t, err)
}
