package graph

import (
	"context"

	"github.com/vdsquery/agent/flow"
)

// Stage is the shape every Runtime node implements: a pure transition from
// one State to the next. It is flow.Node[*State, *State] spelled out locally
// so this package doesn't need to import flow's generic machinery just to
// name the type nodes satisfy.
type Stage = flow.Node[*State, *State]

// Runtime drives the VizQL graph's build/pre-validate/validate/execute/
// summarize cycle per §4.11. The control flow is hand-rolled rather than
// built on flow.Loop: Loop.Run re-invokes its node with the ORIGINAL input on
// every iteration, never the previous iteration's output, which can't carry
// a monotonically advancing BuildAttempt/ExecutionAttempt across retries.
// The graph is small enough that a plain nested loop over Stage.Run calls is
// clearer than forcing it through a generic combinator built for a different
// shape of problem.
type Runtime struct {
	SchemaEnrich        Stage
	QueryBuilder        Stage
	PreValidation       Stage
	Validator           Stage
	Executor            Stage
	Summarizer          Stage
	ErrorHandler        Stage

	MaxBuild int
	MaxExec  int
}

// isValid reports whether cur represents a validated, buildable query: no
// outstanding build/parse error and no semantic validation errors. Pure
// validation failures never set Error (see Validator), so this check is
// independent of it.
func isValid(cur *State) bool {
	return cur.Error == "" && len(cur.ValidationErrors) == 0 && cur.QueryDraft != nil
}

// Run executes one full turn: schema enrichment, then the build/validate
// retry loop, then the execute/summarize retry loop, falling through to the
// Error Handler whenever a budget is exhausted. onStep is invoked after every
// Stage transition with the freshly returned State, for the Streaming
// Gateway to project into SSE "current_thought" chunks; it may be nil.
func (r *Runtime) Run(ctx context.Context, initial *State, onStep func(*State)) (*State, error) {
	cur := initial
	if cur.BuildAttempt == 0 {
		cur.BuildAttempt = 1
	}
	if cur.ExecutionAttempt == 0 {
		cur.ExecutionAttempt = 1
	}

	emit := func(s *State) *State {
		if onStep != nil {
			onStep(s)
		}
		return s
	}

	next, err := r.SchemaEnrich.Run(ctx, cur)
	if err != nil {
		return nil, err
	}
	cur = emit(next)
	if cur.Error != "" {
		return r.runErrorHandler(ctx, cur, emit)
	}

	for {
		cur, err = r.runBuildValidateCycle(ctx, cur, emit)
		if err != nil {
			return nil, err
		}
		if cur.FinalAnswer != "" {
			// The build/validate cycle escalated straight to error_handler.
			return cur, nil
		}

		next, err = r.Executor.Run(ctx, cur)
		if err != nil {
			return nil, err
		}
		cur = emit(next)

		if cur.Error == "" {
			next, err = r.Summarizer.Run(ctx, cur)
			if err != nil {
				return nil, err
			}
			return emit(next), nil
		}

		if cur.ExecutionAttempt >= r.MaxExec {
			return r.runErrorHandler(ctx, cur, emit)
		}
		cur.ResetForRebuildAfterExecutionFailure()
	}
}

// runBuildValidateCycle runs build_query → pre_validation → validate_query,
// retrying build_query up to MaxBuild times on an invalid draft. It returns
// with a non-empty FinalAnswer if the budget is exhausted (having already run
// the Error Handler), or with a valid, ready-to-execute State otherwise.
func (r *Runtime) runBuildValidateCycle(ctx context.Context, cur *State, emit func(*State) *State) (*State, error) {
	for {
		next, err := r.QueryBuilder.Run(ctx, cur)
		if err != nil {
			return nil, err
		}
		cur = emit(next)

		next, err = r.PreValidation.Run(ctx, cur)
		if err != nil {
			return nil, err
		}
		cur = emit(next)

		next, err = r.Validator.Run(ctx, cur)
		if err != nil {
			return nil, err
		}
		cur = emit(next)

		if isValid(cur) {
			return cur, nil
		}
		if cur.BuildAttempt >= r.MaxBuild {
			final, err := r.runErrorHandler(ctx, cur, emit)
			if err != nil {
				return nil, err
			}
			return final, nil
		}
	}
}

func (r *Runtime) runErrorHandler(ctx context.Context, cur *State, emit func(*State) *State) (*State, error) {
	next, err := r.ErrorHandler.Run(ctx, cur)
	if err != nil {
		return nil, err
	}
	return emit(next), nil
}
