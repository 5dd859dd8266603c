package orchestrator

import (
	"context"
	"fmt"

	"github.com/vdsquery/agent/internal/graph"
)

// RuntimeRunner adapts a graph.Runtime into an AgentRunner, running each
// plan step as an independent, single-turn VizQL graph invocation. RunCtx is
// called once per step to build that step's RunContext (BI client, LLM
// client, deadline) since a multi-agent run may fan a single request out
// across several datasources/clients.
type RuntimeRunner struct {
	Runtime *graph.Runtime
	RunCtx  func(step PlanStep) *graph.RunContext
	OnStep  func(step PlanStep, s *graph.State)
}

// RunAgent implements AgentRunner.
func (r *RuntimeRunner) RunAgent(ctx context.Context, step PlanStep) (*AgentResult, error) {
	initial := &graph.State{
		UserQuery:         step.Query,
		ContextDatasources: []string{step.Datasource},
		BuildAttempt:      1,
		ExecutionAttempt:  1,
	}

	runCtx := ctx
	if r.RunCtx != nil {
		runCtx = graph.WithRunContext(ctx, r.RunCtx(step))
	}

	final, err := r.Runtime.Run(runCtx, initial, func(s *graph.State) {
		if r.OnStep != nil {
			r.OnStep(step, s)
		}
	})
	if err != nil {
		return &AgentResult{Step: step, Err: err}, err
	}
	if final.Error != "" && final.FinalAnswer == "" {
		return &AgentResult{Step: step, Err: fmt.Errorf("%s", final.Error)}, nil
	}
	return &AgentResult{Step: step, FinalAnswer: final.FinalAnswer, ReasoningSteps: final.ReasoningSteps}, nil
}
