// Package orchestrator implements the Multi-Agent Orchestrator: an
// LLM-planned DAG of per-agent VizQL graph runs, executed wave-by-wave with
// bounded concurrency and per-step panic isolation, fused into a single
// answer.
package orchestrator

import (
	"context"

	"github.com/vdsquery/agent/internal/graph"
)

// Mode is the orchestrator's routing decision between running the VizQL
// graph directly or planning a multi-step DAG across agents, per §4.12's
// meta-selector.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeMulti  Mode = "multi"
)

// PlanStep is one node of the orchestrator's planned DAG: a sub-query to run
// against a specific agent/datasource, gated on its dependencies completing
// first.
type PlanStep struct {
	ID         string   `json:"id"`
	AgentID    string   `json:"agent_id"`
	Datasource string   `json:"datasource"`
	Query      string   `json:"query"`
	DependsOn  []string `json:"depends_on"`
}

// Plan is the LLM-produced DAG of PlanSteps for a multi-agent run.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// AgentRunner runs a single step's query through its agent's VizQL graph.
// RuntimeRunner adapts a graph.Runtime to it; tests can stub it.
type AgentRunner interface {
	RunAgent(ctx context.Context, step PlanStep) (*AgentResult, error)
}

// AgentResult is one step's outcome: the final natural-language answer and
// the reasoning trace that produced it, so the gateway can still stream
// per-step thoughts during a multi-agent run.
type AgentResult struct {
	Step           PlanStep
	FinalAnswer    string
	ReasoningSteps []graph.ReasoningStep
	Err            error
}

// Result is the orchestrator's overall outcome for a request.
type Result struct {
	Mode        Mode
	Plan        *Plan
	StepResults []*AgentResult
	FinalAnswer string
}
