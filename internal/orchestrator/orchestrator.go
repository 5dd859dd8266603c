package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/vdsquery/agent/flow"
	"github.com/vdsquery/agent/internal/llm"
	"github.com/vdsquery/agent/pkg/safe"
)

// maxWaveConcurrency bounds how many plan steps run at once within a single
// wave, independent of how many steps the wave contains.
const maxWaveConcurrency = 8

// Orchestrator selects between running the VizQL graph directly and
// planning a multi-agent DAG, per §4.12. AgentRunner is the concrete
// single-agent executor (usually a *graph.Runtime-backed adapter); LLM backs
// both the meta-selector and the planner calls.
type Orchestrator struct {
	Runner      AgentRunner
	LLM         llm.Client
	Model       string
	Provider    string
	Temperature float64
}

// Execute runs query against datasources, selecting single- or multi-agent
// mode via the meta-selector, per §4.12.
func (o *Orchestrator) Execute(ctx context.Context, query string, datasources []string) (*Result, error) {
	mode, err := o.selectMode(ctx, query, datasources)
	if err != nil {
		mode = ModeSingle
	}

	if mode == ModeSingle {
		ds := ""
		if len(datasources) > 0 {
			ds = datasources[0]
		}
		step := PlanStep{ID: "step_1", AgentID: "default", Datasource: ds, Query: query}
		res := o.runStep(ctx, step)
		return &Result{Mode: ModeSingle, StepResults: []*AgentResult{res}, FinalAnswer: res.FinalAnswer}, res.Err
	}

	plan, err := o.plan(ctx, query, datasources)
	if err != nil || len(plan.Steps) == 0 {
		step := PlanStep{ID: "step_1", AgentID: "default", Query: query}
		if len(datasources) > 0 {
			step.Datasource = datasources[0]
		}
		res := o.runStep(ctx, step)
		return &Result{Mode: ModeSingle, StepResults: []*AgentResult{res}, FinalAnswer: res.FinalAnswer}, res.Err
	}

	results := o.executePlan(ctx, plan)
	return &Result{Mode: ModeMulti, Plan: plan, StepResults: results, FinalAnswer: fuse(plan, results)}, nil
}

// selectMode calls the meta-selector LLM to classify the request, per §4.12:
// "multi-agent is chosen if the query needs both query + summarize, or
// unions results from multiple datasources." A request with at most one
// datasource always short-circuits to single-agent without a model call.
func (o *Orchestrator) selectMode(ctx context.Context, query string, datasources []string) (Mode, error) {
	if len(datasources) <= 1 {
		return ModeSingle, nil
	}

	messages := []llm.Message{
		{Role: "system", Content: "You classify whether a user's analytical question requires coordinating multiple independent sub-queries (e.g. across several datasources, or combining a query step with a separate summarization step) or can be answered by a single query. Respond with JSON: {\"mode\": \"single\"|\"multi\"}."},
		{Role: "user", Content: fmt.Sprintf("Question: %s\nAvailable datasources: %s", query, strings.Join(datasources, ", "))},
	}
	resp, err := o.LLM.Chat(ctx, messages, llm.ChatOptions{Model: o.Model, Provider: o.Provider, Temperature: o.Temperature})
	if err != nil {
		return ModeSingle, err
	}

	var decision struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &decision); err != nil {
		return ModeSingle, err
	}
	if decision.Mode == "multi" {
		return ModeMulti, nil
	}
	return ModeSingle, nil
}

// plan calls the LLM Facade for a JSON array of steps with depends_on, per
// §4.12.
func (o *Orchestrator) plan(ctx context.Context, query string, datasources []string) (*Plan, error) {
	messages := []llm.Message{
		{Role: "system", Content: "You break a user's analytical question into a small DAG of sub-queries, one per step, each assigned to the datasource best suited to answer it. Respond with JSON: {\"steps\": [{\"id\": \"step_1\", \"agent_id\": \"...\", \"datasource\": \"...\", \"query\": \"...\", \"depends_on\": []}]}. depends_on lists the ids of steps that must finish first."},
		{Role: "user", Content: fmt.Sprintf("Question: %s\nAvailable datasources: %s", query, strings.Join(datasources, ", "))},
	}
	resp, err := o.LLM.Chat(ctx, messages, llm.ChatOptions{Model: o.Model, Provider: o.Provider, Temperature: o.Temperature})
	if err != nil {
		return nil, err
	}
	var plan Plan
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// executePlan runs plan's steps wave by wave: every step whose dependencies
// have all completed runs concurrently with the rest of its wave, bounded by
// maxWaveConcurrency. If a wave makes no progress while steps remain
// (a dependency cycle), the remainder is linearized — run one at a time,
// dependency order ignored — rather than deadlocking, per §4.12.
func (o *Orchestrator) executePlan(ctx context.Context, plan *Plan) []*AgentResult {
	remaining := append([]PlanStep(nil), plan.Steps...)
	completed := map[string]bool{}
	var results []*AgentResult

	for len(remaining) > 0 {
		var ready, notReady []PlanStep
		for _, step := range remaining {
			if dependenciesSatisfied(step, completed) {
				ready = append(ready, step)
			} else {
				notReady = append(notReady, step)
			}
		}
		if len(ready) == 0 {
			// Hard cycle: nothing in this wave is runnable. Linearize the
			// remainder in plan order, ignoring depends_on.
			for _, step := range notReady {
				results = append(results, o.runStepRecovered(ctx, step))
			}
			break
		}

		for _, res := range o.runWave(ctx, ready) {
			results = append(results, res)
			completed[res.Step.ID] = true
		}

		remaining = notReady
	}
	return results
}

// runWave runs steps concurrently, chunked into batches of at most
// maxWaveConcurrency so a wide wave can't spawn unbounded goroutines. Each
// batch is a flow.Parallel over one Processor per step: the same input
// (struct{}{}, every step's real input is already closed over) fanned out
// to every processor and collected once all finish, mirroring the fan-out
// shape flow.Parallel was built for.
func (o *Orchestrator) runWave(ctx context.Context, steps []PlanStep) []*AgentResult {
	var results []*AgentResult
	for start := 0; start < len(steps); start += maxWaveConcurrency {
		end := min(start+maxWaveConcurrency, len(steps))
		results = append(results, o.runBatch(ctx, steps[start:end])...)
	}
	return results
}

func (o *Orchestrator) runBatch(ctx context.Context, batch []PlanStep) []*AgentResult {
	nodes := make([]flow.Node[struct{}, any], len(batch))
	for i, step := range batch {
		step := step
		nodes[i] = flow.Processor[struct{}, any](func(ctx context.Context, _ struct{}) (any, error) {
			return o.runStepRecovered(ctx, step), nil
		})
	}

	par, err := flow.NewParallel(&flow.ParallelConfig[struct{}, []*AgentResult]{
		Nodes:           nodes,
		ContinueOnError: true,
		Aggregator: func(_ context.Context, outputs []any) ([]*AgentResult, error) {
			out := make([]*AgentResult, 0, len(outputs))
			for _, output := range outputs {
				out = append(out, output.(*AgentResult))
			}
			return out, nil
		},
	})
	if err != nil {
		// Only reachable if batch is empty, which callers never pass.
		return nil
	}

	results, err := par.Run(ctx, struct{}{})
	if err != nil {
		// Every processor above always returns a nil error (failures are
		// carried as AgentResult.Err instead), so this only fires if the
		// context was cancelled before every result came back.
		return nil
	}
	return results
}

func dependenciesSatisfied(step PlanStep, completed map[string]bool) bool {
	for _, dep := range step.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// runStepRecovered wraps runStep so a panicking agent run surfaces as a
// failed AgentResult instead of taking down the whole orchestrator wave.
func (o *Orchestrator) runStepRecovered(ctx context.Context, step PlanStep) (result *AgentResult) {
	defer func() {
		if r := recover(); r != nil {
			result = &AgentResult{Step: step, Err: safe.NewPanicError(r, debug.Stack())}
		}
	}()
	return o.runStep(ctx, step)
}

func (o *Orchestrator) runStep(ctx context.Context, step PlanStep) *AgentResult {
	res, err := o.Runner.RunAgent(ctx, step)
	if err != nil {
		if res == nil {
			res = &AgentResult{Step: step}
		}
		res.Err = err
		return res
	}
	return res
}

// fuse concatenates step results with per-agent headers when more than one
// step ran; a single-step plan's answer is returned verbatim, per §4.12.
func fuse(plan *Plan, results []*AgentResult) string {
	if len(plan.Steps) <= 1 && len(results) == 1 {
		return results[0].FinalAnswer
	}

	byID := make(map[string]*AgentResult, len(results))
	for _, r := range results {
		byID[r.Step.ID] = r
	}

	var b strings.Builder
	for _, step := range plan.Steps {
		r, ok := byID[step.ID]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "## %s\n", step.AgentID)
		if r.Err != nil {
			fmt.Fprintf(&b, "(failed: %v)\n\n", r.Err)
			continue
		}
		fmt.Fprintf(&b, "%s\n\n", r.FinalAnswer)
	}
	return strings.TrimSpace(b.String())
}

// extractJSON strips markdown code fences and returns the first balanced
// {...} found in content, falling back to the raw trimmed content when no
// fence or brace is present. Mirrors the Query Builder Node's own JSON
// extraction for the same reason: models routinely wrap JSON in prose or
// code fences despite being asked not to.
func extractJSON(content string) string {
	s := strings.ReplaceAll(content, "```json", "```")
	if parts := strings.Split(s, "```"); len(parts) >= 3 {
		s = parts[1]
	}
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return strings.TrimSpace(s)
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
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return strings.TrimSpace(s)
}
