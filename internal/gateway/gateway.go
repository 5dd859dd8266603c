package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/vdsquery/agent/internal/graph"
	"github.com/vdsquery/agent/internal/orchestrator"
	"github.com/vdsquery/agent/internal/tableau"
	"github.com/vdsquery/agent/sse"
)

// Request is one turn's input to the gateway.
type Request struct {
	ConversationID string
	UserQuery      string
	Datasources    []string
	Messages       []graph.Message
	Model          string
	Provider       string
}

// Gateway wraps an orchestrator run and projects its State updates onto an
// sse.Writer as the typed chunk sequence from the SSE framing table:
// reasoning* metadata final_answer error? progress[DONE] when the
// orchestrator returns a result, or reasoning* metadata error progress[DONE]
// when it returns an error, guaranteeing the
// writer is always closed before Stream returns, including on client
// disconnect, cancellation, or an error path (§ Streaming Gateway).
type Gateway struct {
	Orchestrator *orchestrator.Orchestrator
	Runner       *orchestrator.RuntimeRunner
}

// streamState accumulates the cross-step bookkeeping a multi-agent run needs
// to emit a single, correctly-ordered chunk sequence even though steps may
// run concurrently: a globally monotonic reasoning step index, a dedup set
// keyed on (agent, node, build_attempt, execution_attempt), and the last-seen query draft for the
// metadata chunk.
type streamState struct {
	mu        sync.Mutex
	writer    *sse.Writer
	index     atomic.Int64
	seen      map[string]bool
	lastQuery *tableau.VDSQuery
}

// Stream runs req through the orchestrator and writes the resulting chunk
// sequence to w, returning once [DONE] has been sent (or an unrecoverable
// write error occurs). It always closes w before returning.
func (g *Gateway) Stream(ctx context.Context, w *sse.Writer, req Request) error {
	defer w.Close()

	st := &streamState{writer: w, seen: map[string]bool{}}

	if g.Runner != nil {
		g.Runner.OnStep = func(step orchestrator.PlanStep, s *graph.State) {
			st.emitReasoning(step.AgentID, s)
		}
	}

	result, err := g.Orchestrator.Execute(ctx, req.UserQuery, req.Datasources)

	st.emitMetadata()

	if err != nil {
		st.send(ChunkError, newErrorChunk(err.Error()))
		st.send(ChunkProgress, newDoneChunk())
		return w.Error()
	}

	final := result.FinalAnswer
	if final == "" {
		final = "No answer was produced for this request."
	}
	st.send(ChunkFinalAnswer, newFinalAnswerChunk(final))

	anyFailed := false
	for _, r := range result.StepResults {
		if r.Err != nil {
			anyFailed = true
		}
	}
	if anyFailed {
		st.send(ChunkError, newErrorChunk("one or more agent steps failed; see the final answer for details"))
	}

	st.send(ChunkProgress, newDoneChunk())
	return w.Error()
}

// emitReasoning projects one node's State update into a reasoning chunk,
// deduplicated on (agent, node, build_attempt, execution_attempt), so a
// stage re-entered with the same build_attempt after an execution failure
// still emits its step.
func (st *streamState) emitReasoning(agentLabel string, s *graph.State) {
	if len(s.ReasoningSteps) == 0 {
		return
	}
	step := s.ReasoningSteps[len(s.ReasoningSteps)-1]

	st.mu.Lock()
	key := agentLabel + "|" + step.Node + "|" + strconv.Itoa(step.BuildAttempt) + "|" + strconv.Itoa(step.ExecutionAttempt)
	if st.seen[key] {
		st.mu.Unlock()
		return
	}
	st.seen[key] = true
	if s.QueryDraft != nil {
		st.lastQuery = s.QueryDraft
	}
	st.mu.Unlock()

	idx := int(st.index.Add(1))
	stepName := step.Node
	if agentLabel != "" && agentLabel != "default" {
		stepName = agentLabel + ":" + step.Node
	}

	var metadata any
	if step.QueryDraft != nil || len(step.ToolCalls) > 0 {
		metadata = map[string]any{
			"query_draft": step.QueryDraft,
			"tool_calls":  step.ToolCalls,
		}
	}
	st.send(ChunkReasoning, newReasoningChunk(idx, stepName, step.Thought, metadata))
}

func (st *streamState) emitMetadata() {
	st.mu.Lock()
	q := st.lastQuery
	st.mu.Unlock()
	st.send(ChunkMetadata, newMetadataChunk(q))
}

func (st *streamState) send(eventType ChunkType, chunk Chunk) {
	body, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	_ = st.writer.Send(&sse.Message{Event: string(eventType), Data: body})
}

