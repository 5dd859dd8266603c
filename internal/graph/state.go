// Package graph wires the per-turn node pipeline — schema enrichment,
// query build, pre-validation rewrite, validation, execution, and
// summarization — into the VizQL Graph Runtime, with two independent retry
// budgets and the reset invariants spec'd for re-entering build after an
// execution failure.
package graph

import (
	"time"

	"github.com/vdsquery/agent/internal/schema"
	"github.com/vdsquery/agent/internal/tableau"
)

// Message is one prior turn of the conversation, carried forward so the
// Query Builder can reuse or extend a previous query draft.
type Message struct {
	Role         string
	Content      string
	QueryDraft   *tableau.VDSQuery
	QueryResults *tableau.QueryResult
}

// ReasoningStep is one append-only trace entry a node contributes while
// processing a turn, surfaced to the Streaming Gateway as `current_thought`
// chunks.
type ReasoningStep struct {
	Node             string
	Timestamp        time.Time
	Thought          string
	Action           string
	ToolCalls        []string
	BuildAttempt     int
	ExecutionAttempt int
	QueryDraft       *tableau.VDSQuery
	Error            string
}

// State is the VizQLGraphState: an immutable-through-transitions record each
// node receives and returns a new copy of. Node functions must not mutate a
// State in place — Clone() followed by field assignment is the idiom used
// throughout this package.
type State struct {
	UserQuery         string
	ContextDatasources []string
	Messages          []Message

	Schema         *tableau.Metadata
	EnrichedSchema *schema.EnrichedSchema

	QueryDraft   *tableau.VDSQuery
	QueryVersion int

	BuildAttempt     int
	ExecutionAttempt int

	ValidationErrors     []string
	ValidationSuggestions []string
	ExecutionErrors      []string

	QueryResults   *tableau.QueryResult
	ShownEntities  map[string][]string

	ReasoningSteps []ReasoningStep
	CurrentThought string
	StepMetadata   map[string]any

	PreValidationChanges []string

	FinalAnswer string
	Error       string
}

// Clone returns a shallow copy of s suitable as the basis for a node's
// returned state; slice/map fields a node intends to change must be
// reassigned, not mutated through the clone.
func (s *State) Clone() *State {
	clone := *s
	return &clone
}

// AppendStep appends a ReasoningStep and returns the same State for
// chaining inside a node's Run method.
func (s *State) AppendStep(step ReasoningStep) *State {
	s.ReasoningSteps = append(s.ReasoningSteps, step)
	return s
}

// ResetForRebuildAfterExecutionFailure implements the invariant from the
// graph runtime spec: re-entering build_query after an execution failure
// resets BuildAttempt to 1, increments ExecutionAttempt, and clears Error so
// the next validate_query pass doesn't fall through to error_handler on a
// stale error from the previous execution attempt.
func (s *State) ResetForRebuildAfterExecutionFailure() {
	s.BuildAttempt = 1
	s.ExecutionAttempt++
	s.Error = ""
}
