// Package gateway is the Streaming Gateway: it wraps a VizQL graph/
// orchestrator run, projects each State update into the typed SSE chunk
// sequence the wire protocol requires, and owns the BI-client and writer
// lifetime for the duration of one request.
package gateway

import (
	"time"

	"github.com/vdsquery/agent/internal/tableau"
)

// ChunkType enumerates the SSE event types this gateway emits, per the SSE
// framing table: each event is `event: <type>\ndata: <json>\n\n`.
type ChunkType string

const (
	ChunkReasoning   ChunkType = "reasoning"
	ChunkMetadata    ChunkType = "metadata"
	ChunkFinalAnswer ChunkType = "final_answer"
	ChunkError       ChunkType = "error"
	ChunkProgress    ChunkType = "progress"
)

// Content is the {type, data} envelope every chunk's content field carries.
type Content struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Chunk is the JSON payload sent as one SSE event's data field.
type Chunk struct {
	Type      ChunkType `json:"type"`
	Content   Content   `json:"content"`
	StepName  string    `json:"step_name,omitempty"`
	StepIndex int       `json:"step_index,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  any       `json:"metadata,omitempty"`
}

// metadataPayload is the `content.data` shape of a metadata chunk: the
// best-available VDS query, sent even on a failed run.
type metadataPayload struct {
	VizqlQuery *tableau.VDSQuery `json:"vizql_query"`
}

func newReasoningChunk(stepIndex int, stepName, thought string, metadata any) Chunk {
	return Chunk{
		Type:      ChunkReasoning,
		Content:   Content{Type: "text", Data: thought},
		StepName:  stepName,
		StepIndex: stepIndex,
		Timestamp: timeNow(),
		Metadata:  metadata,
	}
}

func newMetadataChunk(query *tableau.VDSQuery) Chunk {
	return Chunk{
		Type:      ChunkMetadata,
		Content:   Content{Type: "json", Data: metadataPayload{VizqlQuery: query}},
		Timestamp: timeNow(),
	}
}

func newFinalAnswerChunk(textOrDelta string) Chunk {
	return Chunk{
		Type:      ChunkFinalAnswer,
		Content:   Content{Type: "text", Data: textOrDelta},
		Timestamp: timeNow(),
	}
}

func newErrorChunk(message string) Chunk {
	return Chunk{
		Type:      ChunkError,
		Content:   Content{Type: "text", Data: message},
		Timestamp: timeNow(),
	}
}

func newDoneChunk() Chunk {
	return Chunk{
		Type:      ChunkProgress,
		Content:   Content{Type: "text", Data: "[DONE]"},
		Timestamp: timeNow(),
	}
}

// timeNow is a seam so tests can verify ordering without depending on wall
// clock granularity; production code always uses time.Now.
var timeNow = time.Now
