// Package llm is the LLM Facade: a normalized chat/completions and
// streaming interface over the OpenAI-compatible chat-completions gateway,
// grounded on the teacher's ai/providers/openai/chat.OpenAIChatModel
// Call/Stream shape but collapsed to exactly the surface §4.2 requires.
package llm

import "context"

// Message is one turn of a chat conversation.
type Message struct {
	Role    string // "system", "user", "assistant", "tool"
	Content string
	// ToolCallID is set on a "tool" role message replying to a function call.
	ToolCallID string
	// FunctionCall is set on an "assistant" message that invoked a tool.
	FunctionCall *FunctionCall
}

// FunctionCall is a model-issued tool invocation.
type FunctionCall struct {
	// ID identifies this specific call so the matching tool-result message
	// can reference it back to the model; empty for providers that don't
	// assign one.
	ID        string
	Name      string
	Arguments string // raw JSON arguments, per the OpenAI wire format
}

// ToolDefinition describes a callable function the model may invoke,
// generated via pkg/json's jsonschema wrapper for the Query Builder's
// tool-call loop (see internal/llm/tools.go).
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  any // JSON Schema object
}

// ChatOptions configures a single chat call.
type ChatOptions struct {
	Model       string
	Provider    string
	Temperature float64
	Tools       []ToolDefinition
}

// ChatResponse is the normalized result of a non-streaming chat call.
type ChatResponse struct {
	Content          string
	TokensUsed       int
	PromptTokens     int
	CompletionTokens int
	FinishReason     string
	FunctionCall     *FunctionCall
}

// StreamChunk is one element of a streaming chat response.
type StreamChunk struct {
	ContentDelta      string
	FinishReason      string
	FunctionCallDelta *FunctionCall
}

// Client is the LLM Facade surface every node that talks to a model depends
// on: Query Builder, Summarizer, Orchestrator planner/meta-selector.
type Client interface {
	// Chat performs a single (possibly tool-calling) completion.
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResponse, error)
	// StreamChat yields chunks via onChunk as they arrive, preserving SSE
	// ordering; the facade closes the underlying connection if ctx is
	// cancelled or onChunk returns an error (§4.2 cancellation contract).
	StreamChat(ctx context.Context, messages []Message, opts ChatOptions, onChunk func(StreamChunk) error) error
}

// Embedder is implemented by Client backends that can also produce vector
// embeddings. Narrower than Client because not every provider needs it; the
// qdrant-backed field matcher type-asserts for it at wiring time.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}
