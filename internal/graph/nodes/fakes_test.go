package nodes

import (
	"context"

	"github.com/vdsquery/agent/internal/llm"
)

// fakeLLM is a minimal llm.Client stub for node unit tests: it returns a
// fixed response or error from Chat and never needs StreamChat. When respSeq
// is set, successive Chat calls pop one response at a time (for exercising
// the Query Builder's tool-call loop), falling back to resp/err once
// exhausted.
type fakeLLM struct {
	resp    *llm.ChatResponse
	err     error
	respSeq []*llm.ChatResponse
	calls   int
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.Message, opts llm.ChatOptions) (*llm.ChatResponse, error) {
	defer func() { f.calls++ }()
	if f.err != nil {
		return nil, f.err
	}
	if f.calls < len(f.respSeq) {
		return f.respSeq[f.calls], nil
	}
	return f.resp, nil
}

func (f *fakeLLM) StreamChat(ctx context.Context, messages []llm.Message, opts llm.ChatOptions, onChunk func(llm.StreamChunk) error) error {
	return nil
}
