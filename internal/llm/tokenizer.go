package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer estimates prompt/completion sizes so the Context Compressor can
// budget what it hands to the model, grounded on the teacher's ai/tokenizer
// concern but backed by tiktoken-go rather than a model-specific count API.
type Tokenizer struct {
	mu      sync.Mutex
	byModel map[string]*tiktoken.Tiktoken
}

// NewTokenizer builds an empty Tokenizer; encodings are loaded lazily per
// model on first use and cached.
func NewTokenizer() *Tokenizer {
	return &Tokenizer{byModel: make(map[string]*tiktoken.Tiktoken)}
}

// Count returns the token count of text under model's encoding, falling back
// to the cl100k_base encoding shared by most chat models when model is
// unrecognized by tiktoken-go.
func (t *Tokenizer) Count(model, text string) int {
	enc := t.encodingFor(model)
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages sums the token cost of every message's content plus a small
// fixed per-message overhead, matching the rough accounting chat APIs use to
// size a request against a context window.
func (t *Tokenizer) CountMessages(model string, messages []Message) int {
	total := 0
	for _, m := range messages {
		total += t.Count(model, m.Content) + 4
	}
	return total
}

func (t *Tokenizer) encodingFor(model string) *tiktoken.Tiktoken {
	t.mu.Lock()
	defer t.mu.Unlock()
	if enc, ok := t.byModel[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			t.byModel[model] = nil
			return nil
		}
	}
	t.byModel[model] = enc
	return enc
}
