package llm

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/vdsquery/agent/internal/errs"
)

// openAIClient is the concrete Client implementation over the OpenAI SDK.
// Grounded on the teacher's OpenAIChatModel.Call/Stream shape (build the
// provider request, invoke the SDK, normalize the response), collapsed to
// one provider since SPEC_FULL.md's LLM Facade is openai-go/v3-only.
type openAIClient struct {
	sdk *openai.Client
}

// NewOpenAIClient builds a Client against an OpenAI-compatible gateway URL.
func NewOpenAIClient(baseURL, apiKey string) Client {
	c := openai.NewClient(option.WithBaseURL(baseURL), option.WithAPIKey(apiKey))
	return &openAIClient{sdk: &c}
}

func toSDKMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		case "tool":
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func toSDKTools(tools []ToolDefinition) []openai.ChatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  toFunctionParameters(t.Parameters),
			},
		})
	}
	return out
}

func toFunctionParameters(schema any) openai.FunctionParameters {
	if m, ok := schema.(map[string]any); ok {
		return openai.FunctionParameters(m)
	}
	return openai.FunctionParameters{}
}

func newParams(model string, messages []Message, opts ChatOptions) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toSDKMessages(messages),
	}
	if opts.Temperature != 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	if tools := toSDKTools(opts.Tools); tools != nil {
		params.Tools = tools
	}
	return params
}

// Chat performs a single completion, per §4.2 retrying exponential backoff
// on transport errors and 5xx only; 4xx is surfaced immediately.
func (c *openAIClient) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResponse, error) {
	model := opts.Model
	params := newParams(model, messages, opts)

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		completion, err := c.sdk.Chat.Completions.New(ctx, params)
		if err == nil {
			return toChatResponse(completion), nil
		}
		if ctx.Err() != nil {
			return nil, errs.New(errs.Cancelled, "llm request cancelled", ctx.Err())
		}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode > 0 && apiErr.StatusCode < 500 {
			return nil, errs.Wrap(errs.BuildError, err, "llm gateway rejected request")
		}
		lastErr = errs.Wrap(errs.Transport, err, "llm gateway call failed")
		time.Sleep(backoff)
		backoff = min(backoff*2, 10*time.Second)
	}
	return nil, lastErr
}

func toChatResponse(completion *openai.ChatCompletion) *ChatResponse {
	resp := &ChatResponse{
		TokensUsed:       int(completion.Usage.TotalTokens),
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
	}
	if len(completion.Choices) > 0 {
		choice := completion.Choices[0]
		resp.Content = choice.Message.Content
		resp.FinishReason = string(choice.FinishReason)
		if len(choice.Message.ToolCalls) > 0 {
			tc := choice.Message.ToolCalls[0]
			resp.FunctionCall = &FunctionCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
		}
	}
	return resp
}

// Embed generates a vector embedding for text, satisfying schema.Embedder
// for the optional qdrant-backed field matcher. Grounded on the teacher's
// embedding.ClientCaller.Embedding single-vector shape, collapsed to the
// openai-go/v3 Embeddings endpoint.
func (c *openAIClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	resp, err := c.sdk.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(model),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, errs.Wrap(errs.Transport, err, "embedding request failed")
	}
	if len(resp.Data) == 0 {
		return nil, errs.New(errs.Transport, "embedding response contained no vectors", nil)
	}

	vector := resp.Data[0].Embedding
	out := make([]float32, len(vector))
	for i, v := range vector {
		out[i] = float32(v)
	}
	return out, nil
}

// StreamChat yields chunks as they arrive and closes the underlying
// connection as soon as ctx is cancelled or onChunk returns an error,
// matching the facade's cancellation contract in §4.2.
func (c *openAIClient) StreamChat(ctx context.Context, messages []Message, opts ChatOptions, onChunk func(StreamChunk) error) error {
	params := newParams(opts.Model, messages, opts)
	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		out := StreamChunk{
			ContentDelta: delta.Content,
			FinishReason: string(chunk.Choices[0].FinishReason),
		}
		if len(delta.ToolCalls) > 0 {
			tc := delta.ToolCalls[0]
			out.FunctionCallDelta = &FunctionCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
		}
		if err := onChunk(out); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return errs.New(errs.Cancelled, "llm stream cancelled by caller", ctx.Err())
		}
	}
	if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
		return errs.Wrap(errs.Transport, err, "llm stream failed")
	}
	return nil
}
