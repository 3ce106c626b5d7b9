package responder

import (
	"context"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// ModelStream is one streaming completion in progress. The OpenAI SSE
// stream satisfies it directly; tests substitute a scripted stream.
type ModelStream interface {
	Next() bool
	Current() openai.ChatCompletionChunk
	Err() error
	Close() error
}

// ChatModel opens streaming completions.
type ChatModel interface {
	Stream(ctx context.Context, params openai.ChatCompletionNewParams) ModelStream
}

// OpenAIModel is the production ChatModel.
type OpenAIModel struct {
	client openai.Client
}

// NewOpenAIModel builds a client for the given key. A non-empty baseURL
// points at a compatible alternative endpoint.
func NewOpenAIModel(apiKey, baseURL string) OpenAIModel {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return OpenAIModel{client: openai.NewClient(opts...)}
}

func (m OpenAIModel) Stream(ctx context.Context, params openai.ChatCompletionNewParams) ModelStream {
	return m.client.Chat.Completions.NewStreaming(ctx, params)
}
