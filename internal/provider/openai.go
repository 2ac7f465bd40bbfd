package provider

import (
	"context"

	"github.com/sells-group/buildforge/internal/model"
	"github.com/sells-group/buildforge/pkg/openai"
)

// OpenAI adapts any OpenAI-compatible chat completion endpoint.
type OpenAI struct {
	id        string
	client    openai.Client
	maxTokens int
	hasKey    bool
}

// NewOpenAI creates an OpenAI-compatible provider. The default model is
// configured on the client.
func NewOpenAI(id string, client openai.Client, maxTokens int, hasKey bool) *OpenAI {
	return &OpenAI{id: id, client: client, maxTokens: maxTokens, hasKey: hasKey}
}

// ID implements Provider.
func (o *OpenAI) ID() string { return o.id }

// HasCredential implements Provider.
func (o *OpenAI) HasCredential() bool { return o.hasKey }

// Generate implements Provider.
func (o *OpenAI) Generate(ctx context.Context, req Request) (*Response, error) {
	var msgs []openai.Message
	if req.System != "" {
		msgs = append(msgs, openai.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, openai.Message{Role: "user", Content: req.Prompt})

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Params.Model,
		Messages:    msgs,
		Temperature: req.Params.Temperature,
	}
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.maxTokens
	}
	if maxTokens > 0 {
		chatReq.MaxTokens = &maxTokens
	}

	resp, err := o.client.ChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, Classify(o.id, err)
	}

	return &Response{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: model.TokenUsage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
	}, nil
}
