package provider

import (
	"context"

	"github.com/sells-group/buildforge/internal/model"
	"github.com/sells-group/buildforge/pkg/anthropic"
)

const defaultAnthropicMaxTokens = 8192

// Anthropic adapts pkg/anthropic to the Provider interface.
type Anthropic struct {
	id        string
	client    anthropic.Client
	model     string
	maxTokens int
	hasKey    bool
}

// NewAnthropic creates an Anthropic-backed provider.
func NewAnthropic(id string, client anthropic.Client, defaultModel string, maxTokens int, hasKey bool) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &Anthropic{id: id, client: client, model: defaultModel, maxTokens: maxTokens, hasKey: hasKey}
}

// ID implements Provider.
func (a *Anthropic) ID() string { return a.id }

// HasCredential implements Provider.
func (a *Anthropic) HasCredential() bool { return a.hasKey }

// Generate implements Provider.
func (a *Anthropic) Generate(ctx context.Context, req Request) (*Response, error) {
	mdl := req.Params.Model
	if mdl == "" {
		mdl = a.model
	}
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	msgReq := anthropic.MessageRequest{
		Model:       mdl,
		MaxTokens:   int64(maxTokens),
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Params.Temperature,
	}
	if req.System != "" {
		// The system prompt is shared by every reviewer and resample of an
		// attempt, so it is marked cacheable.
		msgReq.System = []anthropic.SystemBlock{{
			Text:         req.System,
			CacheControl: &anthropic.CacheControl{TTL: "5m"},
		}}
	}

	resp, err := a.client.CreateMessage(ctx, msgReq)
	if err != nil {
		return nil, Classify(a.id, err)
	}

	return &Response{
		Text:  resp.Text(),
		Model: resp.Model,
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}
