package provider

import (
	"context"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

type anthropicMessages interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

// Anthropic completes prompts with the messages API
type Anthropic struct {
	msgs  anthropicMessages
	model string
}

func NewAnthropic(apiKey, model, baseURL string) (*Anthropic, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrMissingKey)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropicsdk.NewClient(opts...)

	return newAnthropicWith(&client.Messages, model), nil
}

func newAnthropicWith(msgs anthropicMessages, model string) *Anthropic {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultAnthropicModel
	}
	return &Anthropic{msgs: msgs, model: model}
}

func (a *Anthropic) Kind() Kind {
	return KindAnthropic
}

func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(a.model),
		MaxTokens: maxTokens(req.MaxOutputChars),
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(req.Prompt)),
		},
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}

	msg, err := a.msgs.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion failed: %w", err)
	}
	if msg == nil {
		return "", ErrEmptyResponse
	}

	var parts []string
	for _, block := range msg.Content {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, ""))
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
