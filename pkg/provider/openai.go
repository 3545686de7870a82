package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const defaultOpenAIModel = "gpt-4o-mini"

type openaiChatCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAI completes prompts with the chat completions API
type OpenAI struct {
	completions openaiChatCompletions
	model       string
}

func NewOpenAI(apiKey, model, baseURL string) (*OpenAI, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrMissingKey)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)

	return newOpenAIWith(&client.Chat.Completions, model), nil
}

func newOpenAIWith(completions openaiChatCompletions, model string) *OpenAI {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{completions: completions, model: model}
}

func (o *OpenAI) Kind() Kind {
	return KindOpenAI
}

func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	completion, err := o.completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(o.model),
		MaxCompletionTokens: openai.Int(maxTokens(req.MaxOutputChars)),
		Messages:            messages,
	})
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
