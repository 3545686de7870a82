// Package provider wraps the text-generation backends a tenant can use.
// The backend is resolved once per session from its credentials.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatbot-engine/pkg/models"
)

// Kind identifies a backend
type Kind string

const (
	KindGemini    Kind = "gemini"
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindChain     Kind = "chain"
)

var (
	// ErrEmptyResponse is returned when a backend answered without text
	ErrEmptyResponse = errors.New("provider: empty response")
	// ErrMissingKey is returned when a backend is built without credentials
	ErrMissingKey = errors.New("provider: api key required")
)

// Request is one non-streaming completion
type Request struct {
	System         string
	Prompt         string
	MaxOutputChars int
}

// Provider produces plain text for a prompt
type Provider interface {
	Kind() Kind
	Complete(ctx context.Context, req Request) (string, error)
}

// Options selects models and endpoints for every backend
type Options struct {
	GeminiModel      string
	GeminiBaseURL    string
	OpenAIModel      string
	OpenAIBaseURL    string
	AnthropicModel   string
	AnthropicBaseURL string
}

// DefaultPriority is used when the tenant did not order its backends
var DefaultPriority = []Kind{KindGemini, KindOpenAI, KindAnthropic}

// Resolve builds the backend of a tenant from its credentials. Backends are
// tried in priority order; kinds without a key are skipped. Resolve returns
// nil when no backend is configured.
func Resolve(creds models.ProviderCredentials, opts Options) (Provider, error) {
	priority := DefaultPriority
	if len(creds.Priority) > 0 {
		priority = make([]Kind, 0, len(creds.Priority))
		for _, p := range creds.Priority {
			priority = append(priority, Kind(strings.ToLower(strings.TrimSpace(p))))
		}
	}

	var providers []Provider
	seen := make(map[Kind]bool)
	for _, kind := range priority {
		if seen[kind] {
			continue
		}
		seen[kind] = true

		switch kind {
		case KindGemini:
			if strings.TrimSpace(creds.GeminiKey) == "" {
				continue
			}
			p, err := NewGemini(context.Background(), creds.GeminiKey, opts.GeminiModel, opts.GeminiBaseURL)
			if err != nil {
				return nil, err
			}
			providers = append(providers, p)
		case KindOpenAI:
			if strings.TrimSpace(creds.OpenAIKey) == "" {
				continue
			}
			p, err := NewOpenAI(creds.OpenAIKey, opts.OpenAIModel, opts.OpenAIBaseURL)
			if err != nil {
				return nil, err
			}
			providers = append(providers, p)
		case KindAnthropic:
			if strings.TrimSpace(creds.AnthropicKey) == "" {
				continue
			}
			p, err := NewAnthropic(creds.AnthropicKey, opts.AnthropicModel, opts.AnthropicBaseURL)
			if err != nil {
				return nil, err
			}
			providers = append(providers, p)
		default:
			return nil, fmt.Errorf("provider: unknown kind %q", kind)
		}
	}

	switch len(providers) {
	case 0:
		return nil, nil
	case 1:
		return providers[0], nil
	default:
		return NewChain(providers...), nil
	}
}

// Chain tries each provider in order and returns the first success
type Chain struct {
	providers []Provider
}

func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

func (c *Chain) Kind() Kind {
	return KindChain
}

// Providers returns the chain members in priority order
func (c *Chain) Providers() []Provider {
	return c.providers
}

func (c *Chain) Complete(ctx context.Context, req Request) (string, error) {
	var errs []error
	for _, p := range c.providers {
		text, err := p.Complete(ctx, req)
		if err == nil {
			return text, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Kind(), err))
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return "", ErrEmptyResponse
	}
	return "", errors.Join(errs...)
}

// maxTokens bounds generation by the character budget. A token is at least
// one character, so the budget is never undercut.
func maxTokens(maxChars int) int64 {
	if maxChars <= 0 {
		return 256
	}
	if maxChars < 16 {
		return 16
	}
	return int64(maxChars)
}
