// Package responder turns an inbound message into reply text: prompt
// assembly, provider dispatch, a de-duplication cache and a final
// sanitizing pass. It never fails; the caller always receives text.
package responder

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"chatbot-engine/pkg/constants"
	"chatbot-engine/pkg/metrics"
	"chatbot-engine/pkg/models"
	"chatbot-engine/pkg/provider"
)

const (
	// FallbackText is sent when no provider is configured or it failed
	FallbackText = "🤖 Não estou conseguindo processar sua mensagem no momento.\nPor favor, tente novamente mais tarde ou entre em contato com o suporte."

	// ClarificationText replaces replies that matched a suspicious pattern
	ClarificationText = "Desculpe, não entendi. Poderia reformular?"
)

// Humanizer perturbs a reused reply so it does not repeat verbatim
type Humanizer interface {
	Mutate(text string) string
}

type noHumanizer struct{}

func (noHumanizer) Mutate(text string) string { return text }

// Config describes the session a Generator answers for
type Config struct {
	SessionID string
	Persona   string
	Settings  models.Settings
	Location  *time.Location
	CacheTTL  time.Duration
}

// Result is the reply and how it was produced
type Result struct {
	Text      string
	Cached    bool
	Fallback  bool
	Sanitized bool
}

// Generator produces replies for one session
type Generator struct {
	cfg       Config
	provider  provider.Provider
	cache     Cache
	limiter   *rate.Limiter
	humanizer Humanizer
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// Option customizes a Generator
type Option func(*Generator)

// WithLimiter throttles provider calls
func WithLimiter(l *rate.Limiter) Option {
	return func(g *Generator) {
		g.limiter = l
	}
}

// WithHumanizer sets the perturbation applied to reused replies
func WithHumanizer(h Humanizer) Option {
	return func(g *Generator) {
		g.humanizer = h
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// WithRand replaces the random source of the cache reuse check
func WithRand(rng *rand.Rand) Option {
	return func(g *Generator) {
		g.rng = rng
	}
}

// NewGenerator builds a Generator. p and cache may be nil: without a provider
// every reply is the fallback text, without a cache nothing is reused.
func NewGenerator(cfg Config, p provider.Provider, cache Cache, logger *logrus.Logger, metrics *metrics.Metrics, opts ...Option) *Generator {
	cfg.Settings = cfg.Settings.WithDefaults()
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = constants.SecondsToDuration(constants.DefaultResponseCacheTTLSeconds)
	}

	g := &Generator{
		cfg:       cfg,
		provider:  p,
		cache:     cache,
		limiter:   rate.NewLimiter(rate.Inf, 0),
		humanizer: noHumanizer{},
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) reuseCached() bool {
	p := g.cfg.Settings.CacheReuseProbability
	if p <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64() < p
}

// Generate returns the reply to input. Provider and cache failures are
// logged and absorbed.
func (g *Generator) Generate(ctx context.Context, senderID, input string, kind models.MessageKind) Result {
	start := time.Now()
	defer func() {
		g.metrics.ReplyGenerationDuration.Observe(time.Since(start).Seconds())
	}()

	logger := g.logger.WithFields(logrus.Fields{
		"session_id": g.cfg.SessionID,
		"sender":     senderID,
		"kind":       kind,
	})

	key := Fingerprint(g.cfg.SessionID, kind, input, g.cfg.Persona)

	if g.cache != nil {
		entry, err := g.cache.Get(ctx, key)
		if err != nil {
			logger.WithError(err).Warn("Response cache lookup failed")
		} else if entry != nil && g.reuseCached() {
			g.metrics.ResponseCacheHits.Inc()
			logger.Debug("Reusing cached response")
			return g.finish(Result{Text: g.humanizer.Mutate(entry.Text), Cached: true})
		}
	}

	if g.provider == nil {
		logger.Warn("No text generation provider configured")
		return Result{Text: FallbackText, Fallback: true}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		g.metrics.ProviderCalls.WithLabelValues("throttled").Inc()
		logger.WithError(err).Warn("Provider call throttled")
		return Result{Text: FallbackText, Fallback: true}
	}

	maxChars := g.cfg.Settings.MaxResponseLength
	text, err := g.provider.Complete(ctx, provider.Request{
		System:         g.cfg.Persona,
		Prompt:         BuildPrompt(g.now().In(g.cfg.Location), maxChars, input, kind),
		MaxOutputChars: maxChars,
	})
	if err != nil {
		g.metrics.ProviderCalls.WithLabelValues("error").Inc()
		logger.WithError(err).WithField("provider", g.provider.Kind()).Error("Text generation failed")
		return Result{Text: FallbackText, Fallback: true}
	}
	g.metrics.ProviderCalls.WithLabelValues("ok").Inc()

	text = Truncate(text, maxChars)

	if g.cache != nil {
		if err := g.cache.Set(ctx, key, Entry{Text: text, StoredAt: g.now()}, g.cfg.CacheTTL); err != nil {
			logger.WithError(err).Warn("Failed to cache response")
		}
	}

	return g.finish(Result{Text: text})
}

func (g *Generator) finish(res Result) Result {
	if Suspicious(res.Text) {
		g.logger.WithFields(logrus.Fields{
			"session_id": g.cfg.SessionID,
		}).Warn("Reply matched a suspicious pattern, replacing it")
		res.Text = ClarificationText
		res.Sanitized = true
	}
	return res
}

// Truncate cuts text to at most max runes
func Truncate(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}
