package responder

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"chatbot-engine/pkg/logging"
	"chatbot-engine/pkg/metrics"
	"chatbot-engine/pkg/models"
	"chatbot-engine/pkg/provider"
)

type stubProvider struct {
	mu       sync.Mutex
	text     string
	err      error
	requests []provider.Request
}

func (s *stubProvider) Kind() provider.Kind { return provider.KindOpenAI }

func (s *stubProvider) Complete(ctx context.Context, req provider.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.text, s.err
}

func (s *stubProvider) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type suffixHumanizer struct{}

func (suffixHumanizer) Mutate(text string) string { return text + "..." }

var fixedNow = time.Date(2030, 1, 1, 10, 30, 0, 0, time.UTC)

func newTestGenerator(p provider.Provider, cache Cache, settings models.Settings, opts ...Option) *Generator {
	opts = append([]Option{
		WithClock(func() time.Time { return fixedNow }),
		WithRand(rand.New(rand.NewSource(1))),
	}, opts...)
	return NewGenerator(Config{
		SessionID: "bot-1",
		Persona:   "Você é a Ana, atendente da padaria.",
		Settings:  settings,
		CacheTTL:  time.Minute,
	}, p, cache, logging.Quiet(), metrics.NewTestMetrics(), opts...)
}

func TestGenerateCallsProviderAndTruncates(t *testing.T) {
	p := &stubProvider{text: "Olá! Temos pão quentinho saindo agora mesmo."}
	g := newTestGenerator(p, nil, models.Settings{MaxResponseLength: 10})

	res := g.Generate(context.Background(), "5511999", "tem pão?", models.KindText)
	assert.Equal(t, "Olá! Temos", res.Text)
	assert.False(t, res.Fallback)
	assert.False(t, res.Cached)

	require.Equal(t, 1, p.calls())
	req := p.requests[0]
	assert.Equal(t, "Você é a Ana, atendente da padaria.", req.System)
	assert.Equal(t, 10, req.MaxOutputChars)
	assert.Contains(t, req.Prompt, "01/01/2030 10:30")
	assert.Contains(t, req.Prompt, `"tem pão?"`)
}

func TestGenerateFallbacks(t *testing.T) {
	g := newTestGenerator(nil, nil, models.Settings{})
	res := g.Generate(context.Background(), "s", "oi", models.KindText)
	assert.Equal(t, FallbackText, res.Text)
	assert.True(t, res.Fallback)

	failing := &stubProvider{err: errors.New("timeout")}
	g = newTestGenerator(failing, nil, models.Settings{})
	res = g.Generate(context.Background(), "s", "oi", models.KindText)
	assert.Equal(t, FallbackText, res.Text)
	assert.True(t, res.Fallback)

	// an exhausted limiter fails fast once the context is done
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	limited := &stubProvider{text: "oi"}
	g = newTestGenerator(limited, nil, models.Settings{}, WithLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)))
	res = g.Generate(ctx, "s", "oi", models.KindText)
	assert.True(t, res.Fallback)
	assert.Equal(t, 0, limited.calls())
}

func TestGenerateSanitizesSuspiciousReplies(t *testing.T) {
	for _, reply := range []string{
		"Veja em https://example.com/promo",
		"acesse www.loja.com.br",
		"kkkkkkkk",
		"Ótimo 😀😀😀😀",
	} {
		g := newTestGenerator(&stubProvider{text: reply}, nil, models.Settings{MaxResponseLength: 500})
		res := g.Generate(context.Background(), "s", "oi", models.KindText)
		assert.Equal(t, ClarificationText, res.Text, reply)
		assert.True(t, res.Sanitized)
	}
}

func TestGenerateReusesCachedReply(t *testing.T) {
	p := &stubProvider{text: "Bom dia! 😊"}
	cache := NewMemoryCache()
	g := newTestGenerator(p, cache, models.Settings{CacheReuseProbability: 1}, WithHumanizer(suffixHumanizer{}))

	first := g.Generate(context.Background(), "s", "Bom   DIA", models.KindText)
	assert.Equal(t, "Bom dia! 😊", first.Text)

	second := g.Generate(context.Background(), "s", "bom dia", models.KindText)
	assert.True(t, second.Cached)
	assert.Equal(t, "Bom dia! 😊...", second.Text)
	assert.Equal(t, 1, p.calls())
}

func TestGenerateSkipsCacheWhenReuseDisabled(t *testing.T) {
	p := &stubProvider{text: "Bom dia!"}
	g := newTestGenerator(p, NewMemoryCache(), models.Settings{CacheReuseProbability: 0})

	g.Generate(context.Background(), "s", "bom dia", models.KindText)
	res := g.Generate(context.Background(), "s", "bom dia", models.KindText)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, p.calls())
}

func TestMediaIsSummarizedByKind(t *testing.T) {
	p := &stubProvider{text: "Que foto linda!"}
	g := newTestGenerator(p, nil, models.Settings{})

	g.Generate(context.Background(), "s", "base64-bytes", models.KindImage)
	require.Equal(t, 1, p.calls())
	prompt := p.requests[0].Prompt
	assert.Contains(t, prompt, "Imagem recebida")
	assert.NotContains(t, prompt, "base64-bytes")

	voice := BuildPrompt(fixedNow, 100, "", models.KindVoice)
	assert.Contains(t, voice, "Mensagem de voz recebida")
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("bot", models.KindText, "Oi,  tudo BEM?", "persona")
	b := Fingerprint("bot", models.KindText, " oi, tudo bem? ", "persona")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)

	assert.NotEqual(t, a, Fingerprint("other", models.KindText, "oi, tudo bem?", "persona"))
	assert.NotEqual(t, a, Fingerprint("bot", models.KindText, "oi, tudo bem?", "outra persona"))
	assert.Equal(t,
		Fingerprint("bot", models.KindImage, "one", "p"),
		Fingerprint("bot", models.KindImage, "two", "p"))
}

func TestSuspicious(t *testing.T) {
	cases := map[string]bool{
		"Olá! Tudo bem? 😊":        false,
		"Perfeito 👍👍👍":            false,
		"Perfeito 👍👍👍👍":           true,
		"ftp://files.example.com": true,
		"aaaaa":                   false,
		"aaaaaa":                  true,
		"muito obrigado!!!!!":     false,
		"muito obrigado!!!!!!":    true,
		"🇧🇷🇧🇷":                    true,
		"Até amanhã, às 10h. 🙏🏽✨": false,
	}
	for text, expected := range cases {
		assert.Equal(t, expected, Suspicious(text), text)
	}
}

func TestTruncateCountsRunes(t *testing.T) {
	assert.Equal(t, "ação", Truncate("ação rápida", 4))
	assert.Equal(t, "oi", Truncate("oi", 10))
	assert.Equal(t, "oi", Truncate("oi", 0))
	assert.True(t, utf8.ValidString(Truncate(strings.Repeat("é", 50), 7)))
}

func TestMemoryCacheExpires(t *testing.T) {
	now := fixedNow
	cache := NewMemoryCache()
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.Set(context.Background(), "k", Entry{Text: "v", StoredAt: now}, time.Minute))
	entry, err := cache.Get(context.Background(), "k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "v", entry.Text)

	now = now.Add(time.Minute)
	entry, err = cache.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cache := NewRedisCache(rdb, metrics.NewTestMetrics())
	ctx := context.Background()

	entry, err := cache.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, cache.Set(ctx, "k", Entry{Text: "Olá", StoredAt: fixedNow}, time.Minute))
	entry, err = cache.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "Olá", entry.Text)
	assert.True(t, fixedNow.Equal(entry.StoredAt))

	mr.FastForward(2 * time.Minute)
	entry, err = cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, entry)
}
