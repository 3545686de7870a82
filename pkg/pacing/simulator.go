// Package pacing makes automated replies look human: typing pauses,
// randomized delays, occasional typos and reactions.
package pacing

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"chatbot-engine/pkg/constants"
	"chatbot-engine/pkg/models"
)

// Mistake is one kind of text perturbation
type Mistake int

const (
	MistakeSwapPunctuation Mistake = iota
	MistakeEllipsis
	MistakeDuplicateChar
	MistakeDropWordTail
	mistakeKinds
)

const ellipsis = "..."

var reactions = []string{"👍", "😊", "🙂", "👌", "🙏", "❤️"}

var punctuationSwaps = map[rune]rune{
	'.': ',',
	',': '.',
	'!': '.',
	'?': '.',
	';': ',',
	':': ';',
}

// SleepFunc pauses for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Simulator holds the pacing settings of one session. Safe for concurrent use.
type Simulator struct {
	settings models.Settings
	logger   *logrus.Logger

	mu    sync.Mutex
	rng   *rand.Rand
	sleep SleepFunc
}

// Option customizes a Simulator
type Option func(*Simulator)

// WithRand replaces the random source
func WithRand(rng *rand.Rand) Option {
	return func(s *Simulator) {
		s.rng = rng
	}
}

// WithSleep replaces the pause implementation
func WithSleep(sleep SleepFunc) Option {
	return func(s *Simulator) {
		s.sleep = sleep
	}
}

func NewSimulator(settings models.Settings, logger *logrus.Logger, opts ...Option) *Simulator {
	s := &Simulator{
		settings: settings.WithDefaults(),
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    contextSleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Simulator) float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Simulator) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(n)
}

// varianceFactor samples 1 ± variance uniformly
func (s *Simulator) varianceFactor() float64 {
	v := s.settings.TypingVariance
	return 1 + (s.float64()*2*v - v)
}

// TypingDuration samples base × (1 ± variance)
func (s *Simulator) TypingDuration() time.Duration {
	return constants.FloatSecondsToDuration(s.settings.TypingDuration * s.varianceFactor())
}

// ResponseDelay samples uniformly between the configured bounds, re-scaled
// by the variance factor when VaryResponseDelay is set
func (s *Simulator) ResponseDelay() time.Duration {
	lo, hi := s.settings.MinResponseDelay, s.settings.MaxResponseDelay
	delay := lo + s.float64()*(hi-lo)
	if s.settings.VaryResponseDelay {
		delay *= s.varianceFactor()
	}
	return constants.FloatSecondsToDuration(delay)
}

// BeforeReply suspends the caller like a person reading and typing. When the
// typing indicator is enabled, typing is invoked first and the typing pause
// follows. A typing failure is logged and does not stop the pause.
func (s *Simulator) BeforeReply(ctx context.Context, typing func(context.Context) error) error {
	if s.settings.TypingIndicator {
		if typing != nil {
			if err := typing(ctx); err != nil {
				s.logger.WithError(err).Warn("Failed to set typing state")
			}
		}
		if err := s.sleep(ctx, s.TypingDuration()); err != nil {
			return err
		}
	}
	return s.sleep(ctx, s.ResponseDelay())
}

// ShouldReact reports whether a reaction should precede the reply
func (s *Simulator) ShouldReact() bool {
	p := s.settings.ReactionProbability
	return p > 0 && s.float64() < p
}

// Reaction picks a reaction emoji
func (s *Simulator) Reaction() string {
	return s.Choose(reactions)
}

// Choose picks one of options uniformly, or "" when there is none
func (s *Simulator) Choose(options []string) string {
	if len(options) == 0 {
		return ""
	}
	return options[s.intn(len(options))]
}

// MaybeMutate applies Mutate with the configured mistake probability
func (s *Simulator) MaybeMutate(text string) string {
	p := s.settings.HumanLikeMistakes
	if p <= 0 || s.float64() >= p {
		return text
	}
	return s.Mutate(text)
}

// Mutate applies exactly one perturbation kind, chosen uniformly
func (s *Simulator) Mutate(text string) string {
	return s.MutateWith(Mistake(s.intn(int(mistakeKinds))), text)
}

// MutateWith applies the given perturbation. Kinds that cannot apply to
// text fall back to an ellipsis.
func (s *Simulator) MutateWith(kind Mistake, text string) string {
	runes := []rune(text)

	switch kind {
	case MistakeSwapPunctuation:
		var positions []int
		for i, r := range runes {
			if _, ok := punctuationSwaps[r]; ok {
				positions = append(positions, i)
			}
		}
		if len(positions) > 0 {
			i := positions[s.intn(len(positions))]
			runes[i] = punctuationSwaps[runes[i]]
			return string(runes)
		}
	case MistakeDuplicateChar:
		var positions []int
		for i, r := range runes {
			if unicode.IsLetter(r) {
				positions = append(positions, i)
			}
		}
		if len(positions) > 0 {
			i := positions[s.intn(len(positions))]
			out := make([]rune, 0, len(runes)+1)
			out = append(out, runes[:i+1]...)
			out = append(out, runes[i:]...)
			return string(out)
		}
	case MistakeDropWordTail:
		words := strings.Split(text, " ")
		var candidates []int
		for i, w := range words {
			if len([]rune(w)) >= 2 {
				candidates = append(candidates, i)
			}
		}
		if len(candidates) > 0 {
			i := candidates[s.intn(len(candidates))]
			w := []rune(words[i])
			words[i] = string(w[:len(w)-1])
			return strings.Join(words, " ")
		}
	}

	return strings.TrimRightFunc(text, unicode.IsSpace) + ellipsis
}
