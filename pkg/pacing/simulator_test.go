package pacing

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbot-engine/pkg/logging"
	"chatbot-engine/pkg/models"
)

type recordedSleep struct {
	pauses []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.pauses = append(r.pauses, d)
	return nil
}

func newTestSimulator(settings models.Settings, seed int64, sleep SleepFunc) *Simulator {
	opts := []Option{WithRand(rand.New(rand.NewSource(seed)))}
	if sleep != nil {
		opts = append(opts, WithSleep(sleep))
	}
	return NewSimulator(settings, logging.Quiet(), opts...)
}

func TestTypingDurationStaysWithinVariance(t *testing.T) {
	sim := newTestSimulator(models.Settings{TypingDuration: 2, TypingVariance: 0.25}, 1, nil)

	for i := 0; i < 1000; i++ {
		d := sim.TypingDuration()
		assert.GreaterOrEqual(t, d, 1500*time.Millisecond)
		assert.LessOrEqual(t, d, 2500*time.Millisecond)
	}
}

func TestResponseDelayBounds(t *testing.T) {
	settings := models.Settings{MinResponseDelay: 1, MaxResponseDelay: 3}
	sim := newTestSimulator(settings, 2, nil)
	for i := 0; i < 1000; i++ {
		d := sim.ResponseDelay()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}

	settings.VaryResponseDelay = true
	settings.TypingVariance = 0.5
	sim = newTestSimulator(settings, 3, nil)
	for i := 0; i < 1000; i++ {
		d := sim.ResponseDelay()
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 4500*time.Millisecond)
	}
}

func TestBeforeReplyShowsTypingThenPauses(t *testing.T) {
	rec := &recordedSleep{}
	sim := newTestSimulator(models.Settings{
		TypingIndicator:  true,
		TypingDuration:   2,
		MinResponseDelay: 1,
		MaxResponseDelay: 1,
	}, 4, rec.sleep)

	typed := 0
	err := sim.BeforeReply(context.Background(), func(context.Context) error {
		typed++
		return errors.New("gateway offline")
	})
	require.NoError(t, err)

	assert.Equal(t, 1, typed)
	assert.Equal(t, []time.Duration{2 * time.Second, time.Second}, rec.pauses)
}

func TestBeforeReplyWithoutTypingIndicator(t *testing.T) {
	rec := &recordedSleep{}
	sim := newTestSimulator(models.Settings{MinResponseDelay: 1, MaxResponseDelay: 1}, 5, rec.sleep)

	err := sim.BeforeReply(context.Background(), func(context.Context) error {
		t.Fatal("typing must not be shown")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second}, rec.pauses)
}

func TestBeforeReplyIsCancellable(t *testing.T) {
	sim := newTestSimulator(models.Settings{
		TypingIndicator:  true,
		TypingDuration:   30,
		MinResponseDelay: 30,
		MaxResponseDelay: 30,
	}, 6, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := sim.BeforeReply(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMutateWithEachKind(t *testing.T) {
	sim := newTestSimulator(models.Settings{}, 7, nil)

	swapped := sim.MutateWith(MistakeSwapPunctuation, "Oi. Tudo bem")
	assert.Equal(t, "Oi, Tudo bem", swapped)

	assert.Equal(t, "Oi...", sim.MutateWith(MistakeEllipsis, "Oi"))

	dup := sim.MutateWith(MistakeDuplicateChar, "ação")
	assert.Equal(t, utf8.RuneCountInString("ação")+1, utf8.RuneCountInString(dup))
	assert.True(t, utf8.ValidString(dup))

	dropped := sim.MutateWith(MistakeDropWordTail, "bom dia")
	assert.Contains(t, []string{"bo dia", "bom di"}, dropped)
}

func TestMutateFallsBackToEllipsis(t *testing.T) {
	sim := newTestSimulator(models.Settings{}, 8, nil)

	assert.Equal(t, "Oi tudo bem...", sim.MutateWith(MistakeSwapPunctuation, "Oi tudo bem"))
	assert.Equal(t, "123...", sim.MutateWith(MistakeDuplicateChar, "123"))
	assert.Equal(t, "a b...", sim.MutateWith(MistakeDropWordTail, "a b"))
}

func TestMutateChangesTextExactlyOnce(t *testing.T) {
	sim := newTestSimulator(models.Settings{}, 9, nil)
	const text = "Olá, tudo bem? Posso ajudar."

	for i := 0; i < 200; i++ {
		out := sim.Mutate(text)
		assert.NotEqual(t, text, out)
		diff := utf8.RuneCountInString(out) - utf8.RuneCountInString(text)
		assert.Contains(t, []int{-1, 0, 1, 3}, diff)
	}
}

func TestMaybeMutateRespectsProbability(t *testing.T) {
	never := newTestSimulator(models.Settings{HumanLikeMistakes: 0}, 10, nil)
	always := newTestSimulator(models.Settings{HumanLikeMistakes: 1}, 10, nil)

	for i := 0; i < 100; i++ {
		assert.Equal(t, "Oi.", never.MaybeMutate("Oi."))
		assert.NotEqual(t, "Oi.", always.MaybeMutate("Oi."))
	}
}

func TestReactions(t *testing.T) {
	never := newTestSimulator(models.Settings{}, 11, nil)
	always := newTestSimulator(models.Settings{ReactionProbability: 1}, 11, nil)

	for i := 0; i < 100; i++ {
		assert.False(t, never.ShouldReact())
		assert.True(t, always.ShouldReact())
	}
	assert.Contains(t, reactions, always.Reaction())
}

func TestChoose(t *testing.T) {
	s := newTestSimulator(models.Settings{}, 5, nil)
	assert.Equal(t, "", s.Choose(nil))

	options := []string{"a", "b", "c"}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		seen[s.Choose(options)] = true
	}
	assert.Len(t, seen, 3)
}
