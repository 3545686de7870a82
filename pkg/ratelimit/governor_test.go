package ratelimit

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)}
}

func TestSenderWindowRejectsAboveCeiling(t *testing.T) {
	clock := newClock()
	g := NewGovernor(Limits{SenderWindow: time.Hour, SenderLimit: 3}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		assert.True(t, g.Admit("alice").Admitted)
		clock.Advance(time.Second)
	}

	d := g.Admit("alice")
	assert.False(t, d.Admitted)
	assert.Equal(t, ReasonSender, d.Reason)
	assert.Equal(t, 3, g.SenderCount("alice"))

	// Other senders have their own window
	assert.True(t, g.Admit("bob").Admitted)

	// After the first timestamp leaves the window one slot frees up
	clock.Advance(time.Hour - 2*time.Second)
	assert.True(t, g.Admit("alice").Admitted)
	assert.False(t, g.Admit("alice").Admitted)
}

func TestClosedWindowNeverHoldsMoreThanCeiling(t *testing.T) {
	clock := newClock()
	t0 := clock.Now()
	g := NewGovernor(Limits{SenderWindow: time.Hour, SenderLimit: 3}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.True(t, g.Admit("alice").Admitted)
		clock.Advance(time.Second)
	}

	// exactly one window after the second admission: t0+1s and t0+2s still count
	clock.Set(t0.Add(time.Hour + time.Second))
	assert.True(t, g.Admit("alice").Admitted)
	d := g.Admit("alice")
	assert.False(t, d.Admitted)
	assert.Equal(t, ReasonSender, d.Reason)
	assert.Equal(t, 3, g.SenderCount("alice"))

	// one tick later t0+1s leaves the window
	clock.Set(t0.Add(time.Hour + time.Second + time.Nanosecond))
	assert.True(t, g.Admit("alice").Admitted)
}

func TestSessionCounterResetsEveryPeriod(t *testing.T) {
	clock := newClock()
	g := NewGovernor(Limits{SessionPeriod: time.Minute, SessionLimit: 2}, WithClock(clock.Now))

	assert.True(t, g.Admit("a").Admitted)
	assert.True(t, g.Admit("b").Admitted)

	d := g.Admit("c")
	assert.False(t, d.Admitted)
	assert.Equal(t, ReasonSession, d.Reason)
	assert.Equal(t, 2, g.SessionCount())

	clock.Advance(time.Minute)
	assert.Equal(t, 0, g.SessionCount())
	assert.True(t, g.Admit("c").Admitted)
	assert.Equal(t, 1, g.SessionCount())
}

func TestRejectedMessagesAreNotRecorded(t *testing.T) {
	clock := newClock()
	g := NewGovernor(Limits{
		SenderWindow:  time.Hour,
		SenderLimit:   5,
		SessionPeriod: time.Minute,
		SessionLimit:  1,
	}, WithClock(clock.Now))

	require.True(t, g.Admit("alice").Admitted)
	for i := 0; i < 10; i++ {
		assert.False(t, g.Admit("alice").Admitted)
	}
	assert.Equal(t, 1, g.SenderCount("alice"))
	assert.Equal(t, 1, g.SessionCount())
}

func TestZeroCeilingDisablesGuard(t *testing.T) {
	g := NewGovernor(Limits{SenderWindow: time.Hour, SessionPeriod: time.Minute})
	for i := 0; i < 100; i++ {
		require.True(t, g.Admit("alice").Admitted)
	}
}

// 25 messages inside one minute against a per-minute ceiling of 15
func TestBurstAgainstSessionCeiling(t *testing.T) {
	clock := newClock()
	g := NewGovernor(Limits{
		SenderWindow:  time.Hour,
		SenderLimit:   60,
		SessionPeriod: time.Minute,
		SessionLimit:  15,
	}, WithClock(clock.Now))

	var admitted []int
	for i := 1; i <= 25; i++ {
		if g.Admit("S").Admitted {
			admitted = append(admitted, i)
		}
		clock.Advance(2 * time.Second)
	}

	expected := make([]int, 15)
	for i := range expected {
		expected[i] = i + 1
	}
	assert.Equal(t, expected, admitted)
}

func TestSlidingWindowPropertyHoldsForRandomArrivals(t *testing.T) {
	const (
		window  = 10 * time.Minute
		ceiling = 7
	)

	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			clock := newClock()
			g := NewGovernor(Limits{SenderWindow: window, SenderLimit: ceiling}, WithClock(clock.Now))

			var admitted []time.Time
			for i := 0; i < 400; i++ {
				clock.Advance(time.Duration(rng.Int63n(int64(3 * time.Minute))))
				if g.Admit("sender").Admitted {
					admitted = append(admitted, clock.Now())
				}
			}

			require.True(t, sort.SliceIsSorted(admitted, func(i, j int) bool { return admitted[i].Before(admitted[j]) }))
			for i := range admitted {
				// count admissions in [admitted[i]-window, admitted[i]]
				count := 0
				for j := i; j >= 0 && admitted[i].Sub(admitted[j]) <= window; j-- {
					count++
				}
				assert.LessOrEqual(t, count, ceiling)
			}
		})
	}
}

func TestConcurrentAdmitNeverExceedsCeiling(t *testing.T) {
	g := NewGovernor(Limits{SessionPeriod: time.Hour, SessionLimit: 50})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if g.Admit(fmt.Sprintf("sender-%d", i%10)).Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, admitted)
}

func TestReset(t *testing.T) {
	g := NewGovernor(Limits{SenderWindow: time.Hour, SenderLimit: 1})
	require.True(t, g.Admit("alice").Admitted)
	require.False(t, g.Admit("alice").Admitted)

	g.Reset()
	assert.True(t, g.Admit("alice").Admitted)
}
