// Package ratelimit throttles inbound traffic of one session with two
// stacked guards: a sliding window per sender and a fixed counter for the
// whole session.
package ratelimit

import (
	"sync"
	"time"
)

// Reason explains why a message was rejected
type Reason string

const (
	ReasonNone    Reason = ""
	ReasonSender  Reason = "sender_limit"
	ReasonSession Reason = "session_limit"
)

// Limits configures both guards. A ceiling of zero or less disables its guard.
type Limits struct {
	SenderWindow  time.Duration
	SenderLimit   int
	SessionPeriod time.Duration
	SessionLimit  int
}

// Decision is the outcome of Admit
type Decision struct {
	Admitted bool
	Reason   Reason
}

// Governor is safe for concurrent use. One instance belongs to one session.
type Governor struct {
	mu     sync.Mutex
	limits Limits
	now    func() time.Time

	senders map[string][]time.Time

	sessionCount   int
	sessionResetAt time.Time
}

// Option customizes a Governor
type Option func(*Governor)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		g.now = now
	}
}

func NewGovernor(limits Limits, opts ...Option) *Governor {
	g := &Governor{
		limits:  limits,
		now:     time.Now,
		senders: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit decides whether a message from senderID may enter the pipeline.
// Only admitted messages are recorded, so stored counts never exceed a ceiling.
func (g *Governor) Admit(senderID string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if g.limits.SessionPeriod > 0 && !now.Before(g.sessionResetAt) {
		g.sessionCount = 0
		g.sessionResetAt = now.Add(g.limits.SessionPeriod)
	}

	window := g.prune(senderID, now)

	if g.limits.SenderLimit > 0 && len(window)+1 > g.limits.SenderLimit {
		return Decision{Reason: ReasonSender}
	}
	if g.limits.SessionLimit > 0 && g.sessionCount+1 > g.limits.SessionLimit {
		return Decision{Reason: ReasonSession}
	}

	g.senders[senderID] = append(window, now)
	g.sessionCount++
	return Decision{Admitted: true}
}

// prune drops timestamps older than the sender window. A timestamp exactly
// one window old still counts.
func (g *Governor) prune(senderID string, now time.Time) []time.Time {
	stamps := g.senders[senderID]
	if g.limits.SenderWindow <= 0 {
		return stamps
	}

	cutoff := now.Add(-g.limits.SenderWindow)
	i := 0
	for i < len(stamps) && stamps[i].Before(cutoff) {
		i++
	}
	if i == len(stamps) {
		delete(g.senders, senderID)
		return nil
	}
	if i > 0 {
		stamps = append(stamps[:0], stamps[i:]...)
		g.senders[senderID] = stamps
	}
	return stamps
}

// SenderCount returns the number of admitted messages of senderID inside the window
func (g *Governor) SenderCount(senderID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prune(senderID, g.now()))
}

// SessionCount returns the admitted messages of the current session period
func (g *Governor) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limits.SessionPeriod > 0 && !g.now().Before(g.sessionResetAt) {
		return 0
	}
	return g.sessionCount
}

// Reset forgets every window
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.senders = make(map[string][]time.Time)
	g.sessionCount = 0
	g.sessionResetAt = time.Time{}
}
