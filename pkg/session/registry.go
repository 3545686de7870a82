// Package session keeps the live bots of this process. Each registered
// session owns its throttles, pacing, conversation router and reply
// generator; the registry binds them to the gateway connection and feeds
// them inbound messages one sender at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"chatbot-engine/pkg/constants"
	"chatbot-engine/pkg/events"
	"chatbot-engine/pkg/gateway"
	"chatbot-engine/pkg/metrics"
	"chatbot-engine/pkg/models"
	"chatbot-engine/pkg/pacing"
	"chatbot-engine/pkg/provider"
	"chatbot-engine/pkg/ratelimit"
	"chatbot-engine/pkg/responder"
	"chatbot-engine/pkg/router"
	"chatbot-engine/pkg/store"
)

// Connector returns the outbound client of a session
type Connector func(sessionID string) gateway.Client

// ProviderResolver builds the text-generation backend of a bot
type ProviderResolver func(creds models.ProviderCredentials) (provider.Provider, error)

// Deps are the collaborators shared by every session
type Deps struct {
	Appointments store.Appointments
	Scheduler    router.MessageScheduler
	Cache        responder.Cache
	Limiter      *rate.Limiter
	Resolve      ProviderResolver

	SenderWindow  time.Duration
	SessionPeriod time.Duration
	CacheTTL      time.Duration
	Location      *time.Location

	PacingOptions []pacing.Option
}

// Owners records which process holds each session when several processes
// share one gateway
type Owners interface {
	Self() string
	TTL() time.Duration
	Claim(ctx context.Context, sessionID string) (string, error)
	Release(ctx context.Context, sessionID string) error
}

// Registry is safe for concurrent use
type Registry struct {
	catalog        Catalog
	connect        Connector
	emitter        events.Emitter
	deps           Deps
	owners         Owners
	expiryInterval time.Duration
	logger         *logrus.Logger
	metrics        *metrics.Metrics
	now            func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	queue  *serialQueue
	ctx    context.Context
	cancel context.CancelFunc
}

// Option customizes a Registry
type Option func(*Registry)

// WithClock replaces time.Now for validity checks and every session component
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithExpiryInterval sets how often Run checks validity windows
func WithExpiryInterval(d time.Duration) Option {
	return func(r *Registry) {
		r.expiryInterval = d
	}
}

// WithOwners makes the registry claim every session it registers. A session
// claimed by another process is refused with gateway.ErrOwnedElsewhere.
func WithOwners(owners Owners) Option {
	return func(r *Registry) {
		r.owners = owners
	}
}

func NewRegistry(catalog Catalog, connect Connector, emitter events.Emitter, deps Deps, logger *logrus.Logger, metrics *metrics.Metrics, opts ...Option) *Registry {
	if emitter == nil {
		emitter = events.Discard{}
	}
	if deps.Resolve == nil {
		deps.Resolve = func(creds models.ProviderCredentials) (provider.Provider, error) {
			return provider.Resolve(creds, provider.Options{})
		}
	}
	if deps.SenderWindow <= 0 {
		deps.SenderWindow = constants.SecondsToDuration(constants.DefaultSenderWindowSeconds)
	}
	if deps.SessionPeriod <= 0 {
		deps.SessionPeriod = constants.SecondsToDuration(constants.DefaultSessionResetSeconds)
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		catalog:        catalog,
		connect:        connect,
		emitter:        emitter,
		deps:           deps,
		expiryInterval: constants.SecondsToDuration(constants.DefaultExpiryCheckIntervalSeconds),
		logger:         logger,
		metrics:        metrics,
		now:            time.Now,
		sessions:       make(map[string]*Session),
		queue:          newSerialQueue(),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register makes bot live on gw. Registering a live id returns the existing
// session. Inactive bots and bots outside their validity window are refused.
func (r *Registry) Register(ctx context.Context, bot *models.BotSession, gw gateway.Client) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[bot.ID]; ok {
		r.logger.WithField("session_id", bot.ID).Debug("Session already live")
		return existing, nil
	}
	if err := Validate(bot, r.now()); err != nil {
		return nil, err
	}
	if err := r.claim(ctx, bot.ID); err != nil {
		return nil, err
	}

	sess, err := r.build(*bot, gw)
	if err != nil {
		r.release(bot.ID)
		return nil, err
	}
	r.sessions[bot.ID] = sess
	r.metrics.LiveSessions.Set(float64(len(r.sessions)))

	r.logger.WithFields(logrus.Fields{
		"session_id": bot.ID,
		"name":       bot.Name,
	}).Info("Session registered")
	sess.emit(events.Event{Type: events.TypeStatus, Status: events.StatusConnected})
	return sess, nil
}

func (r *Registry) claim(ctx context.Context, id string) error {
	if r.owners == nil {
		return nil
	}
	owner, err := r.owners.Claim(ctx, id)
	if err != nil {
		return err
	}
	if owner != r.owners.Self() {
		return fmt.Errorf("%w: session %s is live on %s", gateway.ErrOwnedElsewhere, id, owner)
	}
	return nil
}

func (r *Registry) release(id string) {
	if r.owners == nil {
		return
	}
	if err := r.owners.Release(context.Background(), id); err != nil {
		r.logger.WithError(err).WithField("session_id", id).Warn("Failed to release session ownership")
	}
}

func (r *Registry) build(bot models.BotSession, gw gateway.Client) (*Session, error) {
	bot.Settings = bot.Settings.WithDefaults()
	logger := r.logger

	p, err := r.deps.Resolve(bot.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve provider of session %s: %w", bot.ID, err)
	}
	if p == nil {
		logger.WithField("session_id", bot.ID).Warn("No text generation provider configured, replies fall back to the default text")
	}

	pacingOpts := append([]pacing.Option{}, r.deps.PacingOptions...)
	pacer := pacing.NewSimulator(bot.Settings, logger, pacingOpts...)

	governor := ratelimit.NewGovernor(ratelimit.Limits{
		SenderWindow:  r.deps.SenderWindow,
		SenderLimit:   bot.Settings.MaxMessagesPerHour,
		SessionPeriod: r.deps.SessionPeriod,
		SessionLimit:  bot.Settings.MaxMessagesPerMinute,
	}, ratelimit.WithClock(r.now))

	rt := router.NewRouter(router.Config{
		SessionID: bot.ID,
		Settings:  bot.Settings,
		Location:  r.deps.Location,
	}, r.deps.Appointments, r.deps.Scheduler, logger, router.WithClock(r.now))

	genOpts := []responder.Option{
		responder.WithHumanizer(pacer),
		responder.WithClock(r.now),
	}
	if r.deps.Limiter != nil {
		genOpts = append(genOpts, responder.WithLimiter(r.deps.Limiter))
	}
	generator := responder.NewGenerator(responder.Config{
		SessionID: bot.ID,
		Persona:   bot.Identity,
		Settings:  bot.Settings,
		Location:  r.deps.Location,
		CacheTTL:  r.deps.CacheTTL,
	}, p, r.deps.Cache, logger, r.metrics, genOpts...)

	return &Session{
		bot:         bot,
		client:      gw,
		governor:    governor,
		pacer:       pacer,
		router:      rt,
		generator:   generator,
		emitter:     r.emitter,
		logger:      logger,
		metrics:     r.metrics,
		connectedAt: r.now(),
		contacts:    make(map[string]struct{}),
	}, nil
}

// Lookup returns the live session with id
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, nil
}

// List returns the live sessions ordered by id
func (r *Registry) List() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID() < sessions[j].ID() })
	return sessions
}

// Outbound returns the gateway client of a live session
func (r *Registry) Outbound(id string) (gateway.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.client, true
}

// Deregister removes a live session. It reports whether the session was live.
func (r *Registry) Deregister(id, reason string) bool {
	return r.deregister(id, events.StatusDisconnected, reason)
}

// Stop is the administrative stop of a session
func (r *Registry) Stop(id string) bool {
	return r.deregister(id, events.StatusStopped, "stopped by administrator")
}

func (r *Registry) deregister(id, status, reason string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.metrics.LiveSessions.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.release(id)
	sess.teardown()
	r.logger.WithFields(logrus.Fields{
		"session_id": id,
		"status":     status,
		"reason":     reason,
	}).Info("Session deregistered")
	sess.emit(events.Event{Type: events.TypeStatus, Status: status, Reason: reason})
	return true
}

// Activate registers a catalog bot on its gateway connection
func (r *Registry) Activate(ctx context.Context, id string) (*Session, error) {
	bot, err := r.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.Register(ctx, bot, r.connect(id))
}

// HandleEvent reacts to one gateway signal. Inbound messages are queued per
// sender and handled asynchronously.
func (r *Registry) HandleEvent(ctx context.Context, evt gateway.Event) error {
	logger := r.logger.WithFields(logrus.Fields{
		"session_id": evt.SessionID,
		"event":      evt.Type,
	})

	switch evt.Type {
	case gateway.EventPairingCode:
		r.emitter.Emit(events.Event{
			Type:      events.TypePairingCode,
			SessionID: evt.SessionID,
			Message:   evt.Code,
		})

	case gateway.EventReady:
		if _, err := r.Activate(ctx, evt.SessionID); err != nil {
			if errors.Is(err, gateway.ErrOwnedElsewhere) {
				return err
			}
			logger.WithError(err).Warn("Session activation refused")
			r.emitter.Emit(events.Event{
				Type:      events.TypeStatus,
				SessionID: evt.SessionID,
				Status:    refusalStatus(err),
				Reason:    err.Error(),
			})
		}

	case gateway.EventDisconnected:
		r.deregister(evt.SessionID, events.StatusDisconnected, evt.Reason)

	case gateway.EventAuthFailure:
		r.deregister(evt.SessionID, events.StatusAuthFailed, evt.Reason)

	case gateway.EventMessage:
		if evt.Message == nil {
			return errors.New("message event without message")
		}
		sess, err := r.Lookup(evt.SessionID)
		if err != nil {
			logger.Debug("Message for a session that is not live, ignoring")
			return nil
		}
		msg := *evt.Message
		r.queue.Enqueue(evt.SessionID+"\x00"+msg.Sender, func() {
			sess.HandleInbound(r.ctx, msg)
		})

	default:
		logger.Warn("Unknown gateway event")
	}
	return nil
}

func refusalStatus(err error) string {
	if errors.Is(err, ErrExpired) {
		return events.StatusExpired
	}
	return events.StatusDisconnected
}

// Run deregisters sessions whose validity window ended and renews the
// ownership of live sessions until ctx is done
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.expiryInterval)
	defer ticker.Stop()

	var renew <-chan time.Time
	if r.owners != nil {
		renewTicker := time.NewTicker(r.owners.TTL() / 3)
		defer renewTicker.Stop()
		renew = renewTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ExpireSessions()
		case <-renew:
			r.RenewOwnership(ctx)
		}
	}
}

// RenewOwnership extends the claim on every live session. Sessions whose
// claim was taken over by another process are deregistered; their ids are
// returned.
func (r *Registry) RenewOwnership(ctx context.Context) []string {
	if r.owners == nil {
		return nil
	}

	var lost []string
	for _, sess := range r.List() {
		owner, err := r.owners.Claim(ctx, sess.ID())
		if err != nil {
			r.logger.WithError(err).WithField("session_id", sess.ID()).Warn("Failed to renew session ownership")
			continue
		}
		if owner == r.owners.Self() {
			continue
		}
		if r.deregister(sess.ID(), events.StatusDisconnected, fmt.Sprintf("session moved to %s", owner)) {
			lost = append(lost, sess.ID())
		}
	}
	return lost
}

// ExpireSessions deregisters every live session past its end date and
// returns their ids
func (r *Registry) ExpireSessions() []string {
	now := r.now()

	var expired []*Session
	r.mu.RLock()
	for _, sess := range r.sessions {
		if end := sess.bot.EndDate; !end.IsZero() && now.After(end) {
			expired = append(expired, sess)
		}
	}
	r.mu.RUnlock()

	ids := make([]string, 0, len(expired))
	for _, sess := range expired {
		reason := (&ValidityError{SessionID: sess.ID(), Boundary: BoundaryEnd, At: sess.bot.EndDate}).Error()
		if r.deregister(sess.ID(), events.StatusExpired, reason) {
			ids = append(ids, sess.ID())
		}
	}
	return ids
}

// Wait blocks until queued inbound messages are handled
func (r *Registry) Wait() {
	r.queue.Wait()
}

// Close deregisters every session and cancels in-flight message handling
func (r *Registry) Close() {
	for _, sess := range r.List() {
		r.deregister(sess.ID(), events.StatusStopped, "shutdown")
	}
	r.cancel()
}
