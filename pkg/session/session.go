package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatbot-engine/pkg/events"
	"chatbot-engine/pkg/gateway"
	"chatbot-engine/pkg/metrics"
	"chatbot-engine/pkg/models"
	"chatbot-engine/pkg/pacing"
	"chatbot-engine/pkg/ratelimit"
	"chatbot-engine/pkg/responder"
	"chatbot-engine/pkg/router"
)

var greetings = []string{
	"Olá! Como posso ajudar? 😊",
	"Oi! Tudo bem por aí?",
	"E aí! O que precisas hoje?",
	"Saudações! Em que posso ser útil?",
	"Oi! Estou por aqui se precisar",
}

// Inbound pipeline results, used as metric labels
const (
	resultOwn       = "own"
	resultGroup     = "group"
	resultThrottled = "throttled"
	resultDropped   = "dropped"
	resultReplied   = "replied"
	resultGenerated = "generated"
	resultFailed    = "failed"
)

// Session is one live bot bound to its gateway connection. It owns the
// throttles, pacing, router and generator of that bot and nothing is
// shared with other sessions.
type Session struct {
	bot         models.BotSession
	client      gateway.Client
	governor    *ratelimit.Governor
	pacer       *pacing.Simulator
	router      *router.Router
	generator   *responder.Generator
	emitter     events.Emitter
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	connectedAt time.Time

	mu       sync.Mutex
	contacts map[string]struct{}
}

// Info is a read-only view of a live session
type Info struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	ConnectedAt time.Time       `json:"connected_at"`
	EndDate     time.Time       `json:"end_date,omitempty"`
	Settings    models.Settings `json:"settings"`
}

func (s *Session) ID() string {
	return s.bot.ID
}

// Bot returns a copy of the configuration the session was registered with
func (s *Session) Bot() models.BotSession {
	return s.bot
}

func (s *Session) Client() gateway.Client {
	return s.client
}

func (s *Session) Router() *router.Router {
	return s.router
}

func (s *Session) Info() Info {
	return Info{
		ID:          s.bot.ID,
		Name:        s.bot.Name,
		ConnectedAt: s.connectedAt,
		EndDate:     s.bot.EndDate,
		Settings:    s.bot.Settings,
	}
}

func (s *Session) log(sender string) *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{
		"session_id": s.bot.ID,
		"sender":     sender,
	})
}

func (s *Session) emit(evt events.Event) {
	evt.SessionID = s.bot.ID
	s.emitter.Emit(evt)
}

// teardown forgets per-sender state. In-flight replies are left to finish.
func (s *Session) teardown() {
	s.router.Reset()
	s.governor.Reset()
}

// firstContact records sender and reports whether it was new
func (s *Session) firstContact(sender string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.contacts[sender]; seen {
		return false
	}
	s.contacts[sender] = struct{}{}
	return true
}

// HandleInbound runs one message through the pipeline. Messages of one
// sender must not be handled concurrently; the registry queues them.
func (s *Session) HandleInbound(ctx context.Context, msg gateway.InboundMessage) {
	settings := s.bot.Settings
	logger := s.log(msg.Sender)

	if msg.FromMe {
		s.metrics.InboundMessages.WithLabelValues(resultOwn).Inc()
		return
	}
	if msg.IsGroup && settings.PreventGroupResponses {
		s.metrics.InboundMessages.WithLabelValues(resultGroup).Inc()
		logger.Debug("Group message ignored")
		return
	}

	decision := s.governor.Admit(msg.Sender)
	if !decision.Admitted {
		s.metrics.InboundMessages.WithLabelValues(resultThrottled).Inc()
		s.metrics.ThrottleRejections.WithLabelValues(string(decision.Reason)).Inc()
		logger.WithField("reason", decision.Reason).Info("Message rejected by rate governor")
		s.emit(events.Event{
			Type:    events.TypeThrottled,
			Contact: msg.Sender,
			Reason:  string(decision.Reason),
		})
		return
	}

	kind := models.ParseMessageKind(msg.Kind)
	s.emit(events.Event{
		Type:    events.TypeInbound,
		Contact: msg.Sender,
		Message: summarize(msg, kind),
	})
	firstContact := s.firstContact(msg.Sender)

	outcome, err := s.router.Route(ctx, msg.Sender, msg.Body)
	if err != nil {
		logger.WithError(err).Error("Failed to route message")
	}

	switch outcome.Action {
	case router.ActionDrop:
		s.metrics.InboundMessages.WithLabelValues(resultDropped).Inc()
		s.emit(events.Event{
			Type:    events.TypeDropped,
			Contact: msg.Sender,
			Reason:  string(outcome.State),
		})
	case router.ActionReply:
		s.metrics.InboundMessages.WithLabelValues(resultReplied).Inc()
		s.send(ctx, msg, outcome.Reply, "router")
	case router.ActionGenerate:
		s.metrics.InboundMessages.WithLabelValues(resultGenerated).Inc()
		s.generate(ctx, msg, kind, firstContact)
	}
}

func (s *Session) generate(ctx context.Context, msg gateway.InboundMessage, kind models.MessageKind, firstContact bool) {
	logger := s.log(msg.Sender)

	if s.pacer.ShouldReact() && msg.ID != "" {
		if err := s.client.SendReaction(ctx, msg.Sender, msg.ID, s.pacer.Reaction()); err != nil {
			logger.WithError(err).Warn("Failed to send reaction")
		}
	}

	s.emit(events.Event{Type: events.TypeTyping, Contact: msg.Sender})
	err := s.pacer.BeforeReply(ctx, func(ctx context.Context) error {
		return s.client.SetTyping(ctx, msg.Sender)
	})
	if err != nil {
		logger.WithError(err).Info("Reply abandoned during pacing")
		return
	}

	if firstContact && s.bot.Settings.GreetFirstContact && kind == models.KindText {
		s.send(ctx, msg, s.pacer.Choose(greetings), "greeting")
		return
	}

	input := msg.Body
	if msg.Transcript != "" {
		input, kind = msg.Transcript, models.KindText
	}

	res := s.generator.Generate(ctx, msg.Sender, input, kind)
	text, source := res.Text, "provider"
	switch {
	case res.Fallback:
		source = "fallback"
	case res.Cached:
		source = "cache"
	}
	if !res.Fallback && !res.Sanitized {
		text = s.humanize(text)
	}
	s.send(ctx, msg, text, source)
}

// humanize applies a human-like mistake unless the mistake makes the reply
// look automated, e.g. by stretching a run of repeated characters
func (s *Session) humanize(text string) string {
	mutated := s.pacer.MaybeMutate(text)
	if mutated != text && responder.Suspicious(mutated) {
		return text
	}
	return mutated
}

// send delivers text quoting msg. A failure is logged and not retried.
func (s *Session) send(ctx context.Context, msg gateway.InboundMessage, text, source string) {
	opts := gateway.SendOptions{QuotedMessageID: msg.ID}
	if err := s.client.SendText(ctx, msg.Sender, text, opts); err != nil {
		s.metrics.InboundMessages.WithLabelValues(resultFailed).Inc()
		s.log(msg.Sender).WithError(err).Error("Failed to send reply")
		return
	}
	s.metrics.RepliesSent.WithLabelValues(source).Inc()
	s.emit(events.Event{
		Type:    events.TypeOutbound,
		Contact: msg.Sender,
		Message: text,
	})
}

func summarize(msg gateway.InboundMessage, kind models.MessageKind) string {
	switch {
	case msg.Body != "":
		return msg.Body
	case msg.HasMedia:
		return fmt.Sprintf("[%s]", kind)
	default:
		return "(sem conteúdo)"
	}
}
