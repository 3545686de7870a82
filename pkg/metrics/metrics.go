package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	InboundMessages         *prometheus.CounterVec
	ThrottleRejections      *prometheus.CounterVec
	RepliesSent             *prometheus.CounterVec
	ProviderCalls           *prometheus.CounterVec
	ResponseCacheHits       prometheus.Counter
	ScheduledDeliveries     *prometheus.CounterVec
	RemindersSent           *prometheus.CounterVec
	DueMessagesCount        prometheus.Gauge
	LiveSessions            prometheus.Gauge
	SweepDuration           prometheus.Histogram
	ReplyGenerationDuration prometheus.Histogram
	RedisOperationDuration  *prometheus.HistogramVec
	LeaderChanges           prometheus.Counter
	LeaderElectionDuration  prometheus.Histogram
	EventsDropped           prometheus.Counter
	GatewayEventsProcessed  *prometheus.CounterVec
	GatewayCommands         *prometheus.CounterVec
}

// NewMetrics registers the engine collectors on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		InboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inbound_messages_total",
			Help: "Inbound chat messages by pipeline result",
		}, []string{"result"}),
		ThrottleRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_rejections_total",
			Help: "Messages rejected by the rate governor",
		}, []string{"scope"}),
		RepliesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "replies_sent_total",
			Help: "Replies sent back through the gateway",
		}, []string{"source"}),
		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_calls_total",
			Help: "Text generation provider calls",
		}, []string{"status"}),
		ResponseCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "response_cache_hits_total",
			Help: "Replies served from the response cache",
		}),
		ScheduledDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduled_deliveries_total",
			Help: "Scheduled message sweep outcomes",
		}, []string{"outcome"}),
		RemindersSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appointment_reminders_sent_total",
			Help: "Appointment reminders sent",
		}, []string{"kind"}),
		DueMessagesCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "due_scheduled_messages_count",
			Help: "Scheduled messages found due in the last sweep",
		}),
		LiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "live_sessions_count",
			Help: "Sessions currently registered as live",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduled_sweep_duration_seconds",
			Help:    "Time taken to sweep due scheduled messages",
			Buckets: prometheus.DefBuckets,
		}),
		ReplyGenerationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "reply_generation_duration_seconds",
			Help:    "Time taken to generate a reply, cache hits included",
			Buckets: prometheus.DefBuckets,
		}),
		RedisOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Time taken for Redis operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		LeaderChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_leader_changes_total",
			Help: "Total number of leader changes",
		}),
		LeaderElectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "leader_election_duration_seconds",
			Help:    "Time taken for leader election operations",
			Buckets: prometheus.DefBuckets,
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ui_events_dropped_total",
			Help: "UI events dropped because the dispatcher queue was full",
		}),
		GatewayEventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_processed_total",
			Help: "Gateway stream events consumed, by result",
		}, []string{"status"}),
		GatewayCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_commands_total",
			Help: "Outbound commands appended to the gateway stream",
		}, []string{"command"}),
	}
}

// NewTestMetrics registers the collectors on a private registry
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
