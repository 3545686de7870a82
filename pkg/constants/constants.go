package constants

import "time"

// Default engine configuration values
const (
	// DefaultSweepIntervalMS - How often the scheduled message sweep runs
	DefaultSweepIntervalMS = 30000

	// DefaultSweepConcurrency - Max deliveries in flight during one sweep
	DefaultSweepConcurrency = 4

	// DefaultLeaderElectionTTLSeconds - Default leader election TTL in seconds
	DefaultLeaderElectionTTLSeconds = 10

	// DefaultLeaderElectionIntervalSeconds - Default leader election check interval
	DefaultLeaderElectionIntervalSeconds = 5

	// DefaultSenderWindowSeconds - Sliding window used by the per-sender throttle
	DefaultSenderWindowSeconds = 3600

	// DefaultSessionResetSeconds - Reset period of the per-session fixed counter
	DefaultSessionResetSeconds = 60

	// DefaultResponseCacheTTLSeconds - Lifetime of a cached provider reply
	DefaultResponseCacheTTLSeconds = 600

	// DefaultExpiryCheckIntervalSeconds - How often live sessions are checked against their validity window
	DefaultExpiryCheckIntervalSeconds = 60

	// DefaultOwnershipTTLSeconds - Lifetime of a session ownership claim without renewal
	DefaultOwnershipTTLSeconds = 30

	// DefaultRedisPoolSize - Connections kept per process
	DefaultRedisPoolSize = 20

	// DefaultRedisMinIdleConns - Idle connections kept warm
	DefaultRedisMinIdleConns = 5

	// DefaultReminderSchedule - cron spec of the appointment reminder sweep
	DefaultReminderSchedule = "@every 1m"
)

// Schedule failure policies
const (
	// FailurePolicyRetry leaves undeliverable messages pending for the next sweep
	FailurePolicyRetry = "retry"

	// FailurePolicyFail marks undeliverable messages failed and drops them from the index
	FailurePolicyFail = "fail"
)

// Redis key prefixes and names
const (
	ScheduledMessagesKey   = "scheduled_messages"
	LeaderElectionKey      = "scheduler:leader"
	ResponseCachePrefix    = "response_cache:"
	SessionOwnerPrefix     = "session_owner:"
	ScheduledClaimPrefix   = "scheduled_messages:claim:"
	DefaultEventsStream    = "ui_events"
	DefaultGatewayEvents   = "gateway_events"
	DefaultGatewayOutbound = "gateway_outbound"
)

// Configuration environment variable names
const (
	EnvSweepInterval         = "SWEEP_INTERVAL_MS"
	EnvSweepConcurrency      = "SWEEP_CONCURRENCY"
	EnvFailurePolicy         = "SCHEDULE_FAILURE_POLICY"
	EnvReminderSchedule      = "REMINDER_SCHEDULE"
	EnvLeaderElectionTTL     = "LEADER_ELECTION_TTL"
	EnvSenderWindow          = "SENDER_WINDOW_SECONDS"
	EnvSessionReset          = "SESSION_RESET_SECONDS"
	EnvResponseCacheTTL      = "RESPONSE_CACHE_TTL_SECONDS"
	EnvResponseCacheDriver   = "RESPONSE_CACHE_DRIVER"
	EnvEventsDriver          = "EVENTS_DRIVER"
	EnvExpiryCheckInterval   = "EXPIRY_CHECK_INTERVAL_SECONDS"
	EnvGatewayEventsStream   = "GATEWAY_EVENTS_STREAM"
	EnvGatewayOutboundStream = "GATEWAY_OUTBOUND_STREAM"
	EnvOwnershipTTL          = "SESSION_OWNERSHIP_TTL_SECONDS"
	EnvRedisPoolSize         = "REDIS_POOL_SIZE"
	EnvRedisMinIdleConns     = "REDIS_MIN_IDLE_CONNS"
)

// Chat commands and tokens understood by the conversation router
const (
	CommandHumanControl    = "#humano"
	CommandBooking         = "#agendar"
	CommandScheduleMessage = "#lembrar"
	CommandCancelMessage   = "#desagendar"
	CommandArgSeparator    = "|"

	TokenConfirm          = "CONFIRMAR"
	TokenCancel           = "CANCELAR"
	TokenNoDescription    = "nenhuma"
	BookingDateLayout     = "2006-01-02 15:04"
	BookingDateLayoutHint = "AAAA-MM-DD HH:MM"
)

// Default per-session settings applied when a catalog entry leaves them unset
const (
	DefaultHumanControlTimeoutMinutes = 30
	DefaultMaxResponseLength          = 200
	DefaultMaxMessagesPerHour         = 60
	DefaultMaxMessagesPerMinute       = 15
	DefaultTypingDurationSeconds      = 2
	DefaultMinResponseDelaySeconds    = 1
	DefaultMaxResponseDelaySeconds    = 4
	DefaultCacheReuseProbability      = 0.5
)

func SecondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// FloatSecondsToDuration converts fractional seconds from tenant settings
func FloatSecondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
