package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"chatbot-engine/pkg/config"
	"chatbot-engine/pkg/constants"
	"chatbot-engine/pkg/events"
	"chatbot-engine/pkg/gateway"
	"chatbot-engine/pkg/handlers"
	"chatbot-engine/pkg/logging"
	"chatbot-engine/pkg/metrics"
	"chatbot-engine/pkg/models"
	"chatbot-engine/pkg/provider"
	redisClient "chatbot-engine/pkg/redis"
	"chatbot-engine/pkg/responder"
	"chatbot-engine/pkg/scheduler"
	"chatbot-engine/pkg/server"
	"chatbot-engine/pkg/session"
	"chatbot-engine/pkg/store"
)

var rootCmd = &cobra.Command{
	Use:   "chatbotd",
	Short: "chatbotd - multi-tenant chatbot conversation engine",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume gateway events, answer messages and run the scheduled message sweep",
	RunE:  runServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the session catalog and show which bots can be activated",
	RunE:  runCheck,
}

var catalogFlag string

func init() {
	rootCmd.PersistentFlags().StringVar(&catalogFlag, "catalog", "", "session catalog file (overrides SESSIONS_FILE)")
	rootCmd.AddCommand(serveCmd, checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg := config.Load()
	if catalogFlag != "" {
		cfg.SessionsFile = catalogFlag
	}
	return cfg
}

func newPublisher(cfg *config.Config, rdb *redisClient.Client, logger *logrus.Logger) (events.Publisher, error) {
	switch cfg.EventsDriver {
	case "amqp":
		return events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, cfg.PodID, logger)
	case "log":
		return events.NewLogPublisher(logger), nil
	default:
		return events.NewStreamPublisher(rdb.GetRedisClient(), cfg.EventsStream, cfg.PodID, 10000), nil
	}
}

func newCache(cfg *config.Config, rdb *redisClient.Client, m *metrics.Metrics) responder.Cache {
	if cfg.ResponseCacheDriver == "memory" {
		return responder.NewMemoryCache()
	}
	return responder.NewRedisCache(rdb.GetRedisClient(), m)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := logging.New(cfg)
	logger.WithField("pod_id", cfg.PodID).Info("Starting conversation engine")

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	redisConfig := redisClient.NewConnectionConfig(cfg.RedisURL, cfg.RedisPoolSize, cfg.RedisMinIdleConns)
	redis, err := redisClient.NewClient(redisConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer redis.Close()
	rdb := redis.GetRedisClient()

	st, err := store.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer st.Close()

	catalog, err := session.NewFileCatalog(cfg.SessionsFile)
	if err != nil {
		return err
	}

	publisher, err := newPublisher(cfg, redis, logger)
	if err != nil {
		return fmt.Errorf("failed to create event publisher: %w", err)
	}
	dispatcher := events.NewDispatcher(publisher, 1024, logger, m)
	defer dispatcher.Close()

	ownership := gateway.NewOwnership(rdb, constants.SessionOwnerPrefix, cfg.PodID, cfg.OwnershipTTLDuration(), m)
	outbound := gateway.NewStreamOutbound(rdb, cfg.GatewayOutboundStream, logger, m)
	engine := scheduler.NewEngine(st, scheduler.NewRedisIndex(rdb, constants.ScheduledMessagesKey, m), nil, scheduler.Options{
		FailurePolicy: cfg.FailurePolicy,
		Concurrency:   cfg.SweepConcurrency,
	}, logger, m)

	providerOpts := provider.Options{
		GeminiModel:    cfg.GeminiModel,
		OpenAIModel:    cfg.OpenAIModel,
		AnthropicModel: cfg.AnthropicModel,
	}
	registry := session.NewRegistry(catalog, func(id string) gateway.Client {
		return outbound.For(id)
	}, dispatcher, session.Deps{
		Appointments: st,
		Scheduler:    engine,
		Cache:        newCache(cfg, redis, m),
		Limiter:      rate.NewLimiter(rate.Limit(cfg.ProviderRPS), cfg.ProviderBurst),
		Resolve: func(creds models.ProviderCredentials) (provider.Provider, error) {
			return provider.Resolve(creds, providerOpts)
		},
		SenderWindow:  cfg.SenderWindow(),
		SessionPeriod: cfg.SessionResetPeriod(),
		CacheTTL:      cfg.ResponseCacheTTLDuration(),
		Location:      cfg.Location(),
	}, logger, m, session.WithExpiryInterval(cfg.ExpiryCheckIntervalDuration()), session.WithOwners(ownership))
	engine.SetRegistry(registry)

	reminders := scheduler.NewReminders(st, registry, cfg.Location(), logger, m)
	leader := scheduler.NewLeaderElection(rdb, constants.LeaderElectionKey, cfg.PodID,
		cfg.LeaderElectionTTLDuration(), constants.SecondsToDuration(constants.DefaultLeaderElectionIntervalSeconds), logger, m)
	engine.SetCluster(scheduler.Cluster{
		Owners:   ownership,
		Claims:   scheduler.NewClaims(rdb, constants.ScheduledClaimPrefix, cfg.PodID, cfg.OwnershipTTLDuration(), m),
		IsLeader: leader.IsLeader,
	})
	service := scheduler.NewService(engine, reminders, leader, scheduler.ServiceConfig{
		SweepInterval:    cfg.SweepInterval(),
		ReminderSchedule: cfg.ReminderSchedule,
	}, logger)

	consumer := gateway.NewStreamConsumer(rdb, cfg.GatewayEventsStream, cfg.ConsumerGroupName, cfg.PodID, registry, logger, m)
	consumer.SetOwnership(ownership)

	handler := handlers.NewHandler(registry, engine, st, logger, service.IsLeader)
	httpServer := server.NewHTTPServer(cfg, handler, logger)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway consumer: %w", err)
	}
	go registry.Run(ctx)
	go func() {
		if err := catalog.Watch(ctx, logger, nil); err != nil {
			logger.WithError(err).Warn("Session catalog watcher not running; reload with SIGHUP")
		}
	}()

	go func() {
		logger.WithField("port", cfg.Port).Info("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			logger.WithField("signal", sig.String()).Info("Received shutdown signal")
			break
		}
		if err := catalog.Reload(); err != nil {
			logger.WithError(err).Error("Failed to reload session catalog")
			continue
		}
		logger.Info("Session catalog reloaded")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	consumer.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
	}
	service.Stop()
	registry.Close()
	cancel()

	logger.Info("Conversation engine shutdown complete")
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	catalog, err := session.NewFileCatalog(cfg.SessionsFile)
	if err != nil {
		return err
	}
	return printCatalog(cmd.OutOrStdout(), catalog, time.Now())
}

func printCatalog(w io.Writer, catalog *session.FileCatalog, now time.Time) error {
	ids := catalog.IDs()
	sort.Strings(ids)

	for _, id := range ids {
		bot, err := catalog.Get(context.Background(), id)
		if err != nil {
			return err
		}
		status := "ok"
		if err := session.Validate(bot, now); err != nil {
			status = err.Error()
		} else if _, err := provider.Resolve(bot.Credentials, provider.Options{}); err != nil {
			status = err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, bot.Name, status)
	}
	fmt.Fprintf(w, "%d sessions\n", len(ids))
	return nil
}
