package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Leader reports whether this process decides for sessions live nowhere
type Leader interface {
	IsLeader() bool
	Run(ctx context.Context)
}

// ServiceConfig tunes the background loops
type ServiceConfig struct {
	SweepInterval    time.Duration
	ReminderSchedule string
}

// Service runs the scheduled message sweep on a ticker and the appointment
// reminders on a cron schedule. Both run in every process and only reach
// the sessions live on it; the elected leader additionally settles the
// messages of sessions live nowhere. A nil leader makes this process the
// leader.
type Service struct {
	engine    *Engine
	reminders *Reminders
	leader    Leader
	cfg       ServiceConfig
	logger    *logrus.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(engine *Engine, reminders *Reminders, leader Leader, cfg ServiceConfig, logger *logrus.Logger) *Service {
	return &Service{
		engine:    engine,
		reminders: reminders,
		leader:    leader,
		cfg:       cfg,
		logger:    logger,
	}
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	s.cron = cron.New()
	if s.reminders != nil {
		_, err := s.cron.AddFunc(s.cfg.ReminderSchedule, func() {
			s.runReminders(runCtx)
		})
		if err != nil {
			cancel()
			return fmt.Errorf("invalid reminder schedule %q: %w", s.cfg.ReminderSchedule, err)
		}
	}
	s.cancel = cancel

	if s.leader != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.leader.Run(runCtx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop(runCtx)
	}()

	s.cron.Start()

	s.logger.WithFields(logrus.Fields{
		"sweep_interval":    s.cfg.SweepInterval,
		"reminder_schedule": s.cfg.ReminderSchedule,
	}).Info("Scheduler service started")
	return nil
}

func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("Timed out waiting for running reminder job")
	}

	s.wg.Wait()
	s.logger.Info("Scheduler service stopped")
}

// IsLeader reports whether this process currently holds the leadership
func (s *Service) IsLeader() bool {
	return s.leader == nil || s.leader.IsLeader()
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one sweep and logs its failure
func (s *Service) SweepOnce(ctx context.Context) SweepResult {
	result, err := s.engine.Sweep(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Scheduled message sweep failed")
	}
	return result
}

func (s *Service) runReminders(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	result, err := s.reminders.Run(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Appointment reminder sweep failed")
		return
	}
	if result.Sent > 0 {
		s.logger.WithField("sent", result.Sent).Info("Appointment reminders sent")
	}
}
