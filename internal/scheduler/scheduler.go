// Package scheduler periodically dispatches notifications whose scheduled
// time has passed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/shohag/pushrelay/internal/config"
	"github.com/shohag/pushrelay/internal/dispatch"
	"github.com/shohag/pushrelay/internal/models"
)

type Store interface {
	DueNotifications(ctx context.Context, now time.Time, limit int) ([]models.Notification, error)
}

type Dispatcher interface {
	DispatchScheduled(ctx context.Context, n *models.Notification) (*dispatch.Result, error)
}

type Scheduler struct {
	cfg        config.SchedulerConfig
	store      Store
	dispatcher Dispatcher
	log        zerolog.Logger
	now        func() time.Time

	parser cron.Parser

	mu   sync.Mutex
	c    *cron.Cron
	stop context.CancelFunc
}

func New(cfg config.SchedulerConfig, store Store, dispatcher Dispatcher, log zerolog.Logger) *Scheduler {
	if cfg.Spec == "" {
		cfg.Spec = "@every 1m"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 5 * time.Minute
	}
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "scheduler").Logger(),
		now:        time.Now,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers the tick and starts the cron runner. A tick still running
// when the next one fires is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	runCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddFunc(s.cfg.Spec, func() {
		if _, err := s.RunOnce(runCtx); err != nil {
			s.log.Error().Err(err).Msg("scheduler tick failed")
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("invalid scheduler spec %q: %w", s.cfg.Spec, err)
	}

	s.c = c
	s.stop = cancel
	c.Start()
	s.log.Info().Str("spec", s.cfg.Spec).Msg("scheduler started")
	return nil
}

// Stop stops the runner and waits for a running tick to finish, or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.stop
	s.c, s.stop = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done
	}
	cancel()
	s.log.Info().Msg("scheduler stopped")
	return nil
}

// RunOnce dispatches every due notification and returns how many were sent.
// A failure on one notification is logged and does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	due, err := s.store.DueNotifications(ctx, s.now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load due notifications: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}
	s.log.Debug().Int("due", len(due)).Msg("processing scheduled notifications")

	sent := 0
	for i := range due {
		if errors.Is(ctx.Err(), context.Canceled) {
			break
		}
		n := &due[i]
		dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		res, err := s.dispatcher.DispatchScheduled(dctx, n)
		cancel()

		log := s.log.With().Str("notification_id", n.ID).Str("app_id", n.AppID).Logger()
		switch {
		case err != nil:
			log.Error().Err(err).Msg("scheduled dispatch failed")
		case res == nil:
			log.Debug().Msg("scheduled notification already claimed")
		default:
			sent++
			log.Info().
				Int("total", res.Stats.Total).
				Int("sent", res.Stats.Sent).
				Int("failed", res.Stats.Failed).
				Msg("scheduled notification sent")
		}
	}
	return sent, nil
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
