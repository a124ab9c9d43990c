package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"qrattend/internal/attendance"
	"qrattend/internal/config"
	"qrattend/internal/metrics"
	"qrattend/internal/queue"
)

const claimBatch = 100

// OverdueLister finds open windows whose sweep should already have run.
type OverdueLister interface {
	ListOverdue(ctx context.Context, cutoff time.Time, limit int) ([]attendance.Window, error)
}

// Runner executes the completion sweep of one window.
type Runner interface {
	RunSweep(ctx context.Context, token string) (attendance.SweepResult, error)
}

// Scheduler runs each window's sweep once its settle deadline passes. Timers
// live in a due-task queue; the window table is the durable record, and a
// periodic recovery scan re-queues any open window whose timer was lost.
type Scheduler struct {
	queue  queue.Queue
	cfg    config.SweepConfig
	logger *zap.Logger
	now    func() time.Time
}

// New creates a scheduler on q.
func New(q queue.Queue, cfg config.SweepConfig, logger *zap.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{queue: q, cfg: cfg, logger: logger, now: time.Now}
}

// Arm queues the sweep of a window at expiresAt plus the settle interval.
func (s *Scheduler) Arm(ctx context.Context, token string, expiresAt time.Time) error {
	if err := s.queue.Schedule(ctx, token, expiresAt.Add(s.cfg.Settle)); err != nil {
		return err
	}
	metrics.DueTasks.WithLabelValues("timer").Inc()
	return nil
}

// Cancel drops a pending sweep.
func (s *Scheduler) Cancel(ctx context.Context, token string) error {
	return s.queue.Cancel(ctx, token)
}

// Run recovers overdue windows, then polls the queue until ctx is done.
func (s *Scheduler) Run(ctx context.Context, lister OverdueLister, runner Runner) error {
	s.logger.Info("sweep scheduler started",
		zap.Duration("settle", s.cfg.Settle),
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("concurrency", s.cfg.Concurrency),
	)
	s.Recover(ctx, lister)

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	recovery := time.NewTicker(s.cfg.RecoveryInterval)
	defer recovery.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep scheduler stopped")
			return nil
		case <-recovery.C:
			s.Recover(ctx, lister)
		case <-poll.C:
			if _, err := s.Tick(ctx, runner); err != nil && ctx.Err() == nil {
				s.logger.Warn("claim due sweeps failed", zap.Error(err))
			}
		}
	}
}

// Recover queues every open window past its settle deadline that is not
// already pending. It returns how many windows it found.
func (s *Scheduler) Recover(ctx context.Context, lister OverdueLister) int {
	overdue, err := lister.ListOverdue(ctx, s.now().Add(-s.cfg.Settle), claimBatch)
	if err != nil {
		s.logger.Warn("recovery scan failed", zap.Error(err))
		return 0
	}
	for _, w := range overdue {
		if err := s.queue.Offer(ctx, w.Token, w.ExpiresAt.Add(s.cfg.Settle)); err != nil {
			s.logger.Warn("requeue overdue window failed", zap.String("token", w.Token), zap.Error(err))
			continue
		}
		metrics.DueTasks.WithLabelValues("recovery").Inc()
	}
	if len(overdue) > 0 {
		s.logger.Info("recovered overdue windows", zap.Int("count", len(overdue)))
	}
	return len(overdue)
}

// Tick claims the sweeps that are due now and runs them, at most
// cfg.Concurrency at a time. It returns the number of tasks claimed.
func (s *Scheduler) Tick(ctx context.Context, runner Runner) (int, error) {
	tokens, err := s.queue.Claim(ctx, s.now(), claimBatch)
	if err != nil {
		return 0, err
	}
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, token := range tokens {
		token := token
		g.Go(func() error {
			s.dispatch(ctx, runner, token)
			return nil
		})
	}
	_ = g.Wait()
	return len(tokens), nil
}

func (s *Scheduler) dispatch(ctx context.Context, runner Runner, token string) {
	log := s.logger.With(zap.String("token", token))
	_, err := runner.RunSweep(ctx, token)

	var notDue *attendance.ErrSweepNotDue
	switch {
	case err == nil:
		if err := s.queue.ClearAttempts(ctx, token); err != nil {
			log.Warn("clear sweep attempts failed", zap.Error(err))
		}
	case errors.As(err, &notDue):
		if err := s.queue.Schedule(ctx, token, notDue.DueAt); err != nil {
			log.Error("reschedule early sweep failed", zap.Error(err))
		}
	default:
		s.retry(ctx, log, token, err)
	}
}

func (s *Scheduler) retry(ctx context.Context, log *zap.Logger, token string, cause error) {
	attempt, err := s.queue.IncrAttempts(ctx, token)
	if err != nil {
		log.Error("record sweep attempt failed", zap.Error(err))
		attempt = 1
	}
	if attempt >= s.cfg.MaxAttempts {
		// The window stays open, so the recovery scan keeps retrying at its slower pace.
		log.Error("sweep failed, giving up fast retries", zap.Int("attempt", attempt), zap.Error(cause))
		_ = s.queue.ClearAttempts(ctx, token)
		return
	}
	next := s.now().Add(time.Duration(attempt) * s.cfg.RetryDelay)
	log.Warn("sweep failed, retrying", zap.Int("attempt", attempt), zap.Time("retry_at", next), zap.Error(cause))
	if err := s.queue.Schedule(ctx, token, next); err != nil {
		log.Error("schedule sweep retry failed", zap.Error(err))
		return
	}
	metrics.DueTasks.WithLabelValues("retry").Inc()
}
