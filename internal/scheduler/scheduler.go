// Package scheduler launches orchestrations on cron expressions. It polls
// the store for due scheduled runs and hands them to the execution engine;
// a run that collides with an already-running execution records the conflict
// and waits for its next slot, it is never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentpipe/agentpipe/internal/domain"
	"github.com/agentpipe/agentpipe/internal/engine"
	"github.com/agentpipe/agentpipe/internal/observability"
)

// ScheduleStore is the persistence surface the scheduler depends on.
type ScheduleStore interface {
	ListDueSchedules(ctx context.Context, now time.Time) ([]domain.ScheduledRun, error)
	UpdateSchedule(ctx context.Context, s *domain.ScheduledRun) error
}

// Config tunes the scheduler. Zero values mean defaults.
type Config struct {
	// PollInterval is how often due schedules are checked. Default 30s.
	PollInterval time.Duration
	// MissedRunWindow bounds crash recovery: a schedule whose slot is older
	// than this is skipped to its next slot instead of fired. Default 1h.
	MissedRunWindow time.Duration
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return 30 * time.Second
}

func (c Config) missedRunWindow() time.Duration {
	if c.MissedRunWindow > 0 {
		return c.MissedRunWindow
	}
	return time.Hour
}

// Scheduler polls for due scheduled runs and launches them.
type Scheduler struct {
	store   ScheduleStore
	engine  engine.ExecutionEngine
	metrics *observability.MetricsCollector
	logger  *slog.Logger
	config  Config

	parser cron.Parser
	now    func() time.Time
}

// New creates a Scheduler.
func New(store ScheduleStore, eng engine.ExecutionEngine, metrics *observability.MetricsCollector, logger *slog.Logger, cfg Config) *Scheduler {
	return &Scheduler{
		store:   store,
		engine:  eng,
		metrics: metrics,
		logger:  logger,
		config:  cfg,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the polling loop and returns a cancel function.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "scheduler started",
			slog.String("poll_interval", s.config.pollInterval().String()),
		)

		// Catch up on slots missed while the process was down.
		s.Tick(ctx)

		ticker := time.NewTicker(s.config.pollInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopped")
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()

	return cancel
}

// Tick runs a single poll cycle: find due schedules, fire them, advance
// their next run times.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "polling due schedules failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for i := range due {
		s.fire(ctx, &due[i], now)
	}
}

// fire launches one due schedule and records the outcome on the schedule
// row. Slots older than the missed-run window are skipped to the next slot.
func (s *Scheduler) fire(ctx context.Context, sr *domain.ScheduledRun, now time.Time) {
	outcome := "launched"

	if sr.NextRunAt != nil && sr.NextRunAt.Before(now.Add(-s.config.missedRunWindow())) {
		sr.LastError = "skipped: outside missed run window"
		outcome = "skipped"
	} else {
		exec, err := s.engine.Launch(ctx, &engine.LaunchRequest{
			OrgID:           sr.OrgID,
			OrchestrationID: sr.OrchestrationID,
			Input:           sr.Input,
		})
		switch {
		case errors.Is(err, engine.ErrConflict):
			// An execution is already running; the slot is forfeited.
			sr.LastError = "orchestration already has a running execution"
			outcome = "conflict"
		case err != nil:
			sr.LastError = err.Error()
			outcome = "error"
		default:
			sr.LastExecutionID = &exec.ID
			sr.LastError = ""
		}
	}

	lastRun := now
	sr.LastRunAt = &lastRun
	next := s.computeNextRun(sr.CronExpression, now)
	sr.NextRunAt = &next
	sr.UpdatedAt = now

	if err := s.store.UpdateSchedule(ctx, sr); err != nil {
		s.logger.ErrorContext(ctx, "recording schedule outcome failed",
			slog.String("schedule_id", sr.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	if s.metrics != nil {
		s.metrics.ScheduledLaunchesTotal.WithLabelValues(outcome).Inc()
	}

	s.logger.InfoContext(ctx, "schedule fired",
		slog.String("schedule_id", sr.ID.String()),
		slog.String("name", sr.Name),
		slog.String("outcome", outcome),
		slog.Time("next_run_at", next),
	)
}

// computeNextRun parses the cron expression and returns the next slot after
// from. An unparsable expression backs off a full day so the row does not
// spin on every tick.
func (s *Scheduler) computeNextRun(expr string, from time.Time) time.Time {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		s.logger.Error("invalid cron expression",
			slog.String("expr", expr),
			slog.String("error", err.Error()),
		)
		return from.Add(24 * time.Hour)
	}
	return sched.Next(from)
}

// ComputeNextRunFrom computes the next run time of expr after from.
// Exported for the HTTP API to validate expressions and set the initial
// next run time when creating or updating a schedule.
func ComputeNextRunFrom(expr string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
