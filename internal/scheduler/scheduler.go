package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/venueos/mailflow/internal/store"
)

// TemplateRunner is the interface the scheduler uses to start executions.
// Satisfied by a thin adapter over the executor (avoids import cycle).
type TemplateRunner interface {
	RunTemplate(ctx context.Context, templateID, organizationID, venueID string, trigger map[string]any) error
}

// Scheduler polls the store for due scheduled triggers and runs them.
type Scheduler struct {
	store  store.Store
	runner TemplateRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner TemplateRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled triggers and runs those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	trigs, err := s.store.ListScheduledTriggers(ctx, store.ScheduledTriggerFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled triggers", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, trig := range trigs {
		if trig.NextRunAt == nil || !trig.NextRunAt.After(now) {
			if !s.tryAcquire(trig.ID) {
				continue // already running (dedup)
			}
			if err := s.runTrigger(ctx, trig, now); err != nil {
				s.logger.Error("failed to run scheduled trigger",
					slog.String("trigger_id", trig.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(trig.ID)
		}
	}
}

// runTrigger starts an execution for a scheduled trigger and updates its
// timestamps.
func (s *Scheduler) runTrigger(ctx context.Context, trig *store.ScheduledTrigger, now time.Time) error {
	s.logger.Info("running scheduled trigger",
		slog.String("trigger_id", trig.ID),
		slog.String("workflow_id", trig.TemplateID),
	)

	var triggerData map[string]any
	if len(trig.TriggerData) > 0 {
		if err := json.Unmarshal(trig.TriggerData, &triggerData); err != nil {
			return s.updateTriggerStatus(ctx, trig, now, "error")
		}
	}

	err := s.runner.RunTemplate(ctx, trig.TemplateID, trig.OrganizationID, trig.VenueID, triggerData)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled trigger execution failed",
			slog.String("trigger_id", trig.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.updateTriggerStatus(ctx, trig, now, status)
}

func (s *Scheduler) updateTriggerStatus(ctx context.Context, trig *store.ScheduledTrigger, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(trig.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for trigger %q: %w", trig.ID, err)
	}

	return s.store.UpdateScheduledTrigger(ctx, trig.ID, store.ScheduledTriggerUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the trigger as in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

// release removes the trigger from the in-flight set.
func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed checks for triggers that missed their next_run_at and runs
// them once.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	trigs, err := s.store.ListScheduledTriggers(ctx, store.ScheduledTriggerFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed triggers: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, trig := range trigs {
		if trig.NextRunAt != nil && trig.NextRunAt.Before(now) {
			if !s.tryAcquire(trig.ID) {
				continue
			}
			if err := s.runTrigger(ctx, trig, now); err != nil {
				s.logger.Error("failed to recover missed trigger",
					slog.String("trigger_id", trig.ID),
					slog.String("error", err.Error()),
				)
				s.release(trig.ID)
				continue
			}
			s.release(trig.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed triggers", slog.Int("count", recovered))
	}
	return nil
}
