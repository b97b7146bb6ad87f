// Package worker runs the scheduled maintenance actions and the order-event
// audit trail.
package worker

import (
	"context"
	"fmt"
	"time"

	"tabesh/internal/cleanup"
	"tabesh/internal/events"
	"tabesh/internal/logger"
)

type CleanupRunner interface {
	Run(ctx context.Context, action string, req cleanup.Request) (*cleanup.Report, error)
}

// Job is one cleanup action run on every tick.
type Job struct {
	Action  string
	Request cleanup.Request
}

// DefaultJobs are the actions safe to run unattended. behaviorDays sets the
// retention of AI behavior rows.
func DefaultJobs(behaviorDays int) []Job {
	return []Job{
		{Action: cleanup.ActionExpiredTokens},
		{Action: cleanup.ActionExpiredFiles},
		{Action: cleanup.ActionOrphanFiles},
		{Action: cleanup.ActionOldBehavior, Request: cleanup.Request{Days: behaviorDays}},
	}
}

type Scheduler struct {
	Cleanup  CleanupRunner
	Jobs     []Job
	Interval time.Duration
	Logger   *logger.Logger
}

// RunOnce runs every job once. A failing job is logged and does not stop the
// others; the reports of the successful ones are returned.
func (s *Scheduler) RunOnce(ctx context.Context) []cleanup.Report {
	var reports []cleanup.Report
	for _, job := range s.Jobs {
		if ctx.Err() != nil {
			break
		}
		report, err := s.Cleanup.Run(ctx, job.Action, job.Request)
		if err != nil {
			s.Logger.Error("WORKER", fmt.Sprintf("Cleanup %s failed: %v", job.Action, err))
			continue
		}
		if report.Affected > 0 {
			s.Logger.Info("WORKER", fmt.Sprintf("Cleanup %s removed %d rows", job.Action, report.Affected))
		} else {
			s.Logger.Debug("WORKER", fmt.Sprintf("Cleanup %s had nothing to do", job.Action))
		}
		reports = append(reports, *report)
	}
	return reports
}

// Run runs the jobs immediately and then on every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		return fmt.Errorf("worker interval must be positive, got %s", s.Interval)
	}
	s.Logger.Info("WORKER", fmt.Sprintf("Scheduled cleanup every %s", s.Interval))
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("WORKER", "Scheduled cleanup stopped")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Audit logs one line per order event. It never fails so the consumer
// always commits.
func Audit(log *logger.Logger) func(context.Context, events.Event) error {
	return func(_ context.Context, e events.Event) error {
		msg := fmt.Sprintf("%s by %q", e.Type, e.ActorID)
		if e.OrderNumber != "" {
			msg += " order_number=" + e.OrderNumber
		}
		if e.Status != "" {
			msg += " status=" + e.Status
		}
		if e.FileID != 0 {
			msg += fmt.Sprintf(" file=%d", e.FileID)
		}
		if e.Message != "" {
			msg += " (" + e.Message + ")"
		}
		log.LogOrder("AUDIT", e.OrderID, msg)
		return nil
	}
}
