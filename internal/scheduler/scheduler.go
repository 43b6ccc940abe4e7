// Package scheduler runs the backend's periodic jobs: the P2P expiry
// sweep, database backups, and the daily fee summary. Jobs run
// sequentially on one goroutine; a slow or panicking job delays the
// others but never kills the process.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// JobFunc is one scheduled unit of work. Errors are logged, not fatal.
type JobFunc func(ctx context.Context) error

const tickInterval = time.Second

type job struct {
	name   string
	period time.Duration
	fn     JobFunc
	next   time.Time
}

// Scheduler dispatches registered jobs from a single ticker loop.
type Scheduler struct {
	mu     sync.Mutex
	jobs   []*job
	logger *slog.Logger
}

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{logger: logger.With("component", "scheduler")}
}

// Register adds a job that first fires one period from now and then
// every period after.
func (s *Scheduler) Register(name string, period time.Duration, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:   name,
		period: period,
		fn:     fn,
		next:   time.Now().Add(period),
	})
}

// DailyAt registers a job that fires once a day at the given UTC hour.
func (s *Scheduler) DailyAt(name string, hourUTC int, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:   name,
		period: 24 * time.Hour,
		fn:     fn,
		next:   nextDaily(time.Now().UTC(), hourUTC),
	})
}

// nextDaily returns the next occurrence of hourUTC:00 strictly after now.
func nextDaily(now time.Time, hourUTC int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case now := <-ticker.C:
			s.runDue(ctx, now)
		}
	}
}

// runDue executes every job whose deadline has passed, in registration
// order, and reschedules each from its own deadline so drift does not
// accumulate.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !now.Before(j.next) {
			due = append(due, j)
			for !j.next.After(now) {
				j.next = j.next.Add(j.period)
			}
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.runOne(ctx, j)
	}
}

func (s *Scheduler) runOne(ctx context.Context, j *job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked",
				"job", j.name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	if err := j.fn(ctx); err != nil {
		s.logger.Error("job failed", "job", j.name, "error", err, "took", time.Since(start))
		return
	}
	s.logger.Debug("job done", "job", j.name, "took", time.Since(start))
}
