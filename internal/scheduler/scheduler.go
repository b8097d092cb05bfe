// Package scheduler runs the server's periodic background work: audit
// buffer flushes, rate-limit bucket sweeps, readiness probe refreshes.
// Jobs are plain functions registered at startup and stop with the
// server's context; nothing here is a module-level timer.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one periodic task.
type Job struct {
	Name       string
	Interval   time.Duration
	RunOnStart bool // run once immediately instead of waiting a full interval
	Fn         func(ctx context.Context) error
}

// Scheduler owns the background job goroutines.
type Scheduler struct {
	logger *slog.Logger
	jobs   []Job
	wg     sync.WaitGroup
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start launches one goroutine per job. The jobs stop when ctx is
// cancelled; Wait blocks until they have all returned.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.logger.Info("starting background job", "job", job.Name, "interval", job.Interval)

			if job.RunOnStart {
				s.runOnce(ctx, job)
			}

			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.runOnce(ctx, job)
				case <-ctx.Done():
					return
				}
			}
		}(job)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	if err := job.Fn(ctx); err != nil {
		s.logger.Error("background job failed", "job", job.Name, "error", err)
	}
}

// Wait blocks until every job goroutine has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
