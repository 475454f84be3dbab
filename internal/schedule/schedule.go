// Package schedule triggers snapshot and drill jobs from cron expressions.
// Triggered jobs go through a single queue and run one at a time, so a
// drill never overlaps a snapshot.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type Scheduler struct {
	cron  *cron.Cron
	queue chan Job

	mu      sync.Mutex
	pending map[string]bool
}

func New() *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		queue:   make(chan Job, 16),
		pending: make(map[string]bool),
	}
}

// Add registers job under a standard five field cron expression.
func (s *Scheduler) Add(spec string, job Job) error {
	if _, err := s.cron.AddFunc(spec, func() { s.Trigger(job) }); err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, job.Name, err)
	}
	slog.Info("Scheduled job", "job", job.Name, "schedule", spec)
	return nil
}

// Trigger queues job unless a run of it is already waiting or running.
func (s *Scheduler) Trigger(job Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[job.Name] {
		slog.Warn("Skipping trigger, previous run still pending", "job", job.Name)
		return false
	}
	select {
	case s.queue <- job:
		s.pending[job.Name] = true
		return true
	default:
		slog.Warn("Skipping trigger, queue full", "job", job.Name)
		return false
	}
}

// Run starts the cron clock and executes queued jobs until ctx is done.
// A job in progress when ctx ends sees the cancellation and is waited for.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	defer func() {
		<-s.cron.Stop().Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-s.queue:
			s.runJob(ctx, job)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer func() {
		s.mu.Lock()
		delete(s.pending, job.Name)
		s.mu.Unlock()
	}()

	slog.Info("Scheduled job started", "job", job.Name)
	if err := job.Run(ctx); err != nil {
		slog.Error("Scheduled job failed", "job", job.Name, "error", err)
		return
	}
	slog.Info("Scheduled job finished", "job", job.Name)
}
