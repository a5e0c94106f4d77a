// Package cron runs periodic maintenance jobs such as pruning stale link
// sessions and reconciling the backend process list.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// Job is one periodic task. A tick is skipped while the previous run of the
// same job is still active.
type Job struct {
	Name     string
	Schedule string // cron expression with optional seconds, or a descriptor like "@every 1m"
	Run      func(ctx context.Context) error

	running atomic.Bool
}

// ErrStarted is returned by Add and Start once the scheduler runs.
var ErrStarted = errors.New("scheduler already started")

var parser = rcron.NewParser(rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// Every formats d as a schedule. Periods under a second run every second.
func Every(d time.Duration) string { return "@every " + d.String() }

// Scheduler runs jobs on a robfig/cron scheduler until Stop.
type Scheduler struct {
	log    *slog.Logger
	mu     sync.Mutex
	c      *rcron.Cron
	names  map[string]struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:   log.With("component", "cron"),
		c:     rcron.New(rcron.WithParser(parser)),
		names: map[string]struct{}{},
	}
}

// Add validates and schedules job. Names must be unique.
func (s *Scheduler) Add(job *Job) error {
	if job.Name == "" {
		return errors.New("cron job requires a name")
	}
	if job.Run == nil {
		return fmt.Errorf("cron job %s requires a run function", job.Name)
	}
	sched, err := parser.Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", job.Name, job.Schedule, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrStarted
	}
	if _, dup := s.names[job.Name]; dup {
		return fmt.Errorf("duplicate cron job %s", job.Name)
	}
	s.names[job.Name] = struct{}{}
	s.c.Schedule(sched, rcron.FuncJob(func() { s.runJob(job) }))
	return nil
}

// Start runs the scheduled jobs with ctx until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrStarted
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c.Start()
	return nil
}

// runJob executes one tick of j unless its previous run is still active.
func (s *Scheduler) runJob(j *Job) {
	if s.ctx.Err() != nil {
		return
	}
	if !j.running.CompareAndSwap(false, true) {
		s.log.Debug("previous run still active, skipping tick", "job", j.Name)
		return
	}
	defer j.running.Store(false)
	if err := j.Run(s.ctx); err != nil && s.ctx.Err() == nil {
		s.log.Warn("cron job failed", "job", j.Name, "error", err)
	}
}

// Stop cancels all jobs and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-s.c.Stop().Done()
}
