package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	pkgerrors "github.com/residenza/backoffice/pkg/errors"
	"github.com/residenza/backoffice/pkg/logger"
	"github.com/residenza/backoffice/pkg/metrics"
)

// SchedulerParams configure the scheduler.
type SchedulerParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Now      func() time.Time
}

// Scheduler runs every registered job on its own cadence until Stop.
type Scheduler struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.CronJobMetrics
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewScheduler builds a scheduler.
func NewScheduler(params SchedulerParams) (*Scheduler, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		logg:     params.Logger,
		registry: registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		now:      now,
	}, nil
}

// Start launches one loop per job. Calling Start twice is an error.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, entry := range s.registry.Entries() {
		s.wg.Add(1)
		go func(entry Entry) {
			defer s.wg.Done()
			s.loop(loopCtx, entry)
		}(entry)
	}
	s.logg.Info(ctx, fmt.Sprintf("scheduler started with %d jobs", len(s.registry.Entries())))
	return nil
}

// Stop cancels every loop and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, entry Entry) {
	if entry.RunOnStart {
		s.RunJob(ctx, entry.Job)
	}
	for {
		wait := entry.Schedule.Next(s.now()).Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunJob(ctx, entry.Job)
		}
	}
}

// RunJob runs job once under its lock and reports whether it ran. A panic
// inside the job is recovered and counted as a failure so one bad run does
// not take down the other loops.
func (s *Scheduler) RunJob(ctx context.Context, job Job) bool {
	name := job.Name()
	jobCtx := s.logg.WithFields(ctx, map[string]any{"job": name, "event": "cron.job"})

	locked, err := s.lock.Acquire(jobCtx, name)
	switch {
	case err != nil:
		s.logg.Error(jobCtx, "lock acquire failed", err)
		s.metrics.Record(name, metrics.JobFailed, 0, s.now())
		return false
	case !locked:
		s.logg.Info(jobCtx, "another instance holds the job lock; skipping")
		s.metrics.Record(name, metrics.JobSkipped, 0, s.now())
		return false
	}
	defer func() {
		if err := s.lock.Release(jobCtx, name); err != nil {
			s.logg.Error(jobCtx, "failed to release job lock", err)
		}
	}()

	start := s.now()
	err = runGuarded(jobCtx, job)
	elapsed := s.now().Sub(start)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", elapsed.Milliseconds())

	if err != nil {
		jobCtx = s.logg.WithField(jobCtx, "retryable", pkgerrors.IsRetryable(err))
		s.logg.Error(jobCtx, "job failed", err)
		s.metrics.Record(name, metrics.JobFailed, elapsed, s.now())
		return true
	}
	s.logg.Info(jobCtx, "job completed")
	s.metrics.Record(name, metrics.JobSucceeded, elapsed, s.now())
	return true
}

func runGuarded(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name(), r)
		}
	}()
	return job.Run(ctx)
}
