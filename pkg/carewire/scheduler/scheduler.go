// Package scheduler runs the background maintenance jobs: the stale
// conversation sweep, proactive platform token refresh, and the periodic
// metrics snapshot. Uses robfig/cron for cron expression parsing and
// execution.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// minJobInterval is the minimum time between consecutive executions of the
// same job. Cron can fire again while the wall clock sits on a schedule
// boundary; a run starting less than this after the previous one is skipped.
const minJobInterval = 2 * time.Second

// defaultJobTimeout bounds a single job execution.
const defaultJobTimeout = 2 * time.Minute

// JobFunc is one maintenance job run. The context carries the job timeout
// and is cancelled on shutdown.
type JobFunc func(ctx context.Context) error

// Job is a registered maintenance job and its run state.
type Job struct {
	Name string
	Spec string
	run  JobFunc

	LastRunAt       *time.Time
	LastError       string
	RunCount        int
	LastRunDuration time.Duration
}

// Status is a point-in-time copy of a job's run state for the metrics
// endpoint.
type Status struct {
	Name      string     `json:"name"`
	Spec      string     `json:"spec"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	RunCount  int        `json:"run_count"`
}

// Scheduler manages the maintenance jobs. Register jobs before Start; the
// job set is fixed for the life of the process.
type Scheduler struct {
	jobs    map[string]*Job
	order   []string
	cron    *cron.Cron
	running map[string]bool

	// jobTimeout is the maximum time a single job execution can take.
	jobTimeout time.Duration

	logger *slog.Logger
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler with no jobs registered.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		jobs:       make(map[string]*Job),
		running:    make(map[string]bool),
		jobTimeout: defaultJobTimeout,
		logger:     logger.With("component", "scheduler"),
	}
}

// Register adds a job with a standard 5-field cron spec. An empty spec
// disables the job. Specs are validated here so a typo fails startup rather
// than silently never firing.
func (s *Scheduler) Register(name, spec string, run JobFunc) error {
	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if spec == "" {
		s.logger.Info("job disabled", "job", name)
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}

	s.jobs[name] = &Job{Name: name, Spec: spec, run: run}
	s.order = append(s.order, name)
	return nil
}

// Start builds the cron runner and begins firing registered jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	s.mu.Lock()
	for _, name := range s.order {
		job := s.jobs[name]
		if _, err := s.cron.AddFunc(job.Spec, func() {
			s.executeJob(job)
		}); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("scheduling job %s: %w", job.Name, err)
		}
	}
	jobCount := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()

	s.logger.Info("scheduler started", "jobs", jobCount)
	return nil
}

// Stop halts scheduling and waits for running jobs to finish, with a
// timeout.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("scheduler stop timed out")
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("scheduler stopped")
}

// Jobs returns a snapshot of every registered job's run state, in
// registration order.
func (s *Scheduler) Jobs() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		job := s.jobs[name]
		statuses = append(statuses, Status{
			Name:      job.Name,
			Spec:      job.Spec,
			LastRunAt: job.LastRunAt,
			LastError: job.LastError,
			RunCount:  job.RunCount,
		})
	}
	return statuses
}

// executeJob runs one job with the safety guards: a per-job running flag
// prevents duplicate concurrent runs, the spin guard skips a fire landing
// within minJobInterval of the previous run, panics are recovered so one bad
// job cannot take down scheduling, and the job timeout prevents stalls.
func (s *Scheduler) executeJob(job *Job) {
	s.mu.Lock()
	if s.running[job.Name] {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "job", job.Name)
		return
	}
	if job.LastRunAt != nil && time.Since(*job.LastRunAt) < minJobInterval {
		s.mu.Unlock()
		s.logger.Debug("skipping job (ran too recently)",
			"job", job.Name, "last_run_at", job.LastRunAt.Format(time.RFC3339))
		return
	}
	s.running[job.Name] = true
	now := time.Now()
	job.LastRunAt = &now
	job.RunCount++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, job.Name)
		s.mu.Unlock()

		if r := recover(); r != nil {
			s.mu.Lock()
			job.LastError = fmt.Sprintf("panic: %v", r)
			s.mu.Unlock()
			s.logger.Error("scheduled job panicked", "job", job.Name, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	defer cancel()

	runStart := time.Now()
	err := job.run(ctx)
	runDuration := time.Since(runStart)

	s.mu.Lock()
	job.LastRunDuration = runDuration
	if err != nil {
		job.LastError = err.Error()
	} else {
		job.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed",
			"job", job.Name, "error", err, "duration", runDuration)
	} else {
		s.logger.Info("scheduled job completed",
			"job", job.Name, "duration", runDuration)
	}
}
