package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job is a recurring maintenance task.
type Job struct {
	ID       string                          // Unique identifier for the job
	Name     string                          // Human-readable name (optional)
	CronExpr string                          // Cron expression (e.g. "@every 30s", "*/5 * * * *")
	Run      func(ctx context.Context) error // Invoked on every tick
}

// CronEngine abstracts the cron scheduler for testability.
// The real implementation wraps robfig/cron/v3.
type CronEngine interface {
	AddFunc(spec string, cmd func()) (int, error)
	Remove(id int)
	Start()
	Stop()
}

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithLogger sets a structured logger for the Scheduler. If l is nil it is
// ignored and the default slog logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithJobTimeout bounds each run of a job. Zero means no bound.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.jobTimeout = d
		}
	}
}

// Sentinel errors for validation.
var (
	ErrEmptyJobID   = errors.New("scheduler: job ID must not be empty")
	ErrEmptyCron    = errors.New("scheduler: cron expression must not be empty")
	ErrNilRun       = errors.New("scheduler: job Run must not be nil")
	ErrDuplicateJob = errors.New("scheduler: job with this ID already exists")
	ErrJobNotFound  = errors.New("scheduler: job not found")
)

type jobEntry struct {
	job     Job
	entryID int
}

// Scheduler runs Jobs on cron schedules. Runs receive a context that is
// canceled by Stop.
type Scheduler struct {
	engine     CronEngine
	logger     *slog.Logger
	jobTimeout time.Duration

	mu   sync.RWMutex
	jobs map[string]jobEntry

	ctx     context.Context
	cancel  context.CancelFunc
	runMu   sync.Mutex
	stopped bool
	runs    sync.WaitGroup
}

// NewScheduler creates a new Scheduler. engine must not be nil.
func NewScheduler(engine CronEngine, opts ...Option) *Scheduler {
	if engine == nil {
		panic("scheduler: engine must not be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		engine: engine,
		jobs:   make(map[string]jobEntry),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// log returns the Scheduler's logger, falling back to the default slog logger.
func (s *Scheduler) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// AddJob registers a new scheduled job. Returns an error if the job fails
// validation, the cron expression is rejected by the engine or a job with the
// same ID already exists.
func (s *Scheduler) AddJob(job Job) error {
	if job.ID == "" {
		return ErrEmptyJobID
	}
	if job.CronExpr == "" {
		return ErrEmptyCron
	}
	if job.Run == nil {
		return ErrNilRun
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	captured := job
	entryID, err := s.engine.AddFunc(job.CronExpr, func() { s.run(captured) })
	if err != nil {
		return fmt.Errorf("scheduler: failed to register cron job %q: %w", job.ID, err)
	}

	s.jobs[job.ID] = jobEntry{job: job, entryID: entryID}
	s.log().Info("job registered",
		"job_id", job.ID,
		"job_name", job.Name,
		"cron_expr", job.CronExpr,
	)
	return nil
}

func (s *Scheduler) run(job Job) {
	s.runMu.Lock()
	if s.stopped {
		s.runMu.Unlock()
		return
	}
	s.runs.Add(1)
	s.runMu.Unlock()
	defer s.runs.Done()

	ctx := s.ctx
	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}

	s.log().Debug("job fired", "job_id", job.ID, "job_name", job.Name)
	if err := job.Run(ctx); err != nil {
		s.log().Warn("job failed", "job_id", job.ID, "error", err)
	}
}

// Start begins the cron scheduler.
func (s *Scheduler) Start() {
	s.engine.Start()
}

// Stop halts the cron scheduler, cancels in-flight runs and waits for them to
// return. A stopped Scheduler does not run jobs again.
func (s *Scheduler) Stop() {
	s.engine.Stop()
	s.runMu.Lock()
	s.stopped = true
	s.runMu.Unlock()
	s.cancel()
	s.runs.Wait()
}

// RemoveJob unregisters a scheduled job by ID.
func (s *Scheduler) RemoveJob(id string) error {
	if id == "" {
		return ErrEmptyJobID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	s.engine.Remove(entry.entryID)
	delete(s.jobs, id)
	s.log().Info("job removed", "job_id", id)
	return nil
}

// ListJobs returns a copy of all registered jobs. The returned slice is
// never nil (empty slice when no jobs are registered).
func (s *Scheduler) ListJobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, entry := range s.jobs {
		jobs = append(jobs, entry.job)
	}
	return jobs
}

// GetJob returns the job with the given ID, or false if not found.
func (s *Scheduler) GetJob(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return entry.job, true
}
