// Package cron runs the agent's background jobs: reminder sweeps, memory
// reindexing and housekeeping.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/deskagent/internal/observability"
	"github.com/harun/deskagent/internal/tracing"
)

// ErrJobNotFound is returned for an unknown job ID.
var ErrJobNotFound = errors.New("job not found")

// Service manages cron job scheduling and execution
type Service struct {
	jobs    map[string]*Job
	timers  map[string]*time.Timer
	saved   map[Task]JobState
	options ServiceOptions
	logger  zerolog.Logger
	mu      sync.RWMutex
	running sync.WaitGroup
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService creates a new cron service. State saved by an earlier run is
// applied to jobs of the same task as they are added.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OnEvent == nil {
		opts.OnEvent = func(Event) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		jobs:    make(map[string]*Job),
		timers:  make(map[string]*time.Timer),
		saved:   make(map[Task]JobState),
		options: opts,
		logger:  opts.Logger.With().Str("component", "cron").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := s.loadState(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load job state, starting fresh")
	}
	return s, nil
}

// AddJob registers and schedules a job.
func (s *Service) AddJob(params AddParams) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, fmt.Errorf("service is stopped")
	}
	if params.Name == "" {
		params.Name = string(params.Task)
	}
	if params.Task == "" {
		return nil, fmt.Errorf("job task is required")
	}
	if params.Handler == nil {
		return nil, fmt.Errorf("job handler is required")
	}

	nextRunAtMs, err := CalculateNextRun(params.Schedule, s.options.Now())
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	job := &Job{
		ID:          uuid.New().String(),
		Task:        params.Task,
		Name:        params.Name,
		Enabled:     params.Enabled,
		CreatedAtMs: s.options.Now().UnixMilli(),
		Schedule:    params.Schedule,
		handler:     params.Handler,
	}
	if prev, ok := s.saved[params.Task]; ok {
		job.State = prev
		job.State.RunningAtMs = nil
	}
	job.State.NextRunAtMs = Int64Ptr(nextRunAtMs)
	s.jobs[job.ID] = job

	if job.Enabled {
		s.scheduleJobLocked(job)
	}

	s.logger.Info().
		Str("jobId", job.ID).
		Str("task", string(job.Task)).
		Str("schedule", describe(job.Schedule)).
		Bool("enabled", job.Enabled).
		Msg("Job added")

	s.options.OnEvent(Event{Action: EventActionAdded, JobID: job.ID, Task: job.Task})
	return job.snapshot(), nil
}

// RemoveJob deletes a job
func (s *Service) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.cancelJobLocked(id)
	delete(s.jobs, id)

	s.logger.Info().Str("jobId", id).Str("task", string(job.Task)).Msg("Job removed")
	s.options.OnEvent(Event{Action: EventActionDeleted, JobID: id, Task: job.Task})
	return nil
}

// RunJob executes a job now and waits for it. In due mode a disabled job
// is skipped.
func (s *Service) RunJob(id string, mode RunMode) error {
	s.mu.RLock()
	job, exists := s.jobs[id]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if mode == RunModeDue && !job.Enabled {
		s.logger.Debug().Str("jobId", id).Msg("Skipping disabled job in 'due' mode")
		return nil
	}

	s.executeJob(job, false)
	return nil
}

// RunTask runs every job of the given task now.
func (s *Service) RunTask(task Task) (int, error) {
	ran := 0
	for _, job := range s.ListJobs() {
		if job.Task != task {
			continue
		}
		if err := s.RunJob(job.ID, RunModeForce); err != nil {
			return ran, err
		}
		ran++
	}
	if ran == 0 {
		return 0, fmt.Errorf("%w: no job for task %s", ErrJobNotFound, task)
	}
	return ran, nil
}

// ListJobs returns copies of all jobs ordered by creation time.
func (s *Service) ListJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.snapshot())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAtMs != jobs[j].CreatedAtMs {
			return jobs[i].CreatedAtMs < jobs[j].CreatedAtMs
		}
		return jobs[i].Name < jobs[j].Name
	})
	return jobs
}

// GetJob returns a copy of a job, or nil.
func (s *Service) GetJob(id string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	return job.snapshot()
}

// Stop cancels all timers, waits for running jobs and saves state.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.cancel()
	for id := range s.timers {
		s.cancelJobLocked(id)
	}
	s.mu.Unlock()

	s.running.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistLocked(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist state on shutdown")
		return err
	}
	s.logger.Info().Msg("Cron service stopped")
	return nil
}

func (s *Service) scheduleJobLocked(job *Job) {
	if job.State.NextRunAtMs == nil {
		s.logger.Warn().Str("jobId", job.ID).Msg("Cannot schedule job without next run time")
		return
	}

	delay := time.Duration(*job.State.NextRunAtMs-s.options.Now().UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	s.timers[job.ID] = time.AfterFunc(delay, func() {
		s.executeJob(job, true)
	})

	s.logger.Debug().
		Str("jobId", job.ID).
		Dur("delay", delay).
		Msg("Job scheduled")
}

func (s *Service) cancelJobLocked(id string) {
	if timer, exists := s.timers[id]; exists {
		timer.Stop()
		delete(s.timers, id)
	}
}

// executeJob runs a job once. A run that overlaps a previous one is
// skipped. Timer-driven runs reschedule the job afterwards.
func (s *Service) executeJob(job *Job, reschedule bool) {
	s.mu.Lock()
	current, exists := s.jobs[job.ID]
	if !exists || s.stopped {
		s.mu.Unlock()
		return
	}
	if current.State.RunningAtMs != nil {
		s.mu.Unlock()
		s.logger.Debug().Str("jobId", job.ID).Msg("Job already running, skipping execution")
		return
	}
	start := s.options.Now()
	current.State.RunningAtMs = Int64Ptr(start.UnixMilli())
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	ctx, span := tracing.StartSpan(tracing.NewRequestContext(s.ctx), "deskagent.cron", "cron.job",
		attribute.String("job.task", string(current.Task)),
	)
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("jobId", job.ID).Str("task", string(current.Task)).Logger()

	summary, err := current.handler(ctx)
	duration := s.options.Now().Sub(start)
	tracing.EndSpan(span, err)
	observability.RecordCronRun(string(current.Task), err == nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	durationMs := duration.Milliseconds()
	current.State.RunningAtMs = nil
	current.State.LastRunAtMs = Int64Ptr(start.UnixMilli())
	current.State.LastDurationMs = Int64Ptr(durationMs)
	current.State.LastSummary = summary

	if err != nil {
		current.State.LastStatus = "error"
		current.State.LastError = err.Error()
		current.State.ConsecutiveErrors++
		logger.Error().Err(err).Int("consecutiveErrors", current.State.ConsecutiveErrors).Msg("Job failed")
	} else {
		current.State.LastStatus = "ok"
		current.State.LastError = ""
		current.State.ConsecutiveErrors = 0
		logger.Debug().Int64("durationMs", durationMs).Str("summary", summary).Msg("Job completed")
	}

	nextRunAtMs, calcErr := CalculateNextRun(current.Schedule, s.options.Now())
	if calcErr != nil {
		logger.Error().Err(calcErr).Msg("Failed to calculate next run")
	} else {
		current.State.NextRunAtMs = Int64Ptr(nextRunAtMs)
	}

	if persistErr := s.persistLocked(); persistErr != nil {
		logger.Error().Err(persistErr).Msg("Failed to persist job state")
	}

	s.options.OnEvent(Event{
		Action:      EventActionFinished,
		JobID:       job.ID,
		Task:        current.Task,
		Status:      current.State.LastStatus,
		Error:       current.State.LastError,
		Summary:     summary,
		DurationMs:  Int64Ptr(durationMs),
		NextRunAtMs: current.State.NextRunAtMs,
	})

	if reschedule && !s.stopped && current.Enabled && calcErr == nil {
		s.scheduleJobLocked(current)
	}
}

func (j *Job) snapshot() *Job {
	cp := *j
	cp.handler = nil
	return &cp
}

func describe(s Schedule) string {
	if s.Kind == ScheduleKindEvery {
		return fmt.Sprintf("every %s", time.Duration(s.EveryMs)*time.Millisecond)
	}
	return s.Expr
}

// loadState reads the per-task state saved by persistLocked.
func (s *Service) loadState() error {
	if s.options.StorePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.options.StorePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read job state: %w", err)
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("failed to parse job state: %w", err)
	}
	for _, job := range jobs {
		s.saved[job.Task] = job.State
	}
	s.logger.Debug().Int("count", len(jobs)).Msg("Loaded job state")
	return nil
}

func (s *Service) persistLocked() error {
	if s.options.StorePath == "" {
		return nil
	}

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.options.StorePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tempFile := s.options.StorePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.options.StorePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// ReadState loads saved job state without starting a service.
func ReadState(path string) ([]*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job state: %w", err)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs, nil
}
