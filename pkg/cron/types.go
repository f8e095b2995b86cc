package cron

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ScheduleKind represents the type of schedule
type ScheduleKind string

const (
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule represents a time specification for job execution
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// For "every" schedule
	EveryMs  int64  `json:"everyMs,omitempty"`
	AnchorMs *int64 `json:"anchorMs,omitempty"`

	// For "cron" schedule: five fields or a descriptor such as @hourly or
	// @every 1m.
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// Task names the background work a job performs.
type Task string

const (
	TaskReminderSweep  Task = "reminder_sweep"
	TaskMemoryReindex  Task = "memory_reindex"
	TaskSessionPrune   Task = "session_prune"
	TaskLimiterCleanup Task = "limiter_cleanup"
)

// Handler runs one job and returns a short summary of what it did.
type Handler func(ctx context.Context) (string, error)

// JobState tracks runtime state of a job
type JobState struct {
	NextRunAtMs       *int64 `json:"nextRunAtMs,omitempty"`
	RunningAtMs       *int64 `json:"runningAtMs,omitempty"`
	LastRunAtMs       *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus        string `json:"lastStatus,omitempty"` // ok, error
	LastError         string `json:"lastError,omitempty"`
	LastSummary       string `json:"lastSummary,omitempty"`
	LastDurationMs    *int64 `json:"lastDurationMs,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors,omitempty"`
}

// Job is one scheduled task.
type Job struct {
	ID          string   `json:"id"`
	Task        Task     `json:"task"`
	Name        string   `json:"name"`
	Enabled     bool     `json:"enabled"`
	CreatedAtMs int64    `json:"createdAtMs"`
	Schedule    Schedule `json:"schedule"`
	State       JobState `json:"state"`

	handler Handler
}

// AddParams contains parameters for creating a job
type AddParams struct {
	Task     Task
	Name     string
	Enabled  bool
	Schedule Schedule
	Handler  Handler
}

// EventAction represents the type of event
type EventAction string

const (
	EventActionFinished EventAction = "finished"
	EventActionAdded    EventAction = "added"
	EventActionDeleted  EventAction = "deleted"
)

// Event represents a cron system event
type Event struct {
	Action      EventAction `json:"action"`
	JobID       string      `json:"jobId"`
	Task        Task        `json:"task,omitempty"`
	Status      string      `json:"status,omitempty"`
	Error       string      `json:"error,omitempty"`
	Summary     string      `json:"summary,omitempty"`
	DurationMs  *int64      `json:"durationMs,omitempty"`
	NextRunAtMs *int64      `json:"nextRunAtMs,omitempty"`
}

// RunMode specifies how to run a job manually
type RunMode string

const (
	RunModeDue   RunMode = "due"
	RunModeForce RunMode = "force"
)

// ServiceOptions configures the cron service
type ServiceOptions struct {
	// StorePath keeps job state across restarts; empty keeps it in memory.
	StorePath string
	Logger    zerolog.Logger
	OnEvent   func(evt Event)
	Now       func() time.Time
}

// Int64Ptr returns a pointer to an int64 value
func Int64Ptr(v int64) *int64 {
	return &v
}
