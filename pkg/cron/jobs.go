package cron

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/deskagent/internal/config"
	"github.com/harun/deskagent/pkg/memory"
	"github.com/harun/deskagent/pkg/tools"
)

// ReminderSource lists reminders starting in a window.
type ReminderSource interface {
	DueReminders(from time.Time, window time.Duration) ([]tools.CalendarEvent, error)
}

// Reindexer rebuilds the memory index from a documents directory.
type Reindexer interface {
	Reindex(ctx context.Context, dir string) (memory.IngestStats, error)
}

// Pruner drops conversation history older than maxAge.
type Pruner interface {
	Prune(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Notifier receives reminder events, e.g. a WebSocket broadcast.
type Notifier func(event string, data interface{})

// ReminderSweep logs and announces reminders due within window. Each
// reminder is announced once.
func ReminderSweep(src ReminderSource, window time.Duration, now func() time.Time, notify Notifier, logger zerolog.Logger) Handler {
	if now == nil {
		now = time.Now
	}
	var (
		mu        sync.Mutex
		announced = make(map[string]time.Time)
	)

	return func(ctx context.Context) (string, error) {
		from := now()
		due, err := src.DueReminders(from, window)
		if err != nil {
			return "", fmt.Errorf("failed to list reminders: %w", err)
		}

		mu.Lock()
		defer mu.Unlock()
		for key, start := range announced {
			if start.Before(from.Add(-window)) {
				delete(announced, key)
			}
		}

		fired := 0
		for _, r := range due {
			key := r.UID + "|" + r.StartTime.UTC().Format(time.RFC3339)
			if _, seen := announced[key]; seen {
				continue
			}
			announced[key] = r.StartTime
			fired++

			title := strings.TrimSpace(strings.TrimPrefix(r.Summary, "⏰"))
			logger.Info().Str("reminder", title).Time("at", r.StartTime).Msg("Reminder due")
			if notify != nil {
				notify("reminder.due", map[string]interface{}{
					"title": title,
					"start": r.Start,
					"file":  r.File,
				})
			}
		}
		return fmt.Sprintf("%d reminder(s) due", fired), nil
	}
}

// MemoryReindex re-ingests the documents directory.
func MemoryReindex(idx Reindexer, dir string) Handler {
	return func(ctx context.Context) (string, error) {
		stats, err := idx.Reindex(ctx, dir)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("indexed %d, skipped %d, pruned %d, failed %d",
			stats.Indexed, stats.Skipped, stats.Pruned, stats.Failed), nil
	}
}

// SessionPrune applies the conversation retention window. Zero days keeps
// everything.
func SessionPrune(p Pruner, retentionDays int) Handler {
	return func(ctx context.Context) (string, error) {
		if retentionDays <= 0 {
			return "retention disabled", nil
		}
		n, err := p.Prune(ctx, time.Duration(retentionDays)*24*time.Hour)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("removed %d message(s)", n), nil
	}
}

// LimiterCleanup drops idle rate-limit windows.
func LimiterCleanup(cleanup func() int) Handler {
	return func(ctx context.Context) (string, error) {
		return fmt.Sprintf("dropped %d idle client(s)", cleanup()), nil
	}
}

// Defaults holds what the built-in jobs act on. Nil members skip their job.
type Defaults struct {
	Reminders     ReminderSource
	Memory        Reindexer
	DocumentsDir  string
	Sessions      Pruner
	RetentionDays int
	Notify        Notifier
	// LimiterCleanup runs alongside the session prune schedule.
	LimiterCleanup func() int
	Logger         zerolog.Logger
}

// reminderWindow matches the default sweep interval.
const reminderWindow = time.Minute

// RegisterDefaults adds the built-in jobs configured in cfg. A job with an
// empty schedule is not added.
func RegisterDefaults(s *Service, cfg config.CronConfig, d Defaults) ([]*Job, error) {
	type entry struct {
		task    Task
		name    string
		spec    string
		handler Handler
	}
	var entries []entry
	if d.Reminders != nil {
		entries = append(entries, entry{TaskReminderSweep, "Reminder sweep", cfg.ReminderSweep,
			ReminderSweep(d.Reminders, reminderWindow, nil, d.Notify, d.Logger)})
	}
	if d.Memory != nil && d.DocumentsDir != "" {
		entries = append(entries, entry{TaskMemoryReindex, "Memory reindex", cfg.MemoryReindex,
			MemoryReindex(d.Memory, d.DocumentsDir)})
	}
	if d.Sessions != nil {
		entries = append(entries, entry{TaskSessionPrune, "Session prune", cfg.SessionPrune,
			SessionPrune(d.Sessions, d.RetentionDays)})
	}
	if d.LimiterCleanup != nil {
		entries = append(entries, entry{TaskLimiterCleanup, "Rate limiter cleanup", cfg.SessionPrune,
			LimiterCleanup(d.LimiterCleanup)})
	}

	var added []*Job
	for _, e := range entries {
		if strings.TrimSpace(e.spec) == "" {
			continue
		}
		schedule, err := ParseSchedule(e.spec)
		if err != nil {
			return added, fmt.Errorf("%s: %w", e.task, err)
		}
		job, err := s.AddJob(AddParams{
			Task:     e.task,
			Name:     e.name,
			Enabled:  cfg.Enabled,
			Schedule: schedule,
			Handler:  e.handler,
		})
		if err != nil {
			return added, fmt.Errorf("%s: %w", e.task, err)
		}
		added = append(added, job)
	}
	return added, nil
}
