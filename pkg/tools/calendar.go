package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harun/deskagent/internal/config"
	"github.com/harun/deskagent/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

const demoMarker = ".demo_seeded"

// CalendarFreeMessage is returned by list_events when no event exists.
const CalendarFreeMessage = "Calendar is completely free, no events scheduled."

// FreeSlotPrefix starts every suggested-slot line of list_events.
const FreeSlotPrefix = "  FREE: "

var freeSlotHours = []int{10, 14, 16}

// EventCreated is the data returned by create_event.
type EventCreated struct {
	Message  string `json:"message"`
	ICSFile  string `json:"ics_file"`
	Summary  string `json:"summary"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Location string `json:"location"`
}

// ReminderCreated is the data returned by create_reminder.
type ReminderCreated struct {
	Message string `json:"message"`
	ICSFile string `json:"ics_file"`
	Summary string `json:"summary"`
	Start   string `json:"start"`
}

// Calendar reads and writes one .ics file per event in a directory.
type Calendar struct {
	dir    string
	now    func() time.Time
	logger zerolog.Logger
}

// NewCalendar prepares the calendar directory and seeds the demo events once
// when cfg.SeedDemo is set.
func NewCalendar(cfg config.CalendarConfig, now func() time.Time, logger zerolog.Logger) (*Calendar, error) {
	if cfg.ICSDirectory == "" {
		return nil, errors.New("calendar directory is required")
	}
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(cfg.ICSDirectory, 0755); err != nil {
		return nil, err
	}
	c := &Calendar{
		dir:    cfg.ICSDirectory,
		now:    now,
		logger: logger.With().Str("component", "calendar").Logger(),
	}
	if cfg.SeedDemo {
		if err := c.seedDemoEvents(); err != nil {
			return nil, fmt.Errorf("failed to seed demo events: %w", err)
		}
	}
	return c, nil
}

func (c *Calendar) seedDemoEvents() error {
	marker := filepath.Join(c.dir, demoMarker)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}

	y, m, d := c.now().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.Local)
	at := func(days, hour, minute int) time.Time {
		return today.AddDate(0, 0, days).Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
	}

	demos := []struct {
		file string
		ev   icsEvent
	}{
		{"demo_standup.ics", icsEvent{Summary: "Daily Standup", Start: at(1, 9, 30), End: at(1, 9, 45), Description: "Quick sync with the team", Location: "Zoom"}},
		{"demo_lunch.ics", icsEvent{Summary: "Lunch with Marketing Team", Start: at(1, 12, 0), End: at(1, 13, 0), Description: "Discuss Q1 campaign results", Location: "Cafeteria"}},
		{"demo_review.ics", icsEvent{Summary: "Project Review", Start: at(2, 14, 0), End: at(2, 15, 0), Description: "Sprint retrospective and planning", Location: "Conference Room B"}},
		{"demo_free_afternoon.ics", icsEvent{Summary: "Focus Time (blocked)", Start: at(3, 14, 0), End: at(3, 17, 0), Description: "Deep work block"}},
	}
	for _, demo := range demos {
		if err := writeICS(filepath.Join(c.dir, demo.file), demo.ev, c.now()); err != nil {
			return err
		}
	}
	if err := os.WriteFile(marker, []byte("demo events created"), 0644); err != nil {
		return err
	}
	c.logger.Info().Int("events", len(demos)).Msg("Seeded demo calendar events")
	return nil
}

// Definitions returns list_events, create_event and create_reminder.
func (c *Calendar) Definitions() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		{
			Name:        "list_events",
			Description: "List upcoming calendar events from local .ics files. Use this to check the user's schedule and find free time slots.",
			Category:    toolexecutor.CategoryRead,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "days_ahead", Type: "integer", Description: "Number of days to look ahead (default 7).", Default: 7},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return c.Report(toolexecutor.IntParam(params, "days_ahead", 7))
			},
		},
		{
			Name: "create_event",
			Description: "Create a new calendar event and save it as a downloadable .ics file. " +
				"IMPORTANT: Only call this tool when you have a specific date AND time. " +
				"If the user hasn't provided a date/time, ask them first. Do NOT guess.",
			Category: toolexecutor.CategoryWrite,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "summary", Type: "string", Description: "Event title.", Required: true},
				{Name: "start", Type: "string", Description: "Start datetime in ISO format (e.g. '2026-02-10T14:00:00'). REQUIRED, do NOT call without this.", Required: true},
				{Name: "end", Type: "string", Description: "End datetime (optional; defaults to 1 hour after start)."},
				{Name: "description", Type: "string", Description: "Event description (optional)."},
				{Name: "location", Type: "string", Description: "Location (optional)."},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				created, err := c.CreateEvent(
					toolexecutor.StringParam(params, "summary", ""),
					toolexecutor.StringParam(params, "start", ""),
					toolexecutor.StringParam(params, "end", ""),
					toolexecutor.StringParam(params, "description", ""),
					toolexecutor.StringParam(params, "location", ""),
				)
				if err != nil {
					return nil, err
				}
				data, err := json.Marshal(created)
				if err != nil {
					return nil, err
				}
				return toolexecutor.Output{
					Data:           string(data),
					GeneratedFiles: []toolexecutor.GeneratedFile{{Type: "ics", Path: created.ICSFile, Label: created.Summary}},
				}, nil
			},
		},
		{
			Name: "create_reminder",
			Description: "Create a reminder saved as a short .ics calendar event. " +
				"IMPORTANT: Only call this when you have a specific date/time. " +
				"If the user hasn't provided when, ask them first.",
			Category: toolexecutor.CategoryWrite,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "title", Type: "string", Description: "Reminder title.", Required: true},
				{Name: "when", Type: "string", Description: "When to remind, as an ISO datetime. REQUIRED.", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				title := toolexecutor.StringParam(params, "title", "")
				created, err := c.CreateReminder(title, toolexecutor.StringParam(params, "when", ""))
				if err != nil {
					return nil, err
				}
				data, err := json.Marshal(created)
				if err != nil {
					return nil, err
				}
				return toolexecutor.Output{
					Data:           string(data),
					GeneratedFiles: []toolexecutor.GeneratedFile{{Type: "ics", Path: created.ICSFile, Label: title}},
				}, nil
			},
		},
	}
}

// Events returns every event in the calendar directory, ordered by file name.
func (c *Calendar) Events() ([]CalendarEvent, error) {
	paths, err := filepath.Glob(filepath.Join(c.dir, "*.ics"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var events []CalendarEvent
	for _, p := range paths {
		parsed, err := parseICSFile(p)
		if err != nil {
			c.logger.Warn().Err(err).Str("file", filepath.Base(p)).Msg("Skipping unreadable calendar file")
			continue
		}
		events = append(events, parsed...)
	}
	return events, nil
}

// Report lists busy events starting within daysAhead days and suggests free
// slots on the next three weekdays at 10:00, 14:00 and 16:00.
func (c *Calendar) Report(daysAhead int) (string, error) {
	if daysAhead <= 0 {
		daysAhead = 7
	}
	all, err := c.Events()
	if err != nil {
		return "", err
	}

	y, m, d := c.now().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.Local)
	horizon := today.AddDate(0, 0, daysAhead+1)

	var events []CalendarEvent
	for _, e := range all {
		if !e.StartTime.IsZero() && (e.StartTime.Before(today) || !e.StartTime.Before(horizon)) {
			continue
		}
		events = append(events, e)
	}
	if len(events) == 0 {
		return CalendarFreeMessage, nil
	}

	lines := []string{"EXISTING EVENTS (these times are BUSY, do NOT suggest these):"}
	busy := make(map[string]bool, len(events))
	for _, e := range events {
		lines = append(lines, fmt.Sprintf("  BUSY: %s - %s: %s", e.Start, e.End, e.Summary))
		if len(e.Start) >= 13 {
			busy[e.Start[:13]] = true
		}
	}

	lines = append(lines, "", "SUGGESTED FREE TIMES (these are available, suggest these to the user):")
	for offset := 1; offset <= 3; offset++ {
		day := today.AddDate(0, 0, offset)
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}
		dayStr := day.Format("2006-01-02")
		for _, hour := range freeSlotHours {
			if busy[fmt.Sprintf("%s %02d", dayStr, hour)] {
				continue
			}
			lines = append(lines, fmt.Sprintf("%s%s %s at %d:00", FreeSlotPrefix, day.Weekday(), dayStr, hour))
		}
	}
	return strings.Join(lines, "\n"), nil
}

// CreateEvent writes a new event. An unparsable end falls back to one hour
// after start.
func (c *Calendar) CreateEvent(summary, start, end, description, location string) (*EventCreated, error) {
	if summary == "" {
		return nil, errors.New("Missing event title.")
	}
	if start == "" {
		return nil, errors.New("Missing start time. Please ask the user for a specific date and time.")
	}
	startTime, err := ParseDateTime(start)
	if err != nil {
		return nil, fmt.Errorf("Could not parse start time: '%s'. Use ISO format like '2026-02-10T14:00:00'.", start)
	}
	endTime := startTime.Add(time.Hour)
	if end != "" {
		if t, err := ParseDateTime(end); err == nil {
			endTime = t
		}
	}

	now := c.now()
	path := filepath.Join(c.dir, artifactName("event", ".ics", now))
	ev := icsEvent{Summary: summary, Start: startTime, End: endTime, Description: description, Location: location}
	if err := writeICS(path, ev, now); err != nil {
		return nil, fmt.Errorf("failed to write event: %w", err)
	}
	c.logger.Info().Str("file", filepath.Base(path)).Msg("Event created")

	return &EventCreated{
		Message:  fmt.Sprintf("Event '%s' created successfully.", summary),
		ICSFile:  path,
		Summary:  summary,
		Start:    startTime.Format("2006-01-02 15:04"),
		End:      endTime.Format("2006-01-02 15:04"),
		Location: location,
	}, nil
}

// CreateReminder writes a 15 minute event titled "⏰ <title>".
func (c *Calendar) CreateReminder(title, when string) (*ReminderCreated, error) {
	if title == "" {
		return nil, errors.New("Missing reminder title.")
	}
	if when == "" {
		return nil, errors.New("Missing time. Please ask the user when they want to be reminded.")
	}
	startTime, err := ParseDateTime(when)
	if err != nil {
		return nil, fmt.Errorf("Could not parse time: '%s'. Use ISO format.", when)
	}

	summary := "⏰ " + title
	now := c.now()
	path := filepath.Join(c.dir, artifactName("reminder", ".ics", now))
	ev := icsEvent{
		Summary:     summary,
		Start:       startTime,
		End:         startTime.Add(15 * time.Minute),
		Description: "Reminder created by Desktop Agent",
	}
	if err := writeICS(path, ev, now); err != nil {
		return nil, fmt.Errorf("failed to write reminder: %w", err)
	}
	c.logger.Info().Str("file", filepath.Base(path)).Msg("Reminder created")

	return &ReminderCreated{
		Message: fmt.Sprintf("Reminder '%s' created successfully.", summary),
		ICSFile: path,
		Summary: summary,
		Start:   startTime.Format("2006-01-02 15:04"),
	}, nil
}

// DueReminders returns reminder events starting in [from, from+window).
func (c *Calendar) DueReminders(from time.Time, window time.Duration) ([]CalendarEvent, error) {
	events, err := c.Events()
	if err != nil {
		return nil, err
	}
	var due []CalendarEvent
	for _, e := range events {
		if !strings.HasPrefix(e.Summary, "⏰") || e.StartTime.IsZero() {
			continue
		}
		if !e.StartTime.Before(from) && e.StartTime.Before(from.Add(window)) {
			due = append(due, e)
		}
	}
	return due, nil
}

// FreeSlots extracts the suggested slots from a list_events report.
func FreeSlots(report string) []string {
	var slots []string
	for _, line := range strings.Split(report, "\n") {
		if strings.HasPrefix(line, FreeSlotPrefix) {
			slots = append(slots, strings.TrimPrefix(line, FreeSlotPrefix))
		}
	}
	return slots
}
