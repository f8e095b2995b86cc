package tools

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const icsTimeLayout = "20060102T150405"

var veventRe = regexp.MustCompile(`(?s)BEGIN:VEVENT(.*?)END:VEVENT`)

// CalendarEvent is one VEVENT read from an .ics file. Start and End are the
// display forms; StartTime is zero when DTSTART could not be parsed.
type CalendarEvent struct {
	UID         string    `json:"uid"`
	Summary     string    `json:"summary"`
	Start       string    `json:"start"`
	End         string    `json:"end"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	File        string    `json:"file"`
	StartTime   time.Time `json:"-"`
}

type icsEvent struct {
	Summary     string
	Start       time.Time
	End         time.Time
	Description string
	Location    string
}

func writeICS(path string, ev icsEvent, stamp time.Time) error {
	lines := []string{
		"BEGIN:VCALENDAR",
		"PRODID:-//Desktop Agent//EN",
		"VERSION:2.0",
		"CALSCALE:GREGORIAN",
		"BEGIN:VEVENT",
		"UID:" + uuid.NewString(),
		"DTSTAMP:" + stamp.Format(icsTimeLayout),
		"DTSTART:" + ev.Start.Format(icsTimeLayout),
		"DTEND:" + ev.End.Format(icsTimeLayout),
		"SUMMARY:" + icsText(ev.Summary),
		"DESCRIPTION:" + icsText(ev.Description),
		"LOCATION:" + icsText(ev.Location),
		"END:VEVENT",
		"END:VCALENDAR",
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\r\n")+"\r\n"), 0644)
}

// icsText keeps a value on one content line.
func icsText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", `\n`)
}

func parseICSFile(path string) ([]CalendarEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []CalendarEvent
	for _, block := range veventRe.FindAllStringSubmatch(string(data), -1) {
		props := make(map[string]string)
		for _, line := range strings.Split(strings.TrimSpace(block[1]), "\n") {
			line = strings.TrimSpace(line)
			key, val, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			// DTSTART;VALUE=DATE:20260210
			key, _, _ = strings.Cut(key, ";")
			props[strings.ToUpper(key)] = strings.TrimSpace(val)
		}

		summary, ok := props["SUMMARY"]
		if !ok {
			summary = "(no title)"
		}
		start, startTime := parseICSTime(props["DTSTART"])
		end, _ := parseICSTime(props["DTEND"])
		events = append(events, CalendarEvent{
			UID:         props["UID"],
			Summary:     strings.ReplaceAll(summary, `\n`, "\n"),
			Start:       start,
			End:         end,
			Description: strings.ReplaceAll(props["DESCRIPTION"], `\n`, "\n"),
			Location:    props["LOCATION"],
			File:        path,
			StartTime:   startTime,
		})
	}
	return events, nil
}

// parseICSTime returns the display form of an ICS date or date-time and the
// parsed value in local time.
func parseICSTime(val string) (string, time.Time) {
	val = strings.TrimSuffix(strings.TrimSpace(val), "Z")
	if t, err := time.ParseInLocation(icsTimeLayout, val, time.Local); err == nil {
		return t.Format("2006-01-02 15:04"), t
	}
	if t, err := time.ParseInLocation("20060102", val, time.Local); err == nil {
		return t.Format("2006-01-02") + " (all day)", t
	}
	return val, time.Time{}
}

var dateTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04",
	"01/02/2006",
	"02/01/2006 15:04",
}

// ParseDateTime accepts the date-time forms the model is told to use: ISO
// with or without seconds, date only, and slash dates (month first, then day
// first). RFC 3339 with an offset is accepted last.
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Local(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date-time %q", s)
}
