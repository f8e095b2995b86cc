package agent

import (
	"regexp"
	"strings"
)

// GateBlockedMessage is returned to the model instead of running a
// scheduling tool while the gate is closed.
const GateBlockedMessage = "BLOCKED: Cannot create event, the user has not provided a specific date and time. " +
	"You MUST ask the user when they want to schedule. " +
	"Use list_events to check their calendar, then suggest FREE time slots and ask them to pick one."

// explicitTimeRe matches a concrete date or time the user typed.
var explicitTimeRe = regexp.MustCompile(`(?i)` + strings.Join([]string{
	`\b\d{1,2}:\d{2}\b`,                              // 14:00, 2:30
	`\b\d{1,2}\s*(?:am|pm)\b`,                        // 2pm, 10 am
	`(?:\bat|@)\s*\d{1,2}(?::\d{2})?\s*(?:am|pm)?\b`, // at 2pm, @ 3:00
	`\b\d{4}-\d{2}-\d{2}\b`,                          // 2026-02-10
	`\b\d{1,2}/\d{1,2}/\d{2,4}\b`,                    // 02/10/2026
	`\b(?:tomorrow|today)\s+(?:at\s+)?\d{1,2}`,       // tomorrow at 3
	`\b(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday)\s+(?:at\s+)?\d{1,2}`,
}, "|"))

// HasExplicitTime reports whether text contains a specific date or time.
func HasExplicitTime(text string) bool {
	return explicitTimeRe.MatchString(text)
}

var schedulingTools = map[string]struct{}{
	"create_event":    {},
	"create_reminder": {},
}

// IsSchedulingTool reports whether name creates calendar entries and is
// therefore subject to the scheduling gate.
func IsSchedulingTool(name string) bool {
	_, ok := schedulingTools[name]
	return ok
}
