package orchestrator

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/deskagent/internal/observability"
	"github.com/harun/deskagent/internal/tracing"
	"github.com/harun/deskagent/pkg/toolexecutor"
	"github.com/harun/deskagent/pkg/tools"
)

const maxSuggestedSlots = 5

// schedulingClaims are phrases asserting that a calendar entry exists.
var schedulingClaims = []string{
	"has been added to your calendar",
	"has been scheduled",
	"event has been created",
	"meeting has been created",
	"added to calendar",
	"scheduled for",
	"created a calendar event",
	"event created",
}

// ClaimsScheduling reports whether text asserts that a calendar entry was made.
func ClaimsScheduling(text string) bool {
	lower := strings.ToLower(text)
	for _, claim := range schedulingClaims {
		if strings.Contains(lower, claim) {
			return true
		}
	}
	return false
}

// StripSchedulingClaims removes every ". "-separated sentence that claims a
// calendar entry was made. It reports whether anything was removed.
func StripSchedulingClaims(text string) (string, bool) {
	stripped := false
	for _, claim := range schedulingClaims {
		if !strings.Contains(strings.ToLower(text), claim) {
			continue
		}
		sentences := strings.Split(text, ". ")
		kept := sentences[:0]
		for _, s := range sentences {
			if !strings.Contains(strings.ToLower(s), claim) {
				kept = append(kept, s)
			}
		}
		text = strings.Join(kept, ". ")
		stripped = true
	}
	return text, stripped
}

// SchedulingQuestion appends a question asking the user for a time,
// offering slots when there are any.
func SchedulingQuestion(text string, slots []string) string {
	question := "To schedule the meeting, what date and time work for you?"
	if len(slots) > 0 {
		lines := make([]string, len(slots))
		for i, s := range slots {
			lines[i] = "  • " + strings.TrimSpace(s)
		}
		question = "To schedule the meeting, when works best for you? " +
			"Based on your calendar, these times are free:\n" +
			strings.Join(lines, "\n") +
			"\n\nJust reply with your preferred date and time."
	}

	text = strings.TrimRight(strings.TrimSpace(text), ". \n")
	if text == "" {
		return question
	}
	return text + "\n\n" + question
}

// checkIntegrity replaces unbacked scheduling claims with a question. It
// applies only when the answer claims a calendar entry, the gate was closed
// and no calendar file was written this turn.
func (l *Loop) checkIntegrity(ctx context.Context, logger zerolog.Logger, final string, files []toolexecutor.GeneratedFile, timeConfirmed bool) string {
	if timeConfirmed || hasFileType(files, "ics") || !ClaimsScheduling(final) {
		return final
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "orchestrator.integrity_check")
	defer span.End()

	final, _ = StripSchedulingClaims(final)
	logger.Warn().Msg("Removed unbacked scheduling claim from answer")
	slots := l.freeSlots(ctx, logger)
	span.SetAttributes(attribute.Int("free_slots", len(slots)))
	observability.RecordIntegrityCorrection()
	observability.RecordIntegrityAudit(ctx, l.actor, true, len(slots))
	return SchedulingQuestion(final, slots)
}

// freeSlots asks list_events for suggested free times.
func (l *Loop) freeSlots(ctx context.Context, logger zerolog.Logger) []string {
	res := l.tools.Execute(ctx, "list_events", map[string]interface{}{}, &toolexecutor.ExecutionContext{
		SessionID: l.sessionID,
		TurnID:    tracing.GetTurnID(ctx),
		Actor:     l.actor,
	})
	if !res.Success {
		logger.Debug().Str("error", res.Error).Msg("Could not list events for free slots")
		return nil
	}
	slots := tools.FreeSlots(res.String())
	if len(slots) > maxSuggestedSlots {
		slots = slots[:maxSuggestedSlots]
	}
	return slots
}

func hasFileType(files []toolexecutor.GeneratedFile, typ string) bool {
	for _, f := range files {
		if f.Type == typ {
			return true
		}
	}
	return false
}
