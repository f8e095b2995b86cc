package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext adds the turn's identifiers to a zerolog logger.
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.SessionID != "" {
		lc = lc.Str("session_id", tc.SessionID)
	}
	if tc.TurnID != "" {
		lc = lc.Str("turn_id", tc.TurnID)
	}
	if tc.Step > 0 {
		lc = lc.Int("step", tc.Step)
	}
	return lc.Logger()
}

// Detach returns a background context carrying the same identifiers, for
// work that must outlive the request (persisting a finished turn).
func Detach(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	out := context.Background()
	if tc.TraceID != "" {
		out = WithTraceID(out, tc.TraceID)
	}
	if tc.SessionID != "" {
		out = WithSessionID(out, tc.SessionID)
	}
	if tc.TurnID != "" {
		out = WithTurnID(out, tc.TurnID)
	}
	if tc.Step > 0 {
		out = WithStep(out, tc.Step)
	}
	return out
}
