package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/deskagent/internal/tracing"
)

// AuditKind classifies an audit record.
type AuditKind string

const (
	AuditTool      AuditKind = "tool"
	AuditGate      AuditKind = "gate"
	AuditPrivacy   AuditKind = "privacy"
	AuditRedaction AuditKind = "redaction"
	AuditIntegrity AuditKind = "integrity"
)

// AuditEvent is one line of the audit trail. Values the user typed never
// appear in it: tools are recorded by name and argument keys, redactions by
// placeholder type and count.
type AuditEvent struct {
	Kind      AuditKind
	Time      time.Time
	Actor     string
	Action    string
	Outcome   string
	SessionID string
	TurnID    string
	TraceID   string
	Detail    map[string]interface{}
}

// AuditLog appends audit events as JSON lines.
type AuditLog struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var (
	auditMu  sync.RWMutex
	auditLog = &AuditLog{logger: zerolog.New(io.Discard)}
)

// OpenAuditLog opens (or creates) path for appending.
func OpenAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return NewAuditLog(file), nil
}

// NewAuditLog writes events to w, closing it on Close when it is an io.Closer.
func NewAuditLog(w io.Writer) *AuditLog {
	a := &AuditLog{logger: zerolog.New(w)}
	if c, ok := w.(io.Closer); ok {
		a.closer = c
	}
	return a
}

// SetAuditLog makes a the process audit log and returns the previous one.
// A nil log discards events.
func SetAuditLog(a *AuditLog) *AuditLog {
	if a == nil {
		a = &AuditLog{logger: zerolog.New(io.Discard)}
	}
	auditMu.Lock()
	defer auditMu.Unlock()
	prev := auditLog
	auditLog = a
	return prev
}

func currentAuditLog() *AuditLog {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditLog
}

// Record fills the turn identifiers from ctx, mirrors the event onto the
// active span and appends it.
func (a *AuditLog) Record(ctx context.Context, ev AuditEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ctx != nil {
		tc := tracing.FromContext(ctx)
		if ev.SessionID == "" {
			ev.SessionID = tc.SessionID
		}
		if ev.TurnID == "" {
			ev.TurnID = tc.TurnID
		}
		ev.TraceID = tc.TraceID

		if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
			ev.TraceID = span.SpanContext().TraceID().String()
			span.AddEvent("audit."+string(ev.Kind), trace.WithAttributes(
				attribute.String("audit.action", ev.Action),
				attribute.String("audit.outcome", ev.Outcome),
			))
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.logger.Log().
		Time("time", ev.Time).
		Str("kind", string(ev.Kind)).
		Str("action", ev.Action).
		Str("outcome", ev.Outcome)
	if ev.Actor != "" {
		e = e.Str("actor", ev.Actor)
	}
	if ev.SessionID != "" {
		e = e.Str("session_id", ev.SessionID)
	}
	if ev.TurnID != "" {
		e = e.Str("turn_id", ev.TurnID)
	}
	if ev.TraceID != "" {
		e = e.Str("trace_id", ev.TraceID)
	}
	if len(ev.Detail) > 0 {
		e = e.Interface("detail", ev.Detail)
	}
	e.Send()
}

// Close closes the underlying file, if any.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	a.logger = zerolog.New(io.Discard)
	return err
}

// RecordToolAudit records a tool execution with its argument names only.
func RecordToolAudit(ctx context.Context, toolName, actor, status string, detail map[string]interface{}) {
	currentAuditLog().Record(ctx, AuditEvent{
		Kind:    AuditTool,
		Actor:   actor,
		Action:  toolName,
		Outcome: status,
		Detail:  detail,
	})
}

// RecordGateAudit records a calendar write refused for lack of an explicit time.
func RecordGateAudit(ctx context.Context, toolName, actor string) {
	currentAuditLog().Record(ctx, AuditEvent{
		Kind:    AuditGate,
		Actor:   actor,
		Action:  toolName,
		Outcome: "blocked",
	})
}

// RecordPrivacyAudit records redaction being switched on or off.
func RecordPrivacyAudit(ctx context.Context, actor string, enabled bool) {
	outcome := "disabled"
	if enabled {
		outcome = "enabled"
	}
	currentAuditLog().Record(ctx, AuditEvent{
		Kind:    AuditPrivacy,
		Actor:   actor,
		Action:  "toggle",
		Outcome: outcome,
	})
}

// RecordRedactionAudit records how many placeholders of each type a turn
// produced and which engine produced them.
func RecordRedactionAudit(ctx context.Context, actor, engine string, byType map[string]int) {
	if len(byType) == 0 {
		return
	}
	types := make([]string, 0, len(byType))
	total := 0
	for typ, n := range byType {
		types = append(types, typ)
		total += n
	}
	sort.Strings(types)
	currentAuditLog().Record(ctx, AuditEvent{
		Kind:    AuditRedaction,
		Actor:   actor,
		Action:  engine,
		Outcome: "redacted",
		Detail: map[string]interface{}{
			"types":    types,
			"counts":   byType,
			"entities": total,
		},
	})
}

// RecordIntegrityAudit records an answer corrected for claiming an event
// that was never created.
func RecordIntegrityAudit(ctx context.Context, actor string, claimsStripped bool, slotsOffered int) {
	currentAuditLog().Record(ctx, AuditEvent{
		Kind:    AuditIntegrity,
		Actor:   actor,
		Action:  "scheduling_claim",
		Outcome: "corrected",
		Detail: map[string]interface{}{
			"claims_stripped": claimsStripped,
			"slots_offered":   slotsOffered,
		},
	})
}
