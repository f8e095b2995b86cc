package privacy

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harun/deskagent/internal/observability"
)

// Engine names the backend that produced a redaction.
type Engine string

const (
	EngineNone        Engine = "none"
	EnginePattern     Engine = "pattern"
	EngineStatistical Engine = "statistical"
)

// selfTestSentence must yield at least one PERSON for the analyzer to be used.
const selfTestSentence = "John Smith lives in New York"

// Result is the outcome of one redaction call.
type Result struct {
	RedactedText string
	EntityMap    map[string]string
	Engine       Engine
}

// Redactor replaces personal identifiers with numbered placeholders. The
// statistical backend is checked once; if that check fails the redactor stays
// on the pattern backend for the rest of the process.
type Redactor struct {
	analyzer Analyzer
	logger   zerolog.Logger

	once        sync.Once
	statistical bool
}

// NewRedactor creates a redactor. A nil analyzer means pattern-only.
func NewRedactor(analyzer Analyzer, logger zerolog.Logger) *Redactor {
	return &Redactor{
		analyzer: analyzer,
		logger:   logger.With().Str("component", "privacy").Logger(),
	}
}

// Engine reports the active backend, running the self-test on first use.
func (r *Redactor) Engine(ctx context.Context) Engine {
	r.once.Do(func() {
		r.statistical = r.selfTest(ctx)
	})
	if r.statistical {
		return EngineStatistical
	}
	return EnginePattern
}

func (r *Redactor) selfTest(ctx context.Context) bool {
	if r.analyzer == nil {
		r.logger.Info().Msg("No analyzer configured, using pattern backend")
		return false
	}
	findings, err := r.analyzer.Analyze(ctx, selfTestSentence)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Analyzer self-test failed, using pattern backend")
		return false
	}
	for _, f := range findings {
		if f.EntityType == "PERSON" {
			r.logger.Info().Msg("Analyzer self-test passed, using statistical backend")
			return true
		}
	}
	r.logger.Warn().Msg("Analyzer self-test found no PERSON, using pattern backend")
	return false
}

// Redact replaces PII in text. Numbering continues from session (which may
// be nil) and values already in session keep their placeholder. Redact never
// fails: on an internal error the text comes back unchanged with an empty map.
func (r *Redactor) Redact(ctx context.Context, text string, enabled bool, session *EntityMap) (res Result) {
	if !enabled || text == "" {
		return Result{RedactedText: text, EntityMap: map[string]string{}, Engine: EngineNone}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn().Str("panic", fmt.Sprint(rec)).Msg("Redaction failed, passing text through")
			res = Result{RedactedText: text, EntityMap: map[string]string{}, Engine: EngineNone}
		}
	}()

	if r.Engine(ctx) == EngineStatistical {
		a := newAssigner(session)
		a.reserve(text)
		out, keep, err := r.redactStatistical(ctx, text, a)
		if err == nil {
			out = redactNames(out, a, keep...)
			r.record(EngineStatistical, a)
			return Result{RedactedText: out, EntityMap: a.entries, Engine: EngineStatistical}
		}
		r.logger.Warn().Err(err).Msg("Analyzer call failed, using pattern backend for this text")
	}

	a := newAssigner(session)
	a.reserve(text)
	out := redactStructured(text, a)
	out = redactNames(out, a)
	r.record(EnginePattern, a)
	return Result{RedactedText: out, EntityMap: a.entries, Engine: EnginePattern}
}

func (r *Redactor) redactStatistical(ctx context.Context, text string, a *assigner) (string, []string, error) {
	findings, err := r.analyzer.Analyze(ctx, text)
	if err != nil {
		return "", nil, err
	}
	return redactFindings(text, findings, a)
}

func (r *Redactor) record(engine Engine, a *assigner) {
	counts := a.typeCounts()
	for typ, n := range counts {
		observability.RecordRedaction(string(engine), typ, n)
	}
	if len(counts) > 0 {
		r.logger.Debug().Str("engine", string(engine)).Interface("types", counts).Msg("Redacted entities")
	}
}
