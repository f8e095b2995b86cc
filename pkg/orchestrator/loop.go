// Package orchestrator runs one user turn through the agent loop:
// redact, plan, execute and evaluate each step, synthesize, check the
// answer against what actually happened, restore personal data and persist.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/deskagent/internal/observability"
	"github.com/harun/deskagent/internal/tracing"
	"github.com/harun/deskagent/pkg/agent"
	"github.com/harun/deskagent/pkg/memory"
	"github.com/harun/deskagent/pkg/planner"
	"github.com/harun/deskagent/pkg/privacy"
	"github.com/harun/deskagent/pkg/session"
	"github.com/harun/deskagent/pkg/toolexecutor"
)

const tracerName = "deskagent.orchestrator"

// NoResultMessage is the answer of a turn whose plan produced no steps.
const NoResultMessage = "I wasn't able to complete the task."

const (
	defaultBufferSize            = 20
	defaultSynthesizeTemperature = 0.3
	defaultActor                 = "agent"

	// evaluatedTool is the tool name shown to the evaluator; a step may
	// call several tools so the executor as a whole is judged.
	evaluatedTool   = "executor"
	evaluateLimit   = 1000
	taskResultLimit = 500
	logPreviewLimit = 120
)

// StepPlanner breaks a request into steps.
type StepPlanner interface {
	Plan(ctx context.Context, userInput, priorContext string) []string
}

// StepExecutor runs one step against the conversation.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, step string, conversation []agent.Message, turn agent.Turn) agent.StepResult
}

// StepEvaluator judges a step result.
type StepEvaluator interface {
	Evaluate(ctx context.Context, step, toolName, result string) planner.Evaluation
}

// SessionLog persists messages and tasks.
type SessionLog interface {
	AddMessage(ctx context.Context, sessionID, role, content string) error
	CreateTask(ctx context.Context, sessionID, goal string, steps []string) (string, error)
	UpdateTask(ctx context.Context, taskID string, status session.TaskStatus, result string) error
	RecentTasks(ctx context.Context, sessionID string, limit int) ([]session.Task, error)
}

// MemorySearcher finds facts relevant to a request.
type MemorySearcher interface {
	Search(ctx context.Context, query string, opts *memory.SearchOptions) ([]memory.SearchResult, error)
}

// ToolRunner executes a registered tool outside of the model loop.
type ToolRunner interface {
	Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *toolexecutor.ExecutionContext) toolexecutor.ToolResult
}

// Components are the collaborators a Loop cannot run without.
type Components struct {
	Planner   StepPlanner
	Executor  StepExecutor
	Evaluator StepEvaluator
	// LLM merges the results of multi-step plans.
	LLM      agent.LLMProvider
	Redactor *privacy.Redactor
	Sessions SessionLog
	Tools    ToolRunner
}

// Loop is the per-session agent state machine. It owns the session entity
// map and the conversation window; Run serializes turns.
type Loop struct {
	planner   StepPlanner
	executor  StepExecutor
	evaluator StepEvaluator
	llm       agent.LLMProvider
	redactor  *privacy.Redactor
	sessions  SessionLog
	tools     ToolRunner
	memory    MemorySearcher

	logger           zerolog.Logger
	bufferSize       int
	synthTemperature float64
	systemPrompt     string
	actor            string
	sessionID        string
	scrub            func(values ...string)

	runMu        sync.Mutex
	entities     *privacy.EntityMap
	conversation []agent.Message

	mu                 sync.RWMutex
	privacyEnabled     bool
	lastRedactedInput  string
	lastGeneratedFiles []toolexecutor.GeneratedFile
}

// Option is a functional option for configuring a Loop.
type Option func(*Loop)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithSessionID resumes an existing session instead of starting a new one.
func WithSessionID(id string) Option {
	return func(l *Loop) {
		l.sessionID = id
	}
}

// WithMemory enables long-term memory lookups for planning context.
func WithMemory(m MemorySearcher) Option {
	return func(l *Loop) {
		l.memory = m
	}
}

// WithBufferSize bounds the conversation window.
func WithBufferSize(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.bufferSize = n
		}
	}
}

// WithSynthesisTemperature sets the temperature of the synthesis call.
func WithSynthesisTemperature(t float64) Option {
	return func(l *Loop) {
		if t > 0 {
			l.synthTemperature = t
		}
	}
}

// WithSystemPrompt overrides the system prompt of the synthesis call.
func WithSystemPrompt(prompt string) Option {
	return func(l *Loop) {
		if prompt != "" {
			l.systemPrompt = prompt
		}
	}
}

// WithPrivacy sets whether redaction starts enabled.
func WithPrivacy(enabled bool) Option {
	return func(l *Loop) {
		l.privacyEnabled = enabled
	}
}

// WithActor names the caller in audit records.
func WithActor(actor string) Option {
	return func(l *Loop) {
		if actor != "" {
			l.actor = actor
		}
	}
}

// WithScrubber registers each newly redacted original value with scrub,
// typically the log redactor.
func WithScrubber(scrub func(values ...string)) Option {
	return func(l *Loop) {
		l.scrub = scrub
	}
}

// New creates a Loop for a fresh session.
func New(c Components, opts ...Option) (*Loop, error) {
	switch {
	case c.Planner == nil:
		return nil, errors.New("planner is required")
	case c.Executor == nil:
		return nil, errors.New("executor is required")
	case c.Evaluator == nil:
		return nil, errors.New("evaluator is required")
	case c.LLM == nil:
		return nil, errors.New("llm provider is required")
	case c.Redactor == nil:
		return nil, errors.New("redactor is required")
	case c.Sessions == nil:
		return nil, errors.New("session log is required")
	case c.Tools == nil:
		return nil, errors.New("tool runner is required")
	}

	l := &Loop{
		planner:          c.Planner,
		executor:         c.Executor,
		evaluator:        c.Evaluator,
		llm:              c.LLM,
		redactor:         c.Redactor,
		sessions:         c.Sessions,
		tools:            c.Tools,
		logger:           zerolog.Nop(),
		bufferSize:       defaultBufferSize,
		synthTemperature: defaultSynthesizeTemperature,
		systemPrompt:     agent.SystemPrompt,
		actor:            defaultActor,
		entities:         privacy.NewEntityMap(),
		privacyEnabled:   true,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.sessionID == "" {
		l.sessionID = session.NewSessionID()
	}
	if err := session.ValidateSessionID(l.sessionID); err != nil {
		return nil, err
	}
	l.logger = l.logger.With().Str("component", "orchestrator").Str("session_id", l.sessionID).Logger()
	return l, nil
}

// SessionID returns the session this loop writes to.
func (l *Loop) SessionID() string {
	return l.sessionID
}

// PrivacyEnabled reports whether turns are redacted.
func (l *Loop) PrivacyEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.privacyEnabled
}

// SetPrivacyEnabled toggles redaction for subsequent turns. Placeholders
// issued earlier stay in the session map and keep being restored.
func (l *Loop) SetPrivacyEnabled(enabled bool) {
	l.mu.Lock()
	l.privacyEnabled = enabled
	l.mu.Unlock()
	observability.RecordPrivacyAudit(context.Background(), l.actor, enabled)
	l.logger.Info().Bool("enabled", enabled).Msg("Privacy mode changed")
}

// LastRedactedInput returns the text the model saw for the last turn.
func (l *Loop) LastRedactedInput() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastRedactedInput
}

// LastGeneratedFiles returns the deduplicated, restored artifacts of the
// last turn.
func (l *Loop) LastGeneratedFiles() []toolexecutor.GeneratedFile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]toolexecutor.GeneratedFile(nil), l.lastGeneratedFiles...)
}

// Run handles one user turn and returns the final answer. Model and tool
// failures degrade inside the turn; only persistence failures are returned.
func (l *Loop) Run(ctx context.Context, userInput string, attachments []string) (final string, err error) {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	start := time.Now()
	ctx = tracing.NewTurnContext(ctx, l.sessionID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "orchestrator.run",
		attribute.String("session_id", l.sessionID),
		attribute.Int("attachments", len(attachments)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, l.logger)

	defer func() {
		observability.RecordTurn(time.Since(start), err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	logger.Info().Str("input", preview(userInput)).Msg("User turn started")

	l.mu.Lock()
	l.lastGeneratedFiles = nil
	privacyEnabled := l.privacyEnabled
	l.mu.Unlock()

	fullInput := userInput
	if len(attachments) > 0 {
		if attached := processAttachments(attachments); attached != "" {
			fullInput = userInput + "\n\n[Attached files context]\n" + attached
		}
	}

	safeInput := l.redact(ctx, logger, fullInput, privacyEnabled)
	l.mu.Lock()
	l.lastRedactedInput = safeInput
	l.mu.Unlock()

	if err := l.sessions.AddMessage(ctx, l.sessionID, session.RoleUser, userInput); err != nil {
		return "", fmt.Errorf("failed to save user message: %w", err)
	}
	l.conversation = append(l.conversation, agent.Message{Role: agent.RoleUser, Content: safeInput})
	l.trim()

	priorContext := l.buildContext(ctx, logger, safeInput, privacyEnabled)
	steps := l.planner.Plan(ctx, safeInput, priorContext)
	logger.Info().Int("steps", len(steps)).Strs("plan", steps).Msg("Plan ready")

	taskID, err := l.sessions.CreateTask(ctx, l.sessionID, userInput, steps)
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	if err := l.sessions.UpdateTask(ctx, taskID, session.TaskRunning, ""); err != nil {
		return "", fmt.Errorf("failed to start task: %w", err)
	}

	turn := agent.Turn{
		Entities:      l.entities,
		TimeConfirmed: agent.HasExplicitTime(userInput),
		SessionID:     l.sessionID,
		Actor:         l.actor,
	}
	span.SetAttributes(attribute.Bool("time_confirmed", turn.TimeConfirmed), attribute.Int("steps", len(steps)))
	if turn.TimeConfirmed {
		logger.Info().Msg("Explicit time in request, scheduling allowed")
	} else {
		logger.Info().Msg("No explicit time in request, scheduling gate closed")
	}

	var files []toolexecutor.GeneratedFile
	results := make([]string, 0, len(steps))
	for i, step := range steps {
		text, stepFiles := l.runStep(ctx, logger, i+1, len(steps), step, turn)
		results = append(results, text)
		files = append(files, stepFiles...)
	}

	switch {
	case len(steps) > 1:
		final = l.synthesize(ctx, logger, safeInput, results)
	case len(results) == 1:
		final = results[0]
	default:
		final = NoResultMessage
	}

	final = l.checkIntegrity(ctx, logger, final, files, turn.TimeConfirmed)

	final = l.entities.Restore(final)
	files = restoreFiles(dedupFiles(files), l.entities)
	for _, f := range files {
		observability.RecordGeneratedFile(f.Type)
	}
	l.mu.Lock()
	l.lastGeneratedFiles = files
	l.mu.Unlock()

	if err := l.sessions.AddMessage(ctx, l.sessionID, session.RoleAssistant, final); err != nil {
		_ = l.sessions.UpdateTask(ctx, taskID, session.TaskFailed, err.Error())
		return "", fmt.Errorf("failed to save answer: %w", err)
	}
	if err := l.sessions.UpdateTask(ctx, taskID, session.TaskDone, truncateRunes(final, taskResultLimit)); err != nil {
		return "", fmt.Errorf("failed to finish task: %w", err)
	}

	logger.Info().
		Str("answer", preview(final)).
		Int("files", len(files)).
		Dur("duration", time.Since(start)).
		Msg("User turn completed")
	return final, nil
}

// redact runs the turn's single redaction pass and merges new placeholders
// into the session map.
func (l *Loop) redact(ctx context.Context, logger zerolog.Logger, text string, enabled bool) string {
	ctx, span := tracing.StartSpan(ctx, tracerName, "orchestrator.redact", attribute.Bool("enabled", enabled))
	defer span.End()

	res := l.redactor.Redact(ctx, text, enabled, l.entities)
	added := l.entities.Merge(res.EntityMap)
	if l.scrub != nil && len(res.EntityMap) > 0 {
		values := make([]string, 0, len(res.EntityMap))
		for _, v := range res.EntityMap {
			values = append(values, v)
		}
		l.scrub(values...)
	}
	span.SetAttributes(
		attribute.String("engine", string(res.Engine)),
		attribute.Int("entities", len(res.EntityMap)),
	)
	if len(res.EntityMap) > 0 {
		byType := make(map[string]int)
		for ph := range res.EntityMap {
			if typ, _, ok := privacy.ParsePlaceholder(ph); ok {
				byType[typ]++
			}
		}
		observability.RecordRedactionAudit(ctx, l.actor, string(res.Engine), byType)
		logger.Info().
			Int("entities", len(res.EntityMap)).
			Int("added", added).
			Str("engine", string(res.Engine)).
			Int("session_total", l.entities.Len()).
			Msg("Redacted personal data")
	}
	return res.RedactedText
}

// runStep executes a step, evaluates it and retries at most once.
func (l *Loop) runStep(ctx context.Context, logger zerolog.Logger, index, total int, step string, turn agent.Turn) (string, []toolexecutor.GeneratedFile) {
	ctx = tracing.WithStep(ctx, index)
	ctx, span := tracing.StartSpan(ctx, tracerName, "orchestrator.step",
		attribute.Int("step", index),
		attribute.Int("total", total),
	)
	defer span.End()
	logger = logger.With().Int("step", index).Logger()
	logger.Info().Int("total", total).Str("description", step).Msg("Executing step")

	res := l.execute(ctx, step, turn)
	files := res.GeneratedFiles

	verdict := l.evaluator.Evaluate(ctx, step, evaluatedTool, truncateRunes(res.Text, evaluateLimit))
	retried := false
	if !verdict.Success && verdict.ShouldRetry {
		retried = true
		logger.Warn().Str("reason", verdict.Reason).Msg("Step failed, retrying once")
		retry := fmt.Sprintf("Retry: %s (previous attempt failed: %s)", step, verdict.Reason)
		res = l.execute(ctx, retry, turn)
		files = append(files, res.GeneratedFiles...)
		verdict = l.evaluator.Evaluate(ctx, retry, evaluatedTool, truncateRunes(res.Text, evaluateLimit))
		if !verdict.Success {
			logger.Warn().Str("reason", verdict.Reason).Msg("Retry failed, keeping its result")
		}
	}

	observability.RecordStep(verdict.Success, retried)
	span.SetAttributes(attribute.Bool("success", verdict.Success), attribute.Bool("retried", retried))
	l.trim()
	return res.Text, files
}

func (l *Loop) execute(ctx context.Context, step string, turn agent.Turn) agent.StepResult {
	res := l.executor.ExecuteStep(ctx, step, l.conversation, turn)
	if res.Conversation != nil {
		l.conversation = res.Conversation
	}
	return res
}

// synthesize merges step results into one answer. On failure the labelled
// step results themselves are the answer.
func (l *Loop) synthesize(ctx context.Context, logger zerolog.Logger, safeInput string, results []string) string {
	ctx, span := tracing.StartSpan(ctx, tracerName, "orchestrator.synthesize", attribute.Int("results", len(results)))
	defer span.End()

	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("Step result %d:\n%s", i+1, r)
	}
	combined := strings.Join(parts, "\n---\n")

	resp, err := l.llm.Call(ctx, agent.LLMRequest{
		Messages:     []agent.Message{{Role: agent.RoleUser, Content: agent.SynthesizePrompt(safeInput, combined)}},
		Temperature:  l.synthTemperature,
		SystemPrompt: l.systemPrompt,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Synthesis failed, returning step results")
		observability.RecordFallback("synthesize")
		span.RecordError(err)
		return combined
	}
	if strings.TrimSpace(resp.Content) == "" {
		logger.Warn().Msg("Synthesis returned nothing, returning step results")
		observability.RecordFallback("synthesize")
		return combined
	}
	return resp.Content
}

// trim applies the sliding conversation window.
func (l *Loop) trim() {
	l.conversation = agent.Trim(l.conversation, l.bufferSize)
}

func preview(s string) string {
	return truncateRunes(s, logPreviewLimit)
}

func truncateRunes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
