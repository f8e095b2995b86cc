package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/deskagent/internal/observability"
	"github.com/harun/deskagent/internal/tracing"
	"github.com/harun/deskagent/pkg/privacy"
	"github.com/harun/deskagent/pkg/toolexecutor"
)

// MaxRoundsMessage is the step answer when the model keeps calling tools
// past the round limit.
const MaxRoundsMessage = "[Executor] Reached max tool rounds without a final answer."

const (
	defaultMaxRounds          = 5
	defaultExecuteTemperature = 0.2
)

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	LLM          LLMProvider
	Registry     *toolexecutor.Registry
	Logger       zerolog.Logger
	MaxRounds    int
	Temperature  float64
	SystemPrompt string
	ToolTimeout  time.Duration
}

// Turn carries the per-turn state the executor needs. It is fixed for every
// step of one user turn.
type Turn struct {
	// Entities restores placeholders in write-tool arguments.
	Entities *privacy.EntityMap
	// TimeConfirmed opens the scheduling gate.
	TimeConfirmed bool
	SessionID     string
	Actor         string
}

// ToolInvocation records one tool call made while executing a step.
// Arguments are the ones the model produced, before any restoration.
type ToolInvocation struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Result    string                 `json:"result"`
	Success   bool                   `json:"success"`
	Blocked   bool                   `json:"blocked,omitempty"`
}

// StepResult is the outcome of ExecuteStep.
type StepResult struct {
	Text           string
	Conversation   []Message
	GeneratedFiles []toolexecutor.GeneratedFile
	ToolCalls      []ToolInvocation
}

// Executor drives one plan step to a final answer by letting the model call
// tools for a bounded number of rounds.
type Executor struct {
	llm          LLMProvider
	registry     *toolexecutor.Registry
	logger       zerolog.Logger
	maxRounds    int
	temperature  float64
	systemPrompt string
	toolTimeout  time.Duration
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("llm provider is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultExecuteTemperature
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = SystemPrompt
	}
	return &Executor{
		llm:          cfg.LLM,
		registry:     cfg.Registry,
		logger:       cfg.Logger.With().Str("component", "executor").Logger(),
		maxRounds:    cfg.MaxRounds,
		temperature:  cfg.Temperature,
		systemPrompt: cfg.SystemPrompt,
		toolTimeout:  cfg.ToolTimeout,
	}, nil
}

// ExecuteStep runs step against the conversation so far. The returned
// conversation is a new slice containing the step's messages; the input
// slice is not modified. An LLM failure ends the step with an
// "[LLM error: ...]" answer instead of an error.
func (e *Executor) ExecuteStep(ctx context.Context, step string, conversation []Message, turn Turn) StepResult {
	ctx, span := tracing.StartSpan(ctx, "deskagent.agent", "executor.step",
		attribute.Bool("time_confirmed", turn.TimeConfirmed),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger)

	messages := make([]Message, len(conversation), len(conversation)+2)
	copy(messages, conversation)
	messages = append(messages, Message{Role: RoleUser, Content: "Execute this step: " + step})

	tools := e.registry.Definitions()
	result := StepResult{}

	for round := 0; round < e.maxRounds; round++ {
		estimated := EstimateTokens(messages)
		span.SetAttributes(attribute.Int("conversation.estimated_tokens", estimated))
		logger.Debug().Int("round", round).Int("messages", len(messages)).Int("estimated_tokens", estimated).Msg("Asking model for next action")

		resp, err := e.llm.Call(ctx, LLMRequest{
			Messages:     messages,
			Tools:        tools,
			Temperature:  e.temperature,
			SystemPrompt: e.systemPrompt,
		})
		if err != nil {
			logger.Error().Err(err).Int("round", round).Msg("LLM call failed")
			text := fmt.Sprintf("[LLM error: %v]", err)
			messages = append(messages, Message{Role: RoleAssistant, Content: text})
			result.Text = text
			result.Conversation = messages
			return result
		}

		if len(resp.ToolCalls) == 0 {
			messages = append(messages, Message{Role: RoleAssistant, Content: resp.Content})
			result.Text = resp.Content
			result.Conversation = messages
			return result
		}

		calls := ensureCallIDs(resp.ToolCalls, round)
		messages = append(messages, Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: calls})

		for _, call := range calls {
			inv, files := e.invoke(ctx, logger, call, turn)
			result.ToolCalls = append(result.ToolCalls, inv)
			result.GeneratedFiles = append(result.GeneratedFiles, files...)
			messages = append(messages, Message{Role: RoleTool, Content: inv.Result, ToolCallID: call.ID})
		}
	}

	logger.Warn().Int("max_rounds", e.maxRounds).Msg("Step exhausted tool rounds")
	messages = append(messages, Message{Role: RoleAssistant, Content: MaxRoundsMessage})
	result.Text = MaxRoundsMessage
	result.Conversation = messages
	return result
}

// invoke runs a single tool call, applying argument restoration for write
// tools and the scheduling gate.
func (e *Executor) invoke(ctx context.Context, logger zerolog.Logger, call ToolCall, turn Turn) (ToolInvocation, []toolexecutor.GeneratedFile) {
	inv := ToolInvocation{Name: call.Name, Arguments: call.Parameters}

	if IsSchedulingTool(call.Name) && !turn.TimeConfirmed {
		res := toolexecutor.Failed("%s", GateBlockedMessage)
		inv.Result = res.String()
		inv.Blocked = true
		observability.RecordGateBlocked(call.Name)
		observability.RecordGateAudit(ctx, call.Name, turn.Actor)
		logger.Warn().Str("tool", call.Name).Msg("Scheduling gate blocked tool call, no time confirmed")
		return inv, nil
	}

	args := call.Parameters
	if e.registry.IsWriteTool(call.Name) && turn.Entities != nil && turn.Entities.Len() > 0 {
		args = restoreArgs(args, turn.Entities.Snapshot())
	}

	res := e.registry.Execute(ctx, call.Name, args, &toolexecutor.ExecutionContext{
		SessionID: turn.SessionID,
		TurnID:    tracing.GetTurnID(ctx),
		Actor:     turn.Actor,
		Timeout:   e.toolTimeout,
	})
	inv.Result = res.String()
	inv.Success = res.Success

	event := logger.Info().Str("tool", call.Name).Bool("success", res.Success)
	if !res.Success {
		event = event.Str("error", res.Error)
	}
	event.Msg("Tool executed")

	return inv, res.GeneratedFiles
}

// restoreArgs replaces placeholders in every string argument.
func restoreArgs(args map[string]interface{}, entities map[string]string) map[string]interface{} {
	restored := make(map[string]interface{}, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			restored[k] = privacy.Restore(s, entities)
			continue
		}
		restored[k] = v
	}
	return restored
}

// ensureCallIDs fills in ids for providers that omit them so tool results
// can be paired with their calls.
func ensureCallIDs(calls []ToolCall, round int) []ToolCall {
	out := make([]ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d_%d", round, i)
		}
		if c.Parameters == nil {
			c.Parameters = map[string]interface{}{}
		}
		out[i] = c
	}
	return out
}
