package planner

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/harun/deskagent/internal/observability"
	"github.com/harun/deskagent/internal/tracing"
	"github.com/harun/deskagent/pkg/agent"
)

const (
	// ErrorMarker flags a failed tool result.
	ErrorMarker = "[ERROR]"
	// llmErrorPrefix starts an executor answer produced by a failed model call.
	llmErrorPrefix = "[LLM error"

	// Results shorter than this many characters are assumed successful.
	shortResultThreshold = 500
	// Only this many characters of a result are shown to the judge.
	evaluateInputLimit = 2000

	defaultEvaluateTemperature = 0.1
)

// Evaluation is the verdict on one step.
type Evaluation struct {
	Success     bool   `json:"success"`
	Reason      string `json:"reason"`
	ShouldRetry bool   `json:"should_retry"`
}

// EvaluatorConfig configures an Evaluator.
type EvaluatorConfig struct {
	LLM         agent.LLMProvider
	Logger      zerolog.Logger
	Temperature float64
}

// Evaluator decides whether a step succeeded, spending a model call only on
// long results without an error marker.
type Evaluator struct {
	llm         agent.LLMProvider
	logger      zerolog.Logger
	temperature float64
}

// NewEvaluator creates an evaluator.
func NewEvaluator(cfg EvaluatorConfig) *Evaluator {
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultEvaluateTemperature
	}
	return &Evaluator{
		llm:         cfg.LLM,
		logger:      cfg.Logger.With().Str("component", "evaluator").Logger(),
		temperature: cfg.Temperature,
	}
}

// Evaluate judges a step's result.
func (e *Evaluator) Evaluate(ctx context.Context, step, toolName, result string) Evaluation {
	if strings.Contains(result, ErrorMarker) || strings.HasPrefix(result, llmErrorPrefix) {
		return Evaluation{Success: false, Reason: result, ShouldRetry: true}
	}

	if utf8.RuneCountInString(result) < shortResultThreshold {
		return Evaluation{Success: true, Reason: "Tool returned a result."}
	}

	ctx, span := tracing.StartSpan(ctx, "deskagent.planner", "evaluator.judge")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, e.logger)

	if e.llm == nil {
		observability.RecordFallback("evaluate")
		return Evaluation{Success: true, Reason: "Eval skipped (no model)."}
	}

	prompt := agent.EvaluatePrompt(step, toolName, truncateRunes(result, evaluateInputLimit))
	resp, err := e.llm.Call(ctx, agent.LLMRequest{
		Messages:    []agent.Message{{Role: agent.RoleUser, Content: prompt}},
		Temperature: e.temperature,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Evaluation call failed, assuming success")
		observability.RecordFallback("evaluate")
		return Evaluation{Success: true, Reason: "Eval skipped (LLM error)."}
	}
	logger.Debug().Str("raw", resp.Content).Msg("Evaluation reply")

	return ParseEvaluation(resp.Content)
}

// ParseEvaluation reads a JSON verdict from a model reply. Missing fields
// default to success without retry; an unparseable reply is a success whose
// reason is the first 200 characters of the reply.
func ParseEvaluation(raw string) Evaluation {
	raw = strings.TrimSpace(raw)
	if text := between(stripFences(raw), '{', '}'); text != "" {
		var verdict struct {
			Success     *bool  `json:"success"`
			Reason      string `json:"reason"`
			ShouldRetry *bool  `json:"should_retry"`
		}
		if err := json.Unmarshal([]byte(text), &verdict); err == nil {
			ev := Evaluation{Success: true, Reason: verdict.Reason}
			if verdict.Success != nil {
				ev.Success = *verdict.Success
			}
			if verdict.ShouldRetry != nil {
				ev.ShouldRetry = *verdict.ShouldRetry
			}
			return ev
		}
	}

	observability.RecordFallback("evaluate")
	return Evaluation{Success: true, Reason: truncateRunes(raw, 200)}
}
