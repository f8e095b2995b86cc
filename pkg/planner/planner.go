package planner

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/deskagent/internal/observability"
	"github.com/harun/deskagent/internal/tracing"
	"github.com/harun/deskagent/pkg/agent"
)

const (
	defaultMaxSteps        = 10
	defaultPlanTemperature = 0.3
)

// Config configures a Planner.
type Config struct {
	LLM         agent.LLMProvider
	Logger      zerolog.Logger
	MaxSteps    int
	Temperature float64
}

// Planner asks the model for an ordered list of atomic steps.
type Planner struct {
	llm         agent.LLMProvider
	logger      zerolog.Logger
	maxSteps    int
	temperature float64
}

// New creates a planner.
func New(cfg Config) *Planner {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultPlanTemperature
	}
	return &Planner{
		llm:         cfg.LLM,
		logger:      cfg.Logger.With().Str("component", "planner").Logger(),
		maxSteps:    cfg.MaxSteps,
		temperature: cfg.Temperature,
	}
}

// MaxSteps returns the plan length bound.
func (p *Planner) MaxSteps() int {
	return p.maxSteps
}

// Plan returns the steps for userInput, at most MaxSteps of them. Any
// failure yields the single step userInput.
func (p *Planner) Plan(ctx context.Context, userInput, priorContext string) []string {
	ctx, span := tracing.StartSpan(ctx, "deskagent.planner", "planner.plan")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, p.logger)

	fallback := []string{userInput}
	if p.llm == nil {
		observability.RecordFallback("plan")
		return fallback
	}

	resp, err := p.llm.Call(ctx, agent.LLMRequest{
		Messages:    []agent.Message{{Role: agent.RoleUser, Content: agent.PlanPrompt(userInput, priorContext)}},
		Temperature: p.temperature,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Planning failed")
		observability.RecordFallback("plan")
		return fallback
	}
	logger.Debug().Str("raw", resp.Content).Msg("Plan reply")

	steps := ParseSteps(resp.Content)
	if len(steps) == 0 {
		logger.Warn().Msg("Plan reply had no step array, using single step")
		observability.RecordFallback("plan")
		steps = fallback
	}
	if len(steps) > p.maxSteps {
		steps = steps[:p.maxSteps]
	}

	span.SetAttributes(attribute.Int("steps", len(steps)))
	observability.RecordPlan(len(steps))
	return steps
}

// ParseSteps extracts a JSON array of strings from a model reply, tolerating
// markdown fences and prose around the array. Blank entries are dropped.
// It returns nil when no valid array is found.
func ParseSteps(raw string) []string {
	text := between(stripFences(raw), '[', ']')
	if text == "" {
		return nil
	}

	var items []interface{}
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		return nil
	}

	steps := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil
		}
		if s = strings.TrimSpace(s); s != "" {
			steps = append(steps, s)
		}
	}
	return steps
}
