package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/harun/deskagent/pkg/agent"
)

func TestEvaluator_FastPaths(t *testing.T) {
	llm := &mockLLM{}
	e := NewEvaluator(EvaluatorConfig{LLM: llm, Logger: zerolog.Nop()})

	tests := []struct {
		name   string
		result string
		want   Evaluation
	}{
		{
			name:   "error marker",
			result: "[ERROR] Email 'x' not found.",
			want:   Evaluation{Success: false, Reason: "[ERROR] Email 'x' not found.", ShouldRetry: true},
		},
		{
			name:   "error marker inside long text",
			result: strings.Repeat("x", 800) + " [ERROR] boom",
			want:   Evaluation{Success: false, Reason: strings.Repeat("x", 800) + " [ERROR] boom", ShouldRetry: true},
		},
		{
			name:   "llm error",
			result: "[LLM error: connection refused]",
			want:   Evaluation{Success: false, Reason: "[LLM error: connection refused]", ShouldRetry: true},
		},
		{
			name:   "short result",
			result: "Draft email saved successfully.",
			want:   Evaluation{Success: true, Reason: "Tool returned a result."},
		},
		{
			name:   "multibyte short result",
			result: strings.Repeat("é", 499),
			want:   Evaluation{Success: true, Reason: "Tool returned a result."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Evaluate(context.Background(), "step", "executor", tt.result))
		})
	}
	llm.AssertNotCalled(t, "Call", mock.Anything, mock.Anything)
}

func TestEvaluator_AsksModelForLongResults(t *testing.T) {
	long := strings.Repeat("a", 2500)
	llm := &mockLLM{}
	llm.On("Call", mock.Anything, mock.MatchedBy(func(req agent.LLMRequest) bool {
		prompt := req.Messages[0].Content
		return req.Temperature == 0.1 &&
			strings.Contains(prompt, "Step: Summarize the NDA") &&
			strings.Contains(prompt, strings.Repeat("a", 2000)) &&
			!strings.Contains(prompt, strings.Repeat("a", 2001))
	})).Return(&agent.LLMResponse{
		Content: "```json\n{\"success\": false, \"reason\": \"summary is empty\", \"should_retry\": true}\n```",
	}, nil).Once()

	e := NewEvaluator(EvaluatorConfig{LLM: llm, Logger: zerolog.Nop()})
	got := e.Evaluate(context.Background(), "Summarize the NDA", "executor", long)

	assert.Equal(t, Evaluation{Success: false, Reason: "summary is empty", ShouldRetry: true}, got)
	llm.AssertExpectations(t)
}

func TestEvaluator_ModelFailureAssumesSuccess(t *testing.T) {
	llm := &mockLLM{}
	llm.On("Call", mock.Anything, mock.Anything).Return(nil, errors.New("503"))

	e := NewEvaluator(EvaluatorConfig{LLM: llm, Logger: zerolog.Nop()})
	got := e.Evaluate(context.Background(), "step", "executor", strings.Repeat("b", 600))

	assert.True(t, got.Success)
	assert.False(t, got.ShouldRetry)
	assert.Equal(t, "Eval skipped (LLM error).", got.Reason)
}

func TestParseEvaluation(t *testing.T) {
	long := strings.Repeat("z", 300)

	tests := []struct {
		name string
		raw  string
		want Evaluation
	}{
		{
			name: "plain object",
			raw:  `{"success": true, "reason": "ok", "should_retry": false}`,
			want: Evaluation{Success: true, Reason: "ok"},
		},
		{
			name: "prose around object",
			raw:  `Verdict: {"success": false, "reason": "wrong file", "should_retry": true} done`,
			want: Evaluation{Success: false, Reason: "wrong file", ShouldRetry: true},
		},
		{
			name: "missing fields default to success",
			raw:  `{"reason": "looks fine"}`,
			want: Evaluation{Success: true, Reason: "looks fine"},
		},
		{
			name: "not json",
			raw:  "The step succeeded.",
			want: Evaluation{Success: true, Reason: "The step succeeded."},
		},
		{
			name: "broken json truncates reason",
			raw:  "{" + long,
			want: Evaluation{Success: true, Reason: ("{" + long)[:200]},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseEvaluation(tt.raw))
		})
	}
}
