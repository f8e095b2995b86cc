package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harun/deskagent/pkg/agent"
	"github.com/harun/deskagent/pkg/planner"
	"github.com/harun/deskagent/pkg/privacy"
	"github.com/harun/deskagent/pkg/session"
	"github.com/harun/deskagent/pkg/toolexecutor"
)

// newAgentLoop wires the real planner, executor and evaluator around one
// scripted model.
func newAgentLoop(t *testing.T, llm *mockLLM, reg *toolexecutor.Registry) *Loop {
	t.Helper()
	store, err := session.Open(session.Config{
		DBPath: filepath.Join(t.TempDir(), "agent.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	exec, err := agent.NewExecutor(agent.ExecutorConfig{LLM: llm, Registry: reg, Logger: zerolog.Nop()})
	require.NoError(t, err)

	l, err := New(Components{
		Planner:   planner.New(planner.Config{LLM: llm, Logger: zerolog.Nop()}),
		Executor:  exec,
		Evaluator: planner.NewEvaluator(planner.EvaluatorConfig{LLM: llm, Logger: zerolog.Nop()}),
		LLM:       llm,
		Redactor:  privacy.NewRedactor(nil, zerolog.Nop()),
		Sessions:  store,
		Tools:     reg,
	})
	require.NoError(t, err)
	return l
}

func registerCreateEvent(t *testing.T, reg *toolexecutor.Registry, created *[]map[string]interface{}) {
	t.Helper()
	require.NoError(t, reg.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "create_event",
		Description: "Create a calendar event",
		Category:    toolexecutor.CategoryWrite,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "summary", Type: "string", Description: "Title", Required: true},
			{Name: "start", Type: "string", Description: "Start time", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			*created = append(*created, params)
			return toolexecutor.Output{
				Data: "Event created: " + params["summary"].(string),
				GeneratedFiles: []toolexecutor.GeneratedFile{{
					Type: "ics", Path: "/tmp/event.ics", Label: params["summary"].(string),
				}},
			}, nil
		},
	}))
}

func isPlanRequest(req agent.LLMRequest) bool {
	return len(req.Tools) == 0 && len(req.Messages) > 0 &&
		strings.Contains(req.Messages[len(req.Messages)-1].Content, "create a short plan")
}

func TestAgentLoop_GateClosedBlocksAndAsks(t *testing.T) {
	llm := &mockLLM{}
	reg := newCalendarRegistry(t)
	var created []map[string]interface{}
	registerCreateEvent(t, reg, &created)

	llm.On("Call", mock.Anything, mock.MatchedBy(isPlanRequest)).
		Return(&agent.LLMResponse{Content: `["Create the meeting on the calendar"]`}, nil).Once()
	llm.On("Call", mock.Anything, mock.Anything).
		Return(&agent.LLMResponse{ToolCalls: []agent.ToolCall{{
			ID: "call_1", Name: "create_event",
			Parameters: map[string]interface{}{"summary": "Meeting with <PERSON_1>", "start": "2026-10-20T15:00"},
		}}}, nil).Once()
	llm.On("Call", mock.Anything, mock.Anything).
		Return(&agent.LLMResponse{Content: "Your meeting with <PERSON_1> has been scheduled."}, nil).Once()

	l := newAgentLoop(t, llm, reg)
	final, err := l.Run(context.Background(), "schedule a meeting with Alex", nil)
	require.NoError(t, err)

	assert.Empty(t, created, "create_event must not run without an explicit time")
	assert.Empty(t, l.LastGeneratedFiles())
	assert.NotContains(t, final, "has been scheduled")
	assert.Contains(t, final, "  • Monday 2026-10-19 at 10:00")
	assert.True(t, strings.HasSuffix(final, "Just reply with your preferred date and time."))
	llm.AssertExpectations(t)
}

func TestAgentLoop_GateOpenCreatesEventWithRealName(t *testing.T) {
	llm := &mockLLM{}
	reg := newCalendarRegistry(t)
	var created []map[string]interface{}
	registerCreateEvent(t, reg, &created)

	llm.On("Call", mock.Anything, mock.MatchedBy(isPlanRequest)).
		Return(&agent.LLMResponse{Content: "```json\n[\"Create the meeting tomorrow at 3pm\"]\n```"}, nil).Once()
	llm.On("Call", mock.Anything, mock.Anything).
		Return(&agent.LLMResponse{ToolCalls: []agent.ToolCall{{
			ID: "call_1", Name: "create_event",
			Parameters: map[string]interface{}{"summary": "Meeting with <PERSON_1>", "start": "2026-10-20T15:00"},
		}}}, nil).Once()
	llm.On("Call", mock.Anything, mock.Anything).
		Return(&agent.LLMResponse{Content: "Meeting with <PERSON_1> has been scheduled for tomorrow at 3pm."}, nil).Once()

	l := newAgentLoop(t, llm, reg)
	final, err := l.Run(context.Background(), "schedule a meeting with Alex tomorrow at 3pm", nil)
	require.NoError(t, err)

	require.Len(t, created, 1)
	assert.Equal(t, "Meeting with Alex", created[0]["summary"], "write tools receive restored names")
	assert.Equal(t, "Meeting with Alex has been scheduled for tomorrow at 3pm.", final)

	files := l.LastGeneratedFiles()
	require.Len(t, files, 1)
	assert.Equal(t, "ics", files[0].Type)
	assert.Equal(t, "Meeting with Alex", files[0].Label)
	llm.AssertExpectations(t)
}
