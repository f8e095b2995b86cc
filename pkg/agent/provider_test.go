package agent

import (
	"context"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/deskagent/pkg/toolexecutor"
)

func sampleTools() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{{
		Name:        "read_email",
		Description: "Read one email",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "email_id", Type: "string", Description: "Email id", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil },
	}}
}

func TestToAnthropicMessages_FoldsToolResults(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "ignored here"},
		{Role: RoleUser, Content: "Execute this step: read both"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "t1", Name: "read_email", Parameters: map[string]interface{}{"email_id": "a"}},
			{ID: "t2", Name: "read_email", Parameters: map[string]interface{}{"email_id": "b"}},
		}},
		{Role: RoleTool, ToolCallID: "t1", Content: "first"},
		{Role: RoleTool, ToolCallID: "t2", Content: "[ERROR] Email 'b' not found."},
		{Role: RoleAssistant, Content: "done"},
	}

	out := toAnthropicMessages(msgs)
	require.Len(t, out, 4)
	assert.Equal(t, anthropic.MessageParamRoleUser, out[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, out[1].Role)
	assert.Len(t, out[1].Content, 2)
	assert.Equal(t, anthropic.MessageParamRoleUser, out[2].Role)
	assert.Len(t, out[2].Content, 2)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, out[3].Role)
}

func TestToAnthropicTools(t *testing.T) {
	tools := toAnthropicTools(sampleTools())
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "read_email", tools[0].OfTool.Name)
	assert.Equal(t, []string{"email_id"}, tools[0].OfTool.InputSchema.Required)
}

func TestToOpenAIMessages(t *testing.T) {
	msgs, err := toOpenAIMessages(LLMRequest{
		SystemPrompt: "sys",
		Messages: []Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "t1", Name: "read_email", Parameters: map[string]interface{}{"email_id": "a"}}}},
			{Role: RoleTool, ToolCallID: "t1", Content: "body"},
		},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	require.NotNil(t, msgs[2].OfAssistant)
	assert.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "t1", msgs[3].OfTool.ToolCallID)
}

func TestToOpenAITools(t *testing.T) {
	tools := toOpenAITools(sampleTools())
	require.Len(t, tools, 1)
	assert.Equal(t, "read_email", tools[0].Function.Name)
	assert.Equal(t, "object", tools[0].Function.Parameters["type"])
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(nil))
	assert.Equal(t, 2, EstimateTokens([]Message{{Role: RoleUser, Content: "abcdefgh"}}))
	assert.Equal(t, 7, EstimateTokens([]Message{
		{Role: RoleUser, Content: "abcdefgh"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "read_email", Parameters: map[string]interface{}{"email_id": "42"}}}},
	}))
}
