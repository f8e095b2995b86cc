package toolexecutor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string, category ToolCategory) ToolDefinition {
	return ToolDefinition{
		Name:        name,
		Description: "Echo tool",
		Category:    category,
		Parameters: []ToolParameter{
			{Name: "message", Type: "string", Description: "Message to echo", Required: true},
			{Name: "count", Type: "integer", Description: "Repeat count"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return strings.Repeat(StringParam(params, "message", ""), IntParam(params, "count", 1)), nil
		},
	}
}

func TestRegistry_RegisterTool(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterTool(echoTool("echo", "")))

	tool := reg.GetTool("echo")
	require.NotNil(t, tool)
	assert.Equal(t, CategoryRead, tool.Category, "category defaults to read")
	assert.Equal(t, 1, reg.GetToolCount())
}

func TestRegistry_RegisterTool_InvalidDefinition(t *testing.T) {
	noop := func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil }

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{"empty name", ToolDefinition{Description: "Test", Handler: noop}},
		{"empty description", ToolDefinition{Name: "test", Handler: noop}},
		{"nil handler", ToolDefinition{Name: "test", Description: "Test"}},
		{"bad category", ToolDefinition{Name: "test", Description: "Test", Handler: noop, Category: "shell"}},
		{"bad param type", ToolDefinition{Name: "test", Description: "Test", Handler: noop,
			Parameters: []ToolParameter{{Name: "x", Type: "date", Description: "x"}}}},
		{"duplicate param", ToolDefinition{Name: "test", Description: "Test", Handler: noop,
			Parameters: []ToolParameter{{Name: "x", Type: "string", Description: "x"}, {Name: "x", Type: "string", Description: "x"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, New().RegisterTool(tt.def))
		})
	}
}

func TestRegistry_OrderAndReplace(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterTool(echoTool("b", CategoryRead)))
	require.NoError(t, reg.RegisterTool(echoTool("a", CategoryWrite)))
	require.NoError(t, reg.RegisterTool(echoTool("b", CategoryWrite)))

	assert.Equal(t, []string{"b", "a"}, reg.ListTools())
	assert.True(t, reg.IsWriteTool("b"))
	assert.False(t, reg.IsWriteTool("missing"))
	assert.Len(t, reg.FilterByCategory(CategoryWrite), 2)

	reg.UnregisterTool("b")
	assert.Equal(t, []string{"a"}, reg.ListTools())
}

func TestRegistry_Execute_Success(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterTool(echoTool("echo", CategoryRead)))

	result := reg.Execute(context.Background(), "echo", map[string]interface{}{
		"message": "Hello",
	}, nil)

	assert.True(t, result.Success)
	assert.Equal(t, "Hello", result.Output)
	assert.Equal(t, "Hello", result.String())
	assert.Contains(t, result.Metadata, "duration")
}

func TestRegistry_Execute_CoercesArguments(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterTool(echoTool("echo", CategoryRead)))

	result := reg.Execute(context.Background(), "echo", map[string]interface{}{
		"message": "ab",
		"count":   "3",
		"extra":   "ignored",
	}, nil)

	require.True(t, result.Success, result.Error)
	assert.Equal(t, "ababab", result.Output)
}

func TestRegistry_Execute_ToolNotFound(t *testing.T) {
	result := New().Execute(context.Background(), "nonexistent", nil, nil)

	assert.False(t, result.Success)
	assert.Equal(t, "[ERROR] Unknown tool: nonexistent", result.String())
}

func TestRegistry_Execute_ValidationError(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterTool(echoTool("echo", CategoryRead)))

	result := reg.Execute(context.Background(), "echo", map[string]interface{}{}, nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "validation")
}

func TestRegistry_Execute_HandlerError(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterTool(ToolDefinition{
		Name:        "failing_tool",
		Description: "A tool that fails",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("handler error")
		},
	}))

	result := reg.Execute(context.Background(), "failing_tool", nil, nil)

	assert.False(t, result.Success)
	assert.Equal(t, "[ERROR] handler error", result.String())
}

func TestRegistry_Execute_RecoversPanic(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterTool(ToolDefinition{
		Name:        "panicky",
		Description: "Panics",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			panic("boom")
		},
	}))

	result := reg.Execute(context.Background(), "panicky", nil, nil)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "boom")
}

func TestRegistry_Execute_Timeout(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterTool(ToolDefinition{
		Name:        "slow_tool",
		Description: "A slow tool",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			select {
			case <-time.After(2 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	result := reg.Execute(context.Background(), "slow_tool", nil, &ExecutionContext{Timeout: 50 * time.Millisecond})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timeout")
}

func TestRegistry_Execute_GeneratedFiles(t *testing.T) {
	reg := New()
	require.NoError(t, reg.RegisterTool(ToolDefinition{
		Name:        "make_file",
		Description: "Writes a file",
		Category:    CategoryWrite,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return Output{
				Data:           map[string]string{"message": "ok"},
				GeneratedFiles: []GeneratedFile{{Type: "ics", Path: "/tmp/e.ics", Label: "Sync"}},
			}, nil
		},
	}))

	result := reg.Execute(context.Background(), "make_file", nil, nil)

	require.True(t, result.Success)
	assert.Equal(t, `{"message":"ok"}`, result.String())
	require.Len(t, result.GeneratedFiles, 1)
	assert.Equal(t, "Sync", result.GeneratedFiles[0].Label)
}

func TestRegistry_Execute_ExecContextReachesHandler(t *testing.T) {
	reg := New()
	var seen string
	require.NoError(t, reg.RegisterTool(ToolDefinition{
		Name:        "whoami",
		Description: "Reads the session",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			seen = SessionIDFromContext(ctx)
			return seen, nil
		},
	}))

	reg.Execute(context.Background(), "whoami", nil, &ExecutionContext{SessionID: "s-1"})
	assert.Equal(t, "s-1", seen)
}

func TestRegistry_Execute_OutputTruncation(t *testing.T) {
	reg := New()
	large := strings.Repeat("A", maxOutputSize+500)
	require.NoError(t, reg.RegisterTool(ToolDefinition{
		Name:        "large",
		Description: "Large output",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return large, nil
		},
	}))

	result := reg.Execute(context.Background(), "large", nil, nil)

	assert.True(t, result.Success)
	assert.True(t, result.Truncated)
	assert.True(t, strings.HasSuffix(result.String(), "[output truncated]"))
}

func TestParametersSchema(t *testing.T) {
	def := ToolDefinition{
		Name:        "search",
		Description: "Search",
		Parameters: []ToolParameter{
			{Name: "query", Type: "string", Description: "q", Required: true},
			{Name: "depth", Type: "string", Description: "d", Enum: []string{"standard", "deep"}},
		},
	}

	schema := ParametersSchema(def)
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"query"}, schema["required"])
	props := schema["properties"].(map[string]interface{})
	assert.Equal(t, []interface{}{"standard", "deep"}, props["depth"].(map[string]interface{})["enum"])
}

func TestParams(t *testing.T) {
	params := map[string]interface{}{"s": "  hi ", "f": 3.0, "i": "7", "bad": "x"}

	assert.Equal(t, "hi", StringParam(params, "s", ""))
	assert.Equal(t, "dflt", StringParam(params, "missing", "dflt"))
	assert.Equal(t, 3, IntParam(params, "f", 0))
	assert.Equal(t, 7, IntParam(params, "i", 0))
	assert.Equal(t, 9, IntParam(params, "bad", 9))
}
