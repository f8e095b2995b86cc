// Package toolexecutor registers and executes structured tools for the agent.
//
// Invariants:
// - Tool names are unique; re-registering a name replaces the definition.
// - Parameters are schema-validated before execution.
// - Handlers never fail past Execute: errors, timeouts and panics all become
//   a ToolResult with Success false.
//
// Usage:
//
//	reg := toolexecutor.New()
//	_ = reg.RegisterTool(toolexecutor.ToolDefinition{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
package toolexecutor
