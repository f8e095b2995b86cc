package agent

import (
	"fmt"
	"strings"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the conversation transcript.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		// network
		"econnreset", "etimedout", "connection refused", "connection reset", "unexpected eof",
		// rate limits
		"429", "rate limit",
		// server errors
		"500", "502", "503", "504", "overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Trim keeps the last size messages. A window that would start with tool
// results is advanced past them so no result is orphaned from its call.
func Trim(messages []Message, size int) []Message {
	if size <= 0 || len(messages) <= size {
		return messages
	}
	out := messages[len(messages)-size:]
	for len(out) > 0 && out[0].Role == RoleTool {
		out = out[1:]
	}
	return append([]Message(nil), out...)
}

// EstimateTokens approximates the prompt size of messages at four bytes per
// token, counting tool-call arguments as well as text.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += len(msg.Content)
		for _, call := range msg.ToolCalls {
			total += len(call.Name)
			for k, v := range call.Parameters {
				total += len(k) + len(fmt.Sprint(v))
			}
		}
	}
	return (total + 3) / 4
}
