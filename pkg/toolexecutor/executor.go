package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harun/deskagent/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// ErrToolNotFound is returned by lookups for unregistered tools.
var ErrToolNotFound = errors.New("tool not found")

const (
	defaultTimeout = 60 * time.Second
	maxOutputSize  = 32 * 1024
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Category    ToolCategory    `json:"category"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution. A handler that
// produces artifacts returns an Output; anything else is treated as plain data.
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// GeneratedFile describes an artifact written by a tool.
type GeneratedFile struct {
	Type    string `json:"type"` // ics, mailto
	Path    string `json:"path"`
	Label   string `json:"label"`
	To      string `json:"to,omitempty"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

// Output is returned by handlers that generate files alongside their data.
type Output struct {
	Data           interface{}
	GeneratedFiles []GeneratedFile
}

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	SessionID string
	TurnID    string
	Actor     string
	Timeout   time.Duration
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Success        bool                   `json:"success"`
	Output         interface{}            `json:"output,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Truncated      bool                   `json:"truncated,omitempty"`
	GeneratedFiles []GeneratedFile        `json:"generated_files,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// String renders the result the way it is fed back to the model: the output
// text on success, "[ERROR] <error>" on failure.
func (r ToolResult) String() string {
	if !r.Success {
		return "[ERROR] " + r.Error
	}
	switch v := r.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// Failed builds a failed result without running anything.
func Failed(format string, args ...interface{}) ToolResult {
	return ToolResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Registry manages and executes tools
type Registry struct {
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	order   []string
	timeout time.Duration
	mu      sync.RWMutex
}

// New creates a new Registry
func New() *Registry {
	return &Registry{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
		timeout: defaultTimeout,
	}
}

// SetDefaultTimeout changes the timeout used when no ExecutionContext
// timeout is given.
func (r *Registry) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = d
}

// RegisterTool registers a new tool. Registering an existing name replaces it
// in place.
func (r *Registry) RegisterTool(def ToolDefinition) error {
	if def.Category == "" {
		def.Category = CategoryRead
	}
	if err := r.validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(ParametersSchema(def)))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	log.Debug().Str("tool", def.Name).Str("category", string(def.Category)).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (r *Registry) UnregisterTool(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tools, name)
	delete(r.schemas, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	log.Info().Str("tool", name).Msg("Tool unregistered")
}

// GetTool returns a tool definition by name
func (r *Registry) GetTool(name string) *ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tools[name]
}

// ListTools returns registered tool names in registration order
func (r *Registry) ListTools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Definitions returns a copy of every definition in registration order.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, *r.tools[name])
	}
	return defs
}

// GetToolCount returns the number of registered tools
func (r *Registry) GetToolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tools)
}

// IsWriteTool reports whether the named tool persists an artifact.
func (r *Registry) IsWriteTool(name string) bool {
	def := r.GetTool(name)
	return def != nil && def.Category == CategoryWrite
}

// Execute executes a tool with the given parameters. It never panics and
// never returns an error: every failure is a ToolResult with Success false.
func (r *Registry) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) (result ToolResult) {
	startTime := time.Now()
	actor := "agent"
	if execCtx != nil && execCtx.Actor != "" {
		actor = execCtx.Actor
	}

	defer func() {
		duration := time.Since(startTime)
		if result.Metadata == nil {
			result.Metadata = map[string]interface{}{}
		}
		result.Metadata["duration"] = duration.Milliseconds()
		observability.RecordToolExecution(toolName, duration, result.Success)
		status := "success"
		if !result.Success {
			status = "failure"
		}
		observability.RecordToolAudit(ctx, toolName, actor, status, map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
			"files":       len(result.GeneratedFiles),
		})
	}()

	r.mu.RLock()
	tool := r.tools[toolName]
	schema := r.schemas[toolName]
	timeout := r.timeout
	r.mu.RUnlock()

	if tool == nil {
		log.Error().Str("tool", toolName).Msg("Tool not found")
		return Failed("Unknown tool: %s", toolName)
	}

	params = coerceParams(tool, params)
	if err := validateParameters(schema, params); err != nil {
		log.Warn().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		return Failed("parameter validation failed: %v", err)
	}

	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}
	timeoutCtx, cancel := context.WithTimeout(ContextWithExecContext(ctx, execCtx), timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Str("tool", toolName).
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("Tool handler panicked")
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", toolName, rec)}
			}
		}()
		value, err := tool.Handler(timeoutCtx, params)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
				log.Error().Str("tool", toolName).Dur("timeout", timeout).Msg("Tool execution timeout")
				return Failed("tool execution timeout after %v", timeout)
			}
			log.Error().Str("tool", toolName).Err(out.err).Msg("Tool execution failed")
			return ToolResult{Success: false, Error: out.err.Error()}
		}

		var files []GeneratedFile
		value := out.value
		switch o := value.(type) {
		case Output:
			value, files = o.Data, o.GeneratedFiles
		case *Output:
			value, files = o.Data, o.GeneratedFiles
		}

		output, truncated := truncateOutput(value)
		log.Debug().
			Str("tool", toolName).
			Dur("duration", time.Since(startTime)).
			Bool("truncated", truncated).
			Int("files", len(files)).
			Msg("Tool execution completed")

		return ToolResult{
			Success:        true,
			Output:         output,
			Truncated:      truncated,
			GeneratedFiles: files,
		}

	case <-timeoutCtx.Done():
		log.Error().Str("tool", toolName).Dur("timeout", timeout).Msg("Tool execution timeout")
		if ctx.Err() != nil {
			return Failed("tool execution cancelled: %v", ctx.Err())
		}
		return Failed("tool execution timeout after %v", timeout)
	}
}

// ParametersSchema returns the JSON schema object describing def's parameters.
func ParametersSchema(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			enum := make([]interface{}, len(param.Enum))
			for i, e := range param.Enum {
				enum[i] = e
			}
			paramSchema["enum"] = enum
		}
		if param.Type == "array" {
			paramSchema["items"] = map[string]interface{}{"type": "string"}
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// validateToolDefinition validates a tool definition
func (r *Registry) validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if !IsValidCategory(string(def.Category)) {
		return fmt.Errorf("invalid category %q", def.Category)
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	seen := make(map[string]bool, len(def.Parameters))
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// coerceParams drops unknown and null arguments and converts stringly-typed
// scalars, which small local models emit routinely.
func coerceParams(def *ToolDefinition, params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	types := make(map[string]string, len(def.Parameters))
	for _, p := range def.Parameters {
		types[p.Name] = p.Type
	}

	var dropped []string
	for k, v := range params {
		typ, known := types[k]
		if !known {
			dropped = append(dropped, k)
			continue
		}
		if v == nil {
			continue
		}
		s, isString := v.(string)
		switch {
		case isString && typ == "integer":
			if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				v = n
			}
		case isString && typ == "number":
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				v = f
			}
		case isString && typ == "boolean":
			if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
				v = b
			}
		case !isString && typ == "string":
			switch n := v.(type) {
			case float64:
				v = strconv.FormatFloat(n, 'f', -1, 64)
			case bool:
				v = strconv.FormatBool(n)
			}
		}
		out[k] = v
	}

	if len(dropped) > 0 {
		sort.Strings(dropped)
		log.Debug().Str("tool", def.Name).Strs("dropped", dropped).Msg("Ignoring unknown tool arguments")
	}
	return out
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		problems := []string{}
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("validation errors: %v", problems)
	}

	return nil
}

// truncateOutput truncates output if it exceeds the size limit
func truncateOutput(output interface{}) (interface{}, bool) {
	str, ok := output.(string)
	if !ok {
		if output == nil {
			return nil, false
		}
		data, err := json.Marshal(output)
		if err != nil {
			str = fmt.Sprintf("%v", output)
		} else {
			str = string(data)
		}
	}

	if len(str) <= maxOutputSize {
		return output, false
	}

	cut := maxOutputSize
	for cut > 0 && !utf8RuneStart(str[cut]) {
		cut--
	}
	log.Warn().
		Int("original", len(str)).
		Int("truncated", cut).
		Msg("Output truncated")

	return str[:cut] + "\n... [output truncated]", true
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
