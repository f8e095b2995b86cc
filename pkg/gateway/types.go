package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harun/deskagent/pkg/memory"
	"github.com/harun/deskagent/pkg/privacy"
	"github.com/harun/deskagent/pkg/session"
	"github.com/harun/deskagent/pkg/toolexecutor"
)

// Agent is the conversational loop behind the API.
type Agent interface {
	Run(ctx context.Context, userInput string, attachments []string) (string, error)
	SessionID() string
	PrivacyEnabled() bool
	SetPrivacyEnabled(enabled bool)
	LastRedactedInput() string
	LastGeneratedFiles() []toolexecutor.GeneratedFile
}

// SessionStore serves the task log and conversation history.
type SessionStore interface {
	RecentTasks(ctx context.Context, sessionID string, limit int) ([]session.Task, error)
	History(ctx context.Context, sessionID string, limit int) ([]session.Message, error)
}

// MemoryIndex answers memory searches.
type MemoryIndex interface {
	Search(ctx context.Context, query string, opts *memory.SearchOptions) ([]memory.SearchResult, error)
	Count(ctx context.Context) int
}

// ToolCatalog lists the registered tools.
type ToolCatalog interface {
	Definitions() []toolexecutor.ToolDefinition
}

// PrivacyEngine reports which redaction backend is active.
type PrivacyEngine interface {
	Engine(ctx context.Context) privacy.Engine
}

// HealthCheck is one named readiness check for /api/health.
type HealthCheck struct {
	Name string
	// Critical checks make the service unhealthy when they fail.
	Critical bool
	Run      func(ctx context.Context) CheckResult
}

// CheckResult is the outcome of a HealthCheck.
type CheckResult struct {
	Status  string      `json:"status"` // ok, warning, error
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Check statuses.
const (
	CheckOK      = "ok"
	CheckWarning = "warning"
	CheckError   = "error"
)

// ChatRequest is the JSON body of POST /api/chat and an inbound WebSocket
// message.
type ChatRequest struct {
	Message string `json:"message"`
	Privacy *bool  `json:"privacy,omitempty"`
}

// ChatResponse is the reply to POST /api/chat.
type ChatResponse struct {
	Response       string                       `json:"response"`
	SessionID      string                       `json:"session_id"`
	Timestamp      time.Time                    `json:"timestamp"`
	PrivacyActive  bool                         `json:"privacy_active"`
	AIView         string                       `json:"ai_view"`
	GeneratedFiles []toolexecutor.GeneratedFile `json:"generated_files"`
	Attachments    []string                     `json:"attachments"`
}

// SocketResponse is the reply to an inbound WebSocket message.
type SocketResponse struct {
	Type           string                       `json:"type"` // response, error
	Content        string                       `json:"content"`
	GeneratedFiles []toolexecutor.GeneratedFile `json:"generated_files,omitempty"`
	RedactedInput  string                       `json:"redacted_input,omitempty"`
}

// UploadedFile describes a stored upload.
type UploadedFile struct {
	Name   string  `json:"name"`
	Path   string  `json:"path"`
	SizeKB float64 `json:"size_kb"`
}

// ToolInfo is the public view of a registered tool.
type ToolInfo struct {
	Name        string                       `json:"name"`
	Description string                       `json:"description"`
	Category    toolexecutor.ToolCategory    `json:"category,omitempty"`
	Parameters  []toolexecutor.ToolParameter `json:"parameters"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EventMessage is a server-initiated WebSocket event.
type EventMessage struct {
	Type      string      `json:"type,omitempty"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
	Session   string      `json:"session_id,omitempty"`
}

// ClientInfo describes a connected WebSocket client.
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// Client is a connected WebSocket client. Writes are serialized because a
// connection supports one concurrent writer.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string

	writeMu sync.Mutex
}

// WriteJSON sends v as one text frame.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// WriteMessage sends a raw frame.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}
