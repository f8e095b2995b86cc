package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/deskagent/pkg/memory"
	"github.com/harun/deskagent/pkg/privacy"
	"github.com/harun/deskagent/pkg/session"
	"github.com/harun/deskagent/pkg/toolexecutor"
)

type fakeAgent struct {
	mu          sync.Mutex
	privacy     bool
	inputs      []string
	attachments [][]string
	answer      string
	err         error
	files       []toolexecutor.GeneratedFile
}

func (a *fakeAgent) Run(ctx context.Context, userInput string, attachments []string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inputs = append(a.inputs, userInput)
	a.attachments = append(a.attachments, attachments)
	return a.answer, a.err
}

func (a *fakeAgent) SessionID() string { return "abc123def456" }

func (a *fakeAgent) PrivacyEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.privacy
}

func (a *fakeAgent) SetPrivacyEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.privacy = enabled
}

func (a *fakeAgent) LastRedactedInput() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.inputs) == 0 {
		return ""
	}
	return "redacted: " + a.inputs[len(a.inputs)-1]
}

func (a *fakeAgent) LastGeneratedFiles() []toolexecutor.GeneratedFile { return a.files }

type fakeMemory struct {
	results []memory.SearchResult
	queries []string
}

func (m *fakeMemory) Search(ctx context.Context, query string, opts *memory.SearchOptions) ([]memory.SearchResult, error) {
	m.queries = append(m.queries, query)
	return m.results, nil
}

func (m *fakeMemory) Count(ctx context.Context) int { return len(m.results) }

type fixedEngine privacy.Engine

func (e fixedEngine) Engine(ctx context.Context) privacy.Engine { return privacy.Engine(e) }

type testServer struct {
	server  *Server
	agent   *fakeAgent
	store   *session.Store
	dataDir string
	http    *httptest.Server
}

func newTestServer(t *testing.T, mutate func(cfg *Config)) *testServer {
	t.Helper()
	dataDir := t.TempDir()
	store, err := session.Open(session.Config{DBPath: filepath.Join(dataDir, "agent.db"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := toolexecutor.New()
	require.NoError(t, reg.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "list_events",
		Description: "List upcoming events",
		Category:    toolexecutor.CategoryRead,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "", nil
		},
	}))

	agent := &fakeAgent{privacy: true, answer: "All done."}
	cfg := Config{
		Port:     8080,
		DataDir:  dataDir,
		Agent:    agent,
		Sessions: store,
		Tools:    reg,
		Memory:   &fakeMemory{results: []memory.SearchResult{{FactID: "1", Content: "budget is 10k", Source: "notes.md", Score: 0.9}}},
		Privacy:  fixedEngine(privacy.EnginePattern),
		Logger:   zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{server: srv, agent: agent, store: store, dataDir: dataDir, http: ts}
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestNewServer_Validation(t *testing.T) {
	base := Config{Port: 8080, DataDir: t.TempDir(), Agent: &fakeAgent{}, Sessions: &session.Store{}, Tools: toolexecutor.New()}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"no agent", func(c *Config) { c.Agent = nil }},
		{"no sessions", func(c *Config) { c.Sessions = nil }},
		{"no tools", func(c *Config) { c.Tools = nil }},
		{"no data dir", func(c *Config) { c.DataDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := NewServer(cfg)
			assert.Error(t, err)
		})
	}

	srv, err := NewServer(base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base.DataDir, "uploads"), srv.uploadDir)
	assert.Equal(t, int64(defaultMaxUploadMB)<<20, srv.maxUpload)
}

func TestChat_JSON(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.agent.files = []toolexecutor.GeneratedFile{{Type: "ics", Path: "/data/calendars/e.ics", Label: "Sync"}}

	resp, err := http.Post(ts.http.URL+"/api/chat", "application/json",
		strings.NewReader(`{"message":"  what is on my calendar  ","privacy":false}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ChatResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "All done.", body.Response)
	assert.Equal(t, "abc123def456", body.SessionID)
	assert.False(t, body.PrivacyActive)
	assert.Equal(t, "redacted: what is on my calendar", body.AIView)
	require.Len(t, body.GeneratedFiles, 1)
	assert.Equal(t, "ics", body.GeneratedFiles[0].Type)
	assert.Empty(t, body.Attachments)
	assert.Equal(t, []string{"what is on my calendar"}, ts.agent.inputs)
}

func TestChat_Errors(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Post(ts.http.URL+"/api/chat", "application/json", strings.NewReader(`{"message":"   "}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e ErrorResponse
	decodeBody(t, resp, &e)
	assert.Equal(t, "Empty message", e.Error)

	resp, err = http.Post(ts.http.URL+"/api/chat", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.http.URL + "/api/chat")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	ts.agent.err = errors.New("failed to save user message: disk full")
	resp, err = http.Post(ts.http.URL+"/api/chat", "application/json", strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	decodeBody(t, resp, &e)
	assert.Contains(t, e.Error, "disk full")
}

func multipartBody(t *testing.T, fields map[string]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestChat_MultipartWithAttachments(t *testing.T) {
	ts := newTestServer(t, nil)

	body, contentType := multipartBody(t,
		map[string]string{"message": "summarize this", "privacy": "false"},
		map[string]string{"notes.txt": "quarterly numbers"},
	)
	resp, err := http.Post(ts.http.URL+"/api/chat", contentType, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ChatResponse
	decodeBody(t, resp, &out)
	require.Len(t, out.Attachments, 1)
	assert.True(t, strings.HasSuffix(out.Attachments[0], "_notes.txt"))
	assert.False(t, out.PrivacyActive)

	require.Len(t, ts.agent.attachments, 1)
	require.Len(t, ts.agent.attachments[0], 1)
	saved := ts.agent.attachments[0][0]
	assert.Equal(t, filepath.Join(ts.dataDir, "uploads"), filepath.Dir(saved))
	data, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(data))
}

func TestUpload(t *testing.T) {
	ts := newTestServer(t, nil)

	body, contentType := multipartBody(t, nil, map[string]string{"../../escape.md": "# hi"})
	resp, err := http.Post(ts.http.URL+"/api/upload", contentType, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Files []UploadedFile `json:"files"`
	}
	decodeBody(t, resp, &out)
	require.Len(t, out.Files, 1)
	assert.Equal(t, "escape.md", out.Files[0].Name)
	assert.Equal(t, filepath.Join(ts.dataDir, "uploads"), filepath.Dir(out.Files[0].Path), "names are reduced to their base")
}

func TestDownload(t *testing.T) {
	ts := newTestServer(t, nil)
	icsPath := filepath.Join(ts.dataDir, "calendars", "event.ics")
	require.NoError(t, os.MkdirAll(filepath.Dir(icsPath), 0o755))
	require.NoError(t, os.WriteFile(icsPath, []byte("BEGIN:VCALENDAR\r\n"), 0o644))

	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"inside data dir", icsPath, http.StatusOK},
		{"missing file", filepath.Join(ts.dataDir, "nope.ics"), http.StatusNotFound},
		{"outside data dir", outside, http.StatusForbidden},
		{"traversal", filepath.Join(ts.dataDir, "..", filepath.Base(filepath.Dir(outside)), "secret.txt"), http.StatusForbidden},
		{"directory", ts.dataDir, http.StatusForbidden},
		{"empty", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, ts.http.URL+"/api/download", nil)
			require.NoError(t, err)
			q := req.URL.Query()
			q.Set("path", tt.path)
			req.URL.RawQuery = q.Encode()

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.status == http.StatusOK {
				assert.Contains(t, resp.Header.Get("Content-Disposition"), `filename="event.ics"`)
			}
		})
	}
}

func TestPrivacyEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.http.URL + "/api/privacy")
	require.NoError(t, err)
	var state map[string]interface{}
	decodeBody(t, resp, &state)
	assert.Equal(t, true, state["privacy_enabled"])
	assert.Equal(t, "pattern", state["engine"])

	resp, err = http.Post(ts.http.URL+"/api/privacy", "application/json", strings.NewReader(`{"enabled":false}`))
	require.NoError(t, err)
	decodeBody(t, resp, &state)
	assert.Equal(t, false, state["privacy_enabled"])
	assert.False(t, ts.agent.PrivacyEnabled())
}

func TestToolsTasksMemorySession(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	taskID, err := ts.store.CreateTask(ctx, "abc123def456", "summarize inbox", []string{"list emails"})
	require.NoError(t, err)
	require.NoError(t, ts.store.UpdateTask(ctx, taskID, session.TaskDone, "3 emails"))
	require.NoError(t, ts.store.AddMessage(ctx, "abc123def456", session.RoleUser, "summarize inbox"))

	resp, err := http.Get(ts.http.URL + "/api/tools")
	require.NoError(t, err)
	var tools struct {
		Tools []ToolInfo `json:"tools"`
	}
	decodeBody(t, resp, &tools)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "list_events", tools.Tools[0].Name)
	assert.Equal(t, toolexecutor.CategoryRead, tools.Tools[0].Category)

	resp, err = http.Get(ts.http.URL + "/api/tasks")
	require.NoError(t, err)
	var tasks struct {
		Tasks []session.Task `json:"tasks"`
	}
	decodeBody(t, resp, &tasks)
	require.Len(t, tasks.Tasks, 1)
	assert.Equal(t, "summarize inbox", tasks.Tasks[0].Goal)
	assert.Equal(t, session.TaskDone, tasks.Tasks[0].Status)

	resp, err = http.Get(ts.http.URL + "/api/memory?q=budget")
	require.NoError(t, err)
	var mem struct {
		Memories []memory.SearchResult `json:"memories"`
	}
	decodeBody(t, resp, &mem)
	require.Len(t, mem.Memories, 1)
	assert.Equal(t, "budget is 10k", mem.Memories[0].Content)

	resp, err = http.Get(ts.http.URL + "/api/session")
	require.NoError(t, err)
	var sess map[string]interface{}
	decodeBody(t, resp, &sess)
	assert.Equal(t, "abc123def456", sess["session_id"])
	assert.Equal(t, float64(1), sess["tools_count"])
	assert.Equal(t, float64(1), sess["memory_size"])
	assert.Len(t, sess["history"], 1)
}

func TestMemoryDisabled(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.Memory = nil })

	resp, err := http.Get(ts.http.URL + "/api/memory?q=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	ok := func(ctx context.Context) CheckResult { return CheckResult{Status: CheckOK, Message: "fine"} }
	warn := func(ctx context.Context) CheckResult { return CheckResult{Status: CheckWarning, Message: "no key"} }
	fail := func(ctx context.Context) CheckResult { return CheckResult{Status: CheckError, Message: "down"} }

	tests := []struct {
		name    string
		checks  []HealthCheck
		status  int
		healthy bool
	}{
		{"all ok", []HealthCheck{{Name: "llm", Critical: true, Run: ok}}, http.StatusOK, true},
		{"non-critical warning", []HealthCheck{{Name: "llm", Critical: true, Run: ok}, {Name: "linkup", Run: warn}}, http.StatusOK, true},
		{"critical failure", []HealthCheck{{Name: "llm", Critical: true, Run: fail}}, http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, func(cfg *Config) { cfg.Health = tt.checks })
			resp, err := http.Get(ts.http.URL + "/api/health")
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)

			var body struct {
				Healthy bool                   `json:"healthy"`
				Checks  map[string]CheckResult `json:"checks"`
			}
			decodeBody(t, resp, &body)
			assert.Equal(t, tt.healthy, body.Healthy)
			assert.Len(t, body.Checks, len(tt.checks))
		})
	}
}

func TestRateLimitAppliesToAPI(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.RateLimitPerMinute = 2 })

	for i := 0; i < 2; i++ {
		resp, err := http.Get(ts.http.URL + "/api/tools")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, err := http.Get(ts.http.URL + "/api/tools")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, err = http.Get(ts.http.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is not limited")
}

func TestTraceIDHeader(t *testing.T) {
	ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, ts.http.URL+"/api/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Trace-Id", "trace-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "trace-123", resp.Header.Get("X-Trace-Id"))
}

func dialSocket(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocket_Chat(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.agent.files = []toolexecutor.GeneratedFile{{Type: "mailto", Path: "/data/drafts/d.eml", To: "sam@example.com"}}
	conn := dialSocket(t, ts)

	require.NoError(t, conn.WriteJSON(ChatRequest{Message: "draft a reply"}))
	var resp SocketResponse
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))

	assert.Equal(t, "response", resp.Type)
	assert.Equal(t, "All done.", resp.Content)
	assert.Equal(t, "redacted: draft a reply", resp.RedactedInput)
	require.Len(t, resp.GeneratedFiles, 1)
	assert.Equal(t, "sam@example.com", resp.GeneratedFiles[0].To)

	require.NoError(t, conn.WriteJSON(ChatRequest{Message: ""}))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "Empty message", resp.Content)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "error", resp.Type)
}

func TestWebSocket_AgentError(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.agent.err = errors.New("store closed")
	conn := dialSocket(t, ts)

	require.NoError(t, conn.WriteJSON(ChatRequest{Message: "hi"}))
	var resp SocketResponse
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "[Error] store closed", resp.Content)
}

func TestWebSocket_ReceivesBroadcasts(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dialSocket(t, ts)

	require.Eventually(t, func() bool { return ts.server.clients.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, ts.server.ConnectedClients(), 1)

	resp, err := http.Post(ts.http.URL+"/api/privacy", "application/json", strings.NewReader(`{"enabled":false}`))
	require.NoError(t, err)
	resp.Body.Close()

	var event EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "event", event.Type)
	assert.Equal(t, "privacy.changed", event.Event)
	assert.NotZero(t, event.Seq)
	assert.NotZero(t, event.Timestamp)
}
