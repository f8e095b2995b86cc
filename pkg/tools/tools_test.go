package tools

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/harun/deskagent/internal/config"
	"github.com/harun/deskagent/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(t *testing.T) Options {
	dir := t.TempDir()
	return Options{
		Email: config.EmailConfig{
			MailboxDir: filepath.Join(dir, "emails"),
			DraftsDir:  filepath.Join(dir, "drafts"),
			SeedDemo:   true,
		},
		Calendar:  config.CalendarConfig{ICSDirectory: filepath.Join(dir, "calendars"), SeedDemo: true},
		Documents: config.DocumentsConfig{Directory: filepath.Join(dir, "documents")},
		Linkup:    config.LinkupConfig{APIKey: "k"},
		Logger:    zerolog.Nop(),
		Now:       fixedClock,
	}
}

func TestRegister(t *testing.T) {
	registry := toolexecutor.New()
	tb, err := Register(registry, testOptions(t))
	require.NoError(t, err)
	defer tb.Close()

	assert.Equal(t, []string{
		"list_emails", "read_email", "draft_reply",
		"list_events", "create_event", "create_reminder",
		"read_document", "list_documents", "summarize_document",
		"web_research",
	}, registry.ListTools())
	assert.Nil(t, tb.WebPage)

	var writes []string
	for _, def := range registry.FilterByCategory(toolexecutor.CategoryWrite) {
		writes = append(writes, def.Name)
	}
	assert.ElementsMatch(t, []string{"draft_reply", "create_event", "create_reminder"}, writes)
}

func TestRegister_WithBrowser(t *testing.T) {
	reader := new(mockPageReader)
	reader.On("Close").Return(nil)

	opts := testOptions(t)
	opts.Browser = config.BrowserConfig{Enabled: true}
	opts.PageReader = reader

	registry := toolexecutor.New()
	tb, err := Register(registry, opts)
	require.NoError(t, err)
	assert.NotNil(t, registry.GetTool("read_webpage"))
	require.NoError(t, tb.Close())
	reader.AssertCalled(t, "Close")
}

func TestRegister_RequiresRegistry(t *testing.T) {
	_, err := Register(nil, testOptions(t))
	assert.Error(t, err)
}

func TestRegisteredTools_ThroughRegistry(t *testing.T) {
	registry := toolexecutor.New()
	_, err := Register(registry, testOptions(t))
	require.NoError(t, err)
	ctx := context.Background()

	result := registry.Execute(ctx, "list_emails", map[string]interface{}{"limit": "5"}, nil)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.String(), `"id": "sample_investor"`)

	result = registry.Execute(ctx, "read_email", map[string]interface{}{"email_id": "nope"}, nil)
	assert.Equal(t, "[ERROR] Email 'nope' not found.", result.String())

	result = registry.Execute(ctx, "list_events", map[string]interface{}{}, nil)
	require.True(t, result.Success)
	assert.Len(t, FreeSlots(result.String()), 7)

	result = registry.Execute(ctx, "list_documents", map[string]interface{}{}, nil)
	require.True(t, result.Success)
	assert.Equal(t, "[]", result.String())

	result = registry.Execute(ctx, "create_event", map[string]interface{}{
		"summary": "Sync", "start": "2026-03-10T10:00:00",
	}, &toolexecutor.ExecutionContext{Timeout: 5 * time.Second})
	require.True(t, result.Success, result.Error)
	require.Len(t, result.GeneratedFiles, 1)
	assert.Regexp(t, regexp.MustCompile(`event_20260309_083000_[0-9a-z]{6}\.ics$`), result.GeneratedFiles[0].Path)
}

func TestArtifactName_Unique(t *testing.T) {
	now := fixedClock()
	a := artifactName("event", ".ics", now)
	b := artifactName("event", ".ics", now)
	assert.NotEqual(t, a, b)
}

var (
	_ PageReader = (*RodReader)(nil)
	_ PageReader = (*mockPageReader)(nil)
)
