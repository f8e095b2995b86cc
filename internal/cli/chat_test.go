package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/deskagent/internal/config"
	"github.com/harun/deskagent/internal/daemon"
	"github.com/harun/deskagent/internal/logger"
)

func newTestREPL(t *testing.T) (*repl, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.Load(writeTestConfig(t))
	require.NoError(t, err)

	log, err := logger.New(logger.Config{Level: "warn"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	d, err := daemon.New(cfg, log, daemon.WithLLM(&cannedLLM{reply: "Sure."}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	out := &bytes.Buffer{}
	return &repl{out: out, daemon: d}, out
}

func TestREPL_Commands(t *testing.T) {
	r, out := newTestREPL(t)
	ctx := context.Background()

	tests := []struct {
		line     string
		contains string
	}{
		{"/tools", "list_events"},
		{"/privacy", "Privacy is on."},
		{"/privacy off", "Privacy is off."},
		{"/privacy maybe", "Usage: /privacy on|off"},
		{"/privacy on", "Privacy is on."},
		{"/tasks", "No tasks yet."},
		{"/memory", "0 fact(s) from 0 file(s)"},
		{"/memory dentist", "Nothing found."},
		{"/help", "/privacy on|off"},
		{"/nope", "Unknown command /nope"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			out.Reset()
			assert.True(t, r.handle(ctx, tt.line))
			assert.Contains(t, out.String(), tt.contains)
		})
	}
}

func TestREPL_Conversation(t *testing.T) {
	r, out := newTestREPL(t)
	ctx := context.Background()

	assert.True(t, r.handle(ctx, "   "))
	assert.Empty(t, out.String())

	assert.True(t, r.handle(ctx, "what's new?"))
	assert.Contains(t, out.String(), "agent> ")

	out.Reset()
	assert.True(t, r.handle(ctx, "/tasks"))
	assert.Contains(t, out.String(), "what's new?")

	out.Reset()
	assert.False(t, r.handle(ctx, "/quit"))
	assert.Equal(t, "Goodbye!\n", out.String())
}

func TestOnOff(t *testing.T) {
	assert.Equal(t, "on", onOff(true))
	assert.Equal(t, "off", onOff(false))
}
