package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		DBPath: filepath.Join(t.TempDir(), "agent.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid hex", "a1b2c3d4e5f6", false},
		{"valid with colon", "cli:default", false},
		{"empty", "", true},
		{"parent traversal", "../etc", true},
		{"slash", "a/b", true},
		{"backslash", `a\b`, true},
		{"null byte", "a\x00b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSessionID)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	assert.Len(t, id, 12)
	assert.NoError(t, ValidateSessionID(id))
	assert.NotEqual(t, id, NewSessionID())
}

func TestStore_AddMessageAndHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, content := range []string{"one", "two", "three"} {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		require.NoError(t, store.AddMessage(ctx, "s1", role, content))
	}
	require.NoError(t, store.AddMessage(ctx, "s2", RoleUser, "other session"))

	history, err := store.History(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "two", history[0].Content)
	assert.Equal(t, RoleAssistant, history[0].Role)
	assert.Equal(t, "three", history[1].Content)
	assert.False(t, history[1].Timestamp.IsZero())

	all, err := store.History(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_AddMessageValidation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.AddMessage(ctx, "../x", RoleUser, "hi"), ErrInvalidSessionID)
	assert.Error(t, store.AddMessage(ctx, "s1", "", "hi"))

	_, err := store.History(ctx, "", 10)
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestStore_TaskLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id, err := store.CreateTask(ctx, "s1", "draft a reply", []string{"Read the email", "Draft a reply"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	tasks, err := store.RecentTasks(ctx, "s1", 5)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskPending, tasks[0].Status)
	assert.Equal(t, []string{"Read the email", "Draft a reply"}, tasks[0].Steps)
	assert.Nil(t, tasks[0].CompletedAt)

	require.NoError(t, store.UpdateTask(ctx, id, TaskRunning, ""))
	tasks, _ = store.RecentTasks(ctx, "s1", 5)
	assert.Equal(t, TaskRunning, tasks[0].Status)
	assert.Nil(t, tasks[0].CompletedAt)

	require.NoError(t, store.UpdateTask(ctx, id, TaskDone, "Draft saved."))
	tasks, _ = store.RecentTasks(ctx, "s1", 5)
	assert.Equal(t, TaskDone, tasks[0].Status)
	assert.Equal(t, "Draft saved.", tasks[0].Result)
	require.NotNil(t, tasks[0].CompletedAt)

	err = store.UpdateTask(ctx, "missing", TaskDone, "")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestStore_RecentTasksOrderAndLimit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	for i, goal := range []string{"first", "second", "third", "fourth"} {
		at := base.Add(time.Duration(i) * time.Minute)
		store.now = func() time.Time { return at }
		_, err := store.CreateTask(ctx, "s1", goal, nil)
		require.NoError(t, err)
	}
	_, err := store.CreateTask(ctx, "s2", "elsewhere", nil)
	require.NoError(t, err)

	tasks, err := store.RecentTasks(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "fourth", tasks[0].Goal)
	assert.Equal(t, "second", tasks[2].Goal)
	assert.Equal(t, []string{}, tasks[0].Steps)

	all, err := store.AllTasks(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestStore_Preferences(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	v, err := store.GetPreference(ctx, "privacy", "on")
	require.NoError(t, err)
	assert.Equal(t, "on", v)

	require.NoError(t, store.SetPreference(ctx, "privacy", "off"))
	require.NoError(t, store.SetPreference(ctx, "privacy", "on"))
	v, err = store.GetPreference(ctx, "privacy", "")
	require.NoError(t, err)
	assert.Equal(t, "on", v)

	assert.Error(t, store.SetPreference(ctx, "", "x"))
}

func TestStore_SessionsAndPrune(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now.Add(-48 * time.Hour) }
	require.NoError(t, store.AddMessage(ctx, "old", RoleUser, "stale"))
	store.now = func() time.Time { return now }
	require.NoError(t, store.AddMessage(ctx, "new", RoleUser, "fresh"))
	require.NoError(t, store.AddMessage(ctx, "new", RoleAssistant, "reply"))

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "new", sessions[0].SessionID)
	assert.Equal(t, 2, sessions[0].MessageCount)

	removed, err := store.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	removed, err = store.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, removed)

	sessions, _ = store.Sessions(ctx)
	assert.Len(t, sessions, 1)
}

func TestStore_ConcurrentWrites(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.AddMessage(ctx, "s1", RoleUser, "hello"))
		}()
	}
	wg.Wait()

	history, err := store.History(ctx, "s1", 100)
	require.NoError(t, err)
	assert.Len(t, history, 10)
}
