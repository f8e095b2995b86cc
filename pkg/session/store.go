package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/deskagent/internal/observability"
	"github.com/harun/deskagent/internal/tracing"
)

// ErrInvalidSessionID is returned for empty or path-unsafe session ids.
var ErrInvalidSessionID = errors.New("invalid session id")

// ErrTaskNotFound is returned when updating an unknown task.
var ErrTaskNotFound = errors.New("task not found")

// Conversation roles stored in the log.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Terminal reports whether the status ends a task.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed
}

// Message is one logged conversation entry.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is one logged user request and its plan.
type Task struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Goal        string     `json:"goal"`
	Steps       []string   `json:"steps"`
	Status      TaskStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Summary describes one session in the log.
type Summary struct {
	SessionID    string    `json:"session_id"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
}

// Config holds store configuration
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// Store is the SQLite-backed conversation, task and preference log.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open opens (or creates) the log database.
func Open(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: cfg.Logger.With().Str("component", "session").Logger(),
		now:    time.Now,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.DBPath).Msg("Session store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conv_session ON conversations(session_id);

		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			goal TEXT NOT NULL,
			steps_json TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			result TEXT,
			created_at INTEGER NOT NULL,
			completed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);

		CREATE TABLE IF NOT EXISTS user_preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ValidateSessionID checks that id is usable as a session key.
func ValidateSessionID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	case strings.Contains(id, ".."):
		return fmt.Errorf("%w: contains '..'", ErrInvalidSessionID)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: contains path separators", ErrInvalidSessionID)
	case strings.Contains(id, "\x00"):
		return fmt.Errorf("%w: contains null bytes", ErrInvalidSessionID)
	}
	return nil
}

// NewSessionID returns a fresh 12-character session id.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// AddMessage appends a message to the session's conversation log.
func (s *Store) AddMessage(ctx context.Context, sessionID, role, content string) error {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "deskagent.session", "session.add_message",
		attribute.String("role", role),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := ValidateSessionID(sessionID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if role == "" {
		return fmt.Errorf("message role cannot be empty")
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (session_id, role, content, timestamp) VALUES (?, ?, ?, ?)",
		sessionID, role, content, s.now().UnixMilli(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// History returns the last limit messages of a session, oldest first.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content, timestamp FROM conversations WHERE session_id = ? ORDER BY id DESC LIMIT ?",
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Sessions lists every session in the log, most recently active first.
func (s *Store) Sessions(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), MAX(timestamp)
		FROM conversations
		GROUP BY session_id
		ORDER BY MAX(timestamp) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var last int64
		if err := rows.Scan(&sum.SessionID, &sum.MessageCount, &last); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sum.LastActivity = time.UnixMilli(last)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// CreateTask logs a new pending task and returns its id.
func (s *Store) CreateTask(ctx context.Context, sessionID, goal string, steps []string) (string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	if steps == nil {
		steps = []string{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("failed to encode steps: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO tasks (id, session_id, goal, steps_json, status, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, sessionID, goal, string(stepsJSON), TaskPending, s.now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}
	return id, nil
}

// UpdateTask sets a task's status and result. An empty result clears it.
// Terminal statuses stamp completed_at; earlier stamps are kept.
func (s *Store) UpdateTask(ctx context.Context, taskID string, status TaskStatus, result string) error {
	var completed sql.NullInt64
	if status.Terminal() {
		completed = sql.NullInt64{Int64: s.now().UnixMilli(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = ?, result = ?, completed_at = COALESCE(?, completed_at) WHERE id = ?",
		status, sql.NullString{String: result, Valid: result != ""}, completed, taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return nil
}

// RecentTasks returns the session's last limit tasks, newest first.
func (s *Store) RecentTasks(ctx context.Context, sessionID string, limit int) ([]Task, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	return s.queryTasks(ctx,
		"WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?", sessionID, positive(limit, 5))
}

// AllTasks returns the last limit tasks across sessions, newest first.
func (s *Store) AllTasks(ctx context.Context, limit int) ([]Task, error) {
	return s.queryTasks(ctx, "ORDER BY created_at DESC, rowid DESC LIMIT ?", positive(limit, 20))
}

func (s *Store) queryTasks(ctx context.Context, where string, args ...interface{}) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, session_id, goal, steps_json, status, result, created_at, completed_at FROM tasks "+where,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var (
			t         Task
			stepsJSON string
			result    sql.NullString
			created   int64
			completed sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Goal, &stepsJSON, &t.Status, &result, &created, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(stepsJSON), &t.Steps); err != nil {
			s.logger.Warn().Str("task_id", t.ID).Err(err).Msg("Corrupt steps_json")
		}
		t.Result = result.String
		t.CreatedAt = time.UnixMilli(created)
		if completed.Valid {
			ts := time.UnixMilli(completed.Int64)
			t.CompletedAt = &ts
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SetPreference stores a user preference, replacing any previous value.
func (s *Store) SetPreference(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("preference key cannot be empty")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO user_preferences (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("failed to set preference: %w", err)
	}
	return nil
}

// GetPreference returns a preference or def when unset.
func (s *Store) GetPreference(ctx context.Context, key, def string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM user_preferences WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get preference: %w", err)
	}
	return value, nil
}

// Prune deletes conversation messages older than maxAge and returns how
// many were removed. Tasks and preferences are kept.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "deskagent.session", "session.prune")
	defer span.End()

	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE timestamp < ?", cutoff)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to prune conversations: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("removed", n).Dur("max_age", maxAge).Msg("Pruned old messages")
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func positive(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
