// Package session persists the conversation log, the task log and user
// preferences in SQLite.
//
// Invariants:
// - Session ids are validated and never contain path separators, "..", or NUL.
// - Messages are append-only; only Prune removes them, by age.
// - Task status moves pending -> running -> done|failed; completed_at is set
//   once the task reaches a terminal status.
//
// Usage:
//
//	store, _ := session.Open(session.Config{DBPath: "/tmp/deskagent/agent.db"})
//	_ = store.AddMessage(ctx, "a1b2c3d4e5f6", session.RoleUser, "hello")
//	history, _ := store.History(ctx, "a1b2c3d4e5f6", 20)
//	_ = history
package session
