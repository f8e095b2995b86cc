// Package memory is the agent's long-term fact store.
//
// Facts live in SQLite with an FTS5 index for keyword search and, when an
// embedding provider is configured, a sqlite-vec table for vector search.
// Search blends both (0.7 vector, 0.3 keyword) and degrades to whichever
// branch still works. A Watcher ingests changed documents as facts.
package memory
