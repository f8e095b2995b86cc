package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/harun/deskagent/pkg/memory"
	"github.com/harun/deskagent/pkg/privacy"
	"github.com/harun/deskagent/pkg/toolexecutor"
	"github.com/harun/deskagent/pkg/tools"
)

const (
	noPriorContext     = "(no prior context)"
	recentTaskLimit    = 3
	memoryLimit        = 3
	memoryPreviewLimit = 200

	attachmentCharLimit = 4000
)

// buildContext lists recent tasks and relevant memories for the planner.
// Known personal values are replaced by their placeholders because task
// goals are stored as typed.
func (l *Loop) buildContext(ctx context.Context, logger zerolog.Logger, query string, mask bool) string {
	var parts []string

	tasks, err := l.sessions.RecentTasks(ctx, l.sessionID, recentTaskLimit)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load recent tasks")
	} else if len(tasks) > 0 {
		parts = append(parts, "Recent tasks:")
		for _, t := range tasks {
			parts = append(parts, fmt.Sprintf("  - [%s] %s", t.Status, t.Goal))
		}
	}

	if l.memory != nil {
		results, err := l.memory.Search(ctx, query, memory.DefaultSearchOptions(memoryLimit))
		if err != nil {
			logger.Warn().Err(err).Msg("Memory search failed")
		} else if len(results) > 0 {
			parts = append(parts, "Relevant memories:")
			for _, r := range results {
				source := r.Source
				if source == "" {
					source = "unknown"
				}
				parts = append(parts, fmt.Sprintf("  - %s (source: %s)", truncateRunes(r.Content, memoryPreviewLimit), source))
			}
		}
	}

	if len(parts) == 0 {
		return noPriorContext
	}
	out := strings.Join(parts, "\n")
	if mask {
		out = maskKnown(out, l.entities)
	}
	return out
}

// maskKnown replaces original values already in the session map with their
// placeholders, longest value first.
func maskKnown(text string, entities *privacy.EntityMap) string {
	snapshot := entities.Snapshot()
	if len(snapshot) == 0 {
		return text
	}
	placeholders := make([]string, 0, len(snapshot))
	for ph := range snapshot {
		placeholders = append(placeholders, ph)
	}
	sort.Slice(placeholders, func(i, j int) bool {
		a, b := snapshot[placeholders[i]], snapshot[placeholders[j]]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return placeholders[i] < placeholders[j]
	})
	pairs := make([]string, 0, 2*len(placeholders))
	for _, ph := range placeholders {
		if v := snapshot[ph]; v != "" {
			pairs = append(pairs, v, ph)
		}
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// processAttachments renders the readable text of each attachment, one
// block per file.
func processAttachments(paths []string) string {
	parts := make([]string, 0, len(paths))
	for _, p := range paths {
		name := filepath.Base(p)
		if _, err := os.Stat(p); err != nil {
			parts = append(parts, fmt.Sprintf("[File not found: %s]", name))
			continue
		}
		text, err := tools.ExtractText(p)
		if err != nil {
			parts = append(parts, fmt.Sprintf("[Could not read %s: %v]", name, err))
			continue
		}
		if utf8.RuneCountInString(text) > attachmentCharLimit {
			text = truncateRunes(text, attachmentCharLimit) + "\n[...truncated]"
		}
		parts = append(parts, fmt.Sprintf("--- %s ---\n%s", name, text))
	}
	return strings.Join(parts, "\n\n")
}

// dedupFiles keeps the last file of each type, in the order types first
// appeared.
func dedupFiles(files []toolexecutor.GeneratedFile) []toolexecutor.GeneratedFile {
	if len(files) == 0 {
		return nil
	}
	index := make(map[string]int, len(files))
	out := make([]toolexecutor.GeneratedFile, 0, len(files))
	for _, f := range files {
		typ := f.Type
		if typ == "" {
			typ = "unknown"
		}
		if i, ok := index[typ]; ok {
			out[i] = f
			continue
		}
		index[typ] = len(out)
		out = append(out, f)
	}
	return out
}

// restoreFiles restores the user-facing text fields of each file. Type and
// path are produced by tools and never carry placeholders.
func restoreFiles(files []toolexecutor.GeneratedFile, entities *privacy.EntityMap) []toolexecutor.GeneratedFile {
	if entities == nil || entities.Len() == 0 {
		return files
	}
	snapshot := entities.Snapshot()
	out := make([]toolexecutor.GeneratedFile, len(files))
	for i, f := range files {
		f.Label = privacy.Restore(f.Label, snapshot)
		f.To = privacy.Restore(f.To, snapshot)
		f.Subject = privacy.Restore(f.Subject, snapshot)
		f.Body = privacy.Restore(f.Body, snapshot)
		out[i] = f
	}
	return out
}
