// Package tools implements the local tool catalogue: mailbox, calendar,
// documents, web research and web page reading.
package tools

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harun/deskagent/internal/config"
	"github.com/harun/deskagent/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const fileSuffixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Options configures the built-in tool catalogue.
type Options struct {
	Email     config.EmailConfig
	Calendar  config.CalendarConfig
	Documents config.DocumentsConfig
	Linkup    config.LinkupConfig
	Browser   config.BrowserConfig
	Logger    zerolog.Logger

	// Now overrides the clock used for artifact names and free-slot
	// suggestions.
	Now func() time.Time
	// PageReader overrides the headless browser behind read_webpage.
	PageReader PageReader
}

// Toolbox holds the tool groups registered by Register.
type Toolbox struct {
	Mailbox   *Mailbox
	Calendar  *Calendar
	Documents *Documents
	WebSearch *WebSearch
	WebPage   *WebPage
}

// Register builds every tool group and registers its tools. Write tools
// (create_event, create_reminder, draft_reply) are registered in the write
// category.
func Register(registry *toolexecutor.Registry, opts Options) (*Toolbox, error) {
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	mailbox, err := NewMailbox(opts.Email, opts.Now, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mailbox: %w", err)
	}
	calendar, err := NewCalendar(opts.Calendar, opts.Now, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize calendar: %w", err)
	}

	tb := &Toolbox{
		Mailbox:   mailbox,
		Calendar:  calendar,
		Documents: NewDocuments(opts.Documents),
		WebSearch: NewWebSearch(opts.Linkup, opts.Logger),
	}

	var defs []toolexecutor.ToolDefinition
	defs = append(defs, tb.Mailbox.Definitions()...)
	defs = append(defs, tb.Calendar.Definitions()...)
	defs = append(defs, tb.Documents.Definitions()...)
	defs = append(defs, tb.WebSearch.Definitions()...)

	if opts.Browser.Enabled {
		reader := opts.PageReader
		if reader == nil {
			reader = NewRodReader(opts.Browser, opts.Logger)
		}
		tb.WebPage = NewWebPage(reader, opts.Documents.MaxChars)
		defs = append(defs, tb.WebPage.Definitions()...)
	}

	for _, def := range defs {
		if err := registry.RegisterTool(def); err != nil {
			return nil, fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return tb, nil
}

// Close releases the browser behind read_webpage, if one was started.
func (tb *Toolbox) Close() error {
	if tb == nil || tb.WebPage == nil {
		return nil
	}
	return tb.WebPage.Close()
}

// resolvePathInRoot resolves pathValue against root and rejects anything that
// escapes it.
func resolvePathInRoot(root string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}
	root = filepath.Clean(root)
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside %s", pathValue, root)
}

// artifactName returns prefix_YYYYMMDD_HHMMSS_<suffix>.ext. The random suffix
// keeps two artifacts written in the same second apart.
func artifactName(prefix, ext string, now time.Time) string {
	suffix, err := gonanoid.Generate(fileSuffixAlphabet, 6)
	if err != nil {
		suffix = fmt.Sprintf("%06d", now.Nanosecond()%1000000)
	}
	return fmt.Sprintf("%s_%s_%s%s", prefix, now.Format("20060102_150405"), suffix, ext)
}

// truncateRunes cuts s to max runes. It reports whether anything was cut.
func truncateRunes(s string, max int) (string, bool) {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:max]), true
}
