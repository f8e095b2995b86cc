package tools

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/harun/deskagent/internal/config"
	"github.com/harun/deskagent/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// PageReader loads a page and returns its title and visible text.
type PageReader interface {
	ReadPage(ctx context.Context, pageURL string) (title, text string, err error)
	Close() error
}

// WebPage exposes read_webpage.
type WebPage struct {
	reader   PageReader
	maxChars int
}

// NewWebPage creates the read_webpage tool group.
func NewWebPage(reader PageReader, maxChars int) *WebPage {
	if maxChars <= 0 {
		maxChars = 8000
	}
	return &WebPage{reader: reader, maxChars: maxChars}
}

// Definitions returns read_webpage.
func (w *WebPage) Definitions() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{{
		Name:        "read_webpage",
		Description: "Open a web page in a headless browser and return its title and visible text. Only http and https URLs are allowed.",
		Category:    toolexecutor.CategoryRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "url", Type: "string", Description: "Absolute http(s) URL of the page.", Required: true},
			{Name: "max_chars", Type: "integer", Description: "Truncate page text to this many characters (default 8000).", Default: w.maxChars},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return w.Read(ctx, toolexecutor.StringParam(params, "url", ""), toolexecutor.IntParam(params, "max_chars", w.maxChars))
		},
	}}
}

// Read validates pageURL and returns the rendered page text.
func (w *WebPage) Read(ctx context.Context, pageURL string, maxChars int) (string, error) {
	if err := validatePageURL(pageURL); err != nil {
		return "", err
	}
	if maxChars <= 0 {
		maxChars = w.maxChars
	}
	title, text, err := w.reader.ReadPage(ctx, pageURL)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", pageURL, err)
	}
	text = strings.TrimSpace(text)
	if cut, truncated := truncateRunes(text, maxChars); truncated {
		text = cut + fmt.Sprintf("\n\n[...truncated at %d chars]", maxChars)
	}
	return fmt.Sprintf("Title: %s\nURL: %s\n\n%s", title, pageURL, text), nil
}

// Close shuts down the underlying browser.
func (w *WebPage) Close() error {
	return w.reader.Close()
}

func validatePageURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL format: %s", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("only http and https URLs are allowed, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host: %s", raw)
	}
	return nil
}

// RodReader drives a headless Chromium through go-rod. The browser is
// launched on first use and reused until Close.
type RodReader struct {
	headless   bool
	chromePath string
	timeout    time.Duration
	logger     zerolog.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// NewRodReader creates a reader from the browser config.
func NewRodReader(cfg config.BrowserConfig, logger zerolog.Logger) *RodReader {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RodReader{
		headless:   cfg.Headless,
		chromePath: cfg.ChromePath,
		timeout:    timeout,
		logger:     logger.With().Str("component", "browser").Logger(),
	}
}

func (r *RodReader) ensureBrowser() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		return r.browser, nil
	}

	l := launcher.New().Headless(r.headless)
	if r.chromePath != "" {
		l = l.Bin(r.chromePath)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch Chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to CDP: %w", err)
	}

	r.launcher = l
	r.browser = browser
	r.logger.Info().Bool("headless", r.headless).Msg("Browser started")
	return browser, nil
}

// ReadPage opens pageURL in a fresh tab and returns its title and innerText.
func (r *RodReader) ReadPage(ctx context.Context, pageURL string) (string, string, error) {
	browser, err := r.ensureBrowser()
	if err != nil {
		return "", "", err
	}

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: pageURL})
	if err != nil {
		return "", "", err
	}
	defer page.Close()

	page = page.Timeout(r.timeout)
	if err := page.WaitLoad(); err != nil {
		return "", "", fmt.Errorf("page load timeout: %w", err)
	}

	title := ""
	if info, err := page.Info(); err == nil {
		title = info.Title
	}

	text, err := page.Eval(`() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return "", "", fmt.Errorf("failed to extract text: %w", err)
	}
	return title, text.Value.String(), nil
}

// Close shuts the browser down.
func (r *RodReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	if r.launcher != nil {
		r.launcher.Kill()
	}
	r.browser = nil
	r.launcher = nil
	return err
}
