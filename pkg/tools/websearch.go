package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harun/deskagent/internal/config"
	"github.com/harun/deskagent/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const defaultLinkupURL = "https://api.linkup.so/v1/search"

// WebSearch calls the Linkup search API. Calls are paced by a token bucket;
// a call arriving early waits for its token rather than failing.
type WebSearch struct {
	apiKey     string
	baseURL    string
	depth      string
	outputType string
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewWebSearch creates the web_research tool group.
func NewWebSearch(cfg config.LinkupConfig, logger zerolog.Logger) *WebSearch {
	perSecond := cfg.RateLimitPerSecond
	if perSecond <= 0 {
		perSecond = 10
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ws := &WebSearch{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		depth:      cfg.Depth,
		outputType: cfg.OutputType,
		limiter:    rate.NewLimiter(rate.Limit(perSecond), 1),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "linkup").Logger(),
	}
	if ws.baseURL == "" {
		ws.baseURL = defaultLinkupURL
	}
	if ws.depth == "" {
		ws.depth = "deep"
	}
	if ws.outputType == "" {
		ws.outputType = "searchResults"
	}
	return ws
}

// Definitions returns web_research.
func (w *WebSearch) Definitions() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{{
		Name: "web_research",
		Description: "Search the web for current information using Linkup. " +
			"Use this when you need to research companies, people, recent events, " +
			"fact-check claims, or gather background information. " +
			"NEVER include personal/sensitive data in the query.",
		Category: toolexecutor.CategoryRead,
		Parameters: []toolexecutor.ToolParameter{
			{Name: "query", Type: "string", Description: "A concise, specific natural-language search query (no PII).", Required: true},
			{Name: "depth", Type: "string", Enum: []string{"standard", "deep"},
				Description: "Search depth. Use 'deep' for thorough research, 'standard' for quick lookups."},
			{Name: "output_type", Type: "string", Enum: []string{"searchResults", "sourcedAnswer", "structured"},
				Description: "Response format. 'searchResults' for raw results, 'sourcedAnswer' for a concise cited answer."},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return w.Search(ctx,
				toolexecutor.StringParam(params, "query", ""),
				toolexecutor.StringParam(params, "depth", w.depth),
				toolexecutor.StringParam(params, "output_type", w.outputType),
			)
		},
	}}
}

// Search runs one query and renders the response as text for the model.
func (w *WebSearch) Search(ctx context.Context, query, depth, outputType string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", errors.New("Empty search query.")
	}
	if w.apiKey == "" {
		return "", errors.New("LINKUP_API_KEY not configured. Set the env var or add it to config.")
	}
	if depth == "" {
		depth = w.depth
	}
	if outputType == "" {
		outputType = w.outputType
	}

	payload, err := json.Marshal(map[string]string{
		"q":          query,
		"depth":      depth,
		"outputType": outputType,
	})
	if err != nil {
		return "", err
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+w.apiKey)
	req.Header.Set("Content-Type", "application/json")

	w.logger.Info().Str("depth", depth).Int("query_length", len(query)).Msg("Linkup search")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.logger.Error().Err(err).Msg("Linkup request failed")
		return "", fmt.Errorf("Linkup request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		snippet, _ := truncateRunes(strings.TrimSpace(string(body)), 200)
		w.logger.Error().Int("status", resp.StatusCode).Msg("Linkup HTTP error")
		return "", fmt.Errorf("Linkup API error: %d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), snippet)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return "", fmt.Errorf("Linkup API error: invalid JSON response: %w", err)
	}
	return formatLinkup(data, outputType), nil
}

func formatLinkup(data map[string]interface{}, outputType string) string {
	if outputType == "sourcedAnswer" {
		parts := []string{stringField(data, "answer")}
		sources, _ := data["sources"].([]interface{})
		if len(sources) > 0 {
			parts = append(parts, "\nSources:")
			for i, s := range sources {
				if i == 5 {
					break
				}
				src, _ := s.(map[string]interface{})
				parts = append(parts, fmt.Sprintf("  - %s (%s)", stringField(src, "title"), stringField(src, "url")))
			}
		}
		return strings.Join(parts, "\n")
	}

	results, ok := data["results"].([]interface{})
	if !ok {
		results, _ = data["items"].([]interface{})
	}
	if len(results) == 0 {
		raw, _ := json.MarshalIndent(data, "", "  ")
		return string(raw)
	}

	parts := make([]string, 0, 8)
	for i, r := range results {
		if i == 8 {
			break
		}
		item, _ := r.(map[string]interface{})
		title := stringField(item, "title")
		if title == "" {
			title = stringField(item, "name")
		}
		snippet := stringField(item, "snippet")
		if snippet == "" {
			snippet = stringField(item, "content")
		}
		parts = append(parts, fmt.Sprintf("[%d] %s\n    %s\n    %s", i+1, title, snippet, stringField(item, "url")))
	}
	return strings.Join(parts, "\n\n")
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
