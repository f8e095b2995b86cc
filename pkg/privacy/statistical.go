package privacy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Finding is one entity reported by an analyzer. Offsets count runes.
type Finding struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

// Analyzer is a statistical named-entity recognizer.
type Analyzer interface {
	Analyze(ctx context.Context, text string) ([]Finding, error)
}

// analyzedEntities are requested from the analyzer. LOCATION, DATE_TIME and
// NRP are detected for context and left in place.
var analyzedEntities = []string{
	"PERSON", "EMAIL_ADDRESS", "PHONE_NUMBER", "US_SSN", "CREDIT_CARD",
	"IP_ADDRESS", "LOCATION", "DATE_TIME", "NRP",
}

// redactedEntities maps analyzer entity types to placeholder types.
var redactedEntities = map[string]string{
	"PERSON":        TypePerson,
	"EMAIL_ADDRESS": TypeEmail,
	"PHONE_NUMBER":  TypePhone,
	"US_SSN":        TypeSSN,
	"CREDIT_CARD":   TypeCreditCard,
	"IP_ADDRESS":    TypeIPAddress,
}

// PresidioAnalyzer calls a Presidio-compatible analyzer service.
type PresidioAnalyzer struct {
	baseURL    string
	language   string
	threshold  float64
	httpClient *http.Client
}

// NewPresidioAnalyzer creates a client for the analyzer at baseURL.
func NewPresidioAnalyzer(baseURL string, threshold float64, timeout time.Duration) *PresidioAnalyzer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PresidioAnalyzer{
		baseURL:   strings.TrimRight(baseURL, "/"),
		language:  "en",
		threshold: threshold,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (p *PresidioAnalyzer) Analyze(ctx context.Context, text string) ([]Finding, error) {
	reqBody := map[string]interface{}{
		"text":     text,
		"language": p.language,
		"entities": analyzedEntities,
	}
	if p.threshold > 0 {
		reqBody["score_threshold"] = p.threshold
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/analyze", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call analyzer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("analyzer error (status %d): %s", resp.StatusCode, string(body))
	}

	var findings []Finding
	if err := json.NewDecoder(resp.Body).Decode(&findings); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return findings, nil
}

// redactFindings replaces the redactable findings right to left. Overlaps
// are settled by position, then score. The text of context-only findings
// (locations, dates) is returned so later passes leave it alone.
func redactFindings(text string, findings []Finding, a *assigner) (string, []string, error) {
	runes := []rune(text)

	var spans []Finding
	var keep []string
	for _, f := range findings {
		if f.Start < 0 || f.End > len(runes) || f.Start >= f.End {
			return "", nil, fmt.Errorf("finding %s out of range [%d,%d) for %d runes", f.EntityType, f.Start, f.End, len(runes))
		}
		if _, ok := redactedEntities[f.EntityType]; !ok {
			keep = append(keep, string(runes[f.Start:f.End]))
			continue
		}
		if len(strings.TrimSpace(string(runes[f.Start:f.End]))) < 2 {
			continue
		}
		spans = append(spans, f)
	}

	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].Score > spans[j].Score
	})

	var kept []Finding
	lastEnd := -1
	for _, f := range spans {
		if f.Start < lastEnd {
			continue
		}
		kept = append(kept, f)
		lastEnd = f.End
	}

	phs := make([]string, len(kept))
	for i, f := range kept {
		phs[i] = a.assign(redactedEntities[f.EntityType], string(runes[f.Start:f.End]))
	}
	for i := len(kept) - 1; i >= 0; i-- {
		f := kept[i]
		out := make([]rune, 0, len(runes))
		out = append(out, runes[:f.Start]...)
		out = append(out, []rune(phs[i])...)
		out = append(out, runes[f.End:]...)
		runes = out
	}
	return string(runes), keep, nil
}
