package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/deskagent/pkg/toolexecutor"
)

// ToolRegistrar is the part of the tool registry memory tools need.
type ToolRegistrar interface {
	RegisterTool(def toolexecutor.ToolDefinition) error
}

// StoreParams are the arguments of memory_store.
type StoreParams struct {
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
}

// RecallParams are the arguments of memory_recall.
type RecallParams struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// RecallHit is one item of memory_recall output.
type RecallHit struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// RegisterMemoryTools registers memory_store and memory_recall.
func RegisterMemoryTools(registry ToolRegistrar, store *Store) error {
	tools := []toolexecutor.ToolDefinition{
		{
			Name: "memory_store",
			Description: "Store an important fact, decision, or piece of information in the agent's " +
				"long-term memory for future recall.",
			Category: toolexecutor.CategoryRead,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "content", Type: "string", Description: "The fact or information to remember.", Required: true},
				{Name: "source", Type: "string", Description: "Where this came from (e.g. 'email', 'document', 'user', 'linkup')."},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				var p StoreParams
				if err := decodeParams(params, &p); err != nil {
					return nil, err
				}
				return Remember(ctx, store, p)
			},
		},
		{
			Name: "memory_recall",
			Description: "Search the agent's long-term memory for facts related to a query. " +
				"Use this to resolve references like 'that email', 'the contract', or to recall prior context.",
			Category: toolexecutor.CategoryRead,
			Parameters: []toolexecutor.ToolParameter{
				{Name: "query", Type: "string", Description: "What to search for in memory.", Required: true},
				{Name: "top_k", Type: "integer", Description: "Max results to return (default 5).", Default: 5},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				var p RecallParams
				if err := decodeParams(params, &p); err != nil {
					return nil, err
				}
				return Recall(ctx, store, p)
			},
		},
	}

	for _, tool := range tools {
		if err := registry.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}

	return nil
}

func decodeParams(params map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal params: %w", err)
	}
	return nil
}

// Remember stores one fact.
func Remember(ctx context.Context, store *Store, p StoreParams) (string, error) {
	source := strings.TrimSpace(p.Source)
	if source == "" {
		source = "agent"
	}
	if _, err := store.Add(ctx, p.Content, source); err != nil {
		if errors.Is(err, ErrEmptyContent) {
			return "", errors.New("Empty content, nothing to store.")
		}
		return "", err
	}
	return fmt.Sprintf("Fact stored in memory (source: %s).", source), nil
}

// Recall runs a hybrid search and tops it up with a keyword search on the
// first query word when it comes back short.
func Recall(ctx context.Context, store *Store, p RecallParams) (string, error) {
	query := strings.TrimSpace(p.Query)
	if query == "" {
		return "", errors.New("Empty query.")
	}
	topK := p.TopK
	if topK <= 0 {
		topK = 5
	}

	results, err := store.Search(ctx, query, DefaultSearchOptions(topK))
	if err != nil {
		results = nil
	}

	hits := make([]RecallHit, 0, topK)
	seen := make(map[string]bool)
	for _, r := range results {
		if seen[r.Content] {
			continue
		}
		seen[r.Content] = true
		hits = append(hits, RecallHit{Text: r.Content, Source: r.Source, Score: r.Score})
	}

	if len(hits) < topK {
		first := strings.Fields(query)[0]
		extra, kwErr := store.Keyword(ctx, first, topK)
		if kwErr == nil {
			for _, r := range extra {
				if seen[r.Content] {
					continue
				}
				seen[r.Content] = true
				hits = append(hits, RecallHit{Text: r.Content, Source: r.Source, Score: 0})
			}
		}
	}

	if len(hits) == 0 {
		return "No relevant memories found.", nil
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}

	data, err := json.MarshalIndent(hits, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
