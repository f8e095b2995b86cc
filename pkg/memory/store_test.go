package memory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEmbeddingProvider generates deterministic embeddings from a text hash.
type mockEmbeddingProvider struct {
	dimension int
	fail      bool
}

func (p *mockEmbeddingProvider) Dimension() int { return p.dimension }

func (p *mockEmbeddingProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if p.fail {
		return nil, errors.New("embedding backend down")
	}
	embedding := make([]float32, p.dimension)
	hash := 0
	for _, c := range strings.ToLower(text) {
		hash = (hash*31 + int(c)) % 1000003
	}
	for i := range embedding {
		embedding[i] = float32((hash+i)%100+1) / 100.0
	}
	return embedding, nil
}

func (p *mockEmbeddingProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := p.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = emb
	}
	return out, nil
}

func newTestStore(t *testing.T, provider EmbeddingProvider) *Store {
	t.Helper()
	store, err := NewStore(Config{
		DBPath:            filepath.Join(t.TempDir(), "memory.db"),
		Logger:            zerolog.Nop(),
		EmbeddingProvider: provider,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_AddAndKeyword(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.Add(ctx, "The Acme contract renews in March", "email")
	require.NoError(t, err)
	_, err = store.Add(ctx, "Lunch preference: vegetarian", "user")
	require.NoError(t, err)

	assert.Equal(t, 2, store.Count(ctx))

	results, err := store.Keyword(ctx, "contract?", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "email", results[0].Source)
	assert.Contains(t, results[0].Content, "Acme")
}

func TestStore_AddRejectsEmpty(t *testing.T) {
	store := newTestStore(t, nil)

	_, err := store.Add(context.Background(), "   ", "user")
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestStore_SearchHybrid(t *testing.T) {
	store := newTestStore(t, &mockEmbeddingProvider{dimension: 16})
	ctx := context.Background()

	_, err := store.Add(ctx, "Quarterly board meeting notes", "document")
	require.NoError(t, err)
	_, err = store.Add(ctx, "Investor prefers morning calls", "email")
	require.NoError(t, err)

	results, err := store.Search(ctx, "investor calls", DefaultSearchOptions(5))
	require.NoError(t, err)
	require.Len(t, results, 2)
	var matched *SearchResult
	for i := range results {
		if results[i].Content == "Investor prefers morning calls" {
			matched = &results[i]
		}
	}
	require.NotNil(t, matched)
	assert.NotNil(t, matched.KeywordScore)
	assert.NotNil(t, matched.VectorScore)
	assert.True(t, store.Status(ctx).VectorSearch)
}

func TestStore_SearchDegradesWhenEmbeddingsFail(t *testing.T) {
	provider := &mockEmbeddingProvider{dimension: 8}
	store := newTestStore(t, provider)
	ctx := context.Background()

	_, err := store.Add(ctx, "Office wifi password rotates monthly", "user")
	require.NoError(t, err)

	provider.fail = true
	results, err := store.Search(ctx, "wifi", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Nil(t, results[0].VectorScore)
}

func TestStore_SearchEmptyQuery(t *testing.T) {
	store := newTestStore(t, nil)

	results, err := store.Search(context.Background(), "  ", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_IngestAndReindex(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	dir := t.TempDir()

	notes := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(notes, []byte("# Roadmap\nShip the beta in April."), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.png"), []byte("binary"), 0644))

	stats, err := store.Reindex(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, IngestStats{Indexed: 1}, stats)

	stats, err = store.Reindex(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)

	results, err := store.Keyword(ctx, "beta", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, notes, results[0].Source)

	require.NoError(t, os.WriteFile(notes, []byte("Ship the release candidate in May."), 0644))
	indexed, err := store.IngestFile(ctx, notes)
	require.NoError(t, err)
	assert.True(t, indexed)
	results, err = store.Keyword(ctx, "beta", 5)
	require.NoError(t, err)
	assert.Empty(t, results, "changed file replaces its facts")

	require.NoError(t, os.Remove(notes))
	stats, err = store.Reindex(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pruned)
	assert.Equal(t, 0, store.Count(ctx))
}

func TestChunkContent(t *testing.T) {
	assert.Len(t, chunkContent("short note"), 1)

	long := strings.Repeat(strings.Repeat("x", 99)+"\n", 25)
	chunks := chunkContent(long)
	assert.Greater(t, len(chunks), 2)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.content), 1000)
	}
}

func TestFTSQuery(t *testing.T) {
	assert.Equal(t, `"what" OR "s" OR "the" OR "deal"`, ftsQuery("what's the deal?"))
	assert.Equal(t, "", ftsQuery("?!"))
}

func TestRememberAndRecall(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	msg, err := Remember(ctx, store, StoreParams{Content: "Budget approved for Q3"})
	require.NoError(t, err)
	assert.Equal(t, "Fact stored in memory (source: agent).", msg)

	_, err = Remember(ctx, store, StoreParams{Content: ""})
	assert.EqualError(t, err, "Empty content, nothing to store.")

	out, err := Recall(ctx, store, RecallParams{Query: "budget status"})
	require.NoError(t, err)
	var hits []RecallHit
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	require.Len(t, hits, 1)
	assert.Equal(t, "Budget approved for Q3", hits[0].Text)

	out, err = Recall(ctx, store, RecallParams{Query: "unrelated"})
	require.NoError(t, err)
	assert.Equal(t, "No relevant memories found.", out)
}

func TestOpenAIProvider_Embeddings(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"index":1,"embedding":[0.3,0.4]},{"index":0,"embedding":[0.1,0.2]}]}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider(server.URL+"/v1/", "key", "tiny", 2)
	out, err := p.GenerateEmbeddings(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.1, 0.2}, {0.3, 0.4}}, out)

	_, err = NewOpenAIProvider(server.URL+"/v1", "key", "tiny", 3).GenerateEmbedding(context.Background(), "a")
	assert.Error(t, err)
}

func TestNewEmbeddingProvider(t *testing.T) {
	p, err := NewEmbeddingProvider(EmbeddingConfig{Provider: "none"}, "")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = NewEmbeddingProvider(EmbeddingConfig{Provider: "ollama", Model: "nomic-embed-text"}, "http://localhost:11434/")
	require.NoError(t, err)
	assert.Equal(t, 768, p.Dimension())
	assert.Equal(t, "http://localhost:11434/v1", p.(*OpenAIProvider).baseURL)

	_, err = NewEmbeddingProvider(EmbeddingConfig{Provider: "openai"}, "")
	assert.Error(t, err)
	_, err = NewEmbeddingProvider(EmbeddingConfig{Provider: "cohere"}, "")
	assert.Error(t, err)
}

func TestWatchDocuments(t *testing.T) {
	store := newTestStore(t, nil)
	dir := t.TempDir()

	fw, err := WatchDocuments(store, dir, zerolog.Nop())
	require.NoError(t, err)
	defer fw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "todo.txt"), []byte("Renew passport"), 0644))

	assert.Eventually(t, func() bool {
		return store.Count(context.Background()) == 1
	}, 3*time.Second, 20*time.Millisecond)
}
