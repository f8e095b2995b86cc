package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	"github.com/harun/deskagent/internal/observability"
	"github.com/harun/deskagent/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// ErrEmptyContent is returned when storing a blank fact.
var ErrEmptyContent = errors.New("empty content")

// ingestExtensions are the document types turned into facts.
var ingestExtensions = map[string]bool{".md": true, ".txt": true}

// SearchResult represents a search result with relevance score
type SearchResult struct {
	FactID       string   `json:"id"`
	Content      string   `json:"text"`
	Source       string   `json:"source"`
	Score        float64  `json:"score"`
	VectorScore  *float64 `json:"vector_score,omitempty"`
	KeywordScore *float64 `json:"keyword_score,omitempty"`
}

// SearchOptions configures search behavior
type SearchOptions struct {
	Limit         int     `json:"limit"`
	VectorWeight  float64 `json:"vector_weight"`
	KeywordWeight float64 `json:"keyword_weight"`
	MinScore      float64 `json:"min_score"`
}

// DefaultSearchOptions returns the hybrid weights used by recall.
func DefaultSearchOptions(limit int) *SearchOptions {
	return &SearchOptions{Limit: limit, VectorWeight: 0.7, KeywordWeight: 0.3}
}

// Status represents the current state of the store
type Status struct {
	TotalFacts            int      `json:"total_facts"`
	IngestedFiles         int      `json:"ingested_files"`
	VectorSearch          bool     `json:"vector_search"`
	EmbeddingCacheHitRate *float64 `json:"embedding_cache_hit_rate,omitempty"`
}

// Store holds facts and answers hybrid searches over them.
type Store struct {
	db                *sql.DB
	logger            zerolog.Logger
	embeddingProvider EmbeddingProvider
	mu                sync.Mutex
	stats             struct {
		cacheHits   int
		cacheMisses int
	}
}

// Config holds store configuration
type Config struct {
	DBPath            string
	Logger            zerolog.Logger
	EmbeddingProvider EmbeddingProvider // Optional, if nil will skip vector search
}

// NewStore opens (or creates) the fact database.
func NewStore(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_fts5=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:                db,
		logger:            cfg.Logger,
		embeddingProvider: cfg.EmbeddingProvider,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	observability.SetMemoryEntries(s.Count(context.Background()))
	s.logger.Info().Bool("vector_search", s.embeddingProvider != nil).Msg("Memory store initialized")
	return s, nil
}

// initSchema creates database tables
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			source TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_facts_source ON facts(source);

		CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(
			fact_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);

		CREATE TABLE IF NOT EXISTS ingested_files (
			path TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			indexed_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	if s.embeddingProvider != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS facts_vec USING vec0(
				fact_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, s.embeddingProvider.Dimension())

		if _, err := s.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}

	return nil
}

// Add stores one fact and returns its id. An embedding failure is logged and
// leaves the fact keyword-searchable only.
func (s *Store) Add(ctx context.Context, content, source string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if source == "" {
		source = "agent"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	id, err := s.insertFact(ctx, tx, content, source)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	observability.SetMemoryEntries(s.Count(ctx))
	s.logger.Debug().Str("source", source).Str("id", id).Msg("Fact stored")
	return id, nil
}

func (s *Store) insertFact(ctx context.Context, tx *sql.Tx, content, source string) (string, error) {
	id := uuid.NewString()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO facts (id, content, source, created_at) VALUES (?, ?, ?, ?)",
		id, content, source, time.Now().Unix(),
	); err != nil {
		return "", fmt.Errorf("failed to insert fact: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO facts_fts (fact_id, content) VALUES (?, ?)", id, content,
	); err != nil {
		return "", fmt.Errorf("failed to index fact: %w", err)
	}

	if s.embeddingProvider != nil {
		if err := s.storeEmbedding(ctx, tx, id, content); err != nil {
			s.logger.Warn().Err(err).Str("fact", id).Msg("Failed to store embedding")
		}
	}
	return id, nil
}

// Search performs hybrid search (vector + keyword)
func (s *Store) Search(ctx context.Context, query string, opts *SearchOptions) ([]SearchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "deskagent.memory", "memory.search",
		attribute.Int("query_length", len(query)),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()
	defer func() { observability.RecordMemorySearch(time.Since(start)) }()

	if strings.TrimSpace(query) == "" {
		return []SearchResult{}, nil
	}
	if opts == nil {
		opts = DefaultSearchOptions(20)
	}

	var vectorResults []vectorSearchResult
	var keywordResults []keywordSearchResult
	var vectorErr, keywordErr error

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if s.embeddingProvider != nil {
			vectorResults, vectorErr = s.vectorSearch(ctx, query, 200)
		}
	}()

	go func() {
		defer wg.Done()
		keywordResults, keywordErr = s.keywordSearch(ctx, query, 200)
	}()

	wg.Wait()

	if vectorErr != nil {
		logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search failed, using vector only")
	}
	if keywordErr != nil && (vectorErr != nil || s.embeddingProvider == nil) {
		span.SetStatus(codes.Error, "all search methods failed")
		return nil, fmt.Errorf("memory search failed: %w", keywordErr)
	}

	results := s.mergeResults(ctx, vectorResults, keywordResults, opts)
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	logger.Debug().Int("results", len(results)).Msg("Search completed")
	return results, nil
}

// Keyword runs the full-text branch alone, ranked by bm25.
func (s *Store) Keyword(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	hits, err := s.keywordSearch(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return s.mergeResults(ctx, nil, hits, &SearchOptions{Limit: limit, KeywordWeight: 1}), nil
}

type vectorSearchResult struct {
	factID     string
	similarity float64 // cosine similarity (-1 to 1)
}

type keywordSearchResult struct {
	factID    string
	bm25Score float64
}

// vectorSearch performs vector similarity search
func (s *Store) vectorSearch(ctx context.Context, query string, limit int) ([]vectorSearchResult, error) {
	embedding, err := s.embeddingProvider.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT fact_id, vec_distance_cosine(embedding, ?) AS distance
		FROM facts_vec
		ORDER BY distance ASC
		LIMIT ?
	`, string(embeddingJSON), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []vectorSearchResult
	for rows.Next() {
		var r vectorSearchResult
		var distance float64
		if err := rows.Scan(&r.factID, &distance); err != nil {
			return nil, err
		}
		r.similarity = 1.0 - distance
		results = append(results, r)
	}

	return results, rows.Err()
}

var ftsTokenRe = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// ftsQuery turns free text into an FTS5 OR-query of quoted terms so that
// punctuation in user input never reaches the MATCH grammar.
func ftsQuery(query string) string {
	tokens := ftsTokenRe.FindAllString(query, -1)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}

func (s *Store) keywordSearch(ctx context.Context, query string, limit int) ([]keywordSearchResult, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT fact_id, bm25(facts_fts) AS score
		FROM facts_fts
		WHERE facts_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []keywordSearchResult
	for rows.Next() {
		var r keywordSearchResult
		var score float64
		if err := rows.Scan(&r.factID, &score); err != nil {
			return nil, err
		}
		// bm25 is lower-is-better; flip so higher is better
		r.bm25Score = -score
		results = append(results, r)
	}

	return results, rows.Err()
}

func (s *Store) mergeResults(ctx context.Context, vectorResults []vectorSearchResult, keywordResults []keywordSearchResult, opts *SearchOptions) []SearchResult {
	vectorMap := make(map[string]float64)
	keywordMap := make(map[string]float64)

	var maxKeyword float64
	for _, r := range vectorResults {
		vectorMap[r.factID] = r.similarity
	}
	for _, r := range keywordResults {
		keywordMap[r.factID] = r.bm25Score
		if r.bm25Score > maxKeyword {
			maxKeyword = r.bm25Score
		}
	}

	ids := make(map[string]bool, len(vectorMap)+len(keywordMap))
	for id := range vectorMap {
		ids[id] = true
	}
	for id := range keywordMap {
		ids[id] = true
	}

	type scored struct {
		id           string
		score        float64
		vectorScore  *float64
		keywordScore *float64
	}

	var ranked []scored
	for id := range ids {
		var entry scored
		entry.id = id

		var normalizedVector, normalizedKeyword float64
		if v, ok := vectorMap[id]; ok {
			normalizedVector = (v + 1) / 2
			entry.vectorScore = &normalizedVector
		}
		if k, ok := keywordMap[id]; ok {
			if maxKeyword > 0 {
				normalizedKeyword = k / maxKeyword
			} else {
				normalizedKeyword = 1
			}
			entry.keywordScore = &normalizedKeyword
		}

		entry.score = normalizedVector*opts.VectorWeight + normalizedKeyword*opts.KeywordWeight
		if opts.MinScore > 0 && entry.score < opts.MinScore {
			continue
		}
		ranked = append(ranked, entry)
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score == ranked[j].score {
			return ranked[i].id < ranked[j].id
		}
		return ranked[i].score > ranked[j].score
	})

	results := make([]SearchResult, 0, len(ranked))
	for _, r := range ranked {
		var content, source string
		err := s.db.QueryRowContext(ctx,
			"SELECT content, source FROM facts WHERE id = ?", r.id,
		).Scan(&content, &source)
		if err != nil {
			s.logger.Warn().Err(err).Str("fact", r.id).Msg("Failed to fetch fact")
			continue
		}

		results = append(results, SearchResult{
			FactID:       r.id,
			Content:      content,
			Source:       source,
			Score:        r.score,
			VectorScore:  r.vectorScore,
			KeywordScore: r.keywordScore,
		})
	}

	return results
}

func (s *Store) storeEmbedding(ctx context.Context, tx *sql.Tx, factID, content string) error {
	sum := sha256.Sum256([]byte(content))
	contentHash := hex.EncodeToString(sum[:])

	var cached []byte
	err := tx.QueryRowContext(ctx, "SELECT embedding FROM embedding_cache WHERE content_hash = ?", contentHash).Scan(&cached)

	var embedding []float32
	if err == nil {
		s.mu.Lock()
		s.stats.cacheHits++
		s.mu.Unlock()
		if err := json.Unmarshal(cached, &embedding); err != nil {
			return fmt.Errorf("failed to unmarshal cached embedding: %w", err)
		}
	} else {
		s.mu.Lock()
		s.stats.cacheMisses++
		s.mu.Unlock()
		embedding, err = s.embeddingProvider.GenerateEmbedding(ctx, content)
		if err != nil {
			return fmt.Errorf("failed to generate embedding: %w", err)
		}
		data, err := json.Marshal(embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at) VALUES (?, ?, ?, ?)",
			contentHash, data, len(embedding), time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to cache embedding: %w", err)
		}
	}

	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding for storage: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO facts_vec (fact_id, embedding) VALUES (?, ?)",
		factID, string(data),
	); err != nil {
		return fmt.Errorf("failed to store embedding in vector table: %w", err)
	}

	return nil
}

// IngestFile turns a document into facts whose source is the file path.
// Unchanged files are skipped; changed files replace their earlier facts.
func (s *Store) IngestFile(ctx context.Context, path string) (bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	sum := sha256.Sum256(content)
	contentHash := hex.EncodeToString(sum[:])

	var existing string
	err = s.db.QueryRowContext(ctx, "SELECT content_hash FROM ingested_files WHERE path = ?", path).Scan(&existing)
	if err == nil && existing == contentHash {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if err := s.deleteSource(ctx, tx, path); err != nil {
		return false, err
	}
	for _, c := range chunkContent(string(content)) {
		if c.content == "" {
			continue
		}
		if _, err := s.insertFact(ctx, tx, c.content, path); err != nil {
			return false, err
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO ingested_files (path, content_hash, indexed_at) VALUES (?, ?, ?)",
		path, contentHash, time.Now().Unix(),
	); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	observability.SetMemoryEntries(s.Count(ctx))
	return true, nil
}

// Forget removes every fact ingested from path.
func (s *Store) Forget(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.deleteSource(ctx, tx, path); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM ingested_files WHERE path = ?", path); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	observability.SetMemoryEntries(s.Count(ctx))
	return nil
}

func (s *Store) deleteSource(ctx context.Context, tx *sql.Tx, source string) error {
	stmts := []string{
		"DELETE FROM facts_fts WHERE fact_id IN (SELECT id FROM facts WHERE source = ?)",
	}
	if s.embeddingProvider != nil {
		stmts = append(stmts, "DELETE FROM facts_vec WHERE fact_id IN (SELECT id FROM facts WHERE source = ?)")
	}
	stmts = append(stmts, "DELETE FROM facts WHERE source = ?")

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, source); err != nil {
			return fmt.Errorf("failed to delete facts for %s: %w", source, err)
		}
	}
	return nil
}

// IngestStats summarizes one Reindex pass.
type IngestStats struct {
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
	Pruned  int `json:"pruned"`
	Failed  int `json:"failed"`
}

// Reindex ingests every supported document under dir and forgets documents
// that have disappeared.
func (s *Store) Reindex(ctx context.Context, dir string) (IngestStats, error) {
	ctx, span := tracing.StartSpan(ctx, "deskagent.memory", "memory.reindex")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	var stats IngestStats
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && ingestExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		span.RecordError(err)
		return stats, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	present := make(map[string]bool, len(files))
	for _, path := range files {
		present[path] = true
		indexed, err := s.IngestFile(ctx, path)
		switch {
		case err != nil:
			stats.Failed++
			logger.Warn().Err(err).Str("file", path).Msg("Failed to ingest document")
		case indexed:
			stats.Indexed++
		default:
			stats.Skipped++
		}
	}

	rows, err := s.db.QueryContext(ctx, "SELECT path FROM ingested_files")
	if err != nil {
		return stats, err
	}
	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return stats, err
		}
		if !present[path] && strings.HasPrefix(path, filepath.Clean(dir)+string(filepath.Separator)) {
			stale = append(stale, path)
		}
	}
	rows.Close()

	for _, path := range stale {
		if err := s.Forget(ctx, path); err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("Failed to prune document")
			continue
		}
		stats.Pruned++
	}

	logger.Info().
		Int("indexed", stats.Indexed).
		Int("skipped", stats.Skipped).
		Int("pruned", stats.Pruned).
		Msg("Reindex completed")

	return stats, nil
}

// Count returns the number of stored facts.
func (s *Store) Count(ctx context.Context) int {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM facts").Scan(&n); err != nil {
		return 0
	}
	return n
}

// Status returns current store status
func (s *Store) Status(ctx context.Context) Status {
	status := Status{
		TotalFacts:   s.Count(ctx),
		VectorSearch: s.embeddingProvider != nil,
	}
	_ = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ingested_files").Scan(&status.IngestedFiles)

	s.mu.Lock()
	total := s.stats.cacheHits + s.stats.cacheMisses
	if total > 0 {
		rate := float64(s.stats.cacheHits) / float64(total)
		status.EmbeddingCacheHitRate = &rate
	}
	s.mu.Unlock()

	return status
}

// Close closes the store
func (s *Store) Close() error {
	s.logger.Info().Msg("Closing memory store")
	return s.db.Close()
}

type chunk struct {
	content     string
	startOffset int
	endOffset   int
}

// chunkContent splits content into roughly paragraph-sized chunks with a
// small overlap.
func chunkContent(content string) []chunk {
	const maxSize = 1000
	const overlap = 50

	var chunks []chunk
	lines := strings.Split(content, "\n")

	var current strings.Builder
	startOffset := 0
	currentOffset := 0

	for _, line := range lines {
		lineLen := len(line) + 1

		if current.Len() > 0 && current.Len()+lineLen > maxSize {
			chunks = append(chunks, chunk{
				content:     strings.TrimSpace(current.String()),
				startOffset: startOffset,
				endOffset:   currentOffset,
			})

			text := current.String()
			current.Reset()
			if len(text) > overlap {
				current.WriteString(text[len(text)-overlap:])
				startOffset = currentOffset - overlap
			} else {
				startOffset = currentOffset
			}
		}

		current.WriteString(line)
		current.WriteString("\n")
		currentOffset += lineLen
	}

	if len(chunks) == 0 || current.Len() > overlap {
		if text := strings.TrimSpace(current.String()); text != "" {
			chunks = append(chunks, chunk{
				content:     text,
				startOffset: startOffset,
				endOffset:   currentOffset,
			})
		}
	}

	return chunks
}
