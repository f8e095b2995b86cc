package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/deskagent/internal/config"
	"github.com/harun/deskagent/internal/logger"
	"github.com/harun/deskagent/pkg/memory"
)

var (
	memoryLimit  int
	memorySource string
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Search and extend long-term memory",
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search remembered facts",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMemorySearch,
}

var memoryAddCmd = &cobra.Command{
	Use:   "add <fact>",
	Short: "Remember a fact",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMemoryAdd,
}

var memoryReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Re-ingest the documents directory",
	Args:  cobra.NoArgs,
	RunE:  runMemoryReindex,
}

func init() {
	memorySearchCmd.Flags().IntVar(&memoryLimit, "limit", 5, "maximum number of results")
	memoryAddCmd.Flags().StringVar(&memorySource, "source", "user", "where the fact came from")
	memoryCmd.AddCommand(memorySearchCmd, memoryAddCmd, memoryReindexCmd)
	rootCmd.AddCommand(memoryCmd)
}

// withMemory opens the fact store for the duration of fn.
func withMemory(fn func(ctx context.Context, cfg *config.Config, store *memory.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer log.Close()

	store, err := openMemoryStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), cfg, store)
}

func openMemoryStore(cfg *config.Config, log *logger.Logger) (*memory.Store, error) {
	embedder, err := memory.NewEmbeddingProvider(memory.EmbeddingConfig{
		Provider:  cfg.Memory.Embedding.Provider,
		Model:     cfg.Memory.Embedding.Model,
		BaseURL:   cfg.Memory.Embedding.BaseURL,
		APIKey:    cfg.Memory.Embedding.APIKey,
		Dimension: cfg.Memory.Embedding.Dimension,
	}, cfg.Agent.OllamaHost)
	if err != nil {
		log.Warn().Err(err).Msg("Embeddings unavailable, using keyword search")
		embedder = nil
	}
	return memory.NewStore(memory.Config{
		DBPath:            cfg.Memory.DBPath,
		Logger:            log.GetZerolog(),
		EmbeddingProvider: embedder,
	})
}

func runMemorySearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	return withMemory(func(ctx context.Context, _ *config.Config, store *memory.Store) error {
		results, err := store.Search(ctx, query, memory.DefaultSearchOptions(memoryLimit))
		if err != nil {
			return err
		}
		printMemoryResults(cmd.OutOrStdout(), results)
		return nil
	})
}

func runMemoryAdd(cmd *cobra.Command, args []string) error {
	fact := strings.TrimSpace(strings.Join(args, " "))
	if fact == "" {
		return fmt.Errorf("fact is empty")
	}
	return withMemory(func(ctx context.Context, _ *config.Config, store *memory.Store) error {
		id, err := store.Add(ctx, fact, memorySource)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Remembered (%s).\n", id)
		return nil
	})
}

func runMemoryReindex(cmd *cobra.Command, args []string) error {
	return withMemory(func(ctx context.Context, cfg *config.Config, store *memory.Store) error {
		stats, err := store.Reindex(ctx, cfg.Documents.Directory)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d, skipped %d, pruned %d, failed %d.\n",
			stats.Indexed, stats.Skipped, stats.Pruned, stats.Failed)
		return nil
	})
}

func printMemoryResults(w io.Writer, results []memory.SearchResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "Nothing found.")
		return
	}
	for _, r := range results {
		source := r.Source
		if source == "" {
			source = "unknown"
		}
		fmt.Fprintf(w, "%.2f  [%s] %s\n", r.Score, source, firstLine(r.Content, 200))
	}
}
