package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kbrouter/internal/aggregator"
	"kbrouter/internal/cache"
	"kbrouter/internal/config"
	"kbrouter/internal/embedding"
	"kbrouter/internal/logging"
	"kbrouter/internal/matcher"
	"kbrouter/internal/selector"
	"kbrouter/internal/server"
	"kbrouter/internal/store"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "kbrouter",
	Short: "kbrouter - agent persona routing service",
	Long: `kbrouter routes user queries to the best-matching agent persona.

It scores queries against per-agent knowledge bases with vector embeddings,
falls back to deterministic keyword routing when similarity is inconclusive,
and guarantees a usable selection on every request.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real environments set variables directly.
		_ = godotenv.Load()

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// serveCmd runs the HTTP service
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the selection HTTP service",
	RunE:  runServe,
}

// ingestCmd loads knowledge files into an agent's knowledge base
var ingestCmd = &cobra.Command{
	Use:   "ingest [agent] [dir]",
	Short: "Chunk, embed, and store knowledge files for an agent",
	Long: `Reads every file in the directory, splits it into overlapping chunks,
embeds each chunk, and replaces the agent's knowledge base with the result.

Example:
  kbrouter ingest presaleskb ./knowledge/presales`,
	Args: cobra.ExactArgs(2),
	RunE: runIngest,
}

// matchCmd scores a query from the command line, for debugging thresholds
var matchCmd = &cobra.Command{
	Use:   "match [query]",
	Short: "Score a query against every agent's knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMatch,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "kbrouter.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(matchCmd)
}

// =============================================================================
// PIPELINE SETUP
// =============================================================================

// pipeline holds the wired selection components plus their teardown.
type pipeline struct {
	cfg      *config.Config
	store    *store.KnowledgeStore
	engine   embedding.Engine
	matcher  *matcher.Matcher
	selector *selector.Selector
	agg      *aggregator.Aggregator
	cache    *cache.ResultCache
}

func buildPipeline() (*pipeline, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if err := logging.Initialize(cfg.Logging.Dir, logging.Options{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.Format == "json",
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, err
	}
	logging.Boot("kbrouter %s starting", cfg.Version)

	if path := cfg.Store.DatabasePath; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	st, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return nil, err
	}

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		Timeout:        cfg.EmbeddingTimeout(),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	m := matcher.New(st, engine, cfg.Matcher)
	sel := selector.New(m, cfg.Selector, cfg.Matcher)
	agg := aggregator.New(aggregator.DefaultWindow)

	var rc *cache.ResultCache
	if cfg.Cache.Enabled {
		rc = cache.New(cfg.CacheTTL())
	}

	return &pipeline{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		matcher:  m,
		selector: sel,
		agg:      agg,
		cache:    rc,
	}, nil
}

func (p *pipeline) close() {
	if p.cache != nil {
		p.cache.Stop()
	}
	p.store.Close()
}

// =============================================================================
// COMMANDS
// =============================================================================

func runServe(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline()
	if err != nil {
		return err
	}
	defer p.close()

	stop := make(chan struct{})
	defer close(stop)
	p.store.StartRefresher(p.cfg.RefreshInterval(), stop)

	if p.cache != nil {
		p.cache.StartJanitor(p.cfg.CacheTTL())
	}

	// Watch the knowledge directory so external ingest runs are picked up
	// without waiting for the periodic refresh.
	if dir := p.cfg.Store.KnowledgeDir; dir != "" {
		if _, err := os.Stat(dir); err == nil {
			w := store.NewWatcher(p.store, dir)
			if err := w.Start(); err != nil {
				logger.Warn("knowledge watcher failed", zap.Error(err))
			} else {
				defer w.Stop()
			}
		}
	}

	srv := server.New(server.Options{
		Config:     p.cfg,
		Log:        logger,
		Matcher:    p.matcher,
		Selector:   p.selector,
		Aggregator: p.agg,
		Cache:      p.cache,
		Store:      p.store,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout())
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func runIngest(cmd *cobra.Command, args []string) error {
	agentName, dir := args[0], args[1]

	p, err := buildPipeline()
	if err != nil {
		return err
	}
	defer p.close()

	ing := store.NewIngester(p.store, p.engine, p.cfg.Store.ChunkSize, p.cfg.Store.ChunkOverlap)

	n, err := ing.IngestDir(cmd.Context(), agentName, dir)
	if err != nil {
		return fmt.Errorf("ingest failed after %d chunks: %w", n, err)
	}

	logger.Info("ingest complete", zap.String("agent", agentName), zap.Int("chunks", n))
	fmt.Printf("Ingested %d chunks for %s\n", n, agentName)
	return nil
}

func runMatch(cmd *cobra.Command, args []string) error {
	query := args[0]
	for _, a := range args[1:] {
		query += " " + a
	}

	p, err := buildPipeline()
	if err != nil {
		return err
	}
	defer p.close()

	results, err := p.matcher.MatchAgentsAbove(cmd.Context(), query, 0)
	if err != nil {
		return err
	}

	if len(results) == 0 {
		fmt.Println("No agents scored above zero.")
		return nil
	}
	for _, r := range results {
		fmt.Printf("%-16s score=%.4f fragments=%d\n", r.AgentID, r.Score, len(r.MatchedFragmentIDs))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
