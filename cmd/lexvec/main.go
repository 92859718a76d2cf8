package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ozanlx/lexvec/internal/checkpoint"
	"github.com/ozanlx/lexvec/internal/chunker"
	"github.com/ozanlx/lexvec/internal/config"
	"github.com/ozanlx/lexvec/internal/embed"
	"github.com/ozanlx/lexvec/internal/observability"
	"github.com/ozanlx/lexvec/internal/pipeline"
	"github.com/ozanlx/lexvec/internal/quarantine"
	"github.com/ozanlx/lexvec/internal/retry"
	"github.com/ozanlx/lexvec/internal/server"
	"github.com/ozanlx/lexvec/internal/source"
	"github.com/ozanlx/lexvec/internal/vectorstore"
)

// version is overridden at build time via -ldflags.
var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "lexvec",
		Short: "Lexvec - resumable vector indexing for legal document corpora",
	}

	var (
		configPath  string
		profile     string
		metricsAddr string
		reconcile   bool
		jsonOutput  bool
	)
	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Index documents into the vector store, resuming from the last checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(configPath, profile, metricsAddr, reconcile, jsonOutput)
		},
	}
	indexCmd.Flags().StringVar(&configPath, "config", "lexvec.yaml", "Path to config file")
	indexCmd.Flags().StringVar(&profile, "profile", "", "Pipeline profile: "+strings.Join(config.KnownProfiles(), ", "))
	indexCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics and /health on this address")
	indexCmd.Flags().BoolVar(&reconcile, "reconcile", false, "Rebuild the dedup set from the vector store before indexing")
	indexCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the run summary as JSON")

	var (
		searchConfig string
		query        string
		topK         int
		searchJSON   bool
	)
	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "Query the collection by semantic similarity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(searchConfig, query, topK, searchJSON)
		},
	}
	searchCmd.Flags().StringVar(&searchConfig, "config", "lexvec.yaml", "Path to config file")
	searchCmd.Flags().StringVar(&query, "query", "", "Query text")
	searchCmd.Flags().IntVar(&topK, "top-k", 5, "Number of results")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "Print results as JSON")
	_ = searchCmd.MarkFlagRequired("query")

	var quarConfig string
	quarantineCmd := &cobra.Command{
		Use:   "quarantine",
		Short: "List quarantined documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuarantineList(quarConfig)
		},
	}
	quarantineCmd.Flags().StringVar(&quarConfig, "config", "lexvec.yaml", "Path to config file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lexvec %s\n", version)
		},
	}

	rootCmd.AddCommand(indexCmd, searchCmd, quarantineCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runIndex(configPath, profile, metricsAddr string, reconcile, jsonOutput bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if profile != "" {
		cfg.Pipeline.Profile = profile
		if err := cfg.ApplyProfile(); err != nil {
			return err
		}
	}
	if reconcile {
		cfg.Checkpoint.Reconcile = true
	}
	if metricsAddr != "" {
		cfg.Pipeline.MetricsAddr = metricsAddr
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := observability.InitTracing(ctx, &observability.TracingConfig{
		ServiceName:    "lexvec",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	if cfg.Log.AuditPath != "" {
		if err := observability.InitGlobalAuditLogger(&observability.AuditConfig{
			Enabled:    true,
			OutputPath: cfg.Log.AuditPath,
		}); err != nil {
			return fmt.Errorf("initializing run journal: %w", err)
		}
	}

	src, err := source.Open(cfg.Source.Kind, cfg.Source.Path)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	logger.Info("source opened", "kind", src.Kind(), "path", cfg.Source.Path, "documents", src.Len())

	policy := retryPolicy(cfg.Pipeline.Retry)

	emb := embed.New(embed.Config{
		URL:         cfg.Embedding.URL,
		BatchSize:   cfg.Embedding.BatchSize,
		Dimension:   cfg.Embedding.Dimension,
		Concurrency: cfg.Embedding.Concurrency,
		Policy:      policy,
	}, &http.Client{Timeout: cfg.Embedding.Timeout}, logger)

	store, err := vectorstore.NewQdrant(ctx, cfg.Vector.Host, cfg.Vector.Port, cfg.Vector.Collection)
	if err != nil {
		return fmt.Errorf("connecting to vector store: %w", err)
	}
	defer store.Close()

	created, err := store.EnsureCollection(ctx, cfg.Vector.VectorSize, cfg.Vector.Distance)
	if err != nil {
		return fmt.Errorf("ensuring collection %q: %w", cfg.Vector.Collection, err)
	}
	observability.Audit().LogCollectionEnsure(ctx, cfg.Vector.Collection, cfg.Vector.VectorSize, created)

	writer := vectorstore.NewWriter(store, policy, cfg.Vector.UpsertPause, logger)

	ckpt := checkpoint.NewStore(cfg.Checkpoint.Path, cfg.Checkpoint.SnapshotPath)
	if cfg.Checkpoint.Reconcile {
		ids, err := store.ScrollDocIDs(ctx)
		if err != nil {
			return fmt.Errorf("reconciling dedup set: %w", err)
		}
		ckpt.ReplaceIndexed(ids)
		logger.Info("dedup set reconciled from vector store", "documents", len(ids))
	} else if err := ckpt.LoadSnapshot(); err != nil {
		return fmt.Errorf("loading dedup snapshot: %w", err)
	}

	quar, err := quarantine.New(cfg.Quarantine.Dir, logger)
	if err != nil {
		return err
	}

	ch := chunker.New(chunker.WithSize(cfg.Chunking.Size), chunker.WithOverlap(cfg.Chunking.Overlap))
	orch := pipeline.New(cfg.Pipeline, ch, emb, writer, ckpt, quar, logger)

	shutdown := server.NewShutdownHandler(nil)
	registerHook(shutdown, server.PipelineShutdownHook(cancel))
	registerHook(shutdown, server.CheckpointShutdownHook(ckpt.SaveSnapshot))
	registerHook(shutdown, server.VectorStoreShutdownHook(store.Close))
	registerHook(shutdown, server.TracingShutdownHook(tp.Shutdown))
	registerHook(shutdown, server.AuditLoggerShutdownHook(observability.Audit().Close))
	shutdown.Start()

	if cfg.Pipeline.MetricsAddr != "" {
		health := server.NewHealthServer(&server.HealthConfig{Version: version, Addr: cfg.Pipeline.MetricsAddr})
		health.RegisterMetrics(observability.Metrics().Handler())
		health.RegisterCheck("vector_store", server.VectorStoreHealthChecker(store.Ping))
		health.RegisterCheck("embedding", server.EmbeddingHealthChecker(cfg.Embedding.URL, func(ctx context.Context) error {
			_, err := emb.Embed(ctx, []string{"ping"})
			return err
		}))
		health.RegisterCheck("checkpoint", server.CheckpointHealthChecker(func(context.Context) error {
			return ckpt.SaveSnapshot()
		}))
		registerHook(shutdown, server.HTTPServerShutdownHook("health", func(context.Context) error {
			health.Shutdown()
			return nil
		}))
		go func() {
			if err := health.ListenAndServe(cfg.Pipeline.MetricsAddr); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		health.SetReady(true)
	}

	summary, runErr := orch.Run(ctx, src)

	// A signal-triggered shutdown already ran the hooks; a normal exit
	// has not, so trigger them now and wait either way.
	shutdown.Shutdown()
	shutdown.WaitWithTimeout(30 * time.Second)

	if runErr != nil {
		return runErr
	}
	return printSummary(summary, jsonOutput)
}

func runSearch(configPath, query string, topK int, jsonOutput bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	ctx := context.Background()

	emb := embed.New(embed.Config{
		URL:       cfg.Embedding.URL,
		BatchSize: 1,
		Dimension: cfg.Embedding.Dimension,
		Policy:    retryPolicy(cfg.Pipeline.Retry),
	}, &http.Client{Timeout: cfg.Embedding.Timeout}, logger)

	vecs, err := emb.Embed(ctx, []string{query})
	if err != nil {
		return fmt.Errorf("embedding query: %w", err)
	}

	store, err := vectorstore.NewQdrant(ctx, cfg.Vector.Host, cfg.Vector.Port, cfg.Vector.Collection)
	if err != nil {
		return fmt.Errorf("connecting to vector store: %w", err)
	}
	defer store.Close()

	results, err := store.Search(ctx, vecs[0], topK)
	if err != nil {
		return fmt.Errorf("searching collection %q: %w", cfg.Vector.Collection, err)
	}

	if jsonOutput {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if len(results) == 0 {
		fmt.Println("No matches.")
		return nil
	}
	for i, r := range results {
		docID, _ := r.Payload["doc_id"].(string)
		text, _ := r.Payload["chunk_text"].(string)
		fmt.Printf("%d. %s (score %.4f)\n", i+1, docID, r.Score)
		fmt.Printf("   %s\n", firstLine(text, 160))
	}
	return nil
}

func runQuarantineList(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	quar, err := quarantine.New(cfg.Quarantine.Dir, newLogger(cfg.Log))
	if err != nil {
		return err
	}
	records, err := quar.Records()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("Quarantine is empty.")
		return nil
	}
	for _, rec := range records {
		fmt.Printf("%s  %-10s  %-8s  %s\n", rec.Timestamp.Format(time.RFC3339), rec.DocID, rec.Stage, rec.Error)
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	if cfg.MaxRetries > 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	return p
}

func registerHook(s *server.ShutdownHandler, h server.ShutdownHook) {
	s.RegisterHook(h.Name, h.Priority, h.Fn)
}

func printSummary(s *pipeline.Summary, jsonOutput bool) error {
	if jsonOutput {
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Println("\n=== Run summary ===")
	fmt.Printf("  Processed:   %d\n", s.Processed)
	fmt.Printf("  Skipped:     %d\n", s.Skipped)
	fmt.Printf("  Errored:     %d\n", s.Errored)
	fmt.Printf("  Quarantined: %d\n", s.Quarantined)
	fmt.Printf("  Duration:    %s\n", s.Duration.Round(time.Second))
	fmt.Printf("  Throughput:  %.1f docs/min\n", s.DocsPerMin)
	if !s.Completed {
		fmt.Println("  Run was interrupted; rerun to resume from the checkpoint.")
	}
	return nil
}

func firstLine(s string, limit int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > limit {
		return string(runes[:limit]) + "…"
	}
	return s
}
