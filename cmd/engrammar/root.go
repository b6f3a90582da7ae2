package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/engrammar/internal/config"
	"github.com/hyperengineering/engrammar/internal/embedding"
	"github.com/hyperengineering/engrammar/internal/envprobe"
	"github.com/hyperengineering/engrammar/internal/llm"
	"github.com/hyperengineering/engrammar/internal/search"
	"github.com/hyperengineering/engrammar/internal/server"
	"github.com/hyperengineering/engrammar/internal/store"
	"github.com/hyperengineering/engrammar/internal/vecindex"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "engrammar",
	Short:   "Engrammar - lesson memory for coding assistants",
	Long:    "Engrammar stores short reusable lessons, retrieves the relevant ones per prompt or tool call, and learns which lessons help where.",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(deprecateCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(pinCmd)
	rootCmd.AddCommand(unpinCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(dedupCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(maintenanceCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(hookCmd)
}

// runServe runs the request daemon in the foreground until a signal, a
// shutdown request, or the idle timeout.
func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	index, err := vecindex.Open(a.cfg.VectorPath(), a.cfg.VectorIDsPath())
	if err != nil {
		return err
	}
	defer index.Close()

	probe := &envprobe.Probe{}
	retriever := search.NewRetriever(a.store, index, a.newEmbedder(), probe,
		a.cfg.Search.TopK, a.logger)

	srv := server.New(a.cfg, a.store, retriever, probe, a.logger)
	return srv.Run(ctx)
}

// app bundles the pieces every command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.SQLiteStore
}

// loadApp loads configuration, sets up logging, and opens the store.
func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureHome(); err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	db, err := store.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: db}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("store close error", "error", err)
	}
}

// newEmbedder returns the OpenAI embedder when an API key is configured,
// otherwise the deterministic offline embedder so retrieval degrades to
// lexical ranking instead of failing.
func (a *app) newEmbedder() embedding.Embedder {
	if a.cfg.Embedding.APIKey != "" {
		return embedding.NewOpenAI(a.cfg.Embedding.APIKey, a.cfg.Embedding.Model, a.cfg.Embedding.Dimensions)
	}
	a.logger.Warn("no embedding API key, using offline embedder")
	return embedding.NewStatic(a.cfg.Embedding.Dimensions)
}

func (a *app) newLLM() llm.Client {
	return llm.NewSubprocess(a.cfg.LLM.Command, a.cfg.LLM.Model, a.cfg.LLM.Timeout.Duration())
}

// rebuildIndexes regenerates the text and tag matrices from the store.
func (a *app) rebuildIndexes(ctx context.Context) error {
	return vecindex.Rebuild(ctx, a.store, a.newEmbedder(),
		a.cfg.VectorPath(), a.cfg.VectorIDsPath(),
		a.cfg.TagVectorPath(), a.cfg.TagVectorIDsPath())
}

// suggestTags proposes prerequisite tags for a lesson from the tag matrix.
func (a *app) suggestTags(ctx context.Context, text string) ([]string, error) {
	return vecindex.SuggestTags(ctx, a.newEmbedder(),
		a.cfg.TagVectorPath(), a.cfg.TagVectorIDsPath(), text, 3, 0.55)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
