// Command engramd is the memory kernel's server process: it loads
// configuration, opens storage, wires the vector index and LLM
// collaborators, assembles the kernel, and serves the HTTP API until
// signaled to stop — the same load-config/connect-store/start-router shape
// as the teacher's cmd/tarsy/main.go, adapted to Echo v5 and this module's
// pluggable index/LLM backends.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/engram-ai/engram/internal/api"
	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/kernel"
	"github.com/engram-ai/engram/internal/llm"
	"github.com/engram-ai/engram/internal/llm/mock"
	"github.com/engram-ai/engram/internal/llm/openaicompat"
	"github.com/engram-ai/engram/internal/storage"
	"github.com/engram-ai/engram/internal/telemetry"
	"github.com/engram-ai/engram/internal/vectorindex"
	"github.com/engram-ai/engram/internal/vectorindex/flat"
	"github.com/engram-ai/engram/internal/vectorindex/qdrant"
)

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func embedDimension() int {
	return getEnvInt("ENGRAM_EMBED_DIMENSION", 768)
}

func buildIndex(ctx context.Context, dimension int) (vectorindex.Index, error) {
	switch getEnv("ENGRAM_VECTOR_INDEX_BACKEND", "flat") {
	case "qdrant":
		return qdrant.New(ctx, qdrant.Config{
			Host:       getEnv("ENGRAM_QDRANT_HOST", "localhost"),
			Port:       getEnvInt("ENGRAM_QDRANT_PORT", 6334),
			APIKey:     os.Getenv("ENGRAM_QDRANT_API_KEY"),
			UseTLS:     getEnvBool("ENGRAM_QDRANT_USE_TLS", false),
			Collection: getEnv("ENGRAM_QDRANT_COLLECTION", "engram_memories"),
			Dimension:  dimension,
		})
	default:
		return flat.New(dimension), nil
	}
}

func buildLLM(dimension int) (llm.Generator, llm.Embedder) {
	switch getEnv("ENGRAM_LLM_PROVIDER", "mock") {
	case "openaicompat":
		c := openaicompat.New(openaicompat.Config{
			BaseURL:    getEnv("ENGRAM_LLM_BASE_URL", "http://localhost:11434/v1"),
			APIKey:     os.Getenv("ENGRAM_LLM_API_KEY"),
			Model:      getEnv("ENGRAM_LLM_MODEL", "gpt-4o-mini"),
			EmbedModel: getEnv("ENGRAM_LLM_EMBED_MODEL", "text-embedding-3-small"),
			Dimension:  dimension,
		})
		return c, c
	case "none":
		return nil, nil
	default:
		c := mock.New(dimension)
		return c, c
	}
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1"
}

// seedPolicy applies config.LoadPolicySeed's bootstrap namespaces and agent
// policies to the store, idempotently, the way the teacher's config loader
// seeds its agent/chain YAML registries at boot.
func seedPolicy(ctx context.Context, store *storage.Store, cfg config.Config) error {
	seed, err := config.LoadPolicySeed(cfg)
	if err != nil {
		return err
	}
	for _, ns := range seed.Namespaces {
		if err := store.CreateNamespace(ctx, storage.Namespace{Name: ns.Name, UserID: "*"}); err != nil && !errors.Is(err, storage.ErrUniqueViolation) {
			return err
		}
	}
	for _, p := range seed.Policies {
		scopes := make([]storage.ConfidentialityScope, len(p.Scopes))
		for i, s := range p.Scopes {
			scopes[i] = storage.ConfidentialityScope(s)
		}
		if err := store.UpsertAgentPolicy(ctx, storage.AgentPolicy{
			UserID: p.UserID, AgentID: p.AgentID, Scopes: scopes,
			Capabilities: p.Capabilities, Namespaces: p.Namespaces,
		}); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	ctx := context.Background()

	cfg, err := config.Initialize()
	if err != nil {
		slog.Error("failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	shutdownTracing, err := telemetry.InitTracer(ctx)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Error("error shutting down tracing", "error", err)
		}
	}()

	store, err := storage.Open(ctx, cfg.DataDir)
	if err != nil {
		slog.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("error closing storage", "error", err)
		}
	}()
	slog.Info("storage opened", "data_dir", cfg.DataDir)

	if err := seedPolicy(ctx, store, cfg); err != nil {
		slog.Error("failed to apply policy seed", "error", err)
		os.Exit(1)
	}

	dimension := embedDimension()
	gen, embed := buildLLM(dimension)

	index, err := buildIndex(ctx, dimension)
	if err != nil {
		slog.Error("failed to initialize vector index", "error", err)
		os.Exit(1)
	}

	k := kernel.New(store, index, gen, embed, cfg)
	k.StartBackground(ctx)

	srv := api.NewServer(k)

	httpPort := getEnv("ENGRAM_HTTP_PORT", "8080")
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "port", httpPort)
		if err := srv.Start(":" + httpPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("http server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("error shutting down http server", "error", err)
	}
	if err := k.Shutdown(); err != nil {
		slog.Error("error shutting down kernel", "error", err)
	}
}
