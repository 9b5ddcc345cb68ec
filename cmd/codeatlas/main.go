// File path: cmd/codeatlas/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/nicodishanthj/codeatlas/internal/agent"
	"github.com/nicodishanthj/codeatlas/internal/api"
	"github.com/nicodishanthj/codeatlas/internal/chunker"
	"github.com/nicodishanthj/codeatlas/internal/common"
	"github.com/nicodishanthj/codeatlas/internal/config"
	"github.com/nicodishanthj/codeatlas/internal/embedding"
	"github.com/nicodishanthj/codeatlas/internal/ingest"
	"github.com/nicodishanthj/codeatlas/internal/llm"
	"github.com/nicodishanthj/codeatlas/internal/registry"
	"github.com/nicodishanthj/codeatlas/internal/retrieval"
	"github.com/nicodishanthj/codeatlas/internal/retry"
	"github.com/nicodishanthj/codeatlas/internal/session"
	"github.com/nicodishanthj/codeatlas/internal/vector"
)

const mockEmbedDim = 256

func main() {
	logger := common.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := godotenv.Load(); err != nil {
		logger.Warn("codeatlas: .env file not loaded", "error", err)
	} else {
		logger.Info("codeatlas: environment loaded from .env")
	}

	addr := flag.String("addr", "", "listen address (overrides CODEATLAS_ADDR)")
	dataDir := flag.String("data", "", "data directory (overrides CODEATLAS_DATA_DIR)")
	autoStartDefault := false
	if env := strings.TrimSpace(os.Getenv("CODEATLAS_AUTOSTART_CHROMA")); env != "" {
		if parsed, err := strconv.ParseBool(env); err == nil {
			autoStartDefault = parsed
		}
	}
	autoStartChroma := flag.Bool("auto-start-chroma", autoStartDefault, "launch a managed local ChromaDB server")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("codeatlas: config load failed", "error", err)
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	if trimmed := strings.TrimSpace(*addr); trimmed != "" {
		cfg.ServerAddr = trimmed
	}
	if trimmed := strings.TrimSpace(*dataDir); trimmed != "" {
		cfg.DataDir = trimmed
		cfg.StagingDir = filepath.Join(trimmed, "staging")
	}
	logger.Info("codeatlas: startup initiated", "addr", cfg.ServerAddr, "data", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("codeatlas: data directory unavailable", "error", err)
		fmt.Println("data directory error:", err)
		os.Exit(1)
	}

	if *autoStartChroma {
		chromaSvc, svcErr := startChromaService(ctx, cfg.DataDir, logger)
		if svcErr != nil {
			logger.Error("codeatlas: failed to launch chromadb", "error", svcErr)
			fmt.Println("chromadb startup error:", svcErr)
			os.Exit(1)
		}
		defer stopManagedService(context.Background(), chromaSvc, logger)
	}

	regCfg, err := registry.LoadConfig()
	if err != nil {
		logger.Error("codeatlas: registry config load failed", "error", err)
		fmt.Println("registry config error:", err)
		os.Exit(1)
	}
	if strings.TrimSpace(os.Getenv("REGISTRY_PATH")) == "" {
		regCfg.Path = filepath.Join(cfg.DataDir, "registry.db")
	}
	reg, err := registry.OpenWithConfig(regCfg)
	if err != nil {
		logger.Error("codeatlas: registry open failed", "error", err)
		fmt.Println("registry error:", err)
		os.Exit(1)
	}
	defer reg.Close()

	vectorClient, err := vector.NewFromEnv(ctx)
	if err != nil {
		logger.Error("codeatlas: vector store init failed", "error", err)
		fmt.Println("vector store error:", err)
		os.Exit(1)
	}
	if vectorClient.Available() {
		logger.Info("codeatlas: chromadb available", "collection", vectorClient.Collection())
	} else {
		logger.Warn("codeatlas: chromadb unreachable", "collection", vectorClient.Collection())
	}

	policy := retry.Policy{
		Initial:    cfg.RetryInitial,
		Multiplier: cfg.RetryMultiplier,
		Max:        cfg.RetryMax,
		Budget:     cfg.RetryBudget,
	}
	embedder := buildEmbedder(policy)

	chk := chunker.New(chunker.Config{
		TargetTokens:      cfg.ChunkTargetTokens,
		MaxTokens:         cfg.ChunkMaxTokens,
		MinFunctionTokens: cfg.ChunkMinTokens,
		WindowTokens:      cfg.WindowTokens,
		WindowOverlap:     cfg.WindowOverlap,
	})

	ingestCfg := ingest.DefaultConfig(cfg.StagingDir)
	ingestCfg.MaxFileBytes = cfg.MaxFileBytes
	ingestCfg.ParseWorkers = cfg.ParseWorkers
	ingestCfg.MaxConcurrent = cfg.MaxConcurrentIngests
	ingestCfg.Policy = policy
	ingestMgr := ingest.NewManager(reg, vectorClient, embedder, chk, ingestCfg)

	sessions := session.NewStore(cfg.SessionTTL, cfg.SessionMaxMessages)
	sessions.StartSweeper(ctx, cfg.SweepInterval)
	defer sessions.Close()

	retr := retrieval.New(embedder, vectorClient, retrieval.Config{
		PoolSize:     cfg.RetrievalPoolSize,
		TopK:         cfg.RetrievalTopK,
		DenseWeight:  cfg.DenseWeight,
		SparseWeight: cfg.SparseWeight,
	})

	provider := llm.NewProvider()
	logger.Info("codeatlas: llm provider ready", "provider", provider.Name())

	engine := agent.NewEngine(provider, retr, sessions, reg, agent.Config{
		ContextTokenBudget: cfg.ContextTokenBudget,
		HistoryWindow:      cfg.HistoryMessages,
		MaxConcurrent:      cfg.MaxConcurrentQueries,
	})

	server, err := api.NewServer(reg, vectorClient, sessions, engine, ingestMgr, filepath.Join(cfg.DataDir, "uploads"), cfg.MaxUploadBytes)
	if err != nil {
		logger.Error("codeatlas: server construction failed", "error", err)
		fmt.Println("server error:", err)
		os.Exit(1)
	}

	logger.Info("codeatlas: server listening", "addr", cfg.ServerAddr, "health", "/healthz", "metrics", "/metrics")
	fmt.Printf("Serving on %s\n", cfg.ServerAddr)
	if err := http.ListenAndServe(cfg.ServerAddr, server); err != nil {
		logger.Error("codeatlas: server stopped", "error", err)
		fmt.Println("server stopped:", err)
	}
}

// buildEmbedder selects OpenAI as the primary provider when a key is set,
// with Jina as the hot-swap fallback. Without any key the deterministic
// local provider keeps the pipeline usable offline.
func buildEmbedder(policy retry.Policy) *embedding.Client {
	logger := common.Logger()
	cfg, err := embedding.LoadConfig()
	if err != nil {
		logger.Error("codeatlas: embedding config load failed", "error", err)
		fmt.Println("embedding config error:", err)
		os.Exit(1)
	}
	var primary, fallback embedding.Provider
	switch {
	case strings.TrimSpace(cfg.OpenAIAPIKey) != "":
		primary = embedding.NewOpenAIProvider(cfg)
		if strings.TrimSpace(cfg.JinaAPIKey) != "" {
			fallback = embedding.NewJinaProvider(cfg)
		}
	case strings.TrimSpace(cfg.JinaAPIKey) != "":
		primary = embedding.NewJinaProvider(cfg)
	default:
		logger.Warn("codeatlas: no embedding provider configured, using local vectors")
		primary = embedding.NewMockProvider(mockEmbedDim)
	}
	logger.Info("codeatlas: embedding provider ready",
		"primary", primary.Name(), "fallback", fallback != nil)
	return embedding.NewClient(primary, fallback, cfg.BatchSize, policy)
}
