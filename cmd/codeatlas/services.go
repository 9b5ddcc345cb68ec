// File path: cmd/codeatlas/services.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/nicodishanthj/codeatlas/internal/common/process"
)

// startChromaService launches a local ChromaDB server through the chroma CLI
// and waits for its heartbeat. The CHROMADB_* defaults keep the vector client
// pointed at the managed instance.
func startChromaService(ctx context.Context, dataDir string, logger *slog.Logger) (*process.ManagedService, error) {
	chromaBin, err := process.BinaryPath("chroma")
	if err != nil {
		return nil, err
	}

	chromaDataDir := filepath.Join(dataDir, "chroma")
	if err := os.MkdirAll(chromaDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare chroma data directory: %w", err)
	}

	if err := ensureEnvDefault("CHROMADB_HOST", "127.0.0.1"); err != nil {
		return nil, err
	}
	if err := ensureEnvDefault("CHROMADB_PORT", "8000"); err != nil {
		return nil, err
	}
	if err := ensureEnvDefault("CHROMADB_SCHEME", "http"); err != nil {
		return nil, err
	}
	if err := ensureEnvDefault("CHROMADB_COLLECTION", "codeatlas_chunks"); err != nil {
		return nil, err
	}

	host := os.Getenv("CHROMADB_HOST")
	port := os.Getenv("CHROMADB_PORT")
	readyURL := fmt.Sprintf("%s://%s/api/v1/heartbeat", os.Getenv("CHROMADB_SCHEME"), net.JoinHostPort(host, port))

	return process.Start(ctx, process.ServiceConfig{
		Name:    "chromadb",
		Command: chromaBin,
		Args:    []string{"run", "--host", host, "--port", port, "--path", chromaDataDir},
		Env: []string{
			"ANONYMIZED_TELEMETRY=false",
		},
		ReadyURL:     readyURL,
		ReadyTimeout: 2 * time.Minute,
		StopTimeout:  5 * time.Second,
		Logger:       logger.With("component", "launcher", "service", "chromadb"),
	})
}

func stopManagedService(ctx context.Context, svc *process.ManagedService, logger *slog.Logger) {
	if svc == nil {
		return
	}
	if err := svc.Stop(ctx); err != nil && logger != nil {
		logger.Warn("launcher: service shutdown returned error", "error", err)
	}
}

func ensureEnvDefault(key, value string) error {
	if _, ok := os.LookupEnv(key); ok {
		return nil
	}
	if err := os.Setenv(key, value); err != nil {
		return fmt.Errorf("set %s default: %w", key, err)
	}
	return nil
}
