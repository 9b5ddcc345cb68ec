// File path: internal/vector/config.go
package vector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config carries the ChromaDB connection settings plus the client-side
// batching and probing knobs the indexer depends on.
type Config struct {
	Host       string `json:"host"`
	Port       string `json:"port"`
	Scheme     string `json:"scheme"`
	Collection string `json:"collection"`
	APIKey     string `json:"api_key"`

	Timeout         time.Duration `json:"-"`
	TimeoutStr      string        `json:"timeout"`
	UpsertBatch     int           `json:"upsert_batch"`
	ProbeAttempts   int           `json:"probe_attempts"`
	IdleConnTimeout time.Duration `json:"-"`
	IdleConnStr     string        `json:"idle_conn_timeout"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	MaxIdlePerHost  int           `json:"max_idle_per_host"`
	MaxConnsPerHost int           `json:"max_conns_per_host"`
}

// Merge overlays the set fields of override onto c and returns the result.
func (c Config) Merge(override Config) Config {
	out := c
	setStr := func(dst *string, v string) {
		if s := strings.TrimSpace(v); s != "" {
			*dst = s
		}
	}
	setStr(&out.Host, override.Host)
	setStr(&out.Port, override.Port)
	setStr(&out.Scheme, override.Scheme)
	setStr(&out.Collection, override.Collection)
	setStr(&out.TimeoutStr, override.TimeoutStr)
	setStr(&out.IdleConnStr, override.IdleConnStr)
	if override.APIKey != "" {
		out.APIKey = override.APIKey
	}
	setInt := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	setInt(&out.UpsertBatch, override.UpsertBatch)
	setInt(&out.ProbeAttempts, override.ProbeAttempts)
	setInt(&out.MaxIdleConns, override.MaxIdleConns)
	setInt(&out.MaxIdlePerHost, override.MaxIdlePerHost)
	setInt(&out.MaxConnsPerHost, override.MaxConnsPerHost)
	if override.Timeout > 0 {
		out.Timeout = override.Timeout
	}
	if override.IdleConnTimeout > 0 {
		out.IdleConnTimeout = override.IdleConnTimeout
	}
	return out
}

// LoadConfig resolves the store configuration from an optional JSON file
// (CHROMADB_CONFIG_FILE) overlaid by the CHROMADB_* environment, then
// fills defaults.
func LoadConfig() (Config, error) {
	cfg := Config{}
	if path := strings.TrimSpace(os.Getenv("CHROMADB_CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Config{}, fmt.Errorf("read chromadb config: %w", err)
		}
		var fileCfg Config
		if err := json.Unmarshal(data, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("parse chromadb config: %w", err)
		}
		cfg = cfg.Merge(fileCfg)
	}
	envCfg, err := loadConfigEnv()
	if err != nil {
		return Config{}, err
	}
	cfg = cfg.Merge(envCfg)
	cfg.applyDefaults()
	return cfg, nil
}

func loadConfigEnv() (Config, error) {
	cfg := Config{
		Host:        strings.TrimSpace(os.Getenv("CHROMADB_HOST")),
		Port:        strings.TrimSpace(os.Getenv("CHROMADB_PORT")),
		Scheme:      strings.TrimSpace(os.Getenv("CHROMADB_SCHEME")),
		Collection:  strings.TrimSpace(os.Getenv("CHROMADB_COLLECTION")),
		APIKey:      strings.TrimSpace(os.Getenv("CHROMADB_API_KEY")),
		TimeoutStr:  strings.TrimSpace(os.Getenv("CHROMADB_TIMEOUT")),
		IdleConnStr: strings.TrimSpace(os.Getenv("CHROMADB_IDLE_CONN_TIMEOUT")),
	}
	intVars := []struct {
		name string
		dst  *int
	}{
		{"CHROMADB_UPSERT_BATCH", &cfg.UpsertBatch},
		{"CHROMADB_PROBE_ATTEMPTS", &cfg.ProbeAttempts},
		{"CHROMADB_MAX_IDLE_CONNS", &cfg.MaxIdleConns},
		{"CHROMADB_MAX_IDLE_PER_HOST", &cfg.MaxIdlePerHost},
		{"CHROMADB_MAX_CONNS_PER_HOST", &cfg.MaxConnsPerHost},
	}
	for _, v := range intVars {
		raw := strings.TrimSpace(os.Getenv(v.name))
		if raw == "" {
			continue
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", v.name, err)
		}
		if parsed > 0 {
			*v.dst = parsed
		}
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == "" {
		c.Port = "8000"
	}
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	if c.Collection == "" {
		c.Collection = "codeatlas_chunks"
	}
	if c.Timeout <= 0 {
		c.Timeout = parseDurationOr(c.TimeoutStr, 10*time.Second)
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = parseDurationOr(c.IdleConnStr, 90*time.Second)
	}
	if c.UpsertBatch <= 0 {
		c.UpsertBatch = 128
	}
	if c.ProbeAttempts <= 0 {
		c.ProbeAttempts = 3
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 64
	}
	if c.MaxIdlePerHost <= 0 {
		c.MaxIdlePerHost = 16
	}
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
