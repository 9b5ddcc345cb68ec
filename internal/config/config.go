// File path: internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config carries the service-level knobs: addresses, directories, pipeline
// sizing, and retrieval weights. Store and provider specifics live in their
// packages' own configs.
type Config struct {
	ServerAddr string `json:"server_addr"`
	DataDir    string `json:"data_dir"`
	StagingDir string `json:"staging_dir"`

	MaxConcurrentIngests int   `json:"max_concurrent_ingests"`
	MaxConcurrentQueries int   `json:"max_concurrent_queries"`
	MaxFileBytes         int64 `json:"max_file_bytes"`
	MaxUploadBytes       int64 `json:"max_upload_bytes"`
	ParseWorkers         int   `json:"parse_workers"`

	ChunkTargetTokens int `json:"chunk_target_tokens"`
	ChunkMaxTokens    int `json:"chunk_max_tokens"`
	ChunkMinTokens    int `json:"chunk_min_tokens"`
	WindowTokens      int `json:"window_tokens"`
	WindowOverlap     int `json:"window_overlap"`

	RetrievalPoolSize  int     `json:"retrieval_pool_size"`
	RetrievalTopK      int     `json:"retrieval_top_k"`
	DenseWeight        float64 `json:"dense_weight"`
	SparseWeight       float64 `json:"sparse_weight"`
	ContextTokenBudget int     `json:"context_token_budget"`

	HistoryMessages int `json:"history_messages"`

	SessionTTL         time.Duration `json:"-"`
	SessionTTLString   string        `json:"session_ttl"`
	SessionMaxMessages int           `json:"session_max_messages"`
	SweepInterval      time.Duration `json:"-"`
	SweepIntervalStr   string        `json:"sweep_interval"`

	RetryInitial    time.Duration `json:"-"`
	RetryInitialStr string        `json:"retry_initial"`
	RetryMultiplier float64       `json:"retry_multiplier"`
	RetryMax        time.Duration `json:"-"`
	RetryMaxStr     string        `json:"retry_max"`
	RetryBudget     time.Duration `json:"-"`
	RetryBudgetStr  string        `json:"retry_budget"`
}

func (c Config) Merge(override Config) Config {
	result := c
	if strings.TrimSpace(override.ServerAddr) != "" {
		result.ServerAddr = strings.TrimSpace(override.ServerAddr)
	}
	if strings.TrimSpace(override.DataDir) != "" {
		result.DataDir = strings.TrimSpace(override.DataDir)
	}
	if strings.TrimSpace(override.StagingDir) != "" {
		result.StagingDir = strings.TrimSpace(override.StagingDir)
	}
	if override.MaxConcurrentIngests > 0 {
		result.MaxConcurrentIngests = override.MaxConcurrentIngests
	}
	if override.MaxConcurrentQueries > 0 {
		result.MaxConcurrentQueries = override.MaxConcurrentQueries
	}
	if override.MaxFileBytes > 0 {
		result.MaxFileBytes = override.MaxFileBytes
	}
	if override.MaxUploadBytes > 0 {
		result.MaxUploadBytes = override.MaxUploadBytes
	}
	if override.ParseWorkers > 0 {
		result.ParseWorkers = override.ParseWorkers
	}
	if override.ChunkTargetTokens > 0 {
		result.ChunkTargetTokens = override.ChunkTargetTokens
	}
	if override.ChunkMaxTokens > 0 {
		result.ChunkMaxTokens = override.ChunkMaxTokens
	}
	if override.ChunkMinTokens > 0 {
		result.ChunkMinTokens = override.ChunkMinTokens
	}
	if override.WindowTokens > 0 {
		result.WindowTokens = override.WindowTokens
	}
	if override.WindowOverlap > 0 {
		result.WindowOverlap = override.WindowOverlap
	}
	if override.RetrievalPoolSize > 0 {
		result.RetrievalPoolSize = override.RetrievalPoolSize
	}
	if override.RetrievalTopK > 0 {
		result.RetrievalTopK = override.RetrievalTopK
	}
	if override.DenseWeight > 0 {
		result.DenseWeight = override.DenseWeight
	}
	if override.SparseWeight > 0 {
		result.SparseWeight = override.SparseWeight
	}
	if override.ContextTokenBudget > 0 {
		result.ContextTokenBudget = override.ContextTokenBudget
	}
	if override.SessionTTL > 0 {
		result.SessionTTL = override.SessionTTL
	}
	if strings.TrimSpace(override.SessionTTLString) != "" {
		result.SessionTTLString = strings.TrimSpace(override.SessionTTLString)
	}
	if override.HistoryMessages > 0 {
		result.HistoryMessages = override.HistoryMessages
	}
	if override.SessionMaxMessages > 0 {
		result.SessionMaxMessages = override.SessionMaxMessages
	}
	if override.SweepInterval > 0 {
		result.SweepInterval = override.SweepInterval
	}
	if strings.TrimSpace(override.SweepIntervalStr) != "" {
		result.SweepIntervalStr = strings.TrimSpace(override.SweepIntervalStr)
	}
	if override.RetryInitial > 0 {
		result.RetryInitial = override.RetryInitial
	}
	if strings.TrimSpace(override.RetryInitialStr) != "" {
		result.RetryInitialStr = strings.TrimSpace(override.RetryInitialStr)
	}
	if override.RetryMultiplier > 0 {
		result.RetryMultiplier = override.RetryMultiplier
	}
	if override.RetryMax > 0 {
		result.RetryMax = override.RetryMax
	}
	if strings.TrimSpace(override.RetryMaxStr) != "" {
		result.RetryMaxStr = strings.TrimSpace(override.RetryMaxStr)
	}
	if override.RetryBudget > 0 {
		result.RetryBudget = override.RetryBudget
	}
	if strings.TrimSpace(override.RetryBudgetStr) != "" {
		result.RetryBudgetStr = strings.TrimSpace(override.RetryBudgetStr)
	}
	return result
}

func LoadConfig() (Config, error) {
	cfg := Config{}
	if path := strings.TrimSpace(os.Getenv("CODEATLAS_CONFIG_FILE")); path != "" {
		fileCfg, err := loadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = cfg.Merge(fileCfg)
	}
	envCfg, err := loadConfigEnv()
	if err != nil {
		return Config{}, err
	}
	cfg = cfg.Merge(envCfg)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ServerAddr) == "" {
		c.ServerAddr = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "data"
	}
	if strings.TrimSpace(c.StagingDir) == "" {
		c.StagingDir = filepath.Join(c.DataDir, "staging")
	}
	if c.MaxConcurrentIngests <= 0 {
		c.MaxConcurrentIngests = 2
	}
	if c.MaxConcurrentQueries <= 0 {
		c.MaxConcurrentQueries = 10
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = 1 << 20
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 100 << 20
	}
	if c.ParseWorkers <= 0 {
		c.ParseWorkers = 4
	}
	if c.ChunkTargetTokens <= 0 {
		c.ChunkTargetTokens = 800
	}
	if c.ChunkMaxTokens <= 0 {
		c.ChunkMaxTokens = 1500
	}
	if c.ChunkMinTokens <= 0 {
		c.ChunkMinTokens = 50
	}
	if c.WindowTokens <= 0 {
		c.WindowTokens = 800
	}
	if c.WindowOverlap <= 0 {
		c.WindowOverlap = 75
	}
	if c.RetrievalPoolSize <= 0 {
		c.RetrievalPoolSize = 20
	}
	if c.RetrievalTopK <= 0 {
		c.RetrievalTopK = 5
	}
	if c.DenseWeight <= 0 {
		c.DenseWeight = 0.7
	}
	if c.SparseWeight <= 0 {
		c.SparseWeight = 0.3
	}
	if c.ContextTokenBudget <= 0 {
		c.ContextTokenBudget = 12000
	}
	if c.HistoryMessages <= 0 {
		c.HistoryMessages = 5
	}
	if c.SessionTTL <= 0 {
		if c.SessionTTLString != "" {
			if parsed, err := time.ParseDuration(c.SessionTTLString); err == nil {
				c.SessionTTL = parsed
			}
		}
		if c.SessionTTL <= 0 {
			c.SessionTTL = 7 * 24 * time.Hour
		}
	}
	if c.SessionMaxMessages <= 0 {
		c.SessionMaxMessages = 50
	}
	if c.SweepInterval <= 0 {
		if c.SweepIntervalStr != "" {
			if parsed, err := time.ParseDuration(c.SweepIntervalStr); err == nil {
				c.SweepInterval = parsed
			}
		}
		if c.SweepInterval <= 0 {
			c.SweepInterval = time.Hour
		}
	}
	if c.RetryInitial <= 0 {
		if c.RetryInitialStr != "" {
			if parsed, err := time.ParseDuration(c.RetryInitialStr); err == nil {
				c.RetryInitial = parsed
			}
		}
		if c.RetryInitial <= 0 {
			c.RetryInitial = 2 * time.Second
		}
	}
	if c.RetryMultiplier <= 0 {
		c.RetryMultiplier = 2.0
	}
	if c.RetryMax <= 0 {
		if c.RetryMaxStr != "" {
			if parsed, err := time.ParseDuration(c.RetryMaxStr); err == nil {
				c.RetryMax = parsed
			}
		}
		if c.RetryMax <= 0 {
			c.RetryMax = time.Minute
		}
	}
	if c.RetryBudget <= 0 {
		if c.RetryBudgetStr != "" {
			if parsed, err := time.ParseDuration(c.RetryBudgetStr); err == nil {
				c.RetryBudget = parsed
			}
		}
		if c.RetryBudget <= 0 {
			c.RetryBudget = 30 * time.Minute
		}
	}
}

func (c Config) validate() error {
	if diff := c.DenseWeight + c.SparseWeight - 1.0; diff > 0.001 || diff < -0.001 {
		return fmt.Errorf("config: dense and sparse weights must sum to 1, got %.3f", c.DenseWeight+c.SparseWeight)
	}
	if c.RetrievalTopK > c.RetrievalPoolSize {
		return fmt.Errorf("config: top_k %d exceeds pool size %d", c.RetrievalTopK, c.RetrievalPoolSize)
	}
	return nil
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read codeatlas config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse codeatlas config: %w", err)
	}
	return cfg, nil
}

func loadConfigEnv() (Config, error) {
	cfg := Config{}
	if addr := strings.TrimSpace(os.Getenv("CODEATLAS_ADDR")); addr != "" {
		cfg.ServerAddr = addr
	}
	if dir := strings.TrimSpace(os.Getenv("CODEATLAS_DATA_DIR")); dir != "" {
		cfg.DataDir = dir
	}
	if dir := strings.TrimSpace(os.Getenv("CODEATLAS_STAGING_DIR")); dir != "" {
		cfg.StagingDir = dir
	}
	intVars := []struct {
		env string
		dst *int
	}{
		{"CODEATLAS_MAX_CONCURRENT_INGESTS", &cfg.MaxConcurrentIngests},
		{"CODEATLAS_MAX_CONCURRENT_QUERIES", &cfg.MaxConcurrentQueries},
		{"CODEATLAS_PARSE_WORKERS", &cfg.ParseWorkers},
		{"CODEATLAS_CHUNK_TARGET_TOKENS", &cfg.ChunkTargetTokens},
		{"CODEATLAS_CHUNK_MAX_TOKENS", &cfg.ChunkMaxTokens},
		{"CODEATLAS_CHUNK_MIN_TOKENS", &cfg.ChunkMinTokens},
		{"CODEATLAS_WINDOW_TOKENS", &cfg.WindowTokens},
		{"CODEATLAS_WINDOW_OVERLAP", &cfg.WindowOverlap},
		{"CODEATLAS_RETRIEVAL_POOL_SIZE", &cfg.RetrievalPoolSize},
		{"CODEATLAS_RETRIEVAL_TOP_K", &cfg.RetrievalTopK},
		{"CODEATLAS_CONTEXT_TOKEN_BUDGET", &cfg.ContextTokenBudget},
		{"CODEATLAS_HISTORY_MESSAGES", &cfg.HistoryMessages},
		{"CODEATLAS_SESSION_MAX_MESSAGES", &cfg.SessionMaxMessages},
	}
	for _, v := range intVars {
		raw := strings.TrimSpace(os.Getenv(v.env))
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", v.env, err)
		}
		if value > 0 {
			*v.dst = value
		}
	}
	int64Vars := []struct {
		env string
		dst *int64
	}{
		{"CODEATLAS_MAX_FILE_BYTES", &cfg.MaxFileBytes},
		{"CODEATLAS_MAX_UPLOAD_BYTES", &cfg.MaxUploadBytes},
	}
	for _, v := range int64Vars {
		raw := strings.TrimSpace(os.Getenv(v.env))
		if raw == "" {
			continue
		}
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", v.env, err)
		}
		if value > 0 {
			*v.dst = value
		}
	}
	floatVars := []struct {
		env string
		dst *float64
	}{
		{"CODEATLAS_DENSE_WEIGHT", &cfg.DenseWeight},
		{"CODEATLAS_SPARSE_WEIGHT", &cfg.SparseWeight},
		{"CODEATLAS_RETRY_MULTIPLIER", &cfg.RetryMultiplier},
	}
	for _, v := range floatVars {
		raw := strings.TrimSpace(os.Getenv(v.env))
		if raw == "" {
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", v.env, err)
		}
		if value > 0 {
			*v.dst = value
		}
	}
	durationVars := []struct {
		env string
		str *string
		dst *time.Duration
	}{
		{"CODEATLAS_SESSION_TTL", &cfg.SessionTTLString, &cfg.SessionTTL},
		{"CODEATLAS_SWEEP_INTERVAL", &cfg.SweepIntervalStr, &cfg.SweepInterval},
		{"CODEATLAS_RETRY_INITIAL", &cfg.RetryInitialStr, &cfg.RetryInitial},
		{"CODEATLAS_RETRY_MAX", &cfg.RetryMaxStr, &cfg.RetryMax},
		{"CODEATLAS_RETRY_BUDGET", &cfg.RetryBudgetStr, &cfg.RetryBudget},
	}
	for _, v := range durationVars {
		raw := strings.TrimSpace(os.Getenv(v.env))
		if raw == "" {
			continue
		}
		*v.str = raw
		if parsed, err := time.ParseDuration(raw); err == nil {
			*v.dst = parsed
		}
	}
	return cfg, nil
}
