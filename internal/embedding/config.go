// File path: internal/embedding/config.go
package embedding

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	JinaBaseURL string `json:"jina_base_url"`
	JinaAPIKey  string `json:"jina_api_key"`
	JinaModel   string `json:"jina_model"`

	OpenAIBaseURL string `json:"openai_base_url"`
	OpenAIAPIKey  string `json:"openai_api_key"`
	OpenAIModel   string `json:"openai_model"`

	BatchSize int `json:"batch_size"`

	Timeout       time.Duration `json:"-"`
	TimeoutString string        `json:"timeout"`
}

func (c Config) Merge(override Config) Config {
	result := c
	if strings.TrimSpace(override.JinaBaseURL) != "" {
		result.JinaBaseURL = strings.TrimSpace(override.JinaBaseURL)
	}
	if strings.TrimSpace(override.JinaAPIKey) != "" {
		result.JinaAPIKey = override.JinaAPIKey
	}
	if strings.TrimSpace(override.JinaModel) != "" {
		result.JinaModel = strings.TrimSpace(override.JinaModel)
	}
	if strings.TrimSpace(override.OpenAIBaseURL) != "" {
		result.OpenAIBaseURL = strings.TrimSpace(override.OpenAIBaseURL)
	}
	if strings.TrimSpace(override.OpenAIAPIKey) != "" {
		result.OpenAIAPIKey = override.OpenAIAPIKey
	}
	if strings.TrimSpace(override.OpenAIModel) != "" {
		result.OpenAIModel = strings.TrimSpace(override.OpenAIModel)
	}
	if override.BatchSize > 0 {
		result.BatchSize = override.BatchSize
	}
	if override.Timeout > 0 {
		result.Timeout = override.Timeout
	}
	if strings.TrimSpace(override.TimeoutString) != "" {
		result.TimeoutString = strings.TrimSpace(override.TimeoutString)
	}
	return result
}

func LoadConfig() (Config, error) {
	cfg := Config{}
	if path := strings.TrimSpace(os.Getenv("EMBEDDING_CONFIG_FILE")); path != "" {
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
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.JinaBaseURL) == "" {
		c.JinaBaseURL = "https://api.jina.ai"
	}
	if strings.TrimSpace(c.JinaModel) == "" {
		c.JinaModel = "jina-embeddings-v3"
	}
	if strings.TrimSpace(c.OpenAIModel) == "" {
		c.OpenAIModel = "text-embedding-3-small"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Timeout <= 0 {
		if c.TimeoutString != "" {
			if parsed, err := time.ParseDuration(c.TimeoutString); err == nil {
				c.Timeout = parsed
			}
		}
		if c.Timeout <= 0 {
			c.Timeout = 30 * time.Second
		}
	}
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read embedding config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse embedding config: %w", err)
	}
	return cfg, nil
}

func loadConfigEnv() (Config, error) {
	cfg := Config{}
	if v := strings.TrimSpace(os.Getenv("JINA_BASE_URL")); v != "" {
		cfg.JinaBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("JINA_API_KEY")); v != "" {
		cfg.JinaAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("JINA_MODEL")); v != "" {
		cfg.JinaModel = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_EMBED_MODEL")); v != "" {
		cfg.OpenAIModel = v
	}
	if v := strings.TrimSpace(os.Getenv("EMBEDDING_BATCH_SIZE")); v != "" {
		value, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse EMBEDDING_BATCH_SIZE: %w", err)
		}
		if value > 0 {
			cfg.BatchSize = value
		}
	}
	if v := strings.TrimSpace(os.Getenv("EMBEDDING_TIMEOUT")); v != "" {
		cfg.TimeoutString = v
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = parsed
		}
	}
	return cfg, nil
}
