package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Client    ClientConfig    `yaml:"client"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// ServerConfig holds HTTP relay server settings.
type ServerConfig struct {
	Addr      string          `yaml:"addr"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	Burst          int  `yaml:"burst"`
}

// Upstream protocol modes.
const (
	ModeCompletions = "completions"
	ModeAssistants  = "assistants"
	ModeResponses   = "responses"
)

// LLMConfig holds settings for the upstream model-serving API.
type LLMConfig struct {
	Mode           string               `yaml:"mode"` // completions | assistants | responses
	BaseURL        string               `yaml:"base_url"`
	APIKey         string               `yaml:"api_key"`
	Model          string               `yaml:"model"`
	SystemPrompt   string               `yaml:"system_prompt"`
	Temperature    float64              `yaml:"temperature"`
	MaxTokens      int                  `yaml:"max_tokens"`
	ConnTimeout    time.Duration        `yaml:"conn_timeout"`
	RespTimeout    time.Duration        `yaml:"resp_timeout"`
	Pool           PoolConfig           `yaml:"pool"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// PoolConfig holds HTTP connection pool settings for the upstream client.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// CircuitBreakerConfig holds circuit breaker settings for the upstream client.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RetrievalConfig holds optional knowledge-base settings. An empty
// VectorStoreID disables retrieval without failing requests.
type RetrievalConfig struct {
	VectorStoreID string `yaml:"vector_store_id"`
}

// ClientConfig holds terminal client settings.
type ClientConfig struct {
	ServerURL string `yaml:"server_url"`
	DataDir   string `yaml:"data_dir"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout or noop
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
			RateLimit: RateLimitConfig{
				Enabled:        true,
				RequestsPerMin: 100,
				Burst:          20,
			},
		},
		LLM: LLMConfig{
			Mode:         ModeResponses,
			BaseURL:      "https://api.openai.com/v1",
			Model:        "gpt-4o-mini",
			SystemPrompt: "You are a helpful assistant. Be concise and accurate.",
			Temperature:  0.7,
			MaxTokens:    2000,
			ConnTimeout:  10 * time.Second,
			RespTimeout:  120 * time.Second,
			Pool: PoolConfig{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Client: ClientConfig{
			ServerURL: "http://localhost:8080",
			DataDir:   "./data",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads the config file at path, applies environment overrides, and
// validates the result. A missing file is not an error; defaults plus env
// overrides are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides applies LOCALTHREADS_* environment variables on top of
// the loaded config. Environment always wins over the file.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOCALTHREADS_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LOCALTHREADS_LLM_MODE"); v != "" {
		cfg.LLM.Mode = v
	}
	if v := os.Getenv("LOCALTHREADS_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LOCALTHREADS_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LOCALTHREADS_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LOCALTHREADS_VECTOR_STORE_ID"); v != "" {
		cfg.Retrieval.VectorStoreID = v
	}
	if v := os.Getenv("LOCALTHREADS_CLIENT_SERVER_URL"); v != "" {
		cfg.Client.ServerURL = v
	}
	if v := os.Getenv("LOCALTHREADS_CLIENT_DATA_DIR"); v != "" {
		cfg.Client.DataDir = v
	}
	if v := os.Getenv("LOCALTHREADS_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("LOCALTHREADS_TRACER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracer.Enabled = b
		}
	}
	if v := os.Getenv("LOCALTHREADS_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// Validate checks the config for inconsistencies that would only surface at
// request time.
func Validate(cfg *Config) error {
	switch cfg.LLM.Mode {
	case ModeCompletions, ModeAssistants, ModeResponses:
	default:
		return fmt.Errorf("llm.mode %q: must be one of %s, %s, %s",
			cfg.LLM.Mode, ModeCompletions, ModeAssistants, ModeResponses)
	}

	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if cfg.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url must not be empty")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature %v: must be in [0, 2]", cfg.LLM.Temperature)
	}
	if cfg.Server.RateLimit.Enabled {
		if cfg.Server.RateLimit.RequestsPerMin <= 0 {
			return fmt.Errorf("server.rate_limit.requests_per_min must be positive")
		}
		if cfg.Server.RateLimit.Burst <= 0 {
			return fmt.Errorf("server.rate_limit.burst must be positive")
		}
	}

	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logger.format %q: must be text or json", cfg.Logger.Format)
	}

	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		return fmt.Errorf("tracer.exporter %q: must be noop or stdout", cfg.Tracer.Exporter)
	}

	return nil
}

// RetrievalEnabled reports whether a knowledge base is configured.
func (c *Config) RetrievalEnabled() bool {
	return c.Retrieval.VectorStoreID != ""
}
