package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the murmur server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Trigger  TriggerConfig
	Queue    QueueConfig
	Pipeline PipelineConfig
	Delivery DeliveryConfig
	AI       AIConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// TriggerConfig controls when accumulated metadata becomes an analysis job.
// BatchSize and AnalysisInterval are deliberately independent knobs.
type TriggerConfig struct {
	BatchSize        int
	AnalysisInterval time.Duration
	ScheduleGrace    time.Duration
}

type QueueConfig struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	LeaseTime    time.Duration
}

type PipelineConfig struct {
	MinStageRecords  int
	InferenceTimeout time.Duration
}

type DeliveryConfig struct {
	FallbackChannel   string
	RecipientCacheTTL time.Duration
	Timeout           time.Duration
	SlackBaseURL      string
	SlackToken        string
}

type AIConfig struct {
	Provider  string
	Ollama    OllamaConfig
	VLLM      VLLMConfig
	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type VLLMConfig struct {
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	APIKey string
	Model  string
}

type AnthropicConfig struct {
	APIKey string
	Model  string
}

var validProviders = map[string]bool{
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
	"mock":      true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("MURMUR_PORT", 8080),
			Env:  envString("MURMUR_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Trigger: TriggerConfig{
			BatchSize:        envInt("MURMUR_BATCH_SIZE", 10),
			AnalysisInterval: envDuration("MURMUR_ANALYSIS_INTERVAL", 10*time.Minute),
			ScheduleGrace:    envDuration("MURMUR_SCHEDULE_GRACE", time.Minute),
		},
		Queue: QueueConfig{
			Workers:      envInt("MURMUR_QUEUE_WORKERS", 3),
			PollInterval: envDuration("MURMUR_QUEUE_POLL_INTERVAL", 2*time.Second),
			MaxAttempts:  envInt("MURMUR_QUEUE_MAX_ATTEMPTS", 3),
			LeaseTime:    envDuration("MURMUR_QUEUE_LEASE_TIME", 10*time.Minute),
		},
		Pipeline: PipelineConfig{
			MinStageRecords:  envInt("MURMUR_MIN_STAGE_RECORDS", 10),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 60*time.Second),
		},
		Delivery: DeliveryConfig{
			FallbackChannel:   os.Getenv("MURMUR_FALLBACK_CHANNEL"),
			RecipientCacheTTL: envDuration("MURMUR_RECIPIENT_CACHE_TTL", time.Hour),
			Timeout:           envDuration("MURMUR_DELIVERY_TIMEOUT", 15*time.Second),
			SlackBaseURL:      envString("SLACK_BASE_URL", "https://slack.com/api"),
			SlackToken:        os.Getenv("SLACK_BOT_TOKEN"),
		},
		AI: AIConfig{
			Provider: os.Getenv("AI_PROVIDER"),
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
			VLLM: VLLMConfig{
				BaseURL: envString("VLLM_BASE_URL", "http://localhost:8000"),
				Model:   os.Getenv("VLLM_MODEL"),
			},
			OpenAI: OpenAIConfig{
				APIKey: os.Getenv("OPENAI_API_KEY"),
				Model:  envString("OPENAI_MODEL", "gpt-4"),
			},
			Anthropic: AnthropicConfig{
				APIKey: os.Getenv("ANTHROPIC_API_KEY"),
				Model:  envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Trigger.BatchSize < 1 {
		return fmt.Errorf("MURMUR_BATCH_SIZE must be at least 1, got %d", c.Trigger.BatchSize)
	}
	if c.Trigger.AnalysisInterval <= 0 {
		return fmt.Errorf("MURMUR_ANALYSIS_INTERVAL must be positive")
	}

	if c.Queue.Workers < 1 {
		return fmt.Errorf("MURMUR_QUEUE_WORKERS must be at least 1, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("MURMUR_QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.Queue.MaxAttempts)
	}

	if c.Delivery.FallbackChannel == "" {
		return fmt.Errorf("MURMUR_FALLBACK_CHANNEL is required")
	}
	if !strings.HasPrefix(c.Delivery.SlackBaseURL, "http://") && !strings.HasPrefix(c.Delivery.SlackBaseURL, "https://") {
		return fmt.Errorf("SLACK_BASE_URL must start with http:// or https://, got %q", c.Delivery.SlackBaseURL)
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of ollama, vllm, openai, anthropic, mock; got %q", c.AI.Provider)
	}

	if c.AI.Provider == "vllm" && c.AI.VLLM.Model == "" {
		return fmt.Errorf("VLLM_MODEL is required when AI_PROVIDER is vllm")
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
