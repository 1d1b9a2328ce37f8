package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting of the service.
type Config struct {
	Server     ServerConfig   `yaml:"server"`
	Database   DatabaseConfig `yaml:"database"`
	Feed       FeedConfig     `yaml:"feed"`
	Storage    StorageConfig  `yaml:"storage"`
	OCR        OCRConfig      `yaml:"ocr"`
	QuickFacts LLMConfig      `yaml:"quick_facts"`
	Synthesis  LLMConfig      `yaml:"synthesis"`
	Pipeline   PipelineConfig `yaml:"pipeline"`
	Auth       AuthConfig     `yaml:"auth"`
	Log        LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port              string        `yaml:"port"`
	Mode              string        `yaml:"mode"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxUploadBytes    int64         `yaml:"max_upload_bytes"`
	AllowedOrigin     string        `yaml:"allowed_origin"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // postgres | sqlite
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	Path     string `yaml:"path"` // sqlite file
}

// DSN returns the postgres connection string, preferring URL when set.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

type FeedConfig struct {
	Backend       string `yaml:"backend"` // memory | postgres | redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type StorageConfig struct {
	Backend   string `yaml:"backend"` // local | gcs
	LocalRoot string `yaml:"local_root"`
	GCSBucket string `yaml:"gcs_bucket"`
	GCSPrefix string `yaml:"gcs_prefix"`
}

type OCRConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// LLMConfig configures one language-model endpoint.
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // openai | ollama
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
}

type PipelineConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	BaseDelay          time.Duration `yaml:"base_delay"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	QuickFactsAttempts int           `yaml:"quick_facts_attempts"`
	OverlapQuickFacts  bool          `yaml:"overlap_quick_facts"`
	MaxConcurrentRuns  int64         `yaml:"max_concurrent_runs"`
	ProgressInterval   time.Duration `yaml:"progress_interval"`
	ProgressMinDelta   int           `yaml:"progress_min_delta"`
	ExpectedMemoChars  int           `yaml:"expected_memo_chars"`
	MaxExtractedChars  int           `yaml:"max_extracted_chars"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
	LeaseTTL           time.Duration `yaml:"lease_ttl"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Load reads .env (if present), an optional YAML file named by DECKFLOW_CONFIG,
// then applies environment overrides and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("DECKFLOW_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              "8080",
			Mode:              "release",
			ShutdownTimeout:   30 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			MaxUploadBytes:    50 << 20,
			AllowedOrigin:     "*",
		},
		Database: DatabaseConfig{
			Driver:  "postgres",
			Host:    "localhost",
			Port:    "5432",
			User:    "deckflow",
			Name:    "deckflow",
			SSLMode: "disable",
			Path:    "deckflow.db",
		},
		Feed: FeedConfig{
			Backend:       "memory",
			RedisAddr:     "localhost:6379",
			ChannelPrefix: "deckflow:analysis:",
		},
		Storage: StorageConfig{
			Backend:   "local",
			LocalRoot: "data/documents",
		},
		OCR: OCRConfig{
			BaseURL: "https://api.mistral.ai",
			Model:   "mistral-ocr-latest",
			Timeout: 120 * time.Second,
		},
		QuickFacts: LLMConfig{
			Provider:    "openai",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Timeout:     30 * time.Second,
			Temperature: 0,
			MaxTokens:   800,
		},
		Synthesis: LLMConfig{
			Provider:    "openai",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o",
			Timeout:     5 * time.Minute,
			Temperature: 0.3,
			MaxTokens:   4096,
		},
		Pipeline: PipelineConfig{
			MaxAttempts:        3,
			BaseDelay:          500 * time.Millisecond,
			MaxDelay:           5 * time.Second,
			QuickFactsAttempts: 3,
			MaxConcurrentRuns:  8,
			ProgressInterval:   2 * time.Second,
			ProgressMinDelta:   5,
			ExpectedMemoChars:  12000,
			MaxExtractedChars:  120000,
			DrainTimeout:       20 * time.Second,
			LeaseTTL:           30 * time.Second,
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.Mode = getEnv("GIN_MODE", cfg.Server.Mode)
	cfg.Server.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.HeartbeatInterval = getEnvAsDuration("STREAM_HEARTBEAT_INTERVAL", cfg.Server.HeartbeatInterval)
	cfg.Server.MaxUploadBytes = int64(getEnvAsInt("MAX_UPLOAD_BYTES", int(cfg.Server.MaxUploadBytes)))
	cfg.Server.AllowedOrigin = getEnv("CORS_ALLOWED_ORIGIN", cfg.Server.AllowedOrigin)

	cfg.Database.Driver = getEnv("DB_DRIVER", cfg.Database.Driver)
	cfg.Database.URL = getEnv("DATABASE_URL", cfg.Database.URL)
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnv("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Name = getEnv("DB_NAME", cfg.Database.Name)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)
	cfg.Database.Path = getEnv("DB_PATH", cfg.Database.Path)

	cfg.Feed.Backend = getEnv("FEED_BACKEND", cfg.Feed.Backend)
	cfg.Feed.RedisAddr = getEnv("REDIS_ADDR", cfg.Feed.RedisAddr)
	cfg.Feed.RedisPassword = getEnv("REDIS_PASSWORD", cfg.Feed.RedisPassword)
	cfg.Feed.RedisDB = getEnvAsInt("REDIS_DB", cfg.Feed.RedisDB)
	cfg.Feed.ChannelPrefix = getEnv("FEED_CHANNEL_PREFIX", cfg.Feed.ChannelPrefix)

	cfg.Storage.Backend = getEnv("STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.LocalRoot = getEnv("STORAGE_LOCAL_ROOT", cfg.Storage.LocalRoot)
	cfg.Storage.GCSBucket = getEnv("GCS_BUCKET", cfg.Storage.GCSBucket)
	cfg.Storage.GCSPrefix = getEnv("GCS_PREFIX", cfg.Storage.GCSPrefix)

	cfg.OCR.BaseURL = getEnv("OCR_BASE_URL", cfg.OCR.BaseURL)
	cfg.OCR.APIKey = getEnv("OCR_API_KEY", cfg.OCR.APIKey)
	cfg.OCR.Model = getEnv("OCR_MODEL", cfg.OCR.Model)
	cfg.OCR.Timeout = getEnvAsDuration("OCR_TIMEOUT", cfg.OCR.Timeout)

	applyLLMEnv("QUICK_FACTS", &cfg.QuickFacts)
	applyLLMEnv("SYNTHESIS", &cfg.Synthesis)

	cfg.Pipeline.MaxAttempts = getEnvAsInt("PIPELINE_MAX_ATTEMPTS", cfg.Pipeline.MaxAttempts)
	cfg.Pipeline.BaseDelay = getEnvAsDuration("PIPELINE_BASE_DELAY", cfg.Pipeline.BaseDelay)
	cfg.Pipeline.MaxDelay = getEnvAsDuration("PIPELINE_MAX_DELAY", cfg.Pipeline.MaxDelay)
	cfg.Pipeline.QuickFactsAttempts = getEnvAsInt("PIPELINE_QUICK_FACTS_ATTEMPTS", cfg.Pipeline.QuickFactsAttempts)
	cfg.Pipeline.OverlapQuickFacts = getEnvAsBool("PIPELINE_OVERLAP_QUICK_FACTS", cfg.Pipeline.OverlapQuickFacts)
	cfg.Pipeline.MaxConcurrentRuns = int64(getEnvAsInt("PIPELINE_MAX_CONCURRENT_RUNS", int(cfg.Pipeline.MaxConcurrentRuns)))
	cfg.Pipeline.ProgressInterval = getEnvAsDuration("PIPELINE_PROGRESS_INTERVAL", cfg.Pipeline.ProgressInterval)
	cfg.Pipeline.ProgressMinDelta = getEnvAsInt("PIPELINE_PROGRESS_MIN_DELTA", cfg.Pipeline.ProgressMinDelta)
	cfg.Pipeline.ExpectedMemoChars = getEnvAsInt("PIPELINE_EXPECTED_MEMO_CHARS", cfg.Pipeline.ExpectedMemoChars)
	cfg.Pipeline.MaxExtractedChars = getEnvAsInt("PIPELINE_MAX_EXTRACTED_CHARS", cfg.Pipeline.MaxExtractedChars)
	cfg.Pipeline.DrainTimeout = getEnvAsDuration("PIPELINE_DRAIN_TIMEOUT", cfg.Pipeline.DrainTimeout)
	cfg.Pipeline.LeaseTTL = getEnvAsDuration("PIPELINE_LEASE_TTL", cfg.Pipeline.LeaseTTL)

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
}

func applyLLMEnv(prefix string, c *LLMConfig) {
	c.Provider = getEnv(prefix+"_PROVIDER", c.Provider)
	c.BaseURL = getEnv(prefix+"_BASE_URL", c.BaseURL)
	c.APIKey = getEnv(prefix+"_API_KEY", getEnv("LLM_API_KEY", c.APIKey))
	c.Model = getEnv(prefix+"_MODEL", c.Model)
	c.Timeout = getEnvAsDuration(prefix+"_TIMEOUT", c.Timeout)
	c.Temperature = getEnvAsFloat(prefix+"_TEMPERATURE", c.Temperature)
	c.MaxTokens = getEnvAsInt(prefix+"_MAX_TOKENS", c.MaxTokens)
}

// Validate checks that the settings are usable.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	switch c.Feed.Backend {
	case "memory", "redis":
	case "postgres":
		if c.Database.Driver != "postgres" {
			return fmt.Errorf("FEED_BACKEND=postgres requires DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unsupported FEED_BACKEND %q", c.Feed.Backend)
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalRoot == "" {
			return fmt.Errorf("STORAGE_LOCAL_ROOT is required for local storage")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required for gcs storage")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", c.Storage.Backend)
	}
	for name, l := range map[string]LLMConfig{"QUICK_FACTS": c.QuickFacts, "SYNTHESIS": c.Synthesis} {
		if l.Provider != "openai" && l.Provider != "ollama" {
			return fmt.Errorf("unsupported %s_PROVIDER %q", name, l.Provider)
		}
		if l.Model == "" {
			return fmt.Errorf("%s_MODEL is required", name)
		}
	}
	if c.Pipeline.MaxAttempts < 1 || c.Pipeline.QuickFactsAttempts < 1 {
		return fmt.Errorf("pipeline attempts must be at least 1")
	}
	if c.Pipeline.BaseDelay <= 0 || c.Pipeline.MaxDelay < c.Pipeline.BaseDelay {
		return fmt.Errorf("pipeline delays must satisfy 0 < base <= max")
	}
	if c.Pipeline.MaxConcurrentRuns < 1 {
		return fmt.Errorf("PIPELINE_MAX_CONCURRENT_RUNS must be positive")
	}
	if c.Pipeline.LeaseTTL <= 0 {
		return fmt.Errorf("PIPELINE_LEASE_TTL must be positive")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	switch strings.ToLower(getEnv(key, "")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
