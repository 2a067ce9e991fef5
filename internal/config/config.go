package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/cropguard-api/internal/imagecodec"
	"github.com/Brownie44l1/cropguard-api/internal/treatment"
)

// Config is the full server configuration. Values come from defaults, then
// the YAML file, then environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	Treatment TreatmentConfig `yaml:"treatment"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Sentry    SentryConfig    `yaml:"sentry"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int           `yaml:"max_upload_bytes"`
	Release         bool          `yaml:"release"`
}

type ModelConfig struct {
	Path           string `yaml:"path"`
	MetadataPath   string `yaml:"metadata_path"`
	RuntimeLibrary string `yaml:"runtime_library"`
	Workers        int    `yaml:"workers"`
	QueueSize      int    `yaml:"queue_size"`
	// Threads is the intra-op thread count per session; 0 keeps the runtime default.
	Threads      int    `yaml:"threads"`
	ResizePolicy string `yaml:"resize_policy"`
	MaxPixels    int    `yaml:"max_pixels"`
	Device       string `yaml:"device"`
}

type TreatmentConfig struct {
	Strategy          string        `yaml:"strategy"`
	Enrich            bool          `yaml:"enrich"`
	Timeout           time.Duration `yaml:"timeout"`
	KnowledgeBasePath string        `yaml:"knowledge_base_path"`
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
}

type RedisConfig struct {
	// Address enables the treatment cache when set.
	Address        string        `yaml:"address"`
	MaxConnections int           `yaml:"max_connections"`
	TTL            time.Duration `yaml:"ttl"`
}

type AuthConfig struct {
	// JWTSecret enables bearer authentication on the API when set.
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxUploadBytes:  imagecodec.DefaultMaxBytes,
		},
		Model: ModelConfig{
			Path:         "models/model.onnx",
			MetadataPath: "models/model_metadata.json",
			Workers:      2,
			QueueSize:    32,
			ResizePolicy: string(imagecodec.ResizeStretch),
			MaxPixels:    imagecodec.DefaultMaxPixels,
			Device:       "cpu",
		},
		Treatment: TreatmentConfig{
			Strategy: string(treatment.StrategyAuto),
			Enrich:   true,
			Timeout:  treatment.DefaultTimeout,
			BaseURL:  treatment.DefaultBaseURL,
			Model:    treatment.DefaultModel,
		},
		Redis: RedisConfig{
			MaxConnections: 10,
			TTL:            treatment.DefaultCacheTTL,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Model.Path = getEnv("MODEL_PATH", c.Model.Path)
	c.Model.MetadataPath = getEnv("MODEL_METADATA_PATH", c.Model.MetadataPath)
	c.Model.RuntimeLibrary = getEnv("ONNXRUNTIME_LIB", c.Model.RuntimeLibrary)
	c.Model.Workers = getEnvInt("WORKERS", c.Model.Workers)
	c.Model.QueueSize = getEnvInt("QUEUE_SIZE", c.Model.QueueSize)
	c.Treatment.APIKey = getEnv("OPENROUTER_API_KEY", c.Treatment.APIKey)
	c.Treatment.BaseURL = getEnv("OPENROUTER_BASE_URL", c.Treatment.BaseURL)
	c.Treatment.Model = getEnv("OPENROUTER_MODEL", c.Treatment.Model)
	c.Treatment.Strategy = getEnv("TREATMENT_STRATEGY", c.Treatment.Strategy)
	c.Redis.Address = getEnv("REDIS_ADDRESS", c.Redis.Address)
	c.Sentry.DSN = getEnv("SENTRY_DSN", c.Sentry.DSN)
	c.Auth.JWTSecret = getEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.request_timeout must be positive"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	if c.Model.Path == "" || c.Model.MetadataPath == "" {
		errs = append(errs, errors.New("model.path and model.metadata_path are required"))
	}
	if c.Model.Workers <= 0 {
		errs = append(errs, fmt.Errorf("model.workers must be positive, got %d", c.Model.Workers))
	}
	if c.Model.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("model.queue_size must be positive, got %d", c.Model.QueueSize))
	}
	switch imagecodec.ResizePolicy(c.Model.ResizePolicy) {
	case imagecodec.ResizeStretch, imagecodec.ResizeCenterCrop:
	default:
		errs = append(errs, fmt.Errorf("model.resize_policy %q is not stretch or center_crop", c.Model.ResizePolicy))
	}
	if _, err := treatment.ParseStrategy(c.Treatment.Strategy); err != nil {
		errs = append(errs, err)
	}
	if treatment.Strategy(c.Treatment.Strategy) == treatment.StrategyGenerative && c.Treatment.APIKey == "" {
		errs = append(errs, errors.New("treatment.strategy generative requires OPENROUTER_API_KEY"))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) ConfigureLogging() {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if c.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warnf("[Config] Ignoring %s=%q: not an integer", key, value)
	}
	return defaultValue
}
