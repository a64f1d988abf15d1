package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
)

const (
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"

	DefaultBaselineInterval = 20
	DefaultAutoSaveInterval = 300 * time.Second
)

var ErrInvalidValue = errors.New("invalid environment value")

type Config struct {
	Environment string
	LogFormat   string
	LogLevel    string

	StorageDriver string
	SQLitePath    string
	PostgresURL   string

	RedisURL string
	CacheTTL time.Duration

	BaselineInterval int
	AutoSaveInterval time.Duration
	DiffStrategy     string
	Compression      bool

	ReadRetries  int
	RetryBackoff time.Duration

	FeaturesFile string
	CORSOrigins  []string
	AuthFile     string

	Capabilities Capabilities
}

// Load reads an optional .env file, overlays the feature file named by
// HISTORYDB_FEATURES_FILE (or the embedded defaults) and then the
// environment, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := Default()
	cfg.FeaturesFile = getEnv("HISTORYDB_FEATURES_FILE", "")

	features, err := DefaultFeatures()
	if err != nil {
		return nil, err
	}
	if cfg.FeaturesFile != "" {
		features, err = LoadFeatures(cfg.FeaturesFile)
		if err != nil {
			return nil, err
		}
	}
	features.ApplyTo(cfg)

	cfg.Environment = getEnv("HISTORYDB_ENV", cfg.Environment)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.LogLevel = getEnv("LOG_LEVEL", defaultLogLevel(cfg.Environment))
	cfg.StorageDriver = getEnv("HISTORYDB_STORAGE", StorageSQLite)
	cfg.SQLitePath = getEnv("HISTORYDB_SQLITE_PATH", "./data/history.db")
	cfg.PostgresURL = getEnv("HISTORYDB_POSTGRES_URL", "")
	cfg.RedisURL = getEnv("HISTORYDB_REDIS_URL", "")
	cfg.DiffStrategy = getEnv("HISTORYDB_DIFF_STRATEGY", cfg.DiffStrategy)
	cfg.CORSOrigins = splitList(getEnv("HISTORYDB_CORS_ORIGINS", strings.Join(cfg.CORSOrigins, ",")))
	cfg.AuthFile = getEnv("HISTORYDB_AUTH_FILE", "")

	var env envParser
	cfg.CacheTTL = time.Duration(env.Int("HISTORYDB_CACHE_TTL_SECONDS", int(cfg.CacheTTL/time.Second))) * time.Second
	cfg.BaselineInterval = env.Int("HISTORYDB_BASELINE_INTERVAL", cfg.BaselineInterval)
	cfg.AutoSaveInterval = time.Duration(env.Int("HISTORYDB_AUTOSAVE_SECONDS", int(cfg.AutoSaveInterval/time.Second))) * time.Second
	cfg.Compression = env.Bool("HISTORYDB_COMPRESSION", cfg.Compression)
	cfg.ReadRetries = env.Int("HISTORYDB_READ_RETRIES", cfg.ReadRetries)
	cfg.RetryBackoff = time.Duration(env.Int("HISTORYDB_RETRY_BACKOFF_MS", int(cfg.RetryBackoff/time.Millisecond))) * time.Millisecond
	if env.err != nil {
		return nil, env.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is set, suitable
// for embedding hosts and tests.
func Default() *Config {
	return &Config{
		Environment:      "dev",
		LogFormat:        "text",
		LogLevel:         "info",
		StorageDriver:    StorageMemory,
		CacheTTL:         10 * time.Minute,
		BaselineInterval: DefaultBaselineInterval,
		AutoSaveInterval: DefaultAutoSaveInterval,
		DiffStrategy:     "line",
		Compression:      true,
		ReadRetries:      3,
		RetryBackoff:     200 * time.Millisecond,
		CORSOrigins:      []string{"http://localhost:3000"},
		Capabilities:     DefaultCapabilities(),
	}
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Environment, validation.Required, validation.In("dev", "test", "prod")),
		validation.Field(&c.LogFormat, validation.In("text", "json")),
		validation.Field(&c.StorageDriver, validation.Required, validation.In(StorageSQLite, StoragePostgres, StorageMemory)),
		validation.Field(&c.SQLitePath, validation.When(c.StorageDriver == StorageSQLite, validation.Required)),
		validation.Field(&c.PostgresURL, validation.When(c.StorageDriver == StoragePostgres, validation.Required)),
		validation.Field(&c.BaselineInterval, validation.Required, validation.Min(1)),
		validation.Field(&c.AutoSaveInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.DiffStrategy, validation.In("line", "char", "dmp")),
		validation.Field(&c.ReadRetries, validation.Min(0)),
		validation.Field(&c.RetryBackoff, validation.Min(time.Duration(0))),
	)
}

func defaultLogLevel(env string) string {
	if env == "dev" {
		return "debug"
	}
	return "info"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envParser reads typed variables and keeps the first malformed one.
type envParser struct {
	err error
}

func (p *envParser) Int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value)
		return defaultValue
	}
	return n
}

func (p *envParser) Bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.fail(key, value)
		return defaultValue
	}
	return b
}

func (p *envParser) fail(key, value string) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, value)
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
