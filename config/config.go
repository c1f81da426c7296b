package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"

	// DefaultChunkSize is the upload chunk size expected by the analysis API.
	DefaultChunkSize = 5 * 1024 * 1024
)

type Config struct {
	// Server settings
	ServerPort      string        `toml:"server_port"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	IdleTimeout     time.Duration `toml:"idle_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`

	// Logging
	LogDir    string `toml:"log_dir"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	// Storage paths
	DBPath          string `toml:"db_path"`
	DownloadDir     string `toml:"download_dir"`
	SampleLinksPath string `toml:"sample_links_path"`

	// Browser sessions untouched for this long are dropped.
	SessionIdleTimeout time.Duration `toml:"session_idle_timeout"`

	// Inbound rate limiting
	RateLimit         int           `toml:"rate_limit"`
	RateLimitInterval time.Duration `toml:"rate_limit_interval"`

	AssemblyAI AssemblyAIConfig `toml:"assemblyai"`
	Archive    ArchiveConfig    `toml:"archive"`
}

type AssemblyAIConfig struct {
	APIKey          string     `toml:"api_key"`
	BaseURL         string     `toml:"base_url"`
	UploadChunkSize int        `toml:"upload_chunk_size"`
	SummaryModel    string     `toml:"summary_model"`
	SummaryType     string     `toml:"summary_type"`
	Poll            PollConfig `toml:"poll"`
}

// PollConfig controls how a submitted job is polled. Zero MaxAttempts and
// Timeout mean unlimited.
type PollConfig struct {
	Interval    time.Duration `toml:"interval"`
	MaxInterval time.Duration `toml:"max_interval"`
	Backoff     string        `toml:"backoff"`
	Multiplier  float64       `toml:"multiplier"`
	MaxAttempts int           `toml:"max_attempts"`
	Timeout     time.Duration `toml:"timeout"`
}

// ArchiveConfig points at an S3-compatible bucket for report archiving.
type ArchiveConfig struct {
	Bucket    string `toml:"bucket"`
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Prefix    string `toml:"prefix"`
}

func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

func defaults() *Config {
	return &Config{
		ServerPort:      "8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,

		LogDir:    "./logs",
		LogLevel:  "info",
		LogFormat: "text",

		DBPath:          "./data/reports.db",
		DownloadDir:     "./downloads",
		SampleLinksPath: "./links.txt",

		SessionIdleTimeout: 2 * time.Hour,

		RateLimit:         5,
		RateLimitInterval: 1 * time.Second,

		AssemblyAI: AssemblyAIConfig{
			BaseURL:         "https://api.assemblyai.com",
			UploadChunkSize: DefaultChunkSize,
			SummaryModel:    "informative",
			SummaryType:     "bullets",
			Poll: PollConfig{
				Interval:    10 * time.Second,
				MaxInterval: 10 * time.Second,
				Backoff:     BackoffFixed,
				Multiplier:  2.0,
			},
		},

		Archive: ArchiveConfig{
			Region: "us-east-1",
			Prefix: "reports",
		},
	}
}

// Load builds the configuration from defaults, an optional TOML file named by
// CONFIG_FILE, and environment variables (a .env file is read first if present).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("Failed to read .env file")
	}

	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to decode config file %s", path)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ServerPort = GetEnv("SERVER_PORT", cfg.ServerPort)
	cfg.ReadTimeout = getEnvAsDuration("READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = getEnvAsDuration("WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = getEnvAsDuration("IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.LogDir = GetEnv("LOG_DIR", cfg.LogDir)
	cfg.LogLevel = GetEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = GetEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.DBPath = GetEnv("DB_PATH", cfg.DBPath)
	cfg.DownloadDir = GetEnv("DOWNLOAD_DIR", cfg.DownloadDir)
	cfg.SampleLinksPath = GetEnv("SAMPLE_LINKS_PATH", cfg.SampleLinksPath)

	cfg.SessionIdleTimeout = getEnvAsDuration("SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	cfg.RateLimit = getEnvAsInt("RATE_LIMIT", cfg.RateLimit)
	cfg.RateLimitInterval = getEnvAsDuration("RATE_LIMIT_INTERVAL", cfg.RateLimitInterval)

	a := &cfg.AssemblyAI
	a.APIKey = GetEnv("ASSEMBLYAI_API_KEY", a.APIKey)
	a.BaseURL = GetEnv("ASSEMBLYAI_BASE_URL", a.BaseURL)
	a.UploadChunkSize = getEnvAsInt("UPLOAD_CHUNK_SIZE", a.UploadChunkSize)
	a.SummaryModel = GetEnv("SUMMARY_MODEL", a.SummaryModel)
	a.SummaryType = GetEnv("SUMMARY_TYPE", a.SummaryType)
	a.Poll.Interval = getEnvAsDuration("POLL_INTERVAL", a.Poll.Interval)
	a.Poll.MaxInterval = getEnvAsDuration("POLL_MAX_INTERVAL", a.Poll.MaxInterval)
	a.Poll.Backoff = strings.ToLower(GetEnv("POLL_BACKOFF", a.Poll.Backoff))
	a.Poll.Multiplier = getEnvAsFloat("POLL_MULTIPLIER", a.Poll.Multiplier)
	a.Poll.MaxAttempts = getEnvAsInt("POLL_MAX_ATTEMPTS", a.Poll.MaxAttempts)
	a.Poll.Timeout = getEnvAsDuration("POLL_TIMEOUT", a.Poll.Timeout)

	ar := &cfg.Archive
	ar.Bucket = GetEnv("ARCHIVE_BUCKET", ar.Bucket)
	ar.Endpoint = GetEnv("ARCHIVE_ENDPOINT", ar.Endpoint)
	ar.Region = GetEnv("ARCHIVE_REGION", ar.Region)
	ar.AccessKey = GetEnv("ARCHIVE_ACCESS_KEY", ar.AccessKey)
	ar.SecretKey = GetEnv("ARCHIVE_SECRET_KEY", ar.SecretKey)
	ar.Prefix = GetEnv("ARCHIVE_PREFIX", ar.Prefix)
}

func (c *Config) Validate() error {
	if c.AssemblyAI.APIKey == "" {
		return errors.New("ASSEMBLYAI_API_KEY is not set")
	}
	if c.ServerPort == "" {
		return errors.New("server port is required")
	}
	if c.DBPath == "" {
		return errors.New("database path is required")
	}
	if c.DownloadDir == "" {
		return errors.New("download directory is required")
	}
	if c.ReadTimeout <= 0 {
		return errors.New("read timeout must be greater than 0")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be greater than 0")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("idle timeout must be greater than 0")
	}
	if c.SessionIdleTimeout <= 0 {
		return errors.New("session idle timeout must be greater than 0")
	}
	if c.RateLimit <= 0 || c.RateLimitInterval <= 0 {
		return errors.New("rate limit and interval must be greater than 0")
	}
	return c.AssemblyAI.validate()
}

func (a AssemblyAIConfig) validate() error {
	if a.BaseURL == "" {
		return errors.New("assemblyai base URL is required")
	}
	if a.UploadChunkSize <= 0 {
		return errors.New("upload chunk size must be greater than 0")
	}
	p := a.Poll
	if p.Interval <= 0 {
		return errors.New("poll interval must be greater than 0")
	}
	if p.MaxAttempts < 0 || p.Timeout < 0 {
		return errors.New("poll max attempts and timeout must not be negative")
	}
	switch p.Backoff {
	case BackoffFixed:
	case BackoffExponential:
		if p.Multiplier < 1 {
			return errors.New("poll multiplier must be at least 1")
		}
		if p.MaxInterval < p.Interval {
			return errors.New("poll max interval must not be below the poll interval")
		}
	default:
		return errors.Errorf("unknown poll backoff %q", p.Backoff)
	}
	return nil
}

// EnsureDirs creates the directories the service writes into.
func (c *Config) EnsureDirs() error {
	paths := []struct {
		path string
		name string
	}{
		{c.LogDir, "log directory"},
		{c.DownloadDir, "download directory"},
		{filepath.Dir(c.DBPath), "database directory"},
	}

	for _, p := range paths {
		if err := os.MkdirAll(p.path, 0755); err != nil {
			return errors.Wrapf(err, "failed to create %s", p.name)
		}
	}

	return nil
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		logrus.WithFields(logrus.Fields{
			"key":          key,
			"value":        value,
			"defaultValue": defaultValue,
		}).Warn("Invalid duration, using default")
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		logrus.WithFields(logrus.Fields{
			"key":          key,
			"value":        value,
			"defaultValue": defaultValue,
		}).Warn("Invalid integer, using default")
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		logrus.WithFields(logrus.Fields{
			"key":          key,
			"value":        value,
			"defaultValue": defaultValue,
		}).Warn("Invalid float, using default")
	}
	return defaultValue
}
