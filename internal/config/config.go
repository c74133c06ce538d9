package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type ServerConfig struct {
	Port           int    `yaml:"port"`
	SessionSecret  string `yaml:"session_secret"`   // HMAC secret for session JWTs
	InternalAPIKey string `yaml:"internal_api_key"` // bearer key for /internal endpoints
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // cache decorator TTL
}

type WorkerConfig struct {
	PoolSize        int           `yaml:"pool_size"`
	ConversationCap int           `yaml:"conversation_cap"` // concurrent running jobs per conversation
	QueueDepth      int           `yaml:"queue_depth"`      // global backpressure ceiling
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	LoadTimeout     time.Duration `yaml:"load_timeout"`
}

type DatasetConfig struct {
	MaxDownloadBytes int64         `yaml:"max_download_bytes"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	AllowPrivateNets bool          `yaml:"allow_private_nets"` // tests/dev only
}

type QueryConfig struct {
	MaxResultRows      int   `yaml:"max_result_rows"`
	SoftHeapLimitBytes int64 `yaml:"soft_heap_limit_bytes"`
}

type RateLimitConfig struct {
	DailyTokenCeiling int64         `yaml:"daily_token_ceiling"`
	WarnThreshold     float64       `yaml:"warn_threshold"`
	Window            time.Duration `yaml:"window"`
}

type StreamConfig struct {
	BufferSize int `yaml:"buffer_size"` // events buffered per connection
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Worker    WorkerConfig    `yaml:"worker"`
	Dataset   DatasetConfig   `yaml:"dataset"`
	Query     QueryConfig     `yaml:"query"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Stream    StreamConfig    `yaml:"stream"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Server.SessionSecret == "" {
		return nil, errors.New("server.session_secret is required")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

// ApplyDefaults fills in the documented defaults for anything the file
// leaves unset.
func (cfg *Config) ApplyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 2 * time.Second
	}
	if cfg.Worker.PoolSize <= 0 {
		cfg.Worker.PoolSize = 4
	}
	if cfg.Worker.ConversationCap <= 0 {
		cfg.Worker.ConversationCap = 2
	}
	if cfg.Worker.QueueDepth <= 0 {
		cfg.Worker.QueueDepth = 64
	}
	if cfg.Worker.QueryTimeout <= 0 {
		cfg.Worker.QueryTimeout = 30 * time.Second
	}
	if cfg.Worker.LoadTimeout <= 0 {
		cfg.Worker.LoadTimeout = 60 * time.Second
	}
	if cfg.Dataset.MaxDownloadBytes <= 0 {
		cfg.Dataset.MaxDownloadBytes = 100 << 20
	}
	if cfg.Dataset.FetchTimeout <= 0 {
		cfg.Dataset.FetchTimeout = 45 * time.Second
	}
	if cfg.Query.MaxResultRows <= 0 {
		cfg.Query.MaxResultRows = 10000
	}
	if cfg.Query.SoftHeapLimitBytes <= 0 {
		cfg.Query.SoftHeapLimitBytes = 256 << 20
	}
	if cfg.RateLimit.DailyTokenCeiling <= 0 {
		cfg.RateLimit.DailyTokenCeiling = 5_000_000
	}
	if cfg.RateLimit.WarnThreshold <= 0 {
		cfg.RateLimit.WarnThreshold = 0.80
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = 24 * time.Hour
	}
	if cfg.Stream.BufferSize <= 0 {
		cfg.Stream.BufferSize = 64
	}
}
