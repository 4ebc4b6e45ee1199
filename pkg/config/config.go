// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Corpus, Engine, Search, Worker, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Corpus    CorpusConfig    `yaml:"corpus"`
	Engine    EngineConfig    `yaml:"engine"`
	Search    SearchConfig    `yaml:"search"`
	Worker    WorkerConfig    `yaml:"worker"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// CORSOrigins lists browser origins allowed to call the API; "*" allows any.
	CORSOrigins []string `yaml:"corsOrigins"`
	// RateLimit is the per-client request budget per minute on /api/ routes.
	// Zero disables limiting.
	RateLimit int `yaml:"rateLimit"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	AnalyticsEvents string `yaml:"analyticsEvents"`
	CorpusUpdates   string `yaml:"corpusUpdates"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// CorpusConfig selects where the document corpus is loaded from.
type CorpusConfig struct {
	Source string `yaml:"source"`
	Path   string `yaml:"path"`
	Table  string `yaml:"table"`
}

// MaxEngineResults caps how many ranked results the engine returns per search.
const MaxEngineResults = 20

// EngineConfig controls the background query engine.
type EngineConfig struct {
	// UnbuiltPolicy is one of "reject", "queue" or "drop".
	UnbuiltPolicy string `yaml:"unbuiltPolicy"`
	InboxSize     int    `yaml:"inboxSize"`
	MaxQueued     int    `yaml:"maxQueued"`
	MaxResults    int    `yaml:"maxResults"`
}

// SearchConfig controls the search client and HTTP surface.
type SearchConfig struct {
	DefaultLimit   int           `yaml:"defaultLimit"`
	MaxResults     int           `yaml:"maxResults"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	BuildTimeout   time.Duration `yaml:"buildTimeout"`
	CacheSize      int           `yaml:"cacheSize"`
}

// WorkerConfig tells the searcher whether the engine runs in-process or
// behind a remote worker at Addr.
type WorkerConfig struct {
	Remote bool   `yaml:"remote"`
	Addr   string `yaml:"addr"`
}

// AnalyticsConfig controls event batching and, when Postgres is
// reachable, periodic snapshots of the aggregated stats.
type AnalyticsConfig struct {
	BufferSize       int           `yaml:"bufferSize"`
	BatchSize        int           `yaml:"batchSize"`
	FlushInterval    time.Duration `yaml:"flushInterval"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch c.Engine.UnbuiltPolicy {
	case "reject", "queue", "drop":
	default:
		return fmt.Errorf("engine.unbuiltPolicy must be reject, queue or drop, got %q", c.Engine.UnbuiltPolicy)
	}
	switch c.Corpus.Source {
	case "file":
		if c.Corpus.Path == "" {
			return fmt.Errorf("corpus.path is required for the file source")
		}
	case "postgres":
		if c.Corpus.Table == "" {
			return fmt.Errorf("corpus.table is required for the postgres source")
		}
	default:
		return fmt.Errorf("corpus.source must be file or postgres, got %q", c.Corpus.Source)
	}
	if c.Search.MaxResults <= 0 || c.Engine.MaxResults <= 0 {
		return fmt.Errorf("search.maxResults and engine.maxResults must be positive")
	}
	if c.Engine.MaxResults > MaxEngineResults {
		return fmt.Errorf("engine.maxResults must be at most %d, got %d", MaxEngineResults, c.Engine.MaxResults)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rateLimit must not be negative")
	}
	if c.Worker.Remote && c.Worker.Addr == "" {
		return fmt.Errorf("worker.addr is required when worker.remote is set")
	}
	return nil
}

// defaultConfig returns a Config with defaults suitable for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       600,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "sitesearch",
			User:            "sitesearch",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "sitesearch-group",
			Topics: KafkaTopics{
				AnalyticsEvents: "search-analytics",
				CorpusUpdates:   "corpus-updates",
			},
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Corpus: CorpusConfig{
			Source: "file",
			Path:   "data/sites.json",
			Table:  "sites",
		},
		Engine: EngineConfig{
			UnbuiltPolicy: "reject",
			InboxSize:     256,
			MaxQueued:     1024,
			MaxResults:    20,
		},
		Search: SearchConfig{
			DefaultLimit:   20,
			MaxResults:     20,
			RequestTimeout: 5 * time.Second,
			BuildTimeout:   30 * time.Second,
			CacheSize:      1024,
		},
		Worker: WorkerConfig{
			Remote: false,
			Addr:   "localhost:9400",
		},
		Analytics: AnalyticsConfig{
			BufferSize:       10000,
			BatchSize:        100,
			FlushInterval:    5 * time.Second,
			SnapshotInterval: 0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads SS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SS_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SS_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("SS_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("SS_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("SS_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SS_KAFKA_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Kafka.Enabled = b
		}
	}
	if v := os.Getenv("SS_SERVER_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("SS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SS_REDIS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Redis.Enabled = b
		}
	}
	if v := os.Getenv("SS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SS_CORPUS_SOURCE"); v != "" {
		cfg.Corpus.Source = v
	}
	if v := os.Getenv("SS_CORPUS_PATH"); v != "" {
		cfg.Corpus.Path = v
	}
	if v := os.Getenv("SS_ENGINE_UNBUILT_POLICY"); v != "" {
		cfg.Engine.UnbuiltPolicy = v
	}
	if v := os.Getenv("SS_WORKER_REMOTE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Worker.Remote = b
		}
	}
	if v := os.Getenv("SS_WORKER_ADDR"); v != "" {
		cfg.Worker.Addr = v
	}
	if v := os.Getenv("SS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
