// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Storage, Index, Indexer, Tracker).
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
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  StorageConfig  `yaml:"storage"`
	Index    IndexConfig    `yaml:"index"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings for the API service.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters for the tracker.
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

// TopicSet names the three event topics a collection flows through.
type TopicSet struct {
	Stored  string `yaml:"stored"`
	Indexed string `yaml:"indexed"`
	Failed  string `yaml:"failed"`
}

// KafkaConfig holds broker addresses, the consumer group, and per-collection
// topic names.
type KafkaConfig struct {
	Brokers       []string            `yaml:"brokers"`
	ConsumerGroup string              `yaml:"consumerGroup"`
	Topics        map[string]TopicSet `yaml:"topics"`
}

// TopicsFor returns the topic set for a collection name.
func (k KafkaConfig) TopicsFor(collection string) (TopicSet, error) {
	ts, ok := k.Topics[collection]
	if !ok {
		return TopicSet{}, fmt.Errorf("no topics configured for collection %q", collection)
	}
	return ts, nil
}

// RedisConfig holds Redis connection and search-cache parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// StorageConfig selects the object storage backend. Kind is "filesystem" or
// "memory"; Root is the filesystem base directory (one subdirectory per
// collection).
type StorageConfig struct {
	Kind string `yaml:"kind"`
	Root string `yaml:"root"`
}

// IndexConfig controls where physical indexes live and how often the write
// side snapshots / the read side reloads.
type IndexConfig struct {
	Dir          string        `yaml:"dir"`
	SyncInterval time.Duration `yaml:"syncInterval"`
}

// IndexerConfig selects which collections the indexer process runs loops for.
type IndexerConfig struct {
	Collections []string `yaml:"collections"`
}

// TrackerConfig controls the status tracker's HTTP port and insert batching.
type TrackerConfig struct {
	Port          int           `yaml:"port"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	BatchSize     int           `yaml:"batchSize"`
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
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the services cannot start with.
func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka: at least one broker is required")
	}
	switch c.Storage.Kind {
	case "filesystem", "memory":
	default:
		return fmt.Errorf("storage: unknown kind %q", c.Storage.Kind)
	}
	for _, name := range c.Indexer.Collections {
		if _, err := c.Kafka.TopicsFor(name); err != nil {
			return fmt.Errorf("indexer: %w", err)
		}
	}
	return nil
}

// defaultConfig returns a Config with defaults suitable for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  25 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "harbinger",
			User:            "harbinger",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "harbinger-indexer",
			Topics: map[string]TopicSet{
				"sbom": {Stored: "sbom-stored", Indexed: "sbom-indexed", Failed: "sbom-failed"},
				"vex":  {Stored: "vex-stored", Indexed: "vex-indexed", Failed: "vex-failed"},
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Storage: StorageConfig{
			Kind: "filesystem",
			Root: "data",
		},
		Index: IndexConfig{
			Dir:          "",
			SyncInterval: 10 * time.Second,
		},
		Indexer: IndexerConfig{
			Collections: []string{"sbom", "vex"},
		},
		Tracker: TrackerConfig{
			Port:          8083,
			FlushInterval: 2 * time.Second,
			BatchSize:     64,
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

// applyEnvOverrides reads HB_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HB_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("HB_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("HB_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("HB_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("HB_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("HB_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("HB_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("HB_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("HB_KAFKA_CONSUMER_GROUP"); v != "" {
		cfg.Kafka.ConsumerGroup = v
	}
	if v := os.Getenv("HB_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("HB_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("HB_STORAGE_KIND"); v != "" {
		cfg.Storage.Kind = v
	}
	if v := os.Getenv("HB_STORAGE_ROOT"); v != "" {
		cfg.Storage.Root = v
	}
	if v := os.Getenv("HB_INDEX_DIR"); v != "" {
		cfg.Index.Dir = v
	}
	if v := os.Getenv("HB_INDEXER_COLLECTIONS"); v != "" {
		cfg.Indexer.Collections = strings.Split(v, ",")
	}
	if v := os.Getenv("HB_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HB_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("HB_TRACKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Tracker.Port = port
		}
	}
}
