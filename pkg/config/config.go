// Package config loads and validates loader configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Elastic, Ingest, Kafka, Postgres, Redis, Logging, Metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level loader configuration.
type Config struct {
	Elastic  ElasticConfig  `yaml:"elastic"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ElasticConfig holds the Elasticsearch connection and index naming
// parameters.
type ElasticConfig struct {
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	IndexPrefix string `yaml:"indexPrefix"`
	Task        string `yaml:"task"`
	Replicas    int    `yaml:"replicas"`
}

// IngestConfig controls batching, worker counts, and failure policy for the
// load pipeline.
type IngestConfig struct {
	CacheSize        int           `yaml:"cacheSize"`
	Workers          int           `yaml:"workers"`
	LayerParallelism int           `yaml:"layerParallelism"`
	MaxAttempts      int           `yaml:"maxAttempts"`
	RetryDelay       time.Duration `yaml:"retryDelay"`
	BulkTimeout      time.Duration `yaml:"bulkTimeout"`
	SkipBroken       bool          `yaml:"skipBroken"`
}

// KafkaConfig holds the optional completion-event producer settings.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// PostgresConfig holds the optional run-ledger database parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
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

// RedisConfig holds the optional ingest run-lock parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	LockTTL  time.Duration `yaml:"lockTTL"`
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
	return cfg, nil
}

// defaultConfig returns a Config with defaults matching a local single-node
// Elasticsearch.
func defaultConfig() *Config {
	return &Config{
		Elastic: ElasticConfig{
			URL:         "http://localhost:9200",
			Username:    "elastic",
			Password:    "changeme",
			IndexPrefix: "osm",
			Task:        "planet",
			Replicas:    0,
		},
		Ingest: IngestConfig{
			CacheSize:        5000,
			Workers:          1,
			LayerParallelism: 6,
			MaxAttempts:      3,
			RetryDelay:       time.Second,
			BulkTimeout:      60 * time.Second,
			SkipBroken:       true,
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topic:   "osm-layer-complete",
		},
		Postgres: PostgresConfig{
			Enabled:         false,
			Host:            "localhost",
			Port:            5432,
			Database:        "osm2es",
			User:            "osm2es",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 4,
			LockTTL:  2 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads OSM2ES_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OSM2ES_ES_URL"); v != "" {
		cfg.Elastic.URL = v
	}
	if v := os.Getenv("OSM2ES_ES_USER"); v != "" {
		cfg.Elastic.Username = v
	}
	if v := os.Getenv("OSM2ES_ES_PWD"); v != "" {
		cfg.Elastic.Password = v
	}
	if v := os.Getenv("OSM2ES_INDEX_PREFIX"); v != "" {
		cfg.Elastic.IndexPrefix = v
	}
	if v := os.Getenv("OSM2ES_TASK"); v != "" {
		cfg.Elastic.Task = v
	}
	if v := os.Getenv("OSM2ES_ES_REPLICAS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Elastic.Replicas = n
		}
	}
	if v := os.Getenv("OSM2ES_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.CacheSize = n
		}
	}
	if v := os.Getenv("OSM2ES_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.Workers = n
		}
	}
	if v := os.Getenv("OSM2ES_LAYER_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.LayerParallelism = n
		}
	}
	if v := os.Getenv("OSM2ES_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("OSM2ES_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("OSM2ES_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("OSM2ES_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("OSM2ES_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OSM2ES_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("OSM2ES_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = n
			cfg.Metrics.Enabled = true
		}
	}
}

// Validate rejects configurations that cannot produce a usable run.
func (c *Config) Validate() error {
	if c.Elastic.URL == "" {
		return fmt.Errorf("elastic.url must not be empty")
	}
	if c.Elastic.IndexPrefix == "" {
		return fmt.Errorf("elastic.indexPrefix must not be empty")
	}
	if c.Elastic.Replicas < 0 {
		return fmt.Errorf("elastic.replicas must not be negative")
	}
	if c.Ingest.CacheSize < 1 {
		return fmt.Errorf("ingest.cacheSize must be at least 1")
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be at least 1")
	}
	if c.Ingest.LayerParallelism < 1 {
		return fmt.Errorf("ingest.layerParallelism must be at least 1")
	}
	if c.Ingest.MaxAttempts < 1 {
		return fmt.Errorf("ingest.maxAttempts must be at least 1")
	}
	return nil
}
