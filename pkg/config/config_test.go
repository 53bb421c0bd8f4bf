package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9200", cfg.Elastic.URL)
	assert.Equal(t, "osm", cfg.Elastic.IndexPrefix)
	assert.Equal(t, "planet", cfg.Elastic.Task)
	assert.Equal(t, 0, cfg.Elastic.Replicas)
	assert.Equal(t, 5000, cfg.Ingest.CacheSize)
	assert.Equal(t, 1, cfg.Ingest.Workers)
	assert.Equal(t, 6, cfg.Ingest.LayerParallelism)
	assert.Equal(t, 3, cfg.Ingest.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Ingest.BulkTimeout)
	assert.True(t, cfg.Ingest.SkipBroken)
	assert.False(t, cfg.Kafka.Enabled)
	assert.False(t, cfg.Postgres.Enabled)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
elastic:
  url: https://search.example.com:9200
  indexPrefix: geo
  task: europe
  replicas: 2
ingest:
  cacheSize: 1000
  workers: 4
  layerParallelism: 3
  skipBroken: false
kafka:
  enabled: true
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  topic: geo-layer-complete
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://search.example.com:9200", cfg.Elastic.URL)
	assert.Equal(t, "geo", cfg.Elastic.IndexPrefix)
	assert.Equal(t, "europe", cfg.Elastic.Task)
	assert.Equal(t, 2, cfg.Elastic.Replicas)
	assert.Equal(t, 1000, cfg.Ingest.CacheSize)
	assert.Equal(t, 4, cfg.Ingest.Workers)
	assert.Equal(t, 3, cfg.Ingest.LayerParallelism)
	assert.False(t, cfg.Ingest.SkipBroken)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// values the file does not mention keep their defaults
	assert.Equal(t, "elastic", cfg.Elastic.Username)
	assert.Equal(t, 3, cfg.Ingest.MaxAttempts)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, "elastic: [not a mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OSM2ES_ES_URL", "http://es.internal:9200")
	t.Setenv("OSM2ES_TASK", "berlin")
	t.Setenv("OSM2ES_ES_REPLICAS", "3")
	t.Setenv("OSM2ES_CACHE_SIZE", "250")
	t.Setenv("OSM2ES_KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://es.internal:9200", cfg.Elastic.URL)
	assert.Equal(t, "berlin", cfg.Elastic.Task)
	assert.Equal(t, 3, cfg.Elastic.Replicas)
	assert.Equal(t, 250, cfg.Ingest.CacheSize)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeConfig(t, `
elastic:
  url: http://from-file:9200
`)
	t.Setenv("OSM2ES_ES_URL", "http://from-env:9200")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env:9200", cfg.Elastic.URL)
}

func TestEnvOverrideIgnoresUnparsableNumbers(t *testing.T) {
	t.Setenv("OSM2ES_WORKERS", "many")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Ingest.Workers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty url", func(c *Config) { c.Elastic.URL = "" }},
		{"empty prefix", func(c *Config) { c.Elastic.IndexPrefix = "" }},
		{"negative replicas", func(c *Config) { c.Elastic.Replicas = -1 }},
		{"zero cache size", func(c *Config) { c.Ingest.CacheSize = 0 }},
		{"zero workers", func(c *Config) { c.Ingest.Workers = 0 }},
		{"zero parallelism", func(c *Config) { c.Ingest.LayerParallelism = 0 }},
		{"zero attempts", func(c *Config) { c.Ingest.MaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{
		Host:     "db.internal",
		Port:     5433,
		Database: "ledger",
		User:     "ingest",
		Password: "secret",
		SSLMode:  "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=ingest password=secret dbname=ledger sslmode=require",
		p.DSN(),
	)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
