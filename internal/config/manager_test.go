package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/sheetsync/internal/config"
	_ "github.com/rzpsarthak13/sheetsync/internal/kvstore" // registers store validators
)

func localDefaults() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Remote.Enabled = false
	return cfg
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, 500, cfg.Dataset.Threshold)
	assert.Equal(t, 300, cfg.Source.MigrationBatchSize)
	assert.Equal(t, 5, cfg.Graph.MaxAttempts)
	assert.Len(t, cfg.Templates.Definitions, 8)

	assert.Error(t, config.ValidateConfig(cfg), "remote path needs credentials")
	assert.NoError(t, config.ValidateConfig(localDefaults()))
}

func TestDefaultTemplates(t *testing.T) {
	defs := config.DefaultTemplates()
	require.Len(t, defs, 8)
	assert.Equal(t, "electricas", defs[0].Disciplina)
	assert.Equal(t, "Electricas_Base_ES.xlsx", defs[0].Filename)
	assert.Equal(t, "Electricas_Reportes_ES.xlsx", defs[1].Filename)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
	}{
		{"missing store type", func(c *config.Config) { c.Store.Type = "" }},
		{"unknown store type", func(c *config.Config) { c.Store.Type = "cassandra" }},
		{"redis feed on memory store", func(c *config.Config) { c.Feed.Type = "redis" }},
		{"kafka feed without brokers", func(c *config.Config) { c.Feed.Type = "kafka"; c.Feed.Kafka.Brokers = nil }},
		{"unknown feed", func(c *config.Config) { c.Feed.Type = "sqs" }},
		{"zero threshold", func(c *config.Config) { c.Dataset.Threshold = 0 }},
		{"file schemas without path", func(c *config.Config) { c.Schemas.Source = "file" }},
		{"unknown schema source", func(c *config.Config) { c.Schemas.Source = "http" }},
		{"zero drain rate", func(c *config.Config) { c.Worker.DrainRate = 0 }},
		{"negative retries", func(c *config.Config) { c.Worker.MaxRetries = -1 }},
		{"negative retry delay", func(c *config.Config) { c.Worker.RetryDelay = -time.Second }},
		{"remote delays inverted", func(c *config.Config) {
			c.Remote.Enabled = true
			c.Graph.TenantID, c.Graph.ClientID, c.Graph.ClientSecret, c.Graph.UserID = "t", "c", "s", "u"
			c.Graph.MaxDelay = c.Graph.BaseDelay / 2
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := localDefaults()
			tt.modify(cfg)
			assert.Error(t, config.ValidateConfig(cfg))
		})
	}
}

func TestConfigManager_LoadFromYAML(t *testing.T) {
	cm := config.NewConfigManager()
	err := cm.LoadFromYAML([]byte(`
remote:
  enabled: false
dataset:
  threshold: 50
worker:
  drain_rate: 7
  poll_interval: 250ms
`))
	require.NoError(t, err)

	cfg := cm.GetConfig()
	assert.Equal(t, 50, cfg.Dataset.Threshold)
	assert.Equal(t, 400, cfg.Dataset.BatchSize, "unset fields keep their defaults")
	assert.Equal(t, 7, cfg.Worker.DrainRate)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)

	assert.Error(t, cm.LoadFromYAML([]byte("remote: [")))
}

func TestConfigManager_LoadFromJSON(t *testing.T) {
	cm := config.NewConfigManager()
	require.NoError(t, cm.LoadFromJSON([]byte(`{"remote":{"enabled":false},"source":{"collection":"activos"}}`)))
	assert.Equal(t, "activos", cm.GetConfig().Source.Collection)
}

func TestConfigManager_LoadFromFile(t *testing.T) {
	cm := config.NewConfigManager()

	require.NoError(t, cm.LoadFromFile(writeFile(t, "sheetsync.yml", "remote:\n  enabled: false\n")))
	assert.False(t, cm.GetConfig().Remote.Enabled)

	assert.Error(t, cm.LoadFromFile(writeFile(t, "sheetsync.toml", "")))
	assert.Error(t, cm.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestConfigManager_LoadFromEnv(t *testing.T) {
	cm := config.NewConfigManager()
	require.NoError(t, cm.LoadFromYAML([]byte("remote:\n  enabled: false\n")))

	t.Setenv("SHEETSYNC_FEED_TYPE", "kafka")
	t.Setenv("SHEETSYNC_FEED_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SHEETSYNC_DATASET_ENABLED", "false")
	t.Setenv("SHEETSYNC_WORKER_POLL_INTERVAL", "2s")
	t.Setenv("SHEETSYNC_WORKER_RETRY_DELAY", "250ms")
	t.Setenv("SHEETSYNC_WORKER_MAX_RETRIES", "not-a-number")
	t.Setenv("GRAPH_TENANT_ID", "tenant-from-env")
	require.NoError(t, cm.LoadFromEnv())

	cfg := cm.GetConfig()
	assert.Equal(t, "kafka", cfg.Feed.Type)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Feed.Kafka.Brokers)
	assert.False(t, cfg.Dataset.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Worker.MaxRetryDelay)
	assert.Equal(t, 5, cfg.Worker.MaxRetries, "unparsable numbers are ignored")
	assert.Equal(t, "tenant-from-env", cfg.Graph.TenantID)
}

func TestConfigManager_Load(t *testing.T) {
	path := writeFile(t, "sheetsync.yaml", "remote:\n  enabled: true\n")
	t.Setenv("GRAPH_TENANT_ID", "t")
	t.Setenv("GRAPH_CLIENT_ID", "c")
	t.Setenv("GRAPH_CLIENT_SECRET", "s")
	t.Setenv("GRAPH_USER_ID", "u")

	cm := config.NewConfigManager()
	require.NoError(t, cm.Load(path), "credentials from the environment complete the file")
	assert.True(t, cm.GetConfig().Remote.Enabled)
	assert.Equal(t, "s", cm.GetConfig().Graph.ClientSecret)

	t.Setenv("GRAPH_USER_ID", "")
	t.Setenv("SHEETSYNC_GRAPH_USER_ID", "")
	assert.Error(t, config.NewConfigManager().Load(path))
}
