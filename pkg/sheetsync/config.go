package sheetsync

import (
	"github.com/rzpsarthak13/sheetsync/internal/config"
	"github.com/rzpsarthak13/sheetsync/internal/core"
	"github.com/rzpsarthak13/sheetsync/internal/migrate"
	"github.com/rzpsarthak13/sheetsync/internal/orchestrator"
	"github.com/rzpsarthak13/sheetsync/internal/schema"
	"github.com/rzpsarthak13/sheetsync/internal/storage"
)

// Config is the root configuration of the sync worker. See the section types
// for the individual settings.
type Config = config.Config

// Configuration sections.
type (
	StoreConfig     = config.StoreConfig
	RedisConfig     = config.RedisConfig
	DynamoDBConfig  = config.DynamoDBConfig
	SQLConfig       = config.SQLConfig
	FeedConfig      = config.FeedConfig
	KafkaConfig     = config.KafkaConfig
	GraphConfig     = config.GraphConfig
	TemplatesConfig = config.TemplatesConfig
	SchemasConfig   = config.SchemasConfig
	DatasetConfig   = config.DatasetConfig
	RemoteConfig    = config.RemoteConfig
	SourceConfig    = config.SourceConfig
	WorkerConfig    = config.WorkerConfig
)

// Domain types shared with callers.
type (
	ChangeEvent     = core.ChangeEvent
	Record          = core.Record
	Template        = core.TemplateDefinition
	Result          = orchestrator.Result
	BootstrapResult = schema.BootstrapResult
	DatasetInfo     = storage.Info
	MigrateOptions  = migrate.Options
)

// DefaultConfig returns a configuration with sensible defaults. The remote
// workbook path is enabled and needs credentials before use.
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// LoadConfig reads the optional file at path, overlays SHEETSYNC_*
// environment variables and validates the result.
func LoadConfig(path string) (*Config, error) {
	cm := config.NewConfigManager()
	if err := cm.Load(path); err != nil {
		return nil, err
	}
	return cm.GetConfig(), nil
}
