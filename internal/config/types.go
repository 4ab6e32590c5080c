package config

import (
	"time"

	"github.com/rzpsarthak13/sheetsync/internal/core"
	"github.com/rzpsarthak13/sheetsync/internal/logging"
)

// Config is the root configuration of the sync worker.
type Config struct {
	Store     StoreConfig     `yaml:"store" json:"store"`
	Feed      FeedConfig      `yaml:"feed" json:"feed"`
	Graph     GraphConfig     `yaml:"graph" json:"graph"`
	Templates TemplatesConfig `yaml:"templates" json:"templates"`
	Schemas   SchemasConfig   `yaml:"schemas" json:"schemas"`
	Dataset   DatasetConfig   `yaml:"dataset" json:"dataset"`
	Remote    RemoteConfig    `yaml:"remote" json:"remote"`
	Source    SourceConfig    `yaml:"source" json:"source"`
	Worker    WorkerConfig    `yaml:"worker" json:"worker"`
	Log       logging.Config  `yaml:"log" json:"log"`
}

// StoreConfig contains configuration for the document store.
// Supports several backends (memory, Redis, DynamoDB, SQL) through a plugin-based architecture.
type StoreConfig struct {
	Type         string         `yaml:"type" json:"type"`
	Redis        RedisConfig    `yaml:"redis,omitempty" json:"redis,omitempty"`
	DynamoDB     DynamoDBConfig `yaml:"dynamodb,omitempty" json:"dynamodb,omitempty"`
	SQL          SQLConfig      `yaml:"sql,omitempty" json:"sql,omitempty"`
	MaxRetries   int            `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	DialTimeout  time.Duration  `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty"`
	ReadTimeout  time.Duration  `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`
	WriteTimeout time.Duration  `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`
}

// RedisConfig contains Redis-specific configuration.
type RedisConfig struct {
	Endpoints    []string `yaml:"endpoints" json:"endpoints"`
	Password     string   `yaml:"password,omitempty" json:"password,omitempty"`
	DB           int      `yaml:"db,omitempty" json:"db,omitempty"`
	PoolSize     int      `yaml:"pool_size,omitempty" json:"pool_size,omitempty"`
	MinIdleConns int      `yaml:"min_idle_conns,omitempty" json:"min_idle_conns,omitempty"`
	KeyPrefix    string   `yaml:"key_prefix,omitempty" json:"key_prefix,omitempty"`
}

// DynamoDBConfig contains DynamoDB-specific configuration.
type DynamoDBConfig struct {
	Region          string `yaml:"region" json:"region"`
	TableName       string `yaml:"table_name" json:"table_name"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`
}

// SQLConfig contains configuration for the SQL-backed document stores.
type SQLConfig struct {
	Host              string        `yaml:"host,omitempty" json:"host,omitempty"`
	Port              int           `yaml:"port,omitempty" json:"port,omitempty"`
	Database          string        `yaml:"database,omitempty" json:"database,omitempty"`
	Username          string        `yaml:"username,omitempty" json:"username,omitempty"`
	Password          string        `yaml:"password,omitempty" json:"password,omitempty"`
	SSLMode           string        `yaml:"ssl_mode,omitempty" json:"ssl_mode,omitempty"`
	Path              string        `yaml:"path,omitempty" json:"path,omitempty"` // sqlite file
	Table             string        `yaml:"table,omitempty" json:"table,omitempty"`
	MaxOpenConns      int           `yaml:"max_open_conns,omitempty" json:"max_open_conns,omitempty"`
	MaxIdleConns      int           `yaml:"max_idle_conns,omitempty" json:"max_idle_conns,omitempty"`
	ConnMaxLifetime   time.Duration `yaml:"conn_max_lifetime,omitempty" json:"conn_max_lifetime,omitempty"`
	ConnMaxIdleTime   time.Duration `yaml:"conn_max_idle_time,omitempty" json:"conn_max_idle_time,omitempty"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout,omitempty" json:"connection_timeout,omitempty"`
}

// FeedConfig selects and configures the change feed.
type FeedConfig struct {
	Type       string      `yaml:"type" json:"type"` // memory, redis or kafka
	BufferSize int         `yaml:"buffer_size" json:"buffer_size"`
	RedisKey   string      `yaml:"redis_key,omitempty" json:"redis_key,omitempty"`
	Kafka      KafkaConfig `yaml:"kafka" json:"kafka"`
}

// KafkaConfig contains Kafka-specific configuration.
type KafkaConfig struct {
	Brokers         []string      `yaml:"brokers" json:"brokers"`
	Topic           string        `yaml:"topic" json:"topic"`
	GroupID         string        `yaml:"group_id" json:"group_id"`
	BatchSize       int           `yaml:"batch_size" json:"batch_size"`
	BatchTimeout    time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	RequiredAcks    int           `yaml:"required_acks" json:"required_acks"`
	MaxMessageBytes int           `yaml:"max_message_bytes" json:"max_message_bytes"`
	MinBytes        int           `yaml:"min_bytes" json:"min_bytes"`
	MaxBytes        int           `yaml:"max_bytes" json:"max_bytes"`
	MaxWait         time.Duration `yaml:"max_wait" json:"max_wait"`
}

// GraphConfig contains credentials and tuning for the remote workbook API.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id" json:"tenant_id"`
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
	UserID       string `yaml:"user_id" json:"user_id"`

	BaseURL   string `yaml:"base_url" json:"base_url"`
	Authority string `yaml:"authority" json:"authority"`
	Scope     string `yaml:"scope" json:"scope"`

	// ParametrosFolder is the drive folder holding per-category workbooks.
	ParametrosFolder string `yaml:"parametros_folder" json:"parametros_folder"`
	WorkbookPath     string `yaml:"workbook_path" json:"workbook_path"`
	DefaultWorksheet string `yaml:"default_worksheet" json:"default_worksheet"`

	MaxAttempts        int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay          time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay           time.Duration `yaml:"max_delay" json:"max_delay"`
	RequestsPerSecond  float64       `yaml:"requests_per_second" json:"requests_per_second"`
	RequestTimeout     time.Duration `yaml:"request_timeout" json:"request_timeout"`
	TokenRefreshMargin time.Duration `yaml:"token_refresh_margin" json:"token_refresh_margin"`
}

// TemplatesConfig lists the workbook templates and where their files live.
type TemplatesConfig struct {
	Dir         string                    `yaml:"dir" json:"dir"`
	Definitions []core.TemplateDefinition `yaml:"definitions" json:"definitions"`
}

// SchemasConfig selects where category schemas are read from.
type SchemasConfig struct {
	Source string `yaml:"source" json:"source"` // store or file
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
}

// DatasetConfig controls the mirrored dataset documents.
type DatasetConfig struct {
	Enabled   bool `yaml:"enabled" json:"enabled"`
	Threshold int  `yaml:"threshold" json:"threshold"`
	BatchSize int  `yaml:"batch_size" json:"batch_size"`
}

// RemoteConfig toggles the remote table path.
type RemoteConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// SourceConfig describes the upstream record collection.
type SourceConfig struct {
	Collection         string `yaml:"collection" json:"collection"`
	MigrationBatchSize int    `yaml:"migration_batch_size" json:"migration_batch_size"`
}

// WorkerConfig contains configuration for the drainer.
type WorkerConfig struct {
	DrainRate    int           `yaml:"drain_rate" json:"drain_rate"` // events per second
	BatchSize    int           `yaml:"batch_size" json:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`

	// RetryDelay is the first wait before a failed event is handled again;
	// later waits double up to MaxRetryDelay.
	RetryDelay    time.Duration `yaml:"retry_delay" json:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
}
