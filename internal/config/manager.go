package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rzpsarthak13/sheetsync/internal/core"
	"github.com/rzpsarthak13/sheetsync/internal/logging"
)

// EnvPrefix is the prefix of every environment variable read by LoadFromEnv.
const EnvPrefix = "SHEETSYNC_"

// ConfigValidator is the Strategy interface for validating configuration.
// Each store backend provides its own validator to check backend-specific
// settings.
type ConfigValidator interface {
	// Validate validates the store section for this backend type.
	Validate(config *Config) error

	// Type returns the type identifier for this validator (e.g., "redis", "dynamodb").
	Type() string
}

var (
	validatorRegistry      = make(map[string]ConfigValidator)
	validatorRegistryMutex sync.RWMutex
)

// RegisterValidator registers a config validator.
// This is called automatically by each backend's init() function.
// Panics if validator is nil, type is empty, or type is already registered.
func RegisterValidator(validator ConfigValidator) {
	if validator == nil {
		panic("validator cannot be nil")
	}
	if validator.Type() == "" {
		panic("validator type cannot be empty")
	}

	validatorRegistryMutex.Lock()
	defer validatorRegistryMutex.Unlock()

	if _, exists := validatorRegistry[validator.Type()]; exists {
		panic(fmt.Sprintf("validator for type %q is already registered", validator.Type()))
	}
	validatorRegistry[validator.Type()] = validator
}

// GetValidator retrieves a validator by store type.
func GetValidator(storeType string) (ConfigValidator, bool) {
	validatorRegistryMutex.RLock()
	defer validatorRegistryMutex.RUnlock()

	validator, exists := validatorRegistry[storeType]
	return validator, exists
}

// DefaultTemplates returns the workbook templates shipped with the worker.
func DefaultTemplates() []core.TemplateDefinition {
	labels := []struct{ key, label string }{
		{"electricas", "Electricas"},
		{"sanitarias", "Sanitarias"},
		{"estructuras", "Estructuras"},
		{"arquitectura", "Arquitectura"},
	}
	defs := make([]core.TemplateDefinition, 0, len(labels)*2)
	for _, l := range labels {
		defs = append(defs,
			core.TemplateDefinition{Disciplina: l.key, Tipo: core.TemplateBase, Filename: l.label + "_Base_ES.xlsx"},
			core.TemplateDefinition{Disciplina: l.key, Tipo: core.TemplateReportes, Filename: l.label + "_Reportes_ES.xlsx"},
		)
	}
	return defs
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				Endpoints:    []string{"localhost:6379"},
				PoolSize:     10,
				MinIdleConns: 5,
				KeyPrefix:    "sheetsync",
			},
			SQL: SQLConfig{
				Table:             "documents",
				MaxOpenConns:      25,
				MaxIdleConns:      5,
				ConnMaxLifetime:   5 * time.Minute,
				ConnMaxIdleTime:   10 * time.Minute,
				ConnectionTimeout: 10 * time.Second,
			},
			MaxRetries:   5,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Feed: FeedConfig{
			Type:       "memory",
			BufferSize: 10000,
			RedisKey:   "sheetsync:changes",
			Kafka: KafkaConfig{
				Brokers:         []string{"localhost:9092"},
				Topic:           "sheetsync-changes",
				GroupID:         "sheetsync-worker",
				BatchSize:       100,
				BatchTimeout:    10 * time.Millisecond,
				WriteTimeout:    10 * time.Second,
				ReadTimeout:     10 * time.Second,
				RequiredAcks:    -1,
				MaxMessageBytes: 1000000,
				MinBytes:        1,
				MaxBytes:        10 * 1024 * 1024,
				MaxWait:         100 * time.Millisecond,
			},
		},
		Graph: GraphConfig{
			BaseURL:            "https://graph.microsoft.com/v1.0",
			Authority:          "https://login.microsoftonline.com",
			Scope:              "https://graph.microsoft.com/.default",
			ParametrosFolder:   "/Apps/InteriorMaintenance/parametros",
			WorkbookPath:       "/Apps/InteriorMaintenance/Productos.xlsx",
			DefaultWorksheet:   "Productos",
			MaxAttempts:        5,
			BaseDelay:          1 * time.Second,
			MaxDelay:           8 * time.Second,
			RequestsPerSecond:  10,
			RequestTimeout:     30 * time.Second,
			TokenRefreshMargin: 60 * time.Second,
		},
		Templates: TemplatesConfig{
			Dir:         "assets/excel_templates",
			Definitions: DefaultTemplates(),
		},
		Schemas: SchemasConfig{
			Source: "store",
		},
		Dataset: DatasetConfig{
			Enabled:   true,
			Threshold: 500,
			BatchSize: 400,
		},
		Remote: RemoteConfig{
			Enabled: true,
		},
		Source: SourceConfig{
			Collection:         "productos",
			MigrationBatchSize: 300,
		},
		Worker: WorkerConfig{
			DrainRate:     50,
			BatchSize:     10,
			PollInterval:  100 * time.Millisecond,
			MaxRetries:    5,
			RetryDelay:    time.Second,
			MaxRetryDelay: 30 * time.Second,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// ConfigManager handles loading and managing configuration from various sources.
type ConfigManager struct {
	config *Config
}

// NewConfigManager creates a new configuration manager with default configuration.
func NewConfigManager() *ConfigManager {
	return &ConfigManager{config: DefaultConfig()}
}

// LoadFromFile loads configuration from a YAML or JSON file.
// The file format is determined by the file extension (.yaml, .yml, or .json).
func (cm *ConfigManager) LoadFromFile(filePath string) error {
	config, err := readFile(filePath)
	if err != nil {
		return err
	}
	return cm.apply(config)
}

// LoadFromYAML loads configuration from YAML data layered over the defaults.
func (cm *ConfigManager) LoadFromYAML(data []byte) error {
	config := DefaultConfig()
	if err := decode(data, ".yaml", config); err != nil {
		return err
	}
	return cm.apply(config)
}

// LoadFromJSON loads configuration from JSON data layered over the defaults.
func (cm *ConfigManager) LoadFromJSON(data []byte) error {
	config := DefaultConfig()
	if err := decode(data, ".json", config); err != nil {
		return err
	}
	return cm.apply(config)
}

// Load builds the configuration from the defaults, the optional file and the
// environment, in that order, and validates the result once.
func (cm *ConfigManager) Load(filePath string) error {
	config := DefaultConfig()
	if filePath != "" {
		loaded, err := readFile(filePath)
		if err != nil {
			return err
		}
		config = loaded
	}
	applyEnv(config, os.LookupEnv)
	return cm.apply(config)
}

func readFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	config := DefaultConfig()
	if err := decode(data, strings.ToLower(filepath.Ext(filePath)), config); err != nil {
		return nil, err
	}
	return config, nil
}

func decode(data []byte, ext string, config *Config) error {
	switch ext {
	case ".yaml", ".yml":
		if len(data) == 0 {
			return nil
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	return nil
}

// LoadFromEnv overlays environment variables onto the current configuration.
// Variables follow the pattern SHEETSYNC_<SECTION>_<KEY>; the remote
// credentials are also read from their GRAPH_* names.
// Examples:
//   - SHEETSYNC_STORE_TYPE=redis
//   - SHEETSYNC_STORE_ENDPOINTS=localhost:6379,localhost:6380
//   - SHEETSYNC_FEED_TYPE=kafka
//   - GRAPH_TENANT_ID=...
func (cm *ConfigManager) LoadFromEnv() error {
	config := *cm.config
	applyEnv(&config, os.LookupEnv)
	return cm.apply(&config)
}

func (cm *ConfigManager) apply(config *Config) error {
	if err := ValidateConfig(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cm.config = config
	return nil
}

// GetConfig returns the current configuration.
func (cm *ConfigManager) GetConfig() *Config {
	return cm.config
}

type lookupFunc func(string) (string, bool)

func applyEnv(config *Config, lookup lookupFunc) {
	str := func(dst *string, names ...string) {
		for _, name := range names {
			if val, ok := lookup(name); ok && val != "" {
				*dst = val
				return
			}
		}
	}
	num := func(dst *int, name string) {
		if val, ok := lookup(name); ok {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}
	dur := func(dst *time.Duration, name string) {
		if val, ok := lookup(name); ok {
			if d, err := time.ParseDuration(val); err == nil {
				*dst = d
			}
		}
	}
	flag := func(dst *bool, name string) {
		if val, ok := lookup(name); ok && val != "" {
			*dst = val == "true" || val == "1"
		}
	}

	// Store
	str(&config.Store.Type, EnvPrefix+"STORE_TYPE")
	if val, ok := lookup(EnvPrefix + "STORE_ENDPOINTS"); ok && val != "" {
		config.Store.Redis.Endpoints = strings.Split(val, ",")
	}
	str(&config.Store.Redis.Password, EnvPrefix+"STORE_PASSWORD")
	num(&config.Store.Redis.DB, EnvPrefix+"STORE_DB")
	num(&config.Store.Redis.PoolSize, EnvPrefix+"STORE_POOL_SIZE")
	num(&config.Store.MaxRetries, EnvPrefix+"STORE_MAX_RETRIES")
	str(&config.Store.DynamoDB.Region, EnvPrefix+"STORE_DYNAMODB_REGION")
	str(&config.Store.DynamoDB.TableName, EnvPrefix+"STORE_DYNAMODB_TABLE")
	str(&config.Store.DynamoDB.Endpoint, EnvPrefix+"STORE_DYNAMODB_ENDPOINT")
	str(&config.Store.SQL.Host, EnvPrefix+"STORE_SQL_HOST")
	num(&config.Store.SQL.Port, EnvPrefix+"STORE_SQL_PORT")
	str(&config.Store.SQL.Database, EnvPrefix+"STORE_SQL_DATABASE")
	str(&config.Store.SQL.Username, EnvPrefix+"STORE_SQL_USERNAME")
	str(&config.Store.SQL.Password, EnvPrefix+"STORE_SQL_PASSWORD")
	str(&config.Store.SQL.Path, EnvPrefix+"STORE_SQL_PATH")

	// Feed
	str(&config.Feed.Type, EnvPrefix+"FEED_TYPE")
	num(&config.Feed.BufferSize, EnvPrefix+"FEED_BUFFER_SIZE")
	if val, ok := lookup(EnvPrefix + "FEED_KAFKA_BROKERS"); ok && val != "" {
		config.Feed.Kafka.Brokers = strings.Split(val, ",")
	}
	str(&config.Feed.Kafka.Topic, EnvPrefix+"FEED_KAFKA_TOPIC")
	str(&config.Feed.Kafka.GroupID, EnvPrefix+"FEED_KAFKA_GROUP_ID")

	// Graph
	str(&config.Graph.TenantID, EnvPrefix+"GRAPH_TENANT_ID", "GRAPH_TENANT_ID")
	str(&config.Graph.ClientID, EnvPrefix+"GRAPH_CLIENT_ID", "GRAPH_CLIENT_ID")
	str(&config.Graph.ClientSecret, EnvPrefix+"GRAPH_CLIENT_SECRET", "GRAPH_CLIENT_SECRET")
	str(&config.Graph.UserID, EnvPrefix+"GRAPH_USER_ID", "GRAPH_USER_ID")
	str(&config.Graph.WorkbookPath, EnvPrefix+"GRAPH_WORKBOOK_PATH", "GRAPH_WORKBOOK_PATH")
	str(&config.Graph.ParametrosFolder, EnvPrefix+"GRAPH_PARAMETROS_FOLDER", "GRAPH_PARAMETROS_FOLDER")
	num(&config.Graph.MaxAttempts, EnvPrefix+"GRAPH_MAX_ATTEMPTS")
	dur(&config.Graph.RequestTimeout, EnvPrefix+"GRAPH_REQUEST_TIMEOUT")

	// Dataset, remote and source
	flag(&config.Dataset.Enabled, EnvPrefix+"DATASET_ENABLED")
	num(&config.Dataset.Threshold, EnvPrefix+"DATASET_THRESHOLD")
	num(&config.Dataset.BatchSize, EnvPrefix+"DATASET_BATCH_SIZE")
	flag(&config.Remote.Enabled, EnvPrefix+"REMOTE_ENABLED")
	str(&config.Source.Collection, EnvPrefix+"SOURCE_COLLECTION")
	str(&config.Templates.Dir, EnvPrefix+"TEMPLATES_DIR")
	str(&config.Schemas.Source, EnvPrefix+"SCHEMAS_SOURCE")
	str(&config.Schemas.File, EnvPrefix+"SCHEMAS_FILE")

	// Worker
	num(&config.Worker.DrainRate, EnvPrefix+"WORKER_DRAIN_RATE")
	num(&config.Worker.BatchSize, EnvPrefix+"WORKER_BATCH_SIZE")
	num(&config.Worker.MaxRetries, EnvPrefix+"WORKER_MAX_RETRIES")
	dur(&config.Worker.PollInterval, EnvPrefix+"WORKER_POLL_INTERVAL")
	dur(&config.Worker.RetryDelay, EnvPrefix+"WORKER_RETRY_DELAY")
	dur(&config.Worker.MaxRetryDelay, EnvPrefix+"WORKER_MAX_RETRY_DELAY")

	// Logging
	str(&config.Log.Level, EnvPrefix+"LOG_LEVEL")
	str(&config.Log.Format, EnvPrefix+"LOG_FORMAT")
}

// ValidateConfig validates the configuration and returns an error if invalid.
// Store validation is delegated to the validator registered for the store type.
func ValidateConfig(config *Config) error {
	if config.Store.Type == "" {
		return fmt.Errorf("store.type is required")
	}
	validator, exists := GetValidator(config.Store.Type)
	if !exists {
		return fmt.Errorf("unsupported store type: %s", config.Store.Type)
	}
	if err := validator.Validate(config); err != nil {
		return fmt.Errorf("store validation failed: %w", err)
	}

	switch config.Feed.Type {
	case "", "memory":
	case "redis":
		if config.Store.Type != "redis" {
			return fmt.Errorf("feed.type 'redis' requires store.type 'redis'")
		}
	case "kafka":
		if len(config.Feed.Kafka.Brokers) == 0 {
			return fmt.Errorf("feed.kafka.brokers is required when feed.type is 'kafka'")
		}
		if config.Feed.Kafka.Topic == "" {
			return fmt.Errorf("feed.kafka.topic is required when feed.type is 'kafka'")
		}
	default:
		return fmt.Errorf("feed.type must be 'memory', 'redis', or 'kafka'")
	}

	if config.Remote.Enabled {
		g := config.Graph
		if g.TenantID == "" || g.ClientID == "" || g.ClientSecret == "" || g.UserID == "" {
			return fmt.Errorf("missing graph configuration (tenant/client/secret/user)")
		}
		if g.MaxAttempts <= 0 {
			return fmt.Errorf("graph.max_attempts must be greater than 0")
		}
		if g.BaseDelay <= 0 || g.MaxDelay < g.BaseDelay {
			return fmt.Errorf("graph.base_delay must be positive and not exceed graph.max_delay")
		}
	}

	if config.Dataset.Enabled {
		if config.Dataset.Threshold <= 0 {
			return fmt.Errorf("dataset.threshold must be greater than 0")
		}
		if config.Dataset.BatchSize <= 0 {
			return fmt.Errorf("dataset.batch_size must be greater than 0")
		}
	}

	switch config.Schemas.Source {
	case "", "store":
	case "file":
		if config.Schemas.File == "" {
			return fmt.Errorf("schemas.file is required when schemas.source is 'file'")
		}
	default:
		return fmt.Errorf("schemas.source must be 'store' or 'file'")
	}

	if config.Worker.DrainRate <= 0 {
		return fmt.Errorf("worker.drain_rate must be greater than 0")
	}
	if config.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be non-negative")
	}
	if config.Worker.RetryDelay < 0 || config.Worker.MaxRetryDelay < 0 {
		return fmt.Errorf("worker retry delays must be non-negative")
	}

	return nil
}
