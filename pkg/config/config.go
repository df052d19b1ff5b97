// Package config loads and validates the arbor configuration and provides
// factories that build the configured stores and the engine.
//
// Configuration sources in order of precedence:
//  1. Environment variables (ARBOR_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete arbor configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// Store selects and configures the node and blob store backends.
	Store StoreConfig `mapstructure:"store"`

	// Engine bounds resource usage of the storage engine.
	Engine EngineConfig `mapstructure:"engine"`

	// GC configures background garbage collection.
	GC GCConfig `mapstructure:"gc"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum level to output: debug, info, warn, error.
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`

	// Format is "text" for a human console writer or "json".
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output is "stdout", "stderr" or a file path.
	Output string `mapstructure:"output" validate:"required"`
}

// StoreConfig selects the storage backends.
type StoreConfig struct {
	// Nodes configures the node document store.
	Nodes NodeStoreConfig `mapstructure:"nodes"`

	// Blobs configures the content blob store.
	Blobs BlobStoreConfig `mapstructure:"blobs"`
}

// NodeStoreConfig selects the node store backend.
type NodeStoreConfig struct {
	// Type is "memory" or "badger".
	Type string `mapstructure:"type" validate:"required,oneof=memory badger"`

	// Badger is used when Type is "badger".
	Badger BadgerConfig `mapstructure:"badger"`
}

// BadgerConfig configures an embedded badger database.
type BadgerConfig struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string `mapstructure:"path"`

	// InMemory runs the database without persistence. Test use only.
	InMemory bool `mapstructure:"in_memory"`
}

// BlobStoreConfig configures the two halves of the blob store: the reference
// index and the payload backend.
type BlobStoreConfig struct {
	// Index configures where blob records live.
	Index BlobIndexConfig `mapstructure:"index"`

	// Payloads configures where payload bytes live.
	Payloads PayloadConfig `mapstructure:"payloads"`
}

// BlobIndexConfig selects the blob index backend.
type BlobIndexConfig struct {
	// Type is "memory" or "badger".
	Type string `mapstructure:"type" validate:"required,oneof=memory badger"`

	// Badger is used when Type is "badger".
	Badger BadgerConfig `mapstructure:"badger"`
}

// PayloadConfig selects the payload backend.
type PayloadConfig struct {
	// Type is "memory" or "s3".
	Type string `mapstructure:"type" validate:"required,oneof=memory s3"`

	// S3 is used when Type is "s3".
	S3 S3Config `mapstructure:"s3"`
}

// S3Config configures the S3 payload backend.
type S3Config struct {
	// Bucket is the bucket name. Required.
	Bucket string `mapstructure:"bucket"`

	// KeyPrefix prefixes every object key, for sharing a bucket.
	KeyPrefix string `mapstructure:"key_prefix"`

	// Region is the bucket region. Required.
	Region string `mapstructure:"region"`

	// Endpoint overrides the S3 endpoint (MinIO, Localstack).
	Endpoint string `mapstructure:"endpoint"`

	// AccessKeyID and SecretAccessKey are static credentials. When empty the
	// default AWS credential chain applies.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	// UsePathStyle forces path-style addressing, needed by most S3
	// compatibles.
	UsePathStyle bool `mapstructure:"use_path_style"`
}

// EngineConfig bounds resource usage of the engine.
type EngineConfig struct {
	// HistoryMax caps the per-file version history length.
	HistoryMax int `mapstructure:"history_max" validate:"gte=0"`

	// MaxUploadSize caps a single content upload in bytes, 0 for unlimited.
	MaxUploadSize int64 `mapstructure:"max_upload_size" validate:"gte=0"`

	// PageSize is the default child-listing page size.
	PageSize int `mapstructure:"page_size" validate:"gte=0"`
}

// GCConfig configures background garbage collection.
type GCConfig struct {
	// Enabled turns the background collector on.
	Enabled bool `mapstructure:"enabled"`

	// Interval between sweeps.
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`

	// DryRun logs what would be removed without removing it.
	DryRun bool `mapstructure:"dry_run"`
}

// Load reads the configuration from the given file (optional) and the
// environment, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARBOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
