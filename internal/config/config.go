// Package config loads lattice settings from an optional config file and
// LATTICE_* environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/jacentio/lattice/store"
	"github.com/jacentio/lattice/store/dynamo"
)

// Backends accepted by StoreConfig.Backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendDynamo   = "dynamodb"
)

// Config represents the application configuration
type Config struct {
	Registry    string
	// PatchSchema is the optional patch allow-list file.
	PatchSchema string
	Log         LogConfig
	Store       StoreConfig
	Dynamo      dynamo.Config
	AWS         AWSConfig
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level string
}

// StoreConfig selects the entity store.
type StoreConfig struct {
	Backend string
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN string
}

// AWSConfig configures the DynamoDB client. Empty values fall back to the
// SDK's default credential and region chain.
type AWSConfig struct {
	Region  string
	Profile string
	// Endpoint overrides the DynamoDB endpoint (e.g. DynamoDB Local).
	Endpoint string
}

// InitConfig initializes v with defaults, the optional config file and the
// environment. Environment variables take precedence over the file; a key
// such as store.dsn is read from LATTICE_STORE_DSN.
func InitConfig(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: read config %s: %v", store.ErrConfiguration, configFile, err)
		}
	}

	v.SetEnvPrefix("LATTICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := dynamo.DefaultConfig()
	v.SetDefault("registry", "relationships.yaml")
	v.SetDefault("patch_schema", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.dsn", "lattice.db")
	v.SetDefault("dynamo.entity_table", d.EntityTable)
	v.SetDefault("dynamo.link_table", d.LinkTable)
	v.SetDefault("dynamo.member_index", d.MemberIndex)
	v.SetDefault("dynamo.num_shards", d.NumShards)
	v.SetDefault("aws.region", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.endpoint", "")
	return nil
}

// Load loads configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Registry:    v.GetString("registry"),
		PatchSchema: v.GetString("patch_schema"),
		Log: LogConfig{
			Level: v.GetString("log.level"),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(v.GetString("store.backend")),
			DSN:     v.GetString("store.dsn"),
		},
		Dynamo: dynamo.Config{
			EntityTable: v.GetString("dynamo.entity_table"),
			LinkTable:   v.GetString("dynamo.link_table"),
			MemberIndex: v.GetString("dynamo.member_index"),
			NumShards:   v.GetInt("dynamo.num_shards"),
		},
		AWS: AWSConfig{
			Region:   v.GetString("aws.region"),
			Profile:  v.GetString("aws.profile"),
			Endpoint: v.GetString("aws.endpoint"),
		},
	}

	switch cfg.Store.Backend {
	case BackendMemory, BackendDynamo:
	case BackendSQLite, BackendPostgres:
		if cfg.Store.DSN == "" {
			return nil, fmt.Errorf("%w: store.dsn is required for %s", store.ErrConfiguration, cfg.Store.Backend)
		}
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", store.ErrConfiguration, cfg.Store.Backend)
	}
	return cfg, nil
}
