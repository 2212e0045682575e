// Package config loads the engine's externalized configuration (§6)
// via github.com/spf13/viper, the way marmos91-dittofs's pkg/config
// layers environment variables, a config file, and defaults into one
// typed struct. Unlike the teacher, this package pins the exact keyed
// dictionary §6 enumerates rather than a free-form schema, since the
// core engine's configuration surface is closed.
package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/contemptx/usenetsync/errors"
)

// Backend selects the Metadata Store's storage engine (§4.1, §6
// `store.backend`).
type Backend string

const (
	BackendEmbedded Backend = "embedded"
	BackendServer   Backend = "server"
)

// Config is the fully-resolved, validated configuration surface of
// §6's keyed dictionary.
type Config struct {
	Segment  SegmentConfig
	Wire     WireConfig
	Workers  WorkersConfig
	KDF      KDFConfig
	Store    StoreConfig
	Posting  PostingConfig
}

// SegmentConfig corresponds to the `segment.*` keys.
type SegmentConfig struct {
	SizeBytes         int64 // segment.size_bytes
	PackThresholdBytes int64 // segment.pack_threshold_bytes
	Redundancy        int   // segment.redundancy
}

// WireConfig corresponds to the `wire.*` keys.
type WireConfig struct {
	Host string // wire.host (required)
	Port int    // wire.port (required)
	TLS  bool   // wire.tls (required)

	PoolMinIdle   int // wire.pool.min_idle
	PoolMaxActive int // wire.pool.max_active

	RetryAttempts int // wire.retry.attempts
	RetryBaseMS   int // wire.retry.base_ms
	RetryCapMS    int // wire.retry.cap_ms
}

// WorkersConfig corresponds to the `workers.*` keys.
type WorkersConfig struct {
	Upload   int // workers.upload
	Download int // workers.download
}

// KDFConfig corresponds to the `kdf.*` keys.
type KDFConfig struct {
	TargetMS int // kdf.target_ms
}

// StoreConfig corresponds to the `store.*` keys.
type StoreConfig struct {
	Backend Backend // store.backend

	// EmbeddedPath is the bbolt file path, used when Backend ==
	// BackendEmbedded.
	EmbeddedPath string // store.embedded_path

	// ServerDSN is the Postgres connection string, used when Backend
	// == BackendServer.
	ServerDSN string // store.server_dsn
}

// PostingConfig corresponds to the `posting.*` keys.
type PostingConfig struct {
	Groups []string // posting.groups
}

// Load reads configuration from environment variables (prefixed
// USENETSYNC_), an optional file at configPath, and the defaults
// below, in that precedence order, then validates the required wire
// keys per §6.
func Load(configPath string) (*Config, error) {
	const op = "config.Load"
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("USENETSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.E(op, errors.ConfigError, err)
		}
	}

	cfg := &Config{
		Segment: SegmentConfig{
			SizeBytes:          v.GetInt64("segment.size_bytes"),
			PackThresholdBytes: v.GetInt64("segment.pack_threshold_bytes"),
			Redundancy:         v.GetInt("segment.redundancy"),
		},
		Wire: WireConfig{
			Host:          v.GetString("wire.host"),
			Port:          v.GetInt("wire.port"),
			TLS:           v.GetBool("wire.tls"),
			PoolMinIdle:   v.GetInt("wire.pool.min_idle"),
			PoolMaxActive: v.GetInt("wire.pool.max_active"),
			RetryAttempts: v.GetInt("wire.retry.attempts"),
			RetryBaseMS:   v.GetInt("wire.retry.base_ms"),
			RetryCapMS:    v.GetInt("wire.retry.cap_ms"),
		},
		Workers: WorkersConfig{
			Upload:   v.GetInt("workers.upload"),
			Download: v.GetInt("workers.download"),
		},
		KDF: KDFConfig{
			TargetMS: v.GetInt("kdf.target_ms"),
		},
		Store: StoreConfig{
			Backend:      Backend(v.GetString("store.backend")),
			EmbeddedPath: v.GetString("store.embedded_path"),
			ServerDSN:    v.GetString("store.server_dsn"),
		},
		Posting: PostingConfig{
			Groups: v.GetStringSlice("posting.groups"),
		},
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if !v.IsSet("wire.tls") {
		return nil, errors.E(op, errors.ConfigError, errors.Str("wire.tls is required"))
	}
	return cfg, nil
}

// setDefaults pins every default value named in §6.
func setDefaults(v *viper.Viper) {
	v.SetDefault("segment.size_bytes", 786432)
	v.SetDefault("segment.pack_threshold_bytes", 51200)
	v.SetDefault("segment.redundancy", 1)

	v.SetDefault("wire.pool.min_idle", 2)
	v.SetDefault("wire.pool.max_active", 8)
	v.SetDefault("wire.retry.attempts", 5)
	v.SetDefault("wire.retry.base_ms", 500)
	v.SetDefault("wire.retry.cap_ms", 30000)

	v.SetDefault("workers.upload", 8)
	v.SetDefault("workers.download", 8)

	v.SetDefault("kdf.target_ms", 250)

	v.SetDefault("store.backend", string(BackendEmbedded))
}

// Validate enforces §6's "required" keys and internal consistency.
func Validate(cfg *Config) error {
	const op = "config.Validate"
	if cfg.Wire.Host == "" {
		return errors.E(op, errors.ConfigError, errors.Str("wire.host is required"))
	}
	if cfg.Wire.Port <= 0 || cfg.Wire.Port > 65535 {
		return errors.E(op, errors.ConfigError, errors.Str("wire.port must be in 1..65535"))
	}
	switch cfg.Store.Backend {
	case BackendEmbedded:
		if cfg.Store.EmbeddedPath == "" {
			return errors.E(op, errors.ConfigError, errors.Str("store.embedded_path is required for the embedded backend"))
		}
	case BackendServer:
		if cfg.Store.ServerDSN == "" {
			return errors.E(op, errors.ConfigError, errors.Str("store.server_dsn is required for the server backend"))
		}
	default:
		return errors.E(op, errors.ConfigError, errors.Str("store.backend must be 'embedded' or 'server'"))
	}
	if cfg.Segment.SizeBytes <= 0 {
		return errors.E(op, errors.ConfigError, errors.Str("segment.size_bytes must be positive"))
	}
	if cfg.Segment.Redundancy < 1 {
		return errors.E(op, errors.ConfigError, errors.Str("segment.redundancy must be >= 1"))
	}
	if len(cfg.Posting.Groups) == 0 {
		return errors.E(op, errors.ConfigError, errors.Str("posting.groups must list at least one newsgroup"))
	}
	return nil
}
