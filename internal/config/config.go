// Package config loads tiermem configuration from file, environment and
// defaults.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level tiermem configuration.
type Config struct {
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	ShortTerm   ShortTermConfig   `json:"short_term" mapstructure:"short_term"`
	MidTerm     MidTermConfig     `json:"mid_term" mapstructure:"mid_term"`
	LongTerm    LongTermConfig    `json:"long_term" mapstructure:"long_term"`
	Routing     RoutingConfig     `json:"routing" mapstructure:"routing"`
	Persistence PersistenceConfig `json:"persistence" mapstructure:"persistence"`
	SecureStore SecureStoreConfig `json:"secure_store" mapstructure:"secure_store"`
	Archive     ArchiveConfig     `json:"archive" mapstructure:"archive"`
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`
	Metrics     MetricsConfig     `json:"metrics" mapstructure:"metrics"`
	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
}

type ShortTermConfig struct {
	Capacity           int           `json:"capacity" mapstructure:"capacity"`
	TTL                time.Duration `json:"ttl" mapstructure:"ttl"`
	PromotionThreshold float64       `json:"promotion_threshold" mapstructure:"promotion_threshold"`
}

type MidTermConfig struct {
	Capacity           int     `json:"capacity" mapstructure:"capacity"`
	PromotionThreshold float64 `json:"promotion_threshold" mapstructure:"promotion_threshold"`
}

type LongTermConfig struct {
	Path         string        `json:"path" mapstructure:"path"` // defaults to <data_dir>/long_term.db
	Retention    time.Duration `json:"retention" mapstructure:"retention"`
	QueryTimeout time.Duration `json:"query_timeout" mapstructure:"query_timeout"`
}

// RoutingConfig controls placement and compression.
type RoutingConfig struct {
	// Items above this priority go straight to long-term.
	LongTermThreshold float64 `json:"long_term_threshold" mapstructure:"long_term_threshold"`
	// Short-term fill ratio above which AddMemory compresses.
	CompressionThreshold float64 `json:"compression_threshold" mapstructure:"compression_threshold"`
	AutoCompress         bool    `json:"auto_compress" mapstructure:"auto_compress"`
}

type PersistenceConfig struct {
	AutoSave    bool          `json:"auto_save" mapstructure:"auto_save"`
	AutoBackup  bool          `json:"auto_backup" mapstructure:"auto_backup"`
	LoadOnStart bool          `json:"load_on_start" mapstructure:"load_on_start"`
	Debounce    time.Duration `json:"debounce" mapstructure:"debounce"`
}

type SecureStoreConfig struct {
	Backend string      `json:"backend" mapstructure:"backend"` // file, redis
	Dir     string      `json:"dir" mapstructure:"dir"`         // file backend; defaults to <data_dir>/secure
	Backups int         `json:"backups" mapstructure:"backups"`
	Redis   RedisConfig `json:"redis" mapstructure:"redis"`
	Key     KeyConfig   `json:"key" mapstructure:"key"`
}

type RedisConfig struct {
	Addr      string `json:"addr" mapstructure:"addr"`
	Password  string `json:"password" mapstructure:"password"`
	DB        int    `json:"db" mapstructure:"db"`
	Namespace string `json:"namespace" mapstructure:"namespace"`
}

type KeyConfig struct {
	Source     string      `json:"source" mapstructure:"source"` // file, passphrase, vault, redis
	Path       string      `json:"path" mapstructure:"path"`     // key file or salt file
	Passphrase string      `json:"passphrase" mapstructure:"passphrase"`
	Vault      VaultConfig `json:"vault" mapstructure:"vault"`
}

type VaultConfig struct {
	Address  string `json:"address" mapstructure:"address"`
	Token    string `json:"token" mapstructure:"token"`
	RoleID   string `json:"role_id" mapstructure:"role_id"`
	SecretID string `json:"secret_id" mapstructure:"secret_id"`
	Mount    string `json:"mount" mapstructure:"mount"`
	Path     string `json:"path" mapstructure:"path"`
	Field    string `json:"field" mapstructure:"field"`
	Create   bool   `json:"create" mapstructure:"create"`
}

type ArchiveConfig struct {
	Sink string   `json:"sink" mapstructure:"sink"` // file, s3, discard
	Dir  string   `json:"dir" mapstructure:"dir"`   // file sink; defaults to <data_dir>/archive
	S3   S3Config `json:"s3" mapstructure:"s3"`
}

type S3Config struct {
	Bucket      string `json:"bucket" mapstructure:"bucket"`
	Region      string `json:"region" mapstructure:"region"`
	AccessKeyID string `json:"access_key_id" mapstructure:"access_key_id"`
	SecretKey   string `json:"secret_key" mapstructure:"secret_key"`
	Endpoint    string `json:"endpoint" mapstructure:"endpoint"`
	Prefix      string `json:"prefix" mapstructure:"prefix"`
}

// MaintenanceConfig holds cron specs for `tiermem serve`. Empty disables a job.
type MaintenanceConfig struct {
	Compress string `json:"compress" mapstructure:"compress"`
	Sweep    string `json:"sweep" mapstructure:"sweep"`
	Prune    string `json:"prune" mapstructure:"prune"`
	Save     string `json:"save" mapstructure:"save"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
}

type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	File   string `json:"file" mapstructure:"file"`
	Pretty bool   `json:"pretty" mapstructure:"pretty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		ShortTerm: ShortTermConfig{
			Capacity:           1000,
			TTL:                24 * time.Hour,
			PromotionThreshold: 0.7,
		},
		MidTerm: MidTermConfig{
			Capacity:           5000,
			PromotionThreshold: 0.8,
		},
		LongTerm: LongTermConfig{
			Retention:    30 * 24 * time.Hour,
			QueryTimeout: 2 * time.Second,
		},
		Routing: RoutingConfig{
			LongTermThreshold:    0.8,
			CompressionThreshold: 0.8,
			AutoCompress:         true,
		},
		Persistence: PersistenceConfig{
			AutoSave:    true,
			AutoBackup:  true,
			LoadOnStart: true,
			Debounce:    250 * time.Millisecond,
		},
		SecureStore: SecureStoreConfig{
			Backend: "file",
			Backups: 5,
			Redis:   RedisConfig{Addr: "localhost:6379", Namespace: "tiermem"},
			Key: KeyConfig{
				Source: "file",
				Vault:  VaultConfig{Mount: "secret", Path: "tiermem", Field: "key"},
			},
		},
		Archive: ArchiveConfig{Sink: "file"},
		Maintenance: MaintenanceConfig{
			Compress: "@every 5m",
			Sweep:    "@daily",
			Prune:    "@hourly",
			Save:     "@every 1m",
		},
		Metrics: MetricsConfig{Enabled: true, Listen: ":9464"},
		Logging: LoggingConfig{Level: "info", Pretty: true},
	}
}

func defaultDataDir() string {
	if d := os.Getenv("TIERMEM_DATA_DIR"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tiermem"
	}
	return filepath.Join(home, ".tiermem")
}

// LongTermPath returns the SQLite path, defaulting under DataDir.
func (c *Config) LongTermPath() string {
	if c.LongTerm.Path != "" {
		return c.LongTerm.Path
	}
	return filepath.Join(c.DataDir, "long_term.db")
}

// SecureDir returns the file backend directory, defaulting under DataDir.
func (c *Config) SecureDir() string {
	if c.SecureStore.Dir != "" {
		return c.SecureStore.Dir
	}
	return filepath.Join(c.DataDir, "secure")
}

// ArchiveDir returns the file sink directory, defaulting under DataDir.
func (c *Config) ArchiveDir() string {
	if c.Archive.Dir != "" {
		return c.Archive.Dir
	}
	return filepath.Join(c.DataDir, "archive")
}
