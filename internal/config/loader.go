package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from path (optional), then TIERMEM_* environment
// variables, over the defaults. Nested keys use underscores in the
// environment, e.g. TIERMEM_SHORT_TERM_CAPACITY.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("TIERMEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("short_term.capacity", d.ShortTerm.Capacity)
	v.SetDefault("short_term.ttl", d.ShortTerm.TTL)
	v.SetDefault("short_term.promotion_threshold", d.ShortTerm.PromotionThreshold)

	v.SetDefault("mid_term.capacity", d.MidTerm.Capacity)
	v.SetDefault("mid_term.promotion_threshold", d.MidTerm.PromotionThreshold)

	v.SetDefault("long_term.path", d.LongTerm.Path)
	v.SetDefault("long_term.retention", d.LongTerm.Retention)
	v.SetDefault("long_term.query_timeout", d.LongTerm.QueryTimeout)

	v.SetDefault("routing.long_term_threshold", d.Routing.LongTermThreshold)
	v.SetDefault("routing.compression_threshold", d.Routing.CompressionThreshold)
	v.SetDefault("routing.auto_compress", d.Routing.AutoCompress)

	v.SetDefault("persistence.auto_save", d.Persistence.AutoSave)
	v.SetDefault("persistence.auto_backup", d.Persistence.AutoBackup)
	v.SetDefault("persistence.load_on_start", d.Persistence.LoadOnStart)
	v.SetDefault("persistence.debounce", d.Persistence.Debounce)

	v.SetDefault("secure_store.backend", d.SecureStore.Backend)
	v.SetDefault("secure_store.dir", d.SecureStore.Dir)
	v.SetDefault("secure_store.backups", d.SecureStore.Backups)
	v.SetDefault("secure_store.redis.addr", d.SecureStore.Redis.Addr)
	v.SetDefault("secure_store.redis.password", d.SecureStore.Redis.Password)
	v.SetDefault("secure_store.redis.db", d.SecureStore.Redis.DB)
	v.SetDefault("secure_store.redis.namespace", d.SecureStore.Redis.Namespace)
	v.SetDefault("secure_store.key.source", d.SecureStore.Key.Source)
	v.SetDefault("secure_store.key.path", d.SecureStore.Key.Path)
	v.SetDefault("secure_store.key.passphrase", d.SecureStore.Key.Passphrase)
	v.SetDefault("secure_store.key.vault.address", d.SecureStore.Key.Vault.Address)
	v.SetDefault("secure_store.key.vault.token", d.SecureStore.Key.Vault.Token)
	v.SetDefault("secure_store.key.vault.role_id", d.SecureStore.Key.Vault.RoleID)
	v.SetDefault("secure_store.key.vault.secret_id", d.SecureStore.Key.Vault.SecretID)
	v.SetDefault("secure_store.key.vault.mount", d.SecureStore.Key.Vault.Mount)
	v.SetDefault("secure_store.key.vault.path", d.SecureStore.Key.Vault.Path)
	v.SetDefault("secure_store.key.vault.field", d.SecureStore.Key.Vault.Field)
	v.SetDefault("secure_store.key.vault.create", d.SecureStore.Key.Vault.Create)

	v.SetDefault("archive.sink", d.Archive.Sink)
	v.SetDefault("archive.dir", d.Archive.Dir)
	v.SetDefault("archive.s3.bucket", d.Archive.S3.Bucket)
	v.SetDefault("archive.s3.region", d.Archive.S3.Region)
	v.SetDefault("archive.s3.access_key_id", d.Archive.S3.AccessKeyID)
	v.SetDefault("archive.s3.secret_key", d.Archive.S3.SecretKey)
	v.SetDefault("archive.s3.endpoint", d.Archive.S3.Endpoint)
	v.SetDefault("archive.s3.prefix", d.Archive.S3.Prefix)

	v.SetDefault("maintenance.compress", d.Maintenance.Compress)
	v.SetDefault("maintenance.sweep", d.Maintenance.Sweep)
	v.SetDefault("maintenance.prune", d.Maintenance.Prune)
	v.SetDefault("maintenance.save", d.Maintenance.Save)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}
	if c.ShortTerm.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("short_term.capacity must be positive"))
	}
	if c.MidTerm.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("mid_term.capacity must be positive"))
	}
	for name, v := range map[string]float64{
		"short_term.promotion_threshold": c.ShortTerm.PromotionThreshold,
		"mid_term.promotion_threshold":   c.MidTerm.PromotionThreshold,
		"routing.long_term_threshold":    c.Routing.LongTermThreshold,
		"routing.compression_threshold":  c.Routing.CompressionThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0, 1], got %v", name, v))
		}
	}
	if c.LongTerm.Retention <= 0 {
		errs = append(errs, fmt.Errorf("long_term.retention must be positive"))
	}
	if !oneOf(c.SecureStore.Backend, "file", "redis") {
		errs = append(errs, fmt.Errorf("secure_store.backend must be file or redis, got %q", c.SecureStore.Backend))
	}
	if !oneOf(c.SecureStore.Key.Source, "file", "passphrase", "vault", "redis") {
		errs = append(errs, fmt.Errorf("secure_store.key.source must be file, passphrase, vault or redis, got %q", c.SecureStore.Key.Source))
	}
	if c.SecureStore.Key.Source == "redis" && c.SecureStore.Backend != "redis" {
		errs = append(errs, fmt.Errorf("secure_store.key.source redis requires the redis backend"))
	}
	if c.SecureStore.Key.Source == "passphrase" && c.SecureStore.Key.Passphrase == "" {
		errs = append(errs, fmt.Errorf("secure_store.key.passphrase is required for the passphrase key source"))
	}
	if !oneOf(c.Archive.Sink, "file", "s3", "discard") {
		errs = append(errs, fmt.Errorf("archive.sink must be file, s3 or discard, got %q", c.Archive.Sink))
	}
	if c.Archive.Sink == "s3" && c.Archive.S3.Bucket == "" {
		errs = append(errs, fmt.Errorf("archive.s3.bucket is required for the s3 sink"))
	}
	return errors.Join(errs...)
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
