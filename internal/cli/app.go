package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rcliao/tiered-memory/internal/archive"
	"github.com/rcliao/tiered-memory/internal/config"
	"github.com/rcliao/tiered-memory/internal/logger"
	"github.com/rcliao/tiered-memory/internal/metrics"
	"github.com/rcliao/tiered-memory/internal/orchestrator"
	"github.com/rcliao/tiered-memory/internal/securestore"
	"github.com/rcliao/tiered-memory/internal/tier"
)

const shutdownTimeout = 10 * time.Second

// app is everything a command needs, opened from the resolved config.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics
	orch    *orchestrator.Orchestrator
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		File:   cfg.Logging.File,
		Pretty: cfg.Logging.Pretty,
	})
	if err != nil {
		return nil, err
	}
	zl := lg.Zerolog()

	secure, err := openSecureStore(cfg, zl)
	if err != nil {
		lg.Close()
		return nil, fmt.Errorf("open secure store: %w", err)
	}
	sink, err := openArchiveSink(ctx, cfg, zl)
	if err != nil {
		secure.Shutdown(ctx)
		lg.Close()
		return nil, fmt.Errorf("open archive sink: %w", err)
	}

	m := metrics.NewMetrics()
	orch, err := orchestrator.New(ctx, orchestrator.Options{
		SecureStore:          secure,
		LongTermPath:         cfg.LongTermPath(),
		LongTermQueryTimeout: cfg.LongTerm.QueryTimeout,
		ShortTerm: tier.ShortTermOptions{
			Capacity:           cfg.ShortTerm.Capacity,
			TTL:                cfg.ShortTerm.TTL,
			PromotionThreshold: cfg.ShortTerm.PromotionThreshold,
		},
		MidTerm: tier.MidTermOptions{
			Capacity:           cfg.MidTerm.Capacity,
			PromotionThreshold: cfg.MidTerm.PromotionThreshold,
		},
		LongTermThreshold:    cfg.Routing.LongTermThreshold,
		CompressionThreshold: cfg.Routing.CompressionThreshold,
		DisableAutoCompress:  !cfg.Routing.AutoCompress,
		DisableAutoSave:      !cfg.Persistence.AutoSave,
		SkipLoad:             !cfg.Persistence.LoadOnStart,
		AutoBackup:           cfg.Persistence.AutoBackup,
		SaveDebounce:         cfg.Persistence.Debounce,
		Retention:            cfg.LongTerm.Retention,
		Archive:              sink,
		Metrics:              m,
		Logger:               zl,
	})
	if err != nil {
		secure.Shutdown(ctx)
		lg.Close()
		return nil, err
	}

	return &app{cfg: cfg, log: lg, metrics: m, orch: orch}, nil
}

// close saves the final snapshot and releases every resource.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.orch.Shutdown(ctx); err != nil {
		zl := a.log.Zerolog()
		zl.Error().Err(err).Msg("shutdown")
	}
	a.log.Close()
}

func openKeySource(cfg *config.Config) (securestore.KeySource, error) {
	k := cfg.SecureStore.Key
	switch k.Source {
	case "file":
		path := k.Path
		if path == "" {
			path = filepath.Join(cfg.SecureDir(), "master.key")
		}
		return &securestore.FileKeySource{Path: path}, nil
	case "passphrase":
		path := k.Path
		if path == "" {
			path = filepath.Join(cfg.SecureDir(), "salt")
		}
		return &securestore.PassphraseKeySource{Passphrase: k.Passphrase, SaltPath: path}, nil
	case "vault":
		return securestore.NewVaultKeySource(securestore.VaultConfig{
			Address:  k.Vault.Address,
			Token:    k.Vault.Token,
			RoleID:   k.Vault.RoleID,
			SecretID: k.Vault.SecretID,
			Mount:    k.Vault.Mount,
			Path:     k.Vault.Path,
			Field:    k.Vault.Field,
			Create:   k.Vault.Create,
		})
	case "redis":
		// The redis backend keeps the key next to the snapshot.
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown key source %q", k.Source)
	}
}

func openSecureStore(cfg *config.Config, zl zerolog.Logger) (securestore.SecureStore, error) {
	keys, err := openKeySource(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.SecureStore.Backend {
	case "file":
		if keys == nil {
			return nil, fmt.Errorf("file backend needs a file, passphrase or vault key source")
		}
		return securestore.NewFileStore(securestore.FileStoreOptions{
			Dir:     cfg.SecureDir(),
			Keys:    keys,
			Backups: cfg.SecureStore.Backups,
			Logger:  zl,
		})
	case "redis":
		r := cfg.SecureStore.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
		})
		return securestore.NewRedisStore(securestore.RedisStoreOptions{
			Client:      client,
			Namespace:   r.Namespace,
			Keys:        keys,
			Backups:     cfg.SecureStore.Backups,
			CloseClient: true,
			Logger:      zl,
		})
	default:
		return nil, fmt.Errorf("unknown secure store backend %q", cfg.SecureStore.Backend)
	}
}

func openArchiveSink(ctx context.Context, cfg *config.Config, zl zerolog.Logger) (archive.Sink, error) {
	switch cfg.Archive.Sink {
	case "file":
		return archive.NewFileSink(cfg.ArchiveDir())
	case "s3":
		s := cfg.Archive.S3
		return archive.NewS3Sink(ctx, archive.S3Config{
			Bucket:      s.Bucket,
			Region:      s.Region,
			AccessKeyID: s.AccessKeyID,
			SecretKey:   s.SecretKey,
			Endpoint:    s.Endpoint,
			Prefix:      s.Prefix,
		})
	case "discard":
		return archive.DiscardSink{Logger: zl}, nil
	default:
		return nil, fmt.Errorf("unknown archive sink %q", cfg.Archive.Sink)
	}
}
