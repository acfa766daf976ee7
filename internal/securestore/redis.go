package securestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rcliao/tiered-memory/internal/cipher"
)

// RedisStoreOptions configures a RedisStore.
type RedisStoreOptions struct {
	Client    redis.UniversalClient
	Namespace string // key prefix, "tiermem" by default

	// Keys supplies the content key. When nil the key lives in Redis at
	// <namespace>:key and is created on first use.
	Keys KeySource

	Backups int // backups kept; zero uses DefaultBackups

	// CloseClient closes Client on Shutdown.
	CloseClient bool
	Logger      zerolog.Logger
}

// RedisStore keeps the encrypted snapshot in Redis.
type RedisStore struct {
	opts    RedisStoreOptions
	client  redis.UniversalClient
	logger  zerolog.Logger
	tracker *tracker

	mu     sync.Mutex
	key    []byte
	cipher *cipher.Cipher
}

var _ SecureStore = (*RedisStore)(nil)

// envelope is the value stored at <namespace>:snapshot.
type envelope struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Data    []byte    `json:"data"`
}

// NewRedisStore wraps an existing client.
func NewRedisStore(opts RedisStoreOptions) (*RedisStore, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis store: client required")
	}
	if opts.Namespace == "" {
		opts.Namespace = "tiermem"
	}
	if opts.Backups <= 0 {
		opts.Backups = DefaultBackups
	}
	return &RedisStore{
		opts:    opts,
		client:  opts.Client,
		logger:  opts.Logger.With().Str("backend", "redis").Logger(),
		tracker: newTracker("redis"),
	}, nil
}

func (s *RedisStore) k(suffix string) string {
	return s.opts.Namespace + ":" + suffix
}

func (s *RedisStore) Key(ctx context.Context) ([]byte, error) {
	if s.tracker.isClosed() {
		return nil, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := s.keyLocked(ctx)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(key), nil
}

func (s *RedisStore) keyLocked(ctx context.Context) ([]byte, error) {
	if s.key != nil {
		return s.key, nil
	}
	if s.opts.Keys != nil {
		key, err := s.opts.Keys.Key(ctx)
		if err != nil {
			return nil, err
		}
		s.key = key
		return key, nil
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	// SETNX keeps the first writer's key when several processes race.
	if _, err := s.client.SetNX(ctx, s.k("key"), key, 0).Result(); err != nil {
		return nil, fmt.Errorf("create redis key: %w", err)
	}
	stored, err := s.client.Get(ctx, s.k("key")).Bytes()
	if err != nil {
		return nil, fmt.Errorf("read redis key: %w", err)
	}
	if len(stored) != cipher.KeySize {
		return nil, fmt.Errorf("invalid redis key size: expected %d bytes, got %d", cipher.KeySize, len(stored))
	}
	s.key = stored
	return stored, nil
}

func (s *RedisStore) cipherLocked(ctx context.Context) (*cipher.Cipher, error) {
	if s.cipher != nil {
		return s.cipher, nil
	}
	key, err := s.keyLocked(ctx)
	if err != nil {
		return nil, err
	}
	c, err := cipher.New(key)
	if err != nil {
		return nil, err
	}
	s.cipher = c
	return c, nil
}

// Save writes the snapshot and, with autoBackup, pushes the previous one onto
// the backup list in the same transaction.
func (s *RedisStore) Save(ctx context.Context, snapshot []byte, autoBackup bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	n, err := s.saveLocked(ctx, snapshot, autoBackup)
	if err != nil {
		s.tracker.saveFailed(err)
		return err
	}
	s.tracker.saved(n, time.Since(start), time.Now())
	return nil
}

func (s *RedisStore) saveLocked(ctx context.Context, snapshot []byte, autoBackup bool) (int, error) {
	if s.tracker.isClosed() {
		return 0, ErrClosed
	}
	c, err := s.cipherLocked(ctx)
	if err != nil {
		return 0, err
	}
	sealed, err := c.Seal(snapshot)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(envelope{Version: 1, SavedAt: time.Now().UTC(), Data: sealed})
	if err != nil {
		return 0, fmt.Errorf("encode envelope: %w", err)
	}

	var previous []byte
	if autoBackup {
		previous, err = s.client.Get(ctx, s.k("snapshot")).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("read snapshot for backup: %w", err)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(previous) > 0 {
			pipe.LPush(ctx, s.k("backups"), previous)
			pipe.LTrim(ctx, s.k("backups"), 0, int64(s.opts.Backups-1))
		}
		pipe.Set(ctx, s.k("snapshot"), payload, 0)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}
	if len(previous) > 0 {
		s.tracker.backedUp()
	}
	return len(payload), nil
}

// Load reads and decrypts the current snapshot.
func (s *RedisStore) Load(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return nil, err
	}
	if err != nil {
		s.tracker.loadFailed(err)
		return nil, err
	}
	s.tracker.loaded()
	return data, nil
}

func (s *RedisStore) loadLocked(ctx context.Context) ([]byte, error) {
	if s.tracker.isClosed() {
		return nil, ErrClosed
	}
	raw, err := s.client.Get(ctx, s.k("snapshot")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	c, err := s.cipherLocked(ctx)
	if err != nil {
		return nil, err
	}
	return c.Open(env.Data)
}

// Backups returns the number of retained backups.
func (s *RedisStore) Backups(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.k("backups")).Result()
}

// Health pings Redis in addition to reporting the last save outcome.
func (s *RedisStore) Health(ctx context.Context) Health {
	h, _ := s.tracker.snapshot()
	if s.tracker.isClosed() {
		return h
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		h.Healthy = false
		h.LastError = err.Error()
	}
	return h
}

func (s *RedisStore) Metrics() Metrics {
	_, m := s.tracker.snapshot()
	return m
}

func (s *RedisStore) Shutdown(ctx context.Context) error {
	if !s.tracker.close() {
		return nil
	}
	if s.opts.CloseClient {
		if err := s.client.Close(); err != nil {
			return fmt.Errorf("close redis client: %w", err)
		}
	}
	return nil
}
