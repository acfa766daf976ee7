package securestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/rcliao/tiered-memory/internal/cipher"
)

const (
	DefaultBackups = 5

	snapshotFile = "snapshot.enc"
	backupDir    = "backups"
	backupExt    = ".enc"
)

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	Dir     string
	Keys    KeySource
	Backups int // backups kept; zero uses DefaultBackups
	Logger  zerolog.Logger
}

// FileStore keeps the encrypted snapshot in a local directory.
type FileStore struct {
	opts    FileStoreOptions
	logger  zerolog.Logger
	tracker *tracker

	mu     sync.Mutex // serializes Save and Load
	cipher *cipher.Cipher
}

var _ SecureStore = (*FileStore)(nil)

// NewFileStore creates the store directory if needed.
func NewFileStore(opts FileStoreOptions) (*FileStore, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("file store: dir required")
	}
	if opts.Keys == nil {
		opts.Keys = &FileKeySource{Path: filepath.Join(opts.Dir, "master.key")}
	}
	if opts.Backups <= 0 {
		opts.Backups = DefaultBackups
	}
	if err := os.MkdirAll(filepath.Join(opts.Dir, backupDir), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{
		opts:    opts,
		logger:  opts.Logger.With().Str("backend", "file").Logger(),
		tracker: newTracker("file"),
	}, nil
}

func (s *FileStore) Key(ctx context.Context) ([]byte, error) {
	if s.tracker.isClosed() {
		return nil, ErrClosed
	}
	return s.opts.Keys.Key(ctx)
}

func (s *FileStore) cipherLocked(ctx context.Context) (*cipher.Cipher, error) {
	if s.cipher != nil {
		return s.cipher, nil
	}
	key, err := s.opts.Keys.Key(ctx)
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

// Save encrypts snapshot and atomically replaces the current file.
func (s *FileStore) Save(ctx context.Context, snapshot []byte, autoBackup bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	err := s.saveLocked(ctx, snapshot, autoBackup)
	if err != nil {
		s.tracker.saveFailed(err)
		return err
	}
	s.tracker.saved(len(snapshot), time.Since(start), time.Now())
	return nil
}

func (s *FileStore) saveLocked(ctx context.Context, snapshot []byte, autoBackup bool) error {
	if s.tracker.isClosed() {
		return ErrClosed
	}
	c, err := s.cipherLocked(ctx)
	if err != nil {
		return err
	}
	sealed, err := c.Seal(snapshot)
	if err != nil {
		return err
	}

	path := filepath.Join(s.opts.Dir, snapshotFile)
	if autoBackup {
		if err := s.backupLocked(path); err != nil {
			return err
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, KeyFilePermission); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) backupLocked(path string) error {
	current, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot for backup: %w", err)
	}

	name := ulid.Make().String() + backupExt
	dir := filepath.Join(s.opts.Dir, backupDir)
	if err := os.WriteFile(filepath.Join(dir, name), current, KeyFilePermission); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	s.tracker.backedUp()

	backups, err := s.listBackups()
	if err != nil {
		return err
	}
	for len(backups) > s.opts.Backups {
		if err := os.Remove(filepath.Join(dir, backups[0])); err != nil {
			s.logger.Warn().Err(err).Str("backup", backups[0]).Msg("prune backup")
		}
		backups = backups[1:]
	}
	return nil
}

// listBackups returns backup file names oldest first.
func (s *FileStore) listBackups() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.opts.Dir, backupDir))
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), backupExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Load decrypts the current snapshot.
func (s *FileStore) Load(ctx context.Context) ([]byte, error) {
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

func (s *FileStore) loadLocked(ctx context.Context) ([]byte, error) {
	if s.tracker.isClosed() {
		return nil, ErrClosed
	}
	sealed, err := os.ReadFile(filepath.Join(s.opts.Dir, snapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	c, err := s.cipherLocked(ctx)
	if err != nil {
		return nil, err
	}
	return c.Open(sealed)
}

func (s *FileStore) Health(ctx context.Context) Health {
	h, _ := s.tracker.snapshot()
	return h
}

func (s *FileStore) Metrics() Metrics {
	_, m := s.tracker.snapshot()
	return m
}

func (s *FileStore) Shutdown(ctx context.Context) error {
	if s.tracker.close() {
		s.logger.Debug().Msg("secure store shut down")
	}
	return nil
}
