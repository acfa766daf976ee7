package securestore

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"

	"github.com/rcliao/tiered-memory/internal/cipher"
)

// KeyFilePermission restricts key and salt files to the owner.
const KeyFilePermission = 0o600

const (
	SaltSize = 32
	ScryptN  = 32768
	ScryptR  = 8
	ScryptP  = 1
)

// KeySource supplies the content encryption key.
type KeySource interface {
	Key(ctx context.Context) ([]byte, error)
}

// GenerateKey returns a fresh random content key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, cipher.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// FileKeySource keeps a random key in a 0600 file, creating it on first use.
type FileKeySource struct {
	Path string

	mu  sync.Mutex
	key []byte
}

// Key loads or creates the key file.
func (f *FileKeySource) Key(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.key != nil {
		return bytes.Clone(f.key), nil
	}

	key, err := readSecretFile(f.Path, cipher.KeySize)
	if errors.Is(err, os.ErrNotExist) {
		if key, err = GenerateKey(); err != nil {
			return nil, err
		}
		if err := writeSecretFile(f.Path, key); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	f.key = key
	return bytes.Clone(key), nil
}

// PassphraseKeySource derives the key from a passphrase with scrypt. The salt
// is generated once and kept next to the data in a 0600 file.
type PassphraseKeySource struct {
	Passphrase string
	SaltPath   string

	// N overrides the scrypt cost parameter; zero uses ScryptN.
	N int

	mu  sync.Mutex
	key []byte
}

// Key derives the key, creating the salt file on first use.
func (p *PassphraseKeySource) Key(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.key != nil {
		return bytes.Clone(p.key), nil
	}
	if p.Passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}

	salt, err := readSecretFile(p.SaltPath, SaltSize)
	if errors.Is(err, os.ErrNotExist) {
		salt = make([]byte, SaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		if err := writeSecretFile(p.SaltPath, salt); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	n := p.N
	if n <= 0 {
		n = ScryptN
	}
	key, err := scrypt.Key([]byte(p.Passphrase), salt, n, ScryptR, ScryptP, cipher.KeySize)
	if err != nil {
		return nil, fmt.Errorf("scrypt key derivation: %w", err)
	}
	p.key = key
	return bytes.Clone(key), nil
}

// StaticKeySource returns a fixed key. Useful in tests and for keys injected
// by the environment.
type StaticKeySource []byte

func (s StaticKeySource) Key(ctx context.Context) ([]byte, error) {
	if len(s) != cipher.KeySize {
		return nil, fmt.Errorf("invalid key size: expected %d bytes, got %d", cipher.KeySize, len(s))
	}
	return bytes.Clone(s), nil
}

func readSecretFile(path string, size int) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if perm := info.Mode().Perm(); perm != KeyFilePermission {
		return nil, fmt.Errorf("%s has insecure permissions %o (expected %o); fix with: chmod %o %s",
			path, perm, KeyFilePermission, KeyFilePermission, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) != size {
		return nil, fmt.Errorf("invalid size in %s: expected %d bytes, got %d", path, size, len(data))
	}
	return data, nil
}

func writeSecretFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, KeyFilePermission)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
