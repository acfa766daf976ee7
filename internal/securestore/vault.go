package securestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"

	"github.com/rcliao/tiered-memory/internal/cipher"
)

// VaultConfig configures a VaultKeySource.
type VaultConfig struct {
	Address  string
	Token    string
	RoleID   string
	SecretID string

	// Mount is the KV v2 mount, "secret" by default.
	Mount string
	// Path is the secret path under the mount, "tiermem" by default.
	Path string
	// Field holds the base64 key, "key" by default.
	Field string

	// Create writes a new random key when the secret does not exist.
	Create bool
}

// VaultKeySource reads the content key from a Vault KV v2 secret.
type VaultKeySource struct {
	client *vault.Client
	cfg    VaultConfig

	mu  sync.Mutex
	key []byte
}

// NewVaultKeySource creates a Vault client and authenticates with either a
// token or AppRole credentials.
func NewVaultKeySource(cfg VaultConfig) (*VaultKeySource, error) {
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}
	if cfg.Path == "" {
		cfg.Path = "tiermem"
	}
	if cfg.Field == "" {
		cfg.Field = "key"
	}

	vConfig := vault.DefaultConfig()
	if cfg.Address != "" {
		vConfig.Address = cfg.Address
	}
	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	switch {
	case cfg.Token != "":
		client.SetToken(cfg.Token)
	case cfg.RoleID != "":
		secret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("vault login (approle): %w", err)
		}
		if secret == nil || secret.Auth == nil {
			return nil, fmt.Errorf("vault login returned no auth info")
		}
		client.SetToken(secret.Auth.ClientToken)
	default:
		return nil, fmt.Errorf("vault: token or role_id required")
	}

	return &VaultKeySource{client: client, cfg: cfg}, nil
}

func (v *VaultKeySource) dataPath() string {
	return strings.Trim(v.cfg.Mount, "/") + "/data/" + strings.Trim(v.cfg.Path, "/")
}

// Key reads the key, creating it when missing and Create is set.
func (v *VaultKeySource) Key(ctx context.Context) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key != nil {
		return bytes.Clone(v.key), nil
	}

	path := v.dataPath()
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read vault secret %q: %w", path, err)
	}

	if secret == nil || secret.Data == nil {
		if !v.cfg.Create {
			return nil, fmt.Errorf("secret %q not found", path)
		}
		key, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		_, err = v.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
			"data": map[string]interface{}{
				v.cfg.Field: base64.StdEncoding.EncodeToString(key),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("write vault secret %q: %w", path, err)
		}
		v.key = key
		return bytes.Clone(key), nil
	}

	// KV v2 wraps the payload in "data".
	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}
	raw, ok := data[v.cfg.Field].(string)
	if !ok {
		return nil, fmt.Errorf("key %q not found in secret %q", v.cfg.Field, path)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode vault key: %w", err)
	}
	if len(key) != cipher.KeySize {
		return nil, fmt.Errorf("invalid vault key size: expected %d bytes, got %d", cipher.KeySize, len(key))
	}
	v.key = key
	return bytes.Clone(key), nil
}
