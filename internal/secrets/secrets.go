// Package secrets reads database credentials from HashiCorp Vault so the
// store can rotate them after an authentication failure.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"
)

var (
	ErrNotFound      = errors.New("secrets: secret not found")
	ErrInvalidSecret = errors.New("secrets: invalid secret format")
)

// DBCredentials is a database username/password pair.
type DBCredentials struct {
	Username string
	Password string
}

// Store returns credentials by secret name.
type Store interface {
	GetSecret(ctx context.Context, name string) (*DBCredentials, error)
}

// Config configures the Vault-backed store.
type Config struct {
	Address string
	Token   string
	Mount   string // KV v2 mount, e.g. "secret"
}

// VaultStore reads KV v2 secrets holding "username" and "password".
type VaultStore struct {
	client *api.Client
	mount  string
}

// NewVaultStore creates a Vault client from cfg.
func NewVaultStore(cfg Config) (*VaultStore, error) {
	vaultConfig := api.DefaultConfig()
	if cfg.Address != "" {
		vaultConfig.Address = cfg.Address
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = "secret"
	}
	return &VaultStore{client: client, mount: mount}, nil
}

// GetSecret reads {mount}/data/{name}.
func (s *VaultStore) GetSecret(ctx context.Context, name string) (*DBCredentials, error) {
	path := fmt.Sprintf("%s/data/%s", s.mount, strings.Trim(name, "/"))

	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}
	return ParseKV(secret.Data)
}

// ParseKV extracts credentials from a KV v2 read payload.
func ParseKV(payload map[string]interface{}) (*DBCredentials, error) {
	data, ok := payload["data"].(map[string]interface{})
	if !ok {
		return nil, ErrInvalidSecret
	}
	creds := &DBCredentials{
		Username: getString(data, "username"),
		Password: getString(data, "password"),
	}
	if creds.Username == "" || creds.Password == "" {
		return nil, ErrInvalidSecret
	}
	return creds, nil
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Static returns fixed credentials. Used when Vault is not configured.
type Static DBCredentials

func (s Static) GetSecret(context.Context, string) (*DBCredentials, error) {
	c := DBCredentials(s)
	return &c, nil
}
