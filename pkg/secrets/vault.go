// Copyright 2026 fanjia1024
// HashiCorp Vault secret store

package secrets

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig Vault 配置
type VaultConfig struct {
	Address    string `yaml:"address"`     // Vault 地址，如 http://vault:8200
	Token      string `yaml:"token"`       // Vault token
	PathPrefix string `yaml:"path_prefix"` // secret 路径前缀，默认 "secret"
}

// vaultStore 把 connection token 存在 {prefix}/connections/{key} 下。
// 不做本地缓存：token 会轮换，每次取用都走 Vault。
type vaultStore struct {
	client     *vault.Client
	pathPrefix string
}

// NewVaultStore 创建 Vault secret store
func NewVaultStore(config VaultConfig) (Store, error) {
	if config.Address == "" {
		config.Address = "http://localhost:8200"
	}

	cfg := vault.DefaultConfig()
	cfg.Address = config.Address

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if config.Token != "" {
		client.SetToken(config.Token)
	}

	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("connect to vault: %w", err)
	}

	prefix := config.PathPrefix
	if prefix == "" {
		prefix = "secret"
	}
	return &vaultStore{client: client, pathPrefix: prefix}, nil
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.connectionPath(key))
	if err != nil {
		return "", fmt.Errorf("read secret from vault: %w", err)
	}
	if secret == nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}

	if token, ok := secret.Data["token"].(string); ok {
		return token, nil
	}
	// 非本平台写入的 secret：退回取第一个字符串值
	for _, val := range secret.Data {
		if str, ok := val.(string); ok {
			return str, nil
		}
	}
	return "", fmt.Errorf("%w: %s has no string value", ErrSecretNotFound, key)
}

func (v *vaultStore) Set(ctx context.Context, key string, value string) error {
	data := map[string]interface{}{"token": value}
	if _, err := v.client.Logical().WriteWithContext(ctx, v.connectionPath(key), data); err != nil {
		return fmt.Errorf("write secret to vault: %w", err)
	}
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	if _, err := v.client.Logical().DeleteWithContext(ctx, v.connectionPath(key)); err != nil {
		return fmt.Errorf("delete secret from vault: %w", err)
	}
	return nil
}

func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	secret, err := v.client.Logical().ListWithContext(ctx, v.pathPrefix+"/connections")
	if err != nil {
		return nil, fmt.Errorf("list secrets from vault: %w", err)
	}
	if secret == nil {
		return nil, nil
	}

	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	var result []string
	for _, k := range keys {
		str, ok := k.(string)
		if !ok {
			continue
		}
		if prefix == "" || len(str) >= len(prefix) && str[:len(prefix)] == prefix {
			result = append(result, str)
		}
	}
	return result, nil
}

func (v *vaultStore) connectionPath(key string) string {
	return fmt.Sprintf("%s/connections/%s", v.pathPrefix, key)
}
