// Copyright 2026 fanjia1024
// Secret management abstraction

package secrets

import (
	"context"
	"errors"
	"fmt"
)

// ErrSecretNotFound key 不存在；各后端统一用它包装，调用方 errors.Is 判断
var ErrSecretNotFound = errors.New("secrets: not found")

// Store Secret 存储接口。worker 用它取 step 声明的 connection token，
// trigger 与 controller 用它取后端凭据。
type Store interface {
	// Get 获取 secret 值
	Get(ctx context.Context, key string) (string, error)

	// Set 设置 secret 值
	Set(ctx context.Context, key string, value string) error

	// Delete 删除 secret
	Delete(ctx context.Context, key string) error

	// List 列出所有 secret keys
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config Secret Store 配置
type Config struct {
	Provider string            `yaml:"provider"` // vault | k8s | env | memory
	Config   map[string]string `yaml:"config"`   // Provider-specific config
}

// NewStore 创建 Secret Store。docstore 后端绑定具体 run，
// 不走这里，用 NewDocStore 直接构造。
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "", "memory":
		return NewMemoryStore(), nil
	case "env":
		return NewEnvStore(config.Config["prefix"]), nil
	case "vault":
		return NewVaultStore(VaultConfig{
			Address:    config.Config["address"],
			Token:      config.Config["token"],
			PathPrefix: config.Config["path_prefix"],
		})
	case "k8s":
		return NewK8sStore(K8sConfig{
			SecretsPath: config.Config["secrets_path"],
		})
	default:
		return nil, fmt.Errorf("unknown secrets provider: %s", config.Provider)
	}
}
