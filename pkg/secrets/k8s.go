// Copyright 2026 fanjia1024
// Kubernetes secret store

package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// K8sConfig Kubernetes 配置。平台把 connection token 以 Secret 挂载进
// step 容器，每个 connection 一个文件：{secrets_path}/{connection}。
type K8sConfig struct {
	// SecretsPath secret 卷挂载路径，默认 /etc/connections
	SecretsPath string `yaml:"secrets_path"`
}

type k8sStore struct {
	secretsPath string
}

// NewK8sStore 创建基于挂载卷的 secret store；挂载点不存在视为不在集群内
func NewK8sStore(config K8sConfig) (Store, error) {
	secretsPath := config.SecretsPath
	if secretsPath == "" {
		secretsPath = "/etc/connections"
	}
	if _, err := os.Stat(secretsPath); err != nil {
		return nil, fmt.Errorf("secret mount not found at %s: %w", secretsPath, err)
	}
	return &k8sStore{secretsPath: secretsPath}, nil
}

func (k *k8sStore) Get(ctx context.Context, key string) (string, error) {
	// key 是文件名，拒绝路径穿越
	if key != filepath.Base(key) {
		return "", fmt.Errorf("%w: invalid key %q", ErrSecretNotFound, key)
	}
	data, err := os.ReadFile(filepath.Join(k.secretsPath, key))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return strings.TrimSpace(string(data)), nil
}

func (k *k8sStore) Set(ctx context.Context, key string, value string) error {
	return fmt.Errorf("k8s secret store is read-only: secrets are managed by the cluster")
}

func (k *k8sStore) Delete(ctx context.Context, key string) error {
	return fmt.Errorf("k8s secret store is read-only: secrets are managed by the cluster")
}

func (k *k8sStore) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(k.secretsPath)
	if err != nil {
		return nil, fmt.Errorf("list secret mount: %w", err)
	}
	var keys []string
	for _, e := range entries {
		// Secret 卷里的文件实际是指向 ..data 的符号链接，跳过隐藏项即可
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "..") {
			continue
		}
		if prefix == "" || strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	return keys, nil
}
