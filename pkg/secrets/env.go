// Copyright 2026 fanjia1024
// Environment variable based secret store

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

type envStore struct {
	// prefix 叠在 key 前面，让 connection token 统一挂在
	// 类似 PLAYBOOK_SECRET_ 的命名空间下
	prefix string
}

// NewEnvStore 创建环境变量 secret store；prefix 可为空
func NewEnvStore(prefix string) Store {
	return &envStore{prefix: prefix}
}

func (e *envStore) envKey(key string) string {
	return e.prefix + key
}

func (e *envStore) Get(ctx context.Context, key string) (string, error) {
	value := os.Getenv(e.envKey(key))
	if value == "" {
		return "", fmt.Errorf("environment variable not set: %s", e.envKey(key))
	}
	return value, nil
}

func (e *envStore) Set(ctx context.Context, key string, value string) error {
	return os.Setenv(e.envKey(key), value)
}

func (e *envStore) Delete(ctx context.Context, key string) error {
	return os.Unsetenv(e.envKey(key))
}

func (e *envStore) List(ctx context.Context, prefix string) ([]string, error) {
	full := e.envKey(prefix)
	var keys []string
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) > 0 && strings.HasPrefix(parts[0], full) {
			keys = append(keys, strings.TrimPrefix(parts[0], e.prefix))
		}
	}
	return keys, nil
}
