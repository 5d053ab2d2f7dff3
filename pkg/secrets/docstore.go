// Copyright 2026 fanjia1024
// Document store backed secret store (read-only)

package secrets

import (
	"context"
	"fmt"
)

// OrgSecretReader 文档库里按 connection 名取 OAuth token 的窄接口。
// statestore.Store 满足它。
type OrgSecretReader interface {
	ReadOAuthToken(ctx context.Context, connection string) (string, error)
}

type docStore struct {
	reader OrgSecretReader
}

// NewDocStore 创建文档库后端的 secret store。只读：worker 取 step 声明的
// connection token 用，写入走组织管理面，不经过 worker。
func NewDocStore(reader OrgSecretReader) Store {
	return &docStore{reader: reader}
}

func (d *docStore) Get(ctx context.Context, key string) (string, error) {
	token, err := d.reader.ReadOAuthToken(ctx, key)
	if err != nil {
		return "", fmt.Errorf("read oauth token for %s: %w", key, err)
	}
	if token == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return token, nil
}

func (d *docStore) Set(ctx context.Context, key string, value string) error {
	return fmt.Errorf("docstore secrets are read-only")
}

func (d *docStore) Delete(ctx context.Context, key string) error {
	return fmt.Errorf("docstore secrets are read-only")
}

func (d *docStore) List(ctx context.Context, prefix string) ([]string, error) {
	return nil, fmt.Errorf("docstore secrets cannot be listed")
}
