// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package blob 把 step 产物上传到 blob 存储的签名 URL，并把元数据
// 回写到文档库。产物本体只活在 blob 存储里，文档库只记元数据。
package blob

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"

	"playbook-platform/internal/statestore"
)

// SignURL 返回某个对象路径的可写签名 URL。
// 生产里由 blob 存储网关实现，测试里用 httptest。
type SignURL func(ctx context.Context, storagePath string) (string, error)

// Uploader 产物上传器
type Uploader struct {
	client *resty.Client
	store  statestore.Store
	sign   SignURL
}

// NewUploader 创建上传器
func NewUploader(store statestore.Store, sign SignURL) *Uploader {
	return &Uploader{
		client: resty.New().SetTimeout(60 * time.Second),
		store:  store,
		sign:   sign,
	}
}

// Artifact 一个待上传的产物
type Artifact struct {
	StepID      string
	Name        string
	ContentType string
	Data        []byte
}

// Upload 上传产物并登记元数据：PUT 到签名 URL，成功后写 File 文档
// 并追加 file_ready 事件。返回 File 文档 ID。
func (u *Uploader) Upload(ctx context.Context, orgID, runID string, a Artifact) (string, error) {
	if a.Name == "" {
		return "", fmt.Errorf("blob: artifact name is required")
	}
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	storagePath := fmt.Sprintf("runs/%s/%s/%s/%s", orgID, runID, a.StepID, a.Name)
	url, err := u.sign(ctx, storagePath)
	if err != nil {
		return "", fmt.Errorf("blob: sign %s: %w", storagePath, err)
	}

	resp, err := u.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(a.Data).
		Put(url)
	if err != nil {
		return "", fmt.Errorf("blob: upload %s: %w", a.Name, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return "", fmt.Errorf("blob: upload %s: status %d: %s", a.Name, resp.StatusCode(), resp.String())
	}

	fileID, err := u.store.AddFile(ctx, statestore.File{
		StepID:      a.StepID,
		Name:        a.Name,
		ContentType: contentType,
		Size:        int64(len(a.Data)),
		URL:         storagePath,
	})
	if err != nil {
		return "", fmt.Errorf("blob: record file %s: %w", a.Name, err)
	}

	if _, err := u.store.AppendEvent(ctx, statestore.Event{
		StepID: a.StepID,
		Type:   statestore.EventFileReady,
		Payload: map[string]any{
			"fileId":      fileID,
			"name":        a.Name,
			"storagePath": storagePath,
			"sizeBytes":   len(a.Data),
		},
	}); err != nil {
		return "", fmt.Errorf("blob: file_ready event for %s: %w", a.Name, err)
	}
	return fileID, nil
}

// UploadFile 读本地文件再上传；worker 收尾时把 /shared 下的产物搬走用这个
func (u *Uploader) UploadFile(ctx context.Context, orgID, runID, stepID, path, contentType string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("blob: read %s: %w", path, err)
	}
	return u.Upload(ctx, orgID, runID, Artifact{
		StepID:      stepID,
		Name:        filepath.Base(path),
		ContentType: contentType,
		Data:        data,
	})
}
