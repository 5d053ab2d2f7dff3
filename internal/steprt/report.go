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

package steprt

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultSharedRoot step 容器内共享卷的挂载点
const DefaultSharedRoot = "/shared"

// ReportPath step 报告在共享卷中的约定位置
func ReportPath(sharedRoot, stepID string) string {
	if sharedRoot == "" {
		sharedRoot = DefaultSharedRoot
	}
	return filepath.Join(sharedRoot, "results", stepID, "report.md")
}

// WriteReport 把 step 的完整报告写到共享卷，供后续 step 与产物上传读取
func WriteReport(sharedRoot, stepID, content string) error {
	path := ReportPath(sharedRoot, stepID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("steprt: create report dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("steprt: write report: %w", err)
	}
	return nil
}

// ReadReport 读取某个 step 的报告；不存在时返回空串
func ReadReport(sharedRoot, stepID string) (string, error) {
	data, err := os.ReadFile(ReportPath(sharedRoot, stepID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("steprt: read report: %w", err)
	}
	return string(data), nil
}
