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

package playbook

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// stepHeadingRe 匹配正文中的 "## Step: step-id" 标题（大小写不敏感）
var stepHeadingRe = regexp.MustCompile(`(?mi)^##\s+Step:\s*(\S+)\s*$`)

// frontmatter frontmatter 的 YAML 映射结构；字段名与文档 schema 对齐
type frontmatter struct {
	Name          string           `yaml:"name"`
	Version       string           `yaml:"version"`
	Description   string           `yaml:"description"`
	Category      string           `yaml:"category"`
	SchemaVersion string           `yaml:"schemaVersion"`
	Trigger       map[string]any   `yaml:"trigger"`
	Participants  []map[string]any `yaml:"participants"`
	Variables     []Variable       `yaml:"variables"`
	Steps         []Step           `yaml:"steps"`
}

// Parse 将 PLAYBOOK.md 内容解析为 Playbook；frontmatter 缺失或畸形时返回错误
func Parse(content string) (*Playbook, error) {
	fm, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}

	var parsed frontmatter
	if err := yaml.Unmarshal([]byte(fm), &parsed); err != nil {
		return nil, fmt.Errorf("playbook: invalid YAML frontmatter: %w", err)
	}

	pb := &Playbook{
		Name:          parsed.Name,
		Version:       parsed.Version,
		Description:   parsed.Description,
		Category:      parsed.Category,
		SchemaVersion: parsed.SchemaVersion,
		Trigger:       parsed.Trigger,
		Participants:  parsed.Participants,
		Variables:     parsed.Variables,
		Steps:         parsed.Steps,
		Body:          body,
		StepSections:  parseStepSections(body),
	}
	applyDefaults(pb)
	return pb, nil
}

// ParseFile 读取并解析一个 PLAYBOOK.md 文件
func ParseFile(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("playbook: read %s: %w", path, err)
	}
	return Parse(string(data))
}

// splitFrontmatter 切出 "---" 包裹的 YAML 与其后的 Markdown 正文
func splitFrontmatter(content string) (fm string, body string, err error) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "---") {
		return "", "", fmt.Errorf("playbook: missing YAML frontmatter (must start with ---)")
	}
	rest := trimmed[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", "", fmt.Errorf("playbook: malformed YAML frontmatter (missing closing ---)")
	}
	fm = strings.TrimSpace(rest[:end])
	body = strings.TrimSpace(rest[end+len("\n---"):])
	if fm == "" {
		return "", "", fmt.Errorf("playbook: YAML frontmatter is empty")
	}
	return fm, body, nil
}

// applyDefaults 填充缺省字段；与文档 schema 的默认值保持一致
func applyDefaults(pb *Playbook) {
	if pb.Name == "" {
		pb.Name = "Untitled"
	}
	if pb.Version == "" {
		pb.Version = "1.0.0"
	}
	if pb.SchemaVersion == "" {
		pb.SchemaVersion = DefaultSchemaVersion
	}
	for i := range pb.Steps {
		s := &pb.Steps[i]
		if s.ID == "" {
			s.ID = fmt.Sprintf("step-%d", i+1)
		}
		if s.Order == 0 {
			s.Order = i + 1
		}
		if s.Title == "" {
			s.Title = fmt.Sprintf("Step %d", i+1)
		}
		if s.TimeoutMinutes <= 0 {
			s.TimeoutMinutes = DefaultTimeoutMinutes
		}
		if s.Approval == "" {
			s.Approval = DefaultApproval
		}
		if s.Dependencies == nil {
			s.Dependencies = []string{}
		}
	}
}

// parseStepSections 从正文提取每个 step 的小节；小节从标题到下一个 step 标题（或正文末尾）
func parseStepSections(body string) map[string]string {
	matches := stepHeadingRe.FindAllStringSubmatchIndex(body, -1)
	if len(matches) == 0 {
		return map[string]string{}
	}
	sections := make(map[string]string, len(matches))
	for i, m := range matches {
		stepID := body[m[2]:m[3]]
		start := m[1]
		end := len(body)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		sections[stepID] = strings.TrimSpace(body[start:end])
	}
	return sections
}
