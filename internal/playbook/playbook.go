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

// Package playbook 解析 PLAYBOOK.md（YAML frontmatter + Markdown 正文）并做变量水合。
// 解析结果 Playbook 是 controller 的唯一输入形态；水合产物写入 /shared 供 step agent 读取。
package playbook

const (
	// DefaultTimeoutMinutes step 未声明 timeoutMinutes 时的默认值
	DefaultTimeoutMinutes = 30
	// DefaultApproval step 未声明 approval 模式时的默认值
	DefaultApproval = "approve_only"
	// DefaultSchemaVersion frontmatter 未声明 schemaVersion 时的默认值
	DefaultSchemaVersion = "v2"
)

// Variable frontmatter variables[] 中的一项；Source 为点分路径（org.* / run.context.* / members.{role}.*）
type Variable struct {
	Name        string `yaml:"name"`
	Source      string `yaml:"source"`
	Required    *bool  `yaml:"required"` // 未配置时默认 true
	Description string `yaml:"description"`
}

// IsRequired 返回该变量是否必填；frontmatter 缺省视为必填
func (v Variable) IsRequired() bool {
	return v.Required == nil || *v.Required
}

// Step frontmatter steps[] 中的一项；Dependencies 只允许引用同一 playbook 内的 step id
type Step struct {
	ID                  string   `yaml:"id"`
	Order               int      `yaml:"order"`
	Title               string   `yaml:"title"`
	AssignedRole        string   `yaml:"assignedRole"`
	AgentImage          string   `yaml:"agentImage"`
	TimeoutMinutes      int      `yaml:"timeoutMinutes"`
	Interactive         bool     `yaml:"interactive"`
	Approval            string   `yaml:"approval"`
	Dependencies        []string `yaml:"dependencies"`
	Description         string   `yaml:"description"`
	Instruction         string   `yaml:"instruction"`
	RequiredConnections []string `yaml:"requiredConnections"`
}

// Playbook 一份已解析的 PLAYBOOK.md：frontmatter 元数据 + Markdown 正文 + 按 step 切分的正文片段
type Playbook struct {
	Name          string
	Version       string
	Description   string
	Category      string
	SchemaVersion string
	Trigger       map[string]any
	Participants  []map[string]any
	Variables     []Variable
	Steps         []Step
	Body          string
	// StepSections 正文中 "## Step: {id}" 小节，按 step id 索引
	StepSections map[string]string
}

// StepByID 按 id 查找 step；未找到返回 nil
func (p *Playbook) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}
