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

// Package statestore 是 playbook run 的唯一事实源：run / step 文档、事件流、
// 用户输入、检查点与文件登记都经由它读写。controller、step 运行时与 resume
// trigger 共享同一接口，互相之间不直接通信。
package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"playbook-platform/internal/playbook"
)

var (
	// ErrRunNotFound run 文档不存在
	ErrRunNotFound = errors.New("statestore: run not found")
	// ErrStepNotFound step 文档不存在
	ErrStepNotFound = errors.New("statestore: step not found")
	// ErrInputNotFound 输入文档不存在
	ErrInputNotFound = errors.New("statestore: input not found")
	// ErrCheckpointNotFound step 没有已保存的检查点
	ErrCheckpointNotFound = errors.New("statestore: checkpoint not found")
	// ErrRunAborted Heartbeat 发现 run 已被置为 aborted
	ErrRunAborted = errors.New("statestore: run aborted")
)

// RunStatus run 文档状态（闭集）
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// ParseRunStatus 边界处解析，拒绝闭集之外的值
func ParseRunStatus(s string) (RunStatus, error) {
	switch RunStatus(s) {
	case RunPending, RunRunning, RunPaused, RunCompleted, RunFailed, RunAborted:
		return RunStatus(s), nil
	}
	return "", fmt.Errorf("statestore: unknown run status %q", s)
}

// IsTerminal completed/failed/aborted 为终态
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunAborted
}

// StepStatus step 文档状态（闭集）
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepPaused    StepStatus = "paused"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ParseStepStatus 边界处解析，拒绝闭集之外的值
func ParseStepStatus(s string) (StepStatus, error) {
	switch StepStatus(s) {
	case StepPending, StepRunning, StepPaused, StepCompleted, StepFailed, StepSkipped:
		return StepStatus(s), nil
	}
	return "", fmt.Errorf("statestore: unknown step status %q", s)
}

// IsTerminal completed/failed/skipped 为终态；终态 step 不再被改写
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// EventType 事件流类型（闭集）
type EventType string

const (
	EventPlaybookStarted   EventType = "playbook_started"
	EventPlaybookCompleted EventType = "playbook_completed"
	EventPlaybookFailed    EventType = "playbook_failed"
	EventStepStarted       EventType = "step_started"
	EventStepCompleted     EventType = "step_completed"
	EventStepFailed        EventType = "step_failed"
	EventProgress          EventType = "progress"
	EventThinking          EventType = "agent_thinking"
	EventToolUse           EventType = "agent_tool_use"
	EventLog               EventType = "log"
	EventQuestion          EventType = "question"
	EventApprovalRequest   EventType = "approval_request"
	EventFileReady         EventType = "file_ready"
)

// InputType 用户输入类型（闭集）
type InputType string

const (
	InputAnswer   InputType = "answer"
	InputDecision InputType = "decision"
	InputAbort    InputType = "abort"
)

// ParseInputType 边界处解析，拒绝闭集之外的值
func ParseInputType(s string) (InputType, error) {
	switch InputType(s) {
	case InputAnswer, InputDecision, InputAbort:
		return InputType(s), nil
	case "approval":
		// 旧版 trigger 写入过 "approval"，兼容历史文档
		return InputDecision, nil
	}
	return "", fmt.Errorf("statestore: unknown input type %q", s)
}

// ErrorInfo 终态失败原因；Code 取错误分类法中的机器码
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run run 文档
type Run struct {
	ID            string         `json:"id"`
	OrgID         string         `json:"orgId"`
	PlaybookName  string         `json:"playbookName"`
	Status        RunStatus      `json:"status"`
	CurrentStepID string         `json:"currentStepId,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	Error         *ErrorInfo     `json:"error,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	HeartbeatAt   time.Time      `json:"heartbeatAt,omitempty"`
}

// StepDoc step 文档；Order/Title/TimeoutMinutes 来自解析后的 playbook，
// 初始化时写入。Image 与 JobName 由 controller 在启动时登记，resume trigger
// 复用它们创建恢复 Job。
type StepDoc struct {
	ID             string     `json:"id"`
	Order          int        `json:"order"`
	Title          string     `json:"title"`
	Dependencies   []string   `json:"dependencies,omitempty"`
	TimeoutMinutes int        `json:"timeoutMinutes,omitempty"`
	Image          string     `json:"image,omitempty"`
	Status         StepStatus `json:"status"`
	Error          *ErrorInfo `json:"error,omitempty"`
	ResultSummary  string     `json:"resultSummary,omitempty"`
	JobName        string     `json:"jobName,omitempty"`
	StartedAt      time.Time  `json:"startedAt,omitempty"`
	CompletedAt    time.Time  `json:"completedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Checkpoint step 暂停时保存的恢复状态；Data 由 step 自定义，恢复后原样交还
type Checkpoint struct {
	Phase      string         `json:"phase"`
	QuestionID string         `json:"questionId"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Event 事件流条目；question/approval_request 事件额外携带 QuestionID/ApprovalID
type Event struct {
	ID         string         `json:"id"`
	StepID     string         `json:"stepId,omitempty"`
	Type       EventType      `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	QuestionID string         `json:"questionId,omitempty"`
	ApprovalID string         `json:"approvalId,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// InputPayload 用户输入正文；Answer 对应 answer，Decision/RevisedContent 对应 approval
type InputPayload struct {
	Answer         string `json:"answer,omitempty"`
	Decision       string `json:"decision,omitempty"`
	RevisedContent string `json:"revisedContent,omitempty"`
}

// Input 用户输入文档；QuestionID 或 ApprovalID 指回触发它的事件
type Input struct {
	ID         string       `json:"id"`
	QuestionID string       `json:"questionId,omitempty"`
	ApprovalID string       `json:"approvalId,omitempty"`
	Type       InputType    `json:"type"`
	Payload    InputPayload `json:"payload"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// File 产物文件登记
type File struct {
	ID          string    `json:"id"`
	StepID      string    `json:"stepId"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size,omitempty"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// StepResult 已完成 step 的结果摘要，供后续 step 的上下文使用
type StepResult struct {
	StepID        string `json:"stepId"`
	Title         string `json:"title"`
	ResultSummary string `json:"resultSummary"`
}

// Member 组织成员
type Member struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role"`
}

// AIConfig 组织级模型配置，由 step 运行时读取
type AIConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	BaseURL  string `json:"baseUrl,omitempty"`
}

// RunUpdate UpdateRunStatus 的可选附带字段；nil 表示不改写
type RunUpdate struct {
	Error         *ErrorInfo
	Summary       *string
	CurrentStepID *string
}

// StepUpdate UpdateStepStatus 的可选附带字段；nil 表示不改写
type StepUpdate struct {
	Error         *ErrorInfo
	ResultSummary *string
	JobName       *string
	Image         *string
}

// Store 单个 run 作用域内的文档读写；由 Opener 按 (orgID, runID) 打开。
// 所有写操作由存储侧补时间戳；终态 step 的改写由实现层拒绝为 no-op。
type Store interface {
	// ReadRun 读取 run 文档
	ReadRun(ctx context.Context) (*Run, error)
	// UpdateRunStatus 改写 run 状态及可选附带字段
	UpdateRunStatus(ctx context.Context, status RunStatus, update RunUpdate) error
	// UpdateRunContext 合并写入 run 级上下文（供水合与后续 step 使用）
	UpdateRunContext(ctx context.Context, context map[string]any) error
	// Heartbeat 刷新 run 心跳；run 已 aborted 时返回 ErrRunAborted
	Heartbeat(ctx context.Context) error

	// InitializeSteps 为解析出的每个 step 建立 pending 文档
	InitializeSteps(ctx context.Context, steps []playbook.Step) error
	// ReadStep 读取 step 文档
	ReadStep(ctx context.Context, stepID string) (*StepDoc, error)
	// ReadStepStatus 只读 step 状态
	ReadStepStatus(ctx context.Context, stepID string) (StepStatus, error)
	// UpdateStepStatus 改写 step 状态；step 已处于终态时不做任何改写
	UpdateStepStatus(ctx context.Context, stepID string, status StepStatus, update StepUpdate) error
	// ListSteps 按 order 返回 run 内全部 step 文档
	ListSteps(ctx context.Context) ([]StepDoc, error)
	// ReadAllStepResults 按 order 返回所有已完成 step 的结果摘要
	ReadAllStepResults(ctx context.Context) ([]StepResult, error)

	// AppendEvent 追加事件；ID 与 CreatedAt 由存储侧生成
	AppendEvent(ctx context.Context, event Event) (string, error)

	// ReadInput 按输入 id 读取
	ReadInput(ctx context.Context, inputID string) (*Input, error)
	// ReadInputByQuestionID 按 questionId 或 approvalId 检索输入；未找到返回 ErrInputNotFound
	ReadInputByQuestionID(ctx context.Context, questionID string) (*Input, error)

	// SaveCheckpoint 保存 step 检查点（覆盖旧值）
	SaveCheckpoint(ctx context.Context, stepID string, cp Checkpoint) error
	// LoadCheckpoint 读取检查点；不存在返回 ErrCheckpointNotFound
	LoadCheckpoint(ctx context.Context, stepID string) (*Checkpoint, error)
	// ClearCheckpoint 删除检查点；不存在时为 no-op
	ClearCheckpoint(ctx context.Context, stepID string) error

	// AddFile 登记产物文件
	AddFile(ctx context.Context, file File) (string, error)
	// ReadAllFiles 返回 run 内全部文件登记
	ReadAllFiles(ctx context.Context) ([]File, error)

	// ReadContext 读取 run 级上下文
	ReadContext(ctx context.Context) (map[string]any, error)
	// ReadOrg 读取组织字段（水合 org.* 数据源）
	ReadOrg(ctx context.Context) (map[string]any, error)
	// ReadRoleMembers 读取指定角色的成员（水合 members.{role} 数据源）
	ReadRoleMembers(ctx context.Context, role string) ([]Member, error)
	// ReadOAuthToken 读取指定连接的组织级凭据
	ReadOAuthToken(ctx context.Context, connection string) (string, error)
	// ReadAIConfig 读取组织级模型配置
	ReadAIConfig(ctx context.Context) (*AIConfig, error)

	Close()
}

// Opener 按 (orgID, runID) 打开 run 作用域的 Store；trigger 这类跨 run 的组件用它
type Opener interface {
	OpenRun(ctx context.Context, orgID, runID string) (Store, error)
}
