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
	"context"
	"fmt"

	"playbook-platform/internal/statestore"
)

// Decision 审批输入的决定（闭集）
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionRevise  Decision = "revise"
	DecisionReject  Decision = "reject"
)

// ParseDecision 边界处解析；空串合法，表示非审批类输入
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case "", DecisionApprove, DecisionRevise, DecisionReject:
		return Decision(s), nil
	}
	return "", fmt.Errorf("steprt: unknown decision %q", s)
}

// ResumeInput 恢复执行时交还给 step 的用户输入
type ResumeInput struct {
	// Answer 对应 answer 类型输入
	Answer string
	// Decision / RevisedContent 对应 decision 类型输入
	Decision       Decision
	RevisedContent string
}

// StepContext StepFunc 的工作上下文：run 级变量、恢复状态与事件上报入口。
// 存储访问经由 Store 字段（读结果、读凭据、登记文件均走这里）。
type StepContext struct {
	Env        Env
	Store      statestore.Store
	RunContext map[string]any

	// Phase 非空表示恢复执行，值来自暂停时的检查点
	Phase string
	// Data 暂停时保存的自定义状态；首次执行为 nil
	Data map[string]any
	// Resume 恢复执行时的用户输入；首次执行为 nil
	Resume *ResumeInput
}

// IsResume 返回本次调用是否为恢复执行
func (sc *StepContext) IsResume() bool {
	return sc.Phase != ""
}

// Progress 上报进度事件
func (sc *StepContext) Progress(ctx context.Context, message string) {
	sc.emit(ctx, statestore.EventProgress, map[string]any{"message": message})
}

// Thinking 上报推理轨迹事件
func (sc *StepContext) Thinking(ctx context.Context, message string) {
	sc.emit(ctx, statestore.EventThinking, map[string]any{"message": message})
}

// ToolUse 上报工具调用事件
func (sc *StepContext) ToolUse(ctx context.Context, tool string, detail map[string]any) {
	payload := map[string]any{"tool": tool}
	for k, v := range detail {
		payload[k] = v
	}
	sc.emit(ctx, statestore.EventToolUse, payload)
}

// Log 上报日志事件
func (sc *StepContext) Log(ctx context.Context, level, message string) {
	sc.emit(ctx, statestore.EventLog, map[string]any{"level": level, "message": message})
}

// 事件上报失败不中断 step 执行
func (sc *StepContext) emit(ctx context.Context, eventType statestore.EventType, payload map[string]any) {
	_, _ = sc.Store.AppendEvent(ctx, statestore.Event{
		StepID:  sc.Env.StepID,
		Type:    eventType,
		Payload: payload,
	})
}
