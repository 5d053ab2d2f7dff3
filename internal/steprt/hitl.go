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
	"github.com/google/uuid"

	"playbook-platform/internal/statestore"
)

// QuestionType 提问的输入形态
type QuestionType string

const (
	QuestionFreeText     QuestionType = "free_text"
	QuestionSingleSelect QuestionType = "single_select"
	QuestionMultiSelect  QuestionType = "multi_select"
)

// RiskLevel 审批请求的风险等级
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// 检查点 phase 闭集：恢复路径按 phase 分发，值由暂停原语固定写入
const (
	PhaseWaitingAnswer   = "waiting_for_answer"
	PhaseWaitingApproval = "waiting_for_approval"
)

// Question 向用户提出的问题
type Question struct {
	Text     string
	Type     QuestionType
	Options  []string
	HelpText string
	Required bool
}

// Approval 请求用户审批的内容
type Approval struct {
	Description string
	Draft       string
	Risk        RiskLevel
}

// Pause step 主动暂停的终局值。StepFunc 把它放进 Outcome 返回，
// Runtime 负责落事件、存检查点并把 step 置为 paused；step 代码内部
// 不做任何进程级动作。
type Pause struct {
	// Phase 恢复后交还给 step 的阶段标识
	Phase string
	// QuestionID / ApprovalID 二选一，指向本次暂停的事件
	QuestionID string
	ApprovalID string
	// Data 恢复后原样交还的自定义状态
	Data map[string]any

	event statestore.Event
}

// AskUser 构造一次提问暂停；questionId 在此生成并同时写入事件与检查点
func AskUser(q Question, data map[string]any) *Pause {
	questionID := "q-" + uuid.New().String()
	payload := map[string]any{
		"question": q.Text,
		"type":     string(q.Type),
		"required": q.Required,
	}
	if len(q.Options) > 0 {
		payload["options"] = q.Options
	}
	if q.HelpText != "" {
		payload["helpText"] = q.HelpText
	}
	return &Pause{
		Phase:      PhaseWaitingAnswer,
		QuestionID: questionID,
		Data:       data,
		event: statestore.Event{
			Type:       statestore.EventQuestion,
			QuestionID: questionID,
			Payload:    payload,
		},
	}
}

// RequestApproval 构造一次审批暂停；approvalId 在此生成
func RequestApproval(a Approval, data map[string]any) *Pause {
	approvalID := "ap-" + uuid.New().String()
	risk := a.Risk
	if risk == "" {
		risk = RiskLow
	}
	return &Pause{
		Phase:      PhaseWaitingApproval,
		ApprovalID: approvalID,
		Data:       data,
		event: statestore.Event{
			Type:       statestore.EventApprovalRequest,
			ApprovalID: approvalID,
			Payload: map[string]any{
				"description": a.Description,
				"draft":       a.Draft,
				"riskLevel":   string(risk),
			},
		},
	}
}

// checkpointID 返回写入检查点的标识：question 或 approval 的 id
func (p *Pause) checkpointID() string {
	if p.QuestionID != "" {
		return p.QuestionID
	}
	return p.ApprovalID
}
