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

package statestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"playbook-platform/internal/playbook"
)

// Memory 内存后端：按 org/run 两级组织全部文档，OpenRun 返回 run 作用域视图。
// 单测与本地开发用；并发安全。
type Memory struct {
	mu   sync.RWMutex
	orgs map[string]*memOrg
}

type memOrg struct {
	fields   map[string]any
	members  map[string][]Member
	secrets  map[string]string
	aiConfig *AIConfig
	runs     map[string]*memRun
}

type memRun struct {
	run         Run
	steps       map[string]*StepDoc
	events      []Event
	inputs      map[string]*Input
	checkpoints map[string]*Checkpoint
	files       []File
}

// NewMemory 创建内存后端
func NewMemory() *Memory {
	return &Memory{orgs: make(map[string]*memOrg)}
}

func (m *Memory) org(orgID string) *memOrg {
	o, ok := m.orgs[orgID]
	if !ok {
		o = &memOrg{
			fields:  make(map[string]any),
			members: make(map[string][]Member),
			secrets: make(map[string]string),
			runs:    make(map[string]*memRun),
		}
		m.orgs[orgID] = o
	}
	return o
}

// SeedRun 写入一个 run 文档（测试与本地环境的种子数据）
func (m *Memory) SeedRun(orgID string, run Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	run.OrgID = orgID
	m.org(orgID).runs[run.ID] = &memRun{
		run:         run,
		steps:       make(map[string]*StepDoc),
		inputs:      make(map[string]*Input),
		checkpoints: make(map[string]*Checkpoint),
	}
}

// SeedOrg 写入组织字段
func (m *Memory) SeedOrg(orgID string, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.org(orgID).fields = fields
}

// SeedMembers 写入某角色的成员列表
func (m *Memory) SeedMembers(orgID, role string, members []Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.org(orgID).members[role] = members
}

// SeedSecret 写入组织级连接凭据
func (m *Memory) SeedSecret(orgID, connection, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.org(orgID).secrets[connection] = token
}

// SeedAIConfig 写入组织级模型配置
func (m *Memory) SeedAIConfig(orgID string, cfg AIConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.org(orgID).aiConfig = &cfg
}

// AddInput 写入一条用户输入并返回 id（模拟前端提交）
func (m *Memory) AddInput(orgID, runID string, input Input) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if input.ID == "" {
		input.ID = "input-" + uuid.New().String()
	}
	if input.CreatedAt.IsZero() {
		input.CreatedAt = time.Now()
	}
	if r, ok := m.org(orgID).runs[runID]; ok {
		cp := input
		r.inputs[input.ID] = &cp
	}
	return input.ID
}

// OpenRun 打开 run 作用域视图；run 不存在不报错，后续访问返回 ErrRunNotFound
func (m *Memory) OpenRun(ctx context.Context, orgID, runID string) (Store, error) {
	return &memoryStore{backend: m, orgID: orgID, runID: runID}, nil
}

// memoryStore Memory 的 run 作用域视图
type memoryStore struct {
	backend *Memory
	orgID   string
	runID   string
}

func (s *memoryStore) locked(fn func(o *memOrg, r *memRun) error) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	o, ok := s.backend.orgs[s.orgID]
	if !ok {
		return ErrRunNotFound
	}
	r, ok := o.runs[s.runID]
	if !ok {
		return ErrRunNotFound
	}
	return fn(o, r)
}

func (s *memoryStore) ReadRun(ctx context.Context) (*Run, error) {
	var out Run
	err := s.locked(func(o *memOrg, r *memRun) error {
		out = r.run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *memoryStore) UpdateRunStatus(ctx context.Context, status RunStatus, update RunUpdate) error {
	return s.locked(func(o *memOrg, r *memRun) error {
		r.run.Status = status
		r.run.UpdatedAt = time.Now()
		if update.Error != nil {
			e := *update.Error
			r.run.Error = &e
		}
		if update.Summary != nil {
			r.run.Summary = *update.Summary
		}
		if update.CurrentStepID != nil {
			r.run.CurrentStepID = *update.CurrentStepID
		}
		return nil
	})
}

func (s *memoryStore) UpdateRunContext(ctx context.Context, context map[string]any) error {
	return s.locked(func(o *memOrg, r *memRun) error {
		if r.run.Context == nil {
			r.run.Context = make(map[string]any, len(context))
		}
		for k, v := range context {
			r.run.Context[k] = v
		}
		r.run.UpdatedAt = time.Now()
		return nil
	})
}

func (s *memoryStore) Heartbeat(ctx context.Context) error {
	return s.locked(func(o *memOrg, r *memRun) error {
		if r.run.Status == RunAborted {
			return ErrRunAborted
		}
		r.run.HeartbeatAt = time.Now()
		return nil
	})
}

func (s *memoryStore) InitializeSteps(ctx context.Context, steps []playbook.Step) error {
	return s.locked(func(o *memOrg, r *memRun) error {
		now := time.Now()
		for _, step := range steps {
			r.steps[step.ID] = &StepDoc{
				ID:             step.ID,
				Order:          step.Order,
				Title:          step.Title,
				Dependencies:   append([]string(nil), step.Dependencies...),
				TimeoutMinutes: step.TimeoutMinutes,
				Status:         StepPending,
				UpdatedAt:      now,
			}
		}
		return nil
	})
}

func (s *memoryStore) ReadStep(ctx context.Context, stepID string) (*StepDoc, error) {
	var out StepDoc
	err := s.locked(func(o *memOrg, r *memRun) error {
		doc, ok := r.steps[stepID]
		if !ok {
			return ErrStepNotFound
		}
		out = *doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *memoryStore) ReadStepStatus(ctx context.Context, stepID string) (StepStatus, error) {
	doc, err := s.ReadStep(ctx, stepID)
	if err != nil {
		return "", err
	}
	return doc.Status, nil
}

func (s *memoryStore) UpdateStepStatus(ctx context.Context, stepID string, status StepStatus, update StepUpdate) error {
	return s.locked(func(o *memOrg, r *memRun) error {
		doc, ok := r.steps[stepID]
		if !ok {
			return ErrStepNotFound
		}
		// 终态粘滞：completed/failed/skipped 之后任何改写都是 no-op
		if doc.Status.IsTerminal() {
			return nil
		}
		now := time.Now()
		doc.Status = status
		doc.UpdatedAt = now
		if status == StepRunning && doc.StartedAt.IsZero() {
			doc.StartedAt = now
		}
		if status.IsTerminal() {
			doc.CompletedAt = now
		}
		if update.Error != nil {
			e := *update.Error
			doc.Error = &e
		}
		if update.ResultSummary != nil {
			doc.ResultSummary = *update.ResultSummary
		}
		if update.JobName != nil {
			doc.JobName = *update.JobName
		}
		if update.Image != nil {
			doc.Image = *update.Image
		}
		return nil
	})
}

func (s *memoryStore) ListSteps(ctx context.Context) ([]StepDoc, error) {
	var out []StepDoc
	err := s.locked(func(o *memOrg, r *memRun) error {
		for _, doc := range r.steps {
			out = append(out, *doc)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *memoryStore) ReadAllStepResults(ctx context.Context) ([]StepResult, error) {
	var out []StepResult
	err := s.locked(func(o *memOrg, r *memRun) error {
		docs := make([]*StepDoc, 0, len(r.steps))
		for _, doc := range r.steps {
			if doc.Status == StepCompleted {
				docs = append(docs, doc)
			}
		}
		sort.Slice(docs, func(i, j int) bool { return docs[i].Order < docs[j].Order })
		for _, doc := range docs {
			out = append(out, StepResult{StepID: doc.ID, Title: doc.Title, ResultSummary: doc.ResultSummary})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *memoryStore) AppendEvent(ctx context.Context, event Event) (string, error) {
	if event.ID == "" {
		event.ID = "ev-" + uuid.New().String()
	}
	event.CreatedAt = time.Now()
	err := s.locked(func(o *memOrg, r *memRun) error {
		r.events = append(r.events, event)
		return nil
	})
	if err != nil {
		return "", err
	}
	return event.ID, nil
}

// Events 返回事件流副本（测试用，不属于 Store 接口）
func (m *Memory) Events(orgID, runID string) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orgs[orgID]
	if !ok {
		return nil
	}
	r, ok := o.runs[runID]
	if !ok {
		return nil
	}
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (s *memoryStore) ReadInput(ctx context.Context, inputID string) (*Input, error) {
	var out Input
	err := s.locked(func(o *memOrg, r *memRun) error {
		in, ok := r.inputs[inputID]
		if !ok {
			return ErrInputNotFound
		}
		out = *in
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *memoryStore) ReadInputByQuestionID(ctx context.Context, questionID string) (*Input, error) {
	var out *Input
	err := s.locked(func(o *memOrg, r *memRun) error {
		// questionId 与 approvalId 两个字段都可能指回同一个检查点
		for _, in := range r.inputs {
			if in.QuestionID == questionID || in.ApprovalID == questionID {
				cp := *in
				out = &cp
				return nil
			}
		}
		return ErrInputNotFound
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *memoryStore) SaveCheckpoint(ctx context.Context, stepID string, cp Checkpoint) error {
	return s.locked(func(o *memOrg, r *memRun) error {
		cp.CreatedAt = time.Now()
		r.checkpoints[stepID] = &cp
		return nil
	})
}

func (s *memoryStore) LoadCheckpoint(ctx context.Context, stepID string) (*Checkpoint, error) {
	var out Checkpoint
	err := s.locked(func(o *memOrg, r *memRun) error {
		cp, ok := r.checkpoints[stepID]
		if !ok {
			return ErrCheckpointNotFound
		}
		out = *cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *memoryStore) ClearCheckpoint(ctx context.Context, stepID string) error {
	return s.locked(func(o *memOrg, r *memRun) error {
		delete(r.checkpoints, stepID)
		return nil
	})
}

func (s *memoryStore) AddFile(ctx context.Context, file File) (string, error) {
	if file.ID == "" {
		file.ID = "file-" + uuid.New().String()
	}
	file.CreatedAt = time.Now()
	err := s.locked(func(o *memOrg, r *memRun) error {
		r.files = append(r.files, file)
		return nil
	})
	if err != nil {
		return "", err
	}
	return file.ID, nil
}

func (s *memoryStore) ReadAllFiles(ctx context.Context) ([]File, error) {
	var out []File
	err := s.locked(func(o *memOrg, r *memRun) error {
		out = make([]File, len(r.files))
		copy(out, r.files)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *memoryStore) ReadContext(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := s.locked(func(o *memOrg, r *memRun) error {
		out = make(map[string]any, len(r.run.Context))
		for k, v := range r.run.Context {
			out[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *memoryStore) ReadOrg(ctx context.Context) (map[string]any, error) {
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	o, ok := s.backend.orgs[s.orgID]
	if !ok {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(o.fields))
	for k, v := range o.fields {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) ReadRoleMembers(ctx context.Context, role string) ([]Member, error) {
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	o, ok := s.backend.orgs[s.orgID]
	if !ok {
		return nil, nil
	}
	members := o.members[role]
	out := make([]Member, len(members))
	copy(out, members)
	return out, nil
}

func (s *memoryStore) ReadOAuthToken(ctx context.Context, connection string) (string, error) {
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	o, ok := s.backend.orgs[s.orgID]
	if !ok {
		return "", nil
	}
	return o.secrets[connection], nil
}

func (s *memoryStore) ReadAIConfig(ctx context.Context) (*AIConfig, error) {
	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	o, ok := s.backend.orgs[s.orgID]
	if !ok || o.aiConfig == nil {
		return nil, nil
	}
	cfg := *o.aiConfig
	return &cfg, nil
}

func (s *memoryStore) Close() {}
