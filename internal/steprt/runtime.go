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
	"errors"
	"fmt"

	"playbook-platform/internal/statestore"
	"playbook-platform/pkg/log"
	"playbook-platform/pkg/tracing"
)

// Outcome StepFunc 的返回值：正常完成带 Summary，暂停带 Pause
type Outcome struct {
	// Summary step 的结果摘要，完成时写入 step 文档
	Summary string
	// Pause 非 nil 表示 step 主动暂停等待用户输入
	Pause *Pause
}

// StepFunc step 的业务入口。首次执行与每次恢复都会调用它，
// 恢复语义通过 sc.Phase / sc.Resume / sc.Data 区分。
type StepFunc func(ctx context.Context, sc *StepContext) (*Outcome, error)

// Runtime step 容器的生命周期编排
type Runtime struct {
	store  statestore.Store
	env    Env
	logger *log.Logger
}

// NewRuntime 创建 step 运行时
func NewRuntime(store statestore.Store, env Env, logger *log.Logger) *Runtime {
	return &Runtime{store: store, env: env, logger: logger}
}

// Run 执行一次 step 生命周期并返回进程退出码。
// 约定：暂停与「run 已中止所以跳过」都是成功退出（0）；只有 step
// 本身出错才返回 1。容器退出码不承载业务语义，业务终局都在文档里。
func (r *Runtime) Run(ctx context.Context, fn StepFunc) int {
	ctx, span := tracing.StartStepSpan(ctx, r.env.StepID)
	defer span.End()

	sc, proceed, code := r.prepare(ctx)
	if !proceed {
		return code
	}

	outcome, err := fn(ctx, sc)
	if err != nil {
		return r.finishFailed(ctx, err)
	}
	if outcome != nil && outcome.Pause != nil {
		return r.finishPaused(ctx, outcome.Pause)
	}
	summary := ""
	if outcome != nil {
		summary = outcome.Summary
	}
	return r.finishCompleted(ctx, summary)
}

// prepare 判定首次执行 / 恢复执行并准备 StepContext；
// proceed=false 时 step 函数不会被调用，直接以 code 退出。
func (r *Runtime) prepare(ctx context.Context) (sc *StepContext, proceed bool, code int) {
	if !r.env.IsResume() {
		sc, err := r.beginFresh(ctx)
		if err != nil {
			r.logger.Error("step start failed", "step", r.env.StepID, "err", err)
			return nil, false, 1
		}
		return sc, true, 0
	}
	return r.beginResume(ctx)
}

func (r *Runtime) beginFresh(ctx context.Context) (*StepContext, error) {
	if err := r.store.UpdateStepStatus(ctx, r.env.StepID, statestore.StepRunning, statestore.StepUpdate{}); err != nil {
		return nil, err
	}
	if _, err := r.store.AppendEvent(ctx, statestore.Event{
		StepID: r.env.StepID,
		Type:   statestore.EventStepStarted,
	}); err != nil {
		return nil, err
	}
	runContext, err := r.store.ReadContext(ctx)
	if err != nil {
		return nil, err
	}
	r.logger.Info("step started", "run", r.env.RunID, "step", r.env.StepID)
	return &StepContext{Env: r.env, Store: r.store, RunContext: runContext}, nil
}

// beginResume 恢复路径。以下情况不再调用 step 函数：
// run 已中止（跳过）、用户提交了 abort 输入（跳过）、step 已处于终态（no-op）。
func (r *Runtime) beginResume(ctx context.Context) (*StepContext, bool, int) {
	cp, err := r.store.LoadCheckpoint(ctx, r.env.StepID)
	if err != nil {
		if errors.Is(err, statestore.ErrCheckpointNotFound) {
			r.logger.Error("resume without checkpoint", "step", r.env.StepID)
		} else {
			r.logger.Error("load checkpoint failed", "step", r.env.StepID, "err", err)
		}
		return nil, false, 1
	}

	status, err := r.store.ReadStepStatus(ctx, r.env.StepID)
	if err != nil {
		r.logger.Error("read step status failed", "step", r.env.StepID, "err", err)
		return nil, false, 1
	}
	if status.IsTerminal() {
		r.logger.Info("step already terminal, resume is a no-op", "step", r.env.StepID, "status", status)
		return nil, false, 0
	}

	run, err := r.store.ReadRun(ctx)
	if err != nil {
		r.logger.Error("read run failed", "step", r.env.StepID, "err", err)
		return nil, false, 1
	}
	if run.Status == statestore.RunAborted {
		return nil, false, r.skip(ctx, "run aborted")
	}

	input, err := r.store.ReadInputByQuestionID(ctx, cp.QuestionID)
	if err != nil {
		r.logger.Error("read resume input failed", "step", r.env.StepID, "question", cp.QuestionID, "err", err)
		return nil, false, 1
	}
	if input.Type == statestore.InputAbort {
		return nil, false, r.skip(ctx, "aborted by user input")
	}
	// 决定词表在进入 running 前校验，非法值让 step 留在 paused
	decision, err := ParseDecision(input.Payload.Decision)
	if err != nil {
		r.logger.Error("invalid resume decision", "step", r.env.StepID, "question", cp.QuestionID, "err", err)
		return nil, false, 1
	}

	if err := r.store.UpdateStepStatus(ctx, r.env.StepID, statestore.StepRunning, statestore.StepUpdate{}); err != nil {
		r.logger.Error("mark step running failed", "step", r.env.StepID, "err", err)
		return nil, false, 1
	}
	runContext, err := r.store.ReadContext(ctx)
	if err != nil {
		r.logger.Error("read run context failed", "step", r.env.StepID, "err", err)
		return nil, false, 1
	}

	r.logger.Info("step resumed", "run", r.env.RunID, "step", r.env.StepID, "phase", cp.Phase)
	return &StepContext{
		Env:        r.env,
		Store:      r.store,
		RunContext: runContext,
		Phase:      cp.Phase,
		Data:       cp.Data,
		Resume: &ResumeInput{
			Answer:         input.Payload.Answer,
			Decision:       decision,
			RevisedContent: input.Payload.RevisedContent,
		},
	}, true, 0
}

func (r *Runtime) skip(ctx context.Context, reason string) int {
	r.logger.Info("step skipped", "step", r.env.StepID, "reason", reason)
	if err := r.store.UpdateStepStatus(ctx, r.env.StepID, statestore.StepSkipped, statestore.StepUpdate{}); err != nil {
		r.logger.Error("mark step skipped failed", "step", r.env.StepID, "err", err)
	}
	_ = r.store.ClearCheckpoint(ctx, r.env.StepID)
	return 0
}

// finishPaused 暂停终局的写入顺序：事件先于检查点先于状态。
// 这样 paused 状态一旦可见，questionId 一定已经可以被 resume trigger 匹配到。
func (r *Runtime) finishPaused(ctx context.Context, pause *Pause) int {
	event := pause.event
	event.StepID = r.env.StepID
	if _, err := r.store.AppendEvent(ctx, event); err != nil {
		return r.finishFailed(ctx, fmt.Errorf("append pause event: %w", err))
	}
	if err := r.store.SaveCheckpoint(ctx, r.env.StepID, statestore.Checkpoint{
		Phase:      pause.Phase,
		QuestionID: pause.checkpointID(),
		Data:       pause.Data,
	}); err != nil {
		return r.finishFailed(ctx, fmt.Errorf("save checkpoint: %w", err))
	}
	if err := r.store.UpdateStepStatus(ctx, r.env.StepID, statestore.StepPaused, statestore.StepUpdate{}); err != nil {
		return r.finishFailed(ctx, fmt.Errorf("mark step paused: %w", err))
	}
	r.logger.Info("step paused", "step", r.env.StepID, "phase", pause.Phase, "question", pause.checkpointID())
	return 0
}

func (r *Runtime) finishCompleted(ctx context.Context, summary string) int {
	// 先事件后状态：崩溃窗口里宁可只剩事件，也不能有无事件的终态
	if _, err := r.store.AppendEvent(ctx, statestore.Event{
		StepID:  r.env.StepID,
		Type:    statestore.EventStepCompleted,
		Payload: map[string]any{"resultSummary": summary},
	}); err != nil {
		r.logger.Error("append step_completed failed", "step", r.env.StepID, "err", err)
	}
	if err := r.store.UpdateStepStatus(ctx, r.env.StepID, statestore.StepCompleted, statestore.StepUpdate{
		ResultSummary: &summary,
	}); err != nil {
		r.logger.Error("mark step completed failed", "step", r.env.StepID, "err", err)
		return 1
	}
	_ = r.store.ClearCheckpoint(ctx, r.env.StepID)
	r.logger.Info("step completed", "run", r.env.RunID, "step", r.env.StepID)
	return 0
}

func (r *Runtime) finishFailed(ctx context.Context, cause error) int {
	r.logger.Error("step failed", "run", r.env.RunID, "step", r.env.StepID, "err", cause)
	if _, err := r.store.AppendEvent(ctx, statestore.Event{
		StepID:  r.env.StepID,
		Type:    statestore.EventStepFailed,
		Payload: map[string]any{"error": cause.Error()},
	}); err != nil {
		r.logger.Error("append step_failed failed", "step", r.env.StepID, "err", err)
	}
	if err := r.store.UpdateStepStatus(ctx, r.env.StepID, statestore.StepFailed, statestore.StepUpdate{
		Error: &statestore.ErrorInfo{Code: "STEP_AGENT_CRASH", Message: cause.Error()},
	}); err != nil {
		r.logger.Error("mark step failed failed", "step", r.env.StepID, "err", err)
	}
	_ = r.store.ClearCheckpoint(ctx, r.env.StepID)
	return 1
}
