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

// Package controller 是每个 run 一个实例的编排器：校验依赖图、水合变量、
// 初始化 step 文档，然后进入轮询循环 —— 启动就绪 step 的 Job、跟踪终局、
// 级联跳过失败分支，直到整个 run 终结。它不与 step 容器直接通信，
// 所有状态经由 statestore 往返。
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"playbook-platform/internal/cluster"
	"playbook-platform/internal/dag"
	"playbook-platform/internal/playbook"
	"playbook-platform/internal/statestore"
	"playbook-platform/pkg/log"
	"playbook-platform/pkg/metrics"
	"playbook-platform/pkg/tracing"
)

// JobLauncher controller 需要的集群面；*cluster.Client 是生产实现
type JobLauncher interface {
	ResolveImage(name string) (string, error)
	CreateStepJob(ctx context.Context, opts cluster.JobOptions) (string, error)
	IsJobActive(ctx context.Context, jobName string) (bool, error)
	DeleteJob(ctx context.Context, jobName string) error
	DeleteConfigMap(ctx context.Context, name string) error
}

// Config controller 的运行参数
type Config struct {
	OrgID string
	RunID string
	// PollInterval 轮询间隔；<=0 时取 5s
	PollInterval time.Duration
	// ServiceAccount step Job 使用的 service account
	ServiceAccount string
	// PlaybookConfigMap run 的配置对象名，终结时清理；空则跳过
	PlaybookConfigMap string
	// HydratedPath 水合后 playbook 的写出路径；空则不写文件
	HydratedPath string
}

// Controller 单个 run 的编排器
type Controller struct {
	store  statestore.Store
	jobs   JobLauncher
	logger *log.Logger
	cfg    Config

	// now 可注入的时钟，超时判定用
	now func() time.Time
}

// New 创建 controller
func New(store statestore.Store, jobs JobLauncher, logger *log.Logger, cfg Config) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Controller{
		store:  store,
		jobs:   jobs,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Execute 运行完整的 run 生命周期并把终局写回 run 文档。
// 返回的 error 仅供进程日志；业务终局以文档为准。
func (c *Controller) Execute(ctx context.Context, pb *playbook.Playbook) error {
	ctx, span := tracing.StartRunSpan(ctx, c.cfg.OrgID, c.cfg.RunID)
	defer span.End()

	if err := c.store.UpdateRunStatus(ctx, statestore.RunRunning, statestore.RunUpdate{}); err != nil {
		return fmt.Errorf("controller: mark run running: %w", err)
	}
	c.event(ctx, statestore.Event{
		Type:    statestore.EventPlaybookStarted,
		Payload: map[string]any{"playbook": pb.Name, "steps": len(pb.Steps)},
	})

	err := c.execute(ctx, pb)
	switch {
	case err == nil:
		c.finishCompleted(ctx, pb)
	case errors.Is(err, statestore.ErrRunAborted):
		// aborted 由用户写入且粘滞，这里只收尾不改状态
		c.logger.Info("run aborted, shutting down", "run", c.cfg.RunID)
		metrics.RunTotal.WithLabelValues(string(statestore.RunAborted)).Inc()
		err = nil
	default:
		c.finishFailed(ctx, err)
	}
	c.cleanup(ctx)
	return err
}

func (c *Controller) execute(ctx context.Context, pb *playbook.Playbook) error {
	if err := dag.Validate(pb.Steps); err != nil {
		return err
	}

	hctx, err := BuildHydrationContext(ctx, c.store, pb.Variables)
	if err != nil {
		return err
	}
	resolved, err := playbook.Hydrate(pb, hctx, c.cfg.HydratedPath)
	if err != nil {
		return err
	}
	if len(resolved) > 0 {
		asAny := make(map[string]any, len(resolved))
		for k, v := range resolved {
			asAny[k] = v
		}
		if err := c.store.UpdateRunContext(ctx, asAny); err != nil {
			return fmt.Errorf("persist hydrated variables: %w", err)
		}
	}

	if err := c.store.InitializeSteps(ctx, pb.Steps); err != nil {
		return fmt.Errorf("initialize steps: %w", err)
	}

	return c.runLoop(ctx, pb)
}

// runState 轮询循环的工作集
type runState struct {
	completed map[string]bool
	failed    map[string]bool
	blocked   map[string]bool // failed + skipped
	// inflight 已启动且未终结的 step（running / paused 都算在内）
	inflight map[string]bool
	deadline map[string]time.Time
	// notifiedPaused 已发过「等待用户输入」通知的暂停 step
	notifiedPaused map[string]bool
	launchedAt     map[string]time.Time
}

func (c *Controller) runLoop(ctx context.Context, pb *playbook.Playbook) error {
	steps := pb.Steps
	dependents := dag.NewDependents(steps)
	st := &runState{
		completed:      map[string]bool{},
		failed:         map[string]bool{},
		blocked:        map[string]bool{},
		inflight:       map[string]bool{},
		deadline:       map[string]time.Time{},
		notifiedPaused: map[string]bool{},
		launchedAt:     map[string]time.Time{},
	}

	for {
		cycleStart := time.Now()

		if err := c.store.Heartbeat(ctx); err != nil {
			if errors.Is(err, statestore.ErrRunAborted) {
				return statestore.ErrRunAborted
			}
			// 心跳的瞬时失败不终结 run
			c.logger.Warn("heartbeat failed", "run", c.cfg.RunID, "err", err)
		}

		if err := c.refreshInflight(ctx, dependents, st); err != nil {
			return err
		}
		if done, err := c.launchReady(ctx, pb, st); done || err != nil {
			if err != nil {
				return err
			}
			if len(st.failed) > 0 {
				return NewStepFailedError(st.failed)
			}
			return nil
		}

		metrics.PollCycleDuration.Observe(time.Since(cycleStart).Seconds())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// refreshInflight 重读每个在飞 step 的文档并处理终局 / 暂停 / 超时 / 容器崩溃
func (c *Controller) refreshInflight(ctx context.Context, dependents dag.Dependents, st *runState) error {
	for stepID := range st.inflight {
		doc, err := c.store.ReadStep(ctx, stepID)
		if err != nil {
			return fmt.Errorf("read step %s: %w", stepID, err)
		}

		switch doc.Status {
		case statestore.StepCompleted:
			c.settleResumedNotice(ctx, st, stepID)
			delete(st.inflight, stepID)
			st.completed[stepID] = true
			metrics.StepTotal.WithLabelValues(string(doc.Status)).Inc()
			metrics.StepDuration.WithLabelValues(stepID).Observe(c.now().Sub(st.launchedAt[stepID]).Seconds())
			c.logger.Info("step completed", "run", c.cfg.RunID, "step", stepID)

		case statestore.StepFailed:
			c.settleResumedNotice(ctx, st, stepID)
			delete(st.inflight, stepID)
			st.failed[stepID] = true
			st.blocked[stepID] = true
			metrics.StepTotal.WithLabelValues(string(doc.Status)).Inc()
			c.logger.Warn("step failed", "run", c.cfg.RunID, "step", stepID,
				"code", errCode(doc.Error))
			c.cascadeSkip(ctx, dependents, st, stepID)

		case statestore.StepSkipped:
			c.settleResumedNotice(ctx, st, stepID)
			delete(st.inflight, stepID)
			st.blocked[stepID] = true
			metrics.StepTotal.WithLabelValues(string(doc.Status)).Inc()
			c.cascadeSkip(ctx, dependents, st, stepID)

		case statestore.StepPaused:
			if c.timedOut(st, stepID) {
				c.failTimeout(ctx, dependents, st, stepID, doc.JobName)
				continue
			}
			c.notifyPaused(ctx, st, stepID)

		default: // pending / running
			c.settleResumedNotice(ctx, st, stepID)
			if c.timedOut(st, stepID) {
				c.failTimeout(ctx, dependents, st, stepID, doc.JobName)
				continue
			}
			if err := c.detectCrash(ctx, dependents, st, stepID, doc); err != nil {
				return err
			}
		}
	}
	return nil
}

// launchReady 启动全部就绪 step；返回 done=true 表示所有 step 已终结
func (c *Controller) launchReady(ctx context.Context, pb *playbook.Playbook, st *runState) (bool, error) {
	ready := dag.ReadySteps(pb.Steps, st.completed, st.blocked, st.inflight)

	if len(ready) == 0 {
		terminal := len(st.completed) + len(st.blocked)
		if terminal == len(pb.Steps) {
			return true, nil
		}
		if len(st.inflight) == 0 {
			// 没有在飞也没有就绪：剩余 step 的依赖永远无法满足
			c.sweepUnreachable(ctx, pb, st)
			return true, nil
		}
		return false, nil
	}

	if len(ready) > 1 {
		ids := make([]string, len(ready))
		for i, step := range ready {
			ids[i] = step.ID
		}
		c.event(ctx, statestore.Event{
			Type: statestore.EventProgress,
			Payload: map[string]any{
				"message": fmt.Sprintf("Launching %d steps in parallel: %s", len(ids), strings.Join(ids, ", ")),
				"stepIds": ids,
			},
		})
	}
	for _, step := range ready {
		c.event(ctx, statestore.Event{
			StepID: step.ID,
			Type:   statestore.EventProgress,
			Payload: map[string]any{
				"message": fmt.Sprintf("Preparing step %d of %d: %s", step.Order, len(pb.Steps), step.Title),
			},
		})
		if err := c.launchStep(ctx, step, st); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (c *Controller) launchStep(ctx context.Context, step playbook.Step, st *runState) error {
	image, err := c.jobs.ResolveImage(step.AgentImage)
	if err != nil {
		// 镜像无法解析属于 playbook 配置错误，直接终结 run
		return fmt.Errorf("resolve image for step %s: %w", step.ID, err)
	}

	// Job 名与镜像先落文档再创建：容器的任何写入不会被这次登记覆盖，
	// 且 resume 触发器可以凭文档里的镜像重建 Job
	jobName := cluster.JobName(c.cfg.RunID, step.ID)
	if err := c.store.UpdateStepStatus(ctx, step.ID, statestore.StepPending, statestore.StepUpdate{
		JobName: &jobName,
		Image:   &image,
	}); err != nil {
		return fmt.Errorf("record job name for step %s: %w", step.ID, err)
	}

	if _, err := c.jobs.CreateStepJob(ctx, cluster.JobOptions{
		Name:   jobName,
		RunID:  c.cfg.RunID,
		StepID: step.ID,
		Image:  image,
		Env: map[string]string{
			"ORG_ID":  c.cfg.OrgID,
			"RUN_ID":  c.cfg.RunID,
			"STEP_ID": step.ID,
		},
		TimeoutSeconds: int64(step.TimeoutMinutes) * 60,
		ServiceAccount: c.cfg.ServiceAccount,
	}); err != nil {
		return fmt.Errorf("launch step %s: %w", step.ID, err)
	}
	stepID := step.ID
	if err := c.store.UpdateRunStatus(ctx, statestore.RunRunning, statestore.RunUpdate{
		CurrentStepID: &stepID,
	}); err != nil {
		c.logger.Warn("update current step failed", "step", step.ID, "err", err)
	}

	now := c.now()
	st.inflight[step.ID] = true
	st.launchedAt[step.ID] = now
	// 超时从首次启动起算，恢复执行不重置
	st.deadline[step.ID] = now.Add(time.Duration(step.TimeoutMinutes) * time.Minute)
	c.logger.Info("step launched", "run", c.cfg.RunID, "step", step.ID, "job", jobName)
	return nil
}

func (c *Controller) timedOut(st *runState, stepID string) bool {
	deadline, ok := st.deadline[stepID]
	return ok && c.now().After(deadline)
}

func (c *Controller) failTimeout(ctx context.Context, dependents dag.Dependents, st *runState, stepID, jobName string) {
	c.logger.Warn("step timed out", "run", c.cfg.RunID, "step", stepID)
	if err := c.store.UpdateStepStatus(ctx, stepID, statestore.StepFailed, statestore.StepUpdate{
		Error: &statestore.ErrorInfo{
			Code:    CodeStepTimeout,
			Message: "step did not finish within its timeout",
		},
	}); err != nil {
		c.logger.Error("mark step timed out failed", "step", stepID, "err", err)
	}
	c.event(ctx, statestore.Event{
		StepID:  stepID,
		Type:    statestore.EventStepFailed,
		Payload: map[string]any{"error": "step timed out"},
	})
	if jobName != "" {
		if err := c.jobs.DeleteJob(ctx, jobName); err != nil {
			c.logger.Warn("delete timed out job failed", "job", jobName, "err", err)
		}
	}
	if st.notifiedPaused[stepID] {
		metrics.PausedSteps.Dec()
		delete(st.notifiedPaused, stepID)
	}
	delete(st.inflight, stepID)
	st.failed[stepID] = true
	st.blocked[stepID] = true
	metrics.StepTotal.WithLabelValues(string(statestore.StepFailed)).Inc()
	c.cascadeSkip(ctx, dependents, st, stepID)
}

// detectCrash 文档仍是 pending/running 但 Job 已终结：容器没能上报终局
func (c *Controller) detectCrash(ctx context.Context, dependents dag.Dependents, st *runState, stepID string, doc *statestore.StepDoc) error {
	if doc.JobName == "" {
		return nil
	}
	active, err := c.jobs.IsJobActive(ctx, doc.JobName)
	if err != nil {
		return fmt.Errorf("check job %s: %w", doc.JobName, err)
	}
	if active {
		return nil
	}
	// 再读一次，排除「Job 刚结束、文档写入还在路上」的窗口
	status, err := c.store.ReadStepStatus(ctx, stepID)
	if err != nil {
		return err
	}
	if status.IsTerminal() || status == statestore.StepPaused {
		return nil
	}
	c.logger.Warn("step job finished without terminal status", "step", stepID, "job", doc.JobName)
	if err := c.store.UpdateStepStatus(ctx, stepID, statestore.StepFailed, statestore.StepUpdate{
		Error: &statestore.ErrorInfo{
			Code:    CodeStepAgentCrash,
			Message: "step container exited without reporting a terminal status",
		},
	}); err != nil {
		c.logger.Error("mark crashed step failed", "step", stepID, "err", err)
	}
	delete(st.inflight, stepID)
	st.failed[stepID] = true
	st.blocked[stepID] = true
	metrics.StepTotal.WithLabelValues(string(statestore.StepFailed)).Inc()
	c.cascadeSkip(ctx, dependents, st, stepID)
	return nil
}

// cascadeSkip 把失败/跳过 step 的全部传递后代标记为 skipped
func (c *Controller) cascadeSkip(ctx context.Context, dependents dag.Dependents, st *runState, stepID string) {
	for dep := range dependents.TransitiveOf(stepID) {
		if st.completed[dep] || st.blocked[dep] {
			continue
		}
		st.blocked[dep] = true
		if err := c.store.UpdateStepStatus(ctx, dep, statestore.StepSkipped, statestore.StepUpdate{}); err != nil {
			c.logger.Error("mark step skipped failed", "step", dep, "err", err)
		}
		metrics.StepTotal.WithLabelValues(string(statestore.StepSkipped)).Inc()
		c.logger.Info("step skipped", "run", c.cfg.RunID, "step", dep, "after", stepID)
	}
}

// sweepUnreachable 既无在飞也无就绪时，把剩余 step 全部跳过
func (c *Controller) sweepUnreachable(ctx context.Context, pb *playbook.Playbook, st *runState) {
	for _, step := range pb.Steps {
		if st.completed[step.ID] || st.blocked[step.ID] {
			continue
		}
		st.blocked[step.ID] = true
		if err := c.store.UpdateStepStatus(ctx, step.ID, statestore.StepSkipped, statestore.StepUpdate{}); err != nil {
			c.logger.Error("mark unreachable step skipped failed", "step", step.ID, "err", err)
		}
		metrics.StepTotal.WithLabelValues(string(statestore.StepSkipped)).Inc()
	}
}

// notifyPaused 对每次暂停只通知一次，并把 run 置为 paused
func (c *Controller) notifyPaused(ctx context.Context, st *runState, stepID string) {
	if st.notifiedPaused[stepID] {
		return
	}
	st.notifiedPaused[stepID] = true
	metrics.PausedSteps.Inc()
	c.event(ctx, statestore.Event{
		StepID:  stepID,
		Type:    statestore.EventProgress,
		Payload: map[string]any{"message": "Waiting for user input"},
	})
	id := stepID
	if err := c.store.UpdateRunStatus(ctx, statestore.RunPaused, statestore.RunUpdate{CurrentStepID: &id}); err != nil {
		c.logger.Warn("mark run paused failed", "step", stepID, "err", err)
	}
	c.logger.Info("run paused on step", "run", c.cfg.RunID, "step", stepID)
}

// settleResumedNotice 暂停过的 step 离开 paused 时，补一条恢复通知并把 run 拉回 running
func (c *Controller) settleResumedNotice(ctx context.Context, st *runState, stepID string) {
	if !st.notifiedPaused[stepID] {
		return
	}
	delete(st.notifiedPaused, stepID)
	metrics.PausedSteps.Dec()
	c.event(ctx, statestore.Event{
		StepID:  stepID,
		Type:    statestore.EventProgress,
		Payload: map[string]any{"message": "Resumed after user input"},
	})
	if err := c.store.UpdateRunStatus(ctx, statestore.RunRunning, statestore.RunUpdate{}); err != nil {
		c.logger.Warn("mark run running failed", "step", stepID, "err", err)
	}
}

func (c *Controller) finishCompleted(ctx context.Context, pb *playbook.Playbook) {
	results, err := c.store.ReadAllStepResults(ctx)
	if err != nil {
		c.logger.Warn("read step results for summary failed", "err", err)
	}
	summary := fmt.Sprintf("%d of %d steps completed", len(results), len(pb.Steps))
	if err := c.store.UpdateRunStatus(ctx, statestore.RunCompleted, statestore.RunUpdate{
		Summary: &summary,
	}); err != nil {
		c.logger.Error("mark run completed failed", "err", err)
	}
	c.event(ctx, statestore.Event{
		Type:    statestore.EventPlaybookCompleted,
		Payload: map[string]any{"summary": summary},
	})
	metrics.RunTotal.WithLabelValues(string(statestore.RunCompleted)).Inc()
	c.logger.Info("run completed", "run", c.cfg.RunID, "summary", summary)
}

func (c *Controller) finishFailed(ctx context.Context, cause error) {
	info := classify(cause)
	if err := c.store.UpdateRunStatus(ctx, statestore.RunFailed, statestore.RunUpdate{
		Error: &info,
	}); err != nil {
		c.logger.Error("mark run failed failed", "err", err)
	}
	c.event(ctx, statestore.Event{
		Type:    statestore.EventPlaybookFailed,
		Payload: map[string]any{"code": info.Code, "error": info.Message},
	})
	metrics.RunTotal.WithLabelValues(string(statestore.RunFailed)).Inc()
	c.logger.Error("run failed", "run", c.cfg.RunID, "code", info.Code, "err", cause)
}

// classify run 级失败的错误码归类
func classify(err error) statestore.ErrorInfo {
	var cyc *dag.CyclicDependencyError
	if errors.As(err, &cyc) {
		return statestore.ErrorInfo{Code: CodeCyclicDependency, Message: err.Error()}
	}
	var missing *dag.MissingDependencyError
	if errors.As(err, &missing) {
		return statestore.ErrorInfo{Code: CodePlaybookInvalid, Message: err.Error()}
	}
	var failed *StepFailedError
	if errors.As(err, &failed) {
		return statestore.ErrorInfo{Code: CodeStepFailed, Message: err.Error()}
	}
	return statestore.ErrorInfo{Code: CodeAgentCrash, Message: err.Error()}
}

func (c *Controller) cleanup(ctx context.Context) {
	if c.cfg.PlaybookConfigMap == "" {
		return
	}
	if err := c.jobs.DeleteConfigMap(ctx, c.cfg.PlaybookConfigMap); err != nil {
		c.logger.Warn("cleanup configmap failed", "name", c.cfg.PlaybookConfigMap, "err", err)
	}
}

// event 事件写入失败只记日志，不中断编排
func (c *Controller) event(ctx context.Context, e statestore.Event) {
	if _, err := c.store.AppendEvent(ctx, e); err != nil {
		c.logger.Warn("append event failed", "type", string(e.Type), "err", err)
	}
}

func errCode(info *statestore.ErrorInfo) string {
	if info == nil {
		return ""
	}
	return info.Code
}
