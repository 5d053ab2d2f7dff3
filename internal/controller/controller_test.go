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

package controller

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playbook-platform/internal/cluster"
	"playbook-platform/internal/playbook"
	"playbook-platform/internal/statestore"
	"playbook-platform/pkg/log"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stepBehavior 模拟 step 容器在 Job 创建后对文档做的动作
type stepBehavior func(ctx context.Context, store statestore.Store, stepID string)

func behaviorComplete(summary string) stepBehavior {
	return func(ctx context.Context, store statestore.Store, stepID string) {
		_ = store.UpdateStepStatus(ctx, stepID, statestore.StepCompleted, statestore.StepUpdate{
			ResultSummary: &summary,
		})
	}
}

func behaviorFail(code string) stepBehavior {
	return func(ctx context.Context, store statestore.Store, stepID string) {
		_ = store.UpdateStepStatus(ctx, stepID, statestore.StepFailed, statestore.StepUpdate{
			Error: &statestore.ErrorInfo{Code: code, Message: "boom"},
		})
	}
}

func behaviorPause(questionID string) stepBehavior {
	return func(ctx context.Context, store statestore.Store, stepID string) {
		_ = store.SaveCheckpoint(ctx, stepID, statestore.Checkpoint{Phase: "ask", QuestionID: questionID})
		_ = store.UpdateStepStatus(ctx, stepID, statestore.StepPaused, statestore.StepUpdate{})
	}
}

// behaviorHang step 停在 running，Job 保持 active（超时 / abort 测试用）
func behaviorHang() stepBehavior {
	return func(ctx context.Context, store statestore.Store, stepID string) {
		_ = store.UpdateStepStatus(ctx, stepID, statestore.StepRunning, statestore.StepUpdate{})
	}
}

// behaviorCrash Job 终结但文档停在 running（容器崩溃检测用）
func behaviorCrash() stepBehavior {
	return func(ctx context.Context, store statestore.Store, stepID string) {
		_ = store.UpdateStepStatus(ctx, stepID, statestore.StepRunning, statestore.StepUpdate{})
	}
}

type fakeLauncher struct {
	mu        sync.Mutex
	store     statestore.Store
	behaviors map[string]stepBehavior
	// hang 中的 step 其 Job 视为 active
	activeJobs map[string]bool
	created    []cluster.JobOptions
	deletedCMs []string
	deleted    []string
}

func newFakeLauncher(store statestore.Store) *fakeLauncher {
	return &fakeLauncher{
		store:      store,
		behaviors:  map[string]stepBehavior{},
		activeJobs: map[string]bool{},
	}
}

func (f *fakeLauncher) ResolveImage(name string) (string, error) {
	c := cluster.NewClient(nil, "runs", "registry.test")
	return c.ResolveImage(name)
}

func (f *fakeLauncher) CreateStepJob(ctx context.Context, opts cluster.JobOptions) (string, error) {
	name := cluster.JobName(opts.RunID, opts.StepID)
	f.mu.Lock()
	f.created = append(f.created, opts)
	f.mu.Unlock()
	if b, ok := f.behaviors[opts.StepID]; ok {
		b(ctx, f.store, opts.StepID)
	}
	return name, nil
}

func (f *fakeLauncher) IsJobActive(ctx context.Context, jobName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeJobs[jobName], nil
}

func (f *fakeLauncher) DeleteJob(ctx context.Context, jobName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, jobName)
	delete(f.activeJobs, jobName)
	return nil
}

func (f *fakeLauncher) DeleteConfigMap(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedCMs = append(f.deletedCMs, name)
	return nil
}

func (f *fakeLauncher) launchOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, opts := range f.created {
		ids = append(ids, opts.StepID)
	}
	return ids
}

type testRig struct {
	backend  *statestore.Memory
	store    statestore.Store
	launcher *fakeLauncher
	ctrl     *Controller
	clock    *fakeClock
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	backend := statestore.NewMemory()
	backend.SeedRun("org-1", statestore.Run{ID: "run-1", Status: statestore.RunPending})
	store, err := backend.OpenRun(context.Background(), "org-1", "run-1")
	require.NoError(t, err)
	launcher := newFakeLauncher(store)
	logger, err := log.NewLogger(nil)
	require.NoError(t, err)
	ctrl := New(store, launcher, logger, Config{
		OrgID:             "org-1",
		RunID:             "run-1",
		PollInterval:      time.Millisecond,
		PlaybookConfigMap: "playbook-run-1",
	})
	clock := &fakeClock{now: time.Now()}
	ctrl.now = clock.Now
	return &testRig{backend: backend, store: store, launcher: launcher, ctrl: ctrl, clock: clock}
}

func mkPlaybook(steps ...playbook.Step) *playbook.Playbook {
	return &playbook.Playbook{Name: "test", Steps: steps}
}

func step(id string, order int, image string, deps ...string) playbook.Step {
	return playbook.Step{
		ID:             id,
		Order:          order,
		Title:          strings.ToUpper(id),
		AgentImage:     image,
		TimeoutMinutes: 30,
		Dependencies:   deps,
	}
}

func (r *testRig) eventTypes() []statestore.EventType {
	var types []statestore.EventType
	for _, e := range r.backend.Events("org-1", "run-1") {
		types = append(types, e.Type)
	}
	return types
}

func TestExecuteLinearChain(t *testing.T) {
	r := newRig(t)
	for _, id := range []string{"a", "b", "c"} {
		r.launcher.behaviors[id] = behaviorComplete("done " + id)
	}
	pb := mkPlaybook(
		step("a", 1, "research"),
		step("b", 2, "draft", "a"),
		step("c", 3, "publish", "b"),
	)

	err := r.ctrl.Execute(context.Background(), pb)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, r.launcher.launchOrder())

	run, _ := r.store.ReadRun(context.Background())
	assert.Equal(t, statestore.RunCompleted, run.Status)
	assert.Equal(t, "3 of 3 steps completed", run.Summary)

	types := r.eventTypes()
	assert.Equal(t, statestore.EventPlaybookStarted, types[0])
	assert.Equal(t, statestore.EventPlaybookCompleted, types[len(types)-1])

	// 终局时清理 run 的配置对象
	assert.Equal(t, []string{"playbook-run-1"}, r.launcher.deletedCMs)
}

func TestExecuteParallelFanOut(t *testing.T) {
	r := newRig(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		r.launcher.behaviors[id] = behaviorComplete("ok")
	}
	pb := mkPlaybook(
		step("a", 1, "research"),
		step("b", 2, "draft", "a"),
		step("c", 3, "review", "a"),
		step("d", 4, "publish", "b", "c"),
	)

	require.NoError(t, r.ctrl.Execute(context.Background(), pb))

	order := r.launcher.launchOrder()
	require.Len(t, order, 4)
	assert.Equal(t, "a", order[0])
	// b、c 同轮就绪，按 order 启动
	assert.Equal(t, []string{"b", "c"}, order[1:3])
	assert.Equal(t, "d", order[3])

	var aggregate *statestore.Event
	events := r.backend.Events("org-1", "run-1")
	for i := range events {
		if events[i].Type == statestore.EventProgress && events[i].Payload["stepIds"] != nil {
			aggregate = &events[i]
		}
	}
	require.NotNil(t, aggregate, "parallel launch should emit an aggregate progress event")
	// 聚合事件必须点名本轮启动的 step
	assert.Equal(t, "Launching 2 steps in parallel: b, c", aggregate.Payload["message"])
	assert.Equal(t, []string{"b", "c"}, aggregate.Payload["stepIds"])
}

func TestExecuteFailureCascade(t *testing.T) {
	r := newRig(t)
	r.launcher.behaviors["a"] = behaviorComplete("ok")
	r.launcher.behaviors["b"] = behaviorFail("STEP_AGENT_CRASH")
	r.launcher.behaviors["d"] = behaviorComplete("ok")
	pb := mkPlaybook(
		step("a", 1, "research"),
		step("b", 2, "draft", "a"),
		step("c", 3, "publish", "b"),
		step("d", 4, "notify", "a"),
	)

	err := r.ctrl.Execute(context.Background(), pb)
	var failedErr *StepFailedError
	require.ErrorAs(t, err, &failedErr)
	assert.Equal(t, []string{"b"}, failedErr.FailedSteps)

	ctx := context.Background()
	// c 被级联跳过且从未启动
	status, _ := r.store.ReadStepStatus(ctx, "c")
	assert.Equal(t, statestore.StepSkipped, status)
	assert.NotContains(t, r.launcher.launchOrder(), "c")
	// 失败分支之外的 d 正常完成
	status, _ = r.store.ReadStepStatus(ctx, "d")
	assert.Equal(t, statestore.StepCompleted, status)

	run, _ := r.store.ReadRun(ctx)
	assert.Equal(t, statestore.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, CodeStepFailed, run.Error.Code)
}

func TestExecutePauseAndResume(t *testing.T) {
	r := newRig(t)
	r.launcher.behaviors["a"] = behaviorPause("q-1")
	r.launcher.behaviors["b"] = behaviorComplete("ok")
	pb := mkPlaybook(
		step("a", 1, "interview"),
		step("b", 2, "publish", "a"),
	)

	done := make(chan error, 1)
	go func() { done <- r.ctrl.Execute(context.Background(), pb) }()

	ctx := context.Background()
	// run 进入 paused 且只通知一次
	require.Eventually(t, func() bool {
		run, err := r.store.ReadRun(ctx)
		return err == nil && run.Status == statestore.RunPaused
	}, 2*time.Second, time.Millisecond)

	// 停留几轮，确认「等待输入」通知不重复
	time.Sleep(20 * time.Millisecond)
	waiting := 0
	for _, e := range r.backend.Events("org-1", "run-1") {
		if e.Type == statestore.EventProgress && e.Payload["message"] == "Waiting for user input" {
			waiting++
		}
	}
	assert.Equal(t, 1, waiting)

	// 模拟 resume Job 完成该 step
	summary := "answered"
	require.NoError(t, r.store.UpdateStepStatus(ctx, "a", statestore.StepCompleted, statestore.StepUpdate{
		ResultSummary: &summary,
	}))
	require.NoError(t, r.store.ClearCheckpoint(ctx, "a"))

	require.NoError(t, <-done)

	resumed := 0
	for _, e := range r.backend.Events("org-1", "run-1") {
		if e.Type == statestore.EventProgress && e.Payload["message"] == "Resumed after user input" {
			resumed++
		}
	}
	assert.Equal(t, 1, resumed)

	run, _ := r.store.ReadRun(ctx)
	assert.Equal(t, statestore.RunCompleted, run.Status)
	assert.Contains(t, r.launcher.launchOrder(), "b")
}

func TestExecuteAbort(t *testing.T) {
	r := newRig(t)
	r.launcher.behaviors["a"] = behaviorHang()
	pb := mkPlaybook(step("a", 1, "research"))
	r.launcher.activeJobs[cluster.JobName("run-1", "a")] = true

	done := make(chan error, 1)
	go func() { done <- r.ctrl.Execute(context.Background(), pb) }()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		return len(r.launcher.launchOrder()) == 1
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, r.store.UpdateRunStatus(ctx, statestore.RunAborted, statestore.RunUpdate{}))

	// abort 是干净退出，不报错也不改写 aborted 状态
	require.NoError(t, <-done)
	run, _ := r.store.ReadRun(ctx)
	assert.Equal(t, statestore.RunAborted, run.Status)
}

func TestExecuteStepTimeout(t *testing.T) {
	r := newRig(t)
	r.launcher.behaviors["a"] = behaviorHang()
	r.launcher.activeJobs[cluster.JobName("run-1", "a")] = true
	pb := mkPlaybook(
		step("a", 1, "research"),
		step("b", 2, "publish", "a"),
	)
	pb.Steps[0].TimeoutMinutes = 1

	done := make(chan error, 1)
	go func() { done <- r.ctrl.Execute(context.Background(), pb) }()

	require.Eventually(t, func() bool {
		return len(r.launcher.launchOrder()) == 1
	}, 2*time.Second, time.Millisecond)
	r.clock.Advance(2 * time.Minute)

	err := <-done
	var failedErr *StepFailedError
	require.ErrorAs(t, err, &failedErr)
	assert.Equal(t, []string{"a"}, failedErr.FailedSteps)

	ctx := context.Background()
	doc, _ := r.store.ReadStep(ctx, "a")
	require.NotNil(t, doc.Error)
	assert.Equal(t, CodeStepTimeout, doc.Error.Code)
	// 超时的 Job 被删除，依赖被级联跳过
	assert.Contains(t, r.launcher.deleted, cluster.JobName("run-1", "a"))
	status, _ := r.store.ReadStepStatus(ctx, "b")
	assert.Equal(t, statestore.StepSkipped, status)
}

func TestExecuteCrashDetection(t *testing.T) {
	r := newRig(t)
	// Job 立刻终结但文档停在 running
	r.launcher.behaviors["a"] = behaviorCrash()
	pb := mkPlaybook(step("a", 1, "research"))

	err := r.ctrl.Execute(context.Background(), pb)
	var failedErr *StepFailedError
	require.ErrorAs(t, err, &failedErr)

	doc, _ := r.store.ReadStep(context.Background(), "a")
	assert.Equal(t, statestore.StepFailed, doc.Status)
	require.NotNil(t, doc.Error)
	assert.Equal(t, CodeStepAgentCrash, doc.Error.Code)
}

func TestExecuteCyclicDependency(t *testing.T) {
	r := newRig(t)
	pb := mkPlaybook(
		step("a", 1, "research", "b"),
		step("b", 2, "draft", "a"),
	)

	err := r.ctrl.Execute(context.Background(), pb)
	require.Error(t, err)

	run, _ := r.store.ReadRun(context.Background())
	assert.Equal(t, statestore.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, CodeCyclicDependency, run.Error.Code)
	// 图校验失败时不创建任何 Job
	assert.Empty(t, r.launcher.launchOrder())
}

func TestExecuteMissingDependency(t *testing.T) {
	r := newRig(t)
	pb := mkPlaybook(step("a", 1, "research", "ghost"))

	err := r.ctrl.Execute(context.Background(), pb)
	require.Error(t, err)

	run, _ := r.store.ReadRun(context.Background())
	require.NotNil(t, run.Error)
	assert.Equal(t, CodePlaybookInvalid, run.Error.Code)
}

func TestExecuteEmptyPlaybook(t *testing.T) {
	r := newRig(t)
	pb := mkPlaybook()

	require.NoError(t, r.ctrl.Execute(context.Background(), pb))
	run, _ := r.store.ReadRun(context.Background())
	assert.Equal(t, statestore.RunCompleted, run.Status)
	assert.Equal(t, "0 of 0 steps completed", run.Summary)
}

func TestExecuteHydrationFailureFailsRun(t *testing.T) {
	r := newRig(t)
	pb := mkPlaybook(step("a", 1, "research"))
	pb.Variables = []playbook.Variable{{Name: "team", Source: "members.sre"}}

	err := r.ctrl.Execute(context.Background(), pb)
	require.Error(t, err)
	run, _ := r.store.ReadRun(context.Background())
	assert.Equal(t, statestore.RunFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, CodeAgentCrash, run.Error.Code)
}

func TestExecuteHydrationPersistsVariables(t *testing.T) {
	r := newRig(t)
	r.backend.SeedMembers("org-1", "sre", []statestore.Member{{Email: "oncall@acme.io", Role: "sre"}})
	r.launcher.behaviors["a"] = behaviorComplete("ok")
	pb := mkPlaybook(step("a", 1, "research"))
	pb.Variables = []playbook.Variable{{Name: "team", Source: "members.sre"}}
	pb.Body = "Notify {{team}}"

	require.NoError(t, r.ctrl.Execute(context.Background(), pb))
	got, err := r.store.ReadContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "oncall@acme.io", got["team"])
}
