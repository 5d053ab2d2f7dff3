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

// Package trigger 处理用户输入写入后的恢复执行：为 paused step 拉起
// 带 RESUME_THREAD_ID 的新 worker Job，或在 abort 输入时终止整个 run。
// 作为独立服务部署，与 controller 之间只通过文档与集群交互。
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"playbook-platform/internal/cluster"
	"playbook-platform/internal/statestore"
	"playbook-platform/pkg/log"
	"playbook-platform/pkg/metrics"
	"playbook-platform/pkg/tracing"
	"playbook-platform/pkg/utils"
)

var (
	// ErrDuplicate 同一输入已经处理过（redis 去重或 Job 撞名）
	ErrDuplicate = errors.New("trigger: input already handled")
	// ErrNoPausedStep 没有 checkpoint 与该输入匹配的 paused step
	ErrNoPausedStep = errors.New("trigger: no paused step matches input")
	// ErrRateLimited 超出恢复执行的启动速率
	ErrRateLimited = errors.New("trigger: launch rate exceeded")
)

// JobLauncher trigger 需要的集群面；*cluster.Client 是生产实现
type JobLauncher interface {
	CreateStepJob(ctx context.Context, opts cluster.JobOptions) (string, error)
}

// Notification 一次输入写入通知
type Notification struct {
	OrgID   string `json:"orgId"`
	RunID   string `json:"runId"`
	InputID string `json:"inputId"`
}

// Outcome 一次通知的处理结果
type Outcome struct {
	// Action resumed | aborted
	Action  string `json:"action"`
	StepID  string `json:"stepId,omitempty"`
	JobName string `json:"jobName,omitempty"`
}

// Config trigger 行为配置
type Config struct {
	// DedupTTL 输入去重键的保留时长；0 用默认 24h
	DedupTTL time.Duration
	// LaunchQPS 每秒允许拉起的恢复 Job 数；0 用默认 10
	LaunchQPS float64
	// LaunchBurst 令牌桶容量；0 取 LaunchQPS
	LaunchBurst int
	// ServiceAccount 恢复 Job 的 service account
	ServiceAccount string
}

const defaultDedupTTL = 24 * time.Hour

// Handler 输入事件处理器
type Handler struct {
	opener   statestore.Opener
	jobs     JobLauncher
	rdb      redis.UniversalClient
	limiter  *rate.Limiter
	logger   *log.Logger
	dedupTTL time.Duration
	sa       string
}

// NewHandler 创建输入事件处理器
func NewHandler(opener statestore.Opener, jobs JobLauncher, rdb redis.UniversalClient, logger *log.Logger, cfg Config) *Handler {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = defaultDedupTTL
	}
	qps := cfg.LaunchQPS
	if qps <= 0 {
		qps = 10
	}
	burst := cfg.LaunchBurst
	if burst <= 0 {
		burst = int(qps)
	}
	return &Handler{
		opener:   opener,
		jobs:     jobs,
		rdb:      rdb,
		limiter:  rate.NewLimiter(rate.Limit(qps), burst),
		logger:   logger,
		dedupTTL: cfg.DedupTTL,
		sa:       cfg.ServiceAccount,
	}
}

// HandleInput 处理一次输入写入。abort 输入将 run 置为 aborted 并不再拉起；
// 其余输入按 checkpoint 的 questionId 找到对应的 paused step，
// 以新的 RESUME_THREAD_ID 重建一个 worker Job。重复通知通过 redis SETNX
// 与 Job 撞名双重抑制，两条路径都返回 ErrDuplicate。
func (h *Handler) HandleInput(ctx context.Context, n Notification) (*Outcome, error) {
	ctx, span := tracing.StartResumeSpan(ctx, n.RunID, n.InputID)
	defer span.End()

	if !h.limiter.Allow() {
		metrics.ResumeLaunchTotal.WithLabelValues("rejected").Inc()
		return nil, ErrRateLimited
	}

	store, err := h.opener.OpenRun(ctx, n.OrgID, n.RunID)
	if err != nil {
		return nil, fmt.Errorf("open run %s: %w", n.RunID, err)
	}
	defer store.Close()

	input, err := store.ReadInput(ctx, n.InputID)
	if err != nil {
		return nil, fmt.Errorf("read input %s: %w", n.InputID, err)
	}

	dedupKey := fmt.Sprintf("trigger:input:%s:%s:%s", n.OrgID, n.RunID, n.InputID)
	fresh, err := h.rdb.SetNX(ctx, dedupKey, time.Now().Unix(), h.dedupTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("dedup input %s: %w", n.InputID, err)
	}
	if !fresh {
		metrics.ResumeLaunchTotal.WithLabelValues("duplicate").Inc()
		return nil, ErrDuplicate
	}

	if input.Type == statestore.InputAbort {
		if err := store.UpdateRunStatus(ctx, statestore.RunAborted, statestore.RunUpdate{}); err != nil {
			return nil, fmt.Errorf("abort run %s: %w", n.RunID, err)
		}
		h.logger.Info("run aborted by user input", "run", n.RunID, "input", n.InputID)
		return &Outcome{Action: "aborted"}, nil
	}

	step, err := h.matchPausedStep(ctx, store, input)
	if err != nil {
		return nil, err
	}

	jobName, err := h.launchResume(ctx, store, n, step)
	if err != nil {
		return nil, err
	}
	return &Outcome{Action: "resumed", StepID: step.ID, JobName: jobName}, nil
}

// matchPausedStep 在 paused steps 里找 checkpoint 与输入对应的那个。
// questionId 与 approvalId 都参与匹配：checkpoint 只记录发起暂停的那个 ID。
func (h *Handler) matchPausedStep(ctx context.Context, store statestore.Store, input *statestore.Input) (*statestore.StepDoc, error) {
	steps, err := store.ListSteps(ctx)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	for i := range steps {
		step := &steps[i]
		if step.Status != statestore.StepPaused {
			continue
		}
		cp, err := store.LoadCheckpoint(ctx, step.ID)
		if err != nil {
			if errors.Is(err, statestore.ErrCheckpointNotFound) {
				continue
			}
			return nil, fmt.Errorf("load checkpoint for %s: %w", step.ID, err)
		}
		if cp.QuestionID != "" && (cp.QuestionID == input.QuestionID || cp.QuestionID == input.ApprovalID) {
			return step, nil
		}
	}
	return nil, ErrNoPausedStep
}

func (h *Handler) launchResume(ctx context.Context, store statestore.Store, n Notification, step *statestore.StepDoc) (string, error) {
	if step.Image == "" {
		return "", fmt.Errorf("step %s has no recorded image, cannot relaunch", step.ID)
	}
	// 文档里的 JobName 可能已指向上一个恢复 Job，命名始终从规范名出发
	baseName := cluster.JobName(n.RunID, step.ID)
	seq, err := h.rdb.Incr(ctx, fmt.Sprintf("trigger:resume-seq:%s:%s:%s", n.OrgID, n.RunID, step.ID)).Result()
	if err != nil {
		return "", fmt.Errorf("next resume sequence for %s: %w", step.ID, err)
	}
	jobName := cluster.ResumeJobName(baseName, seq)

	timeout := utils.DefaultInt(step.TimeoutMinutes, 30)
	_, err = h.jobs.CreateStepJob(ctx, cluster.JobOptions{
		Name:   jobName,
		RunID:  n.RunID,
		StepID: step.ID,
		Image:  step.Image,
		Env: map[string]string{
			"ORG_ID":           n.OrgID,
			"RUN_ID":           n.RunID,
			"STEP_ID":          step.ID,
			"RESUME_THREAD_ID": "rt-" + uuid.New().String(),
		},
		TimeoutSeconds: int64(timeout) * 60,
		ServiceAccount: h.sa,
	})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			metrics.ResumeLaunchTotal.WithLabelValues("duplicate").Inc()
			return "", ErrDuplicate
		}
		return "", fmt.Errorf("launch resume job for %s: %w", step.ID, err)
	}

	// 恢复 Job 的名字落回文档，controller 的存活探测跟着新 Job 走
	if err := store.UpdateStepStatus(ctx, step.ID, statestore.StepPaused, statestore.StepUpdate{
		JobName: &jobName,
	}); err != nil {
		h.logger.Warn("record resume job name failed", "step", step.ID, "err", err)
	}

	metrics.ResumeLaunchTotal.WithLabelValues("launched").Inc()
	h.logger.Info("resume job launched", "run", n.RunID, "step", step.ID, "job", jobName)
	return jobName, nil
}
