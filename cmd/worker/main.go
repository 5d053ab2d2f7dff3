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

// worker 参考实现：一个带 HITL 的三阶段 step 容器。
// 起草 → 提问确认 → 审批 → 产出报告。每次暂停进程退出（exit 0），
// 恢复由 trigger 以新 Job 拉起，状态全部存在文档库的检查点里。
package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"strings"

	"playbook-platform/internal/blob"
	"playbook-platform/internal/statestore"
	"playbook-platform/internal/steprt"
	"playbook-platform/pkg/config"
	"playbook-platform/pkg/log"
	"playbook-platform/pkg/secrets"
	"playbook-platform/pkg/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		cfg = &config.Config{}
	}

	env, err := steprt.FromEnv()
	if err != nil {
		stdlog.Printf("invalid environment: %v", err)
		return 1
	}

	logger, err := log.NewLogger(&cfg.Log)
	if err != nil {
		stdlog.Printf("init logger: %v", err)
		return 1
	}
	logger = logger.WithRun(env.OrgID, env.RunID).WithStep(env.StepID)

	ctx := context.Background()
	store, cleanup, err := openStore(ctx, cfg, env)
	if err != nil {
		logger.Error("open state store", "err", err)
		return 1
	}
	defer cleanup()

	sharedRoot := utils.CoalesceString(cfg.Worker.SharedRoot, steprt.DefaultSharedRoot)

	// 产物上传可选：没配 blob 端点时报告只留在共享卷上
	var uploader *blob.Uploader
	if endpoint := cfg.Worker.BlobEndpoint; endpoint != "" {
		uploader = blob.NewUploader(store, func(ctx context.Context, storagePath string) (string, error) {
			return strings.TrimRight(endpoint, "/") + "/" + storagePath, nil
		})
	}

	rt := steprt.NewRuntime(store, env, logger)
	return rt.Run(ctx, draftReviewStep(sharedRoot, uploader))
}

// draftReviewStep 三阶段流程。阶段切换只靠检查点的 phase 字段，
// 进程每个阶段起一次、退一次。
func draftReviewStep(sharedRoot string, uploader *blob.Uploader) steprt.StepFunc {
	return func(ctx context.Context, sc *steprt.StepContext) (*steprt.Outcome, error) {
		switch sc.Phase {
		case "":
			return draftPhase(ctx, sc)
		case steprt.PhaseWaitingAnswer:
			return reviewPhase(ctx, sc)
		case steprt.PhaseWaitingApproval:
			return publishPhase(ctx, sc, sharedRoot, uploader)
		default:
			return nil, fmt.Errorf("unknown checkpoint phase: %s", sc.Phase)
		}
	}
}

func draftPhase(ctx context.Context, sc *steprt.StepContext) (*steprt.Outcome, error) {
	sc.Progress(ctx, "Drafting initial content")
	sc.Thinking(ctx, "Assembling draft from run context variables")

	topic, _ := sc.RunContext["topic"].(string)
	if topic == "" {
		topic = "status update"
	}
	draft := fmt.Sprintf("Draft for %s prepared by step %s.", topic, sc.Env.StepID)

	pause := steprt.AskUser(steprt.Question{
		Text:     "Does this draft cover everything you need?",
		Type:     steprt.QuestionFreeText,
		HelpText: "Reply with anything to add, or confirm as is.",
		Required: true,
	}, map[string]any{"draft": draft})
	return &steprt.Outcome{Pause: pause}, nil
}

func reviewPhase(ctx context.Context, sc *steprt.StepContext) (*steprt.Outcome, error) {
	draft, _ := sc.Data["draft"].(string)
	answer := strings.TrimSpace(sc.Resume.Answer)
	if answer != "" && !strings.EqualFold(answer, "ok") {
		draft = draft + "\n\nAddendum: " + answer
		sc.Progress(ctx, "Draft revised with reviewer feedback")
	}

	pause := steprt.RequestApproval(steprt.Approval{
		Description: "Publish the reviewed draft",
		Draft:       draft,
		Risk:        steprt.RiskMedium,
	}, map[string]any{"draft": draft})
	return &steprt.Outcome{Pause: pause}, nil
}

func publishPhase(ctx context.Context, sc *steprt.StepContext, sharedRoot string, uploader *blob.Uploader) (*steprt.Outcome, error) {
	draft, _ := sc.Data["draft"].(string)
	switch sc.Resume.Decision {
	case steprt.DecisionReject:
		return &steprt.Outcome{Summary: "Draft rejected by approver, nothing published"}, nil
	case steprt.DecisionRevise:
		if sc.Resume.RevisedContent != "" {
			draft = sc.Resume.RevisedContent
		}
		sc.Progress(ctx, "Publishing approver-revised draft")
	case steprt.DecisionApprove:
	default:
		return nil, fmt.Errorf("unexpected decision: %s", sc.Resume.Decision)
	}

	// 需要外部投递时从文档库取 connection token
	tokens := secrets.NewDocStore(sc.Store)
	if token, err := tokens.Get(ctx, "slack"); err == nil && token != "" {
		sc.ToolUse(ctx, "slack", map[string]any{"action": "post_message"})
	}

	report := "# Published Draft\n\n" + draft + "\n"
	if err := steprt.WriteReport(sharedRoot, sc.Env.StepID, report); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	sc.Progress(ctx, "Report written")

	if uploader != nil {
		_, err := uploader.Upload(ctx, sc.Env.OrgID, sc.Env.RunID, blob.Artifact{
			StepID:      sc.Env.StepID,
			Name:        "report.md",
			ContentType: "text/markdown",
			Data:        []byte(report),
		})
		if err != nil {
			return nil, fmt.Errorf("upload report: %w", err)
		}
	}

	return &steprt.Outcome{Summary: "Draft approved and published"}, nil
}

func openStore(ctx context.Context, cfg *config.Config, env steprt.Env) (statestore.Store, func(), error) {
	var opener statestore.Opener
	cleanup := func() {}

	switch cfg.StateStore.Type {
	case "postgres":
		pg, err := statestore.NewPostgres(ctx, cfg.StateStore.DSN)
		if err != nil {
			return nil, nil, err
		}
		opener = pg
		cleanup = pg.Close
	case "", "memory":
		opener = statestore.NewMemory()
	default:
		return nil, nil, fmt.Errorf("unknown statestore type: %s", cfg.StateStore.Type)
	}

	store, err := opener.OpenRun(ctx, env.OrgID, env.RunID)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return store, func() {
		store.Close()
		cleanup()
	}, nil
}
