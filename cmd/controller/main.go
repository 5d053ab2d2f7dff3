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

// controller 以集群 Job 的形式运行：一个进程驱动一个 run 到终态。
// run 的身份通过 ORG_ID / RUN_ID 注入，playbook 通过 ConfigMap 挂载进来。
package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"playbook-platform/internal/cluster"
	"playbook-platform/internal/controller"
	"playbook-platform/internal/playbook"
	"playbook-platform/internal/statestore"
	"playbook-platform/pkg/config"
	"playbook-platform/pkg/log"
	"playbook-platform/pkg/tracing"
	"playbook-platform/pkg/utils"
)

const defaultPlaybookPath = "/etc/playbook/playbook.md"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadControllerConfig()
	if err != nil {
		// 配置文件可选：集群部署通常只靠环境变量
		cfg = &config.Config{}
	}

	env, err := config.RunEnvFromOS()
	if err != nil {
		stdlog.Printf("invalid environment: %v", err)
		return 1
	}

	logger, err := log.NewLogger(&cfg.Log)
	if err != nil {
		stdlog.Printf("init logger: %v", err)
		return 1
	}
	logger = logger.WithRun(env.OrgID, env.RunID)

	if cfg.Monitoring.Tracing.Enable && cfg.Monitoring.Tracing.ExportEndpoint != "" {
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    utils.CoalesceString(cfg.Monitoring.Tracing.ServiceName, "playbook-controller"),
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		})
		if err != nil {
			logger.Warn("tracing disabled", "err", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := openStore(ctx, cfg, env)
	if err != nil {
		logger.Error("open state store", "err", err)
		return 1
	}
	defer cleanup()

	registry := utils.CoalesceString(env.ImageRegistry, cfg.Cluster.ImageRegistry)
	jobs, err := newClusterClient(cfg, env, registry)
	if err != nil {
		logger.Error("init cluster client", "err", err)
		return 1
	}

	playbookPath := utils.CoalesceString(os.Getenv("PLAYBOOK_PATH"), defaultPlaybookPath)
	pb, err := playbook.ParseFile(playbookPath)
	if err != nil {
		logger.Error("parse playbook", "path", playbookPath, "err", err)
		return 1
	}

	ctrl := controller.New(store, jobs, logger, controller.Config{
		OrgID:             env.OrgID,
		RunID:             env.RunID,
		PollInterval:      utils.ParseDuration(cfg.Controller.PollInterval, 5*time.Second),
		ServiceAccount:    cfg.Cluster.ServiceAccount,
		PlaybookConfigMap: cfg.Controller.PlaybookConfigMap,
		HydratedPath:      cfg.Controller.HydratedPath,
	})

	if err := ctrl.Execute(ctx, pb); err != nil {
		logger.Error("run failed", "err", err)
		return 1
	}
	return 0
}

func openStore(ctx context.Context, cfg *config.Config, env *config.RunEnv) (statestore.Store, func(), error) {
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

func newClusterClient(cfg *config.Config, env *config.RunEnv, registry string) (*cluster.Client, error) {
	namespace := utils.CoalesceString(cfg.Cluster.Namespace, env.Namespace)
	if cfg.Cluster.InCluster == nil || *cfg.Cluster.InCluster {
		return cluster.NewInClusterClient(namespace, registry)
	}
	return nil, fmt.Errorf("out-of-cluster mode requires an injected clientset")
}
