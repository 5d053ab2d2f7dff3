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

// resume-trigger 是平台里唯一常驻的 HTTP 服务：接收文档库的输入事件通知，
// 找到等待该输入的暂停步骤，为它拉起恢复 Job。
package main

import (
	"context"
	"fmt"
	stdlog "log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/redis/go-redis/v9"

	"playbook-platform/internal/cluster"
	"playbook-platform/internal/statestore"
	"playbook-platform/internal/trigger"
	"playbook-platform/pkg/config"
	"playbook-platform/pkg/log"
	"playbook-platform/pkg/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadTriggerConfig()
	if err != nil {
		cfg = &config.Config{}
	}

	logger, err := log.NewLogger(&cfg.Log)
	if err != nil {
		stdlog.Printf("init logger: %v", err)
		return 1
	}

	setHertzLogger(&cfg.Log)

	opener, cleanup, err := openStore(context.Background(), cfg)
	if err != nil {
		logger.Error("open state store", "err", err)
		return 1
	}
	defer cleanup()

	rdb := redis.NewClient(&redis.Options{
		Addr:     utils.CoalesceString(cfg.Trigger.Redis.Addr, "localhost:6379"),
		DB:       cfg.Trigger.Redis.DB,
		Password: cfg.Trigger.Redis.Password,
	})
	defer rdb.Close()

	jobs, err := cluster.NewInClusterClient(
		utils.CoalesceString(cfg.Cluster.Namespace, os.Getenv("NAMESPACE")),
		cfg.Cluster.ImageRegistry,
	)
	if err != nil {
		logger.Error("init cluster client", "err", err)
		return 1
	}

	handler := trigger.NewHandler(opener, jobs, rdb, logger, trigger.Config{
		DedupTTL:       utils.ParseDuration(cfg.Trigger.DedupTTL, 0),
		LaunchQPS:      cfg.Trigger.LaunchQPS,
		LaunchBurst:    cfg.Trigger.LaunchBurst,
		ServiceAccount: cfg.Cluster.ServiceAccount,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Trigger.Host, utils.DefaultInt(cfg.Trigger.Port, 8080))
	h, otelShutdown := buildServer(cfg, trigger.NewRouter(handler), addr)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if otelShutdown != nil {
			_ = otelShutdown(shutdownCtx)
		}
		if err := h.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "err", err)
		}
	}()

	logger.Info("resume trigger listening", "addr", addr)
	h.Spin()
	return 0
}

// setHertzLogger 让 hertz 的访问日志走与业务日志相同的 slog 输出
func setHertzLogger(cfg *log.Config) {
	levelVar := &slog.LevelVar{}
	switch cfg.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(os.Stdout),
		hertzslog.WithLevel(levelVar),
	))
}

// buildServer 组装 hertz server，按配置接入 OpenTelemetry；tracing.InitTracer
// 负责业务侧 span 的 provider，hertztracing 补全 HTTP 入口的服务端 span。
func buildServer(cfg *config.Config, router *trigger.Router, addr string) (*server.Hertz, func(context.Context) error) {
	tc := cfg.Monitoring.Tracing
	if !tc.Enable || tc.ExportEndpoint == "" {
		return router.Build(addr), nil
	}

	serviceName := utils.CoalesceString(tc.ServiceName, "resume-trigger")
	opts := []provider.Option{
		provider.WithServiceName(serviceName),
		provider.WithExportEndpoint(tc.ExportEndpoint),
	}
	if tc.Insecure {
		opts = append(opts, provider.WithInsecure())
	}
	p := provider.NewOpenTelemetryProvider(opts...)

	tracerOpt, tracerCfg := hertztracing.NewServerTracer()
	h := router.Build(addr, tracerOpt)
	h.Use(hertztracing.ServerMiddleware(tracerCfg))
	return h, p.Shutdown
}

func openStore(ctx context.Context, cfg *config.Config) (statestore.Opener, func(), error) {
	switch cfg.StateStore.Type {
	case "postgres":
		pg, err := statestore.NewPostgres(ctx, cfg.StateStore.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case "", "memory":
		return statestore.NewMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown statestore type: %s", cfg.StateStore.Type)
	}
}
