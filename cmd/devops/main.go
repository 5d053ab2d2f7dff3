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

// devops 运维工具：对 postgres 文档库应用建表语句（幂等，可重复执行）。
// 使用：go run ./cmd/devops -dsn "postgres://..."，或设置 STATESTORE_DSN。
package main

import (
	"context"
	"flag"
	stdlog "log"
	"os"
	"time"

	"playbook-platform/internal/statestore"
	"playbook-platform/pkg/config"
	"playbook-platform/pkg/utils"
)

func main() {
	var (
		dsn        = flag.String("dsn", "", "postgres 连接串，空则取 STATESTORE_DSN 或配置文件")
		configPath = flag.String("config", "", "可选配置文件路径（读 statestore.dsn）")
		timeout    = flag.Duration("timeout", 30*time.Second, "建表超时")
	)
	flag.Parse()

	resolved := utils.CoalesceString(*dsn, os.Getenv("STATESTORE_DSN"))
	if resolved == "" && *configPath != "" {
		cfg, err := config.LoadConfig(*configPath)
		if err != nil {
			stdlog.Fatalf("加载配置失败: %v", err)
		}
		resolved = cfg.StateStore.DSN
	}
	if resolved == "" {
		stdlog.Fatal("缺少 DSN：-dsn、STATESTORE_DSN 或 -config 至少给一个")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pg, err := statestore.NewPostgres(ctx, resolved)
	if err != nil {
		stdlog.Fatalf("连接 postgres 失败: %v", err)
	}
	defer pg.Close()

	if err := pg.ApplySchema(ctx); err != nil {
		stdlog.Fatalf("应用建表语句失败: %v", err)
	}
	stdlog.Println("文档库表结构已就绪")
}
