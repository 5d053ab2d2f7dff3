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

// pbctl 运维命令行：查询 run 状态、手工投递输入事件。
// 状态查询直连文档库（STATESTORE_DSN），事件投递走 resume trigger 的 HTTP 接口。
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"playbook-platform/internal/statestore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("pbctl 0.1.0")
	case "health":
		if err := checkHealth(); err != nil {
			fmt.Fprintf(os.Stderr, "trigger 不可达: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("ok")
	case "notify":
		if len(args) < 3 {
			fmt.Fprintf(os.Stderr, "Usage: pbctl notify <orgId> <runId> <inputId>\n")
			os.Exit(1)
		}
		runNotify(args[0], args[1], args[2])
	case "run":
		if len(args) < 3 {
			fmt.Fprintf(os.Stderr, "Usage: pbctl run <status|files> <orgId> <runId>\n")
			os.Exit(1)
		}
		switch args[0] {
		case "status":
			os.Exit(runStatus(args[1], args[2], os.Stdout, os.Stderr))
		case "files":
			os.Exit(runFiles(args[1], args[2], os.Stdout, os.Stderr))
		default:
			printUsage()
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: pbctl <command> [args]")
	fmt.Println("  version                          - 显示版本")
	fmt.Println("  health                           - 检查 resume trigger 健康")
	fmt.Println("  notify <orgId> <runId> <inputId> - 手工投递输入事件（补偿丢失的通知）")
	fmt.Println("  run status <orgId> <runId>       - 显示 run 与各 step 状态")
	fmt.Println("  run files <orgId> <runId>        - 列出 run 产物文件")
	fmt.Println("环境变量: PLAYBOOK_TRIGGER_URL（默认 http://localhost:8080）、STATESTORE_DSN")
}

func runNotify(orgID, runID, inputID string) {
	out, err := notifyInput(orgID, runID, inputID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "投递失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("action=%v", out["action"])
	if step, ok := out["stepId"]; ok && step != "" {
		fmt.Printf(" step=%v job=%v", step, out["jobName"])
	}
	fmt.Println()
}

func openRunStore(ctx context.Context, orgID, runID string) (statestore.Store, func(), error) {
	dsn := os.Getenv("STATESTORE_DSN")
	if dsn == "" {
		return nil, nil, fmt.Errorf("缺少 STATESTORE_DSN")
	}
	pg, err := statestore.NewPostgres(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	store, err := pg.OpenRun(ctx, orgID, runID)
	if err != nil {
		pg.Close()
		return nil, nil, err
	}
	return store, pg.Close, nil
}

func runStatus(orgID, runID string, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, cleanup, err := openRunStore(ctx, orgID, runID)
	if err != nil {
		fmt.Fprintf(stderr, "打开文档库失败: %v\n", err)
		return 1
	}
	defer cleanup()

	return printRunStatus(ctx, store, runID, stdout, stderr)
}

// printRunStatus 与 runStatus 分离，便于用内存后端测试输出格式
func printRunStatus(ctx context.Context, store statestore.Store, runID string, stdout, stderr io.Writer) int {
	run, err := store.ReadRun(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "读取 run 失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "run %s: %s\n", runID, run.Status)

	steps, err := store.ListSteps(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "读取 step 失败: %v\n", err)
		return 1
	}
	w := tabwriter.NewWriter(stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATUS\tJOB\tSUMMARY")
	for _, s := range steps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Status, s.JobName, s.ResultSummary)
	}
	w.Flush()
	return 0
}

func runFiles(orgID, runID string, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, cleanup, err := openRunStore(ctx, orgID, runID)
	if err != nil {
		fmt.Fprintf(stderr, "打开文档库失败: %v\n", err)
		return 1
	}
	defer cleanup()

	return printRunFiles(ctx, store, stdout, stderr)
}

func printRunFiles(ctx context.Context, store statestore.Store, stdout, stderr io.Writer) int {
	files, err := store.ReadAllFiles(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "读取文件登记失败: %v\n", err)
		return 1
	}
	w := tabwriter.NewWriter(stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tNAME\tSIZE\tPATH")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", f.StepID, f.Name, f.Size, f.URL)
	}
	w.Flush()
	return 0
}
