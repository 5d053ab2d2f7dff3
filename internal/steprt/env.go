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

// Package steprt 是 step worker 容器内的运行时：启动 / 恢复判定、HITL
// 暂停原语、检查点与事件上报。step 业务代码只实现 StepFunc，进程编排
// 全部由 Runtime 承担。
package steprt

import (
	"fmt"
	"os"
)

// Env step 容器的注入环境；由 controller 在创建 Job 时写入
type Env struct {
	OrgID  string
	RunID  string
	StepID string
	// Namespace Job 所在的 k8s 命名空间，由集群适配器注入
	Namespace string
	// ResumeThreadID 非空表示这是一次恢复执行，值由 resume trigger 生成
	ResumeThreadID string
}

// FromEnv 从容器环境变量读取；缺必填项时报错
func FromEnv() (Env, error) {
	e := Env{
		OrgID:          os.Getenv("ORG_ID"),
		RunID:          os.Getenv("RUN_ID"),
		StepID:         os.Getenv("STEP_ID"),
		Namespace:      os.Getenv("NAMESPACE"),
		ResumeThreadID: os.Getenv("RESUME_THREAD_ID"),
	}
	if e.OrgID == "" || e.RunID == "" || e.StepID == "" {
		return Env{}, fmt.Errorf("steprt: ORG_ID, RUN_ID and STEP_ID must be set")
	}
	return e, nil
}

// IsResume 返回本次执行是否为恢复执行
func (e Env) IsResume() bool {
	return e.ResumeThreadID != ""
}
