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

package config

import (
	"fmt"
	"os"
)

// RunEnv controller 进程的环境变量契约。controller 自身以 Job 形式部署，
// run 的身份信息全部通过 env 注入。
type RunEnv struct {
	OrgID         string
	RunID         string
	Namespace     string
	PlaybookID    string
	ImageRegistry string
}

// RunEnvFromOS 读 controller 的环境变量；RUN_ID 与 ORG_ID 必填
func RunEnvFromOS() (*RunEnv, error) {
	env := &RunEnv{
		OrgID:         os.Getenv("ORG_ID"),
		RunID:         os.Getenv("RUN_ID"),
		Namespace:     os.Getenv("NAMESPACE"),
		PlaybookID:    os.Getenv("PLAYBOOK_ID"),
		ImageRegistry: os.Getenv("AGENT_IMAGE_REGISTRY"),
	}
	if env.OrgID == "" || env.RunID == "" {
		return nil, fmt.Errorf("ORG_ID and RUN_ID are required")
	}
	if env.Namespace == "" {
		env.Namespace = "default"
	}
	return env, nil
}
