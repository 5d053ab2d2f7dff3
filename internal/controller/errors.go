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
	"sort"
	"strings"
)

// run 级错误码；写入 run 文档的 error.code
const (
	CodeCyclicDependency = "CYCLIC_DEPENDENCY"
	CodePlaybookInvalid  = "PLAYBOOK_INVALID"
	CodeStepFailed       = "STEP_FAILED"
	CodeAgentCrash       = "AGENT_CRASH"
)

// step 级错误码；写入 step 文档的 error.code
const (
	CodeStepTimeout    = "STEP_TIMEOUT"
	CodeStepAgentCrash = "STEP_AGENT_CRASH"
)

// StepFailedError run 因一个或多个 step 失败而终结
type StepFailedError struct {
	FailedSteps []string
}

// NewStepFailedError 失败 step 列表排序后构造，保证错误信息可复现
func NewStepFailedError(failed map[string]bool) *StepFailedError {
	ids := make([]string, 0, len(failed))
	for id := range failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &StepFailedError{FailedSteps: ids}
}

func (e *StepFailedError) Error() string {
	return "controller: steps failed: " + strings.Join(e.FailedSteps, ", ")
}
