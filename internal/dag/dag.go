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

// Package dag 校验 step 依赖图并计算可调度集合。
// Validate 用 Kahn 算法判环，失败时再用 DFS 还原一条具体环路；
// ReadySteps 是纯函数，仅由传入的状态集合决定；
// Dependents 是构建一次、整个 run 复用的反向邻接表，供失败级联使用。
package dag

import (
	"fmt"
	"sort"
	"strings"

	"playbook-platform/internal/playbook"
)

// MissingDependencyError step 声明了不存在的依赖
type MissingDependencyError struct {
	StepID       string
	DependencyID string
	ValidIDs     []string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf(
		"dag: step %q depends on %q, which does not exist (valid step IDs: %s)",
		e.StepID, e.DependencyID, strings.Join(e.ValidIDs, ", "))
}

// CyclicDependencyError 依赖图存在环；Cycle 为一条具体环路（首尾为同一 step）
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return "dag: cyclic dependency detected: " + strings.Join(e.Cycle, " -> ")
}

// Validate 校验依赖图：所有依赖必须指向同一 run 内存在的 step，且图中无环。
// 幂等纯函数；失败时返回 *MissingDependencyError 或 *CyclicDependencyError。
func Validate(steps []playbook.Step) error {
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		ids[s.ID] = true
	}
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if !ids[dep] {
				valid := make([]string, 0, len(ids))
				for id := range ids {
					valid = append(valid, id)
				}
				sort.Strings(valid)
				return &MissingDependencyError{StepID: s.ID, DependencyID: dep, ValidIDs: valid}
			}
		}
	}

	// Kahn：按入度逐层剥离；剥不完说明有环
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		inDegree[s.ID] = 0
	}
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			dependents[dep] = append(dependents[dep], s.ID)
			inDegree[s.ID]++
		}
	}

	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	sorted := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted++
		for _, d := range dependents[node] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if sorted < len(steps) {
		return &CyclicDependencyError{Cycle: findCycle(steps)}
	}
	return nil
}

// findCycle 三色 DFS 找回边并回溯出一条环路；仅在 Kahn 判定失败后调用
func findCycle(steps []playbook.Step) []string {
	const (
		white = iota
		gray
		black
	)
	adj := make(map[string][]string, len(steps))
	color := make(map[string]int, len(steps))
	parent := make(map[string]string, len(steps))
	for _, s := range steps {
		adj[s.ID] = s.Dependencies
		color[s.ID] = white
	}

	var dfs func(node string) []string
	dfs = func(node string) []string {
		color[node] = gray
		for _, dep := range adj[node] {
			if color[dep] == gray {
				// 回边：沿 parent 链回溯到 dep，得到环路
				cycle := []string{dep, node}
				current := node
				for parent[current] != "" && parent[current] != dep {
					current = parent[current]
					cycle = append(cycle, current)
				}
				// 反转为依赖方向，并闭合首尾
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return append(cycle, cycle[0])
			}
			if color[dep] == white {
				parent[dep] = node
				if found := dfs(dep); found != nil {
					return found
				}
			}
		}
		color[node] = black
		return nil
	}

	for _, s := range steps {
		if color[s.ID] == white {
			if found := dfs(s.ID); found != nil {
				return found
			}
		}
	}
	return []string{"unknown"}
}

// ReadySteps 计算当前可启动的 step：未处于 completed/blocked/running，且所有依赖均已 completed。
// blocked 应包含 failed 与 skipped 两类 id。结果按 Order 升序，保证确定的启动顺序。
func ReadySteps(steps []playbook.Step, completed, blocked, running map[string]bool) []playbook.Step {
	var ready []playbook.Step
	for _, s := range steps {
		if completed[s.ID] || blocked[s.ID] || running[s.ID] {
			continue
		}
		ok := true
		for _, dep := range s.Dependencies {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool { return ready[i].Order < ready[j].Order })
	return ready
}

// Dependents 反向邻接表（step -> 直接依赖它的 steps）；每个 run 构建一次，级联时复用
type Dependents map[string][]string

// NewDependents 根据 steps 的 dependencies 构建反向邻接表
func NewDependents(steps []playbook.Step) Dependents {
	d := make(Dependents, len(steps))
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			d[dep] = append(d[dep], s.ID)
		}
	}
	return d
}

// TransitiveOf BFS 求 stepID 的全部传递后代；结果不含 stepID 自身
func (d Dependents) TransitiveOf(stepID string) map[string]bool {
	visited := make(map[string]bool)
	queue := []string{stepID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dep := range d[current] {
			if !visited[dep] {
				visited[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return visited
}

// TransitiveDependents 一次性求传递后代；循环内调用请改用 NewDependents + TransitiveOf
func TransitiveDependents(stepID string, steps []playbook.Step) map[string]bool {
	return NewDependents(steps).TransitiveOf(stepID)
}
