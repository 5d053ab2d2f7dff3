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

package playbook

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// varRe 匹配 {{variable_name}} 占位符，允许大括号内有空白
var varRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Member 水合上下文中的组织成员（members.{role}.* 数据源的叶子）
type Member struct {
	Email       string
	DisplayName string
	Role        string
}

// Context 变量解析用的类型化上下文：org 字段、run 触发输入、按角色分组的成员。
// 三个分支均可为空；只有被 variables[] 实际引用的分支才需要填充。
type Context struct {
	Org        map[string]any
	RunContext map[string]any
	Members    map[string][]Member
}

// SourceRoles 返回 variables[] 中 members.{role}.* 数据源引用到的全部角色名
func SourceRoles(vars []Variable) []string {
	seen := map[string]bool{}
	var roles []string
	for _, v := range vars {
		if !strings.HasPrefix(v.Source, "members.") {
			continue
		}
		parts := strings.SplitN(v.Source, ".", 3)
		if len(parts) >= 2 && !seen[parts[1]] {
			seen[parts[1]] = true
			roles = append(roles, parts[1])
		}
	}
	sort.Strings(roles)
	return roles
}

// NeedsOrg 返回是否有变量引用 org.* 数据源
func NeedsOrg(vars []Variable) bool {
	for _, v := range vars {
		if strings.HasPrefix(v.Source, "org.") {
			return true
		}
	}
	return false
}

// NeedsRunContext 返回是否有变量引用 run.* 数据源
func NeedsRunContext(vars []Variable) bool {
	for _, v := range vars {
		if strings.HasPrefix(v.Source, "run.") {
			return true
		}
	}
	return false
}

// ResolveVariables 按数据源路径逐个解析变量，返回 {变量名: 字符串值}。
// 必填变量解析失败时返回错误；可选变量解析失败时跳过。
func ResolveVariables(vars []Variable, ctx Context) (map[string]string, error) {
	resolved := make(map[string]string, len(vars))
	for _, v := range vars {
		value, ok := resolveSource(ctx, v.Source)
		if !ok {
			if v.IsRequired() {
				return nil, fmt.Errorf(
					"playbook: required variable %q could not be resolved (source: %q)",
					v.Name, v.Source)
			}
			continue
		}
		resolved[v.Name] = value
	}
	return resolved, nil
}

// resolveSource 解析单条点分路径；第二个返回值表示是否解析成功（每变量 Option 语义）
func resolveSource(ctx Context, source string) (string, bool) {
	if source == "" {
		return "", false
	}
	parts := strings.Split(source, ".")
	switch parts[0] {
	case "org":
		return resolveMapPath(ctx.Org, parts[1:])
	case "run":
		// run.context.{key}
		if len(parts) >= 2 && parts[1] == "context" {
			return resolveMapPath(ctx.RunContext, parts[2:])
		}
		return "", false
	case "members":
		if len(parts) < 2 {
			return "", false
		}
		members, ok := ctx.Members[parts[1]]
		if !ok || len(members) == 0 {
			return "", false
		}
		return flattenMembers(members), true
	default:
		return "", false
	}
}

// resolveMapPath 沿嵌套 map 逐段下钻；任一段缺失即失败
func resolveMapPath(m map[string]any, segments []string) (string, bool) {
	if m == nil || len(segments) == 0 {
		return "", false
	}
	var current any = m
	for _, seg := range segments {
		mm, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = mm[seg]
		if !ok || current == nil {
			return "", false
		}
	}
	return stringify(current), true
}

// stringify 把解析出的叶子值转成模板可用的字符串
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, stringify(item))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(val)
	}
}

// flattenMembers 把成员列表压平为逗号分隔的邮箱（无邮箱时回落到显示名）
func flattenMembers(members []Member) string {
	parts := make([]string, 0, len(members))
	for _, m := range members {
		if m.Email != "" {
			parts = append(parts, m.Email)
		} else {
			parts = append(parts, m.DisplayName)
		}
	}
	return strings.Join(parts, ", ")
}

// HydrateTemplate 替换正文中的 {{variable}} 占位符；未解析的占位符原样保留
func HydrateTemplate(content string, resolved map[string]string) string {
	return varRe.ReplaceAllStringFunc(content, func(match string) string {
		name := varRe.FindStringSubmatch(match)[1]
		if value, ok := resolved[name]; ok {
			return value
		}
		return match
	})
}

// Hydrate 解析变量、水合正文并写出水合结果文件；返回已解析变量表
func Hydrate(pb *Playbook, ctx Context, outputPath string) (map[string]string, error) {
	resolved, err := ResolveVariables(pb.Variables, ctx)
	if err != nil {
		return nil, err
	}
	body := HydrateTemplate(pb.Body, resolved)
	if outputPath != "" {
		if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
			return nil, fmt.Errorf("playbook: create output dir: %w", err)
		}
		if err := os.WriteFile(outputPath, []byte(body), 0o644); err != nil {
			return nil, fmt.Errorf("playbook: write hydrated output: %w", err)
		}
	}
	return resolved, nil
}
