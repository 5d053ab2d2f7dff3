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
	"context"
	"fmt"

	"playbook-platform/internal/playbook"
	"playbook-platform/internal/statestore"
)

// BuildHydrationContext 按 variables[] 实际引用的数据源拉取水合上下文。
// 未被引用的数据源不产生任何存储读。
func BuildHydrationContext(ctx context.Context, store statestore.Store, vars []playbook.Variable) (playbook.Context, error) {
	out := playbook.Context{}

	if playbook.NeedsOrg(vars) {
		org, err := store.ReadOrg(ctx)
		if err != nil {
			return out, fmt.Errorf("controller: read org for hydration: %w", err)
		}
		out.Org = org
	}

	if playbook.NeedsRunContext(vars) {
		runContext, err := store.ReadContext(ctx)
		if err != nil {
			return out, fmt.Errorf("controller: read run context for hydration: %w", err)
		}
		out.RunContext = runContext
	}

	roles := playbook.SourceRoles(vars)
	if len(roles) > 0 {
		out.Members = make(map[string][]playbook.Member, len(roles))
		for _, role := range roles {
			members, err := store.ReadRoleMembers(ctx, role)
			if err != nil {
				return out, fmt.Errorf("controller: read members of role %s: %w", role, err)
			}
			converted := make([]playbook.Member, 0, len(members))
			for _, m := range members {
				converted = append(converted, playbook.Member{
					Email:       m.Email,
					DisplayName: m.DisplayName,
					Role:        m.Role,
				})
			}
			out.Members[role] = converted
		}
	}

	return out, nil
}
