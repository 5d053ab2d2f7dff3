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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestResolveVariablesAllSources(t *testing.T) {
	vars := []Variable{
		{Name: "company", Source: "org.name"},
		{Name: "slack", Source: "org.integrations.slack.channel"},
		{Name: "ticket", Source: "run.context.ticket_id"},
		{Name: "reviewers", Source: "members.security"},
	}
	ctx := Context{
		Org: map[string]any{
			"name": "Acme",
			"integrations": map[string]any{
				"slack": map[string]any{"channel": "#incidents"},
			},
		},
		RunContext: map[string]any{"ticket_id": "SEC-1042"},
		Members: map[string][]Member{
			"security": {
				{Email: "alice@acme.io", Role: "security"},
				{DisplayName: "Bob", Role: "security"},
			},
		},
	}

	resolved, err := ResolveVariables(vars, ctx)
	require.NoError(t, err)
	assert.Equal(t, "Acme", resolved["company"])
	assert.Equal(t, "#incidents", resolved["slack"])
	assert.Equal(t, "SEC-1042", resolved["ticket"])
	// 无邮箱的成员回落到显示名
	assert.Equal(t, "alice@acme.io, Bob", resolved["reviewers"])
}

func TestResolveVariablesRequiredMissing(t *testing.T) {
	vars := []Variable{{Name: "slack", Source: "org.integrations.slack.channel"}}
	_, err := ResolveVariables(vars, Context{Org: map[string]any{"name": "Acme"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slack")
	assert.Contains(t, err.Error(), "org.integrations.slack.channel")
}

func TestResolveVariablesOptionalMissing(t *testing.T) {
	vars := []Variable{
		{Name: "company", Source: "org.name"},
		{Name: "slack", Source: "org.integrations.slack.channel", Required: boolPtr(false)},
	}
	resolved, err := ResolveVariables(vars, Context{Org: map[string]any{"name": "Acme"}})
	require.NoError(t, err)
	assert.Equal(t, "Acme", resolved["company"])
	_, present := resolved["slack"]
	assert.False(t, present)
}

func TestResolveVariablesListValue(t *testing.T) {
	vars := []Variable{{Name: "regions", Source: "org.regions"}}
	ctx := Context{Org: map[string]any{"regions": []any{"us-east1", "eu-west1"}}}
	resolved, err := ResolveVariables(vars, ctx)
	require.NoError(t, err)
	assert.Equal(t, "us-east1, eu-west1", resolved["regions"])
}

func TestResolveVariablesUnknownSourcePrefix(t *testing.T) {
	vars := []Variable{{Name: "x", Source: "cluster.node", Required: boolPtr(false)}}
	resolved, err := ResolveVariables(vars, Context{})
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestSourceIntrospection(t *testing.T) {
	vars := []Variable{
		{Name: "a", Source: "members.sre"},
		{Name: "b", Source: "members.legal.emails"},
		{Name: "c", Source: "members.sre"},
		{Name: "d", Source: "run.context.ticket"},
	}
	assert.Equal(t, []string{"legal", "sre"}, SourceRoles(vars))
	assert.False(t, NeedsOrg(vars))
	assert.True(t, NeedsRunContext(vars))

	vars = append(vars, Variable{Name: "e", Source: "org.name"})
	assert.True(t, NeedsOrg(vars))
}

func TestHydrateTemplate(t *testing.T) {
	body := "Notify {{ team }} about {{ticket}}. Keep {{unknown}} as is."
	out := HydrateTemplate(body, map[string]string{
		"team":   "sre@acme.io",
		"ticket": "SEC-1042",
	})
	assert.Equal(t, "Notify sre@acme.io about SEC-1042. Keep {{unknown}} as is.", out)
}

func TestHydrateWritesOutput(t *testing.T) {
	pb := &Playbook{
		Variables: []Variable{{Name: "team", Source: "members.sre"}},
		Body:      "Hello {{team}}",
	}
	ctx := Context{Members: map[string][]Member{"sre": {{Email: "oncall@acme.io"}}}}

	out := filepath.Join(t.TempDir(), "nested", "PLAYBOOK.hydrated.md")
	resolved, err := Hydrate(pb, ctx, out)
	require.NoError(t, err)
	assert.Equal(t, "oncall@acme.io", resolved["team"])

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "Hello oncall@acme.io", string(data))
}
