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

const samplePlaybook = `---
name: Incident Triage
version: 2.1.0
description: Pager fired, figure out what broke.
category: incident-response
schemaVersion: v2
trigger:
  type: webhook
variables:
  - name: team_emails
    source: members.sre
  - name: slack_channel
    source: org.integrations.slack.channel
    required: false
steps:
  - id: gather-signals
    order: 1
    title: Gather signals
    assignedRole: sre
    timeoutMinutes: 15
    dependencies: []
  - id: draft-summary
    order: 2
    title: Draft incident summary
    interactive: true
    approval: approve_or_revise
    dependencies: [gather-signals]
---

# Incident Triage

Notify {{team_emails}} when starting.

## Step: gather-signals

Pull dashboards and recent deploys.

## Step: draft-summary

Write the summary and wait for approval.
`

func TestParseFullDocument(t *testing.T) {
	pb, err := Parse(samplePlaybook)
	require.NoError(t, err)

	assert.Equal(t, "Incident Triage", pb.Name)
	assert.Equal(t, "2.1.0", pb.Version)
	assert.Equal(t, "v2", pb.SchemaVersion)
	require.Len(t, pb.Steps, 2)

	first := pb.Steps[0]
	assert.Equal(t, "gather-signals", first.ID)
	assert.Equal(t, 15, first.TimeoutMinutes)
	assert.Equal(t, DefaultApproval, first.Approval)
	assert.False(t, first.Interactive)

	second := pb.Steps[1]
	assert.True(t, second.Interactive)
	assert.Equal(t, "approve_or_revise", second.Approval)
	assert.Equal(t, []string{"gather-signals"}, second.Dependencies)
}

func TestParseStepSections(t *testing.T) {
	pb, err := Parse(samplePlaybook)
	require.NoError(t, err)

	require.Len(t, pb.StepSections, 2)
	assert.Contains(t, pb.StepSections["gather-signals"], "dashboards")
	assert.Contains(t, pb.StepSections["draft-summary"], "wait for approval")
	// 小节之间不相互泄漏
	assert.NotContains(t, pb.StepSections["gather-signals"], "draft-summary")
}

func TestParseDefaults(t *testing.T) {
	content := `---
steps:
  - title: Only step
---

Body.
`
	pb, err := Parse(content)
	require.NoError(t, err)

	assert.Equal(t, "Untitled", pb.Name)
	assert.Equal(t, "1.0.0", pb.Version)
	assert.Equal(t, DefaultSchemaVersion, pb.SchemaVersion)
	require.Len(t, pb.Steps, 1)
	s := pb.Steps[0]
	assert.Equal(t, "step-1", s.ID)
	assert.Equal(t, 1, s.Order)
	assert.Equal(t, DefaultTimeoutMinutes, s.TimeoutMinutes)
	assert.Equal(t, DefaultApproval, s.Approval)
	assert.NotNil(t, s.Dependencies)
}

func TestParseMissingFrontmatter(t *testing.T) {
	_, err := Parse("# Just a heading\n\nNo frontmatter here.")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frontmatter")
}

func TestParseUnclosedFrontmatter(t *testing.T) {
	_, err := Parse("---\nname: broken\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closing")
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse("---\nname: [unbalanced\n---\nbody")
	require.Error(t, err)
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "PLAYBOOK.md")
	require.NoError(t, os.WriteFile(path, []byte(samplePlaybook), 0o644))

	pb, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Incident Triage", pb.Name)

	_, err = ParseFile(filepath.Join(dir, "missing.md"))
	require.Error(t, err)
}

func TestStepByID(t *testing.T) {
	pb, err := Parse(samplePlaybook)
	require.NoError(t, err)

	s := pb.StepByID("draft-summary")
	require.NotNil(t, s)
	assert.Equal(t, 2, s.Order)
	assert.Nil(t, pb.StepByID("nope"))
}
