package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"playbook-platform/internal/playbook"
	"playbook-platform/internal/statestore"
)

func newTestStore(t *testing.T) statestore.Store {
	t.Helper()
	backend := statestore.NewMemory()
	backend.SeedRun("org-cli", statestore.Run{ID: "run-cli", Status: statestore.RunRunning})
	store, err := backend.OpenRun(context.Background(), "org-cli", "run-cli")
	if err != nil {
		t.Fatalf("open run: %v", err)
	}
	return store
}

func TestPrintRunStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	steps := []playbook.Step{
		{ID: "draft", Order: 1, Title: "Draft"},
		{ID: "publish", Order: 2, Title: "Publish"},
	}
	if err := store.InitializeSteps(ctx, steps); err != nil {
		t.Fatalf("initialize steps: %v", err)
	}
	summary := "draft done"
	jobName := "step-run-cli-draft"
	if err := store.UpdateStepStatus(ctx, "draft", statestore.StepCompleted, statestore.StepUpdate{
		ResultSummary: &summary,
		JobName:       &jobName,
	}); err != nil {
		t.Fatalf("update step: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if code := printRunStatus(ctx, store, "run-cli", &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit code 0, got %d, stderr=%s", code, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "run run-cli:") {
		t.Fatalf("missing run line: %s", out)
	}
	for _, want := range []string{"draft", "completed", "step-run-cli-draft", "draft done", "publish", "pending"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got: %s", want, out)
		}
	}
}

func TestPrintRunStatus_StepOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	steps := []playbook.Step{
		{ID: "second", Order: 2},
		{ID: "first", Order: 1},
	}
	if err := store.InitializeSteps(ctx, steps); err != nil {
		t.Fatalf("initialize steps: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if code := printRunStatus(ctx, store, "run-cli", &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d, stderr=%s", code, stderr.String())
	}
	out := stdout.String()
	if strings.Index(out, "first") > strings.Index(out, "second") {
		t.Fatalf("steps not ordered by order field: %s", out)
	}
}

func TestPrintRunFiles(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.AddFile(ctx, statestore.File{
		StepID: "draft",
		Name:   "report.md",
		Size:   42,
		URL:    "runs/org-cli/run-cli/draft/report.md",
	}); err != nil {
		t.Fatalf("add file: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if code := printRunFiles(ctx, store, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d, stderr=%s", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"report.md", "42", "runs/org-cli/run-cli/draft/report.md"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got: %s", want, out)
		}
	}
}
