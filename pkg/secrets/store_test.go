// Copyright 2026 fanjia1024
// Secret store tests

package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Get missing key: want ErrSecretNotFound, got %v", err)
	}
	if err := s.Set(ctx, "github", "tok-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "github")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "tok-1" {
		t.Errorf("Get: got %q", got)
	}
	if err := s.Delete(ctx, "github"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "github"); err == nil {
		t.Error("Get after Delete should fail")
	}
}

func TestEnvStoreWithPrefix(t *testing.T) {
	t.Setenv("PLAYBOOK_SECRET_SLACK", "xoxb-1")
	s := NewEnvStore("PLAYBOOK_SECRET_")
	ctx := context.Background()

	got, err := s.Get(ctx, "SLACK")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "xoxb-1" {
		t.Errorf("Get: got %q", got)
	}

	keys, err := s.List(ctx, "SLA")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, k := range keys {
		if k == "SLACK" {
			found = true
		}
	}
	if !found {
		t.Errorf("List should contain SLACK, got %v", keys)
	}
}

type fakeTokenReader struct {
	tokens map[string]string
}

func (f *fakeTokenReader) ReadOAuthToken(ctx context.Context, connection string) (string, error) {
	return f.tokens[connection], nil
}

func TestDocStoreReadOnly(t *testing.T) {
	s := NewDocStore(&fakeTokenReader{tokens: map[string]string{"github": "gh-tok"}})
	ctx := context.Background()

	got, err := s.Get(ctx, "github")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "gh-tok" {
		t.Errorf("Get: got %q", got)
	}
	if _, err := s.Get(ctx, "jira"); err == nil {
		t.Error("Get unknown connection should fail")
	}
	if err := s.Set(ctx, "github", "x"); err == nil {
		t.Error("Set should be rejected")
	}
	if err := s.Delete(ctx, "github"); err == nil {
		t.Error("Delete should be rejected")
	}
}

func TestK8sStoreReadsMountedFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "github"), []byte("gh-tok\n"), 0600); err != nil {
		t.Fatalf("write secret file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "slack"), []byte("xoxb-2"), 0600); err != nil {
		t.Fatalf("write secret file: %v", err)
	}

	s, err := NewK8sStore(K8sConfig{SecretsPath: dir})
	if err != nil {
		t.Fatalf("NewK8sStore: %v", err)
	}
	ctx := context.Background()

	got, err := s.Get(ctx, "github")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "gh-tok" {
		t.Errorf("Get should trim trailing newline, got %q", got)
	}
	if _, err := s.Get(ctx, "../etc/passwd"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("path traversal key: want ErrSecretNotFound, got %v", err)
	}
	if err := s.Set(ctx, "github", "x"); err == nil {
		t.Error("Set should be rejected")
	}

	keys, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("List: got %v", keys)
	}
}

func TestK8sStoreMissingMount(t *testing.T) {
	if _, err := NewK8sStore(K8sConfig{SecretsPath: filepath.Join(t.TempDir(), "nope")}); err == nil {
		t.Error("missing mount should fail")
	}
}

func TestNewStoreProviders(t *testing.T) {
	if _, err := NewStore(Config{Provider: "memory"}); err != nil {
		t.Errorf("memory provider: %v", err)
	}
	if _, err := NewStore(Config{}); err != nil {
		t.Errorf("default provider: %v", err)
	}
	if _, err := NewStore(Config{Provider: "env"}); err != nil {
		t.Errorf("env provider: %v", err)
	}
	if _, err := NewStore(Config{Provider: "wat"}); err == nil {
		t.Error("unknown provider should fail")
	}
}
