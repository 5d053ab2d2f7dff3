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
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := writeConfig(t, `
statestore:
  type: "postgres"
  dsn: "postgres://localhost/playbooks"
cluster:
  namespace: "runs"
  image_registry: "registry.example.com"
controller:
  poll_interval: "3s"
trigger:
  port: 9000
  redis:
    addr: "localhost:6379"
log:
  level: "debug"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.StateStore.Type != "postgres" {
		t.Errorf("StateStore.Type: got %q", cfg.StateStore.Type)
	}
	if cfg.Cluster.Namespace != "runs" {
		t.Errorf("Cluster.Namespace: got %q", cfg.Cluster.Namespace)
	}
	if cfg.Controller.PollInterval != "3s" {
		t.Errorf("Controller.PollInterval: got %q", cfg.Controller.PollInterval)
	}
	if cfg.Trigger.Port != 9000 {
		t.Errorf("Trigger.Port: got %d", cfg.Trigger.Port)
	}
	if cfg.Trigger.Redis.Addr != "localhost:6379" {
		t.Errorf("Trigger.Redis.Addr: got %q", cfg.Trigger.Redis.Addr)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
}

func TestLoadConfig_ExpandsEnvRefs(t *testing.T) {
	t.Setenv("TEST_STATESTORE_SECRET_DSN", "postgres://real-host/playbooks")
	path := writeConfig(t, `
statestore:
  type: "postgres"
  dsn: "${TEST_STATESTORE_SECRET_DSN}"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.StateStore.DSN != "postgres://real-host/playbooks" {
		t.Errorf("StateStore.DSN: got %q", cfg.StateStore.DSN)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestRunEnvFromOS(t *testing.T) {
	t.Setenv("ORG_ID", "org-1")
	t.Setenv("RUN_ID", "run-1")
	t.Setenv("NAMESPACE", "")
	t.Setenv("AGENT_IMAGE_REGISTRY", "registry.example.com")

	env, err := RunEnvFromOS()
	if err != nil {
		t.Fatalf("RunEnvFromOS: %v", err)
	}
	if env.Namespace != "default" {
		t.Errorf("Namespace default: got %q", env.Namespace)
	}
	if env.ImageRegistry != "registry.example.com" {
		t.Errorf("ImageRegistry: got %q", env.ImageRegistry)
	}

	t.Setenv("RUN_ID", "")
	if _, err := RunEnvFromOS(); err == nil {
		t.Fatal("expected error when RUN_ID unset")
	}
}
