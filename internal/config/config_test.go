package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "molty.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{"risk": {"policy_file": "policy.yaml"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Storage.Driver != DriverMemory || cfg.Queue.Backend != QueueMemory {
		t.Fatalf("unexpected backends: %s/%s", cfg.Storage.Driver, cfg.Queue.Backend)
	}
	if cfg.Runtime.MaxRetries != 3 || cfg.Runtime.AuditIntervalHours != 24 {
		t.Fatalf("unexpected runtime defaults: %+v", cfg.Runtime)
	}
	// 相对路径相对配置文件所在目录解析。
	if !filepath.IsAbs(cfg.Risk.PolicyFile) {
		t.Fatalf("policy file must resolve to absolute path, got %q", cfg.Risk.PolicyFile)
	}
	if filepath.Dir(cfg.Risk.PolicyFile) != filepath.Dir(path) {
		t.Fatalf("policy file must sit beside config: %q", cfg.Risk.PolicyFile)
	}
}

func TestLoadRejectsIncompleteBackends(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
	}{
		{"mysql without dsn", `{"storage": {"driver": "mysql"}}`},
		{"redis without address", `{"queue": {"backend": "redis"}}`},
		{"rabbitmq without url", `{"queue": {"backend": "rabbitmq"}}`},
		{"unknown storage driver", `{"storage": {"driver": "sqlite"}}`},
		{"unknown queue backend", `{"queue": {"backend": "kafka"}}`},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.content)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(""); err == nil {
		t.Fatal("empty path must fail")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("missing file must fail")
	}
}

func TestDefaultIsRunnable(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if cfg.Storage.Driver != DriverMemory || cfg.Queue.Backend != QueueMemory {
		t.Fatalf("default config must be self-contained: %+v", cfg)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}
