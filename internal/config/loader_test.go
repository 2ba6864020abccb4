package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowforge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("port = %s, want default 8080", cfg.Server.Port)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("retry.max_attempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Approvals.DefaultTimeout != 72*time.Hour {
		t.Errorf("approvals.default_timeout = %v, want 72h", cfg.Approvals.DefaultTimeout)
	}
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
retry:
  max_attempts: 5
  base_delay: 500ms
approvals:
  default_timeout: 12h
  kinds:
    quality-review:
      timeout: 6h
      on_timeout: reject
`)
	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("port = %s, want 9090", cfg.Server.Port)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("retry = %+v, want 5 attempts at 500ms", cfg.Retry)
	}
	p := cfg.Approvals.Policy("quality-review")
	if p.Timeout != 6*time.Hour || p.OnTimeout != "reject" {
		t.Errorf("quality-review policy = %+v, want 6h/reject", p)
	}
	// Untouched sections keep their defaults.
	if cfg.Orchestrator.MaxInFlight != 8 {
		t.Errorf("max_in_flight = %d, want default 8", cfg.Orchestrator.MaxInFlight)
	}
}

func TestLoadFromEnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
`)
	t.Setenv("FLOWFORGE_PORT", "7070")
	t.Setenv("FLOWFORGE_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("FLOWFORGE_SWEEP_INTERVAL", "10s")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("port = %s, want env override 7070", cfg.Server.Port)
	}
	if cfg.Retry.MaxAttempts != 7 {
		t.Errorf("retry.max_attempts = %d, want 7", cfg.Retry.MaxAttempts)
	}
	if cfg.Orchestrator.SweepInterval != 10*time.Second {
		t.Errorf("sweep_interval = %v, want 10s", cfg.Orchestrator.SweepInterval)
	}
}

func TestLoadFromRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"zero attempts", "retry:\n  max_attempts: 0\n"},
		{"jitter out of range", "retry:\n  jitter: 1.5\n"},
		{"bad timeout action", "approvals:\n  kinds:\n    quality-review:\n      on_timeout: explode\n"},
		{"agent missing provider", "agents:\n  - name: requirements\n"},
		{"notifier missing provider", "notifiers:\n  - config:\n      url: http://example.com\n"},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.yaml)
		if _, err := LoadFrom(path); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadFromRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestPolicyFallbacks(t *testing.T) {
	a := Approvals{
		DefaultTimeout: 48 * time.Hour,
		Kinds: map[string]ApprovalPolicy{
			"requirements-review": {OnTimeout: "reject"},
		},
	}
	if p := a.Policy("requirements-review"); p.Timeout != 48*time.Hour || p.OnTimeout != "reject" {
		t.Errorf("configured kind policy = %+v", p)
	}
	if p := a.Policy("unknown-kind"); p.Timeout != 48*time.Hour || p.OnTimeout != "escalate" {
		t.Errorf("fallback policy = %+v", p)
	}
}
