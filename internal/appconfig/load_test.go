package appconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Models.Accepted != DefaultModel || cfg.Devbox.Provider != "runloop" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadOverridesAndAgents(t *testing.T) {
	path := writeConfig(t, `
config_version: 1
devbox:
  provider: local
  shutdown_policy: keep
models:
  accepted: gpt-5
blueprint:
  cache_file: $HOME/bp.json
agents:
  - name: custom-agent
    branch: custom/branch
`)
	t.Setenv("HOME", "/home/tester")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Devbox.Provider != "local" || cfg.Devbox.ShutdownPolicy != "keep" || cfg.Models.Accepted != "gpt-5" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Blueprint.CacheFile != "/home/tester/bp.json" {
		t.Fatalf("cache file = %q", cfg.Blueprint.CacheFile)
	}
	profiles := cfg.AgentProfiles()
	if len(profiles) != 1 || profiles[0].Name != "custom-agent" || profiles[0].Branch != "custom/branch" {
		t.Fatalf("agents = %+v", profiles)
	}
	if cfg.Runloop.PollIntervalMS != 2000 {
		t.Fatalf("default poll interval lost: %d", cfg.Runloop.PollIntervalMS)
	}
}

func TestLoadRejectsUnsupportedConfigVersion(t *testing.T) {
	path := writeConfig(t, `
config_version: 7
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unsupported config_version") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRequiresConfigVersion(t *testing.T) {
	path := writeConfig(t, `
devbox:
  provider: runloop
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config_version is required") {
		t.Fatalf("expected config_version error, got %v", err)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{"devbox:\n  provider: ec2\n", "unsupported devbox.provider"},
		{"devbox:\n  shutdown_policy: sometimes\n", "devbox.shutdown_policy"},
		{"devbox:\n  provider: local\nlocal:\n  runtime: docker\n", "unsupported local.runtime"},
		{"http:\n  base_url: example.com\n", "http.base_url"},
		{"blueprint:\n  agent_repo: not-a-slug\n", "blueprint.agent_repo"},
	}
	for _, tc := range tests {
		path := writeConfig(t, "config_version: 1\n"+tc.body)
		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("expected %q error, got %v", tc.want, err)
		}
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	value := expandEnv("$FOO/$UID/$GID/$MISSING")
	if !strings.HasPrefix(value, "bar/") {
		t.Fatalf("expected env expansion, got %q", value)
	}
	if strings.Contains(value, "$UID") || strings.Contains(value, "$GID") {
		t.Fatalf("expected UID/GID expansion, got %q", value)
	}
	if !strings.HasSuffix(value, "/$MISSING") {
		t.Fatalf("expected missing vars to remain, got %q", value)
	}
}

func TestWriteDefaultRespectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	written, err := WriteDefault(path, false)
	if err != nil {
		t.Fatalf("write default: %v", err)
	}
	if written != path {
		t.Fatalf("expected path %q, got %q", path, written)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("written default does not load: %v", err)
	}
	if _, err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := WriteDefault(path, true); err != nil {
		t.Fatalf("expected overwrite to succeed: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
