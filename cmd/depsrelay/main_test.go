package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"pkt.systems/depsrelay/internal/appconfig"
	"pkt.systems/depsrelay/internal/blueprint"
	"pkt.systems/depsrelay/schema"
)

func testConfig(t *testing.T) (appconfig.Config, string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(home, "config.yaml")
	if _, err := appconfig.WriteDefault(path, false); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := appconfig.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg, path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"serve"}, {"run"}, {"submit"}, {"doctor"}, {"version"},
		{"blueprint", "build"}, {"blueprint", "list"}, {"blueprint", "show"}, {"blueprint", "forget"},
		{"devbox", "shutdown"}, {"devbox", "prune"}, {"config", "init"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd == root {
			t.Fatalf("command %v not found: %v", path, err)
		}
	}
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	out, err := execute(t, "config", "init", "-c", path)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if strings.TrimSpace(out) != path {
		t.Fatalf("config init printed %q", out)
	}
	if _, err := execute(t, "config", "init", "-c", path); err == nil {
		t.Fatalf("expected second init to fail")
	}
	if _, err := execute(t, "config", "init", "-c", path, "--force"); err != nil {
		t.Fatalf("forced init: %v", err)
	}
}

func TestBlueprintListShowForget(t *testing.T) {
	cfg, path := testConfig(t)
	out, err := execute(t, "blueprint", "list", "-c", path)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "no cached blueprints") {
		t.Fatalf("unexpected empty list output %q", out)
	}

	cache, err := blueprint.NewCache(cfg.Blueprint.CacheFile, nil)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	if _, err := cache.Remember("old", "bpt_old", ""); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if _, err := cache.Remember("deps", "bpt_deps", "/home/user/src/deps-agent"); err != nil {
		t.Fatalf("remember: %v", err)
	}

	out, err = execute(t, "blueprint", "list", "-c", path)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "* deps\tbpt_deps") || !strings.Contains(out, "  old\tbpt_old") {
		t.Fatalf("unexpected list output %q", out)
	}

	out, err = execute(t, "blueprint", "show", "-c", path)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	var shown map[string]any
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("show output is not json: %v (%q)", err, out)
	}
	if shown["name"] != "deps" || shown["blueprint_id"] != "bpt_deps" {
		t.Fatalf("unexpected show output %v", shown)
	}

	if _, err := execute(t, "blueprint", "forget", "-c", path, "deps"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, err := execute(t, "blueprint", "forget", "-c", path, "deps"); err == nil {
		t.Fatalf("expected forgetting an unknown blueprint to fail")
	}
	if _, err := execute(t, "blueprint", "show", "-c", path); err == nil {
		t.Fatalf("expected show without last used blueprint to fail")
	}
}

func TestBuildRunSpecResolvesAgentAndBlueprint(t *testing.T) {
	cfg, _ := testConfig(t)
	cache, err := blueprint.NewCache(cfg.Blueprint.CacheFile, nil)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	if _, err := cache.Remember("deps", "bpt_cached", ""); err != nil {
		t.Fatalf("remember: %v", err)
	}
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	spec, err := buildRunSpec(cmd, cfg, &runOptions{
		repoURL:       "https://github.com/acme/widgets",
		agent:         "langchain-lint-agent",
		blueprintName: "deps",
		keep:          true,
	})
	if err != nil {
		t.Fatalf("buildRunSpec: %v", err)
	}
	if spec.Agent.Name != "langchain-lint-agent" || spec.Repo.Name != "widgets" {
		t.Fatalf("unexpected spec %+v", spec)
	}
	if spec.BlueprintID != "bpt_cached" || spec.BlueprintName != "deps" {
		t.Fatalf("blueprint not resolved from cache: %+v", spec)
	}
	if spec.Policy != schema.ShutdownKeep {
		t.Fatalf("expected --keep to override policy, got %q", spec.Policy)
	}
	if spec.Model != schema.ModelID(cfg.Models.Accepted) {
		t.Fatalf("expected default model, got %q", spec.Model)
	}

	if _, err := buildRunSpec(cmd, cfg, &runOptions{repoURL: "https://github.com/acme/widgets", agent: "nope"}); err == nil {
		t.Fatalf("expected unknown agent error")
	}
	if _, err := buildRunSpec(cmd, cfg, &runOptions{repoURL: "widgets"}); err == nil {
		t.Fatalf("expected bad repo url error")
	}
}

func TestShutdownPolicy(t *testing.T) {
	cfg := appconfig.Config{Devbox: appconfig.DevboxConfig{ShutdownPolicy: "keep"}}
	if got := shutdownPolicy(cfg, false); got != schema.ShutdownKeep {
		t.Fatalf("policy = %q", got)
	}
	cfg.Devbox.ShutdownPolicy = "shutdown"
	if got := shutdownPolicy(cfg, true); got != schema.ShutdownKeep {
		t.Fatalf("--keep not applied: %q", got)
	}
	if got := shutdownPolicy(cfg, false); got != schema.ShutdownAlways {
		t.Fatalf("policy = %q", got)
	}
}

func TestServeHandlerValidatesBeforeProvisioning(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Devbox.APIKeyEnv = "DEPSRELAY_TEST_UNSET_KEY"
	server, err := buildServer(context.Background(), cfg, "", "")
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/api/run", "application/json", strings.NewReader(`{"agent":"nope","repoUrl":"github.com/a/b","model":"gpt-5-mini"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}

	res, err = http.Post(ts.URL+"/api/run", "application/json", strings.NewReader(`{"agent":"langchain-deps-agent","repoUrl":"github.com/a/b","model":"gpt-5-mini"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(res.Body).Decode(&payload)
	_ = res.Body.Close()
	if res.StatusCode != http.StatusInternalServerError || !strings.Contains(payload.Error, "DEPSRELAY_TEST_UNSET_KEY") {
		t.Fatalf("expected missing credential 500, got %d %q", res.StatusCode, payload.Error)
	}
}

func TestLocalServerURL(t *testing.T) {
	tests := []struct {
		cfg  appconfig.HTTPConfig
		want string
	}{
		{appconfig.HTTPConfig{Addr: ":8000"}, "http://localhost:8000"},
		{appconfig.HTTPConfig{Addr: "127.0.0.1:9000", BasePath: "/relay/"}, "http://127.0.0.1:9000/relay"},
		{appconfig.HTTPConfig{Addr: ":8000", BaseURL: "https://relay.example.com/", BasePath: "deps"}, "https://relay.example.com/deps"},
	}
	for _, tc := range tests {
		if got := localServerURL(tc.cfg); got != tc.want {
			t.Fatalf("localServerURL(%+v) = %q, want %q", tc.cfg, got, tc.want)
		}
	}
}

func TestSessionRendererBreaksPartialLines(t *testing.T) {
	var out bytes.Buffer
	r := &sessionRenderer{out: &out}
	r.Render(schema.StatusEvent{Message: "provisioning devbox for github.com/a/b"})
	r.Render(schema.ChunkEvent{Data: "partial"})
	r.Render(schema.ErrorEvent{Message: "boom"})
	r.Render(schema.DoneEvent{})
	text := out.String()
	if !strings.Contains(text, "> provisioning devbox for github.com/a/b") {
		t.Fatalf("status missing: %q", text)
	}
	if !strings.Contains(text, "partial\n") {
		t.Fatalf("expected partial chunk to be terminated before the error: %q", text)
	}
	if !strings.Contains(text, "[error] boom") {
		t.Fatalf("error missing: %q", text)
	}
}

func TestDoctorReportsMissingCredential(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Devbox.APIKeyEnv = "DEPSRELAY_TEST_UNSET_KEY"
	cfg.Blueprint.ID = "bpt_cfg"
	var out bytes.Buffer
	failed := runDoctorChecks(context.Background(), &out, doctorChecks(cfg, 0))
	if failed != 1 {
		t.Fatalf("expected only the runloop check to fail, got %d:\n%s", failed, out.String())
	}
	if !strings.Contains(out.String(), "FAIL runloop") || !strings.Contains(out.String(), "ok   blueprint: bpt_cfg") {
		t.Fatalf("unexpected doctor output:\n%s", out.String())
	}
}
