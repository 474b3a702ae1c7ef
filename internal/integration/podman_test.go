package integration_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"pkt.systems/depsrelay/internal/agentcmd"
	"pkt.systems/depsrelay/internal/devbox/local"
	"pkt.systems/depsrelay/internal/repo"
	"pkt.systems/depsrelay/internal/runner"
	"pkt.systems/depsrelay/schema"
)

// TestLocalPodmanRun runs an echo "agent" in a real podman container. The
// image must provide sh and git; the repository must be publicly clonable.
func TestLocalPodmanRun(t *testing.T) {
	requireLong(t)
	address := envOrSkip(t, "DEPSRELAY_PODMAN_ADDRESS")
	image := envOrSkip(t, "DEPSRELAY_LOCAL_IMAGE")
	repoURL := envOrSkip(t, "DEPSRELAY_LOCAL_REPO")

	slug, err := repo.ParseRepoURL(repoURL)
	if err != nil {
		t.Fatalf("repo url: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	factory := local.Factory(local.EngineConfig{Runtime: local.RuntimePodman, PodmanAddress: address}, local.Config{ExecTimeout: time.Minute})
	provider, err := factory(ctx)
	if err != nil {
		t.Fatalf("podman not available (%s): %v", address, err)
	}
	t.Cleanup(func() { _ = provider.(*local.Provider).Close() })

	var out strings.Builder
	var statuses []string
	result, err := runner.New(provider, runner.Config{NamePrefix: "depsrelay-it"}).Run(ctx, runner.Spec{
		Agent:       agentcmd.Profile{Name: "echo-agent", Program: "echo", Branch: "it/branch"},
		Repo:        slug,
		RepoURL:     repoURL,
		Model:       "gpt-5-mini",
		BlueprintID: schema.BlueprintID(image),
		Policy:      schema.ShutdownAlways,
	}, runner.ObserverFuncs{
		OnStatus: func(m string) { statuses = append(statuses, m) },
		OnChunk:  func(d string) { out.WriteString(d) },
	})
	if err != nil {
		t.Fatalf("run: %v (statuses %v)", err, statuses)
	}
	if result.ExitStatus != 0 {
		t.Fatalf("exit status = %d", result.ExitStatus)
	}
	want := "--repo-path /home/user/" + slug.Name + " --branch-name it/branch --llm-model gpt-5-mini"
	if !strings.Contains(out.String(), want) {
		t.Fatalf("output %q does not contain %q", out.String(), want)
	}
}
