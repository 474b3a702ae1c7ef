// Package runner drives one agent run: provision a devbox, execute the
// agent, drain its stdout and clean up.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/depsrelay/internal/agentcmd"
	"pkt.systems/depsrelay/internal/devbox"
	"pkt.systems/depsrelay/internal/logx"
	"pkt.systems/depsrelay/schema"
)

const cleanupTimeout = 2 * time.Minute

// Observer receives run progress in order.
type Observer interface {
	Status(message string)
	Chunk(data string)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	OnStatus func(string)
	OnChunk  func(string)
}

// Status implements Observer.
func (o ObserverFuncs) Status(message string) {
	if o.OnStatus != nil {
		o.OnStatus(message)
	}
}

// Chunk implements Observer.
func (o ObserverFuncs) Chunk(data string) {
	if o.OnChunk != nil {
		o.OnChunk(data)
	}
}

// Spec is one validated run.
type Spec struct {
	Agent   agentcmd.Profile
	Repo    schema.RepoSlug
	RepoURL string
	Model   schema.ModelID

	DevboxName    string
	BlueprintID   schema.BlueprintID
	BlueprintName string
	Labels        map[string]string

	// Overrides of the profile defaults, used by the run command.
	RepoPath   string
	BranchName string
	NoDryRun   bool
	Quiet      bool

	Policy schema.ShutdownPolicy
}

// Config configures a Runner.
type Config struct {
	NamePrefix string
	RepoRoot   string
}

// Runner executes runs against one provider.
type Runner struct {
	provider   devbox.Provider
	namePrefix string
	repoRoot   string
}

// New returns a runner using provider.
func New(provider devbox.Provider, cfg Config) *Runner {
	root := cfg.RepoRoot
	if root == "" {
		root = agentcmd.DefaultRepoRoot
	}
	return &Runner{provider: provider, namePrefix: cfg.NamePrefix, repoRoot: root}
}

// Command returns the shell command the run will execute.
func (r *Runner) Command(spec Spec) string {
	repoPath := spec.RepoPath
	if repoPath == "" {
		repoPath = agentcmd.RepoPath(r.repoRoot, spec.Repo)
	}
	return agentcmd.Command(spec.Agent, agentcmd.Options{
		RepoPath:   repoPath,
		RepoURL:    spec.RepoURL,
		BranchName: spec.BranchName,
		Model:      spec.Model,
		NoDryRun:   spec.NoDryRun,
		Quiet:      spec.Quiet,
	})
}

// Run performs the run steps in order and reports progress to obs. Any
// failure skips the remaining steps; cleanup still runs when a devbox exists.
func (r *Runner) Run(ctx context.Context, spec Spec, obs Observer) (result schema.ExecutionResult, err error) {
	if obs == nil {
		obs = ObserverFuncs{}
	}
	log := logx.WithTarget(logx.Ctx(ctx), spec.Agent.Name, spec.Repo)
	ctx = logx.ContextWithRunLogger(ctx, log, "")

	name := spec.DevboxName
	if name == "" {
		name = devbox.DefaultName(r.namePrefix)
	}
	obs.Status(fmt.Sprintf("provisioning devbox for %s", spec.Repo))
	log.Info("provisioning devbox", "provider", r.provider.Name(), "devbox_name", name)
	box, err := r.provider.CreateAndAwaitRunning(ctx, devbox.CreateRequest{
		Name:          name,
		Repo:          spec.Repo,
		BlueprintID:   spec.BlueprintID,
		BlueprintName: spec.BlueprintName,
		Labels:        spec.Labels,
	})
	if box.ID != "" {
		defer r.cleanup(ctx, box.ID, spec.Policy)
	}
	if err != nil {
		return result, fmt.Errorf("provision devbox: %w", err)
	}
	ctx = logx.ContextWithDevboxLogger(ctx, logx.WithDevbox(ctx, box.ID), box.ID)
	log = logx.Ctx(ctx)
	obs.Status(fmt.Sprintf("devbox %s running", box.ID))

	command := r.Command(spec)
	obs.Status("executing: " + command)
	exec, err := r.provider.ExecuteAsync(ctx, box.ID, command)
	if err != nil {
		return result, fmt.Errorf("start agent: %w", err)
	}
	log.Info("agent execution started", "execution", exec.ID)
	obs.Status("agent execution started")

	src, err := r.provider.StreamStdout(ctx, exec)
	if err != nil {
		return result, fmt.Errorf("stream agent output: %w", err)
	}
	defer func() { _ = src.Close() }()
	chunks := 0
	for {
		chunk, nerr := src.Next(ctx)
		if errors.Is(nerr, io.EOF) {
			break
		}
		if nerr != nil {
			return result, fmt.Errorf("stream agent output: %w", nerr)
		}
		chunks++
		obs.Chunk(chunk)
	}

	result, err = r.provider.AwaitCompletion(ctx, exec)
	if err != nil {
		return result, fmt.Errorf("await agent: %w", err)
	}
	log.Info("agent finished", "exit_status", result.ExitStatus, "chunks", chunks)
	obs.Status(fmt.Sprintf("agent finished with exit status %d", result.ExitStatus))
	return result, nil
}

func (r *Runner) cleanup(ctx context.Context, id schema.DevboxID, policy schema.ShutdownPolicy) {
	ctx = logx.Detach(ctx)
	log := logx.Ctx(ctx).With("devbox", id)
	if policy == schema.ShutdownKeep {
		log.Info("devbox kept running", "policy", policy)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	if err := r.provider.Shutdown(ctx, id); err != nil {
		log.Warn("devbox shutdown failed", "err", err)
		return
	}
	log.Debug("devbox shut down")
}
