// Package local runs devboxes as containers on the host's Podman or
// containerd, for development without a Runloop account.
package local

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/depsrelay/internal/agentcmd"
	"pkt.systems/depsrelay/internal/devbox"
	"pkt.systems/depsrelay/internal/engine"
	"pkt.systems/depsrelay/internal/logx"
	"pkt.systems/depsrelay/internal/repo"
	"pkt.systems/depsrelay/schema"
)

// LabelRepo records the mounted repository on a local devbox.
const LabelRepo = "depsrelay.repo"

// ImageTag is the local image a blueprint named name is built into.
func ImageTag(name string) string {
	return "localhost/depsrelay-blueprint-" + strings.ToLower(strings.TrimSpace(name)) + ":latest"
}

// Config configures a local provider.
type Config struct {
	Runtime  engine.Runtime
	RepoRoot string
	// ExecTimeout bounds one agent execution. Zero means no limit.
	ExecTimeout time.Duration
}

// Provider implements devbox.Provider on an engine.Runtime.
type Provider struct {
	runtime     engine.Runtime
	repoRoot    string
	execTimeout time.Duration

	mu      sync.Mutex
	seq     int
	execs   map[schema.ExecutionID]*execution
	handles map[schema.DevboxID]engine.Handle
}

type execution struct {
	output *outputBuffer
	done   chan struct{}
	result engine.ExecResult
	err    error
}

// New returns a provider backed by cfg.Runtime.
func New(cfg Config) (*Provider, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("local devbox runtime is required")
	}
	root := strings.TrimSpace(cfg.RepoRoot)
	if root == "" {
		root = agentcmd.DefaultRepoRoot
	}
	return &Provider{
		runtime:     cfg.Runtime,
		repoRoot:    root,
		execTimeout: cfg.ExecTimeout,
		execs:       make(map[schema.ExecutionID]*execution),
		handles:     make(map[schema.DevboxID]engine.Handle),
	}, nil
}

// Name identifies the provider in logs.
func (p *Provider) Name() string { return "local" }

// CreateAndAwaitRunning starts a container from the blueprint image and
// clones the repository into the repo root.
func (p *Provider) CreateAndAwaitRunning(ctx context.Context, req devbox.CreateRequest) (schema.Devbox, error) {
	image := string(req.BlueprintID)
	if req.BlueprintName != "" {
		image = ImageTag(req.BlueprintName)
	}
	if image == "" {
		return schema.Devbox{}, schema.ErrBlueprintRequired
	}
	name := req.Name
	if name == "" {
		name = devbox.DefaultName("")
	}
	log := logx.Ctx(ctx).With("devbox_name", name, "image", image)
	if err := p.runtime.EnsureImage(ctx, image); err != nil {
		return schema.Devbox{}, fmt.Errorf("%w: image %s: %v", schema.ErrDevboxFailed, image, err)
	}
	labels := map[string]string{engine.LabelManaged: "true"}
	if req.Repo.Name != "" {
		labels[LabelRepo] = req.Repo.String()
	}
	handle, err := p.runtime.EnsureRunning(ctx, engine.BoxSpec{
		Name:       name,
		Image:      image,
		Labels:     engine.MergeLabels(labels, req.Labels),
		Command:    []string{"sleep", "infinity"},
		WorkingDir: p.repoRoot,
	})
	if err != nil {
		return schema.Devbox{}, fmt.Errorf("%w: %v", schema.ErrDevboxFailed, err)
	}
	box := schema.Devbox{ID: schema.DevboxID(handle.Name()), Name: handle.Name(), Status: schema.DevboxRunning}
	p.mu.Lock()
	p.handles[box.ID] = handle
	p.mu.Unlock()
	if req.Repo.Name == "" {
		log.Info("local devbox running")
		return box, nil
	}
	var stderr strings.Builder
	target := agentcmd.RepoPath(p.repoRoot, req.Repo)
	res, err := p.runtime.Exec(ctx, handle, engine.ExecSpec{
		Command: []string{"git", "clone", repo.CloneURL(req.Repo), target},
		Stderr:  &stderr,
		Timeout: 10 * time.Minute,
	})
	if err != nil {
		return box, fmt.Errorf("%w: clone %s: %v", schema.ErrDevboxFailed, req.Repo, err)
	}
	if res.ExitCode != 0 {
		return box, fmt.Errorf("%w: clone %s exited %d: %s", schema.ErrDevboxFailed, req.Repo, res.ExitCode, strings.TrimSpace(stderr.String()))
	}
	log.Info("local devbox running", "repo_path", target)
	return box, nil
}

// ExecuteAsync starts command under a login shell and returns immediately.
func (p *Provider) ExecuteAsync(ctx context.Context, id schema.DevboxID, command string) (devbox.Execution, error) {
	p.mu.Lock()
	p.seq++
	execID := schema.ExecutionID(fmt.Sprintf("%s-exec-%d", id, p.seq))
	ex := &execution{output: newOutputBuffer(), done: make(chan struct{})}
	p.execs[execID] = ex
	p.mu.Unlock()

	// The execution outlives the request that started it, like a remote one would.
	runCtx := logx.Detach(ctx)
	handle := p.handle(id)
	go func() {
		defer close(ex.done)
		defer ex.output.CloseWrite()
		ex.result, ex.err = p.runtime.Exec(runCtx, handle, engine.ExecSpec{
			Command:    []string{"sh", "-lc", command},
			WorkingDir: p.repoRoot,
			Stdout:     ex.output,
			Stderr:     ex.output,
			Timeout:    p.execTimeout,
		})
		if ex.err != nil {
			logx.Ctx(runCtx).Warn("local execution failed", "devbox", id, "execution", execID, "err", ex.err)
		}
	}()
	logx.Ctx(ctx).Info("local execution started", "devbox", id, "execution", execID)
	return devbox.Execution{ID: execID, DevboxID: id, Command: command}, nil
}

// handle returns the handle recorded at creation. Devboxes started by an
// earlier process are addressed by name.
func (p *Provider) handle(id schema.DevboxID) engine.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[id]; ok {
		return h
	}
	return engine.Ref{BoxName: string(id)}
}

func (p *Provider) lookup(id schema.ExecutionID) (*execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ex, ok := p.execs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrExecutionNotFound, id)
	}
	return ex, nil
}

// StreamStdout returns a reader over the execution's combined output.
func (p *Provider) StreamStdout(_ context.Context, exec devbox.Execution) (devbox.LogSource, error) {
	ex, err := p.lookup(exec.ID)
	if err != nil {
		return nil, err
	}
	return ex.output.NewReader(), nil
}

// AwaitCompletion waits for the execution to exit.
func (p *Provider) AwaitCompletion(ctx context.Context, exec devbox.Execution) (schema.ExecutionResult, error) {
	ex, err := p.lookup(exec.ID)
	if err != nil {
		return schema.ExecutionResult{}, err
	}
	select {
	case <-ctx.Done():
		return schema.ExecutionResult{}, ctx.Err()
	case <-ex.done:
	}
	p.mu.Lock()
	delete(p.execs, exec.ID)
	p.mu.Unlock()
	if ex.err != nil {
		return schema.ExecutionResult{}, ex.err
	}
	return schema.ExecutionResult{
		ID:         exec.ID,
		ExitStatus: ex.result.ExitCode,
		Stdout:     string(ex.output.Bytes()),
		Finished:   ex.result.Finished,
	}, nil
}

// Shutdown stops and removes the devbox container.
func (p *Provider) Shutdown(ctx context.Context, id schema.DevboxID) error {
	handle := p.handle(id)
	if err := p.runtime.Stop(ctx, handle); err != nil {
		logx.Ctx(ctx).Debug("local devbox stop failed", "devbox", id, "err", err)
	}
	if err := p.runtime.Remove(ctx, handle); err != nil {
		return fmt.Errorf("remove devbox %s: %w", id, err)
	}
	p.mu.Lock()
	delete(p.handles, id)
	p.mu.Unlock()
	logx.Ctx(ctx).Info("local devbox shutdown", "devbox", id)
	return nil
}

// Prune removes managed devboxes older than minAge.
func (p *Provider) Prune(ctx context.Context, minAge time.Duration) (int, error) {
	return p.runtime.Prune(ctx, engine.PruneSpec{
		Labels: map[string]string{engine.LabelManaged: "true"},
		MinAge: minAge,
	})
}

// Close releases the runtime.
func (p *Provider) Close() error {
	return p.runtime.Close()
}
