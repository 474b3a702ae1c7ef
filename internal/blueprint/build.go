package blueprint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/depsrelay/internal/devbox/local"
	"pkt.systems/depsrelay/internal/devbox/runloop"
	"pkt.systems/depsrelay/internal/engine"
	"pkt.systems/depsrelay/schema"
	"pkt.systems/pslog"
)

// Request describes a blueprint build.
type Request struct {
	Name           string
	AgentRepo      schema.RepoSlug
	InstallCommand string
	BaseImage      string
	Timeout        time.Duration
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("blueprint name is required")
	}
	if r.AgentRepo.Owner == "" || r.AgentRepo.Name == "" {
		return fmt.Errorf("%w: agent repo must be owner/name", schema.ErrInvalidRepo)
	}
	return nil
}

// Result identifies a built blueprint.
type Result struct {
	ID        schema.BlueprintID
	Name      string
	AgentPath string
}

// Builder builds blueprints on one backend.
type Builder interface {
	Build(ctx context.Context, req Request) (Result, error)
}

// RunloopBuilder builds blueprints with the Runloop API.
type RunloopBuilder struct {
	Client *runloop.Client
}

// Build creates the blueprint and waits for the build to finish.
func (b RunloopBuilder) Build(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	log := pslog.Ctx(ctx).With("blueprint", req.Name, "agent_repo", req.AgentRepo.String())
	log.Info("building runloop blueprint")
	bp, err := b.Client.CreateBlueprintAndAwait(ctx, runloop.BlueprintRequest{
		Name:          req.Name,
		SetupCommands: []string{RenderSetupScript(req.AgentRepo, req.InstallCommand)},
		Metadata:      Metadata(req.AgentRepo, req.InstallCommand),
	})
	if err != nil {
		if bp.ID != "" {
			if logs, lerr := b.Client.BlueprintLogs(ctx, bp.ID); lerr == nil {
				for _, line := range logs {
					log.Warn("blueprint build log", "level", line.Level, "message", line.Message)
				}
			}
		}
		return Result{}, err
	}
	log.Info("runloop blueprint built", "blueprint_id", bp.ID)
	return Result{ID: bp.ID, Name: req.Name, AgentPath: AgentPath(req.AgentRepo)}, nil
}

// LocalBuilder builds blueprints as local container images.
type LocalBuilder struct {
	Engine engine.Builder
	// Progress receives build events when set.
	Progress chan<- engine.BuildEvent
}

// Build renders a Containerfile around the setup script and builds it.
func (b LocalBuilder) Build(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	if b.Engine == nil {
		return Result{}, errors.New("local image builder is required")
	}
	tag := local.ImageTag(req.Name)
	log := pslog.Ctx(ctx).With("blueprint", req.Name, "image", tag)
	log.Info("building local blueprint")
	res, err := b.Engine.Build(ctx, engine.BuildSpec{
		Containerfile: Containerfile(req.BaseImage),
		Files: map[string][]byte{
			"setup.sh": []byte(RenderSetupScript(req.AgentRepo, req.InstallCommand) + "\n"),
		},
		Tags:    []string{tag},
		Timeout: req.Timeout,
	}, b.Progress)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", schema.ErrBlueprintFailed, err)
	}
	id := tag
	if len(res.ImageNames) > 0 {
		id = res.ImageNames[0]
	}
	log.Info("local blueprint built")
	return Result{ID: schema.BlueprintID(id), Name: req.Name, AgentPath: AgentPath(req.AgentRepo)}, nil
}

// BuildAndRemember builds with b and records the result in cache.
func BuildAndRemember(ctx context.Context, b Builder, cache *Cache, req Request) (Record, error) {
	res, err := b.Build(ctx, req)
	if err != nil {
		return Record{}, err
	}
	return cache.Remember(res.Name, res.ID, res.AgentPath)
}
