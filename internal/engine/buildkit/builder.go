// Package buildkit builds blueprint images with a BuildKit daemon.
package buildkit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/moby/buildkit/client"

	"pkt.systems/depsrelay/internal/engine"
	"pkt.systems/pslog"
)

// Config configures the BuildKit builder.
type Config struct {
	Address string
}

// Builder implements engine.Builder using BuildKit's dockerfile frontend.
type Builder struct {
	addresses []string
}

// New constructs a builder with fallback socket addresses.
func New(cfg Config) *Builder {
	return &Builder{addresses: CandidateAddresses(cfg.Address)}
}

// Build solves the Containerfile and stores the result as an unpacked image.
func (b *Builder) Build(ctx context.Context, spec engine.BuildSpec, events chan<- engine.BuildEvent) (engine.BuildResult, error) {
	log := pslog.Ctx(ctx).With("builder", "buildkit")
	if len(spec.Tags) == 0 {
		return engine.BuildResult{}, errors.New("build tags are required")
	}
	if len(spec.Containerfile) == 0 {
		return engine.BuildResult{}, errors.New("containerfile is required")
	}
	dir, err := engine.ContextDir(spec)
	if err != nil {
		return engine.BuildResult{}, err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bk, err := b.dial(ctx)
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return engine.BuildResult{}, err
	}
	defer func() { _ = bk.Close() }()

	attrs := map[string]string{"filename": engine.ContainerfileName}
	for k, v := range spec.BuildArgs {
		attrs["build-arg:"+k] = v
	}

	statusCh := make(chan *client.SolveStatus)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		relayStatus(ctx, statusCh, events)
	}()

	log.Info("buildkit build start", "tags", spec.Tags)
	_, err = bk.Solve(ctx, nil, client.SolveOpt{
		Frontend:      "dockerfile.v0",
		FrontendAttrs: attrs,
		LocalDirs: map[string]string{
			"context":    dir,
			"dockerfile": filepath.Dir(filepath.Join(dir, engine.ContainerfileName)),
		},
		Exports: []client.ExportEntry{{
			Type: client.ExporterImage,
			Attrs: map[string]string{
				"name":           strings.Join(spec.Tags, ","),
				"push":           "false",
				"store":          "true",
				"unpack":         "true",
				"oci-mediatypes": "true",
			},
		}},
	}, statusCh)
	wg.Wait()
	if err != nil {
		log.Warn("buildkit build failed", "err", err)
		return engine.BuildResult{}, err
	}
	log.Info("buildkit build ok", "tags", spec.Tags)
	return engine.BuildResult{ImageNames: spec.Tags}, nil
}

// relayStatus converts solve status updates into build events until statusCh closes.
func relayStatus(ctx context.Context, statusCh <-chan *client.SolveStatus, events chan<- engine.BuildEvent) {
	names := map[string]string{}
	started := map[string]bool{}
	for status := range statusCh {
		for _, v := range status.Vertexes {
			if v == nil {
				continue
			}
			id := v.Digest.String()
			if v.Name != "" {
				names[id] = v.Name
			}
			if v.Started != nil && !started[id] {
				started[id] = true
				engine.SendBuildEvent(ctx, events, engine.BuildEvent{Kind: engine.BuildEventStep, Name: names[id], Timestamp: *v.Started})
			}
			if v.Error != "" {
				engine.SendBuildEvent(ctx, events, engine.BuildEvent{Kind: engine.BuildEventStep, Name: names[id], Error: v.Error, Timestamp: time.Now()})
			}
		}
		for _, l := range status.Logs {
			if l == nil {
				continue
			}
			msg := strings.TrimSpace(string(l.Data))
			if msg == "" {
				continue
			}
			engine.SendBuildEvent(ctx, events, engine.BuildEvent{Kind: engine.BuildEventLog, Name: names[l.Vertex.String()], Message: msg, Timestamp: l.Timestamp})
		}
		for _, w := range status.Warnings {
			if w == nil {
				continue
			}
			msg := strings.TrimSpace(string(w.Short))
			if msg == "" {
				continue
			}
			engine.SendBuildEvent(ctx, events, engine.BuildEvent{Kind: engine.BuildEventWarning, Name: names[w.Vertex.String()], Message: msg, Timestamp: time.Now()})
		}
	}
}

func (b *Builder) dial(ctx context.Context) (*client.Client, error) {
	var lastErr error
	for _, addr := range b.addresses {
		c, err := client.New(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		if _, err := c.Info(ctx); err != nil {
			_ = c.Close()
			lastErr = err
			continue
		}
		return c, nil
	}
	if lastErr == nil {
		lastErr = errors.New("buildkit address not configured")
	}
	return nil, lastErr
}

// CandidateAddresses lists buildkitd addresses to try, primary first.
func CandidateAddresses(primary string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(primary)
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		add("unix://" + filepath.Join(runtimeDir, "buildkit", "buildkitd.sock"))
	}
	add(fmt.Sprintf("unix:///run/user/%d/buildkit/buildkitd.sock", os.Getuid()))
	add("unix:///run/buildkit/buildkitd.sock")
	return out
}
