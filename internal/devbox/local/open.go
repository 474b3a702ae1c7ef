package local

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/depsrelay/internal/devbox"
	"pkt.systems/depsrelay/internal/engine"
	"pkt.systems/depsrelay/internal/engine/buildkit"
	"pkt.systems/depsrelay/internal/engine/containerd"
	"pkt.systems/depsrelay/internal/engine/podman"
)

// Runtime and builder names accepted in configuration.
const (
	RuntimePodman     = "podman"
	RuntimeContainerd = "containerd"
	BuilderPodman     = "podman"
	BuilderBuildKit   = "buildkit"
)

// EngineConfig selects and configures the local container engine.
type EngineConfig struct {
	Runtime             string
	Builder             string
	PodmanAddress       string
	ContainerdAddress   string
	ContainerdNamespace string
	BuildKitAddress     string
	PullTimeout         time.Duration
}

// OpenRuntime connects to the configured runtime.
func OpenRuntime(ctx context.Context, cfg EngineConfig) (engine.Runtime, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Runtime)) {
	case "", RuntimePodman:
		return podman.New(ctx, podman.Config{Address: cfg.PodmanAddress, PullTimeout: cfg.PullTimeout})
	case RuntimeContainerd:
		return containerd.New(ctx, containerd.Config{
			Address:     cfg.ContainerdAddress,
			Namespace:   cfg.ContainerdNamespace,
			PullTimeout: cfg.PullTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown local runtime %q", cfg.Runtime)
	}
}

// OpenBuilder returns the configured image builder.
func OpenBuilder(cfg EngineConfig) (engine.Builder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Builder)) {
	case "", BuilderPodman:
		return podman.NewBuilder(podman.Config{Address: cfg.PodmanAddress}), nil
	case BuilderBuildKit:
		return buildkit.New(buildkit.Config{Address: cfg.BuildKitAddress}), nil
	default:
		return nil, fmt.Errorf("unknown local builder %q", cfg.Builder)
	}
}

// Factory opens the runtime on first use and shares one provider across
// requests. A failed open is retried on the next call.
func Factory(engineCfg EngineConfig, cfg Config) devbox.Factory {
	var (
		mu       sync.Mutex
		provider *Provider
	)
	return func(ctx context.Context) (devbox.Provider, error) {
		mu.Lock()
		defer mu.Unlock()
		if provider != nil {
			return provider, nil
		}
		rt, err := OpenRuntime(ctx, engineCfg)
		if err != nil {
			return nil, err
		}
		cfg := cfg
		cfg.Runtime = rt
		p, err := New(cfg)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		provider = p
		return provider, nil
	}
}
