package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/depsrelay/internal/agentcmd"
	"pkt.systems/depsrelay/internal/appconfig"
	"pkt.systems/depsrelay/internal/blueprint"
	"pkt.systems/depsrelay/internal/devbox"
	"pkt.systems/depsrelay/internal/devbox/local"
	"pkt.systems/depsrelay/internal/devbox/runloop"
	"pkt.systems/depsrelay/internal/runner"
	"pkt.systems/depsrelay/schema"
	"pkt.systems/pslog"
)

func runloopConfig(cfg appconfig.Config) runloop.Config {
	return runloop.Config{
		BaseURL:      cfg.Runloop.BaseURL,
		PollInterval: time.Duration(cfg.Runloop.PollIntervalMS) * time.Millisecond,
		Timeout:      time.Duration(cfg.Runloop.TimeoutMinutes) * time.Minute,
	}
}

// runloopClient builds a client with the credential read now.
func runloopClient(cfg appconfig.Config) (*runloop.Client, error) {
	key, err := devbox.Credential(cfg.Devbox.APIKeyEnv)
	if err != nil {
		return nil, err
	}
	rc := runloopConfig(cfg)
	rc.APIKey = key
	return runloop.New(rc)
}

func engineConfig(cfg appconfig.Config) local.EngineConfig {
	return local.EngineConfig{
		Runtime:             cfg.Local.Runtime,
		Builder:             cfg.Local.Builder,
		PodmanAddress:       cfg.Local.Podman.Address,
		ContainerdAddress:   cfg.Local.Containerd.Address,
		ContainerdNamespace: cfg.Local.Containerd.Namespace,
		BuildKitAddress:     cfg.Local.BuildKit.Address,
		PullTimeout:         time.Duration(cfg.Local.PullTimeoutMinutes) * time.Minute,
	}
}

func localConfig(cfg appconfig.Config) local.Config {
	return local.Config{
		RepoRoot:    cfg.Devbox.RepoRoot,
		ExecTimeout: time.Duration(cfg.Local.ExecTimeoutMinutes) * time.Minute,
	}
}

// providerFactory returns the factory for the configured provider.
func providerFactory(cfg appconfig.Config) (devbox.Factory, error) {
	switch cfg.Devbox.Provider {
	case "runloop":
		return runloop.Factory(runloopConfig(cfg), cfg.Devbox.APIKeyEnv), nil
	case "local":
		return local.Factory(engineConfig(cfg), localConfig(cfg)), nil
	default:
		return nil, fmt.Errorf("unsupported devbox.provider %q", cfg.Devbox.Provider)
	}
}

func runnerConfig(cfg appconfig.Config) runner.Config {
	return runner.Config{NamePrefix: cfg.Devbox.NamePrefix, RepoRoot: cfg.Devbox.RepoRoot}
}

func agentRegistry(cfg appconfig.Config) (*agentcmd.Registry, error) {
	return agentcmd.NewRegistry(cfg.AgentProfiles())
}

func openCache(ctx context.Context, cfg appconfig.Config) (*blueprint.Cache, error) {
	return blueprint.NewCache(cfg.Blueprint.CacheFile, pslog.Ctx(ctx))
}

// shutdownPolicy applies the --keep override to the configured policy.
func shutdownPolicy(cfg appconfig.Config, keep bool) schema.ShutdownPolicy {
	if keep {
		return schema.ShutdownKeep
	}
	policy, ok := schema.ParseShutdownPolicy(cfg.Devbox.ShutdownPolicy)
	if !ok {
		return schema.ShutdownAlways
	}
	return policy
}

// resolveBlueprint picks the blueprint for runs from flags, config and cache.
func resolveBlueprint(cache *blueprint.Cache, cfg appconfig.Config, explicitID, explicitName string) (blueprint.Choice, error) {
	return blueprint.Resolve(cache, blueprint.Selection{
		ExplicitID:   schema.BlueprintID(explicitID),
		ExplicitName: explicitName,
		ConfigID:     schema.BlueprintID(cfg.Blueprint.ID),
		ConfigName:   cfg.Blueprint.Name,
	})
}

// isBlueprintRequired reports whether err only says no blueprint was chosen.
func isBlueprintRequired(err error) bool {
	return errors.Is(err, schema.ErrBlueprintRequired)
}
