package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/depsrelay"
	"pkt.systems/depsrelay/httpapi"
	"pkt.systems/depsrelay/internal/appconfig"
	"pkt.systems/depsrelay/internal/relay"
	"pkt.systems/depsrelay/schema"
	"pkt.systems/pslog"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	var blueprintID string
	var blueprintName string
	var drain time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run relay and web UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(root.configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			server, err := buildServer(cmd.Context(), cfg, blueprintID, blueprintName)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := server.Start(ctx); err != nil {
				return err
			}
			waitErr := server.Wait()
			// In-flight runs still own devboxes; let them finish cleanup.
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drain)
			defer cancel()
			if err := server.Stop(stopCtx); err != nil {
				logger.Warn("server stop failed", "err", err)
			}
			return waitErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	cmd.Flags().StringVar(&blueprintID, "blueprint-id", "", "blueprint id for every run")
	cmd.Flags().StringVar(&blueprintName, "blueprint-name", "", "cached blueprint name for every run")
	cmd.Flags().DurationVar(&drain, "drain-timeout", 10*time.Minute, "how long shutdown waits for in-flight runs")
	return cmd
}

// buildServer wires config into a depsrelay.Server. A missing blueprint is
// not fatal here; runs report it in-stream.
func buildServer(ctx context.Context, cfg appconfig.Config, blueprintID, blueprintName string) (depsrelay.Server, error) {
	logger := pslog.Ctx(ctx)
	factory, err := providerFactory(cfg)
	if err != nil {
		return nil, err
	}
	cache, err := openCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	choice, err := resolveBlueprint(cache, cfg, blueprintID, blueprintName)
	switch {
	case isBlueprintRequired(err):
		logger.Warn("no blueprint configured; runs will fail until one is built or configured")
	case err != nil:
		return nil, err
	default:
		logger.Info("blueprint selected", "blueprint_id", choice.ID, "blueprint_name", choice.Name)
	}
	return depsrelay.New(depsrelay.ServerConfig{
		HTTP: httpapi.Config{
			Addr:         cfg.HTTP.Addr,
			BaseURL:      cfg.HTTP.BaseURL,
			BasePath:     cfg.HTTP.BasePath,
			MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		},
		Relay: relay.Config{
			Runner:        runnerConfig(cfg),
			BlueprintID:   choice.ID,
			BlueprintName: choice.Name,
			Policy:        shutdownPolicy(cfg, false),
		},
		Model:  schema.ModelID(cfg.Models.Accepted),
		Agents: cfg.AgentProfiles(),
	}, depsrelay.ServerDeps{Factory: factory})
}
