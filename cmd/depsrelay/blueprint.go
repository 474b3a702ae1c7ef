package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/depsrelay/internal/appconfig"
	"pkt.systems/depsrelay/internal/blueprint"
	"pkt.systems/depsrelay/internal/devbox/local"
	"pkt.systems/depsrelay/internal/engine"
	"pkt.systems/depsrelay/internal/repo"
	"pkt.systems/pslog"
)

func newBlueprintCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blueprint",
		Short: "Build and manage agent blueprints",
	}
	cmd.AddCommand(newBlueprintBuildCmd(root))
	cmd.AddCommand(newBlueprintListCmd(root))
	cmd.AddCommand(newBlueprintShowCmd(root))
	cmd.AddCommand(newBlueprintForgetCmd(root))
	return cmd
}

func newBlueprintBuildCmd(root *rootOptions) *cobra.Command {
	var name, agentRepo, installCommand, baseImage string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build a blueprint with the agent installed and remember its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := pslog.Ctx(ctx)
			cfg, err := appconfig.Load(root.configPath)
			if err != nil {
				return err
			}
			req, err := blueprintRequest(cfg, name, agentRepo, installCommand, baseImage)
			if err != nil {
				return err
			}
			cache, err := openCache(ctx, cfg)
			if err != nil {
				return err
			}

			var builder blueprint.Builder
			switch cfg.Devbox.Provider {
			case "local":
				eng, err := local.OpenBuilder(engineConfig(cfg))
				if err != nil {
					return err
				}
				events := make(chan engine.BuildEvent, 256)
				done := make(chan struct{})
				go func() {
					defer close(done)
					logBuildEvents(logger, events)
				}()
				defer func() {
					close(events)
					<-done
				}()
				builder = blueprint.LocalBuilder{Engine: eng, Progress: events}
			default:
				client, err := runloopClient(cfg)
				if err != nil {
					return err
				}
				builder = blueprint.RunloopBuilder{Client: client}
			}

			rec, err := blueprint.BuildAndRemember(ctx, builder, cache, req)
			if err != nil {
				return err
			}
			logger.Info("blueprint ready", "name", rec.Name, "blueprint_id", rec.BlueprintID, "cache", cache.Path())
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", rec.Name, rec.BlueprintID)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "blueprint name")
	cmd.Flags().StringVar(&agentRepo, "agent-repo", "", "agent repository as owner/name (default: blueprint.agent_repo)")
	cmd.Flags().StringVar(&installCommand, "install-command", "", "install command run in the agent checkout")
	cmd.Flags().StringVar(&baseImage, "base-image", "", "base image for local builds")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func blueprintRequest(cfg appconfig.Config, name, agentRepo, installCommand, baseImage string) (blueprint.Request, error) {
	if strings.TrimSpace(agentRepo) == "" {
		agentRepo = cfg.Blueprint.AgentRepo
	}
	if strings.TrimSpace(agentRepo) == "" {
		return blueprint.Request{}, fmt.Errorf("--agent-repo or blueprint.agent_repo is required")
	}
	slug, err := repo.ParseSlug(agentRepo)
	if err != nil {
		return blueprint.Request{}, err
	}
	if installCommand == "" {
		installCommand = cfg.Blueprint.InstallCommand
	}
	if baseImage == "" {
		baseImage = cfg.Blueprint.BaseImage
	}
	return blueprint.Request{
		Name:           strings.TrimSpace(name),
		AgentRepo:      slug,
		InstallCommand: installCommand,
		BaseImage:      baseImage,
		Timeout:        time.Duration(cfg.Local.BuildTimeout) * time.Minute,
	}, nil
}

func logBuildEvents(logger pslog.Logger, events <-chan engine.BuildEvent) {
	for ev := range events {
		switch ev.Kind {
		case engine.BuildEventStep:
			if ev.Error != "" {
				logger.Error("build step failed", "step", ev.Name, "err", ev.Error)
				continue
			}
			logger.Info("build step", "step", ev.Name)
		case engine.BuildEventLog:
			if line := strings.TrimSpace(ev.Message); line != "" {
				logger.Info(line)
			}
		case engine.BuildEventWarning:
			logger.Warn("build warning", "warning", ev.Message)
		default:
			logger.Debug("build event", "kind", ev.Kind, "msg", ev.Message)
		}
	}
}

func newBlueprintListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached blueprints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := loadCache(cmd.Context(), root)
			if err != nil {
				return err
			}
			records, last := cache.List()
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				_, err := fmt.Fprintln(out, "no cached blueprints")
				return err
			}
			for _, rec := range records {
				marker := " "
				if rec.Name == last {
					marker = "*"
				}
				if _, err := fmt.Fprintf(out, "%s %s\t%s\t%s\n", marker, rec.Name, rec.BlueprintID, rec.SavedAt.Format(time.RFC3339)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newBlueprintShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [name]",
		Short: "Show a cached blueprint (default: last used)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := loadCache(cmd.Context(), root)
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			rec, ok := cache.Recall(name)
			if !ok {
				if name == "" {
					return fmt.Errorf("no blueprint has been used yet")
				}
				return fmt.Errorf("no cached blueprint named %q", name)
			}
			data, err := json.MarshalIndent(struct {
				Name string `json:"name"`
				blueprint.Record
			}{Name: rec.Name, Record: rec}, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

func newBlueprintForgetCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <name>",
		Short: "Remove a blueprint from the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := loadCache(cmd.Context(), root)
			if err != nil {
				return err
			}
			removed, err := cache.Forget(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no cached blueprint named %q", args[0])
			}
			pslog.Ctx(cmd.Context()).Info("blueprint forgotten", "name", args[0])
			return nil
		},
	}
}

func loadCache(ctx context.Context, root *rootOptions) (*blueprint.Cache, error) {
	cfg, err := appconfig.Load(root.configPath)
	if err != nil {
		return nil, err
	}
	return openCache(ctx, cfg)
}
