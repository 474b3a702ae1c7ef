package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/depsrelay/internal/appconfig"
	"pkt.systems/depsrelay/internal/devbox"
	"pkt.systems/depsrelay/schema"
	"pkt.systems/pslog"
)

type pruner interface {
	Prune(ctx context.Context, minAge time.Duration) (int, error)
}

func newDevboxCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devbox",
		Short: "Manage devboxes kept after runs",
	}
	cmd.AddCommand(newDevboxShutdownCmd(root))
	cmd.AddCommand(newDevboxPruneCmd(root))
	return cmd
}

func openProvider(ctx context.Context, root *rootOptions) (devbox.Provider, error) {
	cfg, err := appconfig.Load(root.configPath)
	if err != nil {
		return nil, err
	}
	factory, err := providerFactory(cfg)
	if err != nil {
		return nil, err
	}
	return factory(ctx)
}

func closeProvider(p devbox.Provider) {
	if c, ok := p.(io.Closer); ok {
		_ = c.Close()
	}
}

func newDevboxShutdownCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown <id>...",
		Short: "Shut down devboxes by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := openProvider(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer closeProvider(provider)
			logger := pslog.Ctx(cmd.Context())
			var failed int
			for _, id := range args {
				if err := provider.Shutdown(cmd.Context(), schema.DevboxID(id)); err != nil {
					logger.Error("devbox shutdown failed", "devbox", id, "err", err)
					failed++
					continue
				}
				logger.Info("devbox shut down", "devbox", id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d devboxes failed to shut down", failed, len(args))
			}
			return nil
		},
	}
}

func newDevboxPruneCmd(root *rootOptions) *cobra.Command {
	var minAge time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove managed local devboxes older than --min-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := openProvider(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer closeProvider(provider)
			p, ok := provider.(pruner)
			if !ok {
				return fmt.Errorf("devbox prune is not supported by the %s provider", provider.Name())
			}
			removed, err := p.Prune(cmd.Context(), minAge)
			if err != nil {
				return err
			}
			pslog.Ctx(cmd.Context()).Info("devboxes pruned", "removed", removed, "min_age", minAge)
			return nil
		},
	}
	cmd.Flags().DurationVar(&minAge, "min-age", time.Hour, "only remove devboxes at least this old")
	return cmd
}
