package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/depsrelay/internal/appconfig"
	"pkt.systems/depsrelay/internal/devbox/local"
	"pkt.systems/depsrelay/internal/relay"
	"pkt.systems/depsrelay/schema"
	"pkt.systems/pslog"
)

type doctorCheck struct {
	name string
	run  func(context.Context) (string, error)
}

func newDoctorCmd(root *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, credentials and backend reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(root.configPath)
			if err != nil {
				return err
			}
			failed := runDoctorChecks(cmd.Context(), cmd.OutOrStdout(), doctorChecks(cfg, timeout))
			if failed > 0 {
				return fmt.Errorf("doctor: %d check(s) failed", failed)
			}
			pslog.Ctx(cmd.Context()).Info("doctor complete")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "timeout for each backend check")
	return cmd
}

func runDoctorChecks(ctx context.Context, out io.Writer, checks []doctorCheck) int {
	failed := 0
	for _, check := range checks {
		detail, err := check.run(ctx)
		if err != nil {
			failed++
			_, _ = fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("FAIL %s: %v", check.name, err)))
			continue
		}
		line := "ok   " + check.name
		if detail != "" {
			line += ": " + detail
		}
		_, _ = fmt.Fprintln(out, doneStyle.Render(line))
	}
	return failed
}

func doctorChecks(cfg appconfig.Config, timeout time.Duration) []doctorCheck {
	checks := []doctorCheck{
		{name: "agents", run: func(context.Context) (string, error) {
			registry, err := agentRegistry(cfg)
			if err != nil {
				return "", err
			}
			if _, err := relay.NewValidator(registry, schema.ModelID(cfg.Models.Accepted)); err != nil {
				return "", err
			}
			return fmt.Sprintf("%v", registry.SortedNames()), nil
		}},
		{name: "blueprint", run: func(ctx context.Context) (string, error) {
			cache, err := openCache(ctx, cfg)
			if err != nil {
				return "", err
			}
			choice, err := resolveBlueprint(cache, cfg, "", "")
			if err != nil {
				return "", err
			}
			if choice.Name != "" {
				return fmt.Sprintf("%s (%s)", choice.Name, choice.ID), nil
			}
			return string(choice.ID), nil
		}},
	}
	switch cfg.Devbox.Provider {
	case "runloop":
		checks = append(checks, doctorCheck{name: "runloop", run: func(ctx context.Context) (string, error) {
			client, err := runloopClient(cfg)
			if err != nil {
				return "", err
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			bps, err := client.ListBlueprints(ctx, cfg.Blueprint.Name)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("reachable, %d blueprint(s)", len(bps)), nil
		}})
	case "local":
		checks = append(checks, doctorCheck{name: "local runtime", run: func(ctx context.Context) (string, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			rt, err := local.OpenRuntime(ctx, engineConfig(cfg))
			if err != nil {
				return "", err
			}
			defer func() { _ = rt.Close() }()
			return cfg.Local.Runtime, nil
		}}, doctorCheck{name: "local builder", run: func(context.Context) (string, error) {
			if _, err := local.OpenBuilder(engineConfig(cfg)); err != nil {
				return "", err
			}
			return cfg.Local.Builder, nil
		}})
	default:
		checks = append(checks, doctorCheck{name: "provider", run: func(context.Context) (string, error) {
			return "", errors.New("unsupported devbox.provider " + cfg.Devbox.Provider)
		}})
	}
	return checks
}
