package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/depsrelay/internal/appconfig"
	"pkt.systems/depsrelay/internal/repo"
	"pkt.systems/depsrelay/internal/runner"
	"pkt.systems/depsrelay/schema"
	"pkt.systems/pslog"
)

type runOptions struct {
	repoURL       string
	agent         string
	branchName    string
	repoPath      string
	devboxName    string
	model         string
	noDryRun      bool
	quiet         bool
	keep          bool
	blueprintID   string
	blueprintName string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an agent against a repository and stream its output",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(root.configPath)
			if err != nil {
				return err
			}
			spec, err := buildRunSpec(cmd, cfg, opts)
			if err != nil {
				return err
			}
			factory, err := providerFactory(cfg)
			if err != nil {
				return err
			}
			provider, err := factory(cmd.Context())
			if err != nil {
				return err
			}
			defer closeProvider(provider)
			result, err := runner.New(provider, runnerConfig(cfg)).Run(cmd.Context(), spec, terminalObserver(cmd.OutOrStdout(), pslog.Ctx(cmd.Context())))
			if err != nil {
				return err
			}
			if result.ExitStatus != 0 {
				return fmt.Errorf("agent exited with status %d", result.ExitStatus)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.repoURL, "repo", "", "repository URL (<host>/<owner>/<name>)")
	cmd.Flags().StringVar(&opts.agent, "agent", "", "agent to run (defaults to the first configured agent)")
	cmd.Flags().StringVar(&opts.branchName, "branch-name", "", "branch the agent pushes to")
	cmd.Flags().StringVar(&opts.repoPath, "repo-path", "", "checkout path inside the devbox")
	cmd.Flags().StringVar(&opts.devboxName, "devbox-name", "", "devbox name (default: generated)")
	cmd.Flags().StringVar(&opts.model, "llm-model", "", "model passed to the agent (default: models.accepted)")
	cmd.Flags().BoolVar(&opts.noDryRun, "no-dry-run", false, "let the agent push changes")
	cmd.Flags().BoolVar(&opts.quiet, "quiet", false, "ask the agent for less output")
	cmd.Flags().BoolVar(&opts.keep, "keep", false, "keep the devbox after the run")
	cmd.Flags().StringVar(&opts.blueprintID, "blueprint-id", "", "blueprint id to launch from")
	cmd.Flags().StringVar(&opts.blueprintName, "blueprint-name", "", "cached blueprint name to launch from")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func buildRunSpec(cmd *cobra.Command, cfg appconfig.Config, opts *runOptions) (runner.Spec, error) {
	registry, err := agentRegistry(cfg)
	if err != nil {
		return runner.Spec{}, err
	}
	agentName := schema.AgentName(strings.TrimSpace(opts.agent))
	if agentName == "" {
		agentName = registry.Names()[0]
	}
	profile, ok := registry.Lookup(agentName)
	if !ok {
		return runner.Spec{}, fmt.Errorf("%w: %s (known: %s)", schema.ErrUnknownAgent, agentName, strings.Join(registry.SortedNames(), ", "))
	}
	slug, err := repo.ParseRepoURL(opts.repoURL)
	if err != nil {
		return runner.Spec{}, err
	}
	cache, err := openCache(cmd.Context(), cfg)
	if err != nil {
		return runner.Spec{}, err
	}
	choice, err := resolveBlueprint(cache, cfg, opts.blueprintID, opts.blueprintName)
	if err != nil {
		return runner.Spec{}, err
	}
	model := schema.ModelID(strings.TrimSpace(opts.model))
	if model == "" {
		model = schema.ModelID(cfg.Models.Accepted)
	}
	return runner.Spec{
		Agent:         profile,
		Repo:          slug,
		RepoURL:       strings.TrimSpace(opts.repoURL),
		Model:         model,
		DevboxName:    opts.devboxName,
		BlueprintID:   choice.ID,
		BlueprintName: choice.Name,
		RepoPath:      opts.repoPath,
		BranchName:    opts.branchName,
		NoDryRun:      opts.noDryRun,
		Quiet:         opts.quiet,
		Policy:        shutdownPolicy(cfg, opts.keep),
	}, nil
}

// terminalObserver writes agent stdout verbatim and logs status lines.
func terminalObserver(out io.Writer, logger pslog.Logger) runner.Observer {
	return runner.ObserverFuncs{
		OnStatus: func(message string) { logger.Info(message) },
		OnChunk:  func(data string) { _, _ = io.WriteString(out, data) },
	}
}
