package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/depsrelay/internal/agentcmd"
	"pkt.systems/depsrelay/internal/blueprint"
	"pkt.systems/depsrelay/internal/devbox/runloop"
	"pkt.systems/depsrelay/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	HTTP          HTTPConfig      `mapstructure:"http" yaml:"http"`
	Devbox        DevboxConfig    `mapstructure:"devbox" yaml:"devbox"`
	Runloop       RunloopConfig   `mapstructure:"runloop" yaml:"runloop"`
	Blueprint     BlueprintConfig `mapstructure:"blueprint" yaml:"blueprint"`
	Local         LocalConfig     `mapstructure:"local" yaml:"local"`
	Models        ModelsConfig    `mapstructure:"models" yaml:"models"`
	Agents        []AgentConfig   `mapstructure:"agents" yaml:"agents"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr         string `mapstructure:"addr" yaml:"addr"`
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	BasePath     string `mapstructure:"base_path" yaml:"base_path"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// DevboxConfig selects the devbox provider and run cleanup behavior.
type DevboxConfig struct {
	Provider       string `mapstructure:"provider" yaml:"provider"`
	ShutdownPolicy string `mapstructure:"shutdown_policy" yaml:"shutdown_policy"`
	NamePrefix     string `mapstructure:"name_prefix" yaml:"name_prefix"`
	RepoRoot       string `mapstructure:"repo_root" yaml:"repo_root"`
	APIKeyEnv      string `mapstructure:"api_key_env" yaml:"api_key_env"`
}

// RunloopConfig configures the Runloop API client.
type RunloopConfig struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	PollIntervalMS int    `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	TimeoutMinutes int    `mapstructure:"timeout_minutes" yaml:"timeout_minutes"`
}

// BlueprintConfig selects the blueprint for runs and describes builds.
type BlueprintConfig struct {
	ID             string `mapstructure:"id" yaml:"id"`
	Name           string `mapstructure:"name" yaml:"name"`
	CacheFile      string `mapstructure:"cache_file" yaml:"cache_file"`
	AgentRepo      string `mapstructure:"agent_repo" yaml:"agent_repo"`
	InstallCommand string `mapstructure:"install_command" yaml:"install_command"`
	BaseImage      string `mapstructure:"base_image" yaml:"base_image"`
}

// LocalConfig configures the local container engine.
type LocalConfig struct {
	Runtime            string           `mapstructure:"runtime" yaml:"runtime"`
	Builder            string           `mapstructure:"builder" yaml:"builder"`
	Podman             PodmanConfig     `mapstructure:"podman" yaml:"podman"`
	Containerd         ContainerdConfig `mapstructure:"containerd" yaml:"containerd"`
	BuildKit           BuildKitConfig   `mapstructure:"buildkit" yaml:"buildkit"`
	PullTimeoutMinutes int              `mapstructure:"pull_timeout_minutes" yaml:"pull_timeout_minutes"`
	BuildTimeout       int              `mapstructure:"build_timeout_minutes" yaml:"build_timeout_minutes"`
	ExecTimeoutMinutes int              `mapstructure:"exec_timeout_minutes" yaml:"exec_timeout_minutes"`
}

// PodmanConfig configures the podman endpoint.
type PodmanConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// ContainerdConfig configures the containerd endpoint.
type ContainerdConfig struct {
	Address   string `mapstructure:"address" yaml:"address"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// BuildKitConfig configures the BuildKit endpoint.
type BuildKitConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// ModelsConfig controls the model the relay accepts.
type ModelsConfig struct {
	Accepted string `mapstructure:"accepted" yaml:"accepted"`
}

// AgentConfig describes one runnable agent.
type AgentConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Program     string `mapstructure:"program" yaml:"program"`
	Branch      string `mapstructure:"branch" yaml:"branch"`
	PassRepoURL bool   `mapstructure:"pass_repo_url" yaml:"pass_repo_url"`
}

// DefaultModel is the only model accepted out of the box.
const DefaultModel = "gpt-5-mini"

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join("/run", "user", fmt.Sprintf("%d", os.Getuid()))
	}
	agents := make([]AgentConfig, 0, 2)
	for _, p := range agentcmd.DefaultProfiles() {
		agents = append(agents, AgentConfig{Name: string(p.Name), Program: p.Program, Branch: p.Branch, PassRepoURL: p.PassRepoURL})
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		HTTP: HTTPConfig{
			Addr:         ":8000",
			MaxBodyBytes: 64 * 1024,
		},
		Devbox: DevboxConfig{
			Provider:       "runloop",
			ShutdownPolicy: "shutdown",
			NamePrefix:     "deps-agent",
			RepoRoot:       agentcmd.DefaultRepoRoot,
			APIKeyEnv:      "RUNLOOP_API_KEY",
		},
		Runloop: RunloopConfig{
			BaseURL:        runloop.DefaultBaseURL,
			PollIntervalMS: 2000,
			TimeoutMinutes: 30,
		},
		Blueprint: BlueprintConfig{
			CacheFile:      filepath.Join(home, ".cache", "depsrelay", "blueprints.json"),
			InstallCommand: blueprint.DefaultInstallCommand,
			BaseImage:      blueprint.DefaultBaseImage,
		},
		Local: LocalConfig{
			Runtime: "podman",
			Builder: "podman",
			Podman: PodmanConfig{
				Address: fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "podman", "podman.sock")),
			},
			Containerd: ContainerdConfig{
				Address:   fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "containerd", "containerd.sock")),
				Namespace: "depsrelay",
			},
			PullTimeoutMinutes: 5,
			BuildTimeout:       20,
			ExecTimeoutMinutes: 60,
		},
		Models: ModelsConfig{Accepted: DefaultModel},
		Agents: agents,
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".depsrelay", "config.yaml"), nil
}

// AgentProfiles converts the configured agents.
func (c Config) AgentProfiles() []agentcmd.Profile {
	out := make([]agentcmd.Profile, 0, len(c.Agents))
	for _, a := range c.Agents {
		out = append(out, agentcmd.Profile{Name: schema.AgentName(a.Name), Program: a.Program, Branch: a.Branch, PassRepoURL: a.PassRepoURL})
	}
	return out
}
