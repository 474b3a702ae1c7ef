package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/depsrelay/internal/repo"
	"pkt.systems/depsrelay/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_url", cfg.HTTP.BaseURL)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.max_body_bytes", cfg.HTTP.MaxBodyBytes)
	v.SetDefault("devbox.provider", cfg.Devbox.Provider)
	v.SetDefault("devbox.shutdown_policy", cfg.Devbox.ShutdownPolicy)
	v.SetDefault("devbox.name_prefix", cfg.Devbox.NamePrefix)
	v.SetDefault("devbox.repo_root", cfg.Devbox.RepoRoot)
	v.SetDefault("devbox.api_key_env", cfg.Devbox.APIKeyEnv)
	v.SetDefault("runloop.base_url", cfg.Runloop.BaseURL)
	v.SetDefault("runloop.poll_interval_ms", cfg.Runloop.PollIntervalMS)
	v.SetDefault("runloop.timeout_minutes", cfg.Runloop.TimeoutMinutes)
	v.SetDefault("blueprint.id", cfg.Blueprint.ID)
	v.SetDefault("blueprint.name", cfg.Blueprint.Name)
	v.SetDefault("blueprint.cache_file", cfg.Blueprint.CacheFile)
	v.SetDefault("blueprint.agent_repo", cfg.Blueprint.AgentRepo)
	v.SetDefault("blueprint.install_command", cfg.Blueprint.InstallCommand)
	v.SetDefault("blueprint.base_image", cfg.Blueprint.BaseImage)
	v.SetDefault("local.runtime", cfg.Local.Runtime)
	v.SetDefault("local.builder", cfg.Local.Builder)
	v.SetDefault("local.podman.address", cfg.Local.Podman.Address)
	v.SetDefault("local.containerd.address", cfg.Local.Containerd.Address)
	v.SetDefault("local.containerd.namespace", cfg.Local.Containerd.Namespace)
	v.SetDefault("local.buildkit.address", cfg.Local.BuildKit.Address)
	v.SetDefault("local.pull_timeout_minutes", cfg.Local.PullTimeoutMinutes)
	v.SetDefault("local.build_timeout_minutes", cfg.Local.BuildTimeout)
	v.SetDefault("local.exec_timeout_minutes", cfg.Local.ExecTimeoutMinutes)
	v.SetDefault("models.accepted", cfg.Models.Accepted)
	v.SetDefault("agents", cfg.Agents)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that Load cannot default away.
func Validate(cfg Config) error {
	switch cfg.Devbox.Provider {
	case "runloop":
		if strings.TrimSpace(cfg.Devbox.APIKeyEnv) == "" {
			return fmt.Errorf("devbox.api_key_env is required for the runloop provider")
		}
	case "local":
		switch cfg.Local.Runtime {
		case "podman", "containerd":
		default:
			return fmt.Errorf("unsupported local.runtime %q", cfg.Local.Runtime)
		}
		switch cfg.Local.Builder {
		case "podman", "buildkit":
		default:
			return fmt.Errorf("unsupported local.builder %q", cfg.Local.Builder)
		}
	default:
		return fmt.Errorf("unsupported devbox.provider %q", cfg.Devbox.Provider)
	}
	if _, ok := schema.ParseShutdownPolicy(cfg.Devbox.ShutdownPolicy); !ok {
		return fmt.Errorf("devbox.shutdown_policy must be shutdown or keep, got %q", cfg.Devbox.ShutdownPolicy)
	}
	if strings.TrimSpace(cfg.Models.Accepted) == "" {
		return fmt.Errorf("models.accepted is required")
	}
	if len(cfg.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	if cfg.Blueprint.AgentRepo != "" {
		if _, err := repo.ParseSlug(cfg.Blueprint.AgentRepo); err != nil {
			return fmt.Errorf("blueprint.agent_repo: %w", err)
		}
	}
	return validateHTTPConfig(cfg.HTTP)
}

func validateHTTPConfig(cfg HTTPConfig) error {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("http.base_url must include scheme and host (e.g. https://example.com)")
		}
	}
	basePath := strings.TrimSpace(cfg.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Blueprint.CacheFile = expandEnv(cfg.Blueprint.CacheFile)
	cfg.Local.Podman.Address = expandEnv(cfg.Local.Podman.Address)
	cfg.Local.Containerd.Address = expandEnv(cfg.Local.Containerd.Address)
	cfg.Local.BuildKit.Address = expandEnv(cfg.Local.BuildKit.Address)
	cfg.Runloop.BaseURL = expandEnv(cfg.Runloop.BaseURL)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	if strings.HasPrefix(value, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			value = filepath.Join(home, value[2:])
		}
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
