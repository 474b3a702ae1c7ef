// Package blueprint builds devbox images with the agent preinstalled and
// remembers what was built.
package blueprint

import (
	"fmt"
	"path"
	"strings"

	"pkt.systems/depsrelay/internal/agentcmd"
	"pkt.systems/depsrelay/internal/repo"
	"pkt.systems/depsrelay/schema"
)

// DefaultInstallCommand installs the agent checkout as a uv tool.
const DefaultInstallCommand = "uv tool install --force ."

// DefaultBaseImage is the base of locally built blueprints.
const DefaultBaseImage = "docker.io/library/python:3.12-slim"

// SourceRoot is where agent repositories are cloned inside a blueprint.
const SourceRoot = agentcmd.DefaultRepoRoot + "/src"

// AgentPath is the checkout location of agentRepo inside a blueprint.
func AgentPath(agentRepo schema.RepoSlug) string {
	return path.Join(SourceRoot, agentRepo.Name)
}

// RenderSetupScript renders the shell script that installs uv when missing,
// clones agentRepo and runs installCommand inside the checkout.
func RenderSetupScript(agentRepo schema.RepoSlug, installCommand string) string {
	if strings.TrimSpace(installCommand) == "" {
		installCommand = DefaultInstallCommand
	}
	target := AgentPath(agentRepo)
	lines := []string{
		"set -euo pipefail",
		`export PATH="$HOME/.local/bin:$PATH"`,
		"mkdir -p " + agentcmd.Quote(SourceRoot),
		"if ! command -v uv >/dev/null 2>&1; then",
		"    curl -LsSf https://astral.sh/uv/install.sh | sh",
		"fi",
		"rm -rf " + agentcmd.Quote(target),
		"git clone " + agentcmd.Quote(repo.CloneURL(agentRepo)) + " " + agentcmd.Quote(target),
		"cd " + agentcmd.Quote(target),
		installCommand,
	}
	return strings.Join(lines, "\n")
}

// Metadata is attached to built blueprints.
func Metadata(agentRepo schema.RepoSlug, installCommand string) map[string]string {
	if strings.TrimSpace(installCommand) == "" {
		installCommand = DefaultInstallCommand
	}
	return map[string]string{
		"agent_repo":      agentRepo.String(),
		"install_command": installCommand,
	}
}

// Containerfile renders a local image definition that runs the setup
// script on top of baseImage. The script is shipped as setup.sh.
func Containerfile(baseImage string) []byte {
	if strings.TrimSpace(baseImage) == "" {
		baseImage = DefaultBaseImage
	}
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", baseImage)
	b.WriteString("RUN apt-get update && apt-get install -y --no-install-recommends git curl ca-certificates && rm -rf /var/lib/apt/lists/*\n")
	b.WriteString("RUN useradd --create-home --home-dir /home/user --shell /bin/bash user\n")
	b.WriteString("COPY setup.sh /tmp/setup.sh\n")
	b.WriteString("USER user\n")
	b.WriteString("ENV HOME=/home/user PATH=/home/user/.local/bin:$PATH\n")
	b.WriteString("RUN bash /tmp/setup.sh\n")
	b.WriteString("WORKDIR /home/user\n")
	return []byte(b.String())
}
