// Package agentcmd builds the shell command that launches an agent inside a devbox.
package agentcmd

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/alessio/shellescape"

	"pkt.systems/depsrelay/schema"
)

const (
	// DefaultRepoRoot is where code mounts land inside a devbox.
	DefaultRepoRoot = "/home/user"
	// DepsAgent is the dependency update agent.
	DepsAgent schema.AgentName = "langchain-deps-agent"
	// LintAgent is the lint fixing agent.
	LintAgent schema.AgentName = "langchain-lint-agent"
)

// Profile describes how one agent program is invoked.
type Profile struct {
	Name        schema.AgentName
	Program     string
	Branch      string
	PassRepoURL bool
}

// Options are the per-run inputs to an agent command.
type Options struct {
	RepoPath   string
	RepoURL    string
	BranchName string
	Model      schema.ModelID
	NoDryRun   bool
	Quiet      bool
}

// DefaultProfiles returns the two agents shipped in the default blueprint.
func DefaultProfiles() []Profile {
	return []Profile{
		{Name: DepsAgent, Program: string(DepsAgent), Branch: "runloop/dependency-updates", PassRepoURL: true},
		{Name: LintAgent, Program: string(LintAgent), Branch: "runloop/lint-fixes"},
	}
}

// Registry is an ordered set of agent profiles.
type Registry struct {
	order    []schema.AgentName
	profiles map[schema.AgentName]Profile
}

// NewRegistry validates and indexes profiles.
func NewRegistry(profiles []Profile) (*Registry, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one agent is required")
	}
	reg := &Registry{profiles: make(map[schema.AgentName]Profile, len(profiles))}
	for _, p := range profiles {
		p.Name = schema.AgentName(strings.TrimSpace(string(p.Name)))
		if p.Name == "" {
			return nil, fmt.Errorf("agent name is required")
		}
		if _, ok := reg.profiles[p.Name]; ok {
			return nil, fmt.Errorf("duplicate agent %q", p.Name)
		}
		if strings.TrimSpace(p.Program) == "" {
			p.Program = string(p.Name)
		}
		if strings.TrimSpace(p.Branch) == "" {
			return nil, fmt.Errorf("agent %q: branch is required", p.Name)
		}
		reg.order = append(reg.order, p.Name)
		reg.profiles[p.Name] = p
	}
	return reg, nil
}

// Lookup returns the profile for name.
func (r *Registry) Lookup(name schema.AgentName) (Profile, bool) {
	p, ok := r.profiles[name]
	return p, ok
}

// Names returns agent names in configuration order.
func (r *Registry) Names() []schema.AgentName {
	return append([]schema.AgentName(nil), r.order...)
}

// SortedNames returns agent names sorted lexically.
func (r *Registry) SortedNames() []string {
	out := make([]string, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, string(name))
	}
	sort.Strings(out)
	return out
}

// RepoPath is the checkout location of a code mount.
func RepoPath(root string, slug schema.RepoSlug) string {
	if strings.TrimSpace(root) == "" {
		root = DefaultRepoRoot
	}
	return path.Join(root, slug.Name)
}

// Args returns the unquoted argument vector.
func Args(p Profile, opts Options) []string {
	args := []string{p.Program, "--repo-path", opts.RepoPath}
	if p.PassRepoURL && opts.RepoURL != "" {
		args = append(args, "--repo-url", opts.RepoURL)
	}
	branch := opts.BranchName
	if branch == "" {
		branch = p.Branch
	}
	args = append(args, "--branch-name", branch)
	if opts.NoDryRun {
		args = append(args, "--no-dry-run")
	}
	if opts.Model != "" {
		args = append(args, "--llm-model", string(opts.Model))
	}
	if opts.Quiet {
		args = append(args, "--quiet")
	}
	return args
}

// Command returns the argument vector as one POSIX shell command line with
// every argument quoted individually.
func Command(p Profile, opts Options) string {
	return Join(Args(p, opts))
}

// Quote quotes one shell word. Words made only of [A-Za-z0-9_@%+=:,./-]
// are returned as is; anything else is single-quoted.
func Quote(word string) string {
	return shellescape.Quote(word)
}

// Join quotes and joins words with single spaces.
func Join(words []string) string {
	return shellescape.QuoteCommand(words)
}
