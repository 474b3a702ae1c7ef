package repo

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"pkt.systems/depsrelay/schema"
)

var (
	segmentPattern = regexp.MustCompile(`^[\w.-]+$`)
	hostPattern    = regexp.MustCompile(`^[A-Za-z0-9.-]+(:[0-9]+)?$`)
)

// ParseRepoURL extracts host, owner and name from a repository URL. Accepted
// forms are http(s)://host/owner/name, ssh://[user@]host/owner/name,
// user@host:owner/name and host/owner/name, each with an optional .git suffix.
func ParseRepoURL(raw string) (schema.RepoSlug, error) {
	input := strings.TrimSpace(raw)
	if input == "" {
		return schema.RepoSlug{}, schema.ErrInvalidRepo
	}
	lower := strings.ToLower(input)

	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "ssh://") {
		parsed, err := url.Parse(input)
		if err != nil {
			return schema.RepoSlug{}, fmt.Errorf("%w: %v", schema.ErrInvalidRepo, err)
		}
		return slugFromParts(parsed.Host, parsed.Path)
	}

	if at := strings.Index(input, "@"); at != -1 && strings.Contains(input[at:], ":") {
		hostPart, pathPart, _ := strings.Cut(input[at+1:], ":")
		return slugFromParts(hostPart, pathPart)
	}

	host, rest, ok := strings.Cut(input, "/")
	if !ok || !strings.Contains(host, ".") {
		return schema.RepoSlug{}, schema.ErrInvalidRepo
	}
	return slugFromParts(host, rest)
}

// ParseSlug parses an owner/name pair, such as the agent repository of a blueprint.
func ParseSlug(raw string) (schema.RepoSlug, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(raw), "/")
	name = strings.TrimSuffix(name, ".git")
	if !ok || !validSegment(owner) || !validSegment(name) {
		return schema.RepoSlug{}, fmt.Errorf("%w: repo slug must be in the format owner/name", schema.ErrInvalidRepo)
	}
	return schema.RepoSlug{Host: "github.com", Owner: owner, Name: name}, nil
}

// CloneURL renders an https clone URL for the slug.
func CloneURL(slug schema.RepoSlug) string {
	host := slug.Host
	if host == "" {
		host = "github.com"
	}
	return fmt.Sprintf("https://%s/%s/%s.git", host, slug.Owner, slug.Name)
}

func slugFromParts(host, rawPath string) (schema.RepoSlug, error) {
	host = strings.TrimSpace(host)
	if host == "" || !hostPattern.MatchString(host) {
		return schema.RepoSlug{}, schema.ErrInvalidRepo
	}
	trimmed := strings.Trim(rawPath, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 {
		return schema.RepoSlug{}, schema.ErrInvalidRepo
	}
	owner := parts[0]
	name := strings.TrimSuffix(parts[1], ".git")
	if !validSegment(owner) || !validSegment(name) {
		return schema.RepoSlug{}, schema.ErrInvalidRepo
	}
	return schema.RepoSlug{Host: strings.ToLower(host), Owner: owner, Name: name}, nil
}

// validSegment rejects dot-only segments, which would escape the repo root
// once joined into a path.
func validSegment(seg string) bool {
	return segmentPattern.MatchString(seg) && strings.Trim(seg, ".") != ""
}
