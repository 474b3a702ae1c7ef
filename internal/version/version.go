// Package version reports the build version of depsrelay.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/depsrelay"

// buildVersion is set via -ldflags "-X pkt.systems/depsrelay/internal/version.buildVersion=...".
var buildVersion = ""

// Info is the version summary printed by the CLI and served on /healthz.
type Info struct {
	Module    string `json:"module"`
	Version   string `json:"version"`
	GoVersion string `json:"go"`
}

// Current returns the best available version string without a dirty suffix.
func Current() string {
	return resolve(readBuildInfo(), false)
}

// CurrentWithDirty keeps the +dirty suffix when the build tree was modified.
func CurrentWithDirty() string {
	return resolve(readBuildInfo(), true)
}

// Describe returns the full Info for this binary.
func Describe() Info {
	info := readBuildInfo()
	module := defaultModule
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			module = path
		}
	}
	return Info{Module: module, Version: resolve(info, true), GoVersion: runtime.Version()}
}

func readBuildInfo() *debug.BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	return info
}

func resolve(info *debug.BuildInfo, includeDirty bool) string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return trimDirty(v, includeDirty)
	}
	if info != nil {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return trimDirty(v, includeDirty)
		}
		if v := pseudoFromBuildInfo(info, includeDirty); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

func trimDirty(v string, includeDirty bool) string {
	if includeDirty {
		return v
	}
	return strings.TrimSuffix(v, "+dirty")
}

// pseudoFromBuildInfo builds a Go style pseudo version from VCS stamps.
func pseudoFromBuildInfo(info *debug.BuildInfo, includeDirty bool) string {
	if info == nil {
		return ""
	}
	var revision, vcsTime string
	var modified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			vcsTime = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if revision == "" || vcsTime == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
	if modified && includeDirty {
		ver += "+dirty"
	}
	return ver
}
