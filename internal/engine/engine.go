// Package engine runs local devboxes as containers and builds local blueprints as images.
package engine

import (
	"context"
	"io"
	"time"
)

// LabelManaged marks containers created by depsrelay.
const LabelManaged = "depsrelay.managed"

// Runtime manages devbox containers.
type Runtime interface {
	EnsureImage(ctx context.Context, image string) error
	EnsureRunning(ctx context.Context, spec BoxSpec) (Handle, error)
	Exec(ctx context.Context, handle Handle, spec ExecSpec) (ExecResult, error)
	Stop(ctx context.Context, handle Handle) error
	Remove(ctx context.Context, handle Handle) error
	Prune(ctx context.Context, spec PruneSpec) (int, error)
	Close() error
}

// Builder builds blueprint images. events may be nil.
type Builder interface {
	Build(ctx context.Context, spec BuildSpec, events chan<- BuildEvent) (BuildResult, error)
}

// Handle represents a running container.
type Handle interface {
	Name() string
	ID() string
}

// Ref is a plain Handle.
type Ref struct {
	BoxName string
	BoxID   string
}

// Name returns the container name.
func (r Ref) Name() string { return r.BoxName }

// ID returns the runtime id, or the name when the id is not known. Runtimes
// address containers by either.
func (r Ref) ID() string {
	if r.BoxID != "" {
		return r.BoxID
	}
	return r.BoxName
}

// BoxSpec describes a devbox container.
type BoxSpec struct {
	Name       string
	Image      string
	Env        map[string]string
	Labels     map[string]string
	Command    []string
	WorkingDir string
}

// ExecSpec describes a command execution inside a running container.
type ExecSpec struct {
	Command    []string
	Env        map[string]string
	WorkingDir string
	Stdout     io.Writer
	Stderr     io.Writer
	Timeout    time.Duration
}

// ExecResult captures exec completion metadata.
type ExecResult struct {
	ExitCode int
	Started  time.Time
	Finished time.Time
}

// PruneSpec selects managed containers to remove.
type PruneSpec struct {
	Labels map[string]string
	MinAge time.Duration
}

// BuildSpec describes a blueprint image build from an in-memory Containerfile.
type BuildSpec struct {
	Containerfile []byte
	Files         map[string][]byte
	Tags          []string
	BuildArgs     map[string]string
	Timeout       time.Duration
}

// BuildResult captures build output metadata.
type BuildResult struct {
	ImageNames []string
}

// BuildEventKind categorizes build progress updates.
type BuildEventKind string

const (
	// BuildEventStep marks a build step start.
	BuildEventStep BuildEventKind = "step"
	// BuildEventLog carries build output.
	BuildEventLog BuildEventKind = "log"
	// BuildEventWarning carries a builder warning.
	BuildEventWarning BuildEventKind = "warning"
)

// BuildEvent reports a build progress update.
type BuildEvent struct {
	Kind      BuildEventKind
	Name      string
	Message   string
	Timestamp time.Time
	Error     string
}

// SendBuildEvent delivers an event without blocking the build.
func SendBuildEvent(ctx context.Context, events chan<- BuildEvent, event BuildEvent) {
	if events == nil {
		return
	}
	select {
	case <-ctx.Done():
	case events <- event:
	default:
	}
}

// MergeLabels overlays extra onto base, extra winning.
func MergeLabels(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// EnvSlice renders an env map as KEY=VALUE entries.
func EnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// WithTimeout applies timeout when it is positive.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
