package logx

import (
	"context"

	"pkt.systems/depsrelay/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	runKey contextKey = iota
	devboxKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithRun annotates the logger with the run id unless the context already carries it.
func WithRun(ctx context.Context, runID schema.SessionID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if runID != "" {
		if current, ok := ctx.Value(runKey).(schema.SessionID); ok && current == runID {
			return log
		}
		log = log.With("run", runID)
	}
	return log
}

// WithDevbox annotates the logger with a devbox id.
func WithDevbox(ctx context.Context, id schema.DevboxID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if id != "" {
		if current, ok := ctx.Value(devboxKey).(schema.DevboxID); ok && current == id {
			return log
		}
		log = log.With("devbox", id)
	}
	return log
}

// WithTarget annotates the logger with the agent and target repository.
func WithTarget(log pslog.Logger, agent schema.AgentName, repo schema.RepoSlug) pslog.Logger {
	if agent != "" {
		log = log.With("agent", agent)
	}
	if repo.Owner != "" && repo.Name != "" {
		log = log.With("repo", repo.String())
	}
	return log
}

// ContextWithRunLogger attaches the logger and run marker to the context.
func ContextWithRunLogger(ctx context.Context, log pslog.Logger, runID schema.SessionID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey, runID)
}

// ContextWithDevboxLogger attaches the logger and devbox marker to the context.
func ContextWithDevboxLogger(ctx context.Context, log pslog.Logger, id schema.DevboxID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, devboxKey, id)
}

// Detach returns a background context carrying the logger and markers of
// src, for cleanup work that must outlive a cancelled request.
func Detach(src context.Context) context.Context {
	dst := pslog.ContextWithLogger(context.Background(), pslog.Ctx(src))
	if run, ok := src.Value(runKey).(schema.SessionID); ok && run != "" {
		dst = context.WithValue(dst, runKey, run)
	}
	if id, ok := src.Value(devboxKey).(schema.DevboxID); ok && id != "" {
		dst = context.WithValue(dst, devboxKey, id)
	}
	return dst
}
