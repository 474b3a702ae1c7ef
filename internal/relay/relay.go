// Package relay validates run requests and streams a run to the caller as
// newline-delimited JSON events.
package relay

import (
	"context"
	"io"

	"pkt.systems/depsrelay/internal/devbox"
	"pkt.systems/depsrelay/internal/logx"
	"pkt.systems/depsrelay/internal/runner"
	"pkt.systems/depsrelay/schema"
)

// ContentType is the media type of relay streams.
const ContentType = "application/x-ndjson"

// Config carries the server-side run settings that requests do not choose.
type Config struct {
	Runner        runner.Config
	BlueprintID   schema.BlueprintID
	BlueprintName string
	Policy        schema.ShutdownPolicy
	Labels        map[string]string
}

// Relay streams runs.
type Relay struct {
	cfg Config
}

// New returns a relay.
func New(cfg Config) *Relay {
	return &Relay{cfg: cfg}
}

// Stream runs req on provider and writes its events to w. The stream always
// ends with exactly one done event, preceded by one error event when the run
// failed. Client disconnects stop the writes but not the run.
func (r *Relay) Stream(ctx context.Context, w io.Writer, provider devbox.Provider, req Request) error {
	log := logx.WithTarget(logx.Ctx(ctx), req.Agent.Name, req.Repo)
	em := NewEmitter(w, log)
	defer em.Done()

	runCtx := context.WithoutCancel(logx.ContextWithRunLogger(ctx, log, ""))
	spec := runner.Spec{
		Agent:         req.Agent,
		Repo:          req.Repo,
		RepoURL:       req.RepoURL,
		Model:         req.Model,
		BlueprintID:   r.cfg.BlueprintID,
		BlueprintName: r.cfg.BlueprintName,
		Labels:        r.cfg.Labels,
		Policy:        r.cfg.Policy,
	}
	_, err := runner.New(provider, r.cfg.Runner).Run(runCtx, spec, em)
	if err != nil {
		log.Warn("run failed", "err", err)
		em.Error(err.Error())
		return err
	}
	if em.Broken() {
		log.Info("run finished after client disconnected")
	}
	return nil
}
