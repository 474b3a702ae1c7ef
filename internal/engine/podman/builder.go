package podman

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/depsrelay/internal/engine"
	"pkt.systems/pslog"
)

// Builder implements engine.Builder with the Podman build API.
type Builder struct {
	address string
}

// NewBuilder returns a builder that dials address, or the default sockets, per build.
func NewBuilder(cfg Config) *Builder {
	return &Builder{address: cfg.Address}
}

// Build sends an in-memory build context to Podman and relays its output as events.
func (b *Builder) Build(ctx context.Context, spec engine.BuildSpec, events chan<- engine.BuildEvent) (engine.BuildResult, error) {
	log := pslog.Ctx(ctx).With("builder", "podman")
	if len(spec.Tags) == 0 {
		return engine.BuildResult{}, errors.New("build tags are required")
	}
	if len(spec.Containerfile) == 0 {
		return engine.BuildResult{}, errors.New("containerfile is required")
	}
	cl, err := dial(ctx, b.address)
	if err != nil {
		log.Warn("podman build failed", "err", err)
		return engine.BuildResult{}, err
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tarball, err := engine.ContextTar(spec)
	if err != nil {
		return engine.BuildResult{}, err
	}
	query := url.Values{}
	query.Set("dockerfile", engine.ContainerfileName)
	for _, tag := range spec.Tags {
		query.Add("t", tag)
	}
	if len(spec.BuildArgs) > 0 {
		args, err := json.Marshal(spec.BuildArgs)
		if err != nil {
			return engine.BuildResult{}, err
		}
		query.Set("buildargs", string(args))
	}
	log.Info("podman build start", "tags", spec.Tags)
	res, err := cl.do(ctx, http.MethodPost, "/build", query, tarball, "application/x-tar")
	if err != nil {
		log.Warn("podman build failed", "err", err)
		return engine.BuildResult{}, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		err := readAPIError(res)
		log.Warn("podman build failed", "err", err)
		return engine.BuildResult{}, err
	}

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg buildMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			engine.SendBuildEvent(ctx, events, engine.BuildEvent{Kind: engine.BuildEventLog, Message: line, Timestamp: time.Now()})
			continue
		}
		if msg.Error != "" || msg.ErrorDetail.Message != "" {
			text := msg.Error
			if text == "" {
				text = msg.ErrorDetail.Message
			}
			log.Warn("podman build failed", "err", text)
			return engine.BuildResult{}, errors.New(text)
		}
		if text := strings.TrimSpace(msg.Stream); text != "" {
			kind := engine.BuildEventLog
			if strings.HasPrefix(text, "STEP ") {
				kind = engine.BuildEventStep
			}
			engine.SendBuildEvent(ctx, events, engine.BuildEvent{Kind: kind, Message: text, Timestamp: time.Now()})
		}
	}
	if err := scanner.Err(); err != nil {
		return engine.BuildResult{}, err
	}
	log.Info("podman build ok", "tags", spec.Tags)
	return engine.BuildResult{ImageNames: spec.Tags}, nil
}
