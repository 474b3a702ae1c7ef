package runloop

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"pkt.systems/depsrelay/schema"
	"pkt.systems/pslog"
)

// BlueprintRequest describes a blueprint build.
type BlueprintRequest struct {
	Name          string
	SetupCommands []string
	Dockerfile    string
	Metadata      map[string]string
}

// Blueprint is a blueprint as reported by Runloop.
type Blueprint struct {
	ID            schema.BlueprintID
	Name          string
	Status        string
	FailureReason string
	CreatedAt     time.Time
	Metadata      map[string]string
}

// BlueprintLog is one line of build output.
type BlueprintLog struct {
	Level   string
	Message string
	Time    time.Time
}

// CreateBlueprint starts a blueprint build without waiting for it.
func (c *Client) CreateBlueprint(ctx context.Context, req BlueprintRequest) (Blueprint, error) {
	var view blueprintView
	body := createBlueprintRequest{
		Name:                req.Name,
		SystemSetupCommands: req.SetupCommands,
		Dockerfile:          req.Dockerfile,
		Metadata:            req.Metadata,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/blueprints", nil, body, &view); err != nil {
		return Blueprint{}, fmt.Errorf("create blueprint: %w", err)
	}
	pslog.Ctx(ctx).Info("runloop blueprint build queued", "blueprint", view.ID, "name", req.Name)
	return toBlueprint(view), nil
}

// GetBlueprint fetches the current blueprint state.
func (c *Client) GetBlueprint(ctx context.Context, id schema.BlueprintID) (Blueprint, error) {
	var view blueprintView
	if err := c.doJSON(ctx, http.MethodGet, "/v1/blueprints/"+url.PathEscape(string(id)), nil, nil, &view); err != nil {
		if IsNotFound(err) {
			return Blueprint{}, fmt.Errorf("%w: %s", schema.ErrBlueprintNotFound, id)
		}
		return Blueprint{}, err
	}
	return toBlueprint(view), nil
}

// ListBlueprints lists blueprints, optionally filtered by name.
func (c *Client) ListBlueprints(ctx context.Context, name string) ([]Blueprint, error) {
	var query url.Values
	if name != "" {
		query = url.Values{"name": []string{name}}
	}
	var list blueprintList
	if err := c.doJSON(ctx, http.MethodGet, "/v1/blueprints", query, nil, &list); err != nil {
		return nil, err
	}
	out := make([]Blueprint, 0, len(list.Blueprints))
	for _, view := range list.Blueprints {
		out = append(out, toBlueprint(view))
	}
	return out, nil
}

// BlueprintLogs returns the build log of a blueprint.
func (c *Client) BlueprintLogs(ctx context.Context, id schema.BlueprintID) ([]BlueprintLog, error) {
	var logs blueprintLogs
	if err := c.doJSON(ctx, http.MethodGet, "/v1/blueprints/"+url.PathEscape(string(id))+"/logs", nil, nil, &logs); err != nil {
		return nil, err
	}
	out := make([]BlueprintLog, 0, len(logs.Logs))
	for _, l := range logs.Logs {
		out = append(out, BlueprintLog{Level: l.Level, Message: l.Message, Time: time.UnixMilli(l.TimestampMs)})
	}
	return out, nil
}

// AwaitBuild polls a blueprint until its build completes or fails.
func (c *Client) AwaitBuild(ctx context.Context, id schema.BlueprintID) (Blueprint, error) {
	var bp Blueprint
	err := c.poll(ctx, "blueprint "+string(id), func(ctx context.Context) (bool, error) {
		current, err := c.GetBlueprint(ctx, id)
		if err != nil {
			return false, err
		}
		bp = current
		switch current.Status {
		case blueprintBuildComplete:
			return true, nil
		case blueprintFailed:
			reason := current.FailureReason
			if reason == "" {
				reason = "unknown reason"
			}
			return false, fmt.Errorf("%w: %s: %s", schema.ErrBlueprintFailed, id, reason)
		}
		return false, nil
	})
	return bp, err
}

// CreateBlueprintAndAwait starts a build and waits for it.
func (c *Client) CreateBlueprintAndAwait(ctx context.Context, req BlueprintRequest) (Blueprint, error) {
	bp, err := c.CreateBlueprint(ctx, req)
	if err != nil {
		return Blueprint{}, err
	}
	return c.AwaitBuild(ctx, bp.ID)
}

func toBlueprint(view blueprintView) Blueprint {
	bp := Blueprint{
		ID:            schema.BlueprintID(view.ID),
		Name:          view.Name,
		Status:        view.Status,
		FailureReason: view.FailureReason,
		Metadata:      view.Metadata,
	}
	if view.CreateTimeMs > 0 {
		bp.CreatedAt = time.UnixMilli(view.CreateTimeMs)
	}
	return bp
}
