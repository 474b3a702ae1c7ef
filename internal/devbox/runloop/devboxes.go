package runloop

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"pkt.systems/depsrelay/internal/devbox"
	"pkt.systems/depsrelay/schema"
	"pkt.systems/pslog"
)

// Name identifies the provider in logs.
func (c *Client) Name() string { return "runloop" }

// CreateAndAwaitRunning provisions a devbox with the repository mounted and
// polls until it is running.
func (c *Client) CreateAndAwaitRunning(ctx context.Context, req devbox.CreateRequest) (schema.Devbox, error) {
	if req.BlueprintID == "" && req.BlueprintName == "" {
		return schema.Devbox{}, schema.ErrBlueprintRequired
	}
	body := createDevboxRequest{
		Name:     req.Name,
		Metadata: req.Labels,
	}
	if req.Repo.Owner != "" && req.Repo.Name != "" {
		body.CodeMounts = []codeMount{{RepoOwner: req.Repo.Owner, RepoName: req.Repo.Name}}
	}
	// A name wins over an id, matching how blueprints are addressed by humans.
	if req.BlueprintName != "" {
		body.BlueprintName = req.BlueprintName
	} else {
		body.BlueprintID = string(req.BlueprintID)
	}
	log := pslog.Ctx(ctx).With("devbox_name", req.Name)
	var view devboxView
	if err := c.doJSON(ctx, http.MethodPost, "/v1/devboxes", nil, body, &view); err != nil {
		return schema.Devbox{}, fmt.Errorf("create devbox: %w", err)
	}
	log.Info("runloop devbox created", "devbox", view.ID, "status", view.Status)
	box, err := c.AwaitRunning(ctx, schema.DevboxID(view.ID))
	if err != nil {
		return schema.Devbox{ID: schema.DevboxID(view.ID), Name: view.Name, Status: schema.DevboxStatus(view.Status)}, err
	}
	return box, nil
}

// AwaitRunning polls a devbox until it is running or has failed.
func (c *Client) AwaitRunning(ctx context.Context, id schema.DevboxID) (schema.Devbox, error) {
	var box schema.Devbox
	err := c.poll(ctx, "devbox "+string(id), func(ctx context.Context) (bool, error) {
		view, err := c.GetDevbox(ctx, id)
		if err != nil {
			return false, err
		}
		box = view
		switch view.Status {
		case schema.DevboxRunning:
			return true, nil
		case schema.DevboxFailure, schema.DevboxShutdown:
			if view.FailureReason != "" {
				return false, fmt.Errorf("%w: devbox %s is %s: %s", schema.ErrDevboxFailed, id, view.Status, view.FailureReason)
			}
			return false, fmt.Errorf("%w: devbox %s is %s", schema.ErrDevboxFailed, id, view.Status)
		}
		return false, nil
	})
	return box, err
}

// GetDevbox fetches the current devbox state.
func (c *Client) GetDevbox(ctx context.Context, id schema.DevboxID) (schema.Devbox, error) {
	var view devboxView
	if err := c.doJSON(ctx, http.MethodGet, "/v1/devboxes/"+url.PathEscape(string(id)), nil, nil, &view); err != nil {
		if IsNotFound(err) {
			return schema.Devbox{}, fmt.Errorf("%w: %s", schema.ErrDevboxNotFound, id)
		}
		return schema.Devbox{}, err
	}
	return schema.Devbox{
		ID:            schema.DevboxID(view.ID),
		Name:          view.Name,
		Status:        schema.DevboxStatus(view.Status),
		FailureReason: view.FailureReason,
	}, nil
}

// ExecuteAsync starts a shell command and returns without waiting for it.
func (c *Client) ExecuteAsync(ctx context.Context, id schema.DevboxID, command string) (devbox.Execution, error) {
	var view executionView
	endpoint := "/v1/devboxes/" + url.PathEscape(string(id)) + "/execute_async"
	if err := c.doJSON(ctx, http.MethodPost, endpoint, nil, executeRequest{Command: command}, &view); err != nil {
		return devbox.Execution{}, fmt.Errorf("execute command: %w", err)
	}
	if view.ExecutionID == "" {
		return devbox.Execution{}, errors.New("runloop did not return an execution id")
	}
	pslog.Ctx(ctx).Info("runloop execution started", "devbox", id, "execution", view.ExecutionID, "status", view.Status)
	return devbox.Execution{ID: schema.ExecutionID(view.ExecutionID), DevboxID: id, Command: command}, nil
}

// AwaitCompletion polls an execution until it has completed.
func (c *Client) AwaitCompletion(ctx context.Context, exec devbox.Execution) (schema.ExecutionResult, error) {
	endpoint := "/v1/devboxes/" + url.PathEscape(string(exec.DevboxID)) + "/executions/" + url.PathEscape(string(exec.ID))
	var result schema.ExecutionResult
	err := c.poll(ctx, "execution "+string(exec.ID), func(ctx context.Context) (bool, error) {
		var view executionView
		if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, nil, &view); err != nil {
			if IsNotFound(err) {
				return false, fmt.Errorf("%w: %s", schema.ErrExecutionNotFound, exec.ID)
			}
			return false, err
		}
		if view.Status != execCompleted {
			return false, nil
		}
		result = schema.ExecutionResult{ID: exec.ID, Stdout: view.Stdout, Finished: time.Now()}
		if view.ExitStatus != nil {
			result.ExitStatus = *view.ExitStatus
		} else {
			result.ExitStatus = -1
		}
		return true, nil
	})
	return result, err
}

// Shutdown shuts a devbox down. An unknown devbox is reported as ErrDevboxNotFound.
func (c *Client) Shutdown(ctx context.Context, id schema.DevboxID) error {
	endpoint := "/v1/devboxes/" + url.PathEscape(string(id)) + "/shutdown"
	if err := c.doJSON(ctx, http.MethodPost, endpoint, nil, struct{}{}, nil); err != nil {
		if IsNotFound(err) {
			return fmt.Errorf("%w: %s", schema.ErrDevboxNotFound, id)
		}
		return fmt.Errorf("shutdown devbox: %w", err)
	}
	pslog.Ctx(ctx).Info("runloop devbox shutdown", "devbox", id)
	return nil
}

// Factory returns a devbox.Factory that reads the API key from envName on every call.
func Factory(cfg Config, envName string) devbox.Factory {
	return func(context.Context) (devbox.Provider, error) {
		key, err := devbox.Credential(envName)
		if err != nil {
			return nil, err
		}
		cfg := cfg
		cfg.APIKey = key
		client, err := New(cfg)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}
