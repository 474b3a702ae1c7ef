// Package podman runs devbox containers and builds blueprint images through
// the Podman REST API.
package podman

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/depsrelay/internal/engine"
	"pkt.systems/pslog"
)

// Config configures the Podman runtime.
type Config struct {
	Address     string
	PullTimeout time.Duration
}

// Runtime implements engine.Runtime on Podman.
type Runtime struct {
	client      *apiClient
	pullTimeout time.Duration
}

// New connects to the first reachable Podman socket.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "podman")
	cl, err := dial(ctx, cfg.Address)
	if err != nil {
		log.Warn("podman runtime unavailable", "err", err)
		return nil, err
	}
	timeout := cfg.PullTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	log.Info("podman runtime ready", "address", cl.address)
	return &Runtime{client: cl, pullTimeout: timeout}, nil
}

// Close releases resources held by the runtime.
func (r *Runtime) Close() error { return nil }

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "podman")
}

// EnsureImage pulls the image when it is not present locally.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	image = strings.TrimSpace(image)
	if image == "" {
		return errors.New("image is required")
	}
	log := r.logger(ctx).With("image", image)
	res, err := r.client.do(ctx, http.MethodGet, "/libpod/images/"+escapeImagePath(image)+"/exists", nil, nil, "")
	if err != nil {
		return err
	}
	_ = res.Body.Close()
	switch {
	case res.StatusCode < 300:
		log.Debug("podman image present")
		return nil
	case res.StatusCode != http.StatusNotFound:
		return &APIError{Status: res.StatusCode, Message: res.Status}
	}
	log.Info("podman image pull start")
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	query := url.Values{}
	query.Set("reference", image)
	query.Set("quiet", "true")
	res, err = r.client.do(pullCtx, http.MethodPost, "/libpod/images/pull", query, nil, "")
	if err != nil {
		log.Warn("podman image pull failed", "err", err)
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		err := readAPIError(res)
		log.Warn("podman image pull failed", "err", err)
		return err
	}
	_, _ = io.Copy(io.Discard, res.Body)
	log.Info("podman image pull ok")
	return nil
}

// EnsureRunning creates the container if needed and starts it.
func (r *Runtime) EnsureRunning(ctx context.Context, spec engine.BoxSpec) (engine.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("container name is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return nil, errors.New("container image is required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	inspect, exists, err := r.inspect(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	if !exists {
		id, err := r.create(ctx, spec)
		if err != nil {
			log.Warn("podman create failed", "err", err)
			return nil, err
		}
		inspect.ID = id
		log.Info("podman container created", "id", id)
	}
	if !inspect.State.Running {
		res, err := r.client.do(ctx, http.MethodPost, "/containers/"+url.PathEscape(inspect.ID)+"/start", nil, nil, "")
		if err != nil {
			return nil, err
		}
		_ = res.Body.Close()
		if res.StatusCode >= 300 && res.StatusCode != http.StatusNotModified {
			return nil, &APIError{Status: res.StatusCode, Message: "start " + spec.Name}
		}
	}
	log.Info("podman container running", "id", inspect.ID)
	return engine.Ref{BoxName: spec.Name, BoxID: inspect.ID}, nil
}

// Exec runs a command and copies its demultiplexed output to spec.Stdout and spec.Stderr.
func (r *Runtime) Exec(ctx context.Context, handle engine.Handle, spec engine.ExecSpec) (engine.ExecResult, error) {
	if handle == nil {
		return engine.ExecResult{}, errors.New("container handle is required")
	}
	if len(spec.Command) == 0 {
		return engine.ExecResult{}, errors.New("exec command is required")
	}
	log := r.logger(ctx).With("container", handle.Name())
	ctx, cancel := engine.WithTimeout(ctx, spec.Timeout)
	defer cancel()
	started := time.Now()

	create := map[string]any{
		"AttachStdout": true,
		"AttachStderr": true,
		"Cmd":          spec.Command,
		"Tty":          false,
	}
	if spec.WorkingDir != "" {
		create["WorkingDir"] = spec.WorkingDir
	}
	if env := engine.EnvSlice(spec.Env); len(env) > 0 {
		create["Env"] = env
	}
	var created execCreateResponse
	if err := r.postJSON(ctx, "/containers/"+url.PathEscape(handle.ID())+"/exec", create, &created); err != nil {
		log.Warn("podman exec create failed", "err", err)
		return engine.ExecResult{}, err
	}
	if created.ID == "" {
		return engine.ExecResult{}, errors.New("podman exec did not return id")
	}

	payload, _ := json.Marshal(map[string]any{"Detach": false, "Tty": false})
	res, err := r.client.do(ctx, http.MethodPost, "/exec/"+url.PathEscape(created.ID)+"/start", nil, bytes.NewReader(payload), "application/json")
	if err != nil {
		return engine.ExecResult{}, err
	}
	if res.StatusCode >= 300 {
		err := readAPIError(res)
		_ = res.Body.Close()
		return engine.ExecResult{}, err
	}
	copyErr := demux(res.Body, spec.Stdout, spec.Stderr)
	_ = res.Body.Close()
	if copyErr != nil {
		log.Warn("podman exec stream failed", "err", copyErr)
		return engine.ExecResult{}, copyErr
	}

	var inspect execInspect
	if err := r.getJSON(ctx, "/exec/"+url.PathEscape(created.ID)+"/json", &inspect); err != nil {
		return engine.ExecResult{}, err
	}
	if inspect.Running {
		return engine.ExecResult{}, errors.New("exec still running after stream closed")
	}
	finished := time.Now()
	log.Info("podman exec finished", "exit_code", inspect.ExitCode, "duration_ms", finished.Sub(started).Milliseconds())
	return engine.ExecResult{ExitCode: inspect.ExitCode, Started: started, Finished: finished}, nil
}

// Stop stops a container; missing containers are not an error.
func (r *Runtime) Stop(ctx context.Context, handle engine.Handle) error {
	if handle == nil {
		return nil
	}
	query := url.Values{}
	query.Set("timeout", "10")
	res, err := r.client.do(ctx, http.MethodPost, "/containers/"+url.PathEscape(handle.ID())+"/stop", query, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotModified || res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	r.logger(ctx).Info("podman container stopped", "container", handle.Name())
	return nil
}

// Remove force-removes a container; missing containers are not an error.
func (r *Runtime) Remove(ctx context.Context, handle engine.Handle) error {
	if handle == nil {
		return nil
	}
	query := url.Values{}
	query.Set("force", "true")
	res, err := r.client.do(ctx, http.MethodDelete, "/containers/"+url.PathEscape(handle.ID()), query, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	r.logger(ctx).Info("podman container removed", "container", handle.Name())
	return nil
}

// Prune removes managed containers matching the spec.
func (r *Runtime) Prune(ctx context.Context, spec engine.PruneSpec) (int, error) {
	labels := []string{engine.LabelManaged + "=true"}
	for k, v := range spec.Labels {
		if strings.TrimSpace(k) != "" {
			labels = append(labels, k+"="+v)
		}
	}
	filters, err := json.Marshal(map[string][]string{"label": labels})
	if err != nil {
		return 0, err
	}
	query := url.Values{}
	query.Set("all", "1")
	query.Set("filters", string(filters))
	res, err := r.client.do(ctx, http.MethodGet, "/containers/json", query, nil, "")
	if err != nil {
		return 0, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return 0, readAPIError(res)
	}
	var list []containerListItem
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-spec.MinAge)
	removed := 0
	for _, item := range list {
		if spec.MinAge > 0 && time.Unix(item.Created, 0).After(cutoff) {
			continue
		}
		name := item.ID
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}
		ref := engine.Ref{BoxName: name, BoxID: item.ID}
		_ = r.Stop(ctx, ref)
		if err := r.Remove(ctx, ref); err != nil {
			return removed, err
		}
		removed++
	}
	r.logger(ctx).Info("podman prune ok", "removed", removed)
	return removed, nil
}

func (r *Runtime) inspect(ctx context.Context, name string) (inspectContainer, bool, error) {
	res, err := r.client.do(ctx, http.MethodGet, "/containers/"+url.PathEscape(name)+"/json", nil, nil, "")
	if err != nil {
		return inspectContainer{}, false, err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotFound {
		return inspectContainer{}, false, nil
	}
	if res.StatusCode >= 300 {
		return inspectContainer{}, false, readAPIError(res)
	}
	var out inspectContainer
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return inspectContainer{}, false, err
	}
	return out, true, nil
}

func (r *Runtime) create(ctx context.Context, spec engine.BoxSpec) (string, error) {
	req := map[string]any{
		"Image":      spec.Image,
		"Cmd":        spec.Command,
		"WorkingDir": spec.WorkingDir,
		"Labels":     engine.MergeLabels(spec.Labels, map[string]string{engine.LabelManaged: "true"}),
	}
	if env := engine.EnvSlice(spec.Env); len(env) > 0 {
		req["Env"] = env
	}
	query := url.Values{}
	query.Set("name", spec.Name)
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	res, err := r.client.do(ctx, http.MethodPost, "/containers/create", query, bytes.NewReader(payload), "application/json")
	if err != nil {
		return "", err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return "", readAPIError(res)
	}
	var created createResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errors.New("podman create did not return container id")
	}
	return created.ID, nil
}

func (r *Runtime) postJSON(ctx context.Context, endpoint string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	res, err := r.client.do(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(payload), "application/json")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (r *Runtime) getJSON(ctx context.Context, endpoint string, out any) error {
	res, err := r.client.do(ctx, http.MethodGet, endpoint, nil, nil, "")
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// demux splits a multiplexed attach stream into stdout and stderr.
func demux(r io.Reader, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		dst := stdout
		if header[0] == 2 {
			dst = stderr
		}
		if _, err := io.CopyN(dst, r, int64(size)); err != nil {
			return fmt.Errorf("copy exec output: %w", err)
		}
	}
}
