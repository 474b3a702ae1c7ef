// Package containerd runs devbox containers on containerd.
package containerd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	transferimage "github.com/containerd/containerd/v2/core/transfer/image"
	"github.com/containerd/containerd/v2/core/transfer/registry"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"pkt.systems/depsrelay/internal/engine"
	"pkt.systems/pslog"
)

const defaultNamespace = "depsrelay"

// Config configures the containerd runtime.
type Config struct {
	Address     string
	Namespace   string
	Platform    string
	PullTimeout time.Duration
}

// Runtime implements engine.Runtime on containerd.
type Runtime struct {
	client      *containerd.Client
	namespace   string
	platform    ocispec.Platform
	pullTimeout time.Duration
}

// New connects to the first reachable containerd socket.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := pslog.Ctx(ctx).With("runtime", "containerd")
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = defaultNamespace
	}
	timeout := cfg.PullTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	platform := platforms.DefaultSpec()
	if value := strings.TrimSpace(cfg.Platform); value != "" {
		parsed, err := platforms.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("containerd platform %q: %w", value, err)
		}
		platform = platforms.Normalize(parsed)
	}
	var lastErr error
	for _, addr := range CandidateAddresses(cfg.Address) {
		client, err := containerd.New(addr, containerd.WithDefaultNamespace(namespace))
		if err != nil {
			log.Debug("containerd connect failed", "address", addr, "err", err)
			lastErr = err
			continue
		}
		log.Info("containerd runtime ready", "address", addr, "namespace", namespace, "platform", platforms.Format(platform))
		return &Runtime{client: client, namespace: namespace, platform: platform, pullTimeout: timeout}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("containerd address not configured")
	}
	log.Warn("containerd runtime unavailable", "err", lastErr)
	return nil, lastErr
}

// Close releases the containerd client.
func (r *Runtime) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Runtime) logger(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx).With("runtime", "containerd")
}

func (r *Runtime) ns(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// EnsureImage pulls and unpacks the image when it is not present.
func (r *Runtime) EnsureImage(ctx context.Context, image string) error {
	_, err := r.ensureImage(ctx, image)
	return err
}

func (r *Runtime) ensureImage(ctx context.Context, image string) (containerd.Image, error) {
	if strings.TrimSpace(image) == "" {
		return nil, errors.New("image is required")
	}
	log := r.logger(ctx).With("image", image)
	ctx = r.ns(ctx)
	img, err := r.client.GetImage(ctx, image)
	if err == nil {
		return img, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}
	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	rootless := os.Geteuid() != 0
	log.Info("containerd image pull start", "rootless", rootless)
	if pulled, err := r.pullWithTransfer(pullCtx, image, !rootless); err == nil {
		log.Info("containerd image pull ok", "method", "transfer")
		return pulled, nil
	} else if rootless {
		log.Warn("containerd transfer pull failed", "err", err)
		return nil, fmt.Errorf("transfer pull failed: %w", err)
	}
	img, err = r.client.Pull(pullCtx, image, containerd.WithPullUnpack, containerd.WithPlatformMatcher(platforms.Only(r.platform)))
	if err != nil {
		log.Warn("containerd image pull failed", "err", err)
		return nil, err
	}
	log.Info("containerd image pull ok", "method", "pull")
	return img, nil
}

func (r *Runtime) pullWithTransfer(ctx context.Context, image string, unpack bool) (containerd.Image, error) {
	var opts []transferimage.StoreOpt
	if unpack {
		opts = append(opts, transferimage.WithPlatforms(r.platform), transferimage.WithUnpack(r.platform, ""))
	}
	store := transferimage.NewStore(image, opts...)
	reg, err := registry.NewOCIRegistry(ctx, image)
	if err != nil {
		return nil, err
	}
	if err := r.client.Transfer(ctx, reg, store); err != nil {
		return nil, err
	}
	return r.client.GetImage(ctx, image)
}

// EnsureRunning creates the container and its long-running task when missing.
func (r *Runtime) EnsureRunning(ctx context.Context, spec engine.BoxSpec) (engine.Handle, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errors.New("container name is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return nil, errors.New("container image is required")
	}
	log := r.logger(ctx).With("container", spec.Name, "image", spec.Image)
	ctx = r.ns(ctx)

	container, err := r.client.LoadContainer(ctx, spec.Name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return nil, err
		}
		image, err := r.ensureImage(ctx, spec.Image)
		if err != nil {
			return nil, err
		}
		specOpts := []oci.SpecOpts{oci.WithImageConfig(image), oci.WithEnv(engine.EnvSlice(spec.Env))}
		if spec.WorkingDir != "" {
			specOpts = append(specOpts, oci.WithProcessCwd(spec.WorkingDir))
		}
		if len(spec.Command) > 0 {
			specOpts = append(specOpts, oci.WithProcessArgs(spec.Command...))
		}
		container, err = r.client.NewContainer(ctx, spec.Name,
			containerd.WithImage(image),
			containerd.WithContainerLabels(engine.MergeLabels(spec.Labels, map[string]string{engine.LabelManaged: "true"})),
			containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
			containerd.WithNewSpec(specOpts...),
		)
		if err != nil {
			log.Warn("containerd create container failed", "err", err)
			return nil, err
		}
		log.Info("containerd container created", "id", container.ID())
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return nil, err
		}
		task, err = container.NewTask(ctx, cio.NullIO)
		if err != nil {
			log.Warn("containerd task create failed", "err", err)
			return nil, err
		}
	}
	status, err := task.Status(ctx)
	if err != nil {
		return nil, err
	}
	if status.Status != containerd.Running {
		if err := task.Start(ctx); err != nil {
			log.Warn("containerd task start failed", "err", err)
			_, _ = task.Delete(ctx)
			return nil, err
		}
	}
	log.Info("containerd container running", "id", container.ID(), "pid", task.Pid())
	return engine.Ref{BoxName: spec.Name, BoxID: container.ID()}, nil
}

// Exec runs a process inside the container task and waits for it to exit.
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
	ctx = r.ns(ctx)

	container, err := r.client.LoadContainer(ctx, handle.Name())
	if err != nil {
		return engine.ExecResult{}, err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return engine.ExecResult{}, err
	}
	proc, err := processSpec(ctx, container, spec)
	if err != nil {
		return engine.ExecResult{}, err
	}
	stdout, stderr := spec.Stdout, spec.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	execID := fmt.Sprintf("exec-%d", time.Now().UnixNano())
	started := time.Now()
	process, err := task.Exec(ctx, execID, proc, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return engine.ExecResult{}, err
	}
	waitCh, err := process.Wait(ctx)
	if err != nil {
		_, _ = process.Delete(ctx)
		return engine.ExecResult{}, err
	}
	if err := process.Start(ctx); err != nil {
		_, _ = process.Delete(ctx)
		return engine.ExecResult{}, err
	}

	select {
	case status := <-waitCh:
		code, _, err := status.Result()
		if pio := process.IO(); pio != nil {
			pio.Wait()
		}
		_, _ = process.Delete(ctx)
		if err != nil {
			return engine.ExecResult{}, err
		}
		finished := time.Now()
		log.Info("containerd exec finished", "exit_code", int(code), "duration_ms", finished.Sub(started).Milliseconds())
		return engine.ExecResult{ExitCode: int(code), Started: started, Finished: finished}, nil
	case <-ctx.Done():
		cleanup := r.ns(context.Background())
		_ = process.Kill(cleanup, unix.SIGTERM)
		_, _ = process.Delete(cleanup, containerd.WithProcessKill)
		log.Warn("containerd exec cancelled", "err", ctx.Err())
		return engine.ExecResult{}, ctx.Err()
	}
}

// Stop kills the container task; missing containers are not an error.
func (r *Runtime) Stop(ctx context.Context, handle engine.Handle) error {
	if handle == nil {
		return nil
	}
	ctx = r.ns(ctx)
	container, err := r.client.LoadContainer(ctx, handle.Name())
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	task, err := container.Task(ctx, nil)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	waitCh, err := task.Wait(ctx)
	if err == nil {
		_ = task.Kill(ctx, unix.SIGTERM)
		select {
		case <-waitCh:
		case <-time.After(10 * time.Second):
			_ = task.Kill(ctx, unix.SIGKILL)
		case <-ctx.Done():
		}
	}
	_, _ = task.Delete(ctx, containerd.WithProcessKill)
	r.logger(ctx).Info("containerd container stopped", "container", handle.Name())
	return nil
}

// Remove deletes the container and its snapshot.
func (r *Runtime) Remove(ctx context.Context, handle engine.Handle) error {
	if handle == nil {
		return nil
	}
	ctx = r.ns(ctx)
	container, err := r.client.LoadContainer(ctx, handle.Name())
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return err
	}
	r.logger(ctx).Info("containerd container removed", "container", handle.Name())
	return nil
}

// Prune stops and removes managed containers.
func (r *Runtime) Prune(ctx context.Context, spec engine.PruneSpec) (int, error) {
	ctx = r.ns(ctx)
	containers, err := r.client.Containers(ctx, fmt.Sprintf("labels.%q==true", engine.LabelManaged))
	if err != nil {
		return 0, err
	}
	removed := 0
	now := time.Now()
	for _, container := range containers {
		info, err := container.Info(ctx)
		if err != nil {
			continue
		}
		if !matchesLabels(info.Labels, spec.Labels) {
			continue
		}
		if spec.MinAge > 0 && now.Sub(info.CreatedAt) < spec.MinAge {
			continue
		}
		ref := engine.Ref{BoxName: info.ID, BoxID: info.ID}
		_ = r.Stop(ctx, ref)
		if err := r.Remove(ctx, ref); err != nil {
			return removed, err
		}
		removed++
	}
	r.logger(ctx).Info("containerd prune ok", "removed", removed)
	return removed, nil
}

func processSpec(ctx context.Context, container containerd.Container, spec engine.ExecSpec) (*specs.Process, error) {
	base, err := container.Spec(ctx)
	if err != nil {
		return nil, err
	}
	proc := &specs.Process{Args: spec.Command}
	if base.Process != nil {
		proc.Cwd = base.Process.Cwd
		proc.User = base.Process.User
		proc.Env = base.Process.Env
	}
	proc.Env = mergeEnv(proc.Env, spec.Env)
	if spec.WorkingDir != "" {
		proc.Cwd = spec.WorkingDir
	}
	if proc.Cwd == "" {
		proc.Cwd = "/"
	}
	return proc, nil
}

func mergeEnv(base []string, add map[string]string) []string {
	if len(add) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(add))
	for _, entry := range base {
		key, _, _ := strings.Cut(entry, "=")
		if _, overridden := add[key]; overridden {
			continue
		}
		out = append(out, entry)
	}
	return append(out, engine.EnvSlice(add)...)
}

func matchesLabels(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// CandidateAddresses lists socket paths to try, primary first.
func CandidateAddresses(primary string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		addr = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(addr), "unix://"), "unix:")
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(primary)
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		add(filepath.Join(runtimeDir, "containerd", "containerd.sock"))
	}
	add(filepath.Join("/run", "user", fmt.Sprint(os.Getuid()), "containerd", "containerd.sock"))
	add("/run/containerd/containerd.sock")
	return out
}
