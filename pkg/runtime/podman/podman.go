// Package podman runs tasks as rootless OCI containers through the Podman
// REST service.
package podman

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/images"
	"github.com/containers/podman/v5/pkg/specgen"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"go.uber.org/zap"

	"hyperion/pkg/runtime"
	"hyperion/pkg/types"
)

const (
	DefaultSocket = "unix:///run/podman/podman.sock"

	labelTask = "hyperion.task"
)

type Options struct {
	Socket string
	// GPUDevice is a CDI device name, e.g. "nvidia.com/gpu=all". Empty
	// disables GPU passthrough.
	GPUDevice        string
	MemoryLimitBytes int64
	PidsLimit        int64
}

type Runtime struct {
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	conn       context.Context
	cancel     context.CancelFunc
	containers map[string]string // task id -> container id
}

func New(opts Options, logger *zap.Logger) *Runtime {
	if opts.Socket == "" {
		opts.Socket = DefaultSocket
	}
	return &Runtime{
		opts:       opts,
		logger:     logger.Named("runtime.podman"),
		containers: make(map[string]string),
	}
}

func (r *Runtime) Name() string { return "podman" }

// Init connects to the Podman service once; bindings.NewConnection pings the
// socket, so a dead service surfaces here.
func (r *Runtime) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}
	connCtx, cancel := context.WithCancel(context.Background())
	conn, err := bindings.NewConnection(connCtx, r.opts.Socket)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: failed to connect to podman socket %s: %v", runtime.ErrRuntimeUnavailable, r.opts.Socket, err)
	}
	r.conn = conn
	r.cancel = cancel
	r.logger.Info("connected to podman", zap.String("socket", r.opts.Socket))
	return nil
}

// call derives a context that carries the bindings connection and is
// cancelled together with ctx.
func (r *Runtime) call(ctx context.Context) (context.Context, context.CancelFunc, error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil, nil, fmt.Errorf("%w: podman runtime not initialised", runtime.ErrRuntimeUnavailable)
	}
	callCtx, cancel := context.WithCancel(conn)
	stop := context.AfterFunc(ctx, cancel)
	return callCtx, func() {
		stop()
		cancel()
	}, nil
}

func (r *Runtime) PrepareImage(ctx context.Context, locator string) (runtime.Artifact, error) {
	callCtx, done, err := r.call(ctx)
	if err != nil {
		return runtime.Artifact{}, err
	}
	defer done()

	exists, err := images.Exists(callCtx, locator, nil)
	if err != nil {
		return runtime.Artifact{}, fmt.Errorf("%w: failed to inspect image %s: %v", runtime.ErrImageFetch, locator, err)
	}
	if exists {
		return runtime.Artifact{Locator: locator, Ref: locator}, nil
	}

	r.logger.Info("pulling image", zap.String("image", locator))
	ids, err := images.Pull(callCtx, locator, new(images.PullOptions).WithQuiet(true))
	if err != nil {
		return runtime.Artifact{}, fmt.Errorf("%w: failed to pull image %s: %v", runtime.ErrImageFetch, locator, err)
	}
	if len(ids) == 0 {
		return runtime.Artifact{}, fmt.Errorf("%w: pull of %s returned no image", runtime.ErrImageFetch, locator)
	}
	return runtime.Artifact{Locator: locator, Ref: ids[0]}, nil
}

func (r *Runtime) Execute(ctx context.Context, taskID string, artifact runtime.Artifact, command []string) (types.ExecutionResult, error) {
	callCtx, done, err := r.call(ctx)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	defer done()

	spec := r.buildSpec(taskID, artifact, command)
	resp, err := containers.CreateWithSpec(callCtx, spec, nil)
	if err != nil {
		return types.ExecutionResult{}, fmt.Errorf("%w: failed to create container for %s: %v", runtime.ErrExecution, taskID, err)
	}
	r.mu.Lock()
	r.containers[taskID] = resp.ID
	r.mu.Unlock()

	started := time.Now()
	if err := containers.Start(callCtx, resp.ID, nil); err != nil {
		return types.ExecutionResult{}, fmt.Errorf("%w: failed to start container %s: %v", runtime.ErrExecution, spec.Name, err)
	}
	r.logger.Info("started sandbox container",
		zap.String("task", taskID), zap.String("container", resp.ID), zap.String("image", artifact.Locator))

	code, err := containers.Wait(callCtx, resp.ID, nil)
	if err != nil {
		if ctx.Err() != nil {
			return types.ExecutionResult{}, ctx.Err()
		}
		return types.ExecutionResult{}, fmt.Errorf("%w: failed to wait for container %s: %v", runtime.ErrExecution, spec.Name, err)
	}
	completed := time.Now()

	output, err := r.collectLogs(callCtx, resp.ID)
	if err != nil {
		r.logger.Warn("failed to collect container logs", zap.String("task", taskID), zap.Error(err))
	}
	if code != 0 {
		return types.ExecutionResult{}, fmt.Errorf("%w: container %s exited with status %d", runtime.ErrExecution, spec.Name, code)
	}

	return types.ExecutionResult{
		TaskID:      taskID,
		Digest:      runtime.Digest(taskID, int(code), output),
		Output:      output,
		ExitCode:    int(code),
		StartedAt:   started,
		CompletedAt: completed,
	}, nil
}

func (r *Runtime) buildSpec(taskID string, artifact runtime.Artifact, command []string) *specgen.SpecGenerator {
	spec := specgen.NewSpecGenerator(artifact.Ref, false)
	spec.Name = ContainerName(taskID)
	spec.Command = command
	spec.Labels = map[string]string{labelTask: taskID}
	spec.NetNS = specgen.Namespace{NSMode: specgen.NoNetwork}

	limits := &specs.LinuxResources{}
	if r.opts.MemoryLimitBytes > 0 {
		limit := r.opts.MemoryLimitBytes
		limits.Memory = &specs.LinuxMemory{Limit: &limit}
	}
	if r.opts.PidsLimit > 0 {
		limits.Pids = &specs.LinuxPids{Limit: r.opts.PidsLimit}
	}
	if limits.Memory != nil || limits.Pids != nil {
		spec.ResourceLimits = limits
	}
	if r.opts.GPUDevice != "" {
		spec.Devices = append(spec.Devices, specs.LinuxDevice{Path: r.opts.GPUDevice})
	}
	return spec
}

func (r *Runtime) collectLogs(ctx context.Context, containerID string) ([]byte, error) {
	stdout := make(chan string, 64)
	stderr := make(chan string, 64)
	var buf bytes.Buffer
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		out, errs := stdout, stderr
		for out != nil || errs != nil {
			select {
			case line, ok := <-out:
				if !ok {
					out = nil
					continue
				}
				buf.WriteString(line)
				buf.WriteByte('\n')
			case _, ok := <-errs:
				if !ok {
					errs = nil
				}
			}
		}
	}()

	opts := new(containers.LogOptions).WithStdout(true).WithStderr(true)
	err := containers.Logs(ctx, containerID, opts, stdout, stderr)
	close(stdout)
	close(stderr)
	<-drained
	return buf.Bytes(), err
}

func (r *Runtime) Cleanup(ctx context.Context, taskID string) error {
	r.mu.Lock()
	id, ok := r.containers[taskID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	callCtx, done, err := r.call(ctx)
	if err != nil {
		return err
	}
	defer done()

	opts := new(containers.RemoveOptions).WithForce(true).WithIgnore(true)
	if _, err := containers.Remove(callCtx, id, opts); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	r.mu.Lock()
	delete(r.containers, taskID)
	r.mu.Unlock()
	r.logger.Info("removed sandbox container", zap.String("task", taskID), zap.String("container", id))
	return nil
}

// Close drops the service connection.
func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.conn, r.cancel = nil, nil
	}
}

// ContainerName is the deterministic container name used for a task.
func ContainerName(taskID string) string {
	return "hyperion-" + strings.NewReplacer("/", "-", ":", "-", " ", "-").Replace(taskID)
}

var _ runtime.Runtime = (*Runtime)(nil)
