// Package wasm runs tasks as WASI modules inside an in-process wazero
// sandbox. Modules get no filesystem, no network and a page-limited memory.
package wasm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"hyperion/pkg/runtime"
	"hyperion/pkg/types"
)

const (
	defaultMemoryLimitPages = 1024 // 64MiB
	maxModuleSize           = 256 << 20
)

type Options struct {
	MemoryLimitPages uint32
	HTTPClient       *http.Client
	// MaxModuleSize caps module bytes read from any source.
	MaxModuleSize int64
}

type Runtime struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	rt        wazero.Runtime
	compiled  map[string]wazero.CompiledModule // sha256 hex -> module
	instances map[string]api.Module            // task id -> instance, nil while starting
}

func New(opts Options, logger *zap.Logger) *Runtime {
	if opts.MemoryLimitPages == 0 {
		opts.MemoryLimitPages = defaultMemoryLimitPages
	}
	if opts.MaxModuleSize <= 0 {
		opts.MaxModuleSize = maxModuleSize
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Runtime{
		opts:      opts,
		logger:    logger.Named("runtime.wasm"),
		compiled:  make(map[string]wazero.CompiledModule),
		instances: make(map[string]api.Module),
	}
}

func (r *Runtime) Name() string { return "wasm" }

func (r *Runtime) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rt != nil {
		return nil
	}
	cfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(r.opts.MemoryLimitPages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return fmt.Errorf("%w: failed to instantiate WASI: %v", runtime.ErrRuntimeUnavailable, err)
	}
	r.rt = rt
	r.logger.Info("wasm sandbox ready", zap.Uint32("memory_limit_pages", r.opts.MemoryLimitPages))
	return nil
}

func (r *Runtime) sandbox() (wazero.Runtime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rt == nil {
		return nil, fmt.Errorf("%w: wasm runtime not initialised", runtime.ErrRuntimeUnavailable)
	}
	return r.rt, nil
}

// PrepareImage fetches a module from a path, file:// or http(s):// URL. A
// "#sha256=<hex>" suffix pins the module content.
func (r *Runtime) PrepareImage(ctx context.Context, locator string) (runtime.Artifact, error) {
	rt, err := r.sandbox()
	if err != nil {
		return runtime.Artifact{}, err
	}
	source, pin := splitPin(locator)

	raw, err := r.fetch(ctx, source)
	if err != nil {
		return runtime.Artifact{}, fmt.Errorf("%w: %v", runtime.ErrImageFetch, err)
	}
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])
	if pin != "" && !strings.EqualFold(pin, digest) {
		return runtime.Artifact{}, fmt.Errorf("%w: module %s has digest %s, want %s", runtime.ErrImageFetch, source, digest, pin)
	}

	r.mu.Lock()
	_, cached := r.compiled[digest]
	r.mu.Unlock()
	if cached {
		return runtime.Artifact{Locator: locator, Ref: digest}, nil
	}

	mod, err := rt.CompileModule(ctx, raw)
	if err != nil {
		return runtime.Artifact{}, fmt.Errorf("%w: failed to compile module %s: %v", runtime.ErrImageFetch, source, err)
	}
	r.mu.Lock()
	r.compiled[digest] = mod
	r.mu.Unlock()
	r.logger.Info("compiled module", zap.String("source", source), zap.String("sha256", digest))
	return runtime.Artifact{Locator: locator, Ref: digest}, nil
}

func (r *Runtime) fetch(ctx context.Context, source string) ([]byte, error) {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, err
		}
		resp, err := r.opts.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", source, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to download %s: status %s", source, resp.Status)
		}
		return r.readLimited(resp.Body, source)
	default:
		f, err := os.Open(strings.TrimPrefix(source, "file://"))
		if err != nil {
			return nil, fmt.Errorf("failed to read module: %w", err)
		}
		defer f.Close()
		return r.readLimited(f, source)
	}
}

func (r *Runtime) readLimited(src io.Reader, source string) ([]byte, error) {
	limit := r.opts.MaxModuleSize
	raw, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("module %s exceeds %d bytes", source, limit)
	}
	return raw, nil
}

func (r *Runtime) Execute(ctx context.Context, taskID string, artifact runtime.Artifact, command []string) (types.ExecutionResult, error) {
	rt, err := r.sandbox()
	if err != nil {
		return types.ExecutionResult{}, err
	}
	r.mu.Lock()
	compiled, ok := r.compiled[artifact.Ref]
	r.instances[taskID] = nil
	r.mu.Unlock()
	if !ok {
		return types.ExecutionResult{}, fmt.Errorf("%w: module %s was not prepared", runtime.ErrExecution, artifact.Locator)
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("task-" + taskID).
		WithArgs(append([]string{taskID}, command...)...).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithSysWalltime().
		WithSysNanotime()

	started := time.Now()
	r.logger.Info("starting module", zap.String("task", taskID), zap.String("module", artifact.Ref))
	mod, err := rt.InstantiateModule(ctx, compiled, cfg)
	if mod != nil {
		r.mu.Lock()
		r.instances[taskID] = mod
		r.mu.Unlock()
	}

	exitCode := 0
	if err != nil {
		if ctx.Err() != nil {
			return types.ExecutionResult{}, ctx.Err()
		}
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			return types.ExecutionResult{}, fmt.Errorf("%w: module trapped: %v", runtime.ErrExecution, err)
		}
		exitCode = int(exitErr.ExitCode())
	}
	if exitCode != 0 {
		return types.ExecutionResult{}, fmt.Errorf("%w: module exited with status %d: %s", runtime.ErrExecution, exitCode, strings.TrimSpace(stderr.String()))
	}

	output := stdout.Bytes()
	return types.ExecutionResult{
		TaskID:      taskID,
		Digest:      runtime.Digest(taskID, exitCode, output),
		Output:      output,
		ExitCode:    exitCode,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}, nil
}

func (r *Runtime) Cleanup(ctx context.Context, taskID string) error {
	r.mu.Lock()
	mod, ok := r.instances[taskID]
	delete(r.instances, taskID)
	r.mu.Unlock()
	if !ok || mod == nil {
		return nil
	}
	if err := mod.Close(ctx); err != nil {
		return fmt.Errorf("failed to close module for %s: %w", taskID, err)
	}
	return nil
}

// Close releases the sandbox and every compiled module.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rt == nil {
		return nil
	}
	err := r.rt.Close(ctx)
	r.rt = nil
	r.compiled = make(map[string]wazero.CompiledModule)
	return err
}

func splitPin(locator string) (source, pin string) {
	source, frag, found := strings.Cut(locator, "#")
	if !found {
		return locator, ""
	}
	if v, ok := strings.CutPrefix(frag, "sha256="); ok {
		return source, v
	}
	return source, ""
}

var _ runtime.Runtime = (*Runtime)(nil)
