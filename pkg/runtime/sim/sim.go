// Package sim is a compute backend for demo mode. It pretends to run tasks
// for a random, bounded amount of time and fails a configurable share of them.
package sim

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"hyperion/pkg/runtime"
	"hyperion/pkg/types"
)

type Options struct {
	MinDuration  time.Duration
	MaxDuration  time.Duration
	FailureRatio float64
	// Rand drives durations and failures; nil uses a time-seeded source.
	Rand *rand.Rand
}

type Runtime struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	sandboxes map[string]struct{}
}

func New(opts Options, logger *zap.Logger) *Runtime {
	if opts.MaxDuration < opts.MinDuration {
		opts.MaxDuration = opts.MinDuration
	}
	rng := opts.Rand
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	return &Runtime{
		opts:      opts,
		logger:    logger.Named("runtime.sim"),
		rng:       rng,
		sandboxes: make(map[string]struct{}),
	}
}

func (r *Runtime) Name() string { return "sim" }

func (r *Runtime) Init(ctx context.Context) error {
	return ctx.Err()
}

func (r *Runtime) PrepareImage(ctx context.Context, locator string) (runtime.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return runtime.Artifact{}, err
	}
	if locator == "" {
		return runtime.Artifact{}, fmt.Errorf("%w: empty locator", runtime.ErrImageFetch)
	}
	r.logger.Debug("pulled simulated image", zap.String("image", locator))
	return runtime.Artifact{Locator: locator, Ref: "sim:" + locator}, nil
}

func (r *Runtime) Execute(ctx context.Context, taskID string, artifact runtime.Artifact, command []string) (types.ExecutionResult, error) {
	r.mu.Lock()
	r.sandboxes[taskID] = struct{}{}
	d := r.opts.MinDuration
	if span := r.opts.MaxDuration - r.opts.MinDuration; span > 0 {
		d += time.Duration(r.rng.Int64N(int64(span)))
	}
	fail := r.rng.Float64() < r.opts.FailureRatio
	r.mu.Unlock()

	started := time.Now()
	r.logger.Info("starting sandbox",
		zap.String("task", taskID), zap.String("image", artifact.Locator), zap.Duration("eta", d))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return types.ExecutionResult{}, ctx.Err()
	case <-timer.C:
	}

	if fail {
		return types.ExecutionResult{}, fmt.Errorf("%w: task %s exited with status 137 (out of memory)", runtime.ErrExecution, taskID)
	}
	output := []byte(fmt.Sprintf("%s %v", artifact.Ref, command))
	return types.ExecutionResult{
		TaskID:      taskID,
		Digest:      runtime.Digest(taskID, 0, output),
		Output:      output,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}, nil
}

func (r *Runtime) Cleanup(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sandboxes[taskID]; !ok {
		return nil
	}
	delete(r.sandboxes, taskID)
	r.logger.Debug("released sandbox", zap.String("task", taskID))
	return nil
}

// Active reports how many sandboxes are still held.
func (r *Runtime) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sandboxes)
}

var _ runtime.Runtime = (*Runtime)(nil)
