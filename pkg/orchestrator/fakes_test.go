package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"hyperion/pkg/proof"
	"hyperion/pkg/runtime"
	"hyperion/pkg/types"
)

type fakeRuntime struct {
	mu sync.Mutex

	initErr    error
	prepareErr error
	execErr    error
	cleanupErr error
	// hold blocks Execute until closed or ctx ends; nil runs instantly.
	hold chan struct{}
	// ignoreCancel makes Execute wait for hold even after ctx ends.
	ignoreCancel bool

	running    int
	maxRunning int
	executed   []string
	cleanups   map[string]int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{cleanups: map[string]int{}}
}

func (f *fakeRuntime) Name() string { return "fake" }

func (f *fakeRuntime) Init(ctx context.Context) error { return f.initErr }

func (f *fakeRuntime) PrepareImage(ctx context.Context, locator string) (runtime.Artifact, error) {
	if f.prepareErr != nil {
		return runtime.Artifact{}, f.prepareErr
	}
	return runtime.Artifact{Locator: locator, Ref: "ref:" + locator}, nil
}

func (f *fakeRuntime) Execute(ctx context.Context, taskID string, _ runtime.Artifact, _ []string) (types.ExecutionResult, error) {
	f.mu.Lock()
	f.running++
	f.maxRunning = max(f.maxRunning, f.running)
	f.executed = append(f.executed, taskID)
	hold, ignoreCancel := f.hold, f.ignoreCancel
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	started := time.Now()
	if hold != nil && ignoreCancel {
		<-hold
	} else if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return types.ExecutionResult{}, ctx.Err()
		}
	}
	if f.execErr != nil {
		return types.ExecutionResult{}, f.execErr
	}
	return types.ExecutionResult{
		TaskID:      taskID,
		Digest:      runtime.Digest(taskID, 0, []byte("ok")),
		Output:      []byte("ok"),
		StartedAt:   started,
		CompletedAt: time.Now(),
	}, nil
}

func (f *fakeRuntime) Cleanup(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups[taskID]++
	return f.cleanupErr
}

func (f *fakeRuntime) cleanupCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanups[taskID]
}

func (f *fakeRuntime) executedTasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func (f *fakeRuntime) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRunning
}

type fakeProof struct {
	mu      sync.Mutex
	trusted bool
	err     error
	calls   []string
}

func (f *fakeProof) Name() string { return "fake" }

func (f *fakeProof) VerifyEnvironmentIntegrity(ctx context.Context) bool { return f.trusted }

func (f *fakeProof) GenerateProof(ctx context.Context, taskID string, result types.ExecutionResult) (types.Proof, error) {
	f.mu.Lock()
	f.calls = append(f.calls, taskID)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return types.SimpleHash{Digest: "sha256:" + taskID}, nil
}

func (f *fakeProof) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeReporter struct {
	mu  sync.Mutex
	err error
	// live drops calls whose context is already done, like a real HTTP client.
	live        bool
	statuses    []types.Status
	settlements []types.Settlement
}

func (f *fakeReporter) Report(ctx context.Context, snap types.StatusSnapshot) error {
	if f.live && ctx.Err() != nil {
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, snap.Status())
	return f.err
}

func (f *fakeReporter) Settle(ctx context.Context, s types.Settlement) error {
	if f.live && ctx.Err() != nil {
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settlements = append(f.settlements, s)
	return f.err
}

func (f *fakeReporter) reported() []types.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Status(nil), f.statuses...)
}

func (f *fakeReporter) settled() []types.Settlement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Settlement(nil), f.settlements...)
}

type fakeSyncer struct {
	err   error
	delay time.Duration
}

func (f *fakeSyncer) Sync(ctx context.Context) error {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return f.err
}

type chanOffers chan types.Task

func (c chanOffers) Offers() <-chan types.Task { return c }

var (
	errExec  = errors.Join(runtime.ErrExecution, errors.New("status 137 (out of memory)"))
	errProof = errors.Join(proof.ErrProofGeneration, errors.New("tee module unavailable"))

	_ runtime.Runtime = (*fakeRuntime)(nil)
	_ proof.Engine    = (*fakeProof)(nil)
)
