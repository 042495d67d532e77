// Package runtime defines the sandbox contract every compute backend
// implements. Backends live in sub-packages and are selected at construction
// time; the orchestrator only sees Runtime.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"hyperion/pkg/types"
)

var (
	// ErrRuntimeUnavailable means the execution substrate cannot be reached.
	ErrRuntimeUnavailable = errors.New("runtime unavailable")
	// ErrImageFetch means the task artifact could not be fetched or failed
	// its integrity check.
	ErrImageFetch = errors.New("image fetch failed")
	// ErrExecution means the task ran but exited non-zero or exhausted its
	// resources.
	ErrExecution = errors.New("execution failed")
)

// Artifact is a materialized executable ready to run. Ref is backend
// specific: an image id for containers, a cache key for modules.
type Artifact struct {
	Locator string
	Ref     string
}

type Runtime interface {
	Name() string

	// Init verifies the substrate is reachable.
	Init(ctx context.Context) error

	// PrepareImage materializes the artifact behind locator.
	PrepareImage(ctx context.Context, locator string) (Artifact, error)

	// Execute runs the task to completion in an isolated sandbox.
	Execute(ctx context.Context, taskID string, artifact Artifact, command []string) (types.ExecutionResult, error)

	// Cleanup releases every sandbox resource held for taskID. Calling it
	// again for the same task, or for a task that never started, is a no-op.
	Cleanup(ctx context.Context, taskID string) error
}

// Digest is the result handle every backend derives from task output.
func Digest(taskID string, exitCode int, output []byte) []byte {
	h := sha256.New()
	var code [4]byte
	binary.BigEndian.PutUint32(code[:], uint32(int32(exitCode)))
	h.Write([]byte(taskID))
	h.Write([]byte{0})
	h.Write(code[:])
	h.Write(output)
	return h.Sum(nil)
}
