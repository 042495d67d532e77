// Package proof defines how a node certifies that a result came from real
// execution on its hardware. Backends live in sub-packages.
package proof

import (
	"context"
	"errors"

	"hyperion/pkg/types"
)

// ErrProofGeneration means the attestation or proving subsystem could not
// certify a result. The task is then settled as failed.
var ErrProofGeneration = errors.New("proof generation failed")

type Engine interface {
	Name() string

	// VerifyEnvironmentIntegrity is consulted once before the node accepts
	// any offer. A false result keeps the node from accepting work.
	VerifyEnvironmentIntegrity(ctx context.Context) bool

	GenerateProof(ctx context.Context, taskID string, result types.ExecutionResult) (types.Proof, error)
}
