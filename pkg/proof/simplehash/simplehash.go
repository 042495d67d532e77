// Package simplehash is the reference proof backend. It binds the result
// digest to the task id and offers no hardware guarantee.
package simplehash

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"hyperion/pkg/proof"
	"hyperion/pkg/types"
)

const prefix = "sha256:"

type Engine struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("proof.simplehash")}
}

func (e *Engine) Name() string { return "simple-hash" }

func (e *Engine) VerifyEnvironmentIntegrity(ctx context.Context) bool {
	e.logger.Warn("simple-hash proofs carry no hardware attestation")
	return ctx.Err() == nil
}

func (e *Engine) GenerateProof(ctx context.Context, taskID string, result types.ExecutionResult) (types.Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", proof.ErrProofGeneration, err)
	}
	if len(result.Digest) == 0 {
		return nil, fmt.Errorf("%w: task %s has no result digest", proof.ErrProofGeneration, taskID)
	}
	return types.SimpleHash{Digest: Sum(taskID, result.Digest)}, nil
}

// Sum is the digest format carried by SimpleHash proofs.
func Sum(taskID string, resultDigest []byte) string {
	h := sha256.New()
	h.Write([]byte(taskID))
	h.Write([]byte{':'})
	h.Write(resultDigest)
	return prefix + hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the digest of p.
func Verify(p types.SimpleHash, taskID string, resultDigest []byte) bool {
	return p.Digest == Sum(taskID, resultDigest)
}

var _ proof.Engine = (*Engine)(nil)
