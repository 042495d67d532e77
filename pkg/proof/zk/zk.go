// Package zk certifies results with a Groth16 proof over BN254. The circuit
// proves knowledge of a result digest whose MiMC hash is the public
// commitment, so the verifier never sees the digest itself.
//
// Keys come from a local setup run once per process; verifiers obtain the
// verifying key from the node through VerifyingKey.
package zk

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	nativemimc "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/std/hash/mimc"
	"go.uber.org/zap"

	"hyperion/pkg/proof"
	"hyperion/pkg/types"
)

const (
	Scheme = "groth16"
	Curve  = "bn254"
)

type resultCircuit struct {
	Commitment frontend.Variable `gnark:",public"`
	Digest     frontend.Variable
}

func (c *resultCircuit) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	h.Write(c.Digest)
	api.AssertIsEqual(h.Sum(), c.Commitment)
	return nil
}

type Engine struct {
	logger *zap.Logger

	once     sync.Once
	setupErr error
	ccs      constraint.ConstraintSystem
	pk       groth16.ProvingKey
	vk       groth16.VerifyingKey
}

func New(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("proof.zk")}
}

func (e *Engine) Name() string { return "zk" }

// VerifyEnvironmentIntegrity compiles the circuit and runs the key setup.
// The node is only trusted if the prover is usable.
func (e *Engine) VerifyEnvironmentIntegrity(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if err := e.setup(); err != nil {
		e.logger.Error("zk prover setup failed", zap.Error(err))
		return false
	}
	return true
}

func (e *Engine) setup() error {
	e.once.Do(func() {
		ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &resultCircuit{})
		if err != nil {
			e.setupErr = fmt.Errorf("failed to compile circuit: %w", err)
			return
		}
		pk, vk, err := groth16.Setup(ccs)
		if err != nil {
			e.setupErr = fmt.Errorf("failed to run groth16 setup: %w", err)
			return
		}
		e.ccs, e.pk, e.vk = ccs, pk, vk
		e.logger.Info("zk prover ready", zap.Int("constraints", ccs.GetNbConstraints()))
	})
	return e.setupErr
}

func (e *Engine) GenerateProof(ctx context.Context, taskID string, result types.ExecutionResult) (types.Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", proof.ErrProofGeneration, err)
	}
	if len(result.Digest) == 0 {
		return nil, fmt.Errorf("%w: task %s has no result digest", proof.ErrProofGeneration, taskID)
	}
	if err := e.setup(); err != nil {
		return nil, fmt.Errorf("%w: %v", proof.ErrProofGeneration, err)
	}

	digest, commitment := commit(result.Digest)
	assignment := &resultCircuit{
		Commitment: commitment.BigInt(new(big.Int)),
		Digest:     digest.BigInt(new(big.Int)),
	}
	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build witness: %v", proof.ErrProofGeneration, err)
	}
	prf, err := groth16.Prove(e.ccs, e.pk, w)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to prove task %s: %v", proof.ErrProofGeneration, taskID, err)
	}

	var buf bytes.Buffer
	if _, err := prf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("%w: failed to serialize proof: %v", proof.ErrProofGeneration, err)
	}
	pub := commitment.Bytes()
	e.logger.Debug("generated proof", zap.String("task", taskID), zap.Int("bytes", buf.Len()))
	return types.ZKProof{
		Scheme:      Scheme,
		Curve:       Curve,
		ProofBytes:  buf.Bytes(),
		PublicInput: pub[:],
	}, nil
}

// Verify checks p against resultDigest with this engine's verifying key.
func (e *Engine) Verify(p types.ZKProof, resultDigest []byte) error {
	if err := e.setup(); err != nil {
		return err
	}
	if p.Scheme != Scheme || p.Curve != Curve {
		return fmt.Errorf("unsupported proof %s/%s", p.Scheme, p.Curve)
	}
	_, commitment := commit(resultDigest)
	want := commitment.Bytes()
	if !bytes.Equal(want[:], p.PublicInput) {
		return fmt.Errorf("public input does not match result digest")
	}

	prf := groth16.NewProof(ecc.BN254)
	if _, err := prf.ReadFrom(bytes.NewReader(p.ProofBytes)); err != nil {
		return fmt.Errorf("failed to decode proof: %w", err)
	}
	pw, err := frontend.NewWitness(&resultCircuit{Commitment: commitment.BigInt(new(big.Int))},
		ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("failed to build public witness: %w", err)
	}
	return groth16.Verify(prf, e.vk, pw)
}

// VerifyingKey serializes the key verifiers need for this node's proofs.
func (e *Engine) VerifyingKey() ([]byte, error) {
	if err := e.setup(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := e.vk.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// commit maps a digest into the scalar field and hashes it with MiMC.
func commit(digest []byte) (fr.Element, fr.Element) {
	var d fr.Element
	d.SetBytes(digest)
	b := d.Bytes()

	h := nativemimc.NewMiMC()
	h.Write(b[:])
	var c fr.Element
	c.SetBytes(h.Sum(nil))
	return d, c
}

var _ proof.Engine = (*Engine)(nil)
