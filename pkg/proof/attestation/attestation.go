// Package attestation certifies results with a signature bound to a trusted
// execution environment. The statement is signed with the node's libp2p
// identity key, so any peer can check it against the node id.
package attestation

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"go.uber.org/zap"

	"hyperion/internal/common"
	"hyperion/pkg/proof"
	"hyperion/pkg/types"
)

const (
	statementVersion = "hyperion-attestation/v1"
	PlatformSoftware = "software"
)

// Device is a TEE guest interface whose presence marks a trusted host.
type Device struct {
	Path     string
	Platform string
}

var DefaultDevices = []Device{
	{Path: "/dev/tdx_guest", Platform: "tdx"},
	{Path: "/dev/sev-guest", Platform: "sev-snp"},
	{Path: "/dev/sgx_enclave", Platform: "sgx"},
}

type Options struct {
	Devices []Device
	// AllowSoftware accepts hosts without a TEE device; proofs are then
	// tagged with PlatformSoftware.
	AllowSoftware bool
	// Stat is overridable in tests.
	Stat func(string) (os.FileInfo, error)
	Now  func() time.Time
}

type Engine struct {
	key    libp2pcrypto.PrivKey
	opts   Options
	logger *zap.Logger

	platform string
}

func New(key libp2pcrypto.PrivKey, opts Options, logger *zap.Logger) (*Engine, error) {
	if key == nil {
		return nil, fmt.Errorf("attestation requires a node key")
	}
	if opts.Devices == nil {
		opts.Devices = DefaultDevices
	}
	if opts.Stat == nil {
		opts.Stat = os.Stat
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{key: key, opts: opts, logger: logger.Named("proof.attestation")}, nil
}

func (e *Engine) Name() string { return "attestation" }

func (e *Engine) VerifyEnvironmentIntegrity(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	for _, d := range e.opts.Devices {
		if _, err := e.opts.Stat(d.Path); err == nil {
			e.platform = d.Platform
			e.logger.Info("trusted execution environment detected",
				zap.String("platform", d.Platform), zap.String("device", d.Path))
			return true
		}
	}
	if e.opts.AllowSoftware {
		e.platform = PlatformSoftware
		e.logger.Warn("no TEE device found, falling back to software attestation")
		return true
	}
	e.logger.Error("no TEE device found and software attestation is disabled")
	return false
}

func (e *Engine) GenerateProof(ctx context.Context, taskID string, result types.ExecutionResult) (types.Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", proof.ErrProofGeneration, err)
	}
	if e.platform == "" {
		return nil, fmt.Errorf("%w: environment integrity was never established", proof.ErrProofGeneration)
	}
	if len(result.Digest) == 0 {
		return nil, fmt.Errorf("%w: task %s has no result digest", proof.ErrProofGeneration, taskID)
	}

	issued := e.opts.Now().UTC()
	sig, err := e.key.Sign(statement(taskID, result.Digest, e.platform, issued))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to sign attestation: %v", proof.ErrProofGeneration, err)
	}
	pub, err := common.PublicKeyBase64(e.key.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", proof.ErrProofGeneration, err)
	}
	return types.TEEAttestation{
		EnclaveSignature: hex.EncodeToString(sig),
		PublicKey:        pub,
		Platform:         e.platform,
		IssuedAt:         issued,
	}, nil
}

// Verify checks that att signs (taskID, resultDigest) under its embedded key.
func Verify(att types.TEEAttestation, taskID string, resultDigest []byte) (bool, error) {
	pub, err := common.PublicKeyFromBase64(att.PublicKey)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(att.EnclaveSignature)
	if err != nil {
		return false, fmt.Errorf("failed to decode signature: %w", err)
	}
	return pub.Verify(statement(taskID, resultDigest, att.Platform, att.IssuedAt.UTC()), sig)
}

func statement(taskID string, digest []byte, platform string, issued time.Time) []byte {
	return []byte(strings.Join([]string{
		statementVersion,
		taskID,
		hex.EncodeToString(digest),
		platform,
		issued.Format(time.RFC3339Nano),
	}, "\n"))
}

var _ proof.Engine = (*Engine)(nil)
