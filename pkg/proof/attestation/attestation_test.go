package attestation

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"hyperion/internal/common"
	"hyperion/pkg/proof"
	"hyperion/pkg/types"
)

func statOnly(paths ...string) func(string) (os.FileInfo, error) {
	return func(p string) (os.FileInfo, error) {
		for _, want := range paths {
			if p == want {
				return nil, nil
			}
		}
		return nil, os.ErrNotExist
	}
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	key, err := common.GeneratePrivateKey()
	require.NoError(t, err)
	e, err := New(key, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func TestIntegrityDetectsTEE(t *testing.T) {
	e := newEngine(t, Options{Stat: statOnly("/dev/sev-guest")})
	require.True(t, e.VerifyEnvironmentIntegrity(context.Background()))
	assert.Equal(t, "sev-snp", e.platform)
}

func TestIntegrityFailsWithoutTEE(t *testing.T) {
	e := newEngine(t, Options{Stat: statOnly()})
	assert.False(t, e.VerifyEnvironmentIntegrity(context.Background()))

	_, err := e.GenerateProof(context.Background(), "task_1", types.ExecutionResult{Digest: []byte{1}})
	assert.ErrorIs(t, err, proof.ErrProofGeneration)
}

func TestSoftwareFallback(t *testing.T) {
	e := newEngine(t, Options{Stat: statOnly(), AllowSoftware: true})
	require.True(t, e.VerifyEnvironmentIntegrity(context.Background()))
	assert.Equal(t, PlatformSoftware, e.platform)
}

func TestProofVerifies(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	e := newEngine(t, Options{Stat: statOnly("/dev/tdx_guest"), Now: func() time.Time { return now }})
	require.True(t, e.VerifyEnvironmentIntegrity(context.Background()))

	digest := []byte{0xde, 0xad, 0xbe, 0xef}
	p, err := e.GenerateProof(context.Background(), "task_000123", types.ExecutionResult{Digest: digest})
	require.NoError(t, err)

	att, ok := p.(types.TEEAttestation)
	require.True(t, ok)
	assert.Equal(t, "tdx", att.Platform)
	assert.Equal(t, now, att.IssuedAt)

	valid, err := Verify(att, "task_000123", digest)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = Verify(att, "task_000123", []byte{0x00})
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(nil, Options{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
