package hal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseNvidiaSMI(t *testing.T) {
	out := []byte("NVIDIA GeForce RTX 4090, 24564, 535.104.05\nNVIDIA A100-SXM4-80GB, 81920, 535.104.05\n")
	gpus, err := ParseNvidiaSMI(out)
	require.NoError(t, err)
	require.Len(t, gpus, 2)
	assert.Equal(t, "NVIDIA GeForce RTX 4090", gpus[0].GPUModel)
	assert.Equal(t, 24, gpus[0].VRAMGB)
	assert.Equal(t, "535.104.05", gpus[0].DriverVersion)
	assert.Equal(t, 80, gpus[1].VRAMGB)
}

func TestParseNvidiaSMIErrors(t *testing.T) {
	for name, in := range map[string]string{
		"empty":       "",
		"bad memory":  "RTX, lots, 1.0\n",
		"wrong shape": "RTX, 1024\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseNvidiaSMI([]byte(in))
			assert.ErrorIs(t, err, ErrProbe)
		})
	}
}

func TestNvidiaProberPicksLargestGPU(t *testing.T) {
	p := NewNvidiaProber(zaptest.NewLogger(t))
	p.run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte("Tesla T4, 15360, 550.54\nNVIDIA L40S, 46068, 550.54\n"), nil
	}
	hw, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "NVIDIA L40S", hw.GPUModel)
	assert.Equal(t, 45, hw.VRAMGB)
}

func TestNvidiaProberMissingBinary(t *testing.T) {
	p := NewNvidiaProber(zaptest.NewLogger(t))
	p.run = func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("executable file not found in $PATH")
	}
	_, err := p.Probe(context.Background())
	assert.ErrorIs(t, err, ErrProbe)
}

func TestSimulatedProber(t *testing.T) {
	hw, err := NewSimulatedProber().Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 24, hw.VRAMGB)
	assert.Equal(t, "NVIDIA GeForce RTX 4090 (Driver: 535.104.05)", Describe(hw))
}
