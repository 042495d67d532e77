// Package hal describes the compute hardware the node offers to the network.
package hal

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"hyperion/pkg/types"
)

var ErrProbe = errors.New("hardware probe failed")

type Prober interface {
	Probe(ctx context.Context) (types.HardwareCapability, error)
}

const (
	SimulatedGPUModel = "NVIDIA GeForce RTX 4090"
	SimulatedDriver   = "535.104.05"
	SimulatedVRAMGB   = 24
)

// StaticProber returns a fixed descriptor, used in demo mode.
type StaticProber struct {
	Capability types.HardwareCapability
}

func NewSimulatedProber() *StaticProber {
	return &StaticProber{Capability: types.HardwareCapability{
		GPUModel:      SimulatedGPUModel,
		VRAMGB:        SimulatedVRAMGB,
		DriverVersion: SimulatedDriver,
	}}
}

func (p *StaticProber) Probe(ctx context.Context) (types.HardwareCapability, error) {
	if err := ctx.Err(); err != nil {
		return types.HardwareCapability{}, err
	}
	return p.Capability, nil
}

// NvidiaProber queries nvidia-smi and picks the GPU with the most memory.
// Host memory and core counts come from the OS.
type NvidiaProber struct {
	Binary string
	logger *zap.Logger
	// run is overridable in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewNvidiaProber(logger *zap.Logger) *NvidiaProber {
	return &NvidiaProber{
		Binary: "nvidia-smi",
		logger: logger.Named("hal"),
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

func (p *NvidiaProber) Probe(ctx context.Context) (types.HardwareCapability, error) {
	out, err := p.run(ctx, p.Binary,
		"--query-gpu=name,memory.total,driver_version",
		"--format=csv,noheader,nounits")
	if err != nil {
		return types.HardwareCapability{}, fmt.Errorf("%w: %s: %v", ErrProbe, p.Binary, err)
	}
	gpus, err := ParseNvidiaSMI(out)
	if err != nil {
		return types.HardwareCapability{}, err
	}

	best := gpus[0]
	for _, g := range gpus[1:] {
		if g.VRAMGB > best.VRAMGB {
			best = g
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		best.HostMemoryGB = int(vm.Total >> 30)
	} else {
		p.logger.Warn("failed to read host memory", zap.Error(err))
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		best.CPUCores = n
	} else {
		p.logger.Warn("failed to read cpu count", zap.Error(err))
	}

	p.logger.Info("probed hardware",
		zap.String("gpu", best.GPUModel),
		zap.Int("vram_gb", best.VRAMGB),
		zap.String("driver", best.DriverVersion),
		zap.Int("gpus", len(gpus)))
	return best, nil
}

// ParseNvidiaSMI reads "name, memory.total [MiB], driver_version" rows.
func ParseNvidiaSMI(out []byte) ([]types.HardwareCapability, error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = 3

	var gpus []types.HardwareCapability
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: malformed nvidia-smi output: %v", ErrProbe, err)
		}
		mib, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad memory value %q", ErrProbe, rec[1])
		}
		gpus = append(gpus, types.HardwareCapability{
			GPUModel:      strings.TrimSpace(rec[0]),
			VRAMGB:        int(math.Round(mib / 1024)),
			DriverVersion: strings.TrimSpace(rec[2]),
		})
	}
	if len(gpus) == 0 {
		return nil, fmt.Errorf("%w: no GPUs reported", ErrProbe)
	}
	return gpus, nil
}

// Describe renders the capability the way operators see it in logs.
func Describe(hw types.HardwareCapability) string {
	if hw.DriverVersion == "" {
		return hw.GPUModel
	}
	return fmt.Sprintf("%s (Driver: %s)", hw.GPUModel, hw.DriverVersion)
}
