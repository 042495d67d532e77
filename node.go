package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"go.uber.org/zap"

	"hyperion/internal/common"
	"hyperion/internal/config"
	"hyperion/pkg/api"
	"hyperion/pkg/hal"
	"hyperion/pkg/machine"
	"hyperion/pkg/metrics"
	"hyperion/pkg/orchestrator"
	"hyperion/pkg/proof"
	"hyperion/pkg/proof/attestation"
	"hyperion/pkg/proof/simplehash"
	"hyperion/pkg/proof/zk"
	"hyperion/pkg/reporter"
	"hyperion/pkg/runtime"
	"hyperion/pkg/runtime/podman"
	"hyperion/pkg/runtime/sim"
	"hyperion/pkg/runtime/wasm"
	"hyperion/pkg/types"
)

// network is what the node needs from either the libp2p mesh or the
// simulated one.
type network interface {
	orchestrator.Syncer
	orchestrator.OfferSource
	LocalPeerID() string
	Close() error
}

var (
	_ network = (*machine.Node)(nil)
	_ network = (*machine.SimulatedNetwork)(nil)
)

func runNode(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	logger.Info("hyperion is starting", zap.String("version", version))
	if cfg.Demo {
		logger.Warn("running in demo mode, all tasks and rewards are simulated")
	}

	key, err := common.LoadOrCreateKey(cfg.NodeKeyPath)
	if err != nil {
		return fmt.Errorf("%w: node identity: %v", orchestrator.ErrFatalStartup, err)
	}

	hw, err := newProber(cfg, logger).Probe(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", orchestrator.ErrFatalStartup, err)
	}
	logger.Info("hardware check passed", zap.String("gpu", hal.Describe(hw)), zap.Int("vram_gb", hw.VRAMGB))

	net, err := newNetwork(ctx, cfg, key, hw, logger)
	if err != nil {
		return fmt.Errorf("%w: %v", orchestrator.ErrFatalStartup, err)
	}
	defer func() { _ = net.Close() }()
	logger.Info("p2p network service started", zap.String("node_id", net.LocalPeerID()))

	rt, closeRuntime := newRuntime(cfg, logger)
	defer closeRuntime()

	engine, err := newProofEngine(cfg, key, logger)
	if err != nil {
		return fmt.Errorf("%w: %v", orchestrator.ErrFatalStartup, err)
	}

	rep, err := newReporter(cfg, logger)
	if err != nil {
		return fmt.Errorf("%w: %v", orchestrator.ErrFatalStartup, err)
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, m, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	orch, err := orchestrator.New(orchestrator.Config{
		NodeID:           net.LocalPeerID(),
		Hardware:         hw,
		Tick:             cfg.Intervals.Tick.Duration,
		Heartbeat:        cfg.Intervals.Heartbeat.Duration,
		Report:           cfg.Intervals.Report.Duration,
		ReportTimeout:    cfg.Reporter.Timeout.Duration,
		Grace:            cfg.Intervals.Grace.Duration,
		ExecutionTimeout: cfg.Runtime.ExecutionTimeout.Duration,
	}, orchestrator.Deps{
		Runtime:  rt,
		Proof:    engine,
		Reporter: rep,
		Syncer:   net,
		Offers:   net,
		Metrics:  m,
	}, logger)
	if err != nil {
		return err
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}
	logger.Info("system ready, entering main loop",
		zap.String("runtime", rt.Name()),
		zap.String("proof", engine.Name()))
	return orch.Run(ctx)
}

func newProber(cfg config.Config, logger *zap.Logger) hal.Prober {
	if cfg.Demo {
		return hal.NewSimulatedProber()
	}
	return hal.NewNvidiaProber(logger)
}

func newNetwork(ctx context.Context, cfg config.Config, key libp2pcrypto.PrivKey, hw types.HardwareCapability, logger *zap.Logger) (network, error) {
	if cfg.Demo {
		s, err := machine.NewSimulatedNetwork(key, machine.SimOptions{
			OfferChance:  machine.DefaultOfferChance,
			Interval:     cfg.Intervals.Tick.Duration,
			SyncDuration: cfg.Intervals.Sync.Duration,
			SyncRetries:  cfg.Intervals.SyncRetries,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	n, err := machine.NewNode(ctx, key, machine.Options{
		ListenAddrs:    cfg.Network.ListenAddrs,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		EnableMDNS:     cfg.Network.EnableMDNS,
		OffersTopic:    cfg.Network.OffersTopic,
		GPUModel:       hw.GPUModel,
		SyncWait:       cfg.Intervals.Sync.Duration,
	}, logger)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func newRuntime(cfg config.Config, logger *zap.Logger) (runtime.Runtime, func()) {
	switch cfg.Runtime.Backend {
	case config.RuntimePodman:
		rt := podman.New(podman.Options{
			Socket:    cfg.Runtime.PodmanSocket,
			GPUDevice: cfg.Runtime.GPUDevice,
		}, logger)
		return rt, rt.Close
	case config.RuntimeWasm:
		rt := wasm.New(wasm.Options{MemoryLimitPages: cfg.Runtime.WasmMemoryLimitPages}, logger)
		return rt, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = rt.Close(ctx)
		}
	default:
		return sim.New(sim.Options{
			MinDuration:  2 * time.Second,
			MaxDuration:  8 * time.Second,
			FailureRatio: cfg.Runtime.SimFailureRatio,
		}, logger), func() {}
	}
}

func newProofEngine(cfg config.Config, key libp2pcrypto.PrivKey, logger *zap.Logger) (proof.Engine, error) {
	switch cfg.Proof.Backend {
	case config.ProofAttestation:
		return attestation.New(key, attestation.Options{
			AllowSoftware: cfg.Proof.AllowSoftwareAttestation || cfg.Demo,
		}, logger)
	case config.ProofZK:
		return zk.New(logger), nil
	default:
		return simplehash.New(logger), nil
	}
}

func newReporter(cfg config.Config, logger *zap.Logger) (reporter.Reporter, error) {
	if cfg.Demo || cfg.Reporter.Endpoint == "" {
		if !cfg.Demo {
			logger.Warn("no report endpoint configured, status is only logged")
		}
		return reporter.NewLogReporter(logger), nil
	}
	fallback := api.Location{City: cfg.Reporter.City, Lat: cfg.Reporter.Lat, Lng: cfg.Reporter.Lng}
	return reporter.NewHTTPReporter(reporter.HTTPOptions{
		Endpoint: cfg.Reporter.Endpoint,
		APIKey:   cfg.Reporter.APIKey,
		Timeout:  cfg.Reporter.Timeout.Duration,
		Locator:  reporter.ResolveLocator(cfg.Reporter.GeoIPDatabase, cfg.Reporter.PublicIP, fallback, logger),
	}, logger)
}

func serveMetrics(addr string, m *metrics.Metrics, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}
