// Package config loads node settings from defaults, an optional YAML file
// and HYPERION_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"sigs.k8s.io/yaml"
)

const (
	RuntimePodman = "podman"
	RuntimeWasm   = "wasm"
	RuntimeSim    = "sim"

	ProofSimpleHash  = "simple-hash"
	ProofAttestation = "attestation"
	ProofZK          = "zk"
)

type Config struct {
	// Demo selects the simulated offer source, runtime, hardware and sync.
	Demo bool `json:"demo"`

	NodeKeyPath string `json:"node_key_path"`
	MetricsAddr string `json:"metrics_addr"`

	Log       LogConfig       `json:"log"`
	Network   NetworkConfig   `json:"network"`
	Runtime   RuntimeConfig   `json:"runtime"`
	Proof     ProofConfig     `json:"proof"`
	Reporter  ReporterConfig  `json:"reporter"`
	Intervals IntervalsConfig `json:"intervals"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type NetworkConfig struct {
	ListenAddrs    []string `json:"listen_addrs"`
	BootstrapPeers []string `json:"bootstrap_peers"`
	EnableMDNS     bool     `json:"enable_mdns"`
	OffersTopic    string   `json:"offers_topic"`
}

type RuntimeConfig struct {
	Backend string `json:"backend"`

	PodmanSocket string `json:"podman_socket"`
	// GPUDevice is a CDI device name handed to containers, e.g. nvidia.com/gpu=all.
	GPUDevice string `json:"gpu_device"`

	WasmMemoryLimitPages uint32 `json:"wasm_memory_limit_pages"`

	ExecutionTimeout Duration `json:"execution_timeout"`

	// SimFailureRatio is the fraction of simulated executions that fail.
	SimFailureRatio float64 `json:"sim_failure_ratio"`
}

type ProofConfig struct {
	Backend string `json:"backend"`
	// AllowSoftwareAttestation lets the attestation backend sign with the node
	// key on hosts without a TEE guest device.
	AllowSoftwareAttestation bool `json:"allow_software_attestation"`
}

type ReporterConfig struct {
	Endpoint      string   `json:"endpoint"`
	APIKey        string   `json:"api_key"`
	Timeout       Duration `json:"timeout"`
	PublicIP      string   `json:"public_ip"`
	GeoIPDatabase string   `json:"geoip_database"`
	City          string   `json:"city"`
	Lat           float64  `json:"lat"`
	Lng           float64  `json:"lng"`
}

type IntervalsConfig struct {
	Tick        Duration `json:"tick"`
	Heartbeat   Duration `json:"heartbeat"`
	Report      Duration `json:"report"`
	Sync        Duration `json:"sync"`
	SyncRetries int      `json:"sync_retries"`
	Grace       Duration `json:"grace"`
}

// Duration accepts Go duration strings ("5s") in YAML and JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(d.String())), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		NodeKeyPath: "",
		MetricsAddr: ":9100",
		Log:         LogConfig{Level: "info", Format: "console"},
		Network: NetworkConfig{
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/4001", "/ip4/0.0.0.0/udp/4001/quic-v1"},
			OffersTopic: "hyperion-task-offers",
		},
		Runtime: RuntimeConfig{
			Backend:              RuntimePodman,
			PodmanSocket:         "unix:///run/podman/podman.sock",
			GPUDevice:            "nvidia.com/gpu=all",
			WasmMemoryLimitPages: 1024,
			ExecutionTimeout:     Duration{30 * time.Minute},
			SimFailureRatio:      0.1,
		},
		Proof: ProofConfig{Backend: ProofSimpleHash},
		Reporter: ReporterConfig{
			Timeout: Duration{3 * time.Second},
		},
		Intervals: IntervalsConfig{
			Tick:        Duration{time.Second},
			Heartbeat:   Duration{5 * time.Second},
			Report:      Duration{30 * time.Second},
			Sync:        Duration{2 * time.Second},
			SyncRetries: 3,
			Grace:       Duration{5 * time.Second},
		},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyDemo switches every backend to its simulated variant.
func (c *Config) ApplyDemo() {
	c.Demo = true
	c.Runtime.Backend = RuntimeSim
	c.Intervals.Sync = Duration{time.Second}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("HYPERION_NODE_KEY"); ok {
		c.NodeKeyPath = v
	}
	if v, ok := lookup("HYPERION_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if v, ok := lookup("HYPERION_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("HYPERION_BOOTSTRAP_PEERS"); ok {
		c.Network.BootstrapPeers = splitList(v)
	}
	if v, ok := lookup("HYPERION_ENABLE_MDNS"); ok {
		c.Network.EnableMDNS = v == "true"
	}
	if v, ok := lookup("HYPERION_RUNTIME"); ok {
		c.Runtime.Backend = v
	}
	if v, ok := lookup("HYPERION_PODMAN_SOCKET"); ok {
		c.Runtime.PodmanSocket = v
	}
	if v, ok := lookup("HYPERION_PROOF"); ok {
		c.Proof.Backend = v
	}
	if v, ok := lookup("HYPERION_REPORT_ENDPOINT"); ok {
		c.Reporter.Endpoint = v
	}
	if v, ok := lookup("HYPERION_REPORT_API_KEY"); ok {
		c.Reporter.APIKey = v
	}
	if v, ok := lookup("HYPERION_PUBLIC_IP"); ok {
		c.Reporter.PublicIP = v
	}
	if v, ok := lookup("HYPERION_DEMO"); ok {
		demo, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid HYPERION_DEMO %q: %w", v, err)
		}
		c.Demo = demo
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Runtime.Backend {
	case RuntimePodman, RuntimeWasm, RuntimeSim:
	default:
		return fmt.Errorf("unknown runtime backend %q", c.Runtime.Backend)
	}
	switch c.Proof.Backend {
	case ProofSimpleHash, ProofAttestation, ProofZK:
	default:
		return fmt.Errorf("unknown proof backend %q", c.Proof.Backend)
	}
	if c.Runtime.SimFailureRatio < 0 || c.Runtime.SimFailureRatio > 1 {
		return fmt.Errorf("sim_failure_ratio must be within [0,1], got %v", c.Runtime.SimFailureRatio)
	}
	for name, d := range map[string]Duration{
		"tick":      c.Intervals.Tick,
		"heartbeat": c.Intervals.Heartbeat,
		"report":    c.Intervals.Report,
		"grace":     c.Intervals.Grace,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("interval %s must be positive", name)
		}
	}
	if c.Reporter.Timeout.Duration <= 0 {
		return fmt.Errorf("reporter timeout must be positive")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
