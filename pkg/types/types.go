package types

import (
	"fmt"
	"time"
)

// Phase is the discriminant of NodeState.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseSyncing
	PhaseIdle
	PhaseComputing
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseSyncing:
		return "syncing"
	case PhaseIdle:
		return "idle"
	case PhaseComputing:
		return "computing"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Status is the coarse node status published to the coordination service.
type Status string

const (
	StatusOffline   Status = "offline"
	StatusSyncing   Status = "syncing"
	StatusOnline    Status = "online"
	StatusComputing Status = "computing"
)

// NodeState is the lifecycle state of a node. TaskID is only meaningful
// while Phase is PhaseComputing; use the constructors below so the two
// fields never disagree.
type NodeState struct {
	Phase  Phase
	TaskID string
}

func StateInit() NodeState    { return NodeState{Phase: PhaseInit} }
func StateSyncing() NodeState { return NodeState{Phase: PhaseSyncing} }
func StateIdle() NodeState    { return NodeState{Phase: PhaseIdle} }

func StateComputing(taskID string) NodeState {
	return NodeState{Phase: PhaseComputing, TaskID: taskID}
}

// Computing reports whether the state holds a task, and which.
func (s NodeState) Computing() (string, bool) {
	if s.Phase != PhaseComputing {
		return "", false
	}
	return s.TaskID, true
}

// Status projects the state onto the published status enum.
func (s NodeState) Status() Status {
	switch s.Phase {
	case PhaseSyncing:
		return StatusSyncing
	case PhaseIdle:
		return StatusOnline
	case PhaseComputing:
		return StatusComputing
	default:
		return StatusOffline
	}
}

func (s NodeState) String() string {
	if s.Phase == PhaseComputing {
		return fmt.Sprintf("computing(%s)", s.TaskID)
	}
	return s.Phase.String()
}

// Requirements is the resource claim a task declares in its offer.
type Requirements struct {
	MemoryGB int `json:"memory_gb"`
}

// FitsWithin is the admission predicate against the node's capability.
func (r Requirements) FitsWithin(hw HardwareCapability) bool {
	return r.MemoryGB >= 0 && r.MemoryGB <= hw.VRAMGB
}

type Task struct {
	// Network-unique identifier, e.g. "task_000123".
	ID string `json:"id"`

	// Locator of the executable artifact: container image reference for the
	// podman runtime, file path or URL of a module for the wasm runtime.
	Image string `json:"image"`

	Command      []string     `json:"command,omitempty"`
	Requirements Requirements `json:"requirements"`

	// Free-form workload label, e.g. "LLM Inference".
	Kind string `json:"kind,omitempty"`
}

func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	if t.Image == "" {
		return fmt.Errorf("task %s has no image", t.ID)
	}
	if t.Requirements.MemoryGB < 0 {
		return fmt.Errorf("task %s declares negative memory", t.ID)
	}
	return nil
}

// ExecutionResult is produced by a compute runtime and consumed by a proof
// engine. Digest is the opaque result handle.
type ExecutionResult struct {
	TaskID      string
	Digest      []byte
	Output      []byte
	ExitCode    int
	StartedAt   time.Time
	CompletedAt time.Time
}

type HardwareCapability struct {
	GPUModel      string `json:"gpu_model"`
	VRAMGB        int    `json:"vram_gb"`
	DriverVersion string `json:"driver_version,omitempty"`
	HostMemoryGB  int    `json:"host_memory_gb,omitempty"`
	CPUCores      int    `json:"cpu_cores,omitempty"`
}

// StatusSnapshot is built on demand for the reporter; the orchestrator never
// stores one.
type StatusSnapshot struct {
	NodeID    string
	State     NodeState
	Hardware  HardwareCapability
	Timestamp time.Time
	// Offline marks the last report a node sends before exiting.
	Offline bool
}

func (s StatusSnapshot) Status() Status {
	if s.Offline {
		return StatusOffline
	}
	return s.State.Status()
}

type Outcome string

const (
	OutcomeSettled Outcome = "settled"
	OutcomeFailed  Outcome = "failed"
)

// Settlement is the final outcome of one task. Proof is nil for failures.
type Settlement struct {
	TaskID       string
	NodeID       string
	Outcome      Outcome
	Proof        Proof
	ResultDigest []byte
	Error        string
	FinishedAt   time.Time
}
