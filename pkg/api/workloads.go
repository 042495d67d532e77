package api

// TaskOffer is the broadcast payload announcing a task to provider nodes.
// Either Image or Manifest must be set; Manifest carries a Kubernetes Pod
// (YAML or JSON) whose first container describes the workload.
type TaskOffer struct {
	ID       string   `json:"id"`
	Kind     string   `json:"kind,omitempty"`
	Image    string   `json:"image,omitempty"`
	Command  []string `json:"command,omitempty"`
	MemoryGB int      `json:"memory_gb,omitempty"`
	Manifest []byte   `json:"manifest,omitempty"`
}
