package api

import "encoding/json"

// Location is the coarse geolocation attached to a node record.
type Location struct {
	City string  `json:"city"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

// NodeRecord is the row upserted into the coordination service, keyed on ID.
type NodeRecord struct {
	ID         string   `json:"id"`
	GPUModel   string   `json:"gpu_model"`
	Status     string   `json:"status"`
	VRAMGB     int      `json:"vram_gb"`
	LastSeen   string   `json:"last_seen"`
	IPLocation Location `json:"ip_location"`
}

// SettlementRecord is the final outcome of a task as posted to the
// coordination service.
type SettlementRecord struct {
	TaskID       string          `json:"task_id"`
	NodeID       string          `json:"node_id"`
	Outcome      string          `json:"outcome"`
	ResultDigest string          `json:"result_digest,omitempty"`
	Proof        json.RawMessage `json:"proof,omitempty"`
	Error        string          `json:"error,omitempty"`
	FinishedAt   string          `json:"finished_at"`
}
