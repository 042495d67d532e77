// Package reporter publishes node status and task settlements to the
// coordination service.
package reporter

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hyperion/pkg/api"
	"hyperion/pkg/types"
)

// ErrReport is returned for any failed delivery. Callers log it and move on.
var ErrReport = errors.New("status report failed")

type Reporter interface {
	// Report upserts the node row keyed on the snapshot's NodeID.
	Report(ctx context.Context, snap types.StatusSnapshot) error
	Settle(ctx context.Context, s types.Settlement) error
}

func NodeRecordFrom(snap types.StatusSnapshot, loc api.Location) api.NodeRecord {
	return api.NodeRecord{
		ID:         snap.NodeID,
		GPUModel:   snap.Hardware.GPUModel,
		Status:     string(snap.Status()),
		VRAMGB:     snap.Hardware.VRAMGB,
		LastSeen:   snap.Timestamp.UTC().Format(time.RFC3339),
		IPLocation: loc,
	}
}

func SettlementRecordFrom(s types.Settlement) (api.SettlementRecord, error) {
	rec := api.SettlementRecord{
		TaskID:     s.TaskID,
		NodeID:     s.NodeID,
		Outcome:    string(s.Outcome),
		Error:      s.Error,
		FinishedAt: s.FinishedAt.UTC().Format(time.RFC3339),
	}
	if len(s.ResultDigest) > 0 {
		rec.ResultDigest = hex.EncodeToString(s.ResultDigest)
	}
	if s.Proof != nil {
		raw, err := types.MarshalProof(s.Proof)
		if err != nil {
			return rec, fmt.Errorf("failed to encode proof: %w", err)
		}
		rec.Proof = raw
	}
	return rec, nil
}

// LogReporter writes reports to the log only. Used in demo mode and when no
// endpoint is configured.
type LogReporter struct {
	logger *zap.Logger
}

func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger.Named("reporter")}
}

func (r *LogReporter) Report(ctx context.Context, snap types.StatusSnapshot) error {
	r.logger.Debug("status",
		zap.String("node", snap.NodeID),
		zap.String("status", string(snap.Status())),
		zap.Stringer("state", snap.State))
	return nil
}

func (r *LogReporter) Settle(ctx context.Context, s types.Settlement) error {
	fields := []zap.Field{
		zap.String("task", s.TaskID),
		zap.String("outcome", string(s.Outcome)),
	}
	if s.Proof != nil {
		fields = append(fields, zap.String("proof", string(s.Proof.Kind())))
	}
	if s.Error != "" {
		fields = append(fields, zap.String("error", s.Error))
	}
	r.logger.Info("settlement", fields...)
	return nil
}

var (
	_ Reporter = (*LogReporter)(nil)
	_ Reporter = (*HTTPReporter)(nil)
)
