package machine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"go.uber.org/zap"

	"hyperion/internal/common"
	"hyperion/pkg/types"
)

var ErrSyncFailed = errors.New("state sync failed")

const DefaultOfferChance = 0.2

var simulatedKinds = []string{"ZK-Rollup Proof", "LLM Inference"}

type SimOptions struct {
	// OfferChance is the probability of an offer per Interval. Zero turns
	// the offer stream off; demo mode uses DefaultOfferChance.
	OfferChance float64
	Interval    time.Duration

	SyncDuration time.Duration
	SyncRetries  int
	// SyncFailures makes the first n sync attempts fail.
	SyncFailures int

	MinMemoryGB int
	MaxMemoryGB int

	Rand *rand.Rand
}

// SimulatedNetwork produces a random offer stream for demo mode. Its peer id
// is derived from the real node key so the reported identity is stable.
type SimulatedNetwork struct {
	peerID string
	opts   SimOptions
	logger *zap.Logger
	offers chan types.Task

	attempts int
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

func NewSimulatedNetwork(key libp2pcrypto.PrivKey, opts SimOptions, logger *zap.Logger) (*SimulatedNetwork, error) {
	id, err := common.PeerIDFromPrivateKey(key)
	if err != nil {
		return nil, err
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.SyncRetries <= 0 {
		opts.SyncRetries = 1
	}
	if opts.MinMemoryGB == 0 && opts.MaxMemoryGB == 0 {
		opts.MinMemoryGB, opts.MaxMemoryGB = 8, 16
	}
	if opts.MaxMemoryGB < opts.MinMemoryGB {
		return nil, fmt.Errorf("invalid simulated memory range %d-%d", opts.MinMemoryGB, opts.MaxMemoryGB)
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &SimulatedNetwork{
		peerID: id.String(),
		opts:   opts,
		logger: logger.Named("machine.sim"),
		offers: make(chan types.Task, offerBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.generate(ctx)
	return s, nil
}

func (s *SimulatedNetwork) LocalPeerID() string { return s.peerID }

func (s *SimulatedNetwork) Offers() <-chan types.Task { return s.offers }

// Sync waits SyncDuration per attempt, giving up after SyncRetries attempts.
func (s *SimulatedNetwork) Sync(ctx context.Context) error {
	for i := 1; i <= s.opts.SyncRetries; i++ {
		s.logger.Info("syncing state from testnet", zap.Int("attempt", i))
		select {
		case <-time.After(s.opts.SyncDuration):
		case <-ctx.Done():
			return ctx.Err()
		}
		s.attempts++
		if s.attempts > s.opts.SyncFailures {
			return nil
		}
		s.logger.Warn("simulated sync attempt failed", zap.Int("attempt", i))
	}
	return fmt.Errorf("%w after %d attempts", ErrSyncFailed, s.opts.SyncRetries)
}

func (s *SimulatedNetwork) generate(ctx context.Context) {
	defer close(s.done)
	defer close(s.offers)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.opts.Rand.Float64() >= s.opts.OfferChance {
				continue
			}
			task := s.nextTask()
			s.logger.Info("task broadcast received",
				zap.String("task", task.ID),
				zap.String("kind", task.Kind),
				zap.Int("memory_gb", task.Requirements.MemoryGB))
			select {
			case s.offers <- task:
			default:
			}
		}
	}
}

func (s *SimulatedNetwork) nextTask() types.Task {
	r := s.opts.Rand
	kind := simulatedKinds[r.IntN(len(simulatedKinds))]
	return types.Task{
		ID:    fmt.Sprintf("task_%06d", 1000+r.IntN(999999-1000)),
		Kind:  kind,
		Image: "sim://" + kind,
		Requirements: types.Requirements{
			MemoryGB: s.opts.MinMemoryGB + r.IntN(s.opts.MaxMemoryGB-s.opts.MinMemoryGB+1),
		},
	}
}

func (s *SimulatedNetwork) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
