package machine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	mh "github.com/multiformats/go-multihash"
	"go.uber.org/zap"
)

const advertiseTimeout = 30 * time.Second

// ProviderKey is the DHT content key under which nodes with the given GPU
// model announce themselves.
func ProviderKey(gpuModel string) (cid.Cid, error) {
	model := strings.ToLower(strings.Join(strings.Fields(gpuModel), "-"))
	if model == "" {
		return cid.Cid{}, fmt.Errorf("empty gpu model")
	}
	hashed, err := mh.Sum([]byte("/hyperion/provider/gpu/"+model), mh.SHA2_256, -1)
	if err != nil {
		return cid.Cid{}, fmt.Errorf("failed to hash key: %w", err)
	}
	return cid.NewCidV1(cid.Raw, hashed), nil
}

// Advertise announces this node as a provider for its GPU model.
func (n *Node) Advertise(ctx context.Context, gpuModel string) error {
	key, err := ProviderKey(gpuModel)
	if err != nil {
		return err
	}
	if err := n.dht.Provide(ctx, key, true); err != nil {
		return fmt.Errorf("failed to provide %s: %w", gpuModel, err)
	}
	n.logger.Info("advertised capability", zap.String("gpu", gpuModel), zap.Stringer("key", key))
	return nil
}

// FindProviders returns full /p2p multiaddrs of nodes advertising gpuModel.
func (n *Node) FindProviders(ctx context.Context, gpuModel string) ([]string, error) {
	key, err := ProviderKey(gpuModel)
	if err != nil {
		return nil, err
	}
	providers, err := n.dht.FindProviders(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to find providers for %s: %w", gpuModel, err)
	}
	return providerAddrs(providers), nil
}

func providerAddrs(providers []peer.AddrInfo) []string {
	addresses := make([]string, 0, len(providers))
	for _, p := range providers {
		peerComp, err := ma.NewComponent("p2p", p.ID.String())
		if err != nil {
			continue
		}
		for _, addr := range p.Addrs {
			addresses = append(addresses, addr.Encapsulate(peerComp).String())
		}
	}
	return addresses
}

func (n *Node) advertiseInBackground() {
	if n.opts.GPUModel == "" || n.ctx.Err() != nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.ctx, advertiseTimeout)
		defer cancel()
		if err := n.Advertise(ctx, n.opts.GPUModel); err != nil && n.ctx.Err() == nil {
			n.logger.Debug("capability advertisement failed", zap.Error(err))
		}
	}()
}
