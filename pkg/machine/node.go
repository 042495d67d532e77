// Package machine connects the node to the provider mesh. Node is the libp2p
// backed implementation; SimulatedNetwork stands in for it in demo mode.
package machine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"go.uber.org/zap"

	"hyperion/pkg/types"
)

const (
	DefaultOffersTopic = "hyperion-task-offers"
	mdnsServiceName    = "_hyperion._udp"
	offerBuffer        = 16
)

type Options struct {
	ListenAddrs    []string
	BootstrapPeers []string
	EnableMDNS     bool
	OffersTopic    string

	// GPUModel, when set, is advertised in the DHT after each successful Sync.
	GPUModel string

	// SyncWait bounds Sync when no bootstrap peers are configured.
	SyncWait time.Duration
	// RetryBase and RetryMax bound the backoff between bootstrap attempts.
	RetryBase time.Duration
	RetryMax  time.Duration
}

type Node struct {
	host   host.Host
	dht    *dht.IpfsDHT
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	mdns   mdns.Service
	logger *zap.Logger
	opts   Options

	bootstrap []peer.AddrInfo
	offers    chan types.Task
	// refresh bootstraps the routing table; replaced in tests.
	refresh func(context.Context) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

type discoveryNotifee struct {
	h      host.Host
	logger *zap.Logger
}

func (n *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() || n.h.Network().Connectedness(pi.ID) == network.Connected {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.h.Connect(ctx, pi); err != nil {
			n.logger.Debug("failed to connect to mDNS peer", zap.Stringer("peer", pi.ID), zap.Error(err))
			return
		}
		n.logger.Info("connected to mDNS peer", zap.Stringer("peer", pi.ID))
	}()
}

// NewNode starts a libp2p host with the node identity key, joins the offer
// topic and creates a DHT client. The DHT is not bootstrapped until Sync.
func NewNode(ctx context.Context, key libp2pcrypto.PrivKey, opts Options, logger *zap.Logger) (*Node, error) {
	if opts.OffersTopic == "" {
		opts.OffersTopic = DefaultOffersTopic
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = time.Minute
	}
	logger = logger.Named("machine")

	hostOpts := []libp2p.Option{libp2p.Identity(key)}
	if len(opts.ListenAddrs) > 0 {
		hostOpts = append(hostOpts, libp2p.ListenAddrStrings(opts.ListenAddrs...))
	}
	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	n := &Node{
		host:      h,
		logger:    logger,
		opts:      opts,
		bootstrap: ParseBootstrapPeers(opts.BootstrapPeers, logger),
		offers:    make(chan types.Task, offerBuffer),
	}

	n.dht, err = dht.New(ctx, h, dht.Mode(dht.ModeClient), dht.BootstrapPeers(n.bootstrap...))
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}
	n.refresh = n.dht.Bootstrap

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = n.Close()
		return nil, fmt.Errorf("failed to create gossipsub: %w", err)
	}
	if n.topic, err = ps.Join(opts.OffersTopic); err != nil {
		_ = n.Close()
		return nil, fmt.Errorf("failed to join %s: %w", opts.OffersTopic, err)
	}
	if n.sub, err = n.topic.Subscribe(); err != nil {
		_ = n.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", opts.OffersTopic, err)
	}

	if opts.EnableMDNS {
		n.mdns = mdns.NewMdnsService(h, mdnsServiceName, &discoveryNotifee{h: h, logger: logger})
		if err := n.mdns.Start(); err != nil {
			_ = n.Close()
			return nil, fmt.Errorf("failed to start mDNS service: %w", err)
		}
		logger.Info("mDNS discovery enabled")
	}

	readCtx, cancel := context.WithCancel(context.Background())
	n.ctx, n.cancel = readCtx, cancel
	n.wg.Add(1)
	go n.readOffers(readCtx)

	logger.Info("libp2p host started",
		zap.Stringer("peer", h.ID()),
		zap.Any("addrs", h.Addrs()),
		zap.String("topic", opts.OffersTopic))
	return n, nil
}

// ParseBootstrapPeers skips entries that are not valid /p2p multiaddrs.
func ParseBootstrapPeers(raw []string, logger *zap.Logger) []peer.AddrInfo {
	var peers []peer.AddrInfo
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		ai, err := peer.AddrInfoFromString(s)
		if err != nil {
			logger.Warn("invalid bootstrap peer", zap.String("addr", s), zap.Error(err))
			continue
		}
		peers = append(peers, *ai)
	}
	return peers
}

func (n *Node) Host() host.Host { return n.host }

func (n *Node) LocalPeerID() string { return n.host.ID().String() }

func (n *Node) Offers() <-chan types.Task { return n.offers }

// Sync connects to the bootstrap peers and refreshes the routing table. It
// retries with exponential backoff until a peer answers or ctx ends. Without
// bootstrap peers it waits SyncWait for mDNS neighbours and returns.
func (n *Node) Sync(ctx context.Context) error {
	if len(n.bootstrap) == 0 {
		n.logger.Info("no bootstrap peers configured, relying on local discovery")
		select {
		case <-time.After(n.opts.SyncWait):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := n.refresh(ctx); err != nil {
			return err
		}
		n.advertiseInBackground()
		return nil
	}

	delay := n.opts.RetryBase
	for attempt := 1; ; attempt++ {
		connected := n.connectBootstrap(ctx)
		if connected > 0 {
			err := n.refresh(ctx)
			if err == nil {
				n.logger.Info("network sync complete",
					zap.Int("bootstrap_peers", connected),
					zap.Int("attempts", attempt))
				n.advertiseInBackground()
				return nil
			}
			n.logger.Warn("failed to bootstrap DHT, retrying",
				zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(err))
		} else {
			n.logger.Warn("no bootstrap peer reachable, retrying",
				zap.Int("attempt", attempt), zap.Duration("backoff", delay))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, n.opts.RetryMax)
	}
}

func (n *Node) connectBootstrap(ctx context.Context) int {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		connected int
	)
	for _, pi := range n.bootstrap {
		wg.Add(1)
		go func(pi peer.AddrInfo) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := n.host.Connect(cctx, pi); err != nil {
				n.logger.Debug("bootstrap dial failed", zap.Stringer("peer", pi.ID), zap.Error(err))
				return
			}
			mu.Lock()
			connected++
			mu.Unlock()
		}(pi)
	}
	wg.Wait()
	return connected
}

func (n *Node) readOffers(ctx context.Context) {
	defer n.wg.Done()
	defer close(n.offers)
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				n.logger.Warn("offer subscription ended", zap.Error(err))
			}
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		task, err := DecodeOffer(msg.Data)
		if err != nil {
			n.logger.Info("dropping malformed offer", zap.Stringer("from", msg.ReceivedFrom), zap.Error(err))
			continue
		}
		select {
		case n.offers <- task:
		default:
			n.logger.Warn("offer buffer full, dropping offer", zap.String("task", task.ID))
		}
	}
}

// TopicPeers is the number of mesh peers currently subscribed to the offer topic.
func (n *Node) TopicPeers() int { return len(n.topic.ListPeers()) }

// PublishOffer broadcasts a task to the mesh.
func (n *Node) PublishOffer(ctx context.Context, task types.Task) error {
	data, err := EncodeOffer(task)
	if err != nil {
		return fmt.Errorf("failed to marshal offer: %w", err)
	}
	return n.topic.Publish(ctx, data)
}

func (n *Node) Close() error {
	var err error
	n.once.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		if n.sub != nil {
			n.sub.Cancel()
		}
		n.wg.Wait()
		if n.topic != nil {
			_ = n.topic.Close()
		}
		if n.mdns != nil {
			_ = n.mdns.Close()
		}
		if n.dht != nil {
			_ = n.dht.Close()
		}
		err = n.host.Close()
	})
	return err
}
