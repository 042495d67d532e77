package machine

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderKey(t *testing.T) {
	a, err := ProviderKey("NVIDIA GeForce RTX 4090")
	require.NoError(t, err)
	b, err := ProviderKey("  nvidia geforce   rtx 4090 ")
	require.NoError(t, err)
	assert.True(t, a.Equals(b), "model names are normalized")
	assert.Equal(t, uint64(cid.Raw), a.Type())

	c, err := ProviderKey("NVIDIA A100")
	require.NoError(t, err)
	assert.False(t, a.Equals(c))

	_, err = ProviderKey("   ")
	assert.Error(t, err)
}

func TestProviderAddrs(t *testing.T) {
	id := unusedPeerID(t)
	addr, err := ma.NewMultiaddr("/ip4/10.0.0.7/tcp/4001")
	require.NoError(t, err)

	got := providerAddrs([]peer.AddrInfo{
		{ID: id, Addrs: []ma.Multiaddr{addr}},
		{ID: unusedPeerID(t)},
	})
	assert.Equal(t, []string{"/ip4/10.0.0.7/tcp/4001/p2p/" + id.String()}, got)
}

func TestAdvertiseWithoutModelIsNoop(t *testing.T) {
	n := newTestNode(t)
	n.advertiseInBackground()
	require.NoError(t, n.Close())
}
