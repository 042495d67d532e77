package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"hyperion/internal/config"
	"hyperion/pkg/machine"
)

const llamaPod = `apiVersion: v1
kind: Pod
metadata:
  name: llama-infer-7
  labels:
    hyperion.io/kind: LLM Inference
spec:
  containers:
    - name: main
      image: ghcr.io/hyperion/llama:1.2
      args: ["--prompt", "hello"]
      resources:
        limits:
          memory: 16Gi
`

func TestBuildOfferFromManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pod.yaml")
	require.NoError(t, os.WriteFile(path, []byte(llamaPod), 0o600))

	task, err := buildOffer(offerFlags{manifest: path}, nil)
	require.NoError(t, err)
	assert.Equal(t, "llama-infer-7", task.ID)
	assert.Equal(t, "ghcr.io/hyperion/llama:1.2", task.Image)
	assert.Equal(t, 16, task.Requirements.MemoryGB)
	assert.Equal(t, "LLM Inference", task.Kind)

	task, err = buildOffer(offerFlags{manifest: path, id: "task_000009", memoryGB: 30}, nil)
	require.NoError(t, err)
	assert.Equal(t, "task_000009", task.ID)
	assert.Equal(t, 30, task.Requirements.MemoryGB)
}

func TestBuildOfferFromFlags(t *testing.T) {
	task, err := buildOffer(offerFlags{image: "sim://ZK-Rollup Proof", memoryGB: 8}, []string{"prove", "--batch", "12"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(task.ID, "task_"), task.ID)
	assert.Len(t, task.ID, len("task_")+12)
	assert.Equal(t, []string{"prove", "--batch", "12"}, task.Command)

	_, err = buildOffer(offerFlags{memoryGB: 8}, nil)
	assert.ErrorIs(t, err, machine.ErrInvalidOffer)

	_, err = buildOffer(offerFlags{manifest: filepath.Join(t.TempDir(), "missing.yaml")}, nil)
	assert.Error(t, err)
}

func TestPublishOfferReachesSubscriber(t *testing.T) {
	logger := zaptest.NewLogger(t)
	sub, err := machine.NewNode(context.Background(), mustKey(t), machine.Options{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
	}, logger)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: sub.Host().ID(), Addrs: sub.Host().Addrs()})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Network.BootstrapPeers = []string{addrs[0].String()}

	task, err := buildOffer(offerFlags{id: "task_000321", image: "docker.io/library/alpine:3.20", memoryGB: 4}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, publishOffer(ctx, cfg, task, logger))

	select {
	case got := <-sub.Offers():
		assert.Equal(t, task.ID, got.ID)
		assert.Equal(t, 4, got.Requirements.MemoryGB)
	case <-ctx.Done():
		t.Fatal("offer never arrived")
	}
}
