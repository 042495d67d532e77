package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hyperion/internal/common"
	"hyperion/internal/config"
	"hyperion/internal/logging"
	"hyperion/pkg/api"
	"hyperion/pkg/machine"
	"hyperion/pkg/types"
)

type offerFlags struct {
	manifest string
	id       string
	kind     string
	image    string
	memoryGB int
	wait     time.Duration
}

func newOfferCmd(configPath *string) *cobra.Command {
	var f offerFlags
	cmd := &cobra.Command{
		Use:   "offer [-- command...]",
		Short: "Publish a task offer to the provider mesh",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			task, err := buildOffer(f, args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), f.wait)
			defer cancel()
			return publishOffer(ctx, cfg, task, logger)
		},
	}
	cmd.Flags().StringVarP(&f.manifest, "file", "f", "", "Pod manifest to derive the task from")
	cmd.Flags().StringVar(&f.id, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&f.kind, "kind", "", "workload label")
	cmd.Flags().StringVar(&f.image, "image", "", "image or module locator")
	cmd.Flags().IntVar(&f.memoryGB, "memory-gb", 0, "GPU memory requirement in GB")
	cmd.Flags().DurationVar(&f.wait, "wait", 30*time.Second, "how long to look for subscribed peers")
	return cmd
}

func buildOffer(f offerFlags, command []string) (types.Task, error) {
	offer := api.TaskOffer{
		ID:       f.id,
		Kind:     f.kind,
		Image:    f.image,
		Command:  command,
		MemoryGB: f.memoryGB,
	}
	if f.manifest != "" {
		data, err := os.ReadFile(f.manifest)
		if err != nil {
			return types.Task{}, fmt.Errorf("failed to read manifest: %w", err)
		}
		offer.Manifest = data
	}
	if offer.ID == "" {
		offer.ID = newTaskID()
		if offer.Manifest != nil {
			if pod, err := machine.TaskFromPod(offer.Manifest); err == nil && pod.ID != "" {
				offer.ID = pod.ID
			}
		}
	}
	return machine.TaskFromOffer(offer)
}

func newTaskID() string {
	return "task_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// publishOffer joins the mesh with a throwaway identity, waits for at least
// one peer on the offer topic and publishes the task.
func publishOffer(ctx context.Context, cfg config.Config, task types.Task, logger *zap.Logger) error {
	key, err := common.GeneratePrivateKey()
	if err != nil {
		return err
	}
	n, err := machine.NewNode(ctx, key, machine.Options{
		ListenAddrs:    []string{"/ip4/0.0.0.0/tcp/0"},
		BootstrapPeers: cfg.Network.BootstrapPeers,
		EnableMDNS:     cfg.Network.EnableMDNS,
		OffersTopic:    cfg.Network.OffersTopic,
		SyncWait:       cfg.Intervals.Sync.Duration,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = n.Close() }()

	if err := n.Sync(ctx); err != nil {
		return fmt.Errorf("failed to join the mesh: %w", err)
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for n.TopicPeers() == 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no peers subscribed to %s: %w", cfg.Network.OffersTopic, ctx.Err())
		case <-ticker.C:
		}
	}
	if err := n.PublishOffer(ctx, task); err != nil {
		return fmt.Errorf("failed to publish offer: %w", err)
	}
	logger.Info("offer published",
		zap.String("task", task.ID),
		zap.String("image", task.Image),
		zap.Int("memory_gb", task.Requirements.MemoryGB),
		zap.Int("peers", n.TopicPeers()))
	return nil
}
