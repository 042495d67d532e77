package machine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"

	"hyperion/pkg/api"
	"hyperion/pkg/types"
)

var ErrInvalidOffer = errors.New("invalid task offer")

const gib = int64(1) << 30

// DecodeOffer parses a broadcast offer into a task.
func DecodeOffer(data []byte) (types.Task, error) {
	var offer api.TaskOffer
	if err := json.Unmarshal(data, &offer); err != nil {
		return types.Task{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	return TaskFromOffer(offer)
}

func EncodeOffer(task types.Task) ([]byte, error) {
	return json.Marshal(api.TaskOffer{
		ID:       task.ID,
		Kind:     task.Kind,
		Image:    task.Image,
		Command:  task.Command,
		MemoryGB: task.Requirements.MemoryGB,
	})
}

// TaskFromOffer resolves an offer, expanding an embedded Pod manifest if present.
// Explicit offer fields win over the manifest.
func TaskFromOffer(offer api.TaskOffer) (types.Task, error) {
	task := types.Task{
		ID:           offer.ID,
		Kind:         offer.Kind,
		Image:        offer.Image,
		Command:      offer.Command,
		Requirements: types.Requirements{MemoryGB: offer.MemoryGB},
	}
	if len(offer.Manifest) > 0 {
		fromPod, err := TaskFromPod(offer.Manifest)
		if err != nil {
			return types.Task{}, err
		}
		if task.ID == "" {
			task.ID = fromPod.ID
		}
		if task.Image == "" {
			task.Image = fromPod.Image
		}
		if len(task.Command) == 0 {
			task.Command = fromPod.Command
		}
		if task.Requirements.MemoryGB == 0 {
			task.Requirements = fromPod.Requirements
		}
		if task.Kind == "" {
			task.Kind = fromPod.Kind
		}
	}
	if err := task.Validate(); err != nil {
		return types.Task{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	return task, nil
}

// TaskFromPod reads a Pod manifest (YAML or JSON). The first container gives
// the image and command; its memory limit, or request if no limit is set,
// becomes the requirement rounded up to whole GB.
func TaskFromPod(manifest []byte) (types.Task, error) {
	var pod corev1.Pod
	if err := yaml.Unmarshal(manifest, &pod); err != nil {
		return types.Task{}, fmt.Errorf("%w: failed to parse manifest: %v", ErrInvalidOffer, err)
	}
	if pod.Kind != "" && !strings.EqualFold(pod.Kind, "Pod") {
		return types.Task{}, fmt.Errorf("%w: unsupported manifest kind %q", ErrInvalidOffer, pod.Kind)
	}
	if len(pod.Spec.Containers) == 0 {
		return types.Task{}, fmt.Errorf("%w: manifest has no containers", ErrInvalidOffer)
	}
	c := pod.Spec.Containers[0]

	task := types.Task{
		ID:      pod.Name,
		Image:   c.Image,
		Command: append(append([]string{}, c.Command...), c.Args...),
		Kind:    pod.Labels["hyperion.io/kind"],
	}
	q, ok := c.Resources.Limits[corev1.ResourceMemory]
	if !ok {
		q, ok = c.Resources.Requests[corev1.ResourceMemory]
	}
	if ok {
		task.Requirements.MemoryGB = int((q.Value() + gib - 1) / gib)
	}
	return task, nil
}
