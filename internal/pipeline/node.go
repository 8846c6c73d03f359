// Package pipeline implements the interactive crop node: the synchronous
// worker-side orchestration of one rendezvous, from bypass check through
// preview publication to geometry resolution.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/pixeltools/cropgate/internal/geometry"
	"github.com/pixeltools/cropgate/internal/graph"
	"github.com/pixeltools/cropgate/internal/logging"
	"github.com/pixeltools/cropgate/internal/metrics"
	"github.com/pixeltools/cropgate/internal/preview"
	"github.com/pixeltools/cropgate/internal/rendezvous"
)

// EventName identifies crop-request notifications on the event feed.
const EventName = "interactive.crop.request"

// Event is pushed to the external decision-maker after a waiter registers.
// Width and Height are the dimensions of the actual image, not of the
// (possibly downscaled) stored preview; submitted coordinates are in image
// space.
type Event struct {
	PromptID           string      `json:"prompt_id"`
	Node               string      `json:"node"`
	Image              preview.Ref `json:"image"`
	Width              int         `json:"width"`
	Height             int         `json:"height"`
	ForceOriginalRatio bool        `json:"force_original_ratio"`
}

// Notifier delivers a crop request to whoever makes the decision. The
// notification must be observable before any submit can meaningfully occur,
// so a delivery failure fails the run.
type Notifier interface {
	CropRequested(ctx context.Context, ev Event) error
}

// Config wires a Node. Registry, Previews and Notifier are required.
type Config struct {
	Registry *rendezvous.Registry
	Previews *preview.Store
	Notifier Notifier
	Metrics  *metrics.Metrics
	Log      *slog.Logger

	// PollInterval and WaitTimeout override the rendezvous defaults.
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

// Node runs interactive crop rendezvous for pipeline workers.
type Node struct {
	cfg Config
}

// New validates cfg and returns a ready Node.
func New(cfg Config) (*Node, error) {
	if cfg.Registry == nil {
		return nil, errors.New("pipeline: registry is required")
	}
	if cfg.Previews == nil {
		return nil, errors.New("pipeline: preview store is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("pipeline: notifier is required")
	}
	if cfg.Log == nil {
		cfg.Log = logging.NewNop()
	}
	return &Node{cfg: cfg}, nil
}

// RunInput is one node execution.
type RunInput struct {
	RunID  string
	NodeID string
	Image  image.Image

	// Metadata is the run's raw graph metadata, used for bypass detection.
	// May be nil.
	Metadata json.RawMessage

	ForceOriginalRatio bool
	ResizeToOriginal   bool

	// Cancelled reports whether the enclosing run was aborted. May be nil.
	Cancelled func() bool
}

// Run blocks the calling worker until a decision arrives, then applies it.
// It returns the resulting image and whether a crop happened. Timeout,
// cancellation and invalid decisions are fatal to the run; a bypassed node
// passes the image through without ever touching the registry.
func (n *Node) Run(ctx context.Context, in RunInput) (image.Image, bool, error) {
	if in.Image == nil {
		return nil, false, errors.New("interactive crop: nil input image")
	}
	log := n.cfg.Log.With("run", in.RunID, "node", in.NodeID)

	if graph.IsBypassed(in.NodeID, in.Metadata) {
		log.Debug("node bypassed, passing through")
		return in.Image, false, nil
	}

	key := rendezvous.Key{RunID: in.RunID, NodeID: in.NodeID}
	waiter, err := n.cfg.Registry.Register(key)
	if err != nil {
		return nil, false, fmt.Errorf("interactive crop: %w", err)
	}
	defer waiter.Close()

	bounds := in.Image.Bounds()
	ref, err := n.cfg.Previews.Save(in.Image, "crop_"+in.RunID+"_"+in.NodeID)
	if err != nil {
		return nil, false, fmt.Errorf("interactive crop: %w", err)
	}

	ev := Event{
		PromptID:           in.RunID,
		Node:               in.NodeID,
		Image:              *ref,
		Width:              bounds.Dx(),
		Height:             bounds.Dy(),
		ForceOriginalRatio: in.ForceOriginalRatio,
	}
	if err := n.cfg.Notifier.CropRequested(ctx, ev); err != nil {
		return nil, false, fmt.Errorf("interactive crop: notify decision-maker: %w", err)
	}
	log.Info("awaiting crop decision", "preview", ref.Filename, "width", ev.Width, "height", ev.Height)

	start := time.Now()
	decision, err := waiter.Wait(ctx, rendezvous.WaitOptions{
		PollInterval: n.cfg.PollInterval,
		Timeout:      n.cfg.WaitTimeout,
		Cancelled:    in.Cancelled,
	})
	if err != nil {
		n.cfg.Metrics.Rendezvous(waitOutcome(err), time.Since(start))
		return nil, false, fmt.Errorf("interactive crop: %w", err)
	}

	out, didCrop, err := geometry.Resolve(in.Image, decision, geometry.Options{
		ForceOriginalRatio: in.ForceOriginalRatio,
		ResizeToOriginal:   in.ResizeToOriginal,
	})
	if err != nil {
		n.cfg.Metrics.Rendezvous(resolveOutcome(err), time.Since(start))
		return nil, false, fmt.Errorf("interactive crop: %w", err)
	}

	n.cfg.Metrics.Rendezvous(metrics.OutcomeDelivered, time.Since(start))
	log.Info("crop decision applied", "action", string(decision.Action), "did_crop", didCrop)
	return out, didCrop, nil
}

func waitOutcome(err error) string {
	switch {
	case errors.Is(err, rendezvous.ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, rendezvous.ErrCancelled):
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeInvalid
	}
}

func resolveOutcome(err error) string {
	if errors.Is(err, geometry.ErrCancelled) {
		return metrics.OutcomeCancelled
	}
	return metrics.OutcomeInvalid
}
