package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pixeltools/cropgate/internal/logging"
	"github.com/pixeltools/cropgate/internal/pipeline"
)

// Hub fans crop-request events out to event-stream subscribers. It
// implements pipeline.Notifier. Subscribers that fall behind have events
// dropped rather than blocking the worker that registered the rendezvous.
type Hub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
	log  *slog.Logger
}

// NewHub creates an empty hub. A nil logger disables logging.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = logging.NewNop()
	}
	return &Hub{
		subs: make(map[chan []byte]struct{}),
		log:  log,
	}
}

// Subscribe registers a new event consumer. The returned cancel func must
// be called when the consumer goes away.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// CropRequested broadcasts ev to all current subscribers.
func (h *Hub) CropRequested(ctx context.Context, ev pipeline.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode crop request event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
			h.log.Warn("dropping crop request event for slow subscriber",
				"run", ev.PromptID, "node", ev.Node)
		}
	}
	return nil
}

// SubscriberCount reports current subscribers. Used by tests.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
