package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pixeltools/cropgate/internal/logging"
	"github.com/pixeltools/cropgate/internal/metrics"
	"github.com/pixeltools/cropgate/internal/preview"
	"github.com/pixeltools/cropgate/internal/rendezvous"
)

// Config wires the HTTP surface. Registry is required; the rest defaults to
// inert implementations.
type Config struct {
	Registry *rendezvous.Registry
	Previews *preview.Store
	Hub      *Hub
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

// Server exposes the decision submission endpoint, the crop-request event
// feed, preview file serving, and metrics.
type Server struct {
	registry *rendezvous.Registry
	previews *preview.Store
	hub      *Hub
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = logging.NewNop()
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Log)
	}
	return &Server{
		registry: cfg.Registry,
		previews: cfg.Previews,
		hub:      cfg.Hub,
		metrics:  cfg.Metrics,
		log:      cfg.Log,
	}
}

// Hub returns the event hub, for wiring into the pipeline notifier.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/interactive_crop/submit", s.handleSubmit)
	r.Get("/interactive_crop/events", s.handleEvents)
	r.Get("/interactive_crop/view", s.handleView)
	r.Handle("/metrics", s.metrics.Handler())
	return r
}

// submitResponse is the body for the submit endpoint. Unknown sessions are
// a normal, non-fatal outcome for the submitter, so the endpoint always
// answers 200 with an ok flag, mirroring what the decision-maker UI expects.
type submitResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// handleSubmit accepts a decision for a pending rendezvous. Coordinates are
// parsed leniently: floats are truncated and unparseable values default to
// zero. Unrecognized actions are still delivered; the waiter side surfaces
// them as an invalid decision rather than this endpoint guessing intent.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.metrics.Submission(metrics.OutcomeBadForm)
		s.writeJSON(w, submitResponse{OK: false, Error: "invalid form data"})
		return
	}

	promptID := strings.TrimSpace(r.PostFormValue("prompt_id"))
	nodeID := strings.TrimSpace(r.PostFormValue("node_id"))
	action, known := rendezvous.ParseAction(strings.TrimSpace(r.PostFormValue("action")))
	if !known {
		s.log.Warn("unrecognized action submitted", "action", string(action))
	}

	d := rendezvous.Decision{
		Action: action,
		X0:     formInt(r, "x0"),
		Y0:     formInt(r, "y0"),
		X1:     formInt(r, "x1"),
		Y1:     formInt(r, "y1"),
	}

	key := rendezvous.Key{RunID: promptID, NodeID: nodeID}
	if err := s.registry.Submit(key, d); err != nil {
		s.metrics.Submission(metrics.OutcomeNoWaiter)
		s.log.Info("submit for unknown session", "key", key.String())
		s.writeJSON(w, submitResponse{OK: false, Error: "No active waiter for this prompt/node."})
		return
	}

	s.metrics.Submission(metrics.OutcomeAccepted)
	s.writeJSON(w, submitResponse{OK: true})
}

// handleEvents streams crop-request events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, cancel := s.hub.Subscribe()
	defer cancel()

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: interactive.crop.request\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleView serves a stored preview file by name.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	if s.previews == nil {
		http.NotFound(w, r)
		return
	}
	path, err := s.previews.Path(r.URL.Query().Get("filename"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", "error", err)
	}
}

// formInt parses a form field as an integer the way the submission UI sends
// them: floats accepted and truncated, anything unparseable defaults to 0.
func formInt(r *http.Request, name string) int {
	v := strings.TrimSpace(r.PostFormValue(name))
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return int(f)
}
