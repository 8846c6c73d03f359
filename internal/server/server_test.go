package server

import (
	"bufio"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixeltools/cropgate/internal/metrics"
	"github.com/pixeltools/cropgate/internal/pipeline"
	"github.com/pixeltools/cropgate/internal/preview"
	"github.com/pixeltools/cropgate/internal/rendezvous"
)

func newTestServer(t *testing.T) (*Server, *rendezvous.Registry, *preview.Store) {
	t.Helper()
	reg := rendezvous.NewRegistry(nil)
	store, err := preview.NewStore(t.TempDir(), 0)
	require.NoError(t, err)
	srv := New(Config{
		Registry: reg,
		Previews: store,
		Metrics:  metrics.New(reg.Len),
	})
	return srv, reg, store
}

func postSubmit(t *testing.T, h http.Handler, form url.Values) submitResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/interactive_crop/submit", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestSubmit_NoActiveWaiter(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postSubmit(t, srv.Router(), url.Values{
		"prompt_id": {"run-1"},
		"node_id":   {"7"},
		"action":    {"continue"},
	})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "No active waiter")
}

func TestSubmit_DeliversDecision(t *testing.T) {
	srv, reg, _ := newTestServer(t)

	key := rendezvous.Key{RunID: "run-1", NodeID: "7"}
	w, err := reg.Register(key)
	require.NoError(t, err)

	resp := postSubmit(t, srv.Router(), url.Values{
		"prompt_id": {"run-1"},
		"node_id":   {"7"},
		"action":    {"continue"},
		"x0":        {"10.7"},
		"y0":        {"20"},
		"x1":        {"60"},
		"y1":        {"80.2"},
	})
	assert.True(t, resp.OK)

	got, err := w.Wait(context.Background(), rendezvous.WaitOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, rendezvous.Decision{Action: rendezvous.ActionContinue, X0: 10, Y0: 20, X1: 60, Y1: 80}, got)
}

func TestSubmit_LenientIntegerParsing(t *testing.T) {
	srv, reg, _ := newTestServer(t)

	key := rendezvous.Key{RunID: "run-1", NodeID: "7"}
	w, err := reg.Register(key)
	require.NoError(t, err)

	resp := postSubmit(t, srv.Router(), url.Values{
		"prompt_id": {"run-1"},
		"node_id":   {"7"},
		"action":    {"continue"},
		"x0":        {"abc"},
		"x1":        {"60"},
		// y0/y1 absent
	})
	assert.True(t, resp.OK)

	got, err := w.Wait(context.Background(), rendezvous.WaitOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, rendezvous.Decision{Action: rendezvous.ActionContinue, X0: 0, Y0: 0, X1: 60, Y1: 0}, got)
}

func TestSubmit_UnknownActionDeliveredAsIs(t *testing.T) {
	srv, reg, _ := newTestServer(t)

	key := rendezvous.Key{RunID: "run-1", NodeID: "7"}
	w, err := reg.Register(key)
	require.NoError(t, err)

	resp := postSubmit(t, srv.Router(), url.Values{
		"prompt_id": {"run-1"},
		"node_id":   {"7"},
		"action":    {"bogus"},
	})
	assert.True(t, resp.OK, "unknown actions are accepted and judged by the waiter")

	got, err := w.Wait(context.Background(), rendezvous.WaitOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, rendezvous.Action("bogus"), got.Action)
}

func TestView(t *testing.T) {
	srv, _, store := newTestServer(t)

	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 1, A: 255})
		}
	}
	ref, err := store.Save(img, "view")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/interactive_crop/view?filename="+ref.Filename, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/interactive_crop/view?filename=missing.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// Generate one submission so the counter exists.
	postSubmit(t, srv.Router(), url.Values{"prompt_id": {"x"}, "node_id": {"y"}, "action": {"continue"}})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cropgate_submissions_total")
	assert.Contains(t, rec.Body.String(), "cropgate_active_waiters")
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(nil)
	ch, cancel := hub.Subscribe()
	defer cancel()
	require.Equal(t, 1, hub.SubscriberCount())

	ev := pipeline.Event{PromptID: "run-1", Node: "7", Width: 100, Height: 50}
	require.NoError(t, hub.CropRequested(context.Background(), ev))

	select {
	case data := <-ch:
		var got pipeline.Event
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, ev, got)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	cancel()
	assert.Equal(t, 0, hub.SubscriberCount())
}

func TestEvents_SSE(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/interactive_crop/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: ping\n", line)

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool { return srv.Hub().SubscriberCount() == 1 },
		time.Second, 10*time.Millisecond)

	ev := pipeline.Event{PromptID: "run-1", Node: "7"}
	require.NoError(t, srv.Hub().CropRequested(context.Background(), ev))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: {") {
			var got pipeline.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &got))
			assert.Equal(t, "run-1", got.PromptID)
			assert.Equal(t, "7", got.Node)
			return
		}
	}
	t.Fatal("crop request event never arrived on the stream")
}
