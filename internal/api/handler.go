// Package api serves the HTTP surface: toggle control, status, the live
// MJPEG stream, the playlist and segment endpoints, the WebSocket status
// push, and the embedded viewer page.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JamesjinKim/livecam2/internal/capture"
	"github.com/JamesjinKim/livecam2/internal/health"
	"github.com/JamesjinKim/livecam2/internal/platform/metrics"
	"github.com/JamesjinKim/livecam2/internal/session"
	"github.com/JamesjinKim/livecam2/internal/store"
	"github.com/JamesjinKim/livecam2/internal/stream"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/x-motion-jpeg"

	// Live window served to resuming viewers.
	playlistWindow = 6

	// Per-frame write deadline on the multipart stream; a viewer that
	// cannot keep up is disconnected instead of backing up the server.
	streamWriteTimeout = 10 * time.Second
)

// Toggler is the controller slice the handler drives.
type Toggler interface {
	State() session.State
	Err() error
	Toggle(ctx context.Context) (session.State, error)
	Switch(ctx context.Context, device string) (session.State, error)
	ActiveDevice() capture.Device
}

// SegmentReader is the store slice the handler serves playlists and
// segment files from.
type SegmentReader interface {
	ListFrom(seq int64) []store.SegmentRef
	Path(name string) (string, bool)
}

// Handler exposes the streaming endpoints using go-chi.
type Handler struct {
	ctrl     Toggler
	segments SegmentReader
	hub      *stream.Hub
	reporter *health.Reporter
	protect  func() bool
	log      *slog.Logger
	metrics  *metrics.Metrics

	// Status sockets count against the same viewer cap the hub enforces.
	wsConns atomic.Int64
}

// NewHandler wires the handler. metrics may be nil to disable metric
// recording (e.g. in tests); protect may be nil when no protection monitor
// is running.
func NewHandler(ctrl Toggler, segments SegmentReader, hub *stream.Hub, reporter *health.Reporter, protect func() bool, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		ctrl:     ctrl,
		segments: segments,
		hub:      hub,
		reporter: reporter,
		protect:  protect,
		log:      log,
		metrics:  m,
	}
}

// Routes mounts all endpoints on a fresh router.
func (h *Handler) Routes(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.Get("/", h.Index)
	r.Get("/status", h.GetStatus)
	r.Post("/toggle", h.Toggle)
	r.Post("/switch", h.Switch)
	r.Get("/stream", h.Stream)
	r.Get("/stream/playlist.m3u8", h.GetPlaylist)
	r.Get("/stream/segments/{name}", h.GetSegment)
	r.Get("/ws", h.ServeWS)

	return r
}

type toggleResponse struct {
	State session.State `json:"state"`
	Error string        `json:"error,omitempty"`
}

// Toggle handles POST /toggle. Off starts a session, on stops it. A toggle
// racing another transition gets 409; protection lockout gets 503.
func (h *Handler) Toggle(w http.ResponseWriter, r *http.Request) {
	if h.protect != nil && h.protect() && h.ctrl.State() != session.StateActive {
		h.log.Warn("toggle rejected, system protection active")
		writeJSON(w, http.StatusServiceUnavailable, toggleResponse{
			State: h.ctrl.State(),
			Error: "system protection active",
		})
		return
	}

	state, err := h.ctrl.Toggle(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, session.ErrBusy):
			h.log.Info("toggle rejected, transition in progress")
			writeJSON(w, http.StatusConflict, toggleResponse{State: state, Error: "transition in progress"})
		default:
			h.log.Error("toggle failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, toggleResponse{State: state, Error: err.Error()})
		}
		return
	}

	h.log.Info("toggled", slog.String("state", string(state)))
	writeJSON(w, http.StatusOK, toggleResponse{State: state})
}

type switchRequest struct {
	Device string `json:"device"`
}

type switchResponse struct {
	State  session.State `json:"state"`
	Device string        `json:"device"`
	Error  string        `json:"error,omitempty"`
}

// Switch handles POST /switch. Body: { "device": "/dev/video1" }. The
// running session stops and capture restarts on the requested device; a
// switch racing another transition gets 409, a device that fails to open
// gets 404.
func (h *Handler) Switch(w http.ResponseWriter, r *http.Request) {
	if h.protect != nil && h.protect() {
		h.log.Warn("switch rejected, system protection active")
		writeJSON(w, http.StatusServiceUnavailable, switchResponse{
			State: h.ctrl.State(),
			Error: "system protection active",
		})
		return
	}

	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Device == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	state, err := h.ctrl.Switch(r.Context(), req.Device)
	if err != nil {
		resp := switchResponse{State: state, Device: req.Device, Error: err.Error()}
		switch {
		case errors.Is(err, session.ErrBusy):
			h.log.Info("switch rejected, transition in progress")
			resp.Error = "transition in progress"
			writeJSON(w, http.StatusConflict, resp)
		case errors.Is(err, capture.ErrDeviceUnavailable):
			h.log.Warn("switch target unavailable", slog.String("device", req.Device))
			writeJSON(w, http.StatusNotFound, resp)
		default:
			h.log.Error("switch failed",
				slog.String("device", req.Device),
				slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, resp)
		}
		return
	}

	h.log.Info("switched capture device",
		slog.String("device", req.Device),
		slog.String("state", string(state)))
	writeJSON(w, http.StatusOK, switchResponse{State: state, Device: req.Device})
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.reporter.Snapshot(r.Context())
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, http.StatusOK, snap)
}

// Stream handles GET /stream: a multipart MJPEG stream fanned out from the
// live capture session. Holds the connection until the viewer leaves or the
// session ends.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	sub, err := h.hub.Subscribe()
	if err != nil {
		h.log.Info("viewer rejected, at capacity")
		http.Error(w, "viewer limit reached", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	h.metrics.SetActiveViewers(h.hub.Viewers())
	defer func() { h.metrics.SetActiveViewers(h.hub.Viewers() - 1) }()

	const boundary = "livecamframe"
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}
			rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := writeFramePart(w, boundary, frame.Data); err != nil {
				h.log.Debug("viewer write failed", slog.String("error", err.Error()))
				return
			}
			rc.Flush()
		}
	}
}

func writeFramePart(w http.ResponseWriter, boundary string, jpeg []byte) error {
	head := "--" + boundary + "\r\n" +
		"Content-Type: image/jpeg\r\n" +
		"Content-Length: " + strconv.Itoa(len(jpeg)) + "\r\n\r\n"
	if _, err := w.Write([]byte(head)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// GetPlaylist handles GET /stream/playlist.m3u8. The optional ?from= query
// asks for segments at or after that sequence, letting a viewer resume; the
// reply is always trimmed to the contiguous live window.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	var from int64
	if raw := r.URL.Query().Get("from"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		from = v
	}

	refs := store.ContiguousWindow(h.segments.ListFrom(from), playlistWindow)
	ended := h.ctrl.State() != session.StateActive

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(store.BuildLivePlaylist(refs, ended)))
}

// GetSegment handles GET /stream/segments/{name}. Names outside the store
// index are 404; there is no path interpretation.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	path, ok := h.segments.Path(name)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", segmentContentType)
	w.Header().Set("Cache-Control", "max-age=10")
	http.ServeFile(w, r, path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
