package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dmall00/opendarts-autoscore/internal/autoscore"
	"github.com/dmall00/opendarts-autoscore/internal/broadcast"
	"github.com/dmall00/opendarts-autoscore/internal/emitter"
	"github.com/dmall00/opendarts-autoscore/internal/logger"
	"github.com/dmall00/opendarts-autoscore/internal/metrics"
	"github.com/dmall00/opendarts-autoscore/internal/pipeline"
	"github.com/dmall00/opendarts-autoscore/internal/recorder"
	"github.com/dmall00/opendarts-autoscore/internal/render"
	"github.com/dmall00/opendarts-autoscore/internal/webrtc"
	"github.com/dmall00/opendarts-autoscore/pkg/types"
)

const maxBodyBytes = 1 << 20

// Deps are the components the HTTP API exposes. Recorder and WebRTC may be
// nil; their endpoints then answer 503. MQTT is only reported by /health.
type Deps struct {
	Engine   *autoscore.Engine
	Ingestor *pipeline.Ingestor
	Events   *broadcast.EventBroadcaster
	WebRTC   *webrtc.Server
	Recorder *recorder.Recorder
	MQTT     *emitter.MQTTEmitter
	Metrics  *metrics.Metrics
}

// Server serves the autoscore HTTP API.
type Server struct {
	deps      Deps
	keepalive time.Duration
	log       logger.Module
}

// New returns a configured API server.
func New(deps Deps) *Server {
	return &Server{
		deps:      deps,
		keepalive: 30 * time.Second,
		log:       logger.For("HTTP"),
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/frames", s.handleFrame)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{player}/{session}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{player}/{session}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{player}/{session}/manual", s.handleManual)
	mux.HandleFunc("GET /api/sessions/{player}/{session}/board.png", s.handleBoard)
	mux.HandleFunc("GET /api/events/stream", s.handleEventsStream)
	mux.HandleFunc("POST /api/webrtc/offer", s.handleWebRTCOffer)
	mux.HandleFunc("POST /api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("POST /api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("GET /api/recording/status", s.handleRecordingStatus)

	return mux
}

func sessionKey(r *http.Request) types.SessionKey {
	return types.SessionKey{PlayerID: r.PathValue("player"), SessionID: r.PathValue("session")}
}

func eventFilter(r *http.Request) broadcast.Filter {
	q := r.URL.Query()
	return broadcast.Filter{PlayerID: q.Get("player_id"), SessionID: q.Get("session_id")}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":             "ok",
		"sessions":           s.deps.Engine.Store().Len(),
		"pipeline_connected": s.deps.Metrics != nil && s.deps.Metrics.PipelineConnected.Load() == 1,
		"subscribers":        s.deps.Events.Len(),
		"timestamp":          float64(time.Now().Unix()),
	}
	if s.deps.WebRTC != nil {
		payload["webrtc_clients"] = s.deps.WebRTC.GetClientCount()
		payload["webrtc_client_stats"] = s.deps.WebRTC.GetClientStats()
	}
	if s.deps.MQTT != nil {
		payload["mqtt"] = s.deps.MQTT.Stats()
	}
	writeJSON(w, payload)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "Invalid frame data", http.StatusBadRequest)
		return
	}

	frame, calibrated, err := s.deps.Ingestor.Ingest(body)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	payload := map[string]any{
		"status":     "accepted",
		"kind":       frame.Kind.String(),
		"calibrated": calibrated,
		"player_id":  frame.Key.PlayerID,
		"session_id": frame.Key.SessionID,
	}
	if snap, ok := s.deps.Engine.Store().Snapshot(frame.Key); ok {
		payload["state"] = snap
	}
	writeJSON(w, payload)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	keys := s.deps.Engine.Store().Keys()
	writeJSON(w, map[string]any{
		"sessions": keys,
		"count":    len(keys),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.deps.Engine.Store().Snapshot(sessionKey(r))
	if !ok {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	if !s.deps.Engine.Store().Delete(key) {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}
	s.log.Info("Evicted session %s", key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleManual(w http.ResponseWriter, r *http.Request) {
	var adj types.ManualAdjustment
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&adj); err != nil {
		writeError(w, fmt.Sprintf("invalid adjustment: %v", err), http.StatusBadRequest)
		return
	}
	if adj.Kind == 0 {
		writeError(w, "invalid adjustment: kind missing", http.StatusBadRequest)
		return
	}
	adj.Key = sessionKey(r)

	s.deps.Engine.ApplyManual(adj)

	snap, _ := s.deps.Engine.Store().Snapshot(adj.Key)
	writeJSON(w, snap)
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.deps.Engine.Store().Snapshot(sessionKey(r))
	if !ok {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}

	size := render.DefaultSize
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, "invalid size", http.StatusBadRequest)
			return
		}
		size = n
	}

	var buf bytes.Buffer
	if err := render.Board(&buf, snap, size); err != nil {
		s.log.Error("Render board %s: %v", snap.PlayerID, err)
		http.Error(w, "Failed to render board", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.deps.Events.Subscribe(eventFilter(r))
	defer s.deps.Events.Unsubscribe(id)

	s.streamEvents(w, r, eventCh, wantsProtobuf(r.Header.Get("Accept")))
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if s.deps.WebRTC == nil {
		writeError(w, "WebRTC is not enabled", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, "Invalid offer data", http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload["sdp"] == nil || payload["type"] == nil {
		writeError(w, "Invalid offer data", http.StatusBadRequest)
		return
	}

	answer, err := s.deps.WebRTC.HandleOffer(body, eventFilter(r))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, webrtc.ErrTooManyClients) {
			status = http.StatusServiceUnavailable
		}
		s.log.Warn("WebRTC offer rejected: %v", err)
		writeError(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recorder == nil {
		writeError(w, "recorder is not configured", http.StatusServiceUnavailable)
		return
	}

	filename, err := s.deps.Recorder.Start(r.URL.Query().Get("filename"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recorder == nil {
		writeError(w, "recorder is not configured", http.StatusServiceUnavailable)
		return
	}

	stats, err := s.deps.Recorder.Stop()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       stats.Filename,
		"stats":      stats,
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recorder == nil {
		writeError(w, "recorder is not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.deps.Recorder.Status())
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSONWithStatus(w, map[string]any{"error": msg}, status)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
