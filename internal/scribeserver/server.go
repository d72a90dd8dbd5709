// Package scribeserver exposes the transcription engine over HTTP: start and
// cancel operations, flow state, a websocket progress stream, job history and
// text metrics. All semantics live in internal/engine/jobs; this layer only
// translates.
package scribeserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkorchev/lectoscribe/internal/engine"
	"github.com/mkorchev/lectoscribe/internal/engine/browser"
	"github.com/mkorchev/lectoscribe/internal/engine/jobs"
)

// Config controls the HTTP server.
type Config struct {
	Port         string
	WriteTimeout time.Duration
	AttachPages  bool // open a headless tab per request for runtime scan + relay
}

// Finished results are kept for late state polls, then dropped. The history
// store is the durable record; this map only bridges the gap between a flow
// finishing and its client's next poll.
const (
	resultTTL  = time.Hour
	maxResults = 1000
)

type storedResult struct {
	res *jobs.Result
	at  time.Time
}

// Server wires the controller to HTTP handlers.
type Server struct {
	ctrl    *jobs.Controller
	history *jobs.History
	cfg     Config

	mu      sync.Mutex
	results map[string]storedResult
}

// New builds a Server around an existing controller.
func New(ctrl *jobs.Controller, history *jobs.History, cfg Config) *Server {
	return &Server{ctrl: ctrl, history: history, cfg: cfg, results: make(map[string]storedResult)}
}

// storeResult records a terminal result, expiring stale entries and evicting
// the oldest once the cap is hit.
func (s *Server) storeResult(id string, res *jobs.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for k, v := range s.results {
		if now.Sub(v.at) > resultTTL {
			delete(s.results, k)
		}
	}
	if len(s.results) >= maxResults {
		oldest := ""
		var oldestAt time.Time
		for k, v := range s.results {
			if oldest == "" || v.at.Before(oldestAt) {
				oldest, oldestAt = k, v.at
			}
		}
		delete(s.results, oldest)
	}
	s.results[id] = storedResult{res: res, at: now}
}

// takeResult returns a stored result if it has not expired.
func (s *Server) takeResult(id string) *jobs.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.results[id]
	if !ok {
		return nil
	}
	if time.Since(st.at) > resultTTL {
		delete(s.results, id)
		return nil
	}
	return st.res
}

// Run blocks serving HTTP until the listener fails.
func (s *Server) Run() error {
	srv := &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	slog.Info("scribeserver listening", slog.String("port", s.cfg.Port))
	return srv.ListenAndServe()
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/transcriptions", s.handleStart)
	mux.HandleFunc("GET /api/transcriptions/{id}", s.handleState)
	mux.HandleFunc("POST /api/transcriptions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/transcriptions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(engine.FormatMetrics()))
	})
	return mux
}

type startRequest struct {
	ViewerURL    string `json:"viewerUrl,omitempty"`
	EmbedURL     string `json:"embedUrl,omitempty"`
	TenantHost   string `json:"tenantHost,omitempty"`
	DeliveryID   string `json:"deliveryId,omitempty"`
	MediaURL     string `json:"mediaUrl,omitempty"`
	MIME         string `json:"mime,omitempty"`
	DurationMS   int64  `json:"durationMs,omitempty"`
	DRMProtected bool   `json:"drmProtected,omitempty"`
}

type startResponse struct {
	RequestID string     `json:"requestId"`
	Status    jobs.Stage `json:"status"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var in startRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	requestID := uuid.NewString()
	req := jobs.StartRequest{
		RequestID:    requestID,
		ViewerURL:    in.ViewerURL,
		EmbedURL:     in.EmbedURL,
		TenantHost:   in.TenantHost,
		DeliveryID:   in.DeliveryID,
		MediaURL:     in.MediaURL,
		MIME:         in.MIME,
		DurationMS:   in.DurationMS,
		DRMProtected: in.DRMProtected,
	}

	go func() {
		ctx := context.Background()

		if s.cfg.AttachPages && in.ViewerURL != "" {
			page, err := browser.Open(ctx, in.ViewerURL)
			if err != nil {
				slog.Warn("page attach failed, continuing without runtime scan", slog.Any("error", err))
			} else {
				defer page.Close()
				req.Runtime = page
				req.Relay = page
			}
		}

		s.storeResult(requestID, s.ctrl.Start(ctx, req))
	}()

	writeJSON(w, http.StatusAccepted, startResponse{RequestID: requestID, Status: jobs.StageStarting})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if res := s.takeResult(id); res != nil {
		writeJSON(w, http.StatusOK, res)
		return
	}

	if stage, ok := s.ctrl.State(id); ok {
		writeJSON(w, http.StatusOK, map[string]any{"requestId": id, "status": stage})
		return
	}
	httpError(w, http.StatusNotFound, "unknown requestId")
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	jobID := r.URL.Query().Get("jobId")
	s.ctrl.Cancel(id, jobID)
	writeJSON(w, http.StatusAccepted, map[string]any{"requestId": id, "status": jobs.StageCanceled})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		httpError(w, http.StatusNotFound, "history disabled")
		return
	}
	entries, err := s.history.List(r.Context(), jobs.Stage(r.URL.Query().Get("status")), 50)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": len(entries)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", slog.Any("error", err))
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
