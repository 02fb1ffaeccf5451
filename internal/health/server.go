// Package health serves liveness, readiness, statistics, the live preview
// and a state stream over HTTP.
//
// Endpoints:
//
//	GET /health       liveness, always 200 while the process runs
//	GET /readiness    200 when capturing, 503 otherwise
//	GET /stats        pipeline (and delivery) counters as JSON
//	GET /preview.jpg  latest live frame as JPEG, 204 before the first frame
//	GET /ws/state     websocket stream of published state snapshots
package health

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/e7canasta/facecapture"
	"github.com/e7canasta/facecapture/internal/preview"
)

// Pipeline is the view of the capture pipeline the server reads from.
type Pipeline interface {
	State() facecapture.PublishedState
	Subscribe() (<-chan facecapture.PublishedState, func())
	LiveFrame() image.Image
	Stats() facecapture.Stats
}

// Status is the body of /readiness.
type Status struct {
	Status           string  `json:"status"` // healthy, degraded, unhealthy
	UptimeSeconds    int64   `json:"uptime_seconds"`
	Capturing        bool    `json:"capturing"`
	PermissionDenied bool    `json:"permission_denied"`
	RecordingActive  bool    `json:"recording_active"`
	DropRate         float64 `json:"drop_rate"`
	LastError        string  `json:"last_error,omitempty"`
}

// Options configures a Server.
type Options struct {
	Addr string

	// Extra, if set, is added to /stats under "extra" (delivery counters).
	Extra func() any

	// PingInterval is the websocket keepalive period.
	PingInterval time.Duration
}

// Server is the HTTP status server.
type Server struct {
	pipeline Pipeline
	opts     Options
	started  time.Time
	upgrader websocket.Upgrader
	handler  http.Handler
}

// NewServer creates a server for p. It does not listen until Run.
func NewServer(p Pipeline, opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	s := &Server{
		pipeline: p,
		opts:     opts,
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleLiveness).Methods("GET")
	r.HandleFunc("/readiness", s.handleReadiness).Methods("GET")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/preview.jpg", s.handlePreview).Methods("GET")
	r.HandleFunc("/ws/state", s.handleStateStream).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	s.handler = c.Handler(r)
	return s
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	slog.Info("health: server starting",
		"addr", s.opts.Addr,
		"endpoints", []string{"/health", "/readiness", "/stats", "/preview.jpg", "/ws/state"},
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("health: forced shutdown", "error", err)
		return err
	}
	slog.Info("health: server stopped")
	return nil
}

// Check computes the readiness status.
func (s *Server) Check() Status {
	st := s.pipeline.State()
	stats := s.pipeline.Stats()

	status := Status{
		Status:           "healthy",
		UptimeSeconds:    int64(time.Since(s.started).Seconds()),
		Capturing:        stats.Running,
		PermissionDenied: st.PermissionDenied,
		RecordingActive:  st.RecordingActive,
		LastError:        st.LastError,
	}
	total := stats.Queue.Enqueued + stats.Queue.Dropped
	if total > 0 {
		status.DropRate = float64(stats.Queue.Dropped) / float64(total)
	}

	switch {
	case !stats.Running || st.PermissionDenied:
		status.Status = "unhealthy"
	case st.LastError != "" || status.DropRate > 0.1:
		status.Status = "degraded"
	}
	return status
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	status := s.Check()
	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"pipeline": s.pipeline.Stats()}
	if s.opts.Extra != nil {
		body["extra"] = s.opts.Extra()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	img := s.pipeline.LiveFrame()
	if img == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	quality := 0
	if q := r.URL.Query().Get("quality"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 1 || v > 100 {
			http.Error(w, "quality must be 1-100", http.StatusBadRequest)
			return
		}
		quality = v
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	if err := preview.EncodeJPEG(w, img, quality); err != nil {
		slog.Warn("health: preview encode failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("health: write response failed", "error", err)
	}
}
