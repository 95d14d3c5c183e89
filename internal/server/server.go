package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agleyzer/semhls/internal/ledger"
	"github.com/agleyzer/semhls/internal/metrics"
)

// Content types for the files an output tree contains.
var contentTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".ts":   "video/mp2t",
	".m4s":  "video/iso.segment",
	".mp4":  "video/mp4",
	".vtt":  "text/vtt; charset=utf-8",
}

// clusterInfo is implemented by replicated ledgers.
type clusterInfo interface {
	State() string
	LeaderAddr() string
}

// Server serves an HLS output tree with its health and metrics endpoints
type Server struct {
	dir        string
	addr       string
	ledger     ledger.Ledger
	metrics    *metrics.Metrics
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new HTTP server
func New(dir, addr string, l ledger.Ledger, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		dir:     dir,
		addr:    addr,
		ledger:  l,
		metrics: m,
		logger:  logger,
	}
}

// Handler builds the request router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	if s.metrics != nil {
		r.Use(metrics.RequestMiddleware(s.metrics))
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			s.metrics.Handler(s.updateGauges).ServeHTTP(w, r)
		})
	}
	r.Get("/health", s.handleHealth)
	r.Get("/*", s.handleStatic)
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr, "dir", s.dir)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// handleStatic serves playlists and media from the output directory.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	name := path.Clean("/" + chi.URLParam(r, "*"))
	if name == "/" || strings.HasPrefix(name, "/.") {
		http.NotFound(w, r)
		return
	}

	ext := path.Ext(name)
	if ct, ok := contentTypes[ext]; ok {
		w.Header().Set("Content-Type", ct)
	}
	if ext == ".m3u8" {
		// Playlists grow while the run is in progress.
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")

	r.URL.Path = name
	http.FileServer(http.Dir(s.dir)).ServeHTTP(w, r)
}

type channelHealth struct {
	Key     string `json:"key"`
	Privacy bool   `json:"privacy"`
	State   string `json:"state"`
	Entries int    `json:"entries"`
}

type raftHealth struct {
	State  string `json:"state"`
	Leader string `json:"leader"`
}

type healthResponse struct {
	Status   string          `json:"status"`
	RunID    string          `json:"run_id,omitempty"`
	Channels []channelHealth `json:"channels"`
	Raft     *raftHealth     `json:"raft,omitempty"`
}

// handleHealth reports the ledger state of every channel
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := healthResponse{Status: "ok", Channels: []channelHealth{}}
	if s.ledger != nil {
		health.RunID = s.ledger.RunID()
		for _, ch := range s.ledger.Channels() {
			health.Channels = append(health.Channels, channelHealth{
				Key:     ch.Key,
				Privacy: ch.Privacy,
				State:   ch.State.String(),
				Entries: len(ch.Entries),
			})
		}
		if ci, ok := s.ledger.(clusterInfo); ok {
			health.Raft = &raftHealth{State: ci.State(), Leader: ci.LeaderAddr()}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Warn("encode health", "error", err)
	}
}

func (s *Server) updateGauges() {
	if s.ledger == nil {
		return
	}
	for _, ch := range s.ledger.Channels() {
		s.metrics.SetChannelEntries(ch.Key, len(ch.Entries))
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
