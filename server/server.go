package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dhcgn/mail-notify/stats"
)

// StatusFunc reports the current dispatch engine status.
type StatusFunc func() Status

// Status is the body of GET /status.
type Status struct {
	State     string        `json:"state"`
	Running   bool          `json:"running"`
	Consumers int           `json:"consumers"`
	Handlers  int           `json:"handlers"`
	Summary   stats.Summary `json:"summary"`
}

// Server is the admin HTTP server. It implements the runner component
// lifecycle: Start binds the listener and serves in the background.
type Server struct {
	addr    string
	status  StatusFunc
	logger  *slog.Logger
	handler http.Handler

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
}

func New(addr string, status StatusFunc, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:   addr,
		status: status,
		logger: logger.With("component", "admin"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)

	r.Get("/health", s.health)
	r.Get("/status", s.statusHandler)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	s.handler = r
	return s
}

func (s *Server) Name() string { return "admin-http" }

func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.listener = ln
	// an http.Server cannot be reused after Shutdown
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server stopped", "err", err)
		}
	}()
	s.logger.Info("admin server listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	s.listener = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("shutting down admin server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) current() Status {
	if s.status == nil {
		return Status{State: "unknown"}
	}
	return s.status()
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	if !s.current().Running {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.current())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger is a chi middleware that logs each incoming request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
