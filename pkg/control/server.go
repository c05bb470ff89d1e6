package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apoxy-dev/dscp-rewrite/pkg/engine"
	"github.com/apoxy-dev/dscp-rewrite/pkg/rewrite"
)

// DefaultListenAddr is the default address of the control API.
const DefaultListenAddr = "127.0.0.1:7460"

const maxValueSize = 256

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the control API.
type Server struct {
	settings *Settings
	engine   *engine.Engine
	gatherer prometheus.Gatherer
	onUnload func()
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithGatherer serves metrics from g on /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithUnloadHandler sets a function called after a successful unload.
func WithUnloadHandler(fn func()) ServerOption {
	return func(s *Server) {
		s.onUnload = fn
	}
}

// NewServer returns a control API server for e.
func NewServer(e *engine.Engine, opts ...ServerOption) *Server {
	s := &Server{
		settings: NewSettings(e),
		engine:   e,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler of the control API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/settings", s.handleList)
	mux.HandleFunc("GET /v1/settings/{name}", s.handleGet)
	mux.HandleFunc("PUT /v1/settings/{name}", s.handleSet)
	mux.HandleFunc("POST /v1/unload", s.handleUnload)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe serves the control API on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the control API on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down control server", slog.Any("error", err))
		}
	}()

	slog.Info("Serving control API", slog.String("addr", ln.Addr().String()))

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve control API: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", slog.Any("error", err))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rewrite.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, rewrite.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rewrite.ErrBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	v, err := s.settings.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Setting{Name: name, Value: v})
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxValueSize+1))
	if err != nil {
		writeError(w, fmt.Errorf("failed to read request body: %w", err))
		return
	}
	if len(body) > maxValueSize {
		writeError(w, fmt.Errorf("%w: value longer than %d bytes", rewrite.ErrInvalidArgument, maxValueSize))
		return
	}
	if err := s.settings.Set(name, string(body)); err != nil {
		slog.Warn("Rejected setting", slog.String("name", name), slog.Any("error", err))
		writeError(w, err)
		return
	}
	v, err := s.settings.Get(name)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Updated setting", slog.String("name", name), slog.String("value", v))
	writeJSON(w, http.StatusOK, Setting{Name: name, Value: v})
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Unload(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	if s.onUnload != nil {
		go s.onUnload()
	}
}
