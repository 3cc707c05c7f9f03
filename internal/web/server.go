package web

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cjeanneret/RingScan/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// StaticFS returns the embedded page assets.
func StaticFS() (fs.FS, error) {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("web: static fs: %w", err)
	}
	return sub, nil
}

// NewServer creates a server for the given address and handlers.
func NewServer(addr string, h *Handlers) *Server {
	return &Server{addr: addr, handlers: h}
}

// Router returns an http.Handler with all routes registered.
func (s *Server) Router() http.Handler {
	h := s.handlers
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/", h.ServeIndex)
	r.Get("/config", h.HandleConfig)
	r.Get("/status", h.HandleStatus)
	r.Get("/status/stream", h.HandleStatusStream)
	r.Get("/samples", h.HandleSamples)

	r.Post("/run", h.HandleRun)
	r.Post("/cancel", h.control("cancel", Runner.Cancel))
	r.Post("/pause", h.control("pause", Runner.Pause))
	r.Post("/resume", h.control("resume", Runner.Resume))
	r.Post("/home", h.HandleHome)
	r.Post("/origin", h.HandleOrigin)
	r.Post("/axis/{axis}/jog", h.HandleJog)

	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}
	if h.staticFS != nil {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))
	}
	return r
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
