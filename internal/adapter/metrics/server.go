package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/V4T54L/feedwatch/internal/adapter/api/middleware"
)

// Handle mounts an additional read-only handler next to /metrics.
func (r *Registry) Handle(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

// StartServer binds the scrape endpoint on port and serves it in the
// background. Calling it again while a server is running is a logged no-op.
// Port 0 picks a free port; see Addr.
func (r *Registry) StartServer(port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.server != nil {
		r.logger.Info("Metrics server already running, ignoring start", "addr", r.addr)
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to bind metrics server on port %d: %w", port, err)
	}

	srv := &http.Server{
		Handler:           middleware.Logging(r.logger)(r.mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	r.server = srv
	r.addr = ln.Addr().String()

	go func() {
		r.logger.Info("Starting metrics server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("Metrics server failed", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address of the running server, or "".
func (r *Registry) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Shutdown stops the server if it is running.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	srv := r.server
	r.server = nil
	r.addr = ""
	r.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
