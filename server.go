package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Server is the single HTTP listener that fronts every surface this
// process exposes on the configured PORT (§6.4): the signaling router
// (C6) and external-relay endpoint (C8) as websocket upgrades, the relay
// endpoint (C7) as a plain streamed response, and the REST control/proxy
// surface (C9) mounted underneath it. One process, one port, one
// net/http.Server — matching the teacher's own single-mux shape in
// internal/httpapi/server.go, fixed so the upgrade-path split in §6.3
// actually resolves (the teacher's analogous wiring never did).
type Server struct {
	addr string
	http *http.Server
}

// NewServer builds the shared mux per §6.3's upgrade routing: requests to
// /integration-stream go to the external-relay endpoint, GET /stream/{room}
// goes to the relay endpoint, everything under /api/ or /admin/ goes to
// the REST surface, and anything else falls through to the signaling
// router (the only remaining upgrade path, e.g. the browser's default
// connect path).
func NewServer(addr string, cfg Config, signaling *SignalingServer, external *ExternalRelayServer, relay *RelayServer, api *APIServer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/api/", api.Handler())
	mux.Handle("/admin/", api.Handler())
	mux.HandleFunc("GET /stream/{room_id}", relay.ServeHTTP)
	mux.HandleFunc("/integration-stream", external.ServeHTTP)
	mux.HandleFunc("/", signaling.ServeHTTP)

	var handler http.Handler = mux
	if cfg.RequireTLS {
		handler = requireTLS(mux)
	}

	return &Server{
		addr: addr,
		http: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// requireTLS rejects plain-HTTP requests with 403 when TLS enforcement is
// on (§6.2). TLS itself is terminated upstream; a request counts as secure
// when it arrived on a TLS socket or carries X-Forwarded-Proto: https from
// the terminating proxy.
func requireTLS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			http.Error(w, "TLS required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run starts the listener and blocks until ctx is canceled, then drains
// in-flight requests with a bounded shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			slog.Warn("server shutdown", "err", err)
		}
	}()

	slog.Info("server listening", "addr", s.addr)
	err := s.http.ListenAndServe()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
