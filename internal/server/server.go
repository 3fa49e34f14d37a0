// Package server exposes the voxbridge HTTP surface: the two realtime
// WebSocket endpoints, the voice control endpoint, health probes, Prometheus
// metrics, and optional static UI assets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/rtmt"
)

// shutdownTimeout bounds graceful HTTP shutdown once [Server.Shutdown] is
// called without a deadline of its own.
const shutdownTimeout = 15 * time.Second

// Server is the voxbridge HTTP server. Construct it with [New] and run it
// with [Server.Run].
type Server struct {
	mt      *rtmt.MiddleTier
	httpSrv *http.Server

	staticDir string
	certFile  string
	keyFile   string
	checkers  []health.Checker
	metrics   *observe.Metrics
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithStaticDir serves the directory's contents at / for the browser UI.
func WithStaticDir(dir string) Option {
	return func(s *Server) { s.staticDir = dir }
}

// WithTLS enables HTTPS using the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithHealthCheckers registers readiness checks evaluated by /readyz.
func WithHealthCheckers(checkers ...health.Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, checkers...) }
}

// WithMetrics overrides the metrics instance, primarily for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds a Server listening on addr that relays realtime sessions through
// mt.
func New(addr string, mt *rtmt.MiddleTier, opts ...Option) (*Server, error) {
	if mt == nil {
		return nil, fmt.Errorf("server: middle tier must not be nil")
	}

	s := &Server{mt: mt}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /realtime", s.handleRealtime(false))
	mux.HandleFunc("GET /realtime-acs", s.handleRealtime(true))
	mux.HandleFunc("POST /update-voice", s.handleUpdateVoice)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(s.checkers...).Register(mux)
	if s.staticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.staticDir)))
	}

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(s.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Run serves until ctx is cancelled or the listener fails, then shuts down
// gracefully. In-flight WebSocket sessions are cancelled via the base context.
func (s *Server) Run(ctx context.Context) error {
	// Session handlers derive from this context so cancelling ctx unwinds
	// every open relay, not just the listener.
	s.httpSrv.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.certFile != "" {
			err = s.httpSrv.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: listen on %s: %w", s.httpSrv.Addr, err)
		}
		return nil
	}
}

// Shutdown stops accepting connections and waits for in-flight requests up to
// ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// Handler returns the server's root handler, for tests that want to drive it
// through httptest.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// handleRealtime upgrades the request to a WebSocket and hands the connection
// to the middle tier. telephony selects the telephony dialect for the session.
func (s *Server) handleRealtime(telephony bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// The browser UI and the telephony gateway connect from other
			// origins, and sessions carry no cookies.
			InsecureSkipVerify: true,
		})
		if err != nil {
			observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
			return
		}

		if err := s.mt.HandleSession(r.Context(), conn, r.Header, telephony); err != nil {
			observe.Logger(r.Context()).Error("session ended with error",
				"telephony", telephony, "err", err)
			return
		}
		observe.Logger(r.Context()).Info("session ended", "telephony", telephony)
	}
}

// updateVoiceRequest is the JSON body of POST /update-voice.
type updateVoiceRequest struct {
	Voice string `json:"voice"`
}

// handleUpdateVoice changes the voice enforced on subsequent sessions.
func (s *Server) handleUpdateVoice(w http.ResponseWriter, r *http.Request) {
	var req updateVoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Voice == "" {
		http.Error(w, "voice must not be empty", http.StatusBadRequest)
		return
	}

	s.mt.SetVoice(req.Voice)
	observe.Logger(r.Context()).Info("voice updated", "voice", req.Voice)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(map[string]string{"voice": req.Voice})
}
