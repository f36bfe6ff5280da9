// Package httpserver hosts the HTTP surface shared by the relay and echo
// binaries: health probes, build info, ICE configuration and metrics.
package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type Options struct {
	// Metrics, when set, is served on GET /metrics.
	Metrics *metrics.Metrics
	// ReadyCheck is consulted by /readyz once the listener is serving.
	ReadyCheck func(context.Context) error
	// TURN, when set, mints fresh TURN credentials for every /webrtc/ice
	// response.
	TURN *turnrest.Issuer
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo
	opts  Options

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, opts Options) *Server {
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		opts:  opts,
		mux:   http.NewServeMux(),
	}

	s.registerRoutes()

	s.srv = &http.Server{
		Addr: cfg.ListenAddr,
		Handler: chain(s.mux,
			recoverMiddleware(s.log),
			requestIDMiddleware(),
			requestLoggerMiddleware(s.log),
		),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Mux is for registering routes during startup, before Serve.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

// ListenAndServe binds cfg.ListenAddr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

// RegisterOnShutdown runs fn when Shutdown starts. Hijacked WebSocket
// connections are not tracked by net/http, so the relay uses this to close
// them.
func (s *Server) RegisterOnShutdown(fn func()) {
	s.srv.RegisterOnShutdown(fn)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if s.opts.ReadyCheck != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.opts.ReadyCheck(ctx); err != nil {
				WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
				return
			}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	// Browser peers fetch the same ICE servers the Go side uses.
	s.mux.HandleFunc("GET /webrtc/ice", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		servers := s.cfg.ICEServers
		if servers == nil {
			servers = []webrtc.ICEServer{}
		}
		if s.opts.TURN != nil {
			creds, err := s.opts.TURN.Issue("")
			if err != nil {
				s.log.Error("failed to issue turn credentials", "err", err)
				WriteError(w, http.StatusInternalServerError, "failed to issue turn credentials")
				return
			}
			servers = turnrest.Apply(servers, creds)
			w.Header().Set("Cache-Control", "no-store")
		}
		WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
	}))

	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.opts.Metrics))
	}
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
				r.Header.Set("X-Request-ID", reqID)
			}
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r)
		})
	}
}

// statusWriter records the response status. It forwards Hijack so WebSocket
// upgrades still work behind the logging middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpserver: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error": msg} with status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}
