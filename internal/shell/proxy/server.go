// Package proxy implements the public-port reverse proxy that fronts the
// deployed container. Cutover is an atomic upstream swap: at every instant
// exactly one backend target is being served, so a deploy never leaves a
// window where neither or both versions hold the public port.
//
// The proxy runs as a long-lived process (slipway serve) and exposes a
// loopback admin API through which the one-shot deploy command performs the
// swap.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ErrNoUpstream is returned when no deployment has ever been cut over.
var ErrNoUpstream = errors.New("no upstream configured")

// Config holds proxy server configuration.
type Config struct {
	PublicAddress string        // Public listen address, e.g. "0.0.0.0:8080"
	AdminAddress  string        // Loopback admin listen address, e.g. "127.0.0.1:9180"
	ReadTimeout   time.Duration // HTTP read timeout
	WriteTimeout  time.Duration // HTTP write timeout
	IdleTimeout   time.Duration // HTTP idle timeout
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		PublicAddress: "0.0.0.0:8080",
		AdminAddress:  "127.0.0.1:9180",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   120 * time.Second,
	}
}

// Server is the HTTP server pair: the public reverse proxy and the loopback
// admin API that swaps its upstream.
type Server struct {
	logger   *slog.Logger
	config   Config
	upstream atomic.Pointer[url.URL]
	rp       *httputil.ReverseProxy
}

// NewServer creates a proxy server. initialTarget may be empty on a fresh
// host; until the first swap the public port answers 503.
func NewServer(cfg Config, initialTarget string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger: logger,
		config: cfg,
	}

	if initialTarget != "" {
		if err := s.Swap(initialTarget); err != nil {
			return nil, err
		}
	}

	s.rp = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			// Loaded per request so an upstream swap takes effect
			// atomically for all requests that follow.
			target := s.upstream.Load()
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Error("upstream request failed", "path", r.URL.Path, "error", err)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}

	return s, nil
}

// Swap atomically redirects all subsequent public traffic to target
// (host:port). This is the cutover primitive.
func (s *Server) Swap(target string) error {
	host, port, err := net.SplitHostPort(target)
	if err != nil || host == "" || port == "" {
		return fmt.Errorf("invalid upstream target %q: expected host:port", target)
	}

	u := &url.URL{Scheme: "http", Host: target}
	old := s.upstream.Swap(u)

	from := ""
	if old != nil {
		from = old.Host
	}
	s.logger.Info("upstream swapped", "from", from, "to", target)
	return nil
}

// Current returns the current upstream target, or ErrNoUpstream.
func (s *Server) Current() (string, error) {
	target := s.upstream.Load()
	if target == nil {
		return "", ErrNoUpstream
	}
	return target.Host, nil
}

// =============================================================================
// Public Handler
// =============================================================================

// PublicHandler serves the public port: the proxy's own readiness endpoint
// plus the catch-all reverse proxy.
func (s *Server) PublicHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, err := s.Current()
		serving := err == nil
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"serving": serving,
		})
	})

	r.HandleFunc("/*", func(w http.ResponseWriter, req *http.Request) {
		if s.upstream.Load() == nil {
			http.Error(w, "no active deployment", http.StatusServiceUnavailable)
			return
		}
		s.rp.ServeHTTP(w, req)
	})

	return r
}

// =============================================================================
// Admin Handler
// =============================================================================

type upstreamPayload struct {
	Target string `json:"target"`
}

// AdminHandler serves the loopback admin API used by the deploy command.
func (s *Server) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/v1/upstream", func(w http.ResponseWriter, req *http.Request) {
		target, err := s.Current()
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(upstreamPayload{Target: target})
	})

	r.Put("/v1/upstream", func(w http.ResponseWriter, req *http.Request) {
		var payload upstreamPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid payload: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.Swap(payload.Target); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start starts both listeners (non-blocking) and returns them for shutdown.
func (s *Server) Start() (public, admin *http.Server) {
	public = &http.Server{
		Addr:         s.config.PublicAddress,
		Handler:      s.PublicHandler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	admin = &http.Server{
		Addr:         s.config.AdminAddress,
		Handler:      s.AdminHandler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func() {
		s.logger.Info("starting public proxy", "address", s.config.PublicAddress)
		if err := public.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("public proxy error", "error", err)
		}
	}()
	go func() {
		s.logger.Info("starting admin api", "address", s.config.AdminAddress)
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin api error", "error", err)
		}
	}()

	return public, admin
}
