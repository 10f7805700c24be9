// Package server exposes the selection core over HTTP to the orchestration
// layer: agent selection, the knowledge probe, and health.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"kbrouter/internal/aggregator"
	"kbrouter/internal/cache"
	"kbrouter/internal/config"
	"kbrouter/internal/logging"
	"kbrouter/internal/matcher"
	"kbrouter/internal/selector"
	"kbrouter/internal/store"
)

// Server wires the selection pipeline behind the HTTP boundary.
type Server struct {
	cfg        *config.Config
	log        *zap.Logger
	matcher    *matcher.Matcher
	selector   *selector.Selector
	aggregator *aggregator.Aggregator
	cache      *cache.ResultCache // nil when caching is disabled
	store      *store.KnowledgeStore

	http *http.Server
}

// Options carries the pipeline dependencies for a server.
type Options struct {
	Config     *config.Config
	Log        *zap.Logger
	Matcher    *matcher.Matcher
	Selector   *selector.Selector
	Aggregator *aggregator.Aggregator
	Cache      *cache.ResultCache
	Store      *store.KnowledgeStore
}

// New creates a server. Cache may be nil; selection then always computes.
func New(opts Options) *Server {
	s := &Server{
		cfg:        opts.Config,
		log:        opts.Log,
		matcher:    opts.Matcher,
		selector:   opts.Selector,
		aggregator: opts.Aggregator,
		cache:      opts.Cache,
		store:      opts.Store,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	s.http = &http.Server{
		Addr:         opts.Config.Server.Addr,
		Handler:      s.router(),
		ReadTimeout:  opts.Config.ReadTimeout(),
		WriteTimeout: opts.Config.WriteTimeout(),
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealth)
	r.Post("/n8n/agent/select", s.handleSelect)
	r.Post("/n8n/check_kb", s.handleCheckKB)

	return r
}

// requestLog logs one line per request with latency and status.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	logging.Boot("HTTP server listening on %s", s.http.Addr)
	s.log.Info("listening", zap.String("addr", s.http.Addr))

	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured budget.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Boot("HTTP server shutting down")
	return s.http.Shutdown(ctx)
}
