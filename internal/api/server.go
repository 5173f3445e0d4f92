package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Server is the Kestrel HTTP API.
type Server struct {
	http *http.Server
	mux  http.Handler
}

// NewServer wires the handlers into a router. Probes and /metrics sit
// outside the rate limiter so orchestrators can always reach them.
func NewServer(cfg domain.ServerConfig, limits domain.RateLimitConfig, deps Deps) *Server {
	mux := routes(NewHandler(deps), limits)
	return &Server{
		mux: mux,
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           mux,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

func routes(h *Handler, limits domain.RateLimitConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(
		CORSMiddleware,
		RecoverMiddleware,
		TracingMiddleware,
		LoggingMiddleware,
		middleware.RealIP,
		middleware.Compress(5),
	)

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Handle("/metrics", promhttp.Handler())

	api := r.With()
	if limits.Enabled {
		api = r.With(NewRateLimiter(limits).Middleware)
	}

	api.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Post("/", h.CreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Get("/status", h.SessionStatus)
			r.Get("/records", h.ListRecords)
			r.Get("/errors", h.ListProcessingErrors)
			r.Post("/run", h.RunSession)
			r.Post("/reprocess", h.ReprocessSession)
		})
	})

	api.Route("/rules", func(r chi.Router) {
		r.Get("/", h.ListRules)
		r.Post("/", h.CreateRule)
		r.Post("/test", h.TestRule)
		r.Post("/validate", h.ValidateRule)
		r.Get("/export", h.ExportRules)
		r.Post("/import", h.ImportRules)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetRule)
			r.Put("/", h.UpdateRule)
			r.Delete("/", h.DeleteRule)
			r.Post("/toggle", h.ToggleRule)
		})
	})

	api.Route("/whitelist", func(r chi.Router) {
		r.Get("/", h.ListWhitelist)
		r.Post("/", h.AddWhitelistDomain)
		r.Get("/export", h.ExportWhitelist)
		r.Post("/import", h.ImportWhitelist)
		r.Post("/{domain}/toggle", h.ToggleWhitelistDomain)
		r.Delete("/{domain}", h.DeleteWhitelistDomain)
	})

	return r
}

// ServeHTTP lets tests drive the router without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
