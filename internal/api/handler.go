package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/whitelist"
	"github.com/opensource-finance/kestrel/internal/workflow"
)

// maxBodyBytes bounds request bodies, which carry whole record batches.
const maxBodyBytes = 64 << 20

// Deps are the services the API is built on. Cache and Bus may be nil.
type Deps struct {
	Repo         domain.Repository
	Cache        domain.Cache
	Bus          domain.EventBus
	Rules        *rules.Service
	Whitelist    *whitelist.Service
	Orchestrator *workflow.Orchestrator
	Ingester     *workflow.Ingester

	// Async hands workflow runs to the bus worker.
	Async   bool
	Version string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	rules     *rules.Service
	whitelist *whitelist.Service
	orch      *workflow.Orchestrator
	ingester  *workflow.Ingester
	async     bool
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		repo:      d.Repo,
		cache:     d.Cache,
		bus:       d.Bus,
		rules:     d.Rules,
		whitelist: d.Whitelist,
		orch:      d.Orchestrator,
		ingester:  d.Ingester,
		async:     d.Async && d.Bus != nil,
		version:   d.Version,
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	healthy := true

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			checks[name] = "unhealthy: " + err.Error()
			healthy = false
			return
		}
		checks[name] = "healthy"
	}

	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("event_bus", func() error { return h.bus.Ping(ctx) })
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"version":   h.version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrSessionBusy):
		status = http.StatusLocked
	case errors.Is(err, domain.ErrScorerUnavailable):
		status = http.StatusServiceUnavailable
	}

	body := map[string]any{"error": err.Error()}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		body["error"] = "validation failed"
		body["reasons"] = verr.Reasons
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a JSON body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body: " + err.Error(),
		})
		return false
	}
	return true
}
