/*
Package httpapi exposes the cache internals over HTTP for operators: cache
sizes, live listeners, the pending write queue and Prometheus metrics, plus a
few maintenance actions.

It is a debug surface. It does not serve domain data.
*/
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	cache "github.com/krisalay/client-cache"
	"github.com/krisalay/client-cache/api"
	"github.com/krisalay/client-cache/connmgr"
	"github.com/krisalay/client-cache/writepolicy"
)

// Pender is implemented by write policies that queue mutations.
type Pender interface {
	Pending() int
}

type Deps struct {
	Facades []api.Named
	Conns   *connmgr.Manager
	Writer  writepolicy.WritePolicy

	// Metrics serves /metrics. Nil leaves the route out.
	Metrics http.Handler
	Logger  zerolog.Logger
}

type Handler struct {
	deps   Deps
	logger zerolog.Logger
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Caches       map[string][]cache.Stats `json:"caches"`
	Connections  connmgr.Stats            `json:"connections"`
	PendingWrite int                      `json:"pending_writes"`
}

// CountResponse reports how many items an action touched.
type CountResponse struct {
	Count int `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewRouter(d Deps) http.Handler {
	h := &Handler{deps: d, logger: d.Logger.With().Str("component", "httpapi").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	r.Get("/stats", h.stats)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	r.Route("/caches", func(r chi.Router) {
		r.Post("/purge", h.purge)
		r.Post("/clear", h.clear)
	})
	r.Post("/connections/priority-cleanup", h.priorityCleanup)
	r.Post("/writes/flush", h.flush)
	return r
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{Caches: api.Stats(h.deps.Facades)}
	if h.deps.Conns != nil {
		resp.Connections = h.deps.Conns.Stats()
	}
	if p, ok := h.deps.Writer.(Pender); ok {
		resp.PendingWrite = p.Pending()
	}
	h.write(w, http.StatusOK, resp)
}

func (h *Handler) purge(w http.ResponseWriter, _ *http.Request) {
	h.write(w, http.StatusOK, CountResponse{Count: api.PurgeAll(h.deps.Facades)})
}

func (h *Handler) clear(w http.ResponseWriter, _ *http.Request) {
	api.ClearAll(h.deps.Facades)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) priorityCleanup(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Conns == nil {
		h.write(w, http.StatusOK, CountResponse{})
		return
	}
	h.write(w, http.StatusOK, CountResponse{Count: h.deps.Conns.PriorityCleanup()})
}

func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	if h.deps.Writer == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.deps.Writer.Flush(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("flush failed")
		h.write(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn().Err(err).Msg("encode response")
	}
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
