// Package httpserver exposes the inventory service's HTTP surface: the
// health/inventory/admin endpoints, wired through a recovery/correlation/
// logging middleware chain and a {success, error} response envelope.
package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/shelfsync/shelfsync/internal/inventory"
	"github.com/shelfsync/shelfsync/internal/metrics"
	"github.com/shelfsync/shelfsync/internal/mutation"
	"github.com/shelfsync/shelfsync/internal/platform/apierr"
	"github.com/shelfsync/shelfsync/internal/platform/clock"
	"github.com/shelfsync/shelfsync/internal/platform/logging"
	"github.com/shelfsync/shelfsync/internal/platform/safeio"
	"github.com/shelfsync/shelfsync/internal/resilience/loadshed"
	"github.com/shelfsync/shelfsync/internal/resilience/ratelimit"
	"github.com/shelfsync/shelfsync/internal/syncworker"
)

// Deps bundles everything the HTTP surface needs, injected by
// internal/app — never package globals.
type Deps struct {
	Mutation     *mutation.Service
	Inventory    *inventory.Store
	Sync         *syncworker.Worker
	Metrics      *metrics.Registry
	PromRegistry *prometheus.Registry
	RateLimiter  *ratelimit.Limiter
	LoadShed     *loadshed.Gate
	Logger       *logging.Logger
	Clock        clock.Clock
	APIGuard     *safeio.Guard
	SyncGuard    *safeio.Guard
}

// Server builds the inventory service's http.Handler.
type Server struct {
	deps      Deps
	startedAt time.Time

	mu sync.Mutex
}

// New builds a Server. startedAt is recorded at construction time for
// GET /health's uptime field.
func New(deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &Server{deps: deps, startedAt: deps.Clock.Now()}
}

// Handler returns the fully wrapped http.Handler: admission gates first
// (rate limit, then load shed), then the recovery/requestID/logging
// middleware chain, then routing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	wrapped := chain(mux,
		recoveryMiddleware(s.deps.Logger),
		requestIDMiddleware,
		loggingMiddleware(s.deps.Logger),
	)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.RateLimiter != nil && !s.deps.RateLimiter.Allow() {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimitRejected.Inc()
			}
			retryAfter := s.deps.RateLimiter.RetryAfter()
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeRaw(w, http.StatusTooManyRequests, errorBody{
				Success: false,
				Error: errorInfo{
					Name: "RateLimited", Message: "too many requests",
					Code: "RateLimited", StatusCode: http.StatusTooManyRequests,
					Timestamp: s.deps.Clock.Now(),
				},
			})
			return
		}

		if s.deps.LoadShed != nil {
			release, ok := s.deps.LoadShed.Admit()
			if !ok {
				if s.deps.Metrics != nil {
					s.deps.Metrics.LoadShedRejected.Inc()
				}
				writeRaw(w, http.StatusServiceUnavailable, errorBody{
					Success: false,
					Error: errorInfo{
						Name: "LoadShed", Message: "server is shedding load",
						Code: "LoadShed", StatusCode: http.StatusServiceUnavailable,
						Timestamp: s.deps.Clock.Now(),
					},
				})
				return
			}
			defer release()
		}

		wrapped.ServeHTTP(w, r)
	})
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/sync/status", s.handleSyncStatus)
	mux.HandleFunc("/sync/start", s.handleSyncStart)
	mux.HandleFunc("/sync/stop", s.handleSyncStop)
	mux.HandleFunc("/sync", s.handleSyncOnce)
	mux.HandleFunc("/inventory/stores/", s.handleInventory)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": s.deps.Clock.Now(),
		"uptime":    s.deps.Clock.Now().Sub(s.startedAt).Seconds(),
	})
}

// handleMetrics serves Prometheus exposition format for scrapers and,
// when the Accept header asks for JSON, a plain summary block for
// human/CLI consumption.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	s.refreshGuardGauges()
	if r.Header.Get("Accept") == "application/json" {
		summary := map[string]any{
			"rateLimitRejected": counterValue(s.deps.Metrics.RateLimitRejected),
			"loadShedRejected":  counterValue(s.deps.Metrics.LoadShedRejected),
			"loadShedDepth":     loadShedDepth(s.deps.LoadShed),
			"mutationOutcomes":  sumCounterVec(s.deps.Metrics.MutationOutcomes),
			"sync": map[string]any{
				"applied":      counterValue(s.deps.Metrics.SyncApplied),
				"failed":       counterValue(s.deps.Metrics.SyncFailed),
				"deadLettered": counterValue(s.deps.Metrics.SyncDeadLettered),
			},
			"guards": map[string]any{
				"api":  guardSummary(s.deps.APIGuard),
				"sync": guardSummary(s.deps.SyncGuard),
			},
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}
	if s.deps.PromRegistry == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	promhttp.HandlerFor(s.deps.PromRegistry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// refreshGuardGauges copies the live bulkhead/breaker state of every
// guard into the Prometheus gauges, since those are pull-based snapshots
// rather than counters updated as events happen.
func (s *Server) refreshGuardGauges() {
	if s.deps.Metrics == nil {
		return
	}
	if s.deps.APIGuard != nil {
		s.deps.Metrics.ObserveGuard(s.deps.APIGuard.Breaker.Name(), s.deps.APIGuard.Breaker.State(), s.deps.APIGuard.Bulkhead.Stats())
	}
	if s.deps.SyncGuard != nil {
		s.deps.Metrics.ObserveGuard(s.deps.SyncGuard.Breaker.Name(), s.deps.SyncGuard.Breaker.State(), s.deps.SyncGuard.Bulkhead.Stats())
	}
}

func guardSummary(g *safeio.Guard) map[string]any {
	if g == nil {
		return map[string]any{}
	}
	stats := g.Bulkhead.Stats()
	return map[string]any{
		"breakerState":   g.Breaker.State().String(),
		"bulkheadActive": stats.Active,
		"bulkheadQueued": stats.Queued,
	}
}

func loadShedDepth(g *loadshed.Gate) int64 {
	if g == nil {
		return 0
	}
	return g.Depth()
}

func counterValue(c prometheus.Counter) float64 {
	if c == nil {
		return 0
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// sumCounterVec totals every labeled series in vec, used for a coarse
// JSON summary that doesn't need per-label breakdown.
func sumCounterVec(vec *prometheus.CounterVec) float64 {
	if vec == nil {
		return 0
	}
	ch := make(chan prometheus.Metric, 64)
	go func() {
		vec.Collect(ch)
		close(ch)
	}()
	var total float64
	for metric := range ch {
		var m dto.Metric
		if err := metric.Write(&m); err == nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func (s *Server) handleSyncOnce(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	result, err := s.deps.Sync.SyncOnce(r.Context())
	if err != nil {
		writeError(w, s.deps.Clock, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applied": result.Applied,
		"failed":  result.Failed,
		"dlq":     result.DeadLettered,
		"cursor":  s.deps.Sync.Cursor(),
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	status := s.deps.Sync.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"running":    status.Running,
		"lastRunAt":  status.LastRunAt,
		"lastCursor": status.LastCursor,
		"lastError":  status.LastError,
		"nextRunAt":  status.NextRunAt,
	})
}

func (s *Server) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var body struct {
		IntervalMs int64 `json:"intervalMs"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.IntervalMs <= 0 {
		writeError(w, s.deps.Clock, apierr.Validation("intervalMs must be > 0"))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deps.Sync.Status().Running {
		s.deps.Sync.Stop()
	}
	s.deps.Sync.Start(context.Background(), time.Duration(body.IntervalMs)*time.Millisecond)
	writeJSON(w, http.StatusOK, map[string]any{"running": true, "intervalMs": body.IntervalMs})
}

func (s *Server) handleSyncStop(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps.Sync.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": false})
}
