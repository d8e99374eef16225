package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync/internal/eventlog"
	"github.com/shelfsync/shelfsync/internal/idempotency"
	"github.com/shelfsync/shelfsync/internal/inventory"
	"github.com/shelfsync/shelfsync/internal/keyserial"
	"github.com/shelfsync/shelfsync/internal/lock"
	"github.com/shelfsync/shelfsync/internal/metrics"
	"github.com/shelfsync/shelfsync/internal/mutation"
	"github.com/shelfsync/shelfsync/internal/platform/clock"
	"github.com/shelfsync/shelfsync/internal/platform/logging"
	"github.com/shelfsync/shelfsync/internal/platform/safeio"
	"github.com/shelfsync/shelfsync/internal/resilience/loadshed"
	"github.com/shelfsync/shelfsync/internal/resilience/ratelimit"
	"github.com/shelfsync/shelfsync/internal/snapshot"
	"github.com/shelfsync/shelfsync/internal/syncworker"
)

func testGuard(name string) *safeio.Guard {
	return safeio.NewGuard(name, 16, 16, 5, time.Second, 0, clock.Real{})
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	inv, err := inventory.New(filepath.Join(dir, "store-inventory.json"), testGuard("inv"))
	require.NoError(t, err)
	log, err := eventlog.New(filepath.Join(dir, "event-log.json"), filepath.Join(dir, "dead-letter.json"), testGuard("log"), clock.Real{})
	require.NoError(t, err)
	idemp := idempotency.New(clock.Real{})
	ser := keyserial.New()
	locks := lock.New(filepath.Join(dir, "locks"), clock.Real{})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	svc := mutation.New(inv, log, idemp, ser, locks, mutation.LockConfig{Enabled: false}, time.Minute, clock.Real{}, m)

	snap := snapshot.New(filepath.Join(dir, "snapshots"), 100, testGuard("snap"), log, clock.Real{})
	worker, err := syncworker.New(filepath.Join(dir, "central-inventory.json"), 3, testGuard("sync"), log, snap, 5, clock.Real{}, logging.NewSilent(), m)
	require.NoError(t, err)

	return New(Deps{
		Mutation:     svc,
		Inventory:    inv,
		Sync:         worker,
		Metrics:      m,
		PromRegistry: reg,
		RateLimiter:  ratelimit.New(0, 0),
		LoadShed:     loadshed.New(0),
		Logger:       logging.NewSilent(),
		Clock:        clock.Real{},
		APIGuard:     testGuard("api"),
		SyncGuard:    testGuard("sync-guard"),
	})
}

func doRequest(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewBuffer(data)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestServer_HealthReturnsOK(t *testing.T) {
	srv := newTestServer(t)
	rr := doRequest(srv.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestServer_GetMissingRecordIs404(t *testing.T) {
	srv := newTestServer(t)
	rr := doRequest(srv.Handler(), http.MethodGet, "/inventory/stores/STORE001/inventory/SKU1", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_AdjustHappyPath(t *testing.T) {
	srv := newTestServer(t)
	rr := doRequest(srv.Handler(), http.MethodPost, "/inventory/stores/STORE001/inventory/SKU123/adjust", map[string]any{"delta": 100})
	require.Equal(t, http.StatusOK, rr.Code)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &parsed))
	require.EqualValues(t, 100, parsed["newQuantity"])
	require.EqualValues(t, 2, parsed["newVersion"])

	get := doRequest(srv.Handler(), http.MethodGet, "/inventory/stores/STORE001/inventory/SKU123", nil)
	require.Equal(t, http.StatusOK, get.Code)
	require.Equal(t, `"2"`, get.Header().Get("ETag"))
}

func TestServer_ReserveBeyondStockIs422(t *testing.T) {
	srv := newTestServer(t)
	doRequest(srv.Handler(), http.MethodPost, "/inventory/stores/STORE001/inventory/SKU123/adjust", map[string]any{"delta": 100})

	rr := doRequest(srv.Handler(), http.MethodPost, "/inventory/stores/STORE001/inventory/SKU123/reserve", map[string]any{"qty": 150})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestServer_ExpectedVersionConflictIs409(t *testing.T) {
	srv := newTestServer(t)
	doRequest(srv.Handler(), http.MethodPost, "/inventory/stores/STORE001/inventory/SKU123/adjust", map[string]any{"delta": 100})

	rr := doRequest(srv.Handler(), http.MethodPost, "/inventory/stores/STORE001/inventory/SKU123/adjust", map[string]any{"delta": 10, "expectedVersion": 1})
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestServer_SyncOnceReturnsSummary(t *testing.T) {
	srv := newTestServer(t)
	doRequest(srv.Handler(), http.MethodPost, "/inventory/stores/STORE001/inventory/SKU123/adjust", map[string]any{"delta": 100})

	rr := doRequest(srv.Handler(), http.MethodPost, "/sync", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &parsed))
	require.EqualValues(t, 1, parsed["applied"])
}

func TestServer_SyncStartThenStatusReportsRunning(t *testing.T) {
	srv := newTestServer(t)
	rr := doRequest(srv.Handler(), http.MethodPost, "/sync/start", map[string]any{"intervalMs": 50})
	require.Equal(t, http.StatusOK, rr.Code)

	status := doRequest(srv.Handler(), http.MethodGet, "/sync/status", nil)
	require.Equal(t, http.StatusOK, status.Code)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &parsed))
	require.Equal(t, true, parsed["running"])

	stop := doRequest(srv.Handler(), http.MethodPost, "/sync/stop", nil)
	require.Equal(t, http.StatusOK, stop.Code)
}

func TestServer_RequestIdIsEchoed(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, "req-123", rr.Header().Get("X-Request-Id"))
}

func TestServer_LoadShedRejectsWhenSaturated(t *testing.T) {
	srv := newTestServer(t)
	gate := loadshed.New(1)
	srv.deps.LoadShed = gate
	_, ok := gate.Admit() // occupy the only slot and never release it
	require.True(t, ok)

	rr := doRequest(srv.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestServer_MetricsJSONSummaryIncludesGuardsAndOutcomes(t *testing.T) {
	srv := newTestServer(t)
	doRequest(srv.Handler(), http.MethodPost, "/inventory/stores/STORE001/inventory/SKU123/adjust", map[string]any{"delta": 100})
	doRequest(srv.Handler(), http.MethodPost, "/sync", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &parsed))
	require.EqualValues(t, 1, parsed["mutationOutcomes"])

	sync, ok := parsed["sync"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 1, sync["applied"])

	guards, ok := parsed["guards"].(map[string]any)
	require.True(t, ok)
	api, ok := guards["api"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "closed", api["breakerState"])
}
