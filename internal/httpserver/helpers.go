package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shelfsync/shelfsync/internal/platform/apierr"
	"github.com/shelfsync/shelfsync/internal/resilience/breaker"
	"github.com/shelfsync/shelfsync/internal/resilience/bulkhead"
)

// envelope wraps every success response in a {success, data} shape.
type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// errorBody is the standard {success:false, error:{...}} response.
type errorBody struct {
	Success bool      `json:"success"`
	Error   errorInfo `json:"error"`
}

type errorInfo struct {
	Name       string         `json:"name"`
	Message    string         `json:"message"`
	Code       string         `json:"code"`
	StatusCode int            `json:"statusCode"`
	Timestamp  time.Time      `json:"timestamp"`
	Details    map[string]any `json:"details,omitempty"`
}

// writeJSON writes a 200-class JSON body wrapped in {success:true, data}.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// writeRaw writes statusCode with body marshaled as-is, no envelope —
// used for endpoints whose success body carries its own top-level
// `success` field (adjust/reserve responses) instead of the {success,
// data} wrapper.
func writeRaw(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps any error to the standard error envelope and HTTP
// status, via the one apierr.Error -> status mapping every layer funnels
// through.
func writeError(w http.ResponseWriter, clk interface{ Now() time.Time }, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		kind := apierr.KindInternal
		var openErr *breaker.OpenError
		var timeoutErr *breaker.TimeoutError
		var satErr *bulkhead.Saturated
		switch {
		case errors.As(err, &openErr):
			kind = apierr.KindBreakerOpen
		case errors.As(err, &timeoutErr):
			kind = apierr.KindTimeout
		case errors.As(err, &satErr):
			kind = apierr.KindSaturated
		}
		apiErr = apierr.New(kind, err.Error())
	}

	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(apiErr.RetryAfter.Seconds())))
	}
	if apiErr.LockKey != "" {
		w.Header().Set("X-Lock-Key", apiErr.LockKey)
	}

	writeRaw(w, apiErr.StatusCode(), errorBody{
		Success: false,
		Error: errorInfo{
			Name:       string(apiErr.Kind),
			Message:    apiErr.Message,
			Code:       string(apiErr.Kind),
			StatusCode: apiErr.StatusCode(),
			Timestamp:  clk.Now(),
			Details:    apiErr.Details,
		},
	})
}

// requireMethod writes 405 and returns false if r's method isn't among
// methods.
func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

// decodeJSON reads and decodes r's body into v, capping it at 1MB.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		writeError(w, realClock{}, apierr.Validation("invalid JSON body: %v", err))
		return false
	}
	return true
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// pathParam extracts the segment of r.URL.Path between prefix and the
// next "/" (or end of string).
func pathParam(r *http.Request, prefix, suffix string) string {
	path := r.URL.Path
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := path[len(prefix):]
	if suffix != "" {
		if idx := strings.Index(rest, suffix); idx >= 0 {
			return rest[:idx]
		}
		return rest
	}
	if idx := strings.Index(rest, "/"); idx >= 0 {
		return rest[:idx]
	}
	return rest
}
