package httpserver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/shelfsync/shelfsync/internal/platform/apierr"
)

// handleInventory dispatches every /inventory/stores/{storeId}/inventory/{sku}[/adjust|/reserve]
// route; there's no router library in play, just manual prefix/segment
// parsing of the path.
func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	const prefix = "/inventory/stores/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	parts := strings.Split(rest, "/")
	// parts: [storeId, "inventory", sku, (action)]
	if len(parts) < 3 || parts[1] != "inventory" || parts[0] == "" || parts[2] == "" {
		writeError(w, s.deps.Clock, apierr.NotFound("unrecognized inventory route"))
		return
	}
	storeID, sku := parts[0], parts[2]

	switch {
	case len(parts) == 3:
		s.handleGetRecord(w, r, storeID, sku)
	case len(parts) == 4 && parts[3] == "adjust":
		s.handleAdjust(w, r, storeID, sku)
	case len(parts) == 4 && parts[3] == "reserve":
		s.handleReserve(w, r, storeID, sku)
	default:
		writeError(w, s.deps.Clock, apierr.NotFound("unrecognized inventory route"))
	}
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request, storeID, sku string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	record, err := s.deps.Inventory.Get(storeID, sku)
	if err != nil {
		writeError(w, s.deps.Clock, err)
		return
	}
	w.Header().Set("ETag", `"`+strconv.FormatInt(record.Version, 10)+`"`)
	writeJSON(w, http.StatusOK, record)
}

// mutationRequest is the shared body shape for adjust/reserve; exactly
// one of Delta/Qty is populated depending on the route.
type mutationRequest struct {
	Delta           *int64 `json:"delta"`
	Qty             *int64 `json:"qty"`
	ExpectedVersion *int64 `json:"expectedVersion"`
}

// resolveExpectedVersion honors If-Match as an alias for expectedVersion.
func resolveExpectedVersion(r *http.Request, body *mutationRequest) *int64 {
	if body.ExpectedVersion != nil {
		return body.ExpectedVersion
	}
	ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`)
	if ifMatch == "" {
		return nil
	}
	v, err := strconv.ParseInt(ifMatch, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request, storeID, sku string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var body mutationRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Delta == nil {
		writeError(w, s.deps.Clock, apierr.Validation("delta is required"))
		return
	}
	expected := resolveExpectedVersion(r, &body)
	idempKey := r.Header.Get("Idempotency-Key")

	result, err := s.deps.Mutation.AdjustStock(r.Context(), storeID, sku, *body.Delta, expected, idempKey)
	if err != nil {
		writeError(w, s.deps.Clock, err)
		return
	}
	writeRaw(w, http.StatusOK, map[string]any{
		"success":     true,
		"newQuantity": result.Qty,
		"newVersion":  result.Version,
		"record": map[string]any{
			"storeId": storeID,
			"sku":     sku,
			"qty":     result.Qty,
			"version": result.Version,
		},
	})
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request, storeID, sku string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var body mutationRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Qty == nil || *body.Qty <= 0 {
		writeError(w, s.deps.Clock, apierr.Validation("qty must be > 0"))
		return
	}
	expected := resolveExpectedVersion(r, &body)
	idempKey := r.Header.Get("Idempotency-Key")

	result, err := s.deps.Mutation.ReserveStock(r.Context(), storeID, sku, *body.Qty, expected, idempKey)
	if err != nil {
		writeError(w, s.deps.Clock, err)
		return
	}
	writeRaw(w, http.StatusOK, map[string]any{
		"success":     true,
		"newQuantity": result.Qty,
		"newVersion":  result.Version,
		"record": map[string]any{
			"storeId": storeID,
			"sku":     sku,
			"qty":     result.Qty,
			"version": result.Version,
		},
	})
}
