/*
handlers_test.go - HTTP tests for the ledger API

PURPOSE:
	Drives the chi router end to end over an in-memory SQLite ledger and
	checks the status codes and bodies clients rely on:
	- 201 on writes, 200 on a replayed work order
	- 400 with the offending field on validation errors
	- 404 for unknown ids
	- 422 with per-SKU shortfalls when stock runs out
	- 409 with the blocking ids when a reversal is refused

SEE ALSO:
	- handlers.go: writeServiceError
	- scenarios_test.go: Scenario loading through the same router
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/fifo-ledger/fifo"
	"github.com/warp/fifo-ledger/inventory"
	"github.com/warp/fifo-ledger/store/sqlite"
)

type testServer struct {
	router    http.Handler
	handler   *Handler
	scheduler *IntegrityScheduler
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	engine := fifo.NewEngine(store, fifo.WithMetrics(fifo.NewMetrics(reg)))
	svc := inventory.NewService(engine, nil)
	h := NewHandler(svc, store, nil)
	sched := NewIntegrityScheduler(svc, nil)

	return &testServer{
		router:    NewRouter(h, RouterOptions{Gatherer: reg, Scheduler: sched}),
		handler:   h,
		scheduler: sched,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) mustDo(t *testing.T, method, path string, body any, want int) map[string]any {
	t.Helper()
	rec := s.do(t, method, path, body)
	require.Equal(t, want, rec.Code, "body: %s", rec.Body.String())
	return decodeObject(t, rec)
}

func decodeObject(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func field(t *testing.T, obj map[string]any, path ...string) any {
	t.Helper()
	var cur any = obj
	for _, p := range path {
		m, ok := cur.(map[string]any)
		require.True(t, ok, "%v is not an object at %q", cur, p)
		cur = m[p]
	}
	return cur
}

// stockFlour registers FLOUR with 5 @ 2.00 and 7 @ 3.00 and returns the two
// receipt movement ids.
func stockFlour(t *testing.T, s *testServer) (string, string) {
	t.Helper()
	s.mustDo(t, http.MethodPost, "/api/skus", map[string]any{
		"id": "FLOUR", "name": "Wheat flour", "material_type": "RAW", "unit": "kg", "min_stock": "2",
	}, http.StatusCreated)

	first := s.mustDo(t, http.MethodPost, "/api/receivings", map[string]any{
		"sku": "FLOUR", "quantity": "5", "unit_cost": "2.00", "date": "2025-01-02T00:00:00Z",
	}, http.StatusCreated)
	second := s.mustDo(t, http.MethodPost, "/api/receivings", map[string]any{
		"sku": "FLOUR", "quantity": "7", "unit_cost": "3.00", "date": "2025-01-09T00:00:00Z",
	}, http.StatusCreated)

	return field(t, first, "movement", "id").(string), field(t, second, "movement", "id").(string)
}

// =============================================================================
// MASTER DATA
// =============================================================================

func TestHandler_CreateAndGetSKU(t *testing.T) {
	// GIVEN: An empty ledger
	s := setupTestServer(t)

	// WHEN: A SKU is created
	created := s.mustDo(t, http.MethodPost, "/api/skus", map[string]any{
		"id": "SUGAR", "name": "Cane sugar", "material_type": "RAW", "unit": "kg",
	}, http.StatusCreated)

	// THEN: It is active with nothing on hand, and GET returns it
	assert.Equal(t, "SUGAR", created["id"])
	assert.Equal(t, true, created["active"])
	assert.Equal(t, "0", created["on_hand"])
	assert.Nil(t, created["avg_cost"])

	got := s.mustDo(t, http.MethodGet, "/api/skus/SUGAR", nil, http.StatusOK)
	assert.Equal(t, "Cane sugar", got["name"])

	rec := s.do(t, http.MethodGet, "/api/skus/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestHandler_ValidationErrorNamesField(t *testing.T) {
	s := setupTestServer(t)

	body := s.mustDo(t, http.MethodPost, "/api/skus", map[string]any{
		"id": "GOLD", "name": "Gold", "material_type": "METAL", "unit": "g",
	}, http.StatusBadRequest)

	assert.Equal(t, "material_type", body["field"])
}

func TestHandler_MalformedBody(t *testing.T) {
	s := setupTestServer(t)

	body := s.mustDo(t, http.MethodPost, "/api/receivings", "{not json", http.StatusBadRequest)

	assert.Equal(t, "Invalid request body", body["error"])
}

func TestHandler_UnknownIDsAre404(t *testing.T) {
	s := setupTestServer(t)

	s.mustDo(t, http.MethodGet, "/api/skus/NOPE", nil, http.StatusNotFound)
	s.mustDo(t, http.MethodGet, "/api/skus/NOPE/layers", nil, http.StatusNotFound)
	s.mustDo(t, http.MethodDelete, "/api/movements/does-not-exist", nil, http.StatusNotFound)
}

func TestHandler_InactiveSKURejectsReceiving(t *testing.T) {
	// GIVEN: A deactivated SKU
	s := setupTestServer(t)
	stockFlour(t, s)
	got := s.mustDo(t, http.MethodPost, "/api/skus/FLOUR/active", map[string]any{"active": false}, http.StatusOK)
	assert.Equal(t, false, got["active"])

	// WHEN/THEN: New stock is refused
	s.mustDo(t, http.MethodPost, "/api/receivings", map[string]any{
		"sku": "FLOUR", "quantity": "1", "unit_cost": "1",
	}, http.StatusBadRequest)
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func TestHandler_ReceivingCreatesLayer(t *testing.T) {
	s := setupTestServer(t)
	stockFlour(t, s)

	rec := s.do(t, http.MethodGet, "/api/skus/FLOUR/layers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var layers []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &layers))

	require.Len(t, layers, 2)
	assert.Equal(t, "5", layers[0]["remaining"])
	assert.Equal(t, "2", layers[0]["unit_cost"])
	assert.Equal(t, "ACTIVE", layers[0]["status"])
}

func TestHandler_IssueDrawsFIFO(t *testing.T) {
	// GIVEN: 5 @ 2.00 then 7 @ 3.00
	s := setupTestServer(t)
	stockFlour(t, s)

	// WHEN: 8 are issued
	body := s.mustDo(t, http.MethodPost, "/api/issues", map[string]any{
		"sku": "FLOUR", "quantity": "8", "kind": "ISSUE", "date": "2025-01-15T00:00:00Z",
	}, http.StatusCreated)

	// THEN: Cost is 5*2 + 3*3 over two consumption rows
	assert.Equal(t, "19.00", field(t, body, "movement", "total_value"))
	assert.Equal(t, "-8", field(t, body, "movement", "quantity"))
	assert.Len(t, body["consumptions"], 2)
}

func TestHandler_InsufficientStockIs422WithShortfalls(t *testing.T) {
	s := setupTestServer(t)
	stockFlour(t, s)

	body := s.mustDo(t, http.MethodPost, "/api/issues", map[string]any{
		"sku": "FLOUR", "quantity": "20", "kind": "ISSUE",
	}, http.StatusUnprocessableEntity)

	shortfalls, ok := body["shortfalls"].([]any)
	require.True(t, ok)
	require.Len(t, shortfalls, 1)
	line := shortfalls[0].(map[string]any)
	assert.Equal(t, "FLOUR", line["sku"])
	assert.Equal(t, "12", line["available"])
	assert.Equal(t, "8", line["shortfall"])
}

func TestHandler_AdjustmentRequiresReason(t *testing.T) {
	s := setupTestServer(t)
	stockFlour(t, s)

	body := s.mustDo(t, http.MethodPost, "/api/adjustments", map[string]any{
		"sku": "FLOUR", "quantity": "-1",
	}, http.StatusBadRequest)
	assert.Equal(t, "reason", body["field"])

	ok := s.mustDo(t, http.MethodPost, "/api/adjustments", map[string]any{
		"sku": "FLOUR", "quantity": "-1", "reason": "count",
	}, http.StatusCreated)
	assert.Equal(t, "2.00", field(t, ok, "movement", "total_value"))
}

func TestHandler_ListMovementsFilters(t *testing.T) {
	s := setupTestServer(t)
	stockFlour(t, s)
	s.mustDo(t, http.MethodPost, "/api/issues", map[string]any{"sku": "FLOUR", "quantity": "1", "kind": "ISSUE"}, http.StatusCreated)

	rec := s.do(t, http.MethodGet, "/api/movements/?type=RECEIVE&sku=FLOUR", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ms []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ms))
	assert.Len(t, ms, 2)
	for _, m := range ms {
		assert.Equal(t, "RECEIVE", m["type"])
	}

	s.mustDo(t, http.MethodGet, "/api/movements/?type=BOGUS", nil, http.StatusBadRequest)
	s.mustDo(t, http.MethodGet, "/api/movements/?from=yesterday", nil, http.StatusBadRequest)
}

// =============================================================================
// REVERSALS
// =============================================================================

func TestHandler_DeleteReceivingBlockedThenAllowed(t *testing.T) {
	// GIVEN: An issue drawing from the first receipt
	s := setupTestServer(t)
	firstID, _ := stockFlour(t, s)
	issue := s.mustDo(t, http.MethodPost, "/api/issues", map[string]any{
		"sku": "FLOUR", "quantity": "3", "kind": "ISSUE",
	}, http.StatusCreated)
	issueID := field(t, issue, "movement", "id").(string)

	// WHEN: The receipt is deleted first
	blocked := s.mustDo(t, http.MethodDelete, "/api/movements/"+firstID, nil, http.StatusConflict)

	// THEN: 409 names the issue that must go first
	assert.Contains(t, field(t, blocked, "blocking", "movements"), issueID)
	assert.NotEmpty(t, field(t, blocked, "blocking", "layers"))

	// WHEN: The issue is reversed, then the receipt
	rev := s.mustDo(t, http.MethodDelete, "/api/movements/"+issueID, nil, http.StatusOK)
	assert.Equal(t, "ISSUE", rev["type"])
	assert.Len(t, rev["restored_layers"], 1)

	s.mustDo(t, http.MethodDelete, "/api/movements/"+firstID, nil, http.StatusOK)

	// THEN: Only the second receipt's stock is left; a second delete is 409
	sku := s.mustDo(t, http.MethodGet, "/api/skus/FLOUR", nil, http.StatusOK)
	assert.Equal(t, "7", sku["on_hand"])
	s.mustDo(t, http.MethodDelete, "/api/movements/"+issueID, nil, http.StatusConflict)
}

// =============================================================================
// WORK ORDERS
// =============================================================================

func workOrderBody(ref string) map[string]any {
	return map[string]any{
		"reference":   ref,
		"output_name": "Bread",
		"output_qty":  "4",
		"output_unit": "pcs",
		"raw_lines":   []map[string]any{{"sku": "FLOUR", "quantity": "6"}},
		"waste_lines": []map[string]any{{"sku": "FLOUR", "quantity": "1"}},
	}
}

func TestHandler_WorkOrderCreatedThenReplayed(t *testing.T) {
	// GIVEN: 5 @ 2.00 then 7 @ 3.00
	s := setupTestServer(t)
	stockFlour(t, s)

	// WHEN: The work order is submitted
	first := s.mustDo(t, http.MethodPost, "/api/work-orders/", workOrderBody("WO-1"), http.StatusCreated)

	// THEN: Raw cost 5*2 + 1*3, waste carved from the oldest draw
	assert.Equal(t, false, first["replayed"])
	assert.Equal(t, "13.00", field(t, first, "work_order", "total_raw_cost"))
	assert.Equal(t, "2.00", field(t, first, "work_order", "total_waste_cost"))
	assert.Equal(t, "11.00", field(t, first, "work_order", "net_cost"))
	assert.Equal(t, "2.75", field(t, first, "work_order", "unit_cost"))
	assert.Equal(t, "PRODUCE", field(t, first, "produce", "type"))

	// WHEN: It is submitted again
	again := s.mustDo(t, http.MethodPost, "/api/work-orders/", workOrderBody("WO-1"), http.StatusOK)

	// THEN: Same work order, stock drawn once
	assert.Equal(t, true, again["replayed"])
	assert.Equal(t, field(t, first, "work_order", "id"), field(t, again, "work_order", "id"))
	sku := s.mustDo(t, http.MethodGet, "/api/skus/FLOUR", nil, http.StatusOK)
	assert.Equal(t, "6", sku["on_hand"])
}

func TestHandler_WorkOrderShortfall(t *testing.T) {
	s := setupTestServer(t)
	stockFlour(t, s)

	req := workOrderBody("WO-BIG")
	req["raw_lines"] = []map[string]any{{"sku": "FLOUR", "quantity": "50"}}
	body := s.mustDo(t, http.MethodPost, "/api/work-orders/", req, http.StatusUnprocessableEntity)

	assert.Len(t, body["shortfalls"], 1)

	// Nothing was written
	rec := s.do(t, http.MethodGet, "/api/movements/?type=ISSUE", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestHandler_WorkOrderValidationField(t *testing.T) {
	s := setupTestServer(t)
	stockFlour(t, s)

	req := workOrderBody("WO-X")
	req["raw_lines"] = []map[string]any{{"sku": "", "quantity": "1"}}
	body := s.mustDo(t, http.MethodPost, "/api/work-orders/", req, http.StatusBadRequest)

	assert.Equal(t, "raw_lines[0].sku", body["field"])
}

func TestHandler_PreviewWritesNothing(t *testing.T) {
	s := setupTestServer(t)
	stockFlour(t, s)

	body := s.mustDo(t, http.MethodPost, "/api/work-orders/preview", workOrderBody("WO-P"), http.StatusOK)

	assert.Equal(t, true, body["feasible"])
	assert.Equal(t, "11.00", body["net_cost"])
	sku := s.mustDo(t, http.MethodGet, "/api/skus/FLOUR", nil, http.StatusOK)
	assert.Equal(t, "12", sku["on_hand"])
}

func TestHandler_DeleteWorkOrderIssuePointsToProduce(t *testing.T) {
	// GIVEN: A processed work order
	s := setupTestServer(t)
	stockFlour(t, s)
	wo := s.mustDo(t, http.MethodPost, "/api/work-orders/", workOrderBody("WO-R"), http.StatusCreated)
	issueID := field(t, wo, "issues").([]any)[0].(map[string]any)["id"].(string)
	produceID := field(t, wo, "produce", "id").(string)

	// WHEN: One of its issues is deleted
	blocked := s.mustDo(t, http.MethodDelete, "/api/movements/"+issueID, nil, http.StatusConflict)

	// THEN: The PRODUCE movement is named; reversing it restores everything
	assert.Contains(t, field(t, blocked, "blocking", "movements"), produceID)

	s.mustDo(t, http.MethodDelete, "/api/movements/"+produceID, nil, http.StatusOK)
	sku := s.mustDo(t, http.MethodGet, "/api/skus/FLOUR", nil, http.StatusOK)
	assert.Equal(t, "12", sku["on_hand"])
}

// =============================================================================
// REPORTS
// =============================================================================

func TestHandler_InventorySummary(t *testing.T) {
	s := setupTestServer(t)
	stockFlour(t, s)

	body := s.mustDo(t, http.MethodGet, "/api/inventory/summary", nil, http.StatusOK)

	assert.Equal(t, "31.00", body["total_value"])
	rows := body["skus"].([]any)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	assert.Equal(t, "12", row["on_hand"])
	assert.Equal(t, float64(2), row["open_layers"])
}

func TestHandler_KPIs(t *testing.T) {
	s := setupTestServer(t)
	stockFlour(t, s)
	s.mustDo(t, http.MethodPost, "/api/issues", map[string]any{
		"sku": "FLOUR", "quantity": "8", "kind": "ISSUE", "date": "2025-01-15T00:00:00Z",
	}, http.StatusCreated)

	s.mustDo(t, http.MethodGet, "/api/inventory/kpis", nil, http.StatusBadRequest)
	s.mustDo(t, http.MethodGet, "/api/inventory/kpis?from=2025-01-01", nil, http.StatusBadRequest)
	inverted := s.mustDo(t, http.MethodGet, "/api/inventory/kpis?from=2025-02-01&to=2025-01-01", nil, http.StatusBadRequest)
	assert.Equal(t, "from", inverted["field"])

	body := s.mustDo(t, http.MethodGet, "/api/inventory/kpis?from=2025-01-01&to=2025-02-01", nil, http.StatusOK)
	assert.Equal(t, "19.00", body["cogs"])
	assert.Equal(t, "0.00", body["opening_value"])
	assert.Equal(t, "12.00", body["closing_value"])
}

func TestHandler_Integrity(t *testing.T) {
	// GIVEN: A ledger with one issue
	s := setupTestServer(t)
	stockFlour(t, s)
	s.mustDo(t, http.MethodPost, "/api/issues", map[string]any{"sku": "FLOUR", "quantity": "6", "kind": "ISSUE"}, http.StatusCreated)

	// WHEN/THEN: The per-SKU check is clean
	rep := s.mustDo(t, http.MethodGet, "/api/integrity/FLOUR", nil, http.StatusOK)
	assert.Equal(t, true, rep["ok"])
	assert.Equal(t, float64(2), rep["layers_checked"])

	// WHEN/THEN: No sweep has run yet, then one is triggered
	rec := s.do(t, http.MethodGet, "/api/integrity/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))

	sweep := s.mustDo(t, http.MethodPost, "/api/integrity/sweep", nil, http.StatusOK)
	assert.Equal(t, float64(1), sweep["skus_checked"])
	assert.Equal(t, float64(0), sweep["violations"])

	last := s.mustDo(t, http.MethodGet, "/api/integrity/", nil, http.StatusOK)
	assert.Equal(t, float64(1), last["skus_checked"])

	s.mustDo(t, http.MethodGet, "/api/integrity/NOPE", nil, http.StatusNotFound)
}

func TestHandler_HealthzAndMetrics(t *testing.T) {
	s := setupTestServer(t)
	stockFlour(t, s)

	health := s.mustDo(t, http.MethodGet, "/healthz", nil, http.StatusOK)
	assert.Equal(t, "ok", health["status"])

	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `fifo_movements_recorded_total{type="RECEIVE"} 2`)
}

func TestHandler_CORSPreflight(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/skus/", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
