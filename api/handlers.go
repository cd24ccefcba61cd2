/*
handlers.go - HTTP API handlers for the FIFO ledger

PURPOSE:
  Exposes the inventory service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the inventory service. No cost
  arithmetic happens here.

ENDPOINTS:
  SKUs:
    GET    /api/skus                 List SKUs
    POST   /api/skus                 Create or update a SKU
    GET    /api/skus/{id}            Get SKU with cached stock figures
    GET    /api/skus/{id}/layers     Current layers, oldest first
    POST   /api/skus/{id}/active     Activate / deactivate

  Stock movements:
    POST   /api/receivings           Receive (with damage outcome)
    POST   /api/issues               Issue or standalone waste
    POST   /api/adjustments          Stock-count correction
    POST   /api/work-orders          Process a work order
    POST   /api/work-orders/preview  Cost a work order without writing
    GET    /api/movements            List movements (filterable)
    DELETE /api/movements/{id}       Reverse a movement

  Reports:
    GET    /api/inventory/summary    On-hand and value per SKU
    GET    /api/inventory/kpis       Turnover and days of inventory
    GET    /api/integrity/{sku}      Invariant checks for one SKU

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Reversal blocked, already reversed, duplicate reference,
         concurrency conflict after retries
  - 422: Insufficient stock
  - 500: Integrity violations and internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/fifo-ledger/fifo"
	"github.com/warp/fifo-ledger/inventory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter wipes all ledger data. Both stores implement it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Service *inventory.Service
	Store   Resetter
	logger  *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(svc *inventory.Service, store Resetter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Service: svc, Store: store, logger: logger}
}

// =============================================================================
// SKU HANDLERS
// =============================================================================

// ListSKUs returns all SKUs.
func (h *Handler) ListSKUs(w http.ResponseWriter, r *http.Request) {
	skus, err := h.Service.ListSKUs(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]SKUDTO, len(skus))
	for i, s := range skus {
		out[i] = toSKUDTO(s)
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateSKU registers a SKU or updates its master data.
func (h *Handler) CreateSKU(w http.ResponseWriter, r *http.Request) {
	var req inventory.SKUInput
	if !decode(w, r, &req) {
		return
	}
	sku, err := h.Service.RegisterSKU(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSKUDTO(sku))
}

func (h *Handler) GetSKU(w http.ResponseWriter, r *http.Request) {
	sku, err := h.Service.GetSKU(r.Context(), fifo.SKUID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSKUDTO(sku))
}

// GetLayers returns the SKU's layers, exhausted ones included.
func (h *Handler) GetLayers(w http.ResponseWriter, r *http.Request) {
	layers, err := h.Service.CurrentLayers(r.Context(), fifo.SKUID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLayerDTOs(layers))
}

func (h *Handler) SetSKUActive(w http.ResponseWriter, r *http.Request) {
	var req SetActiveRequest
	if !decode(w, r, &req) {
		return
	}
	sku, err := h.Service.SetSKUActive(r.Context(), fifo.SKUID(chi.URLParam(r, "id")), req.Active)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSKUDTO(sku))
}

// =============================================================================
// MOVEMENT HANDLERS
// =============================================================================

// CreateReceiving records a delivery. A fully rejected delivery still
// answers 201 with no movement.
func (h *Handler) CreateReceiving(w http.ResponseWriter, r *http.Request) {
	var req inventory.ReceivingInput
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Service.CreateReceiving(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReceivingResponse(res))
}

func (h *Handler) CreateIssue(w http.ResponseWriter, r *http.Request) {
	var req inventory.IssueInput
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Service.IssueOrWaste(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, IssueResponse{
		Movement:     toMovementDTO(res.Movement),
		Consumptions: toConsumptionDTOs(res.Consumptions),
		Shortfall:    res.Shortfall,
	})
}

func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req inventory.AdjustmentInput
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Service.Adjust(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := AdjustmentResponse{
		Movement:     toMovementDTO(res.Movement),
		Consumptions: toConsumptionDTOs(res.Consumptions),
	}
	if res.Layer != nil {
		l := toLayerDTO(*res.Layer)
		resp.Layer = &l
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ProcessWorkOrder answers 201 for a new work order and 200 when the
// reference had already been processed.
func (h *Handler) ProcessWorkOrder(w http.ResponseWriter, r *http.Request) {
	var req inventory.WorkOrderInput
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Service.ProcessWorkOrder(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toWorkOrderResponse(res))
}

func (h *Handler) PreviewWorkOrder(w http.ResponseWriter, r *http.Request) {
	var req inventory.WorkOrderInput
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Service.PreviewWorkOrder(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkOrderPreviewDTO(p))
}

const maxMovementsPage = 1000

// ListMovements supports ?sku=&type=&reference=&work_order_id=&from=&to=
// &include_reversed=&limit=.
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := fifo.MovementFilter{
		SKU:         fifo.SKUID(q.Get("sku")),
		Type:        fifo.MovementType(strings.ToUpper(q.Get("type"))),
		Reference:   q.Get("reference"),
		WorkOrderID: fifo.WorkOrderID(q.Get("work_order_id")),
	}
	if filter.Type != "" && !filter.Type.IsValid() {
		writeError(w, http.StatusBadRequest, "Invalid movement type", nil)
		return
	}
	var err error
	if filter.From, err = parseOptionalTime(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from date", err)
		return
	}
	if filter.To, err = parseOptionalTime(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to date", err)
		return
	}
	if v := q.Get("include_reversed"); v != "" {
		if filter.IncludeReversed, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid include_reversed", err)
			return
		}
	}
	limit := maxMovementsPage
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = min(limit, maxMovementsPage)
	}

	out := make([]MovementDTO, 0)
	for m, err := range h.Service.ListMovements(r.Context(), filter) {
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		out = append(out, toMovementDTO(m))
		if len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteMovement reverses a movement. Blocked reversals answer 409 with the
// blocking ids.
func (h *Handler) DeleteMovement(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.DeleteMovement(r.Context(), fifo.MovementID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReversalResponse(res))
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

func (h *Handler) InventorySummary(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Service.InventorySummary(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := InventorySummaryResponse{SKUs: make([]SKUSummaryDTO, len(rows))}
	for i, row := range rows {
		resp.SKUs[i] = SKUSummaryDTO{
			SKU:      toSKUDTO(row.SKU),
			OnHand:   row.OnHand,
			AvgCost:  row.AvgCost,
			Value:    row.Value,
			Layers:   row.Layers,
			BelowMin: row.BelowMin,
		}
		resp.TotalValue += row.Value
	}
	writeJSON(w, http.StatusOK, resp)
}

// KPIs requires ?from= and ?to= (RFC3339 or YYYY-MM-DD).
func (h *Handler) KPIs(w http.ResponseWriter, r *http.Request) {
	from, err := parseOptionalTime(r.URL.Query().Get("from"))
	if err != nil || from == nil {
		writeError(w, http.StatusBadRequest, "from is required (RFC3339 or YYYY-MM-DD)", err)
		return
	}
	to, err := parseOptionalTime(r.URL.Query().Get("to"))
	if err != nil || to == nil {
		writeError(w, http.StatusBadRequest, "to is required (RFC3339 or YYYY-MM-DD)", err)
		return
	}
	rep, err := h.Service.KPIs(r.Context(), *from, *to)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toKPIReportDTO(rep))
}

// CheckIntegrity answers 200 with the report even when violations were
// found; the report's "ok" flag carries the verdict.
func (h *Handler) CheckIntegrity(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Service.CheckIntegrity(r.Context(), fifo.SKUID(chi.URLParam(r, "sku")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toIntegrityReportDTO(rep))
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps ledger errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var (
		validation *fifo.ValidationError
		short      *fifo.InsufficientStockError
		blocked    *fifo.ReversalBlockedError
	)
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		resp.Field = validation.Field
	case errors.Is(err, fifo.ErrValidation):
		status = http.StatusBadRequest
	case fifo.IsNotFound(err):
		status = http.StatusNotFound
	case errors.As(err, &short):
		status = http.StatusUnprocessableEntity
		resp.Shortfalls = toShortfallDTOs(short.Lines)
	case errors.As(err, &blocked):
		status = http.StatusConflict
		resp.Blocking = &BlockingDTO{
			Layers:     stringsOf(blocked.Layers),
			Movements:  stringsOf(blocked.Movements),
			WorkOrders: stringsOf(blocked.WorkOrders),
		}
	case errors.Is(err, fifo.ErrAlreadyReversed),
		errors.Is(err, fifo.ErrDuplicateReference),
		fifo.IsRetryable(err):
		status = http.StatusConflict
	case errors.Is(err, fifo.ErrIntegrity):
		h.logger.Error("integrity violation",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r)),
			zap.Error(err),
		)
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r)),
			zap.Error(err),
		)
		resp = ErrorResponse{Error: "Internal error", Details: err.Error()}
	}
	writeJSON(w, status, resp)
}
