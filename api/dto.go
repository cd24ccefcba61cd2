/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. The fifo package types
  carry no JSON tags; everything leaving the server goes through a DTO so
  the wire format can evolve independently of the engine.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients (most reuse the inventory
    input types directly, which already carry json + validate tags)
  - *Response: Complex response wrappers

TYPES:
  Master data:  SKUDTO, SKUSummaryDTO
  Ledger:       LayerDTO, MovementDTO, ConsumptionDTO
  Operations:   ReceivingResponse, IssueResponse, AdjustmentResponse,
                WorkOrderResponse, WorkOrderPreviewDTO, ReversalResponse
  Reports:      KPIReportDTO, IntegrityReportDTO
  Scenarios:    ScenarioDTO, LoadScenarioRequest

MONEY:
  fifo.Money marshals itself as a fixed two-decimal string ("130.00").
  Quantities and unit costs are decimal strings.

SEE ALSO:
  - handlers.go: Uses these types
  - inventory/service.go: Request input types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fifo-ledger/fifo"
	"github.com/warp/fifo-ledger/inventory"
)

// =============================================================================
// MASTER DATA
// =============================================================================

type SKUDTO struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	MaterialType string           `json:"material_type"`
	Category     string           `json:"category,omitempty"`
	Unit         string           `json:"unit"`
	Active       bool             `json:"active"`
	MinStock     decimal.Decimal  `json:"min_stock"`
	OnHand       decimal.Decimal  `json:"on_hand"`
	AvgCost      *decimal.Decimal `json:"avg_cost"`
	BelowMin     bool             `json:"below_min"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

func toSKUDTO(s fifo.SKU) SKUDTO {
	return SKUDTO{
		ID:           string(s.ID),
		Name:         s.Name,
		MaterialType: string(s.MaterialType),
		Category:     s.Category,
		Unit:         s.Unit,
		Active:       s.Active,
		MinStock:     s.MinStock,
		OnHand:       s.OnHand,
		AvgCost:      s.AvgCost,
		BelowMin:     s.BelowMinimum(),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

type SKUSummaryDTO struct {
	SKU      SKUDTO           `json:"sku"`
	OnHand   decimal.Decimal  `json:"on_hand"`
	AvgCost  *decimal.Decimal `json:"avg_cost"`
	Value    fifo.Money       `json:"value"`
	Layers   int              `json:"open_layers"`
	BelowMin bool             `json:"below_min"`
}

// InventorySummaryResponse wraps the per-SKU rows with the grand total.
type InventorySummaryResponse struct {
	SKUs       []SKUSummaryDTO `json:"skus"`
	TotalValue fifo.Money      `json:"total_value"`
}

// SetActiveRequest toggles a SKU.
type SetActiveRequest struct {
	Active bool `json:"active"`
}

// =============================================================================
// LEDGER
// =============================================================================

type LayerDTO struct {
	ID               string          `json:"id"`
	Seq              int64           `json:"seq"`
	SKU              string          `json:"sku"`
	ReceivedAt       time.Time       `json:"received_at"`
	Original         decimal.Decimal `json:"original"`
	Remaining        decimal.Decimal `json:"remaining"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
	Status           string          `json:"status"`
	SourceMovementID string          `json:"source_movement_id"`
	Version          int64           `json:"version"`
	ReversedAt       *time.Time      `json:"reversed_at,omitempty"`
}

func toLayerDTO(l fifo.Layer) LayerDTO {
	return LayerDTO{
		ID:               string(l.ID),
		Seq:              l.Seq,
		SKU:              string(l.SKU),
		ReceivedAt:       l.ReceivedAt,
		Original:         l.Original,
		Remaining:        l.Remaining,
		UnitCost:         l.UnitCost,
		Status:           string(l.Status),
		SourceMovementID: string(l.SourceMovementID),
		Version:          l.Version,
		ReversedAt:       l.ReversedAt,
	}
}

func toLayerDTOs(ls []fifo.Layer) []LayerDTO {
	out := make([]LayerDTO, len(ls))
	for i, l := range ls {
		out[i] = toLayerDTO(l)
	}
	return out
}

type MovementDTO struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Type        string          `json:"type"`
	SKU         string          `json:"sku,omitempty"`
	OutputName  string          `json:"output_name,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	TotalValue  fifo.Money      `json:"total_value"`
	Reference   string          `json:"reference,omitempty"`
	WorkOrderID string          `json:"work_order_id,omitempty"`
	CarvedFrom  string          `json:"carved_from,omitempty"`
	VendorRef   string          `json:"vendor_ref,omitempty"`
	Note        string          `json:"note,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ReversedAt  *time.Time      `json:"reversed_at,omitempty"`
}

func toMovementDTO(m fifo.Movement) MovementDTO {
	return MovementDTO{
		ID:          string(m.ID),
		Timestamp:   m.Timestamp,
		Type:        string(m.Type),
		SKU:         string(m.SKU),
		OutputName:  m.OutputName,
		Quantity:    m.Quantity,
		Unit:        m.Unit,
		UnitCost:    m.UnitCost,
		TotalValue:  m.TotalValue,
		Reference:   m.Reference,
		WorkOrderID: string(m.WorkOrderID),
		CarvedFrom:  string(m.CarvedFrom),
		VendorRef:   m.VendorRef,
		Note:        m.Note,
		CreatedAt:   m.CreatedAt,
		ReversedAt:  m.ReversedAt,
	}
}

func toMovementDTOs(ms []fifo.Movement) []MovementDTO {
	out := make([]MovementDTO, len(ms))
	for i, m := range ms {
		out[i] = toMovementDTO(m)
	}
	return out
}

type ConsumptionDTO struct {
	ID         string          `json:"id"`
	MovementID string          `json:"movement_id"`
	LayerID    string          `json:"layer_id"`
	SKU        string          `json:"sku"`
	Kind       string          `json:"kind"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	TotalCost  fifo.Money      `json:"total_cost"`
}

func toConsumptionDTOs(rows []fifo.LayerConsumption) []ConsumptionDTO {
	out := make([]ConsumptionDTO, len(rows))
	for i, c := range rows {
		out[i] = ConsumptionDTO{
			ID:         string(c.ID),
			MovementID: string(c.MovementID),
			LayerID:    string(c.LayerID),
			SKU:        string(c.SKU),
			Kind:       string(c.Kind),
			Quantity:   c.Quantity,
			UnitCost:   c.UnitCost,
			TotalCost:  c.TotalCost,
		}
	}
	return out
}

// =============================================================================
// OPERATION RESPONSES
// =============================================================================

type ReceivingResponse struct {
	Outcome  string          `json:"outcome"`
	Accepted decimal.Decimal `json:"accepted"`
	Rejected decimal.Decimal `json:"rejected"`
	Movement *MovementDTO    `json:"movement,omitempty"`
	Layer    *LayerDTO       `json:"layer,omitempty"`
}

func toReceivingResponse(r inventory.ReceivingResult) ReceivingResponse {
	resp := ReceivingResponse{
		Outcome:  string(r.Outcome),
		Accepted: r.Accepted,
		Rejected: r.Rejected,
	}
	if r.Movement != nil {
		m := toMovementDTO(*r.Movement)
		resp.Movement = &m
	}
	if r.Layer != nil {
		l := toLayerDTO(*r.Layer)
		resp.Layer = &l
	}
	return resp
}

type IssueResponse struct {
	Movement     MovementDTO      `json:"movement"`
	Consumptions []ConsumptionDTO `json:"consumptions"`
	Shortfall    decimal.Decimal  `json:"shortfall"`
}

type AdjustmentResponse struct {
	Movement     MovementDTO      `json:"movement"`
	Layer        *LayerDTO        `json:"layer,omitempty"`
	Consumptions []ConsumptionDTO `json:"consumptions"`
}

type WorkOrderDTO struct {
	ID                string          `json:"id"`
	Reference         string          `json:"reference"`
	OutputName        string          `json:"output_name"`
	OutputQty         decimal.Decimal `json:"output_qty"`
	OutputUnit        string          `json:"output_unit"`
	TotalRawCost      fifo.Money      `json:"total_raw_cost"`
	TotalWasteCost    fifo.Money      `json:"total_waste_cost"`
	NetCost           fifo.Money      `json:"net_cost"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	ProduceMovementID string          `json:"produce_movement_id"`
	CreatedAt         time.Time       `json:"created_at"`
	ReversedAt        *time.Time      `json:"reversed_at,omitempty"`
}

type WorkOrderResponse struct {
	WorkOrder    WorkOrderDTO     `json:"work_order"`
	Issues       []MovementDTO    `json:"issues"`
	Wastes       []MovementDTO    `json:"wastes"`
	Produce      MovementDTO      `json:"produce"`
	Consumptions []ConsumptionDTO `json:"consumptions"`
	Replayed     bool             `json:"replayed"`
}

func toWorkOrderResponse(r fifo.WorkOrderResult) WorkOrderResponse {
	wo := r.WorkOrder
	return WorkOrderResponse{
		WorkOrder: WorkOrderDTO{
			ID:                string(wo.ID),
			Reference:         wo.Reference,
			OutputName:        wo.OutputName,
			OutputQty:         wo.OutputQty,
			OutputUnit:        wo.OutputUnit,
			TotalRawCost:      wo.TotalRawCost,
			TotalWasteCost:    wo.TotalWasteCost,
			NetCost:           wo.NetCost,
			UnitCost:          wo.UnitCost,
			ProduceMovementID: string(wo.ProduceMovementID),
			CreatedAt:         wo.CreatedAt,
			ReversedAt:        wo.ReversedAt,
		},
		Issues:       toMovementDTOs(r.Issues),
		Wastes:       toMovementDTOs(r.Wastes),
		Produce:      toMovementDTO(r.Produce),
		Consumptions: toConsumptionDTOs(r.Consumptions),
		Replayed:     r.Replayed,
	}
}

type PlanLineDTO struct {
	LayerID  string          `json:"layer_id"`
	Quantity decimal.Decimal `json:"quantity"`
	UnitCost decimal.Decimal `json:"unit_cost"`
	Cost     fifo.Money      `json:"cost"`
}

type PreviewLineDTO struct {
	SKU      string          `json:"sku"`
	Quantity decimal.Decimal `json:"quantity"`
	Cost     fifo.Money      `json:"cost"`
	Layers   []PlanLineDTO   `json:"layers"`
}

type ShortfallDTO struct {
	SKU       string          `json:"sku"`
	Requested decimal.Decimal `json:"requested"`
	Available decimal.Decimal `json:"available"`
	Shortfall decimal.Decimal `json:"shortfall"`
}

func toShortfallDTOs(lines []fifo.ShortfallLine) []ShortfallDTO {
	out := make([]ShortfallDTO, len(lines))
	for i, l := range lines {
		out[i] = ShortfallDTO{
			SKU:       string(l.SKU),
			Requested: l.Requested,
			Available: l.Available,
			Shortfall: l.Shortfall,
		}
	}
	return out
}

type WorkOrderPreviewDTO struct {
	OutputName string           `json:"output_name"`
	OutputQty  decimal.Decimal  `json:"output_qty"`
	OutputUnit string           `json:"output_unit"`
	Raw        []PreviewLineDTO `json:"raw"`
	Waste      []PreviewLineDTO `json:"waste"`
	RawCost    fifo.Money       `json:"raw_cost"`
	WasteCost  fifo.Money       `json:"waste_cost"`
	NetCost    fifo.Money       `json:"net_cost"`
	UnitCost   decimal.Decimal  `json:"unit_cost"`
	Feasible   bool             `json:"feasible"`
	Shortfalls []ShortfallDTO   `json:"shortfalls"`
}

func toPreviewLines(lines []fifo.PreviewLine) []PreviewLineDTO {
	out := make([]PreviewLineDTO, len(lines))
	for i, l := range lines {
		pl := make([]PlanLineDTO, len(l.Layers))
		for j, d := range l.Layers {
			pl[j] = PlanLineDTO{
				LayerID:  string(d.LayerID),
				Quantity: d.Quantity,
				UnitCost: d.UnitCost,
				Cost:     d.Cost,
			}
		}
		out[i] = PreviewLineDTO{SKU: string(l.SKU), Quantity: l.Quantity, Cost: l.Cost, Layers: pl}
	}
	return out
}

func toWorkOrderPreviewDTO(p fifo.WorkOrderPreview) WorkOrderPreviewDTO {
	return WorkOrderPreviewDTO{
		OutputName: p.OutputName,
		OutputQty:  p.OutputQty,
		OutputUnit: p.OutputUnit,
		Raw:        toPreviewLines(p.Raw),
		Waste:      toPreviewLines(p.Waste),
		RawCost:    p.RawCost,
		WasteCost:  p.WasteCost,
		NetCost:    p.NetCost,
		UnitCost:   p.UnitCost,
		Feasible:   p.Feasible(),
		Shortfalls: toShortfallDTOs(p.Shortfalls),
	}
}

type RestoredLayerDTO struct {
	LayerID         string          `json:"layer_id"`
	SKU             string          `json:"sku"`
	Quantity        decimal.Decimal `json:"quantity"`
	RemainingBefore decimal.Decimal `json:"remaining_before"`
	RemainingAfter  decimal.Decimal `json:"remaining_after"`
	Status          string          `json:"status"`
}

type ReversalResponse struct {
	MovementID       string             `json:"movement_id"`
	Type             string             `json:"type"`
	RestoredLayers   []RestoredLayerDTO `json:"restored_layers"`
	RemovedMovements []string           `json:"removed_movements"`
	RemovedLayers    []string           `json:"removed_layers"`
	Adjustments      []string           `json:"adjustments,omitempty"`
}

func toReversalResponse(r fifo.ReversalResult) ReversalResponse {
	restored := make([]RestoredLayerDTO, len(r.RestoredLayers))
	for i, l := range r.RestoredLayers {
		restored[i] = RestoredLayerDTO{
			LayerID:         string(l.LayerID),
			SKU:             string(l.SKU),
			Quantity:        l.Quantity,
			RemainingBefore: l.RemainingBefore,
			RemainingAfter:  l.RemainingAfter,
			Status:          string(l.Status),
		}
	}
	return ReversalResponse{
		MovementID:       string(r.MovementID),
		Type:             string(r.Type),
		RestoredLayers:   restored,
		RemovedMovements: stringsOf(r.RemovedMovements),
		RemovedLayers:    stringsOf(r.RemovedLayers),
		Adjustments:      stringsOf(r.Adjustments),
	}
}

// =============================================================================
// REPORTS
// =============================================================================

type KPIReportDTO struct {
	From             time.Time        `json:"from"`
	To               time.Time        `json:"to"`
	COGS             fifo.Money       `json:"cogs"`
	OpeningValue     fifo.Money       `json:"opening_value"`
	ClosingValue     fifo.Money       `json:"closing_value"`
	AverageInventory fifo.Money       `json:"average_inventory"`
	Turnover         decimal.Decimal  `json:"turnover"`
	DaysOfInventory  *decimal.Decimal `json:"days_of_inventory"`
}

func toKPIReportDTO(r inventory.KPIReport) KPIReportDTO {
	return KPIReportDTO(r)
}

type ViolationDTO struct {
	Entity   string `json:"entity"`
	ID       string `json:"id"`
	Check    string `json:"check"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

type IntegrityReportDTO struct {
	SKU              string         `json:"sku"`
	OK               bool           `json:"ok"`
	LayersChecked    int            `json:"layers_checked"`
	MovementsChecked int            `json:"movements_checked"`
	WorkOrders       int            `json:"work_orders_checked"`
	Violations       []ViolationDTO `json:"violations"`
}

func toIntegrityReportDTO(r fifo.IntegrityReport) IntegrityReportDTO {
	v := make([]ViolationDTO, len(r.Violations))
	for i, e := range r.Violations {
		v[i] = ViolationDTO{Entity: e.Entity, ID: e.ID, Check: e.Check, Expected: e.Expected, Actual: e.Actual}
	}
	return IntegrityReportDTO{
		SKU:              string(r.SKU),
		OK:               r.OK(),
		LayersChecked:    r.LayersChecked,
		MovementsChecked: r.MovementsChecked,
		WorkOrders:       r.WorkOrders,
		Violations:       v,
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`

	Shortfalls []ShortfallDTO `json:"shortfalls,omitempty"`
	Blocking   *BlockingDTO   `json:"blocking,omitempty"`
}

// BlockingDTO lists what must be reversed before a blocked reversal can go
// through.
type BlockingDTO struct {
	Layers     []string `json:"layers,omitempty"`
	Movements  []string `json:"movements,omitempty"`
	WorkOrders []string `json:"work_orders,omitempty"`
}

func stringsOf[T ~string](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
