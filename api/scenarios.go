/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	data for testing and demos. Each scenario registers SKUs and replays a
	list of steps (receipts, issues, work orders, reversals) through the
	inventory service, so every number is produced by the engine itself.

AVAILABLE SCENARIOS (scenarios.yaml):

	basic-fifo:        Issue drawing across two cost layers
	bakery-work-order: Multi-SKU work order with carved waste
	damaged-delivery:  Partial and full receiving rejections
	reversal-chain:    Deleting an issue restores its layers
	stock-count:       Positive and negative adjustments, below-minimum SKU

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Register SKUs
 3. Run steps in order; a labelled step's movement can be reversed later

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "bakery-work-order"}

ADDING NEW SCENARIOS:
 1. Add an entry to scenarios.yaml
 2. New step kinds need a case in runStep

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
  - inventory/service.go: The operations each step calls
*/
package api

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/warp/fifo-ledger/fifo"
	"github.com/warp/fifo-ledger/inventory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

//go:embed scenarios.yaml
var scenariosYAML []byte

type scenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// Scenario is one demo data set.
type Scenario struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	SKUs        []scenarioSKU  `yaml:"skus"`
	Steps       []scenarioStep `yaml:"steps"`
}

type scenarioSKU struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	MaterialType string `yaml:"material_type"`
	Category     string `yaml:"category"`
	Unit         string `yaml:"unit"`
	MinStock     string `yaml:"min_stock"`
}

// scenarioStep holds exactly one of the kinds.
type scenarioStep struct {
	Label     string         `yaml:"label"`
	Receive   *stepMovement  `yaml:"receive"`
	Issue     *stepMovement  `yaml:"issue"`
	Waste     *stepMovement  `yaml:"waste"`
	Adjust    *stepMovement  `yaml:"adjust"`
	WorkOrder *stepWorkOrder `yaml:"work_order"`
	Reverse   string         `yaml:"reverse"`
}

type stepMovement struct {
	SKU       string      `yaml:"sku"`
	Quantity  string      `yaml:"quantity"`
	UnitCost  string      `yaml:"unit_cost"`
	Date      string      `yaml:"date"`
	VendorRef string      `yaml:"vendor_ref"`
	Reference string      `yaml:"reference"`
	Reason    string      `yaml:"reason"`
	Note      string      `yaml:"note"`
	Damage    *stepDamage `yaml:"damage"`
}

type stepDamage struct {
	Outcome     string `yaml:"outcome"`
	RejectedQty string `yaml:"rejected_qty"`
	Reason      string `yaml:"reason"`
}

type stepLine struct {
	SKU      string `yaml:"sku"`
	Quantity string `yaml:"quantity"`
}

type stepWorkOrder struct {
	Reference  string     `yaml:"reference"`
	OutputName string     `yaml:"output_name"`
	OutputQty  string     `yaml:"output_qty"`
	OutputUnit string     `yaml:"output_unit"`
	Date       string     `yaml:"date"`
	RawLines   []stepLine `yaml:"raw_lines"`
	WasteLines []stepLine `yaml:"waste_lines"`
}

// LoadScenarios parses the embedded scenario file.
func LoadScenarios() ([]Scenario, error) {
	var f scenarioFile
	if err := yaml.Unmarshal(scenariosYAML, &f); err != nil {
		return nil, fmt.Errorf("parse scenarios: %w", err)
	}
	seen := make(map[string]bool, len(f.Scenarios))
	for _, s := range f.Scenarios {
		if s.ID == "" || seen[s.ID] {
			return nil, fmt.Errorf("scenario id %q is empty or duplicated", s.ID)
		}
		seen[s.ID] = true
	}
	return f.Scenarios, nil
}

func findScenario(id string) (Scenario, bool, error) {
	all, err := LoadScenarios()
	if err != nil {
		return Scenario{}, false, err
	}
	for _, s := range all {
		if s.ID == id {
			return s, true, nil
		}
	}
	return Scenario{}, false, nil
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	all, err := LoadScenarios()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read scenarios", err)
		return
	}
	out := make([]ScenarioDTO, len(all))
	for i, s := range all {
		out[i] = ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, ok, err := findScenario(current)
	if err != nil || !ok {
		writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	s, ok, err := findScenario(req.ScenarioID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read scenarios", err)
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := runScenario(ctx, h.Service, s); err != nil {
		h.logger.Error("scenario load failed", zap.String("scenario", s.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = s.ID
	h.logger.Info("scenario loaded", zap.String("scenario", s.ID), zap.Int("steps", len(s.Steps)))

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// reset must be called with h.mu held.
func (h *Handler) reset(ctx context.Context) error {
	h.currentScenario = ""
	if h.Store == nil {
		return fmt.Errorf("store does not support reset")
	}
	return h.Store.Reset(ctx)
}

// =============================================================================
// SCENARIO RUNNER
// =============================================================================

func runScenario(ctx context.Context, svc *inventory.Service, s Scenario) error {
	for _, sku := range s.SKUs {
		in := inventory.SKUInput{
			ID:           sku.ID,
			Name:         sku.Name,
			MaterialType: sku.MaterialType,
			Category:     sku.Category,
			Unit:         sku.Unit,
		}
		if sku.MinStock != "" {
			d, err := decimal.NewFromString(sku.MinStock)
			if err != nil {
				return fmt.Errorf("sku %s min_stock: %w", sku.ID, err)
			}
			in.MinStock = d
		}
		if _, err := svc.RegisterSKU(ctx, in); err != nil {
			return fmt.Errorf("sku %s: %w", sku.ID, err)
		}
	}

	labels := make(map[string]fifo.MovementID)
	for i, step := range s.Steps {
		id, err := runStep(ctx, svc, step, labels)
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		if step.Label != "" {
			labels[step.Label] = id
		}
	}
	return nil
}

// runStep executes one step and returns the movement it recorded (the
// PRODUCE movement for work orders).
func runStep(ctx context.Context, svc *inventory.Service, step scenarioStep, labels map[string]fifo.MovementID) (fifo.MovementID, error) {
	switch {
	case step.Receive != nil:
		m := step.Receive
		in := inventory.ReceivingInput{SKU: m.SKU, VendorRef: m.VendorRef, Reference: m.Reference, Note: m.Note}
		if err := parseDecimals(map[string]*decimal.Decimal{"quantity": &in.Quantity, "unit_cost": &in.UnitCost}, m); err != nil {
			return "", err
		}
		date, err := parseDate(m.Date)
		if err != nil {
			return "", err
		}
		in.Date = date
		if m.Damage != nil {
			in.Damage = inventory.Damage{Outcome: inventory.DamageOutcome(m.Damage.Outcome), Reason: m.Damage.Reason}
			if m.Damage.RejectedQty != "" {
				if in.Damage.RejectedQty, err = decimal.NewFromString(m.Damage.RejectedQty); err != nil {
					return "", fmt.Errorf("rejected_qty: %w", err)
				}
			}
		}
		res, err := svc.CreateReceiving(ctx, in)
		if err != nil {
			return "", err
		}
		if res.Movement == nil {
			return "", nil
		}
		return res.Movement.ID, nil

	case step.Issue != nil, step.Waste != nil:
		m, kind := step.Issue, fifo.MoveIssue
		if m == nil {
			m, kind = step.Waste, fifo.MoveWaste
		}
		in := inventory.IssueInput{SKU: m.SKU, Kind: string(kind), Reference: m.Reference, Note: m.Note}
		if err := parseDecimals(map[string]*decimal.Decimal{"quantity": &in.Quantity}, m); err != nil {
			return "", err
		}
		date, err := parseDate(m.Date)
		if err != nil {
			return "", err
		}
		in.Date = date
		res, err := svc.IssueOrWaste(ctx, in)
		if err != nil {
			return "", err
		}
		return res.Movement.ID, nil

	case step.Adjust != nil:
		m := step.Adjust
		in := inventory.AdjustmentInput{SKU: m.SKU, Reason: m.Reason, Reference: m.Reference}
		if err := parseDecimals(map[string]*decimal.Decimal{"quantity": &in.Quantity}, m); err != nil {
			return "", err
		}
		if m.UnitCost != "" {
			c, err := decimal.NewFromString(m.UnitCost)
			if err != nil {
				return "", fmt.Errorf("unit_cost: %w", err)
			}
			in.UnitCost = &c
		}
		date, err := parseDate(m.Date)
		if err != nil {
			return "", err
		}
		in.Date = date
		res, err := svc.Adjust(ctx, in)
		if err != nil {
			return "", err
		}
		return res.Movement.ID, nil

	case step.WorkOrder != nil:
		wo := step.WorkOrder
		in := inventory.WorkOrderInput{Reference: wo.Reference, OutputName: wo.OutputName, OutputUnit: wo.OutputUnit}
		var err error
		if in.OutputQty, err = decimal.NewFromString(wo.OutputQty); err != nil {
			return "", fmt.Errorf("output_qty: %w", err)
		}
		if in.Date, err = parseDate(wo.Date); err != nil {
			return "", err
		}
		if in.RawLines, err = toLineInputs(wo.RawLines); err != nil {
			return "", err
		}
		if in.WasteLines, err = toLineInputs(wo.WasteLines); err != nil {
			return "", err
		}
		res, err := svc.ProcessWorkOrder(ctx, in)
		if err != nil {
			return "", err
		}
		return res.Produce.ID, nil

	case step.Reverse != "":
		id, ok := labels[step.Reverse]
		if !ok {
			return "", fmt.Errorf("reverse: unknown label %q", step.Reverse)
		}
		res, err := svc.DeleteMovement(ctx, id)
		if err != nil {
			return "", err
		}
		return res.MovementID, nil
	}
	return "", fmt.Errorf("step has no action")
}

func parseDecimals(dst map[string]*decimal.Decimal, m *stepMovement) error {
	src := map[string]string{"quantity": m.Quantity, "unit_cost": m.UnitCost}
	for field, ptr := range dst {
		d, err := decimal.NewFromString(src[field])
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		*ptr = d
	}
	return nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date: %w", err)
	}
	return t, nil
}

func toLineInputs(lines []stepLine) ([]inventory.LineInput, error) {
	out := make([]inventory.LineInput, len(lines))
	for i, l := range lines {
		q, err := decimal.NewFromString(l.Quantity)
		if err != nil {
			return nil, fmt.Errorf("line %s quantity: %w", l.SKU, err)
		}
		out[i] = inventory.LineInput{SKU: l.SKU, Quantity: q}
	}
	return out, nil
}
