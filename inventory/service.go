/*
Package inventory is the boundary between callers (HTTP, scenarios, jobs)
and the ledger engine.

PURPOSE:
  Validates inbound requests, applies the few business rules that sit in
  front of the ledger (receiving damage, SKU activation) and exposes the
  read-only projections the UI needs. No cost arithmetic happens here: every
  number comes from the fifo package.

OPERATIONS:
  Inbound:  RegisterSKU, SetSKUActive, CreateReceiving, IssueOrWaste, Adjust,
            ProcessWorkOrder, PreviewWorkOrder, DeleteMovement
  Outbound: GetSKU, ListSKUs, ListMovements, Movement, CurrentLayers,
            InventorySummary, KPIs, CheckIntegrity, SweepIntegrity

VALIDATION:
  Struct tags via go-playground/validator. "skuid" is a custom tag for SKU
  codes. Failures surface as *fifo.ValidationError so every caller branches
  on one error type.

SEE ALSO:
  - receiving.go: CreateReceiving and damage outcomes
  - kpi.go: turnover and days-of-inventory
  - fifo/engine.go: the operations wrapped here
*/
package inventory

import (
	"context"
	"errors"
	"iter"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/fifo-ledger/fifo"
)

// Service wraps a fifo.Engine with validation and projections.
type Service struct {
	engine   *fifo.Engine
	validate *validator.Validate
	logger   *zap.Logger
}

func NewService(engine *fifo.Engine, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{engine: engine, validate: newValidator(), logger: logger}
}

// Engine exposes the wrapped engine.
func (s *Service) Engine() *fifo.Engine { return s.engine }

// =============================================================================
// VALIDATION
// =============================================================================

var skuIDPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9._-]{0,63}$`)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("skuid", func(fl validator.FieldLevel) bool {
		return skuIDPattern.MatchString(fl.Field().String())
	})
	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// check runs struct validation and converts the first failure.
func (s *Service) check(in any) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &fifo.ValidationError{Message: err.Error()}
	}
	fe := fieldErrs[0]
	return &fifo.ValidationError{Field: fieldPath(fe), Message: message(fe)}
}

// fieldPath drops the struct name prefix: "WorkOrderInput.raw_lines[0].sku"
// becomes "raw_lines[0].sku".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "skuid":
		return "must be 1-64 uppercase letters, digits, '.', '_' or '-'"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must have at least " + fe.Param() + " entries"
	default:
		return "is invalid (" + fe.Tag() + ")"
	}
}

func positive(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return &fifo.ValidationError{Field: field, Message: "must be positive, got " + d.String()}
	}
	return nil
}

// =============================================================================
// SKU MASTER DATA
// =============================================================================

type SKUInput struct {
	ID           string          `json:"id" validate:"required,skuid"`
	Name         string          `json:"name" validate:"required,max=200"`
	MaterialType string          `json:"material_type" validate:"required,oneof=RAW SELLABLE"`
	Category     string          `json:"category" validate:"max=100"`
	Unit         string          `json:"unit" validate:"required,max=20"`
	MinStock     decimal.Decimal `json:"min_stock"`
	Active       *bool           `json:"active"`
}

func (s *Service) RegisterSKU(ctx context.Context, in SKUInput) (fifo.SKU, error) {
	if err := s.check(in); err != nil {
		return fifo.SKU{}, err
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	return s.engine.RegisterSKU(ctx, fifo.SKU{
		ID:           fifo.SKUID(in.ID),
		Name:         in.Name,
		MaterialType: fifo.MaterialType(in.MaterialType),
		Category:     in.Category,
		Unit:         in.Unit,
		Active:       active,
		MinStock:     in.MinStock,
	})
}

// SetSKUActive toggles whether new movements may reference the SKU.
// Existing layers are untouched.
func (s *Service) SetSKUActive(ctx context.Context, id fifo.SKUID, active bool) (fifo.SKU, error) {
	sku, err := s.engine.GetSKU(ctx, id)
	if err != nil {
		return fifo.SKU{}, err
	}
	sku.Active = active
	return s.engine.RegisterSKU(ctx, sku)
}

func (s *Service) GetSKU(ctx context.Context, id fifo.SKUID) (fifo.SKU, error) {
	return s.engine.GetSKU(ctx, id)
}

func (s *Service) ListSKUs(ctx context.Context) ([]fifo.SKU, error) {
	return s.engine.ListSKUs(ctx)
}

// =============================================================================
// ISSUE / WASTE / ADJUST
// =============================================================================

type IssueInput struct {
	SKU          string          `json:"sku" validate:"required,skuid"`
	Quantity     decimal.Decimal `json:"quantity"`
	Kind         string          `json:"kind" validate:"required,oneof=ISSUE WASTE"`
	Reference    string          `json:"reference" validate:"max=100"`
	Note         string          `json:"note"`
	Date         time.Time       `json:"date"`
	AllowPartial bool            `json:"allow_partial"`
}

// IssueOrWaste consumes stock of one SKU, oldest layers first. With
// AllowPartial, whatever is available is consumed and the rest reported as
// shortfall.
func (s *Service) IssueOrWaste(ctx context.Context, in IssueInput) (fifo.IssueResult, error) {
	if err := s.check(in); err != nil {
		return fifo.IssueResult{}, err
	}
	if err := positive("quantity", in.Quantity); err != nil {
		return fifo.IssueResult{}, err
	}
	return s.engine.Issue(ctx, fifo.IssueInput{
		SKU:          fifo.SKUID(in.SKU),
		Quantity:     in.Quantity,
		Kind:         fifo.MovementType(in.Kind),
		Reference:    in.Reference,
		Note:         in.Note,
		At:           in.Date,
		AllowPartial: in.AllowPartial,
	})
}

type AdjustmentInput struct {
	SKU       string           `json:"sku" validate:"required,skuid"`
	Quantity  decimal.Decimal  `json:"quantity"`
	UnitCost  *decimal.Decimal `json:"unit_cost"`
	Reason    string           `json:"reason" validate:"required,max=500"`
	Reference string           `json:"reference" validate:"max=100"`
	Date      time.Time        `json:"date"`
}

func (s *Service) Adjust(ctx context.Context, in AdjustmentInput) (fifo.AdjustResult, error) {
	if err := s.check(in); err != nil {
		return fifo.AdjustResult{}, err
	}
	res, err := s.engine.Adjust(ctx, fifo.AdjustInput{
		SKU:       fifo.SKUID(in.SKU),
		Quantity:  in.Quantity,
		UnitCost:  in.UnitCost,
		Reference: in.Reference,
		Reason:    in.Reason,
		At:        in.Date,
	})
	if err != nil {
		return res, err
	}
	s.logger.Info("stock adjusted",
		zap.String("sku", in.SKU),
		zap.String("quantity", in.Quantity.String()),
		zap.String("reason", in.Reason),
		zap.String("movement_id", string(res.Movement.ID)),
	)
	return res, nil
}

// =============================================================================
// WORK ORDERS
// =============================================================================

type LineInput struct {
	SKU      string          `json:"sku" validate:"required,skuid"`
	Quantity decimal.Decimal `json:"quantity"`
}

type WorkOrderInput struct {
	Reference  string          `json:"reference" validate:"max=100"`
	OutputName string          `json:"output_name" validate:"required,max=200"`
	OutputQty  decimal.Decimal `json:"output_qty"`
	OutputUnit string          `json:"output_unit" validate:"max=20"`
	RawLines   []LineInput     `json:"raw_lines" validate:"required,min=1,dive"`
	WasteLines []LineInput     `json:"waste_lines" validate:"dive"`
	Date       time.Time       `json:"date"`
}

func (s *Service) toRequest(in WorkOrderInput) (fifo.WorkOrderRequest, error) {
	if err := s.check(in); err != nil {
		return fifo.WorkOrderRequest{}, err
	}
	lines := func(ls []LineInput) []fifo.WorkOrderLine {
		out := make([]fifo.WorkOrderLine, len(ls))
		for i, l := range ls {
			out[i] = fifo.WorkOrderLine{SKU: fifo.SKUID(l.SKU), Quantity: l.Quantity}
		}
		return out
	}
	return fifo.WorkOrderRequest{
		Reference:  in.Reference,
		OutputName: in.OutputName,
		OutputQty:  in.OutputQty,
		OutputUnit: in.OutputUnit,
		RawLines:   lines(in.RawLines),
		WasteLines: lines(in.WasteLines),
		At:         in.Date,
	}, nil
}

func (s *Service) ProcessWorkOrder(ctx context.Context, in WorkOrderInput) (fifo.WorkOrderResult, error) {
	req, err := s.toRequest(in)
	if err != nil {
		return fifo.WorkOrderResult{}, err
	}
	return s.engine.ProcessWorkOrder(ctx, req)
}

func (s *Service) PreviewWorkOrder(ctx context.Context, in WorkOrderInput) (fifo.WorkOrderPreview, error) {
	req, err := s.toRequest(in)
	if err != nil {
		return fifo.WorkOrderPreview{}, err
	}
	return s.engine.PreviewWorkOrder(ctx, req)
}

// =============================================================================
// REVERSAL
// =============================================================================

// DeleteMovement reverses a movement. A blocked reversal returns
// *fifo.ReversalBlockedError naming what must be reversed first.
func (s *Service) DeleteMovement(ctx context.Context, id fifo.MovementID) (fifo.ReversalResult, error) {
	if id == "" {
		return fifo.ReversalResult{}, &fifo.ValidationError{Field: "id", Message: "required"}
	}
	return s.engine.DeleteMovement(ctx, id)
}

// =============================================================================
// READ SIDE
// =============================================================================

func (s *Service) ListMovements(ctx context.Context, filter fifo.MovementFilter) iter.Seq2[fifo.Movement, error] {
	return s.engine.ListMovements(ctx, filter)
}

func (s *Service) Movement(ctx context.Context, id fifo.MovementID) (fifo.Movement, error) {
	return s.engine.Movement(ctx, id)
}

func (s *Service) CurrentLayers(ctx context.Context, sku fifo.SKUID) ([]fifo.Layer, error) {
	if _, err := s.engine.GetSKU(ctx, sku); err != nil {
		return nil, err
	}
	return s.engine.CurrentLayers(ctx, sku)
}

func (s *Service) InventorySummary(ctx context.Context) ([]fifo.SKUSummary, error) {
	return s.engine.Summary(ctx)
}

func (s *Service) CheckIntegrity(ctx context.Context, sku fifo.SKUID) (fifo.IntegrityReport, error) {
	return s.engine.CheckIntegrity(ctx, sku)
}

// SweepIntegrity checks every SKU and returns one report per SKU, failing
// ones included. Only storage errors abort the sweep.
func (s *Service) SweepIntegrity(ctx context.Context) ([]fifo.IntegrityReport, error) {
	skus, err := s.engine.ListSKUs(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]fifo.IntegrityReport, 0, len(skus))
	for _, sku := range skus {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		rep, err := s.engine.CheckIntegrity(ctx, sku.ID)
		if err != nil {
			return reports, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}
