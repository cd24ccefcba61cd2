package inventory

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/fifo-ledger/fifo"
)

// =============================================================================
// RECEIVING - Inbound stock with damage inspection
// =============================================================================

type DamageOutcome string

const (
	DamageNone    DamageOutcome = "NONE"
	DamagePartial DamageOutcome = "PARTIAL"
	DamageFull    DamageOutcome = "FULL"
)

// Damage is the inspection result for one delivery. Rejected quantity never
// creates a layer.
type Damage struct {
	Outcome     DamageOutcome   `json:"outcome" validate:"omitempty,oneof=NONE PARTIAL FULL"`
	RejectedQty decimal.Decimal `json:"rejected_qty"`
	Reason      string          `json:"reason" validate:"max=500"`
}

type ReceivingInput struct {
	SKU       string          `json:"sku" validate:"required,skuid"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	VendorRef string          `json:"vendor_ref" validate:"max=100"`
	Reference string          `json:"reference" validate:"max=100"`
	Date      time.Time       `json:"date"`
	Note      string          `json:"note"`
	Damage    Damage          `json:"damage"`
}

type ReceivingResult struct {
	Outcome  DamageOutcome
	Accepted decimal.Decimal
	Rejected decimal.Decimal
	Movement *fifo.Movement // nil when fully rejected
	Layer    *fifo.Layer    // nil when fully rejected
}

// accepted applies the damage outcome to the delivered quantity.
func (d Damage) accepted(qty decimal.Decimal) (accepted, rejected decimal.Decimal, err error) {
	switch d.Outcome {
	case "", DamageNone:
		if !d.RejectedQty.IsZero() {
			return decimal.Zero, decimal.Zero, &fifo.ValidationError{Field: "damage.rejected_qty", Message: "must be zero without damage"}
		}
		return qty, decimal.Zero, nil
	case DamagePartial:
		if !d.RejectedQty.IsPositive() || !d.RejectedQty.LessThan(qty) {
			return decimal.Zero, decimal.Zero, &fifo.ValidationError{
				Field:   "damage.rejected_qty",
				Message: "partial rejection must be between 0 and " + qty.String() + " exclusive",
			}
		}
		return qty.Sub(d.RejectedQty), d.RejectedQty, nil
	case DamageFull:
		return decimal.Zero, qty, nil
	}
	return decimal.Zero, decimal.Zero, &fifo.ValidationError{Field: "damage.outcome", Message: "unknown outcome " + string(d.Outcome)}
}

// CreateReceiving records a delivery. Only the accepted quantity reaches the
// ledger; a fully rejected delivery leaves no layer and no movement.
func (s *Service) CreateReceiving(ctx context.Context, in ReceivingInput) (ReceivingResult, error) {
	if err := s.check(in); err != nil {
		return ReceivingResult{}, err
	}
	if err := positive("quantity", in.Quantity); err != nil {
		return ReceivingResult{}, err
	}
	if in.UnitCost.IsNegative() {
		return ReceivingResult{}, &fifo.ValidationError{Field: "unit_cost", Message: "must not be negative"}
	}
	accepted, rejected, err := in.Damage.accepted(in.Quantity)
	if err != nil {
		return ReceivingResult{}, err
	}

	outcome := in.Damage.Outcome
	if outcome == "" {
		outcome = DamageNone
	}
	res := ReceivingResult{Outcome: outcome, Accepted: accepted, Rejected: rejected}

	sku, err := s.engine.GetSKU(ctx, fifo.SKUID(in.SKU))
	if err != nil {
		if fifo.IsNotFound(err) {
			return ReceivingResult{}, &fifo.ValidationError{Field: "sku", Message: "unknown sku " + in.SKU}
		}
		return ReceivingResult{}, err
	}

	if !accepted.IsPositive() {
		s.logger.Info("delivery fully rejected",
			zap.String("sku", string(sku.ID)),
			zap.String("quantity", in.Quantity.String()),
			zap.String("vendor_ref", in.VendorRef),
			zap.String("reason", in.Damage.Reason),
		)
		return res, nil
	}

	note := in.Note
	if outcome == DamagePartial {
		parts := []string{note, "rejected " + rejected.String() + " " + sku.Unit}
		if in.Damage.Reason != "" {
			parts = append(parts, in.Damage.Reason)
		}
		note = strings.TrimPrefix(strings.Join(parts, "; "), "; ")
	}

	rcv, err := s.engine.Receive(ctx, fifo.ReceiveInput{
		SKU:        sku.ID,
		Quantity:   accepted,
		UnitCost:   in.UnitCost,
		ReceivedAt: in.Date,
		VendorRef:  in.VendorRef,
		Reference:  in.Reference,
		Note:       note,
	})
	if err != nil {
		return ReceivingResult{}, err
	}
	res.Movement = &rcv.Movement
	res.Layer = &rcv.Layer
	return res, nil
}
