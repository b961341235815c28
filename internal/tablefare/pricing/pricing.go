package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tablefare/tablefare/internal/tablefare/apperr"
	"github.com/tablefare/tablefare/internal/tablefare/models"
	"github.com/tablefare/tablefare/internal/tablefare/money"
)

// Calculator derives order totals from line items and charges. The tax rate
// is fixed at construction; there are no tax-exempt item classes.
type Calculator struct {
	taxRate decimal.Decimal
}

// NewCalculator creates a calculator with the given tax rate (0.08 = 8%)
func NewCalculator(taxRate decimal.Decimal) *Calculator {
	return &Calculator{taxRate: taxRate}
}

// Quote is a fully derived set of order totals, each rounded to the minor
// unit. Rounding happens once per output value, never on intermediates, so
// repeated computation cannot drift.
type Quote struct {
	Subtotal        money.Money `json:"subtotal"`
	TaxAmount       money.Money `json:"tax_amount"`
	TipAmount       money.Money `json:"tip_amount"`
	DeliveryFee     money.Money `json:"delivery_fee"`
	DiscountAmount  money.Money `json:"discount_amount"`
	LoyaltyDiscount money.Money `json:"loyalty_discount"`
	Total           money.Money `json:"total"`
}

// Price computes subtotal, tax and grand total for an order
func (c *Calculator) Price(items []models.OrderItem, tip, deliveryFee, discount, loyaltyDiscount money.Money) (*Quote, error) {
	if len(items) == 0 {
		return nil, apperr.New(apperr.KindInvalidArgument, "order must contain at least one item")
	}
	for _, amount := range []money.Money{tip, deliveryFee, discount, loyaltyDiscount} {
		if amount.IsNegative() {
			return nil, apperr.New(apperr.KindInvalidArgument, "charge and discount amounts must not be negative")
		}
	}

	subtotal := money.Zero()
	for _, item := range items {
		if item.Quantity <= 0 || item.UnitPrice.IsNegative() {
			return nil, apperr.Newf(apperr.KindInvalidArgument, "invalid line item %d: quantity and unit price must be positive", item.ItemID)
		}
		subtotal = subtotal.Add(item.UnitPrice.MulInt(item.Quantity))
		for _, mod := range item.Modifiers {
			if mod.Quantity <= 0 || mod.Price.IsNegative() {
				return nil, apperr.Newf(apperr.KindInvalidArgument, "invalid modifier %d: quantity and price must be positive", mod.ModifierID)
			}
			subtotal = subtotal.Add(mod.Price.MulInt(mod.Quantity))
		}
	}

	taxAmount := subtotal.Mul(c.taxRate)
	total := subtotal.Add(taxAmount).Add(tip).Add(deliveryFee).Sub(discount).Sub(loyaltyDiscount)
	if total.IsNegative() {
		return nil, apperr.New(apperr.KindInvalidArgument, "discounts exceed the order total").
			With("total", total.String())
	}

	return &Quote{
		Subtotal:        subtotal.RoundToCent(),
		TaxAmount:       taxAmount.RoundToCent(),
		TipAmount:       tip.RoundToCent(),
		DeliveryFee:     deliveryFee.RoundToCent(),
		DiscountAmount:  discount.RoundToCent(),
		LoyaltyDiscount: loyaltyDiscount.RoundToCent(),
		Total:           total.RoundToCent(),
	}, nil
}

// OrderNumber builds a human-readable order identifier from the current time
// and a running sequence value. Uniqueness is enforced by the orders table;
// a collision is surfaced as Conflict and the caller regenerates.
func OrderNumber(seq int64) string {
	return fmt.Sprintf("ORD-%d-%d", time.Now().UnixMilli(), seq)
}
