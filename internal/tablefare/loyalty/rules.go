package loyalty

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/tablefare/tablefare/internal/tablefare/models"
	"github.com/tablefare/tablefare/internal/tablefare/money"
)

// PointsPerUnit is the conversion rate: 100 points = 1 currency unit
const PointsPerUnit = 100

// CalculatePointsEarned turns an order amount and the active rules into a
// points award. Rules arrive pre-filtered to active and pre-sorted by
// descending priority; every matching rule contributes additively. Pure
// function, no side effects beyond a warning for unknown rule types.
func CalculatePointsEarned(orderAmount money.Money, rules []models.LoyaltyRule) int64 {
	if len(rules) == 0 {
		// Default policy: 1 point per whole currency unit spent
		points := orderAmount.FloorUnits()
		if points < 0 {
			return 0
		}
		return points
	}

	var total int64
	for _, rule := range rules {
		if orderAmount.LessThan(rule.MinSpend) {
			continue
		}

		switch rule.Type {
		case models.RulePercentage:
			// Percentage of the amount as points (5% = 5 points per 100 units)
			total += orderAmount.Percent(rule.Value).FloorUnits()

		case models.RuleFixed:
			// Points per currency unit (2 = 2 points per unit)
			total += orderAmount.Mul(rule.Value).FloorUnits()

		case models.RuleThreshold:
			// Flat bonus when the order reaches the threshold
			if orderAmount.GreaterThanOrEqual(money.FromDecimal(rule.Value)) {
				total += rule.Value.IntPart()
			}

		default:
			slog.Warn("unknown loyalty rule type", "type", rule.Type, "rule_id", rule.ID)
		}
	}

	if total < 0 {
		return 0
	}
	return total
}

// DiscountForPoints converts points into a currency discount at the standard
// rate (100 points = 1.00).
func DiscountForPoints(points int64) money.Money {
	return money.FromDecimal(decimal.NewFromInt(points).Div(decimal.NewFromInt(PointsPerUnit)))
}

// PointsForDiscount returns the points needed to cover a discount amount,
// rounded up so the discount is always fully funded.
func PointsForDiscount(amount money.Money) int64 {
	return amount.Decimal().Mul(decimal.NewFromInt(PointsPerUnit)).Ceil().IntPart()
}
