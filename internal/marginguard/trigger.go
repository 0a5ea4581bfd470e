package marginguard

import (
	"github.com/shopspring/decimal"

	"github.com/bitguard/marginguard/pkg/models"
)

var hundred = decimal.NewFromInt(100)

// Trigger is the outcome of one liquidation-distance check.
type Trigger struct {
	Fired                 bool
	TriggerPrice          decimal.Decimal
	DistanceToLiquidation decimal.Decimal
	ActivationDistance    decimal.Decimal
}

// EvaluateTrigger computes the trigger price for a position and decides
// whether the current price has crossed it.
//
// The trigger sits inside the entry→liquidation corridor, inset from the
// liquidation price by thresholdPct of the corridor: a threshold of 20
// fires once price has covered 80% of the distance to liquidation.
func EvaluateTrigger(pos models.Position, currentPrice, thresholdPct decimal.Decimal) Trigger {
	distance := pos.EntryPrice.Sub(pos.LiquidationPrice).Abs()
	activation := distance.Mul(decimal.NewFromInt(1).Sub(thresholdPct.Div(hundred)))

	t := Trigger{
		DistanceToLiquidation: distance,
		ActivationDistance:    activation,
	}
	if pos.Side == models.SideLong {
		t.TriggerPrice = pos.LiquidationPrice.Add(activation)
		t.Fired = currentPrice.LessThanOrEqual(t.TriggerPrice)
	} else {
		t.TriggerPrice = pos.LiquidationPrice.Sub(activation)
		t.Fired = currentPrice.GreaterThanOrEqual(t.TriggerPrice)
	}
	return t
}

// snapshot captures the market state behind a trigger decision for the
// audit log.
func (t Trigger) snapshot(pos models.Position, currentPrice decimal.Decimal) models.TriggerSnapshot {
	return models.TriggerSnapshot{
		CurrentPrice:          currentPrice,
		EntryPrice:            pos.EntryPrice,
		LiquidationPrice:      pos.LiquidationPrice,
		TriggerPrice:          t.TriggerPrice,
		DistanceToLiquidation: t.DistanceToLiquidation,
		ActivationDistance:    t.ActivationDistance,
		MarginBefore:          pos.Margin,
	}
}
