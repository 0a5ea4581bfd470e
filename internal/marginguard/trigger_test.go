package marginguard

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/bitguard/marginguard/pkg/models"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestEvaluateTrigger_Long(t *testing.T) {
	pos := models.Position{
		Side:             models.SideLong,
		EntryPrice:       d(100000),
		LiquidationPrice: d(90000),
	}
	threshold := d(20)

	// distance 10000, activation 10000*0.8 = 8000, trigger 98000
	below := EvaluateTrigger(pos, d(97999), threshold)
	assert.True(t, below.Fired, "price below trigger must fire")
	assert.True(t, below.TriggerPrice.Equal(d(98000)))
	assert.True(t, below.ActivationDistance.Equal(d(8000)))
	assert.True(t, below.DistanceToLiquidation.Equal(d(10000)))

	above := EvaluateTrigger(pos, d(98001), threshold)
	assert.False(t, above.Fired, "price above trigger must not fire")

	exact := EvaluateTrigger(pos, d(98000), threshold)
	assert.True(t, exact.Fired, "boundary is inclusive")
}

func TestEvaluateTrigger_ShortMirrored(t *testing.T) {
	pos := models.Position{
		Side:             models.SideShort,
		EntryPrice:       d(100000),
		LiquidationPrice: d(110000),
	}
	threshold := d(20)

	// distance 10000, activation 8000, trigger 102000
	fired := EvaluateTrigger(pos, d(102001), threshold)
	assert.True(t, fired.Fired, "price above trigger fires for shorts")
	assert.True(t, fired.TriggerPrice.Equal(d(102000)))

	quiet := EvaluateTrigger(pos, d(101999), threshold)
	assert.False(t, quiet.Fired)
}

func TestEvaluateTrigger_SnapshotCapturesMarketState(t *testing.T) {
	pos := models.Position{
		Side:             models.SideLong,
		EntryPrice:       d(100000),
		LiquidationPrice: d(90000),
		Margin:           d(10000),
	}
	trigger := EvaluateTrigger(pos, d(97500), d(20))
	snap := trigger.snapshot(pos, d(97500))

	assert.True(t, snap.CurrentPrice.Equal(d(97500)))
	assert.True(t, snap.EntryPrice.Equal(d(100000)))
	assert.True(t, snap.LiquidationPrice.Equal(d(90000)))
	assert.True(t, snap.TriggerPrice.Equal(d(98000)))
	assert.True(t, snap.MarginBefore.Equal(d(10000)))
}
