package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/config"
	"pilot/decision"
	"pilot/exchange"
)

func testPolicy() config.RiskPolicy {
	return config.RiskPolicy{
		MinLeverage:            1,
		MaxLeverage:            20,
		MinLiquidationDistance: 0.15,
		MaxRiskFraction:        0.03,
		MaintenanceMarginRatio: 0.005,
	}
}

func longEntry() decision.TradingDecision {
	return decision.TradingDecision{
		Instrument:   "BTC",
		Signal:       decision.SignalBuyToEnter,
		Quantity:     0.02,
		Leverage:     5,
		ProfitTarget: 53000,
		StopLoss:     49000,
		Confidence:   0.7,
		Reasoning:    "breakout",
	}
}

func TestValidateApprovesCompliantLongEntry(t *testing.T) {
	v := New(testPolicy())

	// 0.02 BTC with a 1000 USDT stop distance risks 20 USDT = 2% of equity
	intent, rejection := v.Validate(longEntry(), 50000, 1000, nil)
	require.Nil(t, rejection)
	require.NotNil(t, intent)

	assert.Equal(t, "BTCUSDT", intent.Symbol)
	assert.Equal(t, exchange.SideLong, intent.Side)
	assert.Equal(t, 5, intent.Leverage)
	assert.InDelta(t, 0.02, intent.Quantity, 1e-9)
	assert.InDelta(t, 49000, intent.StopLoss, 1e-9)
	assert.InDelta(t, 53000, intent.ProfitTarget, 1e-9)
	assert.InDelta(t, 0.02, intent.RiskFraction, 1e-9)
	assert.GreaterOrEqual(t, intent.LiquidationDistance, 0.15)
	assert.False(t, intent.CloseIntent())
}

func TestValidateApprovesShortEntry(t *testing.T) {
	v := New(testPolicy())
	d := decision.TradingDecision{
		Instrument:   "ETH",
		Signal:       decision.SignalSellToEnter,
		Quantity:     0.5,
		Leverage:     3,
		ProfitTarget: 1900,
		StopLoss:     2050,
		Confidence:   0.6,
	}

	intent, rejection := v.Validate(d, 2000, 1000, nil)
	require.Nil(t, rejection)
	require.NotNil(t, intent)
	assert.Equal(t, exchange.SideShort, intent.Side)
	// 0.5 * 50 = 25 USDT risk = 2.5%
	assert.InDelta(t, 0.025, intent.RiskFraction, 1e-9)
}

func TestValidateRuleOrder(t *testing.T) {
	v := New(testPolicy())
	openPos := &exchange.Position{Symbol: "BTCUSDT", Side: exchange.SideLong, Size: 0.01, Leverage: 5}

	tests := []struct {
		name     string
		mutate   func(*decision.TradingDecision)
		position *exchange.Position
		want     Reason
	}{
		{
			name:   "leverage above bound",
			mutate: func(d *decision.TradingDecision) { d.Leverage = 25 },
			want:   LeverageOutOfBounds,
		},
		{
			name:   "leverage below bound",
			mutate: func(d *decision.TradingDecision) { d.Leverage = 0 },
			want:   LeverageOutOfBounds,
		},
		{
			name:   "missing stop loss",
			mutate: func(d *decision.TradingDecision) { d.StopLoss = 0 },
			want:   MissingOrInvalidStops,
		},
		{
			name:   "stop loss on wrong side of price",
			mutate: func(d *decision.TradingDecision) { d.StopLoss = 51000 },
			want:   MissingOrInvalidStops,
		},
		{
			name:   "profit target below entry for long",
			mutate: func(d *decision.TradingDecision) { d.ProfitTarget = 48000 },
			want:   MissingOrInvalidStops,
		},
		{
			name: "liquidation too close at high leverage",
			mutate: func(d *decision.TradingDecision) {
				d.Leverage = 20
				d.Quantity = 0.001
			},
			want: LiquidationTooClose,
		},
		{
			name:   "risk budget exceeded",
			mutate: func(d *decision.TradingDecision) { d.Quantity = 0.05 }, // 50 USDT = 5%
			want:   RiskBudgetExceeded,
		},
		{
			name:     "duplicate position",
			mutate:   func(*decision.TradingDecision) {},
			position: openPos,
			want:     DuplicatePosition,
		},
		{
			// leverage fails first even though stops are broken too
			name: "leverage beats stops in rule order",
			mutate: func(d *decision.TradingDecision) {
				d.Leverage = 25
				d.StopLoss = 0
			},
			want: LeverageOutOfBounds,
		},
		{
			// stops fail before the risk budget is even considered
			name: "stops beat risk budget in rule order",
			mutate: func(d *decision.TradingDecision) {
				d.StopLoss = 0
				d.Quantity = 10
			},
			want: MissingOrInvalidStops,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := longEntry()
			tt.mutate(&d)

			intent, rejection := v.Validate(d, 50000, 1000, tt.position)
			assert.Nil(t, intent)
			require.NotNil(t, rejection)
			assert.Equal(t, tt.want, rejection.Reason)
			assert.NotEmpty(t, rejection.Detail)
			assert.Equal(t, d, rejection.Decision)
		})
	}
}

func TestValidateShortStops(t *testing.T) {
	v := New(testPolicy())
	d := decision.TradingDecision{
		Instrument:   "ETH",
		Signal:       decision.SignalSellToEnter,
		Quantity:     0.1,
		Leverage:     3,
		ProfitTarget: 2100, // must be below mark for shorts
		StopLoss:     2050,
	}

	intent, rejection := v.Validate(d, 2000, 1000, nil)
	assert.Nil(t, intent)
	require.NotNil(t, rejection)
	assert.Equal(t, MissingOrInvalidStops, rejection.Reason)
}

func TestValidateHoldProducesNothing(t *testing.T) {
	v := New(testPolicy())
	d := decision.TradingDecision{Instrument: "BTC", Signal: decision.SignalHold}

	intent, rejection := v.Validate(d, 50000, 1000, nil)
	assert.Nil(t, intent)
	assert.Nil(t, rejection)
}

func TestValidateCloseRequiresPosition(t *testing.T) {
	v := New(testPolicy())
	d := decision.TradingDecision{Instrument: "ETH", Signal: decision.SignalClose, Reasoning: "trend broke"}

	intent, rejection := v.Validate(d, 2000, 1000, nil)
	assert.Nil(t, intent)
	require.NotNil(t, rejection)
	assert.Equal(t, NoPositionToClose, rejection.Reason)
}

func TestValidateCloseBypassesEntryRules(t *testing.T) {
	v := New(testPolicy())
	pos := &exchange.Position{Symbol: "ETHUSDT", Side: exchange.SideShort, Size: 0.4, Leverage: 3}
	// leverage 0 and no stops would fail every entry rule; close ignores them
	d := decision.TradingDecision{Instrument: "ETH", Signal: decision.SignalClose}

	intent, rejection := v.Validate(d, 2000, 1000, pos)
	require.Nil(t, rejection)
	require.NotNil(t, intent)
	assert.True(t, intent.CloseIntent())
	assert.Equal(t, exchange.SideShort, intent.Side)
	assert.InDelta(t, 0.4, intent.Quantity, 1e-9)
}

func TestValidateZeroEquityRejectsEntry(t *testing.T) {
	v := New(testPolicy())

	intent, rejection := v.Validate(longEntry(), 50000, 0, nil)
	assert.Nil(t, intent)
	require.NotNil(t, rejection)
	assert.Equal(t, RiskBudgetExceeded, rejection.Reason)
}

func TestValidateConfigurableThresholds(t *testing.T) {
	policy := testPolicy()
	policy.MaxLeverage = 50
	policy.MinLiquidationDistance = 0.01
	policy.MaxRiskFraction = 0.10
	v := New(policy)

	d := longEntry()
	d.Leverage = 25
	d.Quantity = 0.05 // 5% risk, allowed under the widened budget

	intent, rejection := v.Validate(d, 50000, 1000, nil)
	require.Nil(t, rejection)
	require.NotNil(t, intent)
	assert.Equal(t, 25, intent.Leverage)
}
