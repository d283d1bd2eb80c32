package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5bridge/internal/domain"
)

func ptr(v float64) *float64 { return &v }

func TestPipSize(t *testing.T) {
	assert.Equal(t, 0.0001, PipSize("EURUSD"))
	assert.Equal(t, 0.0001, PipSize("GBPAUD"))
	assert.Equal(t, 0.01, PipSize("USDJPY"))
	assert.Equal(t, 0.01, PipSize("GBPJPY"))
}

func TestApplyForexTrade(t *testing.T) {
	trade := &domain.TradeRecord{
		Symbol:     "EURUSD",
		Volume:     0.1,
		EntryPrice: 1.1000,
		GrossPNL:   20.0,
		StopLoss:   ptr(1.0980),
		TakeProfit: ptr(1.1050),
	}

	Apply(trade)

	require.NotNil(t, trade.RiskAmount)
	require.NotNil(t, trade.RMultiple)
	require.NotNil(t, trade.RiskReward)
	// 20 pips risked at 0.1 lots
	assert.InDelta(t, 20.0, *trade.RiskAmount, 1e-9)
	assert.InDelta(t, 1.0, *trade.RMultiple, 1e-9)
	// 50 pips to target over 20 pips risked
	assert.InDelta(t, 2.5, *trade.RiskReward, 1e-9)
}

func TestApplyJPYPair(t *testing.T) {
	trade := &domain.TradeRecord{
		Symbol:     "USDJPY",
		Volume:     1.0,
		EntryPrice: 110.00,
		GrossPNL:   50.0,
		StopLoss:   ptr(109.50),
	}

	Apply(trade)

	require.NotNil(t, trade.RiskAmount)
	require.NotNil(t, trade.RMultiple)
	assert.InDelta(t, 500.0, *trade.RiskAmount, 1e-6)
	assert.InDelta(t, 0.1, *trade.RMultiple, 1e-9)
	assert.Nil(t, trade.RiskReward)
}

func TestApplyMissingInputs(t *testing.T) {
	tests := []struct {
		name  string
		trade *domain.TradeRecord
	}{
		{name: "nil record", trade: nil},
		{
			name:  "no stop loss",
			trade: &domain.TradeRecord{Symbol: "EURUSD", Volume: 0.1, EntryPrice: 1.1, GrossPNL: 5},
		},
		{
			name:  "zero stop loss",
			trade: &domain.TradeRecord{Symbol: "EURUSD", Volume: 0.1, EntryPrice: 1.1, StopLoss: ptr(0)},
		},
		{
			name:  "zero entry price",
			trade: &domain.TradeRecord{Symbol: "EURUSD", Volume: 0.1, StopLoss: ptr(1.0980)},
		},
		{
			name:  "zero volume",
			trade: &domain.TradeRecord{Symbol: "EURUSD", EntryPrice: 1.1, StopLoss: ptr(1.0980)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() { Apply(tt.trade) })
			if tt.trade != nil {
				assert.Nil(t, tt.trade.RiskAmount)
				assert.Nil(t, tt.trade.RMultiple)
				assert.Nil(t, tt.trade.RiskReward)
			}
		})
	}
}

func TestApplyIsDeterministic(t *testing.T) {
	build := func() *domain.TradeRecord {
		return &domain.TradeRecord{
			Symbol:     "GBPUSD",
			Volume:     0.5,
			EntryPrice: 1.2500,
			GrossPNL:   -75.0,
			StopLoss:   ptr(1.2470),
			TakeProfit: ptr(1.2590),
		}
	}

	first := build()
	second := build()
	Apply(first)
	Apply(second)

	require.NotNil(t, first.RiskAmount)
	assert.Equal(t, *first.RiskAmount, *second.RiskAmount)
	assert.Equal(t, *first.RMultiple, *second.RMultiple)
	assert.Equal(t, *first.RiskReward, *second.RiskReward)
}
