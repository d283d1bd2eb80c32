package risk

import (
	"math"
	"strings"

	"mt5bridge/internal/domain"
)

// Pip size convention: 1/100 of price for JPY pairs, 1/10000 for everything
// else. Metals, indices and crypto symbols will mis-compute under this rule;
// the flat forex approximation is a known limitation.
const (
	pipSizeJPY     = 0.01
	pipSizeDefault = 0.0001

	// Flat per-pip value for one standard lot unit of volume.
	pipValuePerLot = 10.0
)

// PipSize returns the pip size for a symbol.
func PipSize(symbol string) float64 {
	if strings.Contains(symbol, "JPY") {
		return pipSizeJPY
	}
	return pipSizeDefault
}

// Apply enriches a trade record with risk_amount, r_multiple and risk_reward
// derived from entry price, stop loss, take profit, volume and gross P&L.
// Missing or zero inputs leave the corresponding fields unset; enrichment
// never fails the record.
func Apply(trade *domain.TradeRecord) {
	if trade == nil {
		return
	}
	if trade.EntryPrice == 0 || trade.Volume == 0 {
		return
	}
	if trade.StopLoss == nil || *trade.StopLoss == 0 {
		return
	}

	pipSize := PipSize(trade.Symbol)
	pipsRisked := math.Abs(trade.EntryPrice-*trade.StopLoss) / pipSize

	riskAmount := pipsRisked * trade.Volume * pipValuePerLot
	trade.RiskAmount = &riskAmount

	if riskAmount > 0 {
		rMultiple := trade.GrossPNL / riskAmount
		trade.RMultiple = &rMultiple
	}

	if trade.TakeProfit != nil && *trade.TakeProfit > 0 {
		pipsToTarget := math.Abs(*trade.TakeProfit-trade.EntryPrice) / pipSize
		riskReward := pipsToTarget / pipsRisked
		trade.RiskReward = &riskReward
	}
}
