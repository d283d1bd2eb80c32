package domain

import "time"

// TradeRecord is a completed trade reconstructed from terminal history,
// emitted once when a position closure is detected. Records are delivered to
// the consumer callback and not stored; consumers are expected to be
// idempotent on ExternalID.
type TradeRecord struct {
	ExternalID string `json:"external_trade_id"`
	UserID     string `json:"user_id"`
	AccountID  string `json:"account_id,omitempty"`

	Symbol string       `json:"symbol"`
	Side   PositionSide `json:"side"`
	Volume float64      `json:"volume"`

	EntryPrice float64   `json:"entry_price"`
	EntryTime  time.Time `json:"entry_time"`
	ExitPrice  float64   `json:"exit_price"`
	ExitTime   time.Time `json:"exit_time"`

	// GrossPNL, Commission and Swap come from the terminal history and are
	// summed verbatim; commission sign conventions differ between brokers.
	GrossPNL   float64 `json:"gross_pnl"`
	Commission float64 `json:"commission"`
	Swap       float64 `json:"swap"`
	NetPNL     float64 `json:"net_pnl"` // gross_pnl + commission + swap, exactly

	StopLoss   *float64 `json:"stop_loss"`
	TakeProfit *float64 `json:"take_profit"`

	Status   string        `json:"status"`
	Source   HistorySource `json:"source"`
	Accuracy string        `json:"accuracy"`

	// Risk metrics, omitted when the inputs to compute them are missing.
	RiskAmount *float64 `json:"risk_amount,omitempty"`
	RMultiple  *float64 `json:"r_multiple,omitempty"`
	RiskReward *float64 `json:"risk_reward,omitempty"`
}

// ClosedTrade is an entry/exit deal pair grouped from raw history, served by
// the trade-history endpoint.
type ClosedTrade struct {
	Ticket     int64        `json:"ticket"`
	Order      int64        `json:"order"`
	Symbol     string       `json:"symbol"`
	Type       PositionSide `json:"type"`
	Volume     float64      `json:"volume"`
	EntryPrice float64      `json:"entry_price"`
	EntryTime  string       `json:"entry_time"`
	ExitPrice  float64      `json:"exit_price"`
	ExitTime   string       `json:"exit_time"`
	Profit     float64      `json:"profit"`
	Commission float64      `json:"commission"`
	Swap       float64      `json:"swap"`
	Comment    string       `json:"comment"`
}
