package domain

import "time"

// Credentials authorize a terminal session for one account. They are supplied
// per request and never persisted.
type Credentials struct {
	Login    int64  `json:"login"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

// TerminalPosition is an open position as reported by the terminal.
type TerminalPosition struct {
	Ticket       int64
	Symbol       string
	Type         PositionType
	Volume       float64
	PriceOpen    float64
	PriceCurrent float64
	StopLoss     float64 // zero means unset
	TakeProfit   float64 // zero means unset
	Profit       float64
	Swap         float64
	Time         time.Time
	Comment      string
}

// Deal is an atomic broker-side execution record with a definite price and
// financial result. One opening deal plus one closing deal form one trade.
type Deal struct {
	Ticket     int64
	Order      int64
	PositionID int64
	Symbol     string
	Type       DealType
	Entry      DealEntry
	Volume     float64
	Price      float64
	Time       time.Time
	Profit     float64
	Commission float64
	Swap       float64
	Comment    string
}

// Order is a request-to-trade record from the terminal history. It carries
// the user's intent (stop loss, take profit) and the final price and time.
type Order struct {
	Ticket       int64
	PositionID   int64
	StopLoss     float64 // zero means unset
	TakeProfit   float64 // zero means unset
	PriceCurrent float64
	TimeDone     time.Time
}

// AccountInfo is the account summary for a logged-in session.
type AccountInfo struct {
	Login       int64   `json:"login"`
	Server      string  `json:"server"`
	Balance     float64 `json:"balance"`
	Equity      float64 `json:"equity"`
	Margin      float64 `json:"margin"`
	MarginFree  float64 `json:"free_margin"`
	MarginLevel float64 `json:"margin_level"`
	Currency    string  `json:"currency"`
	Leverage    int     `json:"leverage"`
	Profit      float64 `json:"profit"`
	Company     string  `json:"company"`
}
