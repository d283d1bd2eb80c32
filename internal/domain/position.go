package domain

import "time"

// PositionSnapshot is the last-observed state of an open position for one
// user. Snapshots are the basis for closure detection: a ticket present in
// the previous snapshot but absent from the current terminal response has
// been closed.
type PositionSnapshot struct {
	Ticket       int64
	Symbol       string
	Side         PositionSide
	Volume       float64
	PriceOpen    float64
	PriceCurrent float64
	StopLoss     float64 // zero means unset
	TakeProfit   float64 // zero means unset
	Profit       float64
	Swap         float64
	OpenTime     time.Time
	LastSeen     time.Time
}

// NewPositionSnapshot captures a terminal position at observation time.
func NewPositionSnapshot(pos *TerminalPosition, seen time.Time) *PositionSnapshot {
	return &PositionSnapshot{
		Ticket:       pos.Ticket,
		Symbol:       pos.Symbol,
		Side:         pos.Type.Side(),
		Volume:       pos.Volume,
		PriceOpen:    pos.PriceOpen,
		PriceCurrent: pos.PriceCurrent,
		StopLoss:     pos.StopLoss,
		TakeProfit:   pos.TakeProfit,
		Profit:       pos.Profit,
		Swap:         pos.Swap,
		OpenTime:     pos.Time,
		LastSeen:     seen,
	}
}

// PositionView is the consumer-facing representation of an open position as
// served from the positions cache.
type PositionView struct {
	Ticket       int64        `json:"ticket"`
	Symbol       string       `json:"symbol"`
	Type         PositionSide `json:"type"`
	Volume       float64      `json:"volume"`
	PriceOpen    float64      `json:"price_open"`
	PriceCurrent float64      `json:"price_current"`
	StopLoss     *float64     `json:"sl"`
	TakeProfit   *float64     `json:"tp"`
	Profit       float64      `json:"profit"`
	Swap         float64      `json:"swap"`
	Time         string       `json:"time"`
}

// View formats the snapshot for consumers. Zero stop-loss and take-profit
// levels are rendered as null; the open time is ISO-8601.
func (s *PositionSnapshot) View() PositionView {
	return PositionView{
		Ticket:       s.Ticket,
		Symbol:       s.Symbol,
		Type:         s.Side,
		Volume:       s.Volume,
		PriceOpen:    s.PriceOpen,
		PriceCurrent: s.PriceCurrent,
		StopLoss:     PriceLevel(s.StopLoss),
		TakeProfit:   PriceLevel(s.TakeProfit),
		Profit:       s.Profit,
		Swap:         s.Swap,
		Time:         s.OpenTime.Format(time.RFC3339),
	}
}

// PriceLevel normalizes an optional price level: the terminal encodes
// "unset" as zero, consumers expect null.
func PriceLevel(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}
