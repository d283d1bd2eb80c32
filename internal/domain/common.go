package domain

// PositionSide is the direction of a position as exposed to consumers.
type PositionSide string

const (
	SideBuy  PositionSide = "buy"
	SideSell PositionSide = "sell"
)

// PositionType is the terminal's raw position direction.
type PositionType int

const (
	PositionTypeBuy  PositionType = 0
	PositionTypeSell PositionType = 1
)

// Side converts the terminal's raw direction to the consumer-facing form.
func (t PositionType) Side() PositionSide {
	if t == PositionTypeBuy {
		return SideBuy
	}
	return SideSell
}

// DealType is the terminal's raw deal type. Only buy and sell deals form
// trades; balance operations, credits etc. are filtered out.
type DealType int

const (
	DealTypeBuy     DealType = 0
	DealTypeSell    DealType = 1
	DealTypeBalance DealType = 2
	DealTypeCredit  DealType = 3
)

// IsTrade reports whether the deal represents an actual market execution.
func (t DealType) IsTrade() bool {
	return t == DealTypeBuy || t == DealTypeSell
}

// Side converts a buy/sell deal type to the consumer-facing direction.
func (t DealType) Side() PositionSide {
	if t == DealTypeBuy {
		return SideBuy
	}
	return SideSell
}

// DealEntry is the terminal's deal entry direction relative to a position.
type DealEntry int

const (
	DealEntryIn    DealEntry = 0
	DealEntryOut   DealEntry = 1
	DealEntryInOut DealEntry = 2
	DealEntryOutBy DealEntry = 3
)

// HistorySource identifies which terminal history collection a closed trade
// was reconstructed from.
type HistorySource string

const (
	SourceHistoryDeals  HistorySource = "history_deals"
	SourceHistoryOrders HistorySource = "history_orders"
)

// Accuracy grades attached to trade records per history source. Deals carry
// the broker-side financial truth; orders lack per-leg financials.
const (
	AccuracyDeals  = "100%"
	AccuracyOrders = "95-100%"
)

// TradeStatusClosed is the only status the engine ever emits.
const TradeStatusClosed = "closed"
