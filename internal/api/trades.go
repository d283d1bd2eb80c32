package api

import (
	"net/http"
	"sort"
	"time"

	"mt5bridge/internal/domain"
	"mt5bridge/internal/ports"
)

// forceLoadSpan is the wide range requested first to make the terminal load
// the full account history before the real query runs.
const forceLoadSpan = 5 * 365 * 24 * time.Hour

// handleTrades returns the closed trades of the last N days, grouping raw
// deals into complete entry/exit pairs.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	var req tradesRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateCredentials(req.Credentials); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	days := req.Days
	if days <= 0 {
		days = s.defaultHistoryDays
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -days)

	var deals []*domain.Deal
	err := s.engine.WithSession(r.Context(), req.Credentials, func(driver ports.TerminalDriver) error {
		// Touching account info and requesting a wide history range forces
		// the terminal to load the account's history into its cache.
		if _, err := driver.AccountInfo(r.Context()); err != nil {
			s.logger.Warn(r.Context(), "Account info unavailable before history query", map[string]interface{}{"error": err.Error()})
		}
		if _, err := driver.HistoryDealsGet(r.Context(), now.Add(-forceLoadSpan), now); err != nil {
			s.logger.Warn(r.Context(), "History force-load query failed", map[string]interface{}{"error": err.Error()})
		}

		window, err := driver.HistoryDealsGet(r.Context(), from, now)
		if err != nil {
			return err
		}
		deals = window
		return nil
	})
	if err != nil {
		writeError(w, sessionErrorStatus(err), err.Error())
		return
	}

	trades := groupDeals(deals)
	s.logger.Info(r.Context(), "Trade history served", map[string]interface{}{
		"deals":  len(deals),
		"trades": len(trades),
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"trades":    trades,
		"count":     len(trades),
		"from_date": from.Format(time.RFC3339),
		"to_date":   now.Format(time.RFC3339),
	})
}

// groupDeals pairs raw deals into complete trades. A completed trade is two
// deals sharing an order id: the opening execution and the closing one.
// Balance operations and groups still missing their closing deal are
// skipped.
func groupDeals(deals []*domain.Deal) []*domain.ClosedTrade {
	groups := make(map[int64][]*domain.Deal)
	for _, deal := range deals {
		if !deal.Type.IsTrade() {
			continue
		}
		groups[deal.Order] = append(groups[deal.Order], deal)
	}

	trades := make([]*domain.ClosedTrade, 0, len(groups))
	for orderID, group := range groups {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].Time.Before(group[j].Time) })

		entry := group[0]
		exit := group[len(group)-1]

		var profit, commission, swap float64
		for _, d := range group {
			profit += d.Profit
			commission += d.Commission
			swap += d.Swap
		}

		comment := entry.Comment
		if comment == "" {
			comment = exit.Comment
		}

		trades = append(trades, &domain.ClosedTrade{
			Ticket:     entry.Ticket,
			Order:      orderID,
			Symbol:     entry.Symbol,
			Type:       entry.Type.Side(),
			Volume:     entry.Volume,
			EntryPrice: entry.Price,
			EntryTime:  entry.Time.Format(time.RFC3339),
			ExitPrice:  exit.Price,
			ExitTime:   exit.Time.Format(time.RFC3339),
			Profit:     profit,
			Commission: commission,
			Swap:       swap,
			Comment:    comment,
		})
	}

	sort.Slice(trades, func(i, j int) bool {
		if trades[i].EntryTime != trades[j].EntryTime {
			return trades[i].EntryTime < trades[j].EntryTime
		}
		return trades[i].Ticket < trades[j].Ticket
	})
	return trades
}
