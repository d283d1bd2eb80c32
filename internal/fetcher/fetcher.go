package fetcher

import (
	"context"
	"fmt"
	"time"

	"mt5bridge/internal/domain"
	"mt5bridge/internal/ports"
)

// TradeData carries what terminal history reveals about a closed position.
// The deals source fills the entry-side fields when the opening deal is
// found; the orders fallback leaves them nil and the caller falls back to the
// last open-position snapshot.
type TradeData struct {
	Source   domain.HistorySource
	Accuracy string
	Ticket   int64

	Symbol string              // empty when the source does not carry it
	Side   domain.PositionSide // empty when the source does not carry it
	Volume *float64

	EntryPrice *float64
	EntryTime  *time.Time
	ExitPrice  float64
	ExitTime   time.Time

	Profit     float64
	Commission float64
	Swap       float64

	StopLoss   *float64
	TakeProfit *float64
}

// Fetcher reconstructs closed trades from terminal history. The terminal's
// history cache is eventually consistent: a trade closed seconds ago may not
// surface until the cache is warmed and re-queried, so each attempt warms the
// cache first (at most once per warmup interval) and lookups retry with
// progressive backoff.
type Fetcher struct {
	driver ports.TerminalDriver
	logger ports.Logger

	warmupInterval time.Duration
	warmupRange    time.Duration
	warmupSettle   time.Duration
	maxRetries     int
	retryStep      time.Duration
	recentWindow   time.Duration
	entryBackfill  time.Duration
	slTPScan       time.Duration

	now   func() time.Time
	sleep func(time.Duration)

	lastWarmup time.Time
}

// Config holds configuration specific to the history fetcher. Zero durations
// fall back to the defaults tuned against empirical terminal sync latency.
type Config struct {
	Driver ports.TerminalDriver
	Logger ports.Logger

	WarmupInterval time.Duration // Minimum gap between cache warmups (default 30s)
	WarmupRange    time.Duration // Span of the warmup deals query (default 90 days)
	MaxRetries     int           // Attempts per lookup (default 3)
	RetryStep      time.Duration // Backoff is RetryStep * attempt (default 3s)
	RecentWindow   time.Duration // Span of the primary deals query (default 30m)
	EntryBackfill  time.Duration // Span searched for a missing entry deal (default 7 days)
	SLTPScan       time.Duration // Span of the stop-loss/take-profit order scan (default 1h)

	// Now and Sleep are injectable for tests and default to the real clock.
	Now   func() time.Time
	Sleep func(time.Duration)
}

// New creates a new history fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Driver == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for fetcher")
	}

	f := &Fetcher{
		driver:         cfg.Driver,
		logger:         cfg.Logger,
		warmupInterval: cfg.WarmupInterval,
		warmupRange:    cfg.WarmupRange,
		warmupSettle:   300 * time.Millisecond,
		maxRetries:     cfg.MaxRetries,
		retryStep:      cfg.RetryStep,
		recentWindow:   cfg.RecentWindow,
		entryBackfill:  cfg.EntryBackfill,
		slTPScan:       cfg.SLTPScan,
		now:            cfg.Now,
		sleep:          cfg.Sleep,
	}
	if f.warmupInterval <= 0 {
		f.warmupInterval = 30 * time.Second
	}
	if f.warmupRange <= 0 {
		f.warmupRange = 90 * 24 * time.Hour
	}
	if f.maxRetries <= 0 {
		f.maxRetries = 3
	}
	if f.retryStep <= 0 {
		f.retryStep = 3 * time.Second
	}
	if f.recentWindow <= 0 {
		f.recentWindow = 30 * time.Minute
	}
	if f.entryBackfill <= 0 {
		f.entryBackfill = 7 * 24 * time.Hour
	}
	if f.slTPScan <= 0 {
		f.slTPScan = time.Hour
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.sleep == nil {
		f.sleep = time.Sleep
	}
	return f, nil
}

// ClosedPositionData reconstructs the trade for a closed position ticket.
// It returns (nil, nil) when history has not surfaced the trade after all
// retries; the caller must keep the ticket for the next poll cycle.
func (f *Fetcher) ClosedPositionData(ctx context.Context, ticket int64) (*TradeData, error) {
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ports.ErrContextCanceled, err)
		}

		f.logger.Info(ctx, "Fetching closed position data", map[string]interface{}{
			"ticket":  ticket,
			"attempt": fmt.Sprintf("%d/%d", attempt, f.maxRetries),
		})

		f.warmHistoryCache(ctx)

		if data := f.fetchFromDeals(ctx, ticket); data != nil {
			f.logger.Info(ctx, "Closed position found in deal history", map[string]interface{}{"ticket": ticket})
			return data, nil
		}

		if data := f.fetchFromOrders(ctx, ticket); data != nil {
			f.logger.Info(ctx, "Closed position found in order history", map[string]interface{}{"ticket": ticket})
			return data, nil
		}

		if attempt < f.maxRetries {
			wait := time.Duration(attempt) * f.retryStep
			f.logger.Info(ctx, "History not yet consistent, backing off", map[string]interface{}{
				"ticket": ticket,
				"wait":   wait.String(),
			})
			f.sleep(wait)
		}
	}

	f.logger.Warn(ctx, "Closed position not found in history after all attempts", map[string]interface{}{
		"ticket":   ticket,
		"attempts": f.maxRetries,
	})
	return nil, nil
}

// warmHistoryCache forces the terminal to refresh its internal history cache
// by requesting a wide date range, then gives it time to settle. Errors are
// swallowed: a failed warmup only lowers the odds of the next query hitting.
func (f *Fetcher) warmHistoryCache(ctx context.Context) {
	now := f.now()
	if !f.lastWarmup.IsZero() && now.Sub(f.lastWarmup) < f.warmupInterval {
		return
	}

	f.logger.Info(ctx, "Warming terminal history cache")
	deals, err := f.driver.HistoryDealsGet(ctx, now.Add(-f.warmupRange), now)
	if err != nil {
		f.logger.Error(ctx, err, "History cache warmup failed")
		return
	}
	f.logger.Debug(ctx, "History cache warmed", map[string]interface{}{"deals": len(deals)})

	f.lastWarmup = now
	f.sleep(f.warmupSettle)
}

// fetchFromDeals reconstructs the trade from deal history, the preferred
// source: deals carry the realized profit, commission and swap per leg.
func (f *Fetcher) fetchFromDeals(ctx context.Context, ticket int64) *TradeData {
	now := f.now()
	from := now.Add(-f.recentWindow)

	deals, err := f.driver.HistoryDealsGet(ctx, from, now)
	if err != nil {
		f.logger.Error(ctx, err, "Deal history query failed", map[string]interface{}{"ticket": ticket})
		return nil
	}

	var entryDeal, exitDeal *domain.Deal
	for _, deal := range deals {
		if deal.PositionID != ticket {
			continue
		}
		switch deal.Entry {
		case domain.DealEntryIn:
			entryDeal = deal
		case domain.DealEntryOut:
			exitDeal = deal
		}
	}

	// The exit deal is what proves the position closed; without it the trade
	// simply has not surfaced yet.
	if exitDeal == nil {
		return nil
	}

	// The entry deal may predate the recent window for positions held longer
	// than it; search older history before giving up on entry-side data.
	if entryDeal == nil {
		older, err := f.driver.HistoryDealsGet(ctx, now.Add(-f.entryBackfill), from)
		if err != nil {
			f.logger.Error(ctx, err, "Entry deal backfill query failed", map[string]interface{}{"ticket": ticket})
		}
		for _, deal := range older {
			if deal.PositionID == ticket && deal.Entry == domain.DealEntryIn {
				entryDeal = deal
				break
			}
		}
	}

	volume := exitDeal.Volume
	data := &TradeData{
		Source:     domain.SourceHistoryDeals,
		Accuracy:   domain.AccuracyDeals,
		Ticket:     ticket,
		Symbol:     exitDeal.Symbol,
		Volume:     &volume,
		ExitPrice:  exitDeal.Price,
		ExitTime:   exitDeal.Time,
		Profit:     exitDeal.Profit,
		Swap:       exitDeal.Swap,
		Commission: exitDeal.Commission,
	}

	if entryDeal != nil {
		entryPrice := entryDeal.Price
		entryTime := entryDeal.Time
		data.EntryPrice = &entryPrice
		data.EntryTime = &entryTime
		data.Commission += entryDeal.Commission
		data.Side = entryDeal.Type.Side()
	}

	data.StopLoss, data.TakeProfit = f.stopLevelsFromOrders(ctx, ticket)

	return data
}

// fetchFromOrders reconstructs the trade from order history, the fallback
// source. Financials still come from deals when present; the order supplies
// the exit price, exit time and the user's stop levels.
func (f *Fetcher) fetchFromOrders(ctx context.Context, ticket int64) *TradeData {
	now := f.now()
	from := now.Add(-f.recentWindow)

	orders, err := f.driver.HistoryOrdersGet(ctx, from, now)
	if err != nil {
		f.logger.Error(ctx, err, "Order history query failed", map[string]interface{}{"ticket": ticket})
		return nil
	}

	var order *domain.Order
	for _, o := range orders {
		if o.PositionID == ticket {
			order = o
			break
		}
	}
	if order == nil {
		return nil
	}

	var profit, commission, swap float64
	deals, err := f.driver.HistoryDealsGet(ctx, from, now)
	if err != nil {
		f.logger.Error(ctx, err, "Deal financials query failed", map[string]interface{}{"ticket": ticket})
	}
	for _, deal := range deals {
		if deal.PositionID == ticket {
			profit += deal.Profit
			commission += deal.Commission
			swap += deal.Swap
		}
	}

	return &TradeData{
		Source:     domain.SourceHistoryOrders,
		Accuracy:   domain.AccuracyOrders,
		Ticket:     ticket,
		ExitPrice:  order.PriceCurrent,
		ExitTime:   order.TimeDone,
		Profit:     profit,
		Commission: commission,
		Swap:       swap,
		StopLoss:   domain.PriceLevel(order.StopLoss),
		TakeProfit: domain.PriceLevel(order.TakeProfit),
	}
}

// stopLevelsFromOrders scans recent order history for the position's stop
// loss and take profit. Zero levels are normalized to unset.
func (f *Fetcher) stopLevelsFromOrders(ctx context.Context, ticket int64) (sl, tp *float64) {
	now := f.now()
	orders, err := f.driver.HistoryOrdersGet(ctx, now.Add(-f.slTPScan), now)
	if err != nil {
		f.logger.Error(ctx, err, "Stop-level order scan failed", map[string]interface{}{"ticket": ticket})
		return nil, nil
	}
	for _, o := range orders {
		if o.PositionID == ticket {
			return domain.PriceLevel(o.StopLoss), domain.PriceLevel(o.TakeProfit)
		}
	}
	return nil, nil
}
