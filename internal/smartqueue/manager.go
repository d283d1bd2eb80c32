package smartqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mt5bridge/internal/domain"
	"mt5bridge/internal/fetcher"
	"mt5bridge/internal/ports"
	"mt5bridge/internal/risk"
)

// TradeCallback receives a trade record once per detected closure. Callback
// errors are logged and the ticket is still treated as delivered; consumers
// must be idempotent on the record's ExternalID.
type TradeCallback func(ctx context.Context, trade *domain.TradeRecord) error

// PollRequest is one unit of work for the queue worker: refresh the user's
// positions, detect closures and emit trade records.
type PollRequest struct {
	UserID        string
	Credentials   domain.Credentials
	AccountID     string
	OnTradeClosed TradeCallback
}

// HistoryFetcher reconstructs closed trades from terminal history.
// (nil, nil) means the trade has not surfaced yet and must be retried on the
// next poll cycle.
type HistoryFetcher interface {
	ClosedPositionData(ctx context.Context, ticket int64) (*fetcher.TradeData, error)
}

type cacheEntry struct {
	positions []domain.PositionView
	timestamp time.Time
}

// Config holds configuration for the smart queue manager. Zero values fall
// back to the tuned defaults.
type Config struct {
	Driver  ports.TerminalDriver
	Fetcher HistoryFetcher
	Logger  ports.Logger

	CacheTTL           time.Duration // Coalescing window for repeated callers (default 2s)
	QueueCapacity      int           // Max pending poll requests (default 100)
	WorkerIdleTick     time.Duration // Worker sleep when the queue is empty (default 50ms)
	CallerPollInterval time.Duration // Cache recheck cadence while waiting (default 100ms)
	CallerTimeout      time.Duration // Max caller wait before giving up (default 10s)

	// Now is injectable for tests and defaults to the real clock.
	Now func() time.Time
}

// Manager multiplexes many users onto the single terminal session. It owns
// the request queue, the per-user position snapshots, the read-through
// positions cache and the worker that serializes all terminal access.
type Manager struct {
	driver  ports.TerminalDriver
	fetcher HistoryFetcher
	logger  ports.Logger

	cacheTTL       time.Duration
	idleTick       time.Duration
	pollInterval   time.Duration
	callerTimeout  time.Duration
	workerErrPause time.Duration
	now            func() time.Time

	requests chan *PollRequest

	mu    sync.RWMutex // guards cache
	cache map[string]*cacheEntry

	// snapshots is touched only by the worker goroutine; no locking needed.
	snapshots map[string]map[int64]*domain.PositionSnapshot

	// sessionMu serializes every terminal session: the driver is not
	// re-entrant, so the worker and direct WithSession callers take turns.
	sessionMu sync.Mutex
}

// New creates a new smart queue manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Driver == nil || cfg.Fetcher == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for smart queue manager")
	}

	m := &Manager{
		driver:         cfg.Driver,
		fetcher:        cfg.Fetcher,
		logger:         cfg.Logger,
		cacheTTL:       cfg.CacheTTL,
		idleTick:       cfg.WorkerIdleTick,
		pollInterval:   cfg.CallerPollInterval,
		callerTimeout:  cfg.CallerTimeout,
		workerErrPause: time.Second,
		now:            cfg.Now,
		cache:          make(map[string]*cacheEntry),
		snapshots:      make(map[string]map[int64]*domain.PositionSnapshot),
	}
	if m.cacheTTL <= 0 {
		m.cacheTTL = 2 * time.Second
	}
	if m.idleTick <= 0 {
		m.idleTick = 50 * time.Millisecond
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 100 * time.Millisecond
	}
	if m.callerTimeout <= 0 {
		m.callerTimeout = 10 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 100
	}
	m.requests = make(chan *PollRequest, capacity)

	return m, nil
}

// Run drains the request queue until the context is canceled, processing one
// request at a time. Errors never kill the worker: a panic is logged and the
// worker pauses briefly before resuming.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info(ctx, "Smart queue worker started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info(ctx, "Smart queue worker stopped")
			return
		case req := <-m.requests:
			// A request queued behind another poll for the same user is
			// answered by the cache entry that poll left behind.
			if _, fresh := m.freshCache(req.UserID); fresh {
				m.logger.Debug(ctx, "Poll request skipped, cache already fresh", map[string]interface{}{"userID": req.UserID})
				continue
			}
			m.safeProcess(ctx, req)
		case <-time.After(m.idleTick):
		}
	}
}

func (m *Manager) safeProcess(ctx context.Context, req *PollRequest) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(ctx, fmt.Errorf("worker panic: %v", r), "Recovered from worker panic", map[string]interface{}{"userID": req.UserID})
			time.Sleep(m.workerErrPause)
		}
	}()
	m.processRequest(ctx, req)
}

// processRequest runs one poll cycle for a user: login, snapshot the open
// positions, diff against the previous snapshot, emit trade records for
// closed tickets and refresh the positions cache.
func (m *Manager) processRequest(ctx context.Context, req *PollRequest) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	start := m.now()
	m.logger.Info(ctx, "Processing poll request", map[string]interface{}{"userID": req.UserID})

	if err := m.driver.Initialize(ctx); err != nil {
		m.logger.Error(ctx, err, "Terminal initialization failed", map[string]interface{}{"userID": req.UserID})
		return
	}
	defer func() {
		if err := m.driver.Shutdown(ctx); err != nil {
			m.logger.Warn(ctx, "Terminal shutdown failed", map[string]interface{}{"userID": req.UserID, "error": err.Error()})
		}
	}()

	if err := m.driver.Login(ctx, req.Credentials); err != nil {
		m.logger.Error(ctx, err, "Terminal login failed", map[string]interface{}{"userID": req.UserID, "login": req.Credentials.Login})
		return
	}

	positions, err := m.driver.PositionsGet(ctx)
	if err != nil {
		m.logger.Error(ctx, err, "Positions query failed", map[string]interface{}{"userID": req.UserID})
		return
	}

	seen := m.now()
	current := make(map[int64]*domain.PositionSnapshot, len(positions))
	for _, pos := range positions {
		current[pos.Ticket] = domain.NewPositionSnapshot(pos, seen)
	}

	previous := m.snapshots[req.UserID]

	var closedTickets []int64
	for ticket := range previous {
		if _, open := current[ticket]; !open {
			closedTickets = append(closedTickets, ticket)
		}
	}
	if len(closedTickets) > 0 {
		m.logger.Info(ctx, "Detected closed positions", map[string]interface{}{
			"userID":  req.UserID,
			"tickets": closedTickets,
		})
	}

	// Tickets whose history has not surfaced yet are carried over to the
	// next cycle instead of being dropped.
	for _, ticket := range closedTickets {
		if !m.handleClosedPosition(ctx, req, ticket, previous[ticket]) {
			current[ticket] = previous[ticket]
		}
	}
	m.snapshots[req.UserID] = current

	views := make([]domain.PositionView, 0, len(positions))
	for _, pos := range positions {
		views = append(views, domain.NewPositionSnapshot(pos, seen).View())
	}

	m.mu.Lock()
	m.cache[req.UserID] = &cacheEntry{positions: views, timestamp: m.now()}
	m.mu.Unlock()

	m.logger.Info(ctx, "Poll request processed", map[string]interface{}{
		"userID":  req.UserID,
		"elapsed": m.now().Sub(start).String(),
	})
}

// handleClosedPosition reconstructs and emits one closed trade. It reports
// whether the ticket was delivered; undelivered tickets are retried on the
// next poll cycle.
func (m *Manager) handleClosedPosition(ctx context.Context, req *PollRequest, ticket int64, snapshot *domain.PositionSnapshot) bool {
	data, err := m.fetcher.ClosedPositionData(ctx, ticket)
	if err != nil {
		m.logger.Error(ctx, err, "History fetch failed", map[string]interface{}{"userID": req.UserID, "ticket": ticket})
		return false
	}
	if data == nil {
		m.logger.Warn(ctx, "Accurate data unavailable, will retry on next poll", map[string]interface{}{
			"userID": req.UserID,
			"ticket": ticket,
		})
		return false
	}

	trade := buildTradeRecord(req, ticket, snapshot, data)
	risk.Apply(trade)

	m.logger.Info(ctx, "Closed trade reconstructed", map[string]interface{}{
		"userID":   req.UserID,
		"ticket":   ticket,
		"symbol":   trade.Symbol,
		"netPnl":   trade.NetPNL,
		"source":   trade.Source,
		"accuracy": trade.Accuracy,
	})

	if req.OnTradeClosed != nil {
		if err := req.OnTradeClosed(ctx, trade); err != nil {
			m.logger.Error(ctx, err, "Trade-closed callback failed", map[string]interface{}{
				"userID": req.UserID,
				"ticket": ticket,
			})
		}
	}
	return true
}

// buildTradeRecord merges the history data with the last open-position
// snapshot, which fills entry-side fields the history source did not carry.
func buildTradeRecord(req *PollRequest, ticket int64, snapshot *domain.PositionSnapshot, data *fetcher.TradeData) *domain.TradeRecord {
	trade := &domain.TradeRecord{
		ExternalID: fmt.Sprintf("mt5_%d", ticket),
		UserID:     req.UserID,
		AccountID:  req.AccountID,
		Symbol:     snapshot.Symbol,
		Side:       snapshot.Side,
		Volume:     snapshot.Volume,
		EntryPrice: snapshot.PriceOpen,
		EntryTime:  snapshot.OpenTime,
		ExitPrice:  data.ExitPrice,
		ExitTime:   data.ExitTime,
		GrossPNL:   data.Profit,
		Commission: data.Commission,
		Swap:       data.Swap,
		NetPNL:     data.Profit + data.Commission + data.Swap,
		StopLoss:   domain.PriceLevel(snapshot.StopLoss),
		TakeProfit: domain.PriceLevel(snapshot.TakeProfit),
		Status:     domain.TradeStatusClosed,
		Source:     data.Source,
		Accuracy:   data.Accuracy,
	}

	if data.Symbol != "" {
		trade.Symbol = data.Symbol
	}
	if data.Side != "" {
		trade.Side = data.Side
	}
	if data.Volume != nil {
		trade.Volume = *data.Volume
	}
	if data.EntryPrice != nil {
		trade.EntryPrice = *data.EntryPrice
	}
	if data.EntryTime != nil {
		trade.EntryTime = *data.EntryTime
	}
	if data.StopLoss != nil {
		trade.StopLoss = data.StopLoss
	}
	if data.TakeProfit != nil {
		trade.TakeProfit = data.TakeProfit
	}
	return trade
}

// GetPositions serves a user's open positions through the read-through
// cache. A fresh cache entry is returned immediately; otherwise the request
// is enqueued and the caller waits for the worker to refresh the cache, up
// to the caller timeout. Timeouts and a full queue both yield an empty list.
func (m *Manager) GetPositions(ctx context.Context, req *PollRequest) ([]domain.PositionView, error) {
	if views, ok := m.freshCache(req.UserID); ok {
		m.logger.Debug(ctx, "Positions served from cache", map[string]interface{}{"userID": req.UserID})
		return views, nil
	}

	select {
	case m.requests <- req:
		m.logger.Debug(ctx, "Poll request enqueued", map[string]interface{}{
			"userID":    req.UserID,
			"queueSize": len(m.requests),
		})
	default:
		// The caller still waits: another request for this user may warm
		// the cache before the deadline.
		m.logger.Warn(ctx, "Poll request queue is full", map[string]interface{}{"userID": req.UserID})
	}

	deadline := m.now().Add(m.callerTimeout)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ports.ErrContextCanceled, ctx.Err())
		case <-ticker.C:
			if views, ok := m.freshCache(req.UserID); ok {
				return views, nil
			}
			if m.now().After(deadline) {
				m.logger.Warn(ctx, "Timed out waiting for positions refresh", map[string]interface{}{"userID": req.UserID})
				return []domain.PositionView{}, nil
			}
		}
	}
}

func (m *Manager) freshCache(userID string) ([]domain.PositionView, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry := m.cache[userID]
	if entry == nil {
		return nil, false
	}
	if m.now().Sub(entry.timestamp) >= m.cacheTTL {
		return nil, false
	}
	return entry.positions, true
}

// WithSession gives direct, serialized access to a logged-in terminal
// session. The HTTP shell uses it for account and history operations that
// bypass the poll queue; the session mutex keeps the single-session
// invariant intact.
func (m *Manager) WithSession(ctx context.Context, creds domain.Credentials, fn func(driver ports.TerminalDriver) error) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	if err := m.driver.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		if err := m.driver.Shutdown(ctx); err != nil {
			m.logger.Warn(ctx, "Terminal shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	if err := m.driver.Login(ctx, creds); err != nil {
		return err
	}
	return fn(m.driver)
}

// Ping checks that the terminal can be initialized.
func (m *Manager) Ping(ctx context.Context) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	return m.driver.Initialize(ctx)
}

// QueueSize reports the number of pending poll requests.
func (m *Manager) QueueSize() int {
	return len(m.requests)
}
