package smartqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5bridge/internal/domain"
	"mt5bridge/internal/fetcher"
	"mt5bridge/internal/ports"
)

// Mock implementations

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockDriver struct {
	mu            sync.Mutex
	positions     [][]*domain.TerminalPosition // one batch per PositionsGet call; the last batch repeats
	initErr       error
	loginErr      error
	positionsErr  error
	initCalls     int
	loginCalls    int
	posCalls      int
	shutdownCalls int
}

func (m *mockDriver) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	return m.initErr
}

func (m *mockDriver) Login(ctx context.Context, creds domain.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginCalls++
	return m.loginErr
}

func (m *mockDriver) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownCalls++
	return nil
}

func (m *mockDriver) PositionsGet(ctx context.Context) ([]*domain.TerminalPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posCalls++
	if m.positionsErr != nil {
		return nil, m.positionsErr
	}
	if len(m.positions) == 0 {
		return nil, nil
	}
	batch := m.positions[0]
	if len(m.positions) > 1 {
		m.positions = m.positions[1:]
	}
	return batch, nil
}

func (m *mockDriver) HistoryDealsGet(ctx context.Context, from, to time.Time) ([]*domain.Deal, error) {
	return nil, nil
}

func (m *mockDriver) HistoryOrdersGet(ctx context.Context, from, to time.Time) ([]*domain.Order, error) {
	return nil, nil
}

func (m *mockDriver) AccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	return nil, nil
}

var _ ports.TerminalDriver = (*mockDriver)(nil)

type mockFetcher struct {
	mu    sync.Mutex
	data  map[int64][]*fetcher.TradeData // consumed one result per lookup; nil = miss
	calls int
}

func (m *mockFetcher) ClosedPositionData(ctx context.Context, ticket int64) (*fetcher.TradeData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	queue := m.data[ticket]
	if len(queue) == 0 {
		return nil, nil
	}
	m.data[ticket] = queue[1:]
	return queue[0], nil
}

var baseTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func openPosition(ticket int64) *domain.TerminalPosition {
	return &domain.TerminalPosition{
		Ticket:       ticket,
		Symbol:       "EURUSD",
		Type:         domain.PositionTypeBuy,
		Volume:       0.1,
		PriceOpen:    1.1000,
		PriceCurrent: 1.1010,
		Profit:       10.0,
		Time:         baseTime.Add(-time.Hour),
	}
}

func completeTradeData() *fetcher.TradeData {
	entryTime := baseTime.Add(-time.Hour)
	return &fetcher.TradeData{
		Source:     domain.SourceHistoryDeals,
		Accuracy:   domain.AccuracyDeals,
		Ticket:     1,
		Symbol:     "EURUSD",
		Side:       domain.SideBuy,
		Volume:     ptr(0.1),
		EntryPrice: ptr(1.1000),
		EntryTime:  &entryTime,
		ExitPrice:  1.1020,
		ExitTime:   baseTime.Add(-time.Minute),
		Profit:     20.0,
		Commission: -1.0,
		Swap:       -0.1,
		StopLoss:   ptr(1.0980),
		TakeProfit: ptr(1.1050),
	}
}

func newTestManager(t *testing.T, driver *mockDriver, f HistoryFetcher, overrides ...func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Driver:             driver,
		Fetcher:            f,
		Logger:             &mockLogger{},
		CacheTTL:           500 * time.Millisecond,
		QueueCapacity:      100,
		WorkerIdleTick:     5 * time.Millisecond,
		CallerPollInterval: 5 * time.Millisecond,
		CallerTimeout:      300 * time.Millisecond,
	}
	for _, o := range overrides {
		o(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

func pollRequest(cb TradeCallback) *PollRequest {
	return &PollRequest{
		UserID:        "u1",
		Credentials:   domain.Credentials{Login: 12345, Password: "secret", Server: "Demo-Server"},
		AccountID:     "acc-1",
		OnTradeClosed: cb,
	}
}

func TestProcessRequestFirstPoll(t *testing.T) {
	driver := &mockDriver{positions: [][]*domain.TerminalPosition{{openPosition(1)}}}
	m := newTestManager(t, driver, &mockFetcher{})

	m.processRequest(context.Background(), pollRequest(nil))

	require.Contains(t, m.snapshots, "u1")
	require.Contains(t, m.snapshots["u1"], int64(1))

	views, ok := m.freshCache("u1")
	require.True(t, ok)
	require.Len(t, views, 1)
	assert.Equal(t, int64(1), views[0].Ticket)
	assert.Equal(t, domain.SideBuy, views[0].Type)
	assert.Nil(t, views[0].StopLoss, "zero stop loss must render as null")
	assert.Nil(t, views[0].TakeProfit)

	assert.Equal(t, 1, driver.initCalls)
	assert.Equal(t, 1, driver.loginCalls)
	assert.Equal(t, 1, driver.shutdownCalls)
}

func TestGetPositionsServedFromCache(t *testing.T) {
	driver := &mockDriver{positions: [][]*domain.TerminalPosition{{openPosition(1)}}}
	m := newTestManager(t, driver, &mockFetcher{})

	m.processRequest(context.Background(), pollRequest(nil))
	posCallsBefore := driver.posCalls

	views, err := m.GetPositions(context.Background(), pollRequest(nil))
	require.NoError(t, err)
	require.Len(t, views, 1)

	assert.Equal(t, posCallsBefore, driver.posCalls, "cache hit must not touch the terminal")
	assert.Zero(t, m.QueueSize(), "cache hit must not enqueue")
}

func TestClosureEmitsTradeRecord(t *testing.T) {
	driver := &mockDriver{positions: [][]*domain.TerminalPosition{
		{openPosition(1)},
		{}, // position closed before the second cycle
	}}
	fetch := &mockFetcher{data: map[int64][]*fetcher.TradeData{1: {completeTradeData()}}}
	m := newTestManager(t, driver, fetch)

	var trades []*domain.TradeRecord
	req := pollRequest(func(ctx context.Context, trade *domain.TradeRecord) error {
		trades = append(trades, trade)
		return nil
	})

	m.processRequest(context.Background(), req)
	m.processRequest(context.Background(), req)

	require.Len(t, trades, 1)
	trade := trades[0]
	assert.Equal(t, "mt5_1", trade.ExternalID)
	assert.Equal(t, "u1", trade.UserID)
	assert.Equal(t, "acc-1", trade.AccountID)
	assert.Equal(t, domain.SideBuy, trade.Side)
	assert.Equal(t, 1.1000, trade.EntryPrice)
	assert.Equal(t, 1.1020, trade.ExitPrice)
	assert.Equal(t, 20.0, trade.GrossPNL)
	assert.Equal(t, -1.0, trade.Commission)
	assert.Equal(t, -0.1, trade.Swap)
	assert.InDelta(t, 18.9, trade.NetPNL, 1e-9)
	require.NotNil(t, trade.StopLoss)
	assert.Equal(t, 1.0980, *trade.StopLoss)
	require.NotNil(t, trade.TakeProfit)
	assert.Equal(t, 1.1050, *trade.TakeProfit)
	assert.Equal(t, domain.TradeStatusClosed, trade.Status)
	assert.Equal(t, domain.SourceHistoryDeals, trade.Source)
	assert.Equal(t, domain.AccuracyDeals, trade.Accuracy)
	require.NotNil(t, trade.RiskAmount)
	assert.InDelta(t, 20.0, *trade.RiskAmount, 1e-9)
	require.NotNil(t, trade.RMultiple)
	assert.InDelta(t, 1.0, *trade.RMultiple, 1e-9)
	require.NotNil(t, trade.RiskReward)
	assert.InDelta(t, 2.5, *trade.RiskReward, 1e-9)

	assert.NotContains(t, m.snapshots["u1"], int64(1), "delivered ticket must leave the snapshot")
}

func TestFetchMissRetainsTicketForNextCycle(t *testing.T) {
	driver := &mockDriver{positions: [][]*domain.TerminalPosition{
		{openPosition(1)},
		{},
	}}
	// First lookup misses, the retry on the following cycle succeeds.
	fetch := &mockFetcher{data: map[int64][]*fetcher.TradeData{1: {nil, completeTradeData()}}}
	m := newTestManager(t, driver, fetch)

	var callbacks int
	req := pollRequest(func(ctx context.Context, trade *domain.TradeRecord) error {
		callbacks++
		return nil
	})

	m.processRequest(context.Background(), req)
	m.processRequest(context.Background(), req)

	assert.Zero(t, callbacks, "missed fetch must not emit")
	require.Contains(t, m.snapshots["u1"], int64(1), "missed ticket must be carried over")

	views, ok := m.freshCache("u1")
	require.True(t, ok)
	assert.Empty(t, views, "carried-over ticket must not appear as an open position")

	m.processRequest(context.Background(), req)
	assert.Equal(t, 1, callbacks, "exactly one callback once history surfaces")
	assert.NotContains(t, m.snapshots["u1"], int64(1))
}

func TestLoginFailureLeavesCacheUntouched(t *testing.T) {
	driver := &mockDriver{loginErr: ports.ErrAuthFailed}
	m := newTestManager(t, driver, &mockFetcher{})

	m.processRequest(context.Background(), pollRequest(nil))

	_, ok := m.freshCache("u1")
	assert.False(t, ok)
	assert.Empty(t, m.snapshots)
	assert.Zero(t, driver.posCalls)
}

func TestCallbackErrorStillCountsAsDelivered(t *testing.T) {
	driver := &mockDriver{positions: [][]*domain.TerminalPosition{
		{openPosition(1)},
		{},
	}}
	fetch := &mockFetcher{data: map[int64][]*fetcher.TradeData{1: {completeTradeData()}}}
	m := newTestManager(t, driver, fetch)

	req := pollRequest(func(ctx context.Context, trade *domain.TradeRecord) error {
		return errors.New("consumer exploded")
	})

	m.processRequest(context.Background(), req)
	m.processRequest(context.Background(), req)

	assert.NotContains(t, m.snapshots["u1"], int64(1), "callback delivery is best-effort")
}

func TestUnchangedPositionsRefreshCacheWithoutCallbacks(t *testing.T) {
	driver := &mockDriver{positions: [][]*domain.TerminalPosition{{openPosition(1)}}}
	m := newTestManager(t, driver, &mockFetcher{})

	var callbacks int
	req := pollRequest(func(ctx context.Context, trade *domain.TradeRecord) error {
		callbacks++
		return nil
	})

	m.processRequest(context.Background(), req)
	m.mu.RLock()
	firstStamp := m.cache["u1"].timestamp
	m.mu.RUnlock()

	time.Sleep(2 * time.Millisecond)
	m.processRequest(context.Background(), req)
	m.mu.RLock()
	secondStamp := m.cache["u1"].timestamp
	m.mu.RUnlock()

	assert.Zero(t, callbacks)
	assert.True(t, secondStamp.After(firstStamp), "cache writes must be monotonic in timestamp")
}

func TestGetPositionsThroughWorker(t *testing.T) {
	driver := &mockDriver{positions: [][]*domain.TerminalPosition{{openPosition(1)}}}
	m := newTestManager(t, driver, &mockFetcher{}, func(cfg *Config) {
		cfg.CallerTimeout = 2 * time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	views, err := m.GetPositions(ctx, pollRequest(nil))
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, int64(1), views[0].Ticket)

	cancel()
	<-done
}

func TestGetPositionsTimesOutToEmptyList(t *testing.T) {
	driver := &mockDriver{}
	// No worker is running, so the enqueued request is never processed.
	m := newTestManager(t, driver, &mockFetcher{}, func(cfg *Config) {
		cfg.CallerTimeout = 50 * time.Millisecond
		cfg.CallerPollInterval = 5 * time.Millisecond
	})

	views, err := m.GetPositions(context.Background(), pollRequest(nil))
	require.NoError(t, err)
	require.NotNil(t, views)
	assert.Empty(t, views)
}

func TestQueueOverflowDropsExcessRequests(t *testing.T) {
	driver := &mockDriver{}
	m := newTestManager(t, driver, &mockFetcher{}, func(cfg *Config) {
		cfg.QueueCapacity = 2
		cfg.CallerTimeout = 30 * time.Millisecond
		cfg.CallerPollInterval = 5 * time.Millisecond
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			req := pollRequest(nil)
			req.UserID = string(rune('a' + n))
			views, err := m.GetPositions(context.Background(), req)
			assert.NoError(t, err)
			assert.Empty(t, views)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, m.QueueSize(), "overflow must not grow the queue past capacity")
}
