package fetcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mt5bridge/internal/domain"
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
	dealsFn  func(from, to time.Time) ([]*domain.Deal, error)
	ordersFn func(from, to time.Time) ([]*domain.Order, error)

	dealsCalls  int
	ordersCalls int
	warmupCalls int
}

func (m *mockDriver) Initialize(ctx context.Context) error                      { return nil }
func (m *mockDriver) Login(ctx context.Context, creds domain.Credentials) error { return nil }
func (m *mockDriver) Shutdown(ctx context.Context) error                        { return nil }
func (m *mockDriver) PositionsGet(ctx context.Context) ([]*domain.TerminalPosition, error) {
	return nil, nil
}
func (m *mockDriver) AccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	return nil, nil
}

func (m *mockDriver) HistoryDealsGet(ctx context.Context, from, to time.Time) ([]*domain.Deal, error) {
	m.dealsCalls++
	// The warmup query spans months; real lookups span minutes to days.
	if to.Sub(from) > 30*24*time.Hour {
		m.warmupCalls++
		return nil, nil
	}
	if m.dealsFn == nil {
		return nil, nil
	}
	return m.dealsFn(from, to)
}

func (m *mockDriver) HistoryOrdersGet(ctx context.Context, from, to time.Time) ([]*domain.Order, error) {
	m.ordersCalls++
	if m.ordersFn == nil {
		return nil, nil
	}
	return m.ordersFn(from, to)
}

var _ ports.TerminalDriver = (*mockDriver)(nil)

var baseTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestFetcher(t *testing.T, driver *mockDriver) (*Fetcher, *[]time.Duration) {
	t.Helper()
	sleeps := &[]time.Duration{}
	f, err := New(Config{
		Driver: driver,
		Logger: &mockLogger{},
		Now:    func() time.Time { return baseTime },
		Sleep:  func(d time.Duration) { *sleeps = append(*sleeps, d) },
	})
	require.NoError(t, err)
	return f, sleeps
}

func entryDeal(ticket int64) *domain.Deal {
	return &domain.Deal{
		Ticket:     100,
		Order:      200,
		PositionID: ticket,
		Symbol:     "EURUSD",
		Type:       domain.DealTypeBuy,
		Entry:      domain.DealEntryIn,
		Volume:     0.1,
		Price:      1.1000,
		Time:       baseTime.Add(-20 * time.Minute),
		Commission: -0.5,
	}
}

func exitDeal(ticket int64) *domain.Deal {
	return &domain.Deal{
		Ticket:     101,
		Order:      201,
		PositionID: ticket,
		Symbol:     "EURUSD",
		Type:       domain.DealTypeSell,
		Entry:      domain.DealEntryOut,
		Volume:     0.1,
		Price:      1.1020,
		Time:       baseTime.Add(-1 * time.Minute),
		Profit:     20.0,
		Commission: -0.5,
		Swap:       -0.1,
	}
}

func TestClosedPositionDataFromDeals(t *testing.T) {
	driver := &mockDriver{
		dealsFn: func(from, to time.Time) ([]*domain.Deal, error) {
			return []*domain.Deal{entryDeal(1), exitDeal(1), exitDeal(99)}, nil
		},
		ordersFn: func(from, to time.Time) ([]*domain.Order, error) {
			return []*domain.Order{{Ticket: 201, PositionID: 1, StopLoss: 1.0980, TakeProfit: 1.1050}}, nil
		},
	}
	f, _ := newTestFetcher(t, driver)

	data, err := f.ClosedPositionData(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, data)

	assert.Equal(t, domain.SourceHistoryDeals, data.Source)
	assert.Equal(t, domain.AccuracyDeals, data.Accuracy)
	assert.Equal(t, "EURUSD", data.Symbol)
	assert.Equal(t, domain.SideBuy, data.Side)
	require.NotNil(t, data.Volume)
	assert.Equal(t, 0.1, *data.Volume)
	require.NotNil(t, data.EntryPrice)
	assert.Equal(t, 1.1000, *data.EntryPrice)
	assert.Equal(t, 1.1020, data.ExitPrice)
	assert.Equal(t, 20.0, data.Profit)
	// Entry and exit leg commissions are summed.
	assert.InDelta(t, -1.0, data.Commission, 1e-9)
	assert.Equal(t, -0.1, data.Swap)
	require.NotNil(t, data.StopLoss)
	assert.Equal(t, 1.0980, *data.StopLoss)
	require.NotNil(t, data.TakeProfit)
	assert.Equal(t, 1.1050, *data.TakeProfit)
	assert.Equal(t, 1, driver.warmupCalls)
}

func TestEntryDealBackfill(t *testing.T) {
	recentFrom := baseTime.Add(-30 * time.Minute)
	driver := &mockDriver{
		dealsFn: func(from, to time.Time) ([]*domain.Deal, error) {
			if from.Equal(recentFrom) && to.Equal(baseTime) {
				return []*domain.Deal{exitDeal(1)}, nil
			}
			// Older history query for the missing entry deal.
			if to.Equal(recentFrom) {
				old := entryDeal(1)
				old.Time = baseTime.Add(-48 * time.Hour)
				return []*domain.Deal{old}, nil
			}
			return nil, nil
		},
	}
	f, _ := newTestFetcher(t, driver)

	data, err := f.ClosedPositionData(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, data)

	require.NotNil(t, data.EntryPrice)
	assert.Equal(t, 1.1000, *data.EntryPrice)
	require.NotNil(t, data.EntryTime)
	assert.Equal(t, baseTime.Add(-48*time.Hour), *data.EntryTime)
	assert.Equal(t, domain.SideBuy, data.Side)
}

func TestOrdersFallback(t *testing.T) {
	driver := &mockDriver{
		dealsFn: func(from, to time.Time) ([]*domain.Deal, error) {
			// Only the entry leg has surfaced: the deals source cannot prove
			// closure, so the orders fallback takes over.
			return []*domain.Deal{entryDeal(1)}, nil
		},
		ordersFn: func(from, to time.Time) ([]*domain.Order, error) {
			return []*domain.Order{{
				Ticket:       201,
				PositionID:   1,
				StopLoss:     1.0980,
				TakeProfit:   0,
				PriceCurrent: 1.1015,
				TimeDone:     baseTime.Add(-30 * time.Second),
			}}, nil
		},
	}
	f, _ := newTestFetcher(t, driver)

	data, err := f.ClosedPositionData(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, data)

	assert.Equal(t, domain.SourceHistoryOrders, data.Source)
	assert.Equal(t, domain.AccuracyOrders, data.Accuracy)
	assert.Equal(t, 1.1015, data.ExitPrice)
	assert.Equal(t, baseTime.Add(-30*time.Second), data.ExitTime)
	// Financials still come from the deals that did surface.
	assert.InDelta(t, -0.5, data.Commission, 1e-9)
	require.NotNil(t, data.StopLoss)
	assert.Equal(t, 1.0980, *data.StopLoss)
	assert.Nil(t, data.TakeProfit, "zero take profit must normalize to unset")
	assert.Nil(t, data.EntryPrice)
	assert.Empty(t, data.Side)
}

func TestRetryThenSuccess(t *testing.T) {
	recentCalls := 0
	driver := &mockDriver{}
	driver.dealsFn = func(from, to time.Time) ([]*domain.Deal, error) {
		if from.Equal(baseTime.Add(-30*time.Minute)) && to.Equal(baseTime) {
			recentCalls++
			if recentCalls == 1 {
				// First attempt: nothing has surfaced yet.
				return nil, nil
			}
			return []*domain.Deal{entryDeal(1), exitDeal(1)}, nil
		}
		return nil, nil
	}
	f, sleeps := newTestFetcher(t, driver)

	data, err := f.ClosedPositionData(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, domain.SourceHistoryDeals, data.Source)
	assert.Contains(t, *sleeps, 3*time.Second, "first backoff must be 3s")
	assert.NotContains(t, *sleeps, 6*time.Second, "second attempt must succeed without further backoff")
}

func TestExhaustedRetriesReturnsNil(t *testing.T) {
	driver := &mockDriver{}
	f, sleeps := newTestFetcher(t, driver)

	data, err := f.ClosedPositionData(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, data)

	// Progressive backoff between the three attempts: 3s then 6s.
	assert.Contains(t, *sleeps, 3*time.Second)
	assert.Contains(t, *sleeps, 6*time.Second)
	// Cache warmed only once: the remaining attempts fall inside the
	// warmup interval under the frozen test clock.
	assert.Equal(t, 1, driver.warmupCalls)
}

func TestCanceledContext(t *testing.T) {
	driver := &mockDriver{}
	f, _ := newTestFetcher(t, driver)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	data, err := f.ClosedPositionData(ctx, 1)
	assert.Nil(t, data)
	assert.ErrorIs(t, err, ports.ErrContextCanceled)
	assert.Zero(t, driver.dealsCalls)
}
