package ports

import (
	"context"
	"fmt"
	"time"

	"mt5bridge/internal/domain"
)

// DriverError carries the terminal's structured last-error information.
type DriverError struct {
	Code    int
	Message string
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("terminal error %d: %s", e.Code, e.Message)
}

// TerminalDriver defines the blocking, non-reentrant surface of the native
// broker terminal. Exactly one session may be active at a time; callers are
// responsible for serializing access.
//
// History queries are eventually consistent: a deal or order closed seconds
// ago may be absent until the terminal refreshes its internal cache.
type TerminalDriver interface {
	// Initialize starts the terminal session. It is idempotent.
	Initialize(ctx context.Context) error

	// Login authorizes the already-initialized session for the given account.
	// On failure the caller must abort the request without touching history.
	Login(ctx context.Context, creds domain.Credentials) error

	// Shutdown tears down the current session.
	Shutdown(ctx context.Context) error

	// PositionsGet returns the currently open positions as an unordered snapshot.
	PositionsGet(ctx context.Context) ([]*domain.TerminalPosition, error)

	// HistoryDealsGet returns the deals executed within [from, to].
	HistoryDealsGet(ctx context.Context, from, to time.Time) ([]*domain.Deal, error)

	// HistoryOrdersGet returns the orders completed within [from, to].
	HistoryOrdersGet(ctx context.Context, from, to time.Time) ([]*domain.Order, error)

	// AccountInfo returns the account summary for the logged-in session.
	AccountInfo(ctx context.Context) (*domain.AccountInfo, error)
}
