package mt5gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"mt5bridge/internal/domain"
	"mt5bridge/internal/ports"
)

// Client implements the ports.TerminalDriver interface against the local MT5
// bridge process over its JSON API. Every call is blocking; the bridge holds
// a single terminal session, so callers must serialize access.
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    string
	logger     ports.Logger
}

// Config holds configuration specific to the gateway client adapter.
type Config struct {
	BaseURL        string
	Logger         ports.Logger
	RequestTimeout time.Duration // Per-request timeout (e.g., 30 * time.Second)
	RetryMax       int           // Max transport-level retries before giving up
}

// New creates a new gateway client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for gateway client")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: gateway base URL is required", ports.ErrConfigurationError)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryMax := cfg.RetryMax
	if retryMax < 0 {
		retryMax = 0
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil // routed through ports.Logger instead

	return &Client{
		httpClient: rc,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		logger:     cfg.Logger,
	}, nil
}

// bridgeError is the bridge's structured error envelope, carrying the
// terminal's last-error code and message.
type bridgeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type timeRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type positionDTO struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         int     `json:"type"`
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	StopLoss     float64 `json:"sl"`
	TakeProfit   float64 `json:"tp"`
	Profit       float64 `json:"profit"`
	Swap         float64 `json:"swap"`
	Time         int64   `json:"time"`
	Comment      string  `json:"comment"`
}

type dealDTO struct {
	Ticket     int64   `json:"ticket"`
	Order      int64   `json:"order"`
	PositionID int64   `json:"position_id"`
	Symbol     string  `json:"symbol"`
	Type       int     `json:"type"`
	Entry      int     `json:"entry"`
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price"`
	Time       int64   `json:"time"`
	Profit     float64 `json:"profit"`
	Commission float64 `json:"commission"`
	Swap       float64 `json:"swap"`
	Comment    string  `json:"comment"`
}

type orderDTO struct {
	Ticket       int64   `json:"ticket"`
	PositionID   int64   `json:"position_id"`
	StopLoss     float64 `json:"sl"`
	TakeProfit   float64 `json:"tp"`
	PriceCurrent float64 `json:"price_current"`
	TimeDone     int64   `json:"time_done"`
}

// Initialize starts the terminal session on the bridge. Idempotent.
func (c *Client) Initialize(ctx context.Context) error {
	if err := c.post(ctx, "/initialize", nil, nil); err != nil {
		return c.wrapError(ctx, err, "Initialize", ports.ErrTerminalInit)
	}
	return nil
}

// Login authorizes the session for the given account.
func (c *Client) Login(ctx context.Context, creds domain.Credentials) error {
	if err := c.post(ctx, "/login", creds, nil); err != nil {
		return c.wrapError(ctx, err, "Login", ports.ErrAuthFailed)
	}
	return nil
}

// Shutdown tears down the current session.
func (c *Client) Shutdown(ctx context.Context) error {
	if err := c.post(ctx, "/shutdown", nil, nil); err != nil {
		return c.wrapError(ctx, err, "Shutdown", ports.ErrUnknown)
	}
	return nil
}

// PositionsGet returns the currently open positions.
func (c *Client) PositionsGet(ctx context.Context) ([]*domain.TerminalPosition, error) {
	var out struct {
		Positions []positionDTO `json:"positions"`
	}
	if err := c.post(ctx, "/positions", nil, &out); err != nil {
		return nil, c.wrapError(ctx, err, "PositionsGet", ports.ErrDriverTransient)
	}
	positions := make([]*domain.TerminalPosition, 0, len(out.Positions))
	for _, p := range out.Positions {
		positions = append(positions, &domain.TerminalPosition{
			Ticket:       p.Ticket,
			Symbol:       p.Symbol,
			Type:         domain.PositionType(p.Type),
			Volume:       p.Volume,
			PriceOpen:    p.PriceOpen,
			PriceCurrent: p.PriceCurrent,
			StopLoss:     p.StopLoss,
			TakeProfit:   p.TakeProfit,
			Profit:       p.Profit,
			Swap:         p.Swap,
			Time:         time.Unix(p.Time, 0).UTC(),
			Comment:      p.Comment,
		})
	}
	return positions, nil
}

// HistoryDealsGet returns the deals executed within [from, to].
func (c *Client) HistoryDealsGet(ctx context.Context, from, to time.Time) ([]*domain.Deal, error) {
	var out struct {
		Deals []dealDTO `json:"deals"`
	}
	if err := c.post(ctx, "/history/deals", timeRange{From: from.Unix(), To: to.Unix()}, &out); err != nil {
		return nil, c.wrapError(ctx, err, "HistoryDealsGet", ports.ErrDriverTransient)
	}
	deals := make([]*domain.Deal, 0, len(out.Deals))
	for _, d := range out.Deals {
		deals = append(deals, &domain.Deal{
			Ticket:     d.Ticket,
			Order:      d.Order,
			PositionID: d.PositionID,
			Symbol:     d.Symbol,
			Type:       domain.DealType(d.Type),
			Entry:      domain.DealEntry(d.Entry),
			Volume:     d.Volume,
			Price:      d.Price,
			Time:       time.Unix(d.Time, 0).UTC(),
			Profit:     d.Profit,
			Commission: d.Commission,
			Swap:       d.Swap,
			Comment:    d.Comment,
		})
	}
	return deals, nil
}

// HistoryOrdersGet returns the orders completed within [from, to].
func (c *Client) HistoryOrdersGet(ctx context.Context, from, to time.Time) ([]*domain.Order, error) {
	var out struct {
		Orders []orderDTO `json:"orders"`
	}
	if err := c.post(ctx, "/history/orders", timeRange{From: from.Unix(), To: to.Unix()}, &out); err != nil {
		return nil, c.wrapError(ctx, err, "HistoryOrdersGet", ports.ErrDriverTransient)
	}
	orders := make([]*domain.Order, 0, len(out.Orders))
	for _, o := range out.Orders {
		orders = append(orders, &domain.Order{
			Ticket:       o.Ticket,
			PositionID:   o.PositionID,
			StopLoss:     o.StopLoss,
			TakeProfit:   o.TakeProfit,
			PriceCurrent: o.PriceCurrent,
			TimeDone:     time.Unix(o.TimeDone, 0).UTC(),
		})
	}
	return orders, nil
}

// AccountInfo returns the account summary for the logged-in session.
func (c *Client) AccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	var out struct {
		Account *domain.AccountInfo `json:"account"`
	}
	if err := c.post(ctx, "/account", nil, &out); err != nil {
		return nil, c.wrapError(ctx, err, "AccountInfo", ports.ErrAccountInfo)
	}
	if out.Account == nil {
		return nil, fmt.Errorf("AccountInfo failed: %w: empty account payload", ports.ErrAccountInfo)
	}
	return out.Account, nil
}

// post issues a blocking JSON request to the bridge and decodes the response
// into out (when non-nil). Non-2xx responses carrying the bridge's error
// envelope are returned as *ports.DriverError.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope bridgeError
		raw, _ := io.ReadAll(resp.Body)
		if jsonErr := json.Unmarshal(raw, &envelope); jsonErr == nil && envelope.Message != "" {
			return &ports.DriverError{Code: envelope.Code, Message: envelope.Message}
		}
		return fmt.Errorf("bridge returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// wrapError translates bridge and transport errors into standardized ports
// errors, keeping the terminal's last-error code available for inspection.
func (c *Client) wrapError(ctx context.Context, err error, operation string, fallback error) error {
	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var drvErr *ports.DriverError
	if errors.As(err, &drvErr) {
		fields["terminalErrorCode"] = drvErr.Code
		fields["terminalErrorMessage"] = drvErr.Message

		// Terminal last-error codes, as reported by the bridge.
		var mappedErr error
		switch drvErr.Code {
		case -2: // invalid parameters
			mappedErr = ports.ErrInvalidRequest
		case -4: // not found
			mappedErr = ports.ErrNotFound
		case -6: // authorization failed
			mappedErr = ports.ErrAuthFailed
		case -10003: // IPC initialization failed
			mappedErr = ports.ErrTerminalInit
		case -10004: // no connection to the terminal
			mappedErr = ports.ErrConnectionFailed
		case -10005: // IPC timeout
			mappedErr = ports.ErrTimeout
		case -10001, -10002: // IPC send/receive failed
			mappedErr = ports.ErrDriverTransient
		default:
			mappedErr = fallback
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with terminal error", operation), fields)
		return finalErr
	}

	var finalErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		finalErr = fmt.Errorf("%s canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	case strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"),
		strings.Contains(err.Error(), "use of closed network connection"):
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	default:
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, fallback, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}
