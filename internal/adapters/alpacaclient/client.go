package alpacaclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
)

// Compile-time interface check.
var _ ports.BrokerConnector = (*Client)(nil)

const eventBufferSize = 1024

// trackedOrder is the connector's view of an order it placed. filledBase
// counts contracts filled on orders this one replaced.
type trackedOrder struct {
	order      *domain.Order
	alpacaID   string
	occSymbol  string
	side       alpaca.Side
	filledBase int
	filled     int
	status     domain.OrderStatus
}

// Client implements ports.BrokerConnector for single-leg options on Alpaca.
// Order state is learned by polling.
type Client struct {
	trading               *alpaca.Client
	data                  *marketdata.Client
	logger                ports.Logger
	limiter               *rate.Limiter
	pollInterval          time.Duration
	commissionPerContract decimal.Decimal

	mu        sync.Mutex
	connected bool
	orders    map[*domain.Order]*trackedOrder

	events chan ports.BrokerEvent
}

// Config holds the Alpaca adapter settings.
type Config struct {
	APIKey                string
	APISecret             string
	BaseURL               string // trading API, e.g. https://paper-api.alpaca.markets
	DataURL               string // market data API, empty for the library default
	PollInterval          time.Duration
	RequestsPerSecond     float64
	CommissionPerContract float64
	Logger                ports.Logger
}

// New creates an Alpaca connector.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Alpaca client")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("%w: alpaca api key and secret are required", ports.ErrConfigurationError)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 3
	}

	dataOpts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		dataOpts.BaseURL = cfg.DataURL
	}

	trading := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	})

	return &Client{
		trading:               trading,
		data:                  marketdata.NewClient(dataOpts),
		logger:                cfg.Logger,
		limiter:               rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		pollInterval:          cfg.PollInterval,
		commissionPerContract: decimal.NewFromFloat(cfg.CommissionPerContract),
		orders:                make(map[*domain.Order]*trackedOrder),
		events:                make(chan ports.BrokerEvent, eventBufferSize),
	}, nil
}

func (c *Client) Name() string { return "alpaca" }

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

// UsesOCOOrders is false: a standalone limit and stop on the same contract are not linked.
func (c *Client) UsesOCOOrders() bool { return false }

func (c *Client) Events() <-chan ports.BrokerEvent { return c.events }

// handleError maps Alpaca API errors onto ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var mapped error
	var apiErr *alpaca.APIError
	switch {
	case errors.As(err, &apiErr):
		fields["statusCode"] = apiErr.StatusCode
		fields["apiErrorCode"] = apiErr.Code
		mapped = mapAPIError(apiErr.StatusCode, apiErr.Message)
	case errors.Is(err, context.DeadlineExceeded):
		mapped = ports.ErrTimeout
	case errors.Is(err, context.Canceled):
		mapped = ports.ErrContextCanceled
	default:
		mapped = ports.ErrConnectionFailed
	}
	c.logger.Error(ctx, err, operation+" failed", fields)
	return fmt.Errorf("%s failed: %w: %w", operation, mapped, err)
}

func mapAPIError(status int, message string) error {
	switch status {
	case 401:
		return ports.ErrAuthenticationFailed
	case 403:
		if strings.Contains(strings.ToLower(message), "buying power") {
			return ports.ErrInsufficientFunds
		}
		return ports.ErrAuthenticationFailed
	case 404:
		return ports.ErrOrderNotFound
	case 422:
		return ports.ErrInvalidRequest
	case 429:
		return ports.ErrRateLimited
	default:
		return ports.ErrUnknown
	}
}

func (c *Client) wait(ctx context.Context, operation string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w: %v", operation, ports.ErrRateLimited, err)
	}
	return nil
}

// Connect verifies the credentials and starts the order poller.
func (c *Client) Connect(ctx context.Context) error {
	op := "Connect"
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	account, err := c.trading.GetAccount()
	if err != nil {
		return fmt.Errorf("%w: %w", ports.ErrConnectionFailed, c.handleError(ctx, err, op))
	}
	c.setConnected(true)
	c.logger.Info(ctx, "Alpaca connector connected", map[string]interface{}{"accountNumber": account.AccountNumber})

	go c.pollLoop(ctx)
	return nil
}

// IsTradingEnabled reports whether the account may trade.
func (c *Client) IsTradingEnabled(ctx context.Context) bool {
	op := "IsTradingEnabled"
	if err := c.wait(ctx, op); err != nil {
		return false
	}
	account, err := c.trading.GetAccount()
	if err != nil {
		_ = c.handleError(ctx, err, op)
		return false
	}
	return !account.TradingBlocked && !account.AccountBlocked
}

// PrepareOrder accepts single-leg option orders only.
func (c *Client) PrepareOrder(ctx context.Context, order *domain.Order) error {
	if order == nil || len(order.Legs) != 1 {
		return fmt.Errorf("%w: %w: alpaca orders must have exactly one leg", ports.ErrOrderPreparation, ports.ErrUnsupportedOrder)
	}
	leg := order.Legs[0]
	if !leg.IsOption() {
		return fmt.Errorf("%w: %w: only option legs are traded on alpaca", ports.ErrOrderPreparation, ports.ErrUnsupportedOrder)
	}
	if leg.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ports.ErrOrderPreparation, leg.Quantity)
	}
	if _, err := OCCSymbol(order.Symbol, leg); err != nil {
		return fmt.Errorf("%w: %w", ports.ErrOrderPreparation, err)
	}
	return nil
}

// PlaceOrder submits a day limit order, or a stop order for STP.
func (c *Client) PlaceOrder(ctx context.Context, order *domain.Order, tmpl ports.Template) (string, error) {
	op := "PlaceOrder"
	if !c.IsConnected() {
		return "", fmt.Errorf("%w: %w", ports.ErrOrderPlacementFailed, ports.ErrNotConnected)
	}
	if err := c.PrepareOrder(ctx, order); err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrOrderPlacementFailed, err)
	}
	leg := order.Legs[0]
	symbol, _ := OCCSymbol(order.Symbol, leg)
	qty := decimal.NewFromInt(int64(leg.Quantity))
	price := limitPrice(order.Price)

	req := alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qty,
		Side:          alpaca.Side(strings.ToLower(string(leg.Action))),
		TimeInForce:   alpaca.Day,
		ClientOrderID: uuid.NewString(),
	}
	if order.Type == domain.OrderTypeStop {
		req.Type = alpaca.Stop
		req.StopPrice = &price
	} else {
		req.Type = alpaca.Limit
		req.LimitPrice = &price
	}

	if err := c.wait(ctx, op); err != nil {
		return "", err
	}
	placed, err := c.trading.PlaceOrder(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrOrderPlacementFailed, c.handleError(ctx, err, op))
	}

	c.mu.Lock()
	c.orders[order] = &trackedOrder{
		order:     order,
		alpacaID:  placed.ID,
		occSymbol: symbol,
		side:      req.Side,
		status:    domain.OrderNew,
	}
	c.mu.Unlock()

	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"ref":      order.Ref,
		"symbol":   symbol,
		"side":     req.Side,
		"price":    price.String(),
		"alpacaID": placed.ID,
	})
	return placed.ID, nil
}

func (c *Client) tracked(order *domain.Order) (trackedOrder, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.orders[order]
	if !ok {
		return trackedOrder{}, false
	}
	return *t, true
}

// CancelOrder requests cancellation; the poller reports the result.
func (c *Client) CancelOrder(ctx context.Context, order *domain.Order) error {
	op := "CancelOrder"
	t, ok := c.tracked(order)
	if !ok {
		return fmt.Errorf("%w: %w: %s", ports.ErrOrderCancelFailed, ports.ErrOrderNotFound, order.Ref)
	}
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	if err := c.trading.CancelOrder(t.alpacaID); err != nil {
		return fmt.Errorf("%w: %w", ports.ErrOrderCancelFailed, c.handleError(ctx, err, op))
	}
	return nil
}

// AdjustOrder replaces the order's limit price. Alpaca assigns the replacement a new id.
func (c *Client) AdjustOrder(ctx context.Context, order *domain.Order, newPrice float64) error {
	op := "AdjustOrder"
	t, ok := c.tracked(order)
	if !ok {
		return fmt.Errorf("%w: %w: %s", ports.ErrOrderAdjustFailed, ports.ErrOrderNotFound, order.Ref)
	}
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	price := limitPrice(newPrice)
	req := alpaca.ReplaceOrderRequest{}
	if order.Type == domain.OrderTypeStop {
		req.StopPrice = &price
	} else {
		req.LimitPrice = &price
	}
	replaced, err := c.trading.ReplaceOrder(t.alpacaID, req)
	if err != nil {
		return fmt.Errorf("%w: %w", ports.ErrOrderAdjustFailed, c.handleError(ctx, err, op))
	}

	c.mu.Lock()
	if live, ok := c.orders[order]; ok {
		live.alpacaID = replaced.ID
		live.filledBase = live.filled
	}
	c.mu.Unlock()
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"ref": order.Ref, "price": price.String(), "alpacaID": replaced.ID})
	return nil
}

// GetFillPrice returns the average fill price, positive for buys and negative for sells.
func (c *Client) GetFillPrice(ctx context.Context, order *domain.Order) (float64, error) {
	op := "GetFillPrice"
	t, ok := c.tracked(order)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ports.ErrOrderNotFound, order.Ref)
	}
	if err := c.wait(ctx, op); err != nil {
		return 0, err
	}
	o, err := c.trading.GetOrder(t.alpacaID)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if o.FilledAvgPrice == nil {
		return 0, fmt.Errorf("%s: order %s has no fills", op, order.Ref)
	}
	return signedPrice(t.side, *o.FilledAvgPrice), nil
}

// GetLastPrice returns the latest trade price of the underlying.
func (c *Client) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetLastPrice"
	if err := c.wait(ctx, op); err != nil {
		return 0, err
	}
	trade, err := c.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if trade == nil {
		return 0, fmt.Errorf("%s: no trade data for %s", op, symbol)
	}
	return trade.Price, nil
}

// EODSettlementTasks cancels working orders this connector placed. Alpaca
// settles expired options on its own.
func (c *Client) EODSettlementTasks(ctx context.Context) error {
	c.mu.Lock()
	var working []*domain.Order
	for order, t := range c.orders {
		if t.status == domain.OrderNew || t.status == domain.OrderOpen {
			working = append(working, order)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, order := range working {
		if err := c.CancelOrder(ctx, order); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	defer c.setConnected(false)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

// poll refreshes every non-terminal order and publishes what changed.
func (c *Client) poll(ctx context.Context) {
	op := "PollOrders"
	c.mu.Lock()
	pending := make([]trackedOrder, 0, len(c.orders))
	for _, t := range c.orders {
		if t.status != domain.OrderFilled && t.status != domain.OrderCancelled {
			pending = append(pending, *t)
		}
	}
	c.mu.Unlock()

	for _, snapshot := range pending {
		if err := c.wait(ctx, op); err != nil {
			return
		}
		o, err := c.trading.GetOrder(snapshot.alpacaID)
		if err != nil {
			_ = c.handleError(ctx, err, op)
			continue
		}

		c.mu.Lock()
		live, ok := c.orders[snapshot.order]
		if !ok || live.alpacaID != o.ID {
			// Replaced while the request was in flight.
			c.mu.Unlock()
			continue
		}
		events := c.diffOrder(live, o, time.Now().UTC())
		c.mu.Unlock()

		c.publish(ctx, events...)
	}
}

// diffOrder compares the broker's copy of an order with the tracked state,
// updates the tracked state and returns the events to publish.
func (c *Client) diffOrder(t *trackedOrder, o *alpaca.Order, now time.Time) []ports.BrokerEvent {
	var events []ports.BrokerEvent

	filled := t.filledBase + int(o.FilledQty.IntPart())
	if delta := filled - t.filled; delta > 0 && o.FilledAvgPrice != nil {
		execID := fmt.Sprintf("%s.%d", o.ID, filled)
		leg := t.order.Legs[0]
		ts := now
		if o.FilledAt != nil {
			ts = o.FilledAt.UTC()
		}
		events = append(events,
			ports.BrokerEvent{Kind: ports.EventExecution, Order: t.order, Execution: &domain.Execution{
				ExecID:     execID,
				Action:     leg.Action,
				SecType:    domain.SecTypeOption,
				Amount:     delta,
				Price:      o.FilledAvgPrice.InexactFloat64(),
				Expiration: leg.Expiration,
				Strike:     leg.Strike,
				Timestamp:  ts,
			}},
			ports.BrokerEvent{
				Kind:        ports.EventCommissionReport,
				Order:       t.order,
				ExecutionID: execID,
				Commission:  c.commissionPerContract.Mul(decimal.NewFromInt(int64(delta))).InexactFloat64(),
			},
		)
		t.filled = filled
	}

	if status, ok := translateStatus(o.Status); ok && status != t.status {
		t.status = status
		events = append(events, ports.BrokerEvent{Kind: ports.EventOrderStatus, Order: t.order, Status: status, Filled: t.filled})
	}
	return events
}

func (c *Client) publish(ctx context.Context, events ...ports.BrokerEvent) {
	for _, ev := range events {
		select {
		case c.events <- ev:
		default:
			c.logger.Warn(ctx, "Alpaca event buffer full, event dropped", map[string]interface{}{"kind": ev.Kind.String()})
		}
	}
}
