package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	eventBufferSize = 1024
)

// trackedOrder is the connector's view of an order it placed.
type trackedOrder struct {
	order    *domain.Order
	symbol   string
	side     futures.SideType
	orderID  int64
	clientID string
	filled   int // Whole contracts reported as executions

	// Fill fragments not yet reported as a whole contract.
	pendingQty        decimal.Decimal
	pendingNotional   decimal.Decimal
	pendingCommission decimal.Decimal
}

// Client implements ports.BrokerConnector for single-leg Binance USD-M futures orders.
type Client struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	limiter              *rate.Limiter
	reconnectDelay       time.Duration
	maxReconnectAttempts int

	mu        sync.Mutex
	connected bool
	orders    map[*domain.Order]*trackedOrder
	byClient  map[string]*trackedOrder
	symbols   map[string]bool

	events chan ports.BrokerEvent
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	RequestsPerSecond    float64       // REST rate limit, defaults to 10
	ReconnectDelay       time.Duration // Reconnect delay (e.g., 1 * time.Second)
	MaxReconnectAttempts int           // Max attempts before giving up
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	// Default reconnect settings if not provided
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}

	return &Client{
		futuresClient:        client,
		logger:               cfg.Logger,
		limiter:              rate.NewLimiter(rate.Limit(rps), int(math.Max(1, rps))),
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
		orders:               make(map[*domain.Order]*trackedOrder),
		byClient:             make(map[string]*trackedOrder),
		symbols:              make(map[string]bool),
		events:               make(chan ports.BrokerEvent, eventBufferSize),
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mapAPIError(apiErr.Code), err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// mapAPIError maps Binance error codes to ports errors.
func mapAPIError(code int64) error {
	switch code {
	case -1003: // Too many requests
		return ports.ErrRateLimited
	case -1021: // Timestamp for this request is outside of the recvWindow
		return ports.ErrTimeout
	case -1022, -2014, -2015: // Invalid signature, API-key format or permissions
		return ports.ErrAuthenticationFailed
	case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
		return ports.ErrInvalidRequest
	case -2010, -2022: // New order rejected, ReduceOnly rejected
		return ports.ErrOrderPlacementFailed
	case -2011: // Cancel order rejected
		return ports.ErrOrderCancelFailed
	case -2013: // Order does not exist
		return ports.ErrOrderNotFound
	case -2019, -3005, -3041, -4047: // Margin, balance or position limits
		return ports.ErrInsufficientFunds
	case -4003, -4014, -4015: // Quantity, price or leverage out of range
		return ports.ErrInvalidRequest
	default:
		return ports.ErrUnknown
	}
}

// wait applies the REST rate limit.
func (c *Client) wait(ctx context.Context, operation string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w: %v", operation, ports.ErrRateLimited, err)
	}
	return nil
}

func (c *Client) Name() string { return "binance" }

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

// UsesOCOOrders is false: Binance futures has no one-cancels-all between a limit and a stop order.
func (c *Client) UsesOCOOrders() bool { return false }

func (c *Client) Events() <-chan ports.BrokerEvent { return c.events }

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	err := c.futuresClient.NewPingService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	if _, err := c.futuresClient.NewSetServerTimeService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// IsTradingEnabled reports whether the account may trade.
func (c *Client) IsTradingEnabled(ctx context.Context) bool {
	op := "IsTradingEnabled"
	if err := c.wait(ctx, op); err != nil {
		return false
	}
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		_ = c.handleError(ctx, err, op)
		return false
	}
	return account.CanTrade
}

// PrepareOrder accepts single-leg non-option orders only.
func (c *Client) PrepareOrder(ctx context.Context, order *domain.Order) error {
	if order == nil || len(order.Legs) != 1 {
		return fmt.Errorf("%w: %w: binance orders must have exactly one leg", ports.ErrOrderPreparation, ports.ErrUnsupportedOrder)
	}
	leg := order.Legs[0]
	if leg.IsOption() {
		return fmt.Errorf("%w: %w: options are not traded on binance futures", ports.ErrOrderPreparation, ports.ErrUnsupportedOrder)
	}
	if leg.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ports.ErrOrderPreparation, leg.Quantity)
	}
	if order.Symbol == "" {
		return fmt.Errorf("%w: order has no symbol", ports.ErrOrderPreparation)
	}
	return nil
}

// PlaceOrder submits a GTC limit order, or a close-position stop-market order for STP.
func (c *Client) PlaceOrder(ctx context.Context, order *domain.Order, tmpl ports.Template) (string, error) {
	op := "PlaceOrder"
	if err := c.PrepareOrder(ctx, order); err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrOrderPlacementFailed, err)
	}
	t := &trackedOrder{
		order:  order,
		symbol: order.Symbol,
		side:   futures.SideType(order.Legs[0].Action),
	}
	if err := c.submit(ctx, op, t, order.Type, order.Price); err != nil {
		return "", err
	}
	return strconv.FormatInt(t.orderID, 10), nil
}

// submit sends a new order for t and registers it under a fresh client order id.
func (c *Client) submit(ctx context.Context, op string, t *trackedOrder, typ domain.OrderType, price float64) error {
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	clientID := uuid.NewString()
	leg := t.order.Legs[0]

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(t.symbol).
		Side(t.side).
		NewClientOrderID(clientID)
	switch typ {
	case domain.OrderTypeStop:
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(formatPrice(price)).
			ClosePosition(true)
	default:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Quantity(strconv.Itoa(leg.Quantity)).
			Price(formatPrice(price))
	}

	// Register before sending so stream updates arriving first are not lost.
	c.mu.Lock()
	t.clientID = clientID
	c.orders[t.order] = t
	c.byClient[clientID] = t
	c.symbols[t.symbol] = true
	c.mu.Unlock()

	res, err := svc.Do(ctx)
	if err != nil {
		c.mu.Lock()
		delete(c.byClient, clientID)
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ports.ErrOrderPlacementFailed, c.handleError(ctx, err, op))
	}

	c.mu.Lock()
	t.orderID = res.OrderID
	c.mu.Unlock()
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":   t.symbol,
		"side":     t.side,
		"type":     typ,
		"price":    price,
		"orderID":  res.OrderID,
		"clientID": clientID,
	})
	return nil
}

func (c *Client) tracked(order *domain.Order) (*trackedOrder, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.orders[order]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// CancelOrder cancels an open order on Binance.
func (c *Client) CancelOrder(ctx context.Context, order *domain.Order) error {
	op := "CancelOrder"
	t, ok := c.tracked(order)
	if !ok {
		return fmt.Errorf("%w: %w: %s", ports.ErrOrderCancelFailed, ports.ErrOrderNotFound, order.Ref)
	}
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": t.symbol, "orderID": t.orderID})

	if _, err := c.futuresClient.NewCancelOrderService().
		Symbol(t.symbol).
		OrigClientOrderID(t.clientID).
		Do(ctx); err != nil {
		return fmt.Errorf("%w: %w", ports.ErrOrderCancelFailed, c.handleError(ctx, err, op))
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": t.symbol, "orderID": t.orderID})
	return nil
}

// AdjustOrder replaces a working limit order at newPrice. The replaced order's
// own cancellation is not reported.
func (c *Client) AdjustOrder(ctx context.Context, order *domain.Order, newPrice float64) error {
	op := "AdjustOrder"
	t, ok := c.tracked(order)
	if !ok {
		return fmt.Errorf("%w: %w: %s", ports.ErrOrderAdjustFailed, ports.ErrOrderNotFound, order.Ref)
	}

	c.mu.Lock()
	delete(c.byClient, t.clientID)
	c.mu.Unlock()

	if err := c.wait(ctx, op); err != nil {
		c.restoreClient(t)
		return err
	}
	if _, err := c.futuresClient.NewCancelOrderService().
		Symbol(t.symbol).
		OrigClientOrderID(t.clientID).
		Do(ctx); err != nil {
		c.restoreClient(t)
		return fmt.Errorf("%w: %w", ports.ErrOrderAdjustFailed, c.handleError(ctx, err, op))
	}

	c.mu.Lock()
	live := c.orders[order]
	c.mu.Unlock()
	if err := c.submit(ctx, op, live, order.Type, newPrice); err != nil {
		// The original is gone; report it so the trade does not wait on it forever.
		c.publish(ctx, ports.BrokerEvent{Kind: ports.EventOrderStatus, Order: order, Status: domain.OrderCancelled})
		return fmt.Errorf("%w: %w", ports.ErrOrderAdjustFailed, err)
	}
	return nil
}

func (c *Client) restoreClient(t *trackedOrder) {
	c.mu.Lock()
	if live, ok := c.orders[t.order]; ok {
		c.byClient[t.clientID] = live
	}
	c.mu.Unlock()
}

// GetFillPrice returns the average fill price, signed like the order price.
func (c *Client) GetFillPrice(ctx context.Context, order *domain.Order) (float64, error) {
	op := "GetFillPrice"
	t, ok := c.tracked(order)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ports.ErrOrderNotFound, order.Ref)
	}
	if err := c.wait(ctx, op); err != nil {
		return 0, err
	}
	res, err := c.futuresClient.NewGetOrderService().
		Symbol(t.symbol).
		OrigClientOrderID(t.clientID).
		Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	avg, err := strconv.ParseFloat(res.AvgPrice, 64)
	if err != nil || avg == 0 {
		return 0, c.handleError(ctx, fmt.Errorf("could not parse average price '%s'", res.AvgPrice), op)
	}
	return signedPrice(t.side, avg), nil
}

// GetLastPrice retrieves the last ticker price for a given symbol.
func (c *Client) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetLastPrice"
	if err := c.wait(ctx, op); err != nil {
		return 0, err
	}
	tickers, err := c.futuresClient.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("no ticker data returned for symbol %s", symbol)
		return 0, c.handleError(ctx, err, op)
	}

	price, err := strconv.ParseFloat(tickers[0].LastPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", tickers[0].LastPrice, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// EODSettlementTasks cancels every open order on the symbols the connector traded.
func (c *Client) EODSettlementTasks(ctx context.Context) error {
	op := "EODSettlementTasks"
	c.mu.Lock()
	symbols := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		symbols = append(symbols, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, symbol := range symbols {
		if err := c.wait(ctx, op); err != nil {
			return err
		}
		if err := c.futuresClient.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
			errs = append(errs, c.handleError(ctx, err, op))
			continue
		}
		c.logger.Info(ctx, op+": Open orders cancelled", map[string]interface{}{"symbol": symbol})
	}
	return errors.Join(errs...)
}

func (c *Client) publish(ctx context.Context, events ...ports.BrokerEvent) {
	for _, ev := range events {
		select {
		case c.events <- ev:
		default:
			c.logger.Warn(ctx, "Binance event buffer full, event dropped", map[string]interface{}{"kind": ev.Kind.String()})
		}
	}
}

// --- Translation Helpers ---

func formatPrice(price float64) string {
	return strconv.FormatFloat(math.Abs(price), 'f', -1, 64)
}

// signedPrice applies the debit-positive convention: buys are positive, sells negative.
func signedPrice(side futures.SideType, price float64) float64 {
	if side == futures.SideTypeSell {
		return -price
	}
	return price
}
