package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
)

const listenKeyKeepalive = 30 * time.Minute

// Connect checks connectivity, syncs the clock and starts the user data stream.
// The stream is kept alive and reconnected until ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	op := "Connect"
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := c.SetServerTime(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	listenKey, err := c.startUserStream(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	c.setConnected(true)

	go c.keepalive(ctx, listenKey)
	go c.streamUserData(ctx, listenKey)
	return nil
}

func (c *Client) startUserStream(ctx context.Context) (string, error) {
	op := "StartUserStream"
	if err := c.wait(ctx, op); err != nil {
		return "", err
	}
	listenKey, err := c.futuresClient.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrConnectionFailed, c.handleError(ctx, err, op))
	}
	return listenKey, nil
}

func (c *Client) keepalive(ctx context.Context, listenKey string) {
	op := "KeepaliveUserStream"
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.futuresClient.NewCloseUserStreamService().ListenKey(listenKey).Do(closeCtx); err != nil {
				c.logger.Warn(closeCtx, op+": Failed to close listen key", map[string]interface{}{"error": err.Error()})
			}
			cancel()
			return
		case <-ticker.C:
			if err := c.wait(ctx, op); err != nil {
				continue
			}
			if err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				_ = c.handleError(ctx, err, op)
			}
		}
	}
}

// streamUserData serves the user data websocket, reconnecting with exponential backoff.
func (c *Client) streamUserData(ctx context.Context, listenKey string) {
	op := "StreamUserData"
	b := &backoff.Backoff{
		Min:    c.reconnectDelay,
		Max:    c.reconnectDelay * 60,
		Factor: 2,
		Jitter: true,
	}
	defer c.setConnected(false)

	handler := func(event *futures.WsUserDataEvent) {
		c.publish(ctx, c.translateUserData(ctx, event)...)
	}
	errHandler := func(err error) {
		c.logger.Warn(ctx, op+": WebSocket error reported", map[string]interface{}{"error": err.Error()})
	}

	for {
		if ctx.Err() != nil {
			return
		}
		c.logger.Info(ctx, op+": Attempting WebSocket connection...", map[string]interface{}{"attempt": int(b.Attempt()) + 1})
		doneC, stopC, err := futures.WsUserDataServe(listenKey, handler, errHandler)
		if err != nil {
			_ = c.handleError(ctx, err, op+" connection attempt")
			c.setConnected(false)
			if int(b.Attempt())+1 >= c.maxReconnectAttempts {
				c.logger.Error(ctx, err, op+": Max reconnection attempts exceeded, giving up.", map[string]interface{}{"maxAttempts": c.maxReconnectAttempts})
				return
			}
			delay := b.Duration()
			c.logger.Info(ctx, op+": Connection failed, retrying...", map[string]interface{}{"delay": delay.String()})
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		c.logger.Info(ctx, op+": WebSocket connection established.")
		c.setConnected(true)
		b.Reset()

		select {
		case <-doneC:
			c.setConnected(false)
			c.logger.Warn(ctx, op+": WebSocket connection closed unexpectedly. Reconnecting...")
		case <-ctx.Done():
			select {
			case stopC <- struct{}{}:
			default:
			}
			c.logger.Info(ctx, op+": Context cancelled, stopping WebSocket.")
			return
		}
	}
}

// translateUserData converts an ORDER_TRADE_UPDATE into broker events for a tracked order.
func (c *Client) translateUserData(ctx context.Context, event *futures.WsUserDataEvent) []ports.BrokerEvent {
	op := "TranslateUserData"
	if event == nil || event.Event != futures.UserDataEventTypeOrderTradeUpdate {
		return nil
	}
	update := event.OrderTradeUpdate

	c.mu.Lock()
	t, ok := c.byClient[update.ClientOrderID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	events, err := t.apply(update)
	c.mu.Unlock()

	if err != nil {
		c.logger.Error(ctx, err, op+": Order update not fully translated", map[string]interface{}{
			"symbol":   update.Symbol,
			"clientID": update.ClientOrderID,
			"status":   update.Status,
			"lastQty":  update.LastFilledQty,
		})
	}
	return events
}

// apply folds one order update into t and returns the resulting execution,
// commission and status events. Executions are reported in whole contracts:
// fractional fills accumulate until they complete one, and a fraction still
// pending when the order reaches a final state is returned as an error.
// The caller holds the client lock.
func (t *trackedOrder) apply(update futures.WsOrderTradeUpdate) ([]ports.BrokerEvent, error) {
	var events []ports.BrokerEvent
	var errs []error

	if update.ExecutionType == futures.OrderExecutionTypeTrade {
		exec, commission, err := t.addFill(update)
		if err != nil {
			errs = append(errs, err)
		} else if exec != nil {
			events = append(events,
				ports.BrokerEvent{Kind: ports.EventExecution, Order: t.order, Execution: exec},
				ports.BrokerEvent{Kind: ports.EventCommissionReport, Order: t.order, ExecutionID: exec.ExecID, Commission: commission},
			)
		}
	}

	status, ok := translateStatus(update.Status)
	if ok {
		events = append(events, ports.BrokerEvent{Kind: ports.EventOrderStatus, Order: t.order, Status: status, Filled: t.filled})
	}
	if ok && status != domain.OrderOpen && t.pendingQty.IsPositive() {
		errs = append(errs, fmt.Errorf("%w: %s of a contract filled but not reported", ports.ErrUnsupportedOrder, t.pendingQty.String()))
	}
	return events, errors.Join(errs...)
}

// addFill records a trade update and returns an execution for the whole
// contracts it completes, or nil while the filled quantity stays fractional.
// Pending fragments are priced at their quantity weighted average.
func (t *trackedOrder) addFill(update futures.WsOrderTradeUpdate) (*domain.Execution, float64, error) {
	qty, err := decimal.NewFromString(update.LastFilledQty)
	if err != nil || !qty.IsPositive() {
		return nil, 0, fmt.Errorf("%w: could not parse filled quantity '%s'", ports.ErrInvalidRequest, update.LastFilledQty)
	}
	price, err := decimal.NewFromString(update.LastFilledPrice)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: could not parse filled price '%s'", ports.ErrInvalidRequest, update.LastFilledPrice)
	}
	commission, err := decimal.NewFromString(update.Commission)
	if err != nil {
		commission = decimal.Zero
	}

	t.pendingQty = t.pendingQty.Add(qty)
	t.pendingNotional = t.pendingNotional.Add(qty.Mul(price))
	t.pendingCommission = t.pendingCommission.Add(commission)

	whole := t.pendingQty.Floor()
	if whole.IsZero() {
		return nil, 0, nil
	}
	avg := t.pendingNotional.Div(t.pendingQty)
	exec := &domain.Execution{
		ExecID:    fmt.Sprintf("%d.%d", update.ID, update.TradeID),
		Action:    domain.OrderAction(update.Side),
		SecType:   domain.SecTypeFuture,
		Amount:    int(whole.IntPart()),
		Price:     avg.InexactFloat64(),
		Timestamp: time.UnixMilli(update.TradeTime).UTC(),
	}
	reported := t.pendingCommission.InexactFloat64()

	t.filled += exec.Amount
	t.pendingQty = t.pendingQty.Sub(whole)
	t.pendingNotional = t.pendingQty.Mul(price)
	t.pendingCommission = decimal.Zero
	return exec, reported, nil
}

// translateStatus reports the domain status for a futures order status.
// PARTIALLY_FILLED carries no status change.
func translateStatus(status futures.OrderStatusType) (domain.OrderStatus, bool) {
	switch status {
	case futures.OrderStatusTypeNew:
		return domain.OrderOpen, true
	case futures.OrderStatusTypeFilled:
		return domain.OrderFilled, true
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired, futures.OrderStatusTypeRejected:
		return domain.OrderCancelled, true
	default:
		return "", false
	}
}
