// Package paper implements a simulated broker connector. Limit orders that are
// marketable against the quotes they were composed with fill immediately; every
// other order rests until it is filled or cancelled explicitly.
package paper

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
	"optionsBot/internal/pricing"
)

const eventBufferSize = 1024

// Config holds configuration for the paper connector.
type Config struct {
	UseOCO                bool    // Cancel OCA siblings when one member fills
	CommissionPerContract float64 // Reported per leg execution
	FeePerContract        float64
	Prices                map[string]float64 // Initial last prices by symbol
	Logger                ports.Logger
}

type paperOrder struct {
	order     *domain.Order
	brokerID  string
	price     float64
	status    domain.OrderStatus
	fillPrice float64
	ocaGroup  string
}

// Connector implements ports.BrokerConnector against an in-memory book.
type Connector struct {
	cfg    Config
	logger ports.Logger
	now    func() time.Time

	mu             sync.Mutex
	connected      bool
	tradingEnabled bool
	orders         map[*domain.Order]*paperOrder
	byID           map[string]*paperOrder
	lastPrices     map[string]float64
	refPrices      map[string]float64 // Derived from the latest order per symbol
	eodRuns        int

	events chan ports.BrokerEvent
}

// NewConnector creates a connected paper connector with trading enabled.
func NewConnector(cfg Config) (*Connector, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for paper connector")
	}
	lastPrices := make(map[string]float64, len(cfg.Prices))
	for symbol, price := range cfg.Prices {
		lastPrices[symbol] = price
	}
	return &Connector{
		cfg:            cfg,
		logger:         cfg.Logger,
		now:            time.Now,
		connected:      true,
		tradingEnabled: true,
		orders:         make(map[*domain.Order]*paperOrder),
		byID:           make(map[string]*paperOrder),
		lastPrices:     lastPrices,
		refPrices:      make(map[string]float64),
		events:         make(chan ports.BrokerEvent, eventBufferSize),
	}, nil
}

func (c *Connector) Name() string { return "paper" }

func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetConnected simulates a session drop or reconnect.
func (c *Connector) SetConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

func (c *Connector) IsTradingEnabled(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tradingEnabled
}

// SetTradingEnabled toggles whether new orders are accepted.
func (c *Connector) SetTradingEnabled(enabled bool) {
	c.mu.Lock()
	c.tradingEnabled = enabled
	c.mu.Unlock()
}

// SetLastPrice sets the price returned by GetLastPrice for symbol.
func (c *Connector) SetLastPrice(symbol string, price float64) {
	c.mu.Lock()
	c.lastPrices[symbol] = price
	c.mu.Unlock()
}

func (c *Connector) UsesOCOOrders() bool { return c.cfg.UseOCO }

func (c *Connector) Events() <-chan ports.BrokerEvent { return c.events }

// PrepareOrder checks that every leg describes a tradable contract.
func (c *Connector) PrepareOrder(ctx context.Context, order *domain.Order) error {
	if order == nil || len(order.Legs) == 0 {
		return fmt.Errorf("%w: order has no legs", ports.ErrOrderPreparation)
	}
	if order.Symbol == "" {
		return fmt.Errorf("%w: order has no symbol", ports.ErrOrderPreparation)
	}
	for i, l := range order.Legs {
		if l.Quantity <= 0 {
			return fmt.Errorf("%w: leg %d has quantity %d", ports.ErrOrderPreparation, i, l.Quantity)
		}
		if l.IsOption() && (l.Strike <= 0 || l.Expiration.IsZero()) {
			return fmt.Errorf("%w: leg %d is not a complete option contract", ports.ErrOrderPreparation, i)
		}
	}
	return nil
}

// PlaceOrder accepts the order and fills it at once when it is marketable. An
// order that was cancelled before is placed again under a new broker id.
func (c *Connector) PlaceOrder(ctx context.Context, order *domain.Order, tmpl ports.Template) (string, error) {
	if err := c.PrepareOrder(ctx, order); err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrOrderPlacementFailed, err)
	}
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %w", ports.ErrOrderPlacementFailed, ports.ErrNotConnected)
	}
	if prev, exists := c.orders[order]; exists {
		if prev.status != domain.OrderCancelled {
			c.mu.Unlock()
			return "", fmt.Errorf("%w: order %s is %s", ports.ErrOrderPlacementFailed, order.Ref, prev.status)
		}
		delete(c.byID, prev.brokerID)
	}
	if ref, ok := referencePrice(order.Legs); ok {
		c.refPrices[order.Symbol] = ref
	}
	po := &paperOrder{
		order:    order,
		brokerID: uuid.NewString(),
		price:    order.Price,
		status:   domain.OrderOpen,
		ocaGroup: order.OCAGroup,
	}
	c.orders[order] = po
	c.byID[po.brokerID] = po
	events := []ports.BrokerEvent{{Kind: ports.EventOrderStatus, Order: order, Status: domain.OrderOpen}}
	if marketable(order, po.price) {
		events = append(events, c.fillLocked(po)...)
	}
	c.mu.Unlock()

	c.logger.Debug(ctx, "Paper order placed", map[string]interface{}{"ref": order.Ref, "brokerID": po.brokerID, "price": po.price})
	c.publish(ctx, events...)
	return po.brokerID, nil
}

// CancelOrder cancels a resting order.
func (c *Connector) CancelOrder(ctx context.Context, order *domain.Order) error {
	c.mu.Lock()
	po, ok := c.orders[order]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %w: %s", ports.ErrOrderCancelFailed, ports.ErrOrderNotFound, order.Ref)
	}
	if po.status != domain.OrderOpen {
		c.mu.Unlock()
		return fmt.Errorf("%w: order %s is %s", ports.ErrOrderCancelFailed, po.brokerID, po.status)
	}
	po.status = domain.OrderCancelled
	c.mu.Unlock()

	c.publish(ctx, ports.BrokerEvent{Kind: ports.EventOrderStatus, Order: order, Status: domain.OrderCancelled})
	return nil
}

// AdjustOrder moves the limit price of a resting order and fills it when it became marketable.
func (c *Connector) AdjustOrder(ctx context.Context, order *domain.Order, newPrice float64) error {
	c.mu.Lock()
	po, ok := c.orders[order]
	if !ok || po.status != domain.OrderOpen {
		c.mu.Unlock()
		return fmt.Errorf("%w: order %s is not working", ports.ErrOrderAdjustFailed, order.Ref)
	}
	po.price = newPrice
	var events []ports.BrokerEvent
	if marketable(order, newPrice) {
		events = c.fillLocked(po)
	}
	c.mu.Unlock()

	c.publish(ctx, events...)
	return nil
}

// GetFillPrice returns the price the order filled at.
func (c *Connector) GetFillPrice(ctx context.Context, order *domain.Order) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	po, ok := c.orders[order]
	if !ok || po.status != domain.OrderFilled {
		return 0, fmt.Errorf("%w: no fill for order %s", ports.ErrOrderNotFound, order.Ref)
	}
	return po.fillPrice, nil
}

// GetLastPrice returns the price set with SetLastPrice or Config.Prices. Without
// one it falls back to the reference price of the latest order on symbol.
func (c *Connector) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if price, ok := c.lastPrices[symbol]; ok {
		return price, nil
	}
	if price, ok := c.refPrices[symbol]; ok {
		return price, nil
	}
	return 0, fmt.Errorf("%w: no last price for %s", ports.ErrInvalidRequest, symbol)
}

// EODSettlementTasks expires every order still working.
func (c *Connector) EODSettlementTasks(ctx context.Context) error {
	c.mu.Lock()
	c.eodRuns++
	var events []ports.BrokerEvent
	for _, po := range c.orders {
		if po.status == domain.OrderOpen {
			po.status = domain.OrderCancelled
			events = append(events, ports.BrokerEvent{Kind: ports.EventOrderStatus, Order: po.order, Status: domain.OrderCancelled})
		}
	}
	c.mu.Unlock()

	c.logger.Info(ctx, "Paper end-of-day settlement", map[string]interface{}{"expiredOrders": len(events)})
	c.publish(ctx, events...)
	return nil
}

// FillOrder fills a resting order at its current price.
func (c *Connector) FillOrder(ctx context.Context, brokerID string) error {
	c.mu.Lock()
	po, ok := c.byID[brokerID]
	if !ok || po.status != domain.OrderOpen {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ports.ErrOrderNotFound, brokerID)
	}
	events := c.fillLocked(po)
	c.mu.Unlock()

	c.publish(ctx, events...)
	return nil
}

// CancelByBroker simulates a cancellation the bot did not request.
func (c *Connector) CancelByBroker(ctx context.Context, brokerID string) error {
	c.mu.Lock()
	po, ok := c.byID[brokerID]
	if !ok || po.status != domain.OrderOpen {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ports.ErrOrderNotFound, brokerID)
	}
	po.status = domain.OrderCancelled
	c.mu.Unlock()

	c.publish(ctx, ports.BrokerEvent{Kind: ports.EventOrderStatus, Order: po.order, Status: domain.OrderCancelled})
	return nil
}

// WorkingOrders returns the broker ids of all resting orders.
func (c *Connector) WorkingOrders() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, po := range c.byID {
		if po.status == domain.OrderOpen {
			ids = append(ids, id)
		}
	}
	return ids
}

// fillLocked marks po filled and returns its executions, commission reports and
// status change. OCA siblings are cancelled when the connector emulates OCO.
func (c *Connector) fillLocked(po *paperOrder) []ports.BrokerEvent {
	po.status = domain.OrderFilled
	po.fillPrice = po.price
	order := po.order
	ts := c.now()

	var events []ports.BrokerEvent
	prices := legPrices(order.Legs, po.price)
	for i, l := range order.Legs {
		secType := domain.SecTypeFuture
		if l.IsOption() {
			secType = domain.SecTypeOption
		}
		execID := fmt.Sprintf("%s.%d", po.brokerID, i+1)
		events = append(events,
			ports.BrokerEvent{Kind: ports.EventExecution, Order: order, Execution: &domain.Execution{
				ExecID:     execID,
				Action:     l.Action,
				SecType:    secType,
				Amount:     l.Quantity,
				Price:      prices[i],
				Expiration: l.Expiration,
				Strike:     l.Strike,
				Timestamp:  ts,
			}},
			ports.BrokerEvent{
				Kind:        ports.EventCommissionReport,
				ExecutionID: execID,
				Commission:  c.cfg.CommissionPerContract * float64(l.Quantity),
				Fee:         c.cfg.FeePerContract * float64(l.Quantity),
			})
	}
	if order.IsMultiLeg() {
		events = append(events, ports.BrokerEvent{Kind: ports.EventExecution, Order: order, Execution: &domain.Execution{
			ExecID:    po.brokerID + ".bag",
			Action:    comboAction(po.price),
			SecType:   domain.SecTypeCombo,
			Amount:    order.Legs[0].Quantity,
			Price:     math.Abs(po.price),
			Timestamp: ts,
		}})
	}
	events = append(events, ports.BrokerEvent{Kind: ports.EventOrderStatus, Order: order, Status: domain.OrderFilled, Filled: order.TotalQuantity()})

	if c.cfg.UseOCO && po.ocaGroup != "" {
		for _, other := range c.orders {
			if other != po && other.ocaGroup == po.ocaGroup && other.status == domain.OrderOpen {
				other.status = domain.OrderCancelled
				events = append(events, ports.BrokerEvent{Kind: ports.EventOrderStatus, Order: other.order, Status: domain.OrderCancelled})
			}
		}
	}
	return events
}

func (c *Connector) publish(ctx context.Context, events ...ports.BrokerEvent) {
	for _, ev := range events {
		select {
		case c.events <- ev:
		default:
			c.logger.Warn(ctx, "Paper event buffer full, event dropped", map[string]interface{}{"kind": ev.Kind.String()})
		}
	}
}

// marketable reports whether a limit price reaches the mid price of the quotes
// the order was composed with. Orders without quotes never fill by themselves.
func marketable(order *domain.Order, price float64) bool {
	if order.Type != domain.OrderTypeLimit {
		return false
	}
	quoted := false
	for _, l := range order.Legs {
		if l.Bid > 0 || l.Ask > 0 {
			quoted = true
			break
		}
	}
	if !quoted {
		return false
	}
	mid, err := pricing.MidPrice(order.Legs)
	if err != nil {
		return false
	}
	return price >= mid-1e-9
}

// legPrices splits a combo price across legs: every leg but the first trades at
// its quoted mid and the first leg absorbs the remainder.
func legPrices(legs []domain.Leg, comboPrice float64) []float64 {
	prices := make([]float64, len(legs))
	rest := comboPrice
	for i := 1; i < len(legs); i++ {
		prices[i] = roundCents((legs[i].Bid + legs[i].Ask) / 2)
		rest -= legs[i].Action.Sign() * prices[i]
	}
	prices[0] = roundCents(rest * legs[0].Action.Sign())
	return prices
}

// referencePrice estimates the underlying for an order. Option legs resolve to a
// price at which every put and call is out of the money when one exists, so an
// unpriced paper trade settles at its premium. Otherwise the mean strike is
// used. Legs without options use their quoted mid.
func referencePrice(legs []domain.Leg) (float64, bool) {
	var maxPut, minCall, strikeSum, midSum float64
	var puts, calls, quoted int
	for _, l := range legs {
		if !l.IsOption() {
			if l.Bid > 0 && l.Ask > 0 {
				midSum += (l.Bid + l.Ask) / 2
				quoted++
			}
			continue
		}
		strikeSum += l.Strike
		switch l.Right {
		case domain.Put:
			if puts == 0 || l.Strike > maxPut {
				maxPut = l.Strike
			}
			puts++
		case domain.Call:
			if calls == 0 || l.Strike < minCall {
				minCall = l.Strike
			}
			calls++
		}
	}
	switch {
	case puts > 0 && calls == 0:
		return maxPut, true
	case calls > 0 && puts == 0:
		return minCall, true
	case puts > 0 && calls > 0 && maxPut <= minCall:
		return (maxPut + minCall) / 2, true
	case puts+calls > 0:
		return strikeSum / float64(puts+calls), true
	case quoted > 0:
		return midSum / float64(quoted), true
	}
	return 0, false
}

func comboAction(price float64) domain.OrderAction {
	if price < 0 {
		return domain.Sell
	}
	return domain.Buy
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
