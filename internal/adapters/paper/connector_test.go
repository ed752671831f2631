package paper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

var expiry = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func newConnector(t *testing.T, oco bool) *Connector {
	t.Helper()
	c, err := NewConnector(Config{UseOCO: oco, CommissionPerContract: 0.65, FeePerContract: 0.05, Logger: &mockLogger{}})
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 3, 2, 14, 31, 0, 0, time.UTC) }
	return c
}

func creditSpread(price float64) *domain.Order {
	return &domain.Order{
		Symbol: "SPX",
		Legs: []domain.Leg{
			{Strike: 4500, Right: domain.Put, Expiration: expiry, Action: domain.Sell, Bid: 1.00, Ask: 1.20, Quantity: 1},
			{Strike: 4490, Right: domain.Put, Expiration: expiry, Action: domain.Buy, Bid: 0.25, Ask: 0.35, Quantity: 1},
		},
		Type:  domain.OrderTypeLimit,
		Price: price,
		Ref:   "#1 spread Open",
	}
}

func exitOrder(typ domain.OrderType, price float64, oca string) *domain.Order {
	entry := creditSpread(0)
	return &domain.Order{Symbol: "SPX", Legs: entry.ClosingLegs(), Type: typ, Price: price, OCAGroup: oca}
}

func drain(c *Connector) []ports.BrokerEvent {
	var out []ports.BrokerEvent
	for {
		select {
		case ev := <-c.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func statuses(events []ports.BrokerEvent) []domain.OrderStatus {
	var out []domain.OrderStatus
	for _, ev := range events {
		if ev.Kind == ports.EventOrderStatus {
			out = append(out, ev.Status)
		}
	}
	return out
}

func TestPlaceOrder_MarketableEntryFills(t *testing.T) {
	c := newConnector(t, false)
	ctx := context.Background()
	order := creditSpread(-0.80)

	id, err := c.PlaceOrder(ctx, order, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Empty(t, order.BrokerID, "connector must not mutate the order")
	assert.Equal(t, domain.OrderStatus(""), order.Status)

	events := drain(c)
	assert.Equal(t, []domain.OrderStatus{domain.OrderOpen, domain.OrderFilled}, statuses(events))

	var execs []*domain.Execution
	var commissions int
	for _, ev := range events {
		assert.True(t, ev.Kind == ports.EventCommissionReport || ev.Order == order)
		switch ev.Kind {
		case ports.EventExecution:
			execs = append(execs, ev.Execution)
		case ports.EventCommissionReport:
			commissions++
			assert.InDelta(t, 0.65, ev.Commission, 1e-9)
			assert.InDelta(t, 0.05, ev.Fee, 1e-9)
		}
	}
	require.Len(t, execs, 3)
	assert.Equal(t, 2, commissions)
	assert.Equal(t, domain.Sell, execs[0].Action)
	assert.InDelta(t, 1.10, execs[0].Price, 1e-9)
	assert.InDelta(t, 0.30, execs[1].Price, 1e-9)
	assert.Equal(t, domain.SecTypeCombo, execs[2].SecType)
	assert.InDelta(t, 0.80, execs[2].Price, 1e-9)

	// Leg executions reproduce the combo credit.
	var cash float64
	for _, e := range execs[:2] {
		cash += domain.Transaction{Type: e.Action, SecType: e.SecType, Contracts: e.Amount, Price: e.Price}.CashFlow()
	}
	assert.InDelta(t, 80.0, cash, 1e-9)

	fill, err := c.GetFillPrice(ctx, order)
	require.NoError(t, err)
	assert.InDelta(t, -0.80, fill, 1e-9)
}

func TestPlaceOrder_RestsUntilAdjustedOrFilled(t *testing.T) {
	c := newConnector(t, false)
	ctx := context.Background()
	order := creditSpread(-0.90)

	_, err := c.PlaceOrder(ctx, order, nil)
	require.NoError(t, err)
	assert.Equal(t, []domain.OrderStatus{domain.OrderOpen}, statuses(drain(c)))

	_, err = c.GetFillPrice(ctx, order)
	assert.ErrorIs(t, err, ports.ErrOrderNotFound)

	require.NoError(t, c.AdjustOrder(ctx, order, -0.85))
	assert.Empty(t, drain(c))

	require.NoError(t, c.AdjustOrder(ctx, order, -0.80))
	assert.Equal(t, []domain.OrderStatus{domain.OrderFilled}, statuses(drain(c)))

	assert.ErrorIs(t, c.AdjustOrder(ctx, order, -0.75), ports.ErrOrderAdjustFailed)
}

func TestFillOrder_OCOCancelsSibling(t *testing.T) {
	tests := []struct {
		name         string
		oco          bool
		wantStatuses []domain.OrderStatus
		wantWorking  int
	}{
		{name: "native oco", oco: true, wantStatuses: []domain.OrderStatus{domain.OrderFilled, domain.OrderCancelled}, wantWorking: 0},
		{name: "no oco", oco: false, wantStatuses: []domain.OrderStatus{domain.OrderFilled}, wantWorking: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newConnector(t, tt.oco)
			ctx := context.Background()
			tp := exitOrder(domain.OrderTypeLimit, 0.40, "oca-1")
			sl := exitOrder(domain.OrderTypeStop, 1.60, "oca-1")

			tpID, err := c.PlaceOrder(ctx, tp, nil)
			require.NoError(t, err)
			_, err = c.PlaceOrder(ctx, sl, nil)
			require.NoError(t, err)
			drain(c)
			assert.Len(t, c.WorkingOrders(), 2)

			require.NoError(t, c.FillOrder(ctx, tpID))
			assert.Equal(t, tt.wantStatuses, statuses(drain(c)))
			assert.Len(t, c.WorkingOrders(), tt.wantWorking)

			assert.ErrorIs(t, c.FillOrder(ctx, tpID), ports.ErrOrderNotFound)
		})
	}
}

func TestCancelOrder(t *testing.T) {
	c := newConnector(t, false)
	ctx := context.Background()
	sl := exitOrder(domain.OrderTypeStop, 1.60, "")

	assert.ErrorIs(t, c.CancelOrder(ctx, sl), ports.ErrOrderNotFound)

	id, err := c.PlaceOrder(ctx, sl, nil)
	require.NoError(t, err)
	drain(c)

	require.NoError(t, c.CancelOrder(ctx, sl))
	assert.Equal(t, []domain.OrderStatus{domain.OrderCancelled}, statuses(drain(c)))
	assert.ErrorIs(t, c.CancelOrder(ctx, sl), ports.ErrOrderCancelFailed)
	assert.ErrorIs(t, c.CancelByBroker(ctx, id), ports.ErrOrderNotFound)
}

func TestPrepareAndPlaceValidation(t *testing.T) {
	c := newConnector(t, false)
	ctx := context.Background()

	tests := []struct {
		name  string
		order *domain.Order
	}{
		{name: "no legs", order: &domain.Order{Symbol: "SPX"}},
		{name: "no symbol", order: &domain.Order{Legs: []domain.Leg{{Action: domain.Buy, Quantity: 1}}}},
		{name: "zero quantity", order: &domain.Order{Symbol: "SPX", Legs: []domain.Leg{{Action: domain.Buy}}}},
		{name: "option without expiry", order: &domain.Order{Symbol: "SPX", Legs: []domain.Leg{{Strike: 4500, Right: domain.Put, Action: domain.Buy, Quantity: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, c.PrepareOrder(ctx, tt.order), ports.ErrOrderPreparation)
			_, err := c.PlaceOrder(ctx, tt.order, nil)
			assert.ErrorIs(t, err, ports.ErrOrderPlacementFailed)
		})
	}

	c.SetConnected(false)
	_, err := c.PlaceOrder(ctx, creditSpread(-0.80), nil)
	assert.ErrorIs(t, err, ports.ErrNotConnected)
}

func TestEODSettlementTasksExpiresWorkingOrders(t *testing.T) {
	c := newConnector(t, false)
	ctx := context.Background()

	_, err := c.PlaceOrder(ctx, exitOrder(domain.OrderTypeStop, 1.60, ""), nil)
	require.NoError(t, err)
	drain(c)

	require.NoError(t, c.EODSettlementTasks(ctx))
	assert.Equal(t, []domain.OrderStatus{domain.OrderCancelled}, statuses(drain(c)))
	assert.Empty(t, c.WorkingOrders())
}

func TestLastPriceAndFlags(t *testing.T) {
	c := newConnector(t, true)
	ctx := context.Background()

	_, err := c.GetLastPrice(ctx, "SPX")
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
	c.SetLastPrice("SPX", 4510.5)
	price, err := c.GetLastPrice(ctx, "SPX")
	require.NoError(t, err)
	assert.Equal(t, 4510.5, price)

	assert.True(t, c.UsesOCOOrders())
	assert.True(t, c.IsConnected())
	assert.True(t, c.IsTradingEnabled(ctx))
	c.SetTradingEnabled(false)
	assert.False(t, c.IsTradingEnabled(ctx))
	assert.Equal(t, "paper", c.Name())

	var _ ports.BrokerConnector = c
}

func TestPlaceOrder_ReplacesCancelledOrder(t *testing.T) {
	c := newConnector(t, false)
	ctx := context.Background()
	tp := exitOrder(domain.OrderTypeLimit, 0.40, "oca-1")

	firstID, err := c.PlaceOrder(ctx, tp, nil)
	require.NoError(t, err)
	_, err = c.PlaceOrder(ctx, tp, nil)
	assert.ErrorIs(t, err, ports.ErrOrderPlacementFailed, "a working order cannot be placed twice")

	require.NoError(t, c.CancelByBroker(ctx, firstID))
	drain(c)

	tp.Price = 0.35
	secondID, err := c.PlaceOrder(ctx, tp, nil)
	require.NoError(t, err)
	assert.NotEqual(t, firstID, secondID)
	assert.Equal(t, []domain.OrderStatus{domain.OrderOpen}, statuses(drain(c)))
	assert.Equal(t, []string{secondID}, c.WorkingOrders())
	assert.ErrorIs(t, c.FillOrder(ctx, firstID), ports.ErrOrderNotFound)

	require.NoError(t, c.FillOrder(ctx, secondID))
	drain(c)
	price, err := c.GetFillPrice(ctx, tp)
	require.NoError(t, err)
	assert.InDelta(t, 0.35, price, 1e-9)

	_, err = c.PlaceOrder(ctx, tp, nil)
	assert.ErrorIs(t, err, ports.ErrOrderPlacementFailed, "a filled order is never placed again")
}

func TestGetLastPrice_Sources(t *testing.T) {
	ctx := context.Background()
	c, err := NewConnector(Config{Prices: map[string]float64{"SPY": 581.25}, Logger: &mockLogger{}})
	require.NoError(t, err)

	price, err := c.GetLastPrice(ctx, "SPY")
	require.NoError(t, err)
	assert.Equal(t, 581.25, price)

	_, err = c.GetLastPrice(ctx, "SPX")
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)

	_, err = c.PlaceOrder(ctx, creditSpread(-0.80), nil)
	require.NoError(t, err)
	price, err = c.GetLastPrice(ctx, "SPX")
	require.NoError(t, err)
	assert.Equal(t, 4500.0, price, "puts only spread resolves to its highest strike")

	c.SetLastPrice("SPX", 4410)
	price, err = c.GetLastPrice(ctx, "SPX")
	require.NoError(t, err)
	assert.Equal(t, 4410.0, price)
}

func TestReferencePrice(t *testing.T) {
	leg := func(strike float64, right domain.OptionRight) domain.Leg {
		return domain.Leg{Strike: strike, Right: right, Expiration: expiry, Action: domain.Sell, Quantity: 1}
	}
	tests := []struct {
		name   string
		legs   []domain.Leg
		want   float64
		wantOK bool
	}{
		{name: "short put", legs: []domain.Leg{leg(100, domain.Put)}, want: 100, wantOK: true},
		{name: "call spread", legs: []domain.Leg{leg(4600, domain.Call), leg(4610, domain.Call)}, want: 4600, wantOK: true},
		{name: "iron condor", legs: []domain.Leg{leg(4490, domain.Put), leg(4500, domain.Put), leg(4600, domain.Call), leg(4610, domain.Call)}, want: 4550, wantOK: true},
		{name: "inverted strangle", legs: []domain.Leg{leg(4600, domain.Put), leg(4500, domain.Call)}, want: 4550, wantOK: true},
		{name: "quoted future", legs: []domain.Leg{{Action: domain.Buy, Bid: 99, Ask: 101, Quantity: 1}}, want: 100, wantOK: true},
		{name: "unquoted future", legs: []domain.Leg{{Action: domain.Buy, Quantity: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := referencePrice(tt.legs)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}
