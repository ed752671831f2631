package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
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

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{APIKey: "key", SecretKey: "secret", UseTestnet: true, Logger: &mockLogger{}})
	require.NoError(t, err)
	return c
}

func futureOrder(action domain.OrderAction) *domain.Order {
	return &domain.Order{
		Symbol: "BTCUSDT",
		Type:   domain.OrderTypeLimit,
		Price:  65000,
		Ref:    "#1 btc Open",
		Legs:   []domain.Leg{{Action: action, Quantity: 1}},
		Status: domain.OrderNew,
	}
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	c := newTestClient(t)
	assert.Equal(t, baseURLTestnet, c.futuresClient.BaseURL)
	assert.Equal(t, "binance", c.Name())
	assert.False(t, c.UsesOCOOrders())
	assert.False(t, c.IsConnected())

	prod, err := New(Config{Logger: &mockLogger{}})
	require.NoError(t, err)
	assert.Equal(t, baseURLProduction, prod.futuresClient.BaseURL)
}

func TestClient_PrepareOrder(t *testing.T) {
	c := newTestClient(t)
	leg := futureOrder(domain.Buy).Legs[0]
	put := domain.Leg{Action: domain.Sell, Quantity: 1, Right: domain.Put, Strike: 60000}

	tests := []struct {
		name    string
		order   *domain.Order
		wantErr error
	}{
		{name: "single future leg", order: futureOrder(domain.Buy)},
		{
			name:    "multi leg",
			order:   &domain.Order{Symbol: "BTCUSDT", Legs: []domain.Leg{leg, leg}},
			wantErr: ports.ErrUnsupportedOrder,
		},
		{
			name:    "option leg",
			order:   &domain.Order{Symbol: "BTCUSDT", Legs: []domain.Leg{put}},
			wantErr: ports.ErrUnsupportedOrder,
		},
		{
			name:    "zero quantity",
			order:   &domain.Order{Symbol: "BTCUSDT", Legs: []domain.Leg{{Action: domain.Buy}}},
			wantErr: ports.ErrOrderPreparation,
		},
		{
			name:    "missing symbol",
			order:   &domain.Order{Legs: []domain.Leg{{Action: domain.Buy, Quantity: 1}}},
			wantErr: ports.ErrOrderPreparation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.PrepareOrder(context.Background(), tt.order)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, ports.ErrOrderPreparation)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestClient_HandleError(t *testing.T) {
	c := newTestClient(t)

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "rate limited", err: &common.APIError{Code: -1003, Message: "too many requests"}, want: ports.ErrRateLimited},
		{name: "bad signature", err: &common.APIError{Code: -1022, Message: "signature"}, want: ports.ErrAuthenticationFailed},
		{name: "bad api key", err: &common.APIError{Code: -2015, Message: "invalid key"}, want: ports.ErrAuthenticationFailed},
		{name: "unknown order", err: &common.APIError{Code: -2013, Message: "no such order"}, want: ports.ErrOrderNotFound},
		{name: "margin insufficient", err: &common.APIError{Code: -2019, Message: "margin"}, want: ports.ErrInsufficientFunds},
		{name: "bad parameter", err: &common.APIError{Code: -1102, Message: "mandatory param"}, want: ports.ErrInvalidRequest},
		{name: "wrapped api error", err: fmt.Errorf("ping failed: %w", &common.APIError{Code: -2011}), want: ports.ErrOrderCancelFailed},
		{name: "deadline", err: context.DeadlineExceeded, want: ports.ErrTimeout},
		{name: "canceled", err: context.Canceled, want: ports.ErrContextCanceled},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: ports.ErrConnectionFailed},
		{name: "other", err: errors.New("boom"), want: ports.ErrUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.handleError(context.Background(), tt.err, "Test")
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err)
		})
	}

	assert.NoError(t, c.handleError(context.Background(), nil, "Test"))
}

func TestTranslateStatus(t *testing.T) {
	tests := []struct {
		in     futures.OrderStatusType
		want   domain.OrderStatus
		wantOK bool
	}{
		{futures.OrderStatusTypeNew, domain.OrderOpen, true},
		{futures.OrderStatusTypeFilled, domain.OrderFilled, true},
		{futures.OrderStatusTypeCanceled, domain.OrderCancelled, true},
		{futures.OrderStatusTypeExpired, domain.OrderCancelled, true},
		{futures.OrderStatusTypeRejected, domain.OrderCancelled, true},
		{futures.OrderStatusTypePartiallyFilled, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			got, ok := translateStatus(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func tradeUpdate(tradeID int64, status futures.OrderStatusType, qty, price, commission string) futures.WsOrderTradeUpdate {
	return futures.WsOrderTradeUpdate{
		ClientOrderID:   "cid",
		Side:            futures.SideTypeBuy,
		ExecutionType:   futures.OrderExecutionTypeTrade,
		Status:          status,
		ID:              77,
		TradeID:         tradeID,
		LastFilledQty:   qty,
		LastFilledPrice: price,
		Commission:      commission,
		TradeTime:       1767225600000,
	}
}

func TestTrackedOrder_Apply(t *testing.T) {
	t.Run("fill emits execution, commission and status", func(t *testing.T) {
		order := futureOrder(domain.Buy)
		tr := &trackedOrder{order: order}

		events, err := tr.apply(tradeUpdate(5, futures.OrderStatusTypeFilled, "1", "64990.5", "0.0125"))
		require.NoError(t, err)
		require.Len(t, events, 3)

		assert.Equal(t, ports.EventExecution, events[0].Kind)
		assert.Same(t, order, events[0].Order)
		exec := events[0].Execution
		require.NotNil(t, exec)
		assert.Equal(t, "77.5", exec.ExecID)
		assert.Equal(t, domain.Buy, exec.Action)
		assert.Equal(t, domain.SecTypeFuture, exec.SecType)
		assert.Equal(t, 1, exec.Amount)
		assert.InDelta(t, 64990.5, exec.Price, 1e-9)
		assert.Equal(t, int64(1767225600000), exec.Timestamp.UnixMilli())

		assert.Equal(t, ports.EventCommissionReport, events[1].Kind)
		assert.Equal(t, "77.5", events[1].ExecutionID)
		assert.InDelta(t, 0.0125, events[1].Commission, 1e-9)

		assert.Equal(t, ports.EventOrderStatus, events[2].Kind)
		assert.Equal(t, domain.OrderFilled, events[2].Status)
		assert.Equal(t, 1, events[2].Filled)
	})

	t.Run("fractional fills accumulate into one contract", func(t *testing.T) {
		order := futureOrder(domain.Buy)
		tr := &trackedOrder{order: order}

		events, err := tr.apply(tradeUpdate(5, futures.OrderStatusTypePartiallyFilled, "0.4", "65000", "0.01"))
		require.NoError(t, err)
		assert.Empty(t, events, "no execution until a whole contract is filled")
		assert.Equal(t, 0, tr.filled)

		events, err = tr.apply(tradeUpdate(6, futures.OrderStatusTypeFilled, "0.6", "65010", "0.02"))
		require.NoError(t, err)
		require.Len(t, events, 3)
		exec := events[0].Execution
		require.NotNil(t, exec)
		assert.Equal(t, "77.6", exec.ExecID)
		assert.Equal(t, 1, exec.Amount)
		assert.InDelta(t, 65006, exec.Price, 1e-9)
		assert.InDelta(t, 0.03, events[1].Commission, 1e-9)
		assert.Equal(t, domain.OrderFilled, events[2].Status)
		assert.Equal(t, 1, events[2].Filled)
		assert.True(t, tr.pendingQty.IsZero())
	})

	t.Run("fraction left at a final status is reported", func(t *testing.T) {
		order := futureOrder(domain.Buy)
		order.Legs[0].Quantity = 2
		tr := &trackedOrder{order: order}

		events, err := tr.apply(tradeUpdate(5, futures.OrderStatusTypePartiallyFilled, "1.5", "65000", "0.03"))
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, 1, events[0].Execution.Amount)
		assert.Equal(t, 1, tr.filled)

		events, err = tr.apply(futures.WsOrderTradeUpdate{
			ExecutionType: futures.OrderExecutionTypeCanceled,
			Status:        futures.OrderStatusTypeCanceled,
		})
		assert.ErrorIs(t, err, ports.ErrUnsupportedOrder)
		require.Len(t, events, 1)
		assert.Equal(t, domain.OrderCancelled, events[0].Status)
		assert.Equal(t, 1, events[0].Filled)
	})

	t.Run("new order emits open only", func(t *testing.T) {
		tr := &trackedOrder{order: futureOrder(domain.Buy)}
		events, err := tr.apply(futures.WsOrderTradeUpdate{
			ExecutionType: futures.OrderExecutionTypeNew,
			Status:        futures.OrderStatusTypeNew,
		})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, domain.OrderOpen, events[0].Status)
	})

	t.Run("unparseable fill is an error", func(t *testing.T) {
		tr := &trackedOrder{order: futureOrder(domain.Buy)}
		events, err := tr.apply(tradeUpdate(5, futures.OrderStatusTypePartiallyFilled, "x", "1", "0"))
		assert.ErrorIs(t, err, ports.ErrInvalidRequest)
		assert.Empty(t, events)
		assert.True(t, tr.pendingQty.IsZero())
	})
}

func TestClient_TranslateUserDataIgnoresUntracked(t *testing.T) {
	c := newTestClient(t)
	order := futureOrder(domain.Sell)
	c.orders[order] = &trackedOrder{order: order, symbol: "BTCUSDT", side: futures.SideTypeSell, clientID: "known"}
	c.byClient["known"] = c.orders[order]
	ctx := context.Background()

	assert.Nil(t, c.translateUserData(ctx, nil))
	assert.Nil(t, c.translateUserData(ctx, &futures.WsUserDataEvent{Event: futures.UserDataEventTypeAccountUpdate}))
	assert.Nil(t, c.translateUserData(ctx, &futures.WsUserDataEvent{
		Event: futures.UserDataEventTypeOrderTradeUpdate,
		WsUserDataOrderTradeUpdate: futures.WsUserDataOrderTradeUpdate{
			OrderTradeUpdate: futures.WsOrderTradeUpdate{ClientOrderID: "replaced", Status: futures.OrderStatusTypeCanceled},
		},
	}))

	events := c.translateUserData(ctx, &futures.WsUserDataEvent{
		Event: futures.UserDataEventTypeOrderTradeUpdate,
		WsUserDataOrderTradeUpdate: futures.WsUserDataOrderTradeUpdate{
			OrderTradeUpdate: futures.WsOrderTradeUpdate{
				ClientOrderID:        "known",
				Status:               futures.OrderStatusTypeCanceled,
				AccumulatedFilledQty: "0",
			},
		},
	})
	require.Len(t, events, 1)
	assert.Equal(t, domain.OrderCancelled, events[0].Status)
	assert.Same(t, order, events[0].Order)
}

func TestClient_UnknownOrderOperations(t *testing.T) {
	c := newTestClient(t)
	order := futureOrder(domain.Buy)
	ctx := context.Background()

	assert.ErrorIs(t, c.CancelOrder(ctx, order), ports.ErrOrderNotFound)
	assert.ErrorIs(t, c.AdjustOrder(ctx, order, 64000), ports.ErrOrderNotFound)
	_, err := c.GetFillPrice(ctx, order)
	assert.ErrorIs(t, err, ports.ErrOrderNotFound)
	assert.NoError(t, c.EODSettlementTasks(ctx), "no traded symbols means nothing to cancel")
}

func TestSignedPriceAndFormat(t *testing.T) {
	assert.Equal(t, 100.5, signedPrice(futures.SideTypeBuy, 100.5))
	assert.Equal(t, -100.5, signedPrice(futures.SideTypeSell, 100.5))
	assert.Equal(t, "0.8", formatPrice(-0.8))
	assert.Equal(t, "65000", formatPrice(65000))
}
