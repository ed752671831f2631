package ports

import (
	"context"

	"optionsBot/internal/domain"
)

// BrokerEventKind identifies the payload carried by a BrokerEvent.
type BrokerEventKind int

const (
	EventOrderStatus BrokerEventKind = iota + 1
	EventExecution
	EventCommissionReport
)

// String returns a readable name for logs.
func (k BrokerEventKind) String() string {
	switch k {
	case EventOrderStatus:
		return "orderStatus"
	case EventExecution:
		return "execution"
	case EventCommissionReport:
		return "commissionReport"
	default:
		return "unknown"
	}
}

// BrokerEvent is published by a connector whenever it learns something new about
// an order it placed. Order is the same pointer that was passed to PlaceOrder.
type BrokerEvent struct {
	Kind  BrokerEventKind
	Order *domain.Order

	// EventOrderStatus
	Status domain.OrderStatus
	Filled int

	// EventExecution
	Execution *domain.Execution

	// EventCommissionReport
	ExecutionID string
	Commission  float64
	Fee         float64
}

// BrokerConnector is the transport to one broker account.
type BrokerConnector interface {
	// Name returns the connector identifier (e.g. "paper", "binance", "alpaca").
	Name() string

	// IsConnected reports whether the connector currently has a working session.
	IsConnected() bool

	// IsTradingEnabled reports whether the account may place new orders.
	IsTradingEnabled(ctx context.Context) bool

	// PrepareOrder validates the order's contracts against the broker's specs.
	PrepareOrder(ctx context.Context, order *domain.Order) error

	// PlaceOrder submits the order and returns the broker's order id.
	// The connector must not mutate the order.
	PlaceOrder(ctx context.Context, order *domain.Order, tmpl Template) (string, error)

	// CancelOrder requests cancellation of a live order.
	CancelOrder(ctx context.Context, order *domain.Order) error

	// AdjustOrder moves the limit price of a live order to newPrice.
	AdjustOrder(ctx context.Context, order *domain.Order, newPrice float64) error

	// GetFillPrice returns the average fill price of an order, signed like Order.Price.
	GetFillPrice(ctx context.Context, order *domain.Order) (float64, error)

	// GetLastPrice returns the last traded price of a symbol.
	GetLastPrice(ctx context.Context, symbol string) (float64, error)

	// UsesOCOOrders reports whether the broker cancels OCA group siblings by itself.
	UsesOCOOrders() bool

	// EODSettlementTasks runs the broker's own end-of-day housekeeping.
	EODSettlementTasks(ctx context.Context) error

	// Events returns the channel the connector publishes order events onto.
	Events() <-chan BrokerEvent
}
