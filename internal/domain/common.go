package domain

// OrderAction represents the side of an order leg (BUY or SELL).
type OrderAction string

const (
	Buy  OrderAction = "BUY"
	Sell OrderAction = "SELL"
)

// Reverse returns the opposite action, used when composing closing orders.
func (a OrderAction) Reverse() OrderAction {
	if a == Buy {
		return Sell
	}
	return Buy
}

// Sign returns +1 for BUY and -1 for SELL.
func (a OrderAction) Sign() float64 {
	if a == Sell {
		return -1
	}
	return 1
}

// OrderStatus represents the lifecycle state of a broker order.
type OrderStatus string

const (
	OrderNew       OrderStatus = "NEW" // Composed but not yet accepted by the broker
	OrderOpen      OrderStatus = "OPEN"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeLimit OrderType = "LMT"
	OrderTypeStop  OrderType = "STP"
)

// OptionRight is the right of an option contract.
type OptionRight string

const (
	Call OptionRight = "CALL"
	Put  OptionRight = "PUT"
)

// SecurityType classifies executions reported by a broker.
type SecurityType string

const (
	SecTypeOption SecurityType = "OPT"
	SecTypeCombo  SecurityType = "BAG" // Combo-level execution, mirrors its leg executions
	SecTypeFuture SecurityType = "FUT"
)

// TradeStatus represents the status of a persisted trade.
type TradeStatus string

const (
	TradeNew     TradeStatus = "NEW"
	TradeOpen    TradeStatus = "OPEN"
	TradeClosed  TradeStatus = "CLOSED"
	TradeExpired TradeStatus = "EXPIRED"
)

// IsTerminal reports whether no further status transition is allowed.
func (s TradeStatus) IsTerminal() bool {
	return s == TradeClosed || s == TradeExpired
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
// Status only moves NEW -> OPEN -> {CLOSED | EXPIRED}.
func (s TradeStatus) CanAdvanceTo(next TradeStatus) bool {
	return tradeStatusRank[next] > tradeStatusRank[s]
}

var tradeStatusRank = map[TradeStatus]int{
	TradeNew:     0,
	TradeOpen:    1,
	TradeClosed:  2,
	TradeExpired: 2,
}

// ContractMultiplier is the number of underlying units per option contract.
const ContractMultiplier = 100
