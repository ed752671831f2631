package domain

import "time"

// Trade is the persisted record of one templated trade.
type Trade struct {
	ID          int64       // Unique, monotonically increasing identifier (from DB)
	Account     string      // Broker account the trade runs on
	Symbol      string      // Underlying symbol
	Strategy    string      // Name of the template that opened the trade
	Status      TradeStatus // NEW, OPEN, CLOSED, EXPIRED
	RealizedPNL float64     // Realized profit and loss, set when the trade terminates
	OpenedAt    time.Time   // Time the trade was created
	ClosedAt    time.Time   // Time the trade was closed or expired (zero while open)
}

// Transaction is one ledger row per execution of a trade's orders.
type Transaction struct {
	TradeID     int64        // Owning trade
	ID          int64        // Sequential, 1-based per trade
	ExecutionID string       // Broker execution id the row was created from
	Symbol      string       // Underlying symbol
	Type        OrderAction  // BUY or SELL
	SecType     SecurityType // OPT, BAG or FUT
	Contracts   int          // Contracts executed
	Price       float64      // Execution price per unit
	Expiration  time.Time    // Contract expiration (zero if none)
	Strike      float64      // Contract strike (0 if none)
	Commission  float64      // Back-filled by the commission report
	Fee         float64      // Back-filled by the commission report
	Timestamp   time.Time    // Execution time
}

// CashFlow returns the signed cash effect of the transaction including costs.
// Combo-level rows mirror their legs and carry no cash flow of their own.
func (t Transaction) CashFlow() float64 {
	costs := t.Commission + t.Fee
	if t.SecType == SecTypeCombo {
		return -costs
	}
	multiplier := 1.0
	if t.SecType == SecTypeOption {
		multiplier = ContractMultiplier
	}
	return -t.Type.Sign()*t.Price*float64(t.Contracts)*multiplier - costs
}
