package domain

import "time"

// Leg is one contract within a (possibly multi-leg) order.
type Leg struct {
	Strike     float64     // Strike price (0 for non-option instruments)
	Right      OptionRight // CALL or PUT, empty for non-option instruments
	Expiration time.Time   // Contract expiration date
	Action     OrderAction // BUY or SELL
	Bid        float64     // Bid quoted when the order was composed
	Ask        float64     // Ask quoted when the order was composed
	Quantity   int         // Number of contracts
}

// IsOption reports whether the leg is an option contract.
func (l Leg) IsOption() bool {
	return l.Right != ""
}

// Multiplier returns the contract multiplier of the leg.
func (l Leg) Multiplier() float64 {
	if l.IsOption() {
		return ContractMultiplier
	}
	return 1
}

// IntrinsicValue returns the value per unit of the leg at the given underlying price.
func (l Leg) IntrinsicValue(underlying float64) float64 {
	switch l.Right {
	case Call:
		if underlying > l.Strike {
			return underlying - l.Strike
		}
	case Put:
		if l.Strike > underlying {
			return l.Strike - underlying
		}
	}
	return 0
}

// SettlementValue returns the per-unit value of the leg when it is settled at the
// given underlying price: intrinsic value for options, the price itself otherwise.
func (l Leg) SettlementValue(underlying float64) float64 {
	if l.IsOption() {
		return l.IntrinsicValue(underlying)
	}
	return underlying
}

// Order describes a broker order composed by a template.
// Prices follow the combo convention: positive is a debit, negative a credit.
type Order struct {
	Symbol   string      // Underlying symbol
	Legs     []Leg       // Ordered legs
	Type     OrderType   // LMT or STP
	Price    float64     // Limit (LMT) or trigger (STP) price
	Status   OrderStatus // NEW, OPEN, FILLED, CANCELLED
	Ref      string      // Human readable order reference
	BrokerID string      // Order id assigned by the broker on placement
	OCAGroup string      // One-cancels-all group, empty if none
	Filled   int         // Contracts filled so far, summed over legs
}

// IsTerminal reports whether the order reached FILLED or CANCELLED.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderFilled || o.Status == OrderCancelled
}

// IsMultiLeg reports whether the order has more than one leg.
func (o *Order) IsMultiLeg() bool {
	return len(o.Legs) > 1
}

// TotalQuantity returns the number of contracts over all legs.
func (o *Order) TotalQuantity() int {
	total := 0
	for _, l := range o.Legs {
		total += l.Quantity
	}
	return total
}

// IsFullyFilled reports whether every contract of the order was executed.
func (o *Order) IsFullyFilled() bool {
	total := o.TotalQuantity()
	return total > 0 && o.Filled >= total
}

// ClosingLegs returns a copy of the legs with reversed actions and no quotes.
func (o *Order) ClosingLegs() []Leg {
	legs := make([]Leg, len(o.Legs))
	for i, l := range o.Legs {
		legs[i] = Leg{
			Strike:     l.Strike,
			Right:      l.Right,
			Expiration: l.Expiration,
			Action:     l.Action.Reverse(),
			Quantity:   l.Quantity,
		}
	}
	return legs
}

// Execution is a single fill reported by a broker.
type Execution struct {
	ExecID     string       // Broker execution id, unique per fill
	Action     OrderAction  // BUY or SELL
	SecType    SecurityType // OPT, BAG or FUT
	Amount     int          // Contracts filled
	Price      float64      // Fill price per unit
	Expiration time.Time    // Contract expiration
	Strike     float64      // Contract strike
	Timestamp  time.Time    // Fill time
}
