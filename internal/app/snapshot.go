package app

import (
	"time"

	"optionsBot/internal/domain"
)

// OrderView is a read-only copy of an order.
type OrderView struct {
	Ref      string             `json:"ref"`
	BrokerID string             `json:"brokerId,omitempty"`
	Type     domain.OrderType   `json:"type"`
	Price    float64            `json:"price"`
	Status   domain.OrderStatus `json:"status"`
	Filled   int                `json:"filled"`
	Quantity int                `json:"quantity"`
	OCAGroup string             `json:"ocaGroup,omitempty"`
}

// TradeView is a read-only copy of a managed trade.
type TradeView struct {
	ID           int64              `json:"id"`
	Account      string             `json:"account"`
	Symbol       string             `json:"symbol"`
	Template     string             `json:"template"`
	Status       domain.TradeStatus `json:"status"`
	Expired      bool               `json:"expired"`
	RealizedPNL  float64            `json:"realizedPnl"`
	CurrentPrice float64            `json:"currentPrice"`
	OpenedAt     time.Time          `json:"openedAt"`
	ClosedAt     *time.Time         `json:"closedAt,omitempty"`
	Entry        *OrderView         `json:"entry"`
	TakeProfit   *OrderView         `json:"takeProfit,omitempty"`
	StopLoss     *OrderView         `json:"stopLoss,omitempty"`
	Transactions int                `json:"transactions"`
}

func viewOrder(o *domain.Order) *OrderView {
	if o == nil {
		return nil
	}
	return &OrderView{
		Ref:      o.Ref,
		BrokerID: o.BrokerID,
		Type:     o.Type,
		Price:    o.Price,
		Status:   o.Status,
		Filled:   o.Filled,
		Quantity: o.TotalQuantity(),
		OCAGroup: o.OCAGroup,
	}
}

// View returns a consistent copy of the trade's state.
func (mt *ManagedTrade) View() TradeView {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	v := TradeView{
		ID:           mt.Trade.ID,
		Account:      mt.Account,
		Symbol:       mt.Trade.Symbol,
		Template:     mt.Template.Name(),
		Status:       mt.Status,
		Expired:      mt.Expired,
		RealizedPNL:  mt.RealizedPNL,
		CurrentPrice: mt.CurrentPrice,
		OpenedAt:     mt.Trade.OpenedAt,
		Entry:        viewOrder(mt.EntryOrder),
		TakeProfit:   viewOrder(mt.TakeProfitOrder),
		StopLoss:     viewOrder(mt.StopLossOrder),
		Transactions: len(mt.Transactions),
	}
	if !mt.Trade.ClosedAt.IsZero() {
		closed := mt.Trade.ClosedAt
		v.ClosedAt = &closed
	}
	return v
}

// Snapshot returns views of all managed trades in creation order.
func (m *TradeManager) Snapshot() []TradeView {
	trades := m.registry()
	out := make([]TradeView, 0, len(trades))
	for _, mt := range trades {
		out = append(out, mt.View())
	}
	return out
}

// Trade returns the view of one managed trade.
func (m *TradeManager) Trade(id int64) (TradeView, bool) {
	mt := m.findByID(id)
	if mt == nil {
		return TradeView{}, false
	}
	return mt.View(), true
}
