package httpapi

import (
	"fmt"
	"time"

	"optionsBot/internal/domain"
)

const dateLayout = "2006-01-02"

// LegRequest describes one entry leg.
type LegRequest struct {
	Strike     float64 `json:"strike" binding:"gte=0"`
	Right      string  `json:"right" binding:"omitempty,oneof=CALL PUT"`
	Expiration string  `json:"expiration"` // YYYY-MM-DD
	Action     string  `json:"action" binding:"required,oneof=BUY SELL"`
	Bid        float64 `json:"bid" binding:"gte=0"`
	Ask        float64 `json:"ask" binding:"gte=0"`
	Quantity   int     `json:"quantity" binding:"required,gt=0"`
}

// OpenTradeRequest is the body of POST /trades.
type OpenTradeRequest struct {
	Template string       `json:"template" binding:"required"`
	Symbol   string       `json:"symbol" binding:"required"`
	Legs     []LegRequest `json:"legs" binding:"required,min=1,dive"`
}

// Order converts the request into an entry order.
func (r OpenTradeRequest) Order() (*domain.Order, error) {
	legs := make([]domain.Leg, 0, len(r.Legs))
	for i, l := range r.Legs {
		leg := domain.Leg{
			Strike:   l.Strike,
			Right:    domain.OptionRight(l.Right),
			Action:   domain.OrderAction(l.Action),
			Bid:      l.Bid,
			Ask:      l.Ask,
			Quantity: l.Quantity,
		}
		if l.Expiration != "" {
			exp, err := time.Parse(dateLayout, l.Expiration)
			if err != nil {
				return nil, fmt.Errorf("leg %d: invalid expiration %q", i, l.Expiration)
			}
			leg.Expiration = exp
		}
		if l.Ask < l.Bid {
			return nil, fmt.Errorf("leg %d: ask %.2f below bid %.2f", i, l.Ask, l.Bid)
		}
		legs = append(legs, leg)
	}
	return &domain.Order{Symbol: r.Symbol, Legs: legs, Type: domain.OrderTypeLimit}, nil
}

type tradeRecord struct {
	ID          int64              `json:"id"`
	Account     string             `json:"account"`
	Symbol      string             `json:"symbol"`
	Strategy    string             `json:"strategy"`
	Status      domain.TradeStatus `json:"status"`
	RealizedPNL float64            `json:"realizedPnl"`
	OpenedAt    time.Time          `json:"openedAt"`
	ClosedAt    *time.Time         `json:"closedAt,omitempty"`
}

func newTradeRecord(t *domain.Trade) tradeRecord {
	rec := tradeRecord{
		ID:          t.ID,
		Account:     t.Account,
		Symbol:      t.Symbol,
		Strategy:    t.Strategy,
		Status:      t.Status,
		RealizedPNL: t.RealizedPNL,
		OpenedAt:    t.OpenedAt,
	}
	if !t.ClosedAt.IsZero() {
		closed := t.ClosedAt
		rec.ClosedAt = &closed
	}
	return rec
}

type transactionRecord struct {
	ID          int64               `json:"id"`
	ExecutionID string              `json:"executionId"`
	Type        domain.OrderAction  `json:"type"`
	SecType     domain.SecurityType `json:"secType"`
	Contracts   int                 `json:"contracts"`
	Price       float64             `json:"price"`
	Strike      float64             `json:"strike,omitempty"`
	Expiration  string              `json:"expiration,omitempty"`
	Commission  float64             `json:"commission"`
	Fee         float64             `json:"fee"`
	CashFlow    float64             `json:"cashFlow"`
	Timestamp   time.Time           `json:"timestamp"`
}

func newTransactionRecords(txs []*domain.Transaction) []transactionRecord {
	out := make([]transactionRecord, 0, len(txs))
	for _, t := range txs {
		rec := transactionRecord{
			ID:          t.ID,
			ExecutionID: t.ExecutionID,
			Type:        t.Type,
			SecType:     t.SecType,
			Contracts:   t.Contracts,
			Price:       t.Price,
			Strike:      t.Strike,
			Commission:  t.Commission,
			Fee:         t.Fee,
			CashFlow:    t.CashFlow(),
			Timestamp:   t.Timestamp,
		}
		if !t.Expiration.IsZero() {
			rec.Expiration = t.Expiration.Format(dateLayout)
		}
		out = append(out, rec)
	}
	return out
}
