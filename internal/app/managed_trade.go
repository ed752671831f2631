package app

import (
	"sync"
	"time"

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
)

// orderRole identifies which of a trade's orders an event refers to.
type orderRole int

const (
	roleNone orderRole = iota
	roleEntry
	roleTakeProfit
	roleStopLoss
)

func (r orderRole) String() string {
	switch r {
	case roleEntry:
		return "entry"
	case roleTakeProfit:
		return "takeProfit"
	case roleStopLoss:
		return "stopLoss"
	default:
		return "none"
	}
}

// cancelReason records why the manager asked the broker to cancel an order.
type cancelReason int

const (
	cancelEntryPremium cancelReason = iota + 1 // entry no longer meets minimum premium
	cancelSibling                              // other exit order filled or was cancelled
	cancelEndOfDay                             // end-of-day expiry
)

// ManagedTrade binds a persisted trade to its orders and template.
// All fields are guarded by mu; mu is never held across broker or repository calls.
type ManagedTrade struct {
	mu sync.Mutex

	Trade           *domain.Trade
	Template        ports.Template
	Account         string
	EntryOrder      *domain.Order
	TakeProfitOrder *domain.Order
	StopLossOrder   *domain.Order
	Status          domain.TradeStatus
	RealizedPNL     float64
	CurrentPrice    float64
	Transactions    []*domain.Transaction
	Expired         bool

	reported        bool
	settlementValue float64
	cancelClaims    map[*domain.Order]cancelReason

	// ledgerMu serialises transaction id allocation for this trade.
	ledgerMu sync.Mutex
}

func newManagedTrade(trade *domain.Trade, tmpl ports.Template, entry *domain.Order) *ManagedTrade {
	return &ManagedTrade{
		Trade:        trade,
		Template:     tmpl,
		Account:      tmpl.Account(),
		EntryOrder:   entry,
		Status:       trade.Status,
		cancelClaims: make(map[*domain.Order]cancelReason),
	}
}

// ID returns the persisted trade id.
func (mt *ManagedTrade) ID() int64 {
	return mt.Trade.ID
}

// IsActive reports whether the trade is OPEN.
func (mt *ManagedTrade) IsActive() bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.Status == domain.TradeOpen
}

// CurrentStatus returns the in-memory status mirror.
func (mt *ManagedTrade) CurrentStatus() domain.TradeStatus {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.Status
}

// roleOfLocked returns the role order plays in this trade.
func (mt *ManagedTrade) roleOfLocked(order *domain.Order) orderRole {
	switch {
	case order == nil:
		return roleNone
	case order == mt.EntryOrder:
		return roleEntry
	case order == mt.TakeProfitOrder:
		return roleTakeProfit
	case order == mt.StopLossOrder:
		return roleStopLoss
	default:
		return roleNone
	}
}

func (mt *ManagedTrade) siblingLocked(role orderRole) *domain.Order {
	switch role {
	case roleTakeProfit:
		return mt.StopLossOrder
	case roleStopLoss:
		return mt.TakeProfitOrder
	default:
		return nil
	}
}

// advanceLocked moves the trade forward to next. It returns false for any
// transition that is not strictly forward.
func (mt *ManagedTrade) advanceLocked(next domain.TradeStatus, now time.Time) bool {
	if !mt.Status.CanAdvanceTo(next) {
		return false
	}
	mt.Status = next
	mt.Trade.Status = next
	if next.IsTerminal() {
		mt.Trade.ClosedAt = now
	}
	return true
}

// claimCancelLocked registers a bot-initiated cancel for order. Only the first
// claim on a live order succeeds.
func (mt *ManagedTrade) claimCancelLocked(order *domain.Order, reason cancelReason) bool {
	if order == nil || order.IsTerminal() {
		return false
	}
	if _, claimed := mt.cancelClaims[order]; claimed {
		return false
	}
	mt.cancelClaims[order] = reason
	return true
}

func (mt *ManagedTrade) releaseCancel(order *domain.Order) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	delete(mt.cancelClaims, order)
}

// replaceableLocked reports whether order was cancelled from outside the bot, or
// only as a consequence of such a cancel, and may be placed again.
func (mt *ManagedTrade) replaceableLocked(order *domain.Order) bool {
	if order == nil || order.Status != domain.OrderCancelled {
		return false
	}
	reason, claimed := mt.cancelClaims[order]
	return !claimed || reason == cancelSibling
}

// realizedPNLLocked returns cash flows of all transactions plus the settlement value
// of positions still held at expiry.
func (mt *ManagedTrade) realizedPNLLocked() float64 {
	pnl := mt.settlementValue
	for _, tx := range mt.Transactions {
		pnl += tx.CashFlow()
	}
	return pnl
}

// refreshPNLLocked recomputes P&L of a terminal trade. It reports whether the value changed.
func (mt *ManagedTrade) refreshPNLLocked() bool {
	if !mt.Status.IsTerminal() {
		return false
	}
	pnl := mt.realizedPNLLocked()
	if pnl == mt.RealizedPNL && pnl == mt.Trade.RealizedPNL {
		return false
	}
	mt.RealizedPNL = pnl
	mt.Trade.RealizedPNL = pnl
	return true
}

// settleLocked values the entry legs still held at the underlying price.
func (mt *ManagedTrade) settleLocked(underlying float64) {
	entry := mt.EntryOrder
	total := entry.TotalQuantity()
	if total == 0 || entry.Filled == 0 {
		mt.settlementValue = 0
		return
	}
	ratio := float64(entry.Filled) / float64(total)
	if ratio > 1 {
		ratio = 1
	}
	value := 0.0
	for _, leg := range entry.Legs {
		value += leg.Action.Sign() * leg.SettlementValue(underlying) * float64(leg.Quantity) * leg.Multiplier() * ratio
	}
	mt.settlementValue = value
}

// tradeCopyLocked returns a copy of the persisted trade for repository calls.
func (mt *ManagedTrade) tradeCopyLocked() *domain.Trade {
	t := *mt.Trade
	return &t
}
