package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
	"optionsBot/internal/pricing"
)

// trackEntryOrder chases the entry fill by stepping the limit price. It stops once
// the trade is gone or its entry order reached a terminal status.
func (m *TradeManager) trackEntryOrder(ctx context.Context, mt *ManagedTrade) {
	op := "trackEntryOrder"
	tradeID := mt.ID()
	key := jobKey(jobTrackEntry, tradeID)

	if !m.isRegistered(mt) {
		m.sched.Cancel(key)
		return
	}

	mt.mu.Lock()
	entry := mt.EntryOrder
	status := entry.Status
	price := entry.Price
	legs := len(entry.Legs)
	_, cancelPending := mt.cancelClaims[entry]
	skip := mt.Expired || cancelPending || mt.Status.IsTerminal()
	mt.mu.Unlock()

	if status == domain.OrderFilled || status == domain.OrderCancelled {
		m.sched.Cancel(key)
		return
	}
	if skip || status != domain.OrderOpen {
		return
	}

	conn, err := m.connectorFor(mt)
	if err != nil {
		m.logger.Error(ctx, err, op+": No connector for trade", map[string]interface{}{"tradeID": tradeID})
		return
	}

	tmpl := mt.Template
	newPrice := pricing.Step(price, tmpl.AdjustmentStep(), legs)
	fields := map[string]interface{}{"tradeID": tradeID, "price": price, "newPrice": newPrice}

	if !tmpl.MeetsMinimumPremium(newPrice) {
		mt.mu.Lock()
		claimed := mt.claimCancelLocked(entry, cancelEntryPremium)
		mt.mu.Unlock()
		if !claimed {
			return
		}
		m.logger.Info(ctx, op+": Adjusted price below minimum premium, cancelling entry order", fields)
		// Trade cleanup follows the broker's CANCELLED event.
		if m.cancelOrder(ctx, mt, conn, entry, roleEntry) {
			m.sched.Cancel(key)
		}
		return
	}

	if err := conn.AdjustOrder(ctx, entry, newPrice); err != nil {
		m.logger.Error(ctx, err, op+": Failed to adjust entry order", fields)
		return
	}
	mt.mu.Lock()
	if !entry.IsTerminal() {
		entry.Price = newPrice
	}
	mt.mu.Unlock()
	m.logger.Debug(ctx, op+": Entry order adjusted", fields)
}

// createTakeProfitAndStopLoss composes and places the exit orders after the entry filled.
func (m *TradeManager) createTakeProfitAndStopLoss(ctx context.Context, mt *ManagedTrade) {
	op := "createTakeProfitAndStopLoss"
	m.openMu.Lock()
	defer m.openMu.Unlock()

	tradeID := mt.ID()
	fields := map[string]interface{}{"tradeID": tradeID}
	if !m.isRegistered(mt) {
		return
	}

	mt.mu.Lock()
	entry := mt.EntryOrder
	alreadyCreated := mt.TakeProfitOrder != nil || mt.StopLossOrder != nil
	active := mt.Status == domain.TradeOpen && !mt.Expired
	mt.mu.Unlock()
	if alreadyCreated || !active {
		return
	}

	conn, err := m.connectorFor(mt)
	if err != nil {
		m.logger.Error(ctx, err, op+": No connector for trade", fields)
		return
	}

	fillPrice, err := conn.GetFillPrice(ctx, entry)
	if err != nil {
		m.logger.Error(ctx, err, op+": Failed to get entry fill price", fields)
		return
	}
	fields["fillPrice"] = fillPrice

	tmpl := mt.Template
	var tp, sl *domain.Order
	if tmpl.HasTakeProfit() {
		if tp, err = tmpl.ComposeTakeProfitOrder(entry, fillPrice); err != nil {
			m.logger.Error(ctx, err, op+": Failed to compose take-profit order", fields)
			tp = nil
		}
	}
	if tmpl.HasStopLoss() {
		if sl, err = tmpl.ComposeStopLossOrder(entry, fillPrice); err != nil {
			m.logger.Error(ctx, err, op+": Failed to compose stop-loss order", fields)
			sl = nil
		}
	}
	if tp == nil && sl == nil {
		m.logger.Info(ctx, op+": Template defines no exit orders", fields)
		return
	}

	if tp != nil && sl != nil {
		group := fmt.Sprintf("oca-%d-%d", tradeID, m.now().UnixNano())
		tp.OCAGroup = group
		sl.OCAGroup = group
		fields["ocaGroup"] = group
	}
	if tp != nil {
		tp.Ref = fmt.Sprintf("#%d %s TP", tradeID, tmpl.Name())
		tp.Status = domain.OrderNew
	}
	if sl != nil {
		sl.Ref = fmt.Sprintf("#%d %s SL", tradeID, tmpl.Name())
		sl.Status = domain.OrderNew
	}

	mt.mu.Lock()
	mt.TakeProfitOrder = tp
	mt.StopLossOrder = sl
	mt.mu.Unlock()

	if tp != nil {
		if err := m.placeOrder(ctx, mt, conn, tp, roleTakeProfit); err != nil {
			markUnplaced(mt, tp)
			m.logger.Error(ctx, err, op+": Failed to place take-profit order", fields)
		}
	}
	if sl != nil {
		if err := m.placeOrder(ctx, mt, conn, sl, roleStopLoss); err != nil {
			markUnplaced(mt, sl)
			m.logger.Error(ctx, err, op+": Failed to place stop-loss order", fields)
		}
	}
}

// markUnplaced turns an exit order the broker rejected into a cancelled one, so
// the monitor places it again and end of day does not try to cancel it.
func markUnplaced(mt *ManagedTrade, order *domain.Order) {
	mt.mu.Lock()
	if order.Status == domain.OrderNew {
		order.Status = domain.OrderCancelled
	}
	mt.mu.Unlock()
}

// monitorOpenTrades refreshes prices of active trades and places again any exit
// order the broker cancelled without the bot asking for it.
func (m *TradeManager) monitorOpenTrades(ctx context.Context) {
	op := "monitorOpenTrades"
	for _, mt := range m.registry() {
		mt.mu.Lock()
		watch := mt.Status == domain.TradeOpen && !mt.Expired
		symbol := mt.Trade.Symbol
		mt.mu.Unlock()
		if !watch {
			continue
		}

		conn, err := m.connectorFor(mt)
		if err != nil {
			m.logger.Error(ctx, err, op+": No connector for trade", map[string]interface{}{"tradeID": mt.ID()})
			continue
		}

		if price, err := conn.GetLastPrice(ctx, symbol); err != nil {
			m.logger.Warn(ctx, op+": Failed to refresh price", map[string]interface{}{"tradeID": mt.ID(), "error": err.Error()})
		} else {
			mt.mu.Lock()
			mt.CurrentPrice = price
			mt.mu.Unlock()
		}

		for _, role := range []orderRole{roleTakeProfit, roleStopLoss} {
			m.replaceCancelledOrder(ctx, mt, conn, role)
		}
	}
}

func (m *TradeManager) replaceCancelledOrder(ctx context.Context, mt *ManagedTrade, conn ports.BrokerConnector, role orderRole) {
	op := "replaceCancelledOrder"

	mt.mu.Lock()
	order := mt.TakeProfitOrder
	if role == roleStopLoss {
		order = mt.StopLossOrder
	}
	if !mt.replaceableLocked(order) || mt.Status != domain.TradeOpen || mt.Expired {
		mt.mu.Unlock()
		return
	}
	delete(mt.cancelClaims, order)
	order.Status = domain.OrderOpen
	order.Filled = 0
	mt.mu.Unlock()

	fields := map[string]interface{}{"tradeID": mt.ID(), "role": role.String()}
	m.logger.Warn(ctx, op+": Exit order was cancelled outside the bot, placing it again", fields)
	if err := m.placeOrder(ctx, mt, conn, order, role); err != nil {
		mt.mu.Lock()
		if order.Status == domain.OrderOpen {
			order.Status = domain.OrderCancelled
		}
		mt.mu.Unlock()
		m.logger.Error(ctx, err, op+": Failed to place exit order again", fields)
	}
}

// eodTasks marks every open trade expired and cancels its live exit orders.
func (m *TradeManager) eodTasks(ctx context.Context) {
	op := "eodTasks"
	expired := 0
	for _, mt := range m.registry() {
		conn, err := m.connectorFor(mt)
		if err != nil {
			m.logger.Error(ctx, err, op+": No connector for trade", map[string]interface{}{"tradeID": mt.ID()})
			continue
		}

		type pending struct {
			order *domain.Order
			role  orderRole
		}
		var toCancel []pending
		oco := conn.UsesOCOOrders()

		mt.mu.Lock()
		if mt.Status != domain.TradeOpen {
			mt.mu.Unlock()
			continue
		}
		mt.Expired = true
		expired++

		sl, tp := mt.StopLossOrder, mt.TakeProfitOrder
		slLive := sl != nil && !sl.IsTerminal()
		if mt.claimCancelLocked(sl, cancelEndOfDay) {
			toCancel = append(toCancel, pending{sl, roleStopLoss})
		}
		// The broker cancels a TP sharing the SL's OCA group by itself.
		sharedGroup := slLive && tp != nil && tp.OCAGroup != "" && tp.OCAGroup == sl.OCAGroup
		if !(sharedGroup && oco) && mt.claimCancelLocked(tp, cancelEndOfDay) {
			toCancel = append(toCancel, pending{tp, roleTakeProfit})
		}
		if mt.claimCancelLocked(mt.EntryOrder, cancelEndOfDay) {
			toCancel = append(toCancel, pending{mt.EntryOrder, roleEntry})
		}
		mt.mu.Unlock()

		for _, p := range toCancel {
			m.cancelOrder(ctx, mt, conn, p.order, p.role)
		}
	}
	m.logger.Info(ctx, op+": End of day tasks done", map[string]interface{}{"expiredTrades": expired})
}

// eodSettlement values expired trades at the underlying's last price and runs
// each connected broker's own settlement.
func (m *TradeManager) eodSettlement(ctx context.Context) {
	op := "eodSettlement"
	settled := 0
	for _, mt := range m.registry() {
		mt.mu.Lock()
		due := mt.Expired && mt.Status == domain.TradeOpen
		symbol := mt.Trade.Symbol
		mt.mu.Unlock()
		if !due {
			continue
		}
		fields := map[string]interface{}{"tradeID": mt.ID(), "symbol": symbol}

		conn, err := m.connectorFor(mt)
		if err != nil {
			m.logger.Error(ctx, err, op+": No connector for trade", fields)
			continue
		}
		price, err := conn.GetLastPrice(ctx, symbol)
		if err != nil {
			m.logger.Error(ctx, err, op+": Failed to get settlement price", fields)
			continue
		}

		mt.mu.Lock()
		mt.CurrentPrice = price
		mt.settleLocked(price)
		advanced := mt.advanceLocked(domain.TradeExpired, m.now())
		if advanced {
			mt.refreshPNLLocked()
		}
		trade := mt.tradeCopyLocked()
		mt.mu.Unlock()
		if !advanced {
			continue
		}

		m.persistTrade(ctx, trade)
		settled++
		fields["settlementPrice"] = price
		fields["realizedPNL"] = trade.RealizedPNL
		m.logger.Info(ctx, op+": Trade expired", fields)
	}

	if err := m.settleConnectors(ctx); err != nil {
		m.logger.Error(ctx, err, op+": Broker settlement tasks failed")
	}
	m.logger.Info(ctx, op+": End of day settlement done", map[string]interface{}{"settledTrades": settled})
}

// reportExecutedTrade sends the entry fill to telemetry, retrying with backoff.
func (m *TradeManager) reportExecutedTrade(ctx context.Context, mt *ManagedTrade) {
	op := "reportExecutedTrade"
	if m.reporter == nil {
		return
	}

	mt.mu.Lock()
	data := map[string]interface{}{
		"tradeId":  mt.ID(),
		"account":  mt.Account,
		"symbol":   mt.Trade.Symbol,
		"strategy": mt.Trade.Strategy,
		"quantity": mt.EntryOrder.Filled,
		"price":    mt.EntryOrder.Price,
	}
	mt.mu.Unlock()

	b := &backoff.Backoff{
		Min:    m.cfg.TelemetryRetryDelay,
		Max:    30 * time.Second,
		Factor: 2,
	}
	var lastErr error
	for attempt := 1; attempt <= m.cfg.TelemetryAttempts; attempt++ {
		lastErr = m.reporter.ReportAction(ctx, eventExecutedTrade, data)
		if lastErr == nil {
			m.logger.Debug(ctx, op+": Executed trade reported", map[string]interface{}{"tradeID": mt.ID(), "attempt": attempt})
			return
		}
		if isContextErr(lastErr) || attempt == m.cfg.TelemetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			m.logger.Warn(ctx, op+": Telemetry report abandoned on shutdown", map[string]interface{}{"tradeID": mt.ID()})
			return
		case <-time.After(b.Duration()):
		}
	}
	m.logger.Error(ctx, lastErr, op+": Giving up on telemetry report", map[string]interface{}{
		"tradeID":  mt.ID(),
		"attempts": m.cfg.TelemetryAttempts,
	})
}
