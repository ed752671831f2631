package app

import (
	"context"
	"fmt"

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
)

// HandleOrderStatus applies a broker order status change. Orders that already
// reached a terminal status are never processed again.
func (m *TradeManager) HandleOrderStatus(ctx context.Context, order *domain.Order, status domain.OrderStatus, filled int) {
	mt, role := m.findByOrder(order)
	if mt == nil {
		m.logger.Debug(ctx, "Order status for unknown order", map[string]interface{}{"status": status})
		return
	}
	m.logger.Debug(ctx, "Order status", map[string]interface{}{
		"tradeID": mt.ID(),
		"role":    role.String(),
		"status":  status,
		"filled":  filled,
	})

	switch role {
	case roleEntry:
		m.onEntryStatus(ctx, mt, order, status)
	case roleTakeProfit, roleStopLoss:
		m.onExitStatus(ctx, mt, role, order, status)
	}
}

func (m *TradeManager) onEntryStatus(ctx context.Context, mt *ManagedTrade, order *domain.Order, status domain.OrderStatus) {
	op := "onEntryStatus"
	tradeID := mt.ID()

	switch status {
	case domain.OrderOpen:
		mt.mu.Lock()
		if order.Status == domain.OrderNew {
			order.Status = domain.OrderOpen
		}
		mt.mu.Unlock()

	case domain.OrderFilled:
		mt.mu.Lock()
		if order.IsTerminal() {
			mt.mu.Unlock()
			return
		}
		order.Status = domain.OrderFilled
		advanced := mt.advanceLocked(domain.TradeOpen, m.now())
		trade := mt.tradeCopyLocked()
		mt.mu.Unlock()

		m.sched.Cancel(jobKey(jobTrackEntry, tradeID))
		if advanced {
			m.persistTrade(ctx, trade)
		}
		m.logger.Info(ctx, op+": Entry order filled", map[string]interface{}{"tradeID": tradeID})
		m.sched.Once(jobKey(jobCreateTPSL, tradeID), m.cfg.TPSLDelay, func(ctx context.Context) {
			m.createTakeProfitAndStopLoss(ctx, mt)
		})

	case domain.OrderCancelled:
		mt.mu.Lock()
		if order.IsTerminal() {
			mt.mu.Unlock()
			return
		}
		order.Status = domain.OrderCancelled
		neverOpened := mt.Status == domain.TradeNew && len(mt.Transactions) == 0
		mt.mu.Unlock()

		m.sched.Cancel(jobKey(jobTrackEntry, tradeID))
		if neverOpened {
			m.logger.Info(ctx, op+": Entry order cancelled before any fill", map[string]interface{}{"tradeID": tradeID})
			m.discardTrade(ctx, mt)
			return
		}
		// Partially filled entries keep their position until expiry.
		m.logger.Warn(ctx, op+": Entry order cancelled after partial fill, no exit orders will be created", map[string]interface{}{
			"tradeID": tradeID,
		})
	}
}

func (m *TradeManager) onExitStatus(ctx context.Context, mt *ManagedTrade, role orderRole, order *domain.Order, status domain.OrderStatus) {
	op := "onExitStatus"
	tradeID := mt.ID()
	conn, err := m.connectorFor(mt)
	if err != nil {
		m.logger.Error(ctx, err, op+": No connector for trade", map[string]interface{}{"tradeID": tradeID})
		return
	}

	oco := conn.UsesOCOOrders()

	mt.mu.Lock()
	if order.IsTerminal() {
		mt.mu.Unlock()
		return
	}
	var (
		closed bool
		trade  *domain.Trade
	)
	switch status {
	case domain.OrderOpen:
		if order.Status == domain.OrderNew {
			order.Status = domain.OrderOpen
		}
		mt.mu.Unlock()
		return
	case domain.OrderFilled:
		order.Status = domain.OrderFilled
		if mt.advanceLocked(domain.TradeClosed, m.now()) {
			closed = true
			mt.refreshPNLLocked()
			trade = mt.tradeCopyLocked()
		}
	case domain.OrderCancelled:
		order.Status = domain.OrderCancelled
	default:
		mt.mu.Unlock()
		return
	}

	var sibling *domain.Order
	if !oco {
		if s := mt.siblingLocked(role); mt.claimCancelLocked(s, cancelSibling) {
			sibling = s
		}
	}
	mt.mu.Unlock()

	fields := map[string]interface{}{"tradeID": tradeID, "role": role.String(), "status": status}
	if closed {
		fields["realizedPNL"] = trade.RealizedPNL
		m.persistTrade(ctx, trade)
		m.logger.Info(ctx, op+": Trade closed", fields)
	} else {
		m.logger.Info(ctx, op+": Exit order updated", fields)
	}

	if sibling != nil {
		siblingRole := roleStopLoss
		if role == roleStopLoss {
			siblingRole = roleTakeProfit
		}
		m.cancelOrder(ctx, mt, conn, sibling, siblingRole)
	}
}

// HandleExecution appends the next ledger row for a fill of one of the trade's orders.
// Executions are deduplicated by execution id.
func (m *TradeManager) HandleExecution(ctx context.Context, order *domain.Order, exec *domain.Execution) {
	op := "HandleExecution"
	if exec == nil || exec.ExecID == "" {
		m.logger.Warn(ctx, op+": Execution without id ignored")
		return
	}
	mt, role := m.findByOrder(order)
	if mt == nil {
		m.logger.Debug(ctx, op+": Execution for unknown order", map[string]interface{}{"execID": exec.ExecID})
		return
	}
	tradeID := mt.ID()
	fields := map[string]interface{}{"tradeID": tradeID, "execID": exec.ExecID, "role": role.String()}

	mt.ledgerMu.Lock()
	defer mt.ledgerMu.Unlock()

	if m.knownExecution(ctx, exec.ExecID) {
		m.logger.Debug(ctx, op+": Duplicate execution ignored", fields)
		return
	}

	maxID, err := m.repo.MaxTransactionID(ctx, tradeID)
	if err != nil {
		m.logger.Error(ctx, err, op+": Failed to read last transaction id", fields)
		return
	}
	tx := &domain.Transaction{
		TradeID:     tradeID,
		ID:          maxID + 1,
		ExecutionID: exec.ExecID,
		Symbol:      order.Symbol,
		Type:        exec.Action,
		SecType:     exec.SecType,
		Contracts:   exec.Amount,
		Price:       exec.Price,
		Expiration:  exec.Expiration,
		Strike:      exec.Strike,
		Timestamp:   exec.Timestamp,
	}
	if err := m.repo.CreateTransaction(ctx, tx); err != nil {
		m.logger.Error(ctx, err, op+": Failed to persist transaction", fields)
		return
	}

	m.execMu.Lock()
	m.execToTx[exec.ExecID] = txRef{tradeID: tradeID, txID: tx.ID}
	m.execMu.Unlock()

	mt.mu.Lock()
	mt.Transactions = append(mt.Transactions, tx)
	if exec.SecType != domain.SecTypeCombo {
		order.Filled += exec.Amount
	}
	opened := mt.advanceLocked(domain.TradeOpen, m.now())
	pnlChanged := mt.refreshPNLLocked()
	report := role == roleEntry && order.IsFullyFilled() && !mt.reported
	if report {
		mt.reported = true
	}
	trade := mt.tradeCopyLocked()
	mt.mu.Unlock()

	if opened || pnlChanged {
		m.persistTrade(ctx, trade)
	}
	fields["transactionID"] = tx.ID
	m.logger.Info(ctx, op+": Transaction recorded", fields)

	if report {
		m.sched.Once(jobKey(jobReportTrade, tradeID), 0, func(ctx context.Context) {
			m.reportExecutedTrade(ctx, mt)
		})
	}
}

func (m *TradeManager) knownExecution(ctx context.Context, execID string) bool {
	m.execMu.Lock()
	_, ok := m.execToTx[execID]
	m.execMu.Unlock()
	if ok {
		return true
	}
	existing, err := m.repo.GetTransactionByExecutionID(ctx, execID)
	if err != nil {
		m.logger.Error(ctx, err, "Failed to look up execution", map[string]interface{}{"execID": execID})
		return false
	}
	return existing != nil
}

// HandleCommissionReport back-fills commission and fee of the transaction created
// for executionID. A report is issued once per execution, so the values are assigned
// and a repeated report leaves the row unchanged.
func (m *TradeManager) HandleCommissionReport(ctx context.Context, executionID string, commission, fee float64) {
	op := "HandleCommissionReport"
	fields := map[string]interface{}{"execID": executionID, "commission": commission, "fee": fee}

	tx, err := m.lookupTransaction(ctx, executionID)
	if err != nil {
		m.logger.Error(ctx, err, op+": Failed to look up transaction", fields)
		return
	}
	if tx == nil {
		m.logger.Error(ctx, fmt.Errorf("%w: execution %s", ports.ErrNotFound, executionID), op+": Transaction not found", fields)
		return
	}

	tx.Commission = commission
	tx.Fee = fee
	if err := m.repo.UpdateTransaction(ctx, tx); err != nil {
		m.logger.Error(ctx, err, op+": Failed to update transaction", fields)
		return
	}

	m.execMu.Lock()
	delete(m.execToTx, executionID)
	m.execMu.Unlock()

	mt := m.findByID(tx.TradeID)
	if mt == nil {
		return
	}
	mt.mu.Lock()
	for _, t := range mt.Transactions {
		if t.ID == tx.ID {
			t.Commission = commission
			t.Fee = fee
		}
	}
	pnlChanged := mt.refreshPNLLocked()
	trade := mt.tradeCopyLocked()
	mt.mu.Unlock()

	if pnlChanged {
		m.persistTrade(ctx, trade)
	}
	fields["tradeID"] = tx.TradeID
	fields["transactionID"] = tx.ID
	m.logger.Debug(ctx, op+": Commission recorded", fields)
}

// lookupTransaction resolves an execution id through the in-memory map first and
// the persisted execution id column second, so reports survive a restart.
func (m *TradeManager) lookupTransaction(ctx context.Context, executionID string) (*domain.Transaction, error) {
	m.execMu.Lock()
	ref, ok := m.execToTx[executionID]
	m.execMu.Unlock()
	if ok {
		return m.repo.GetTransaction(ctx, ref.tradeID, ref.txID)
	}
	return m.repo.GetTransactionByExecutionID(ctx, executionID)
}
