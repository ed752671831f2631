package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
	"optionsBot/internal/pricing"
	"optionsBot/internal/scheduler"
)

const (
	jobTrackEntry    scheduler.JobKind = "track-entry"
	jobCreateTPSL    scheduler.JobKind = "create-tp-sl"
	jobReportTrade   scheduler.JobKind = "report-executed-trade"
	jobMonitorOpen   scheduler.JobKind = "monitor-open-trades"
	jobEODTasks                        = "eod-tasks"
	jobEODSettlement                   = "eod-settlement"

	eventExecutedTrade = "EXECUTED_TRADE"
)

// Scheduler is the subset of scheduler.Scheduler the manager relies on.
type Scheduler interface {
	Start(ctx context.Context)
	Stop()
	Every(key scheduler.JobKey, interval time.Duration, job scheduler.Job) bool
	Once(key scheduler.JobKey, delay time.Duration, job scheduler.Job) bool
	Cron(spec string, name string, job scheduler.Job) error
	Cancel(key scheduler.JobKey) bool
	Has(key scheduler.JobKey) bool
}

// Config holds the manager's timing parameters.
type Config struct {
	TrackInterval       time.Duration // Entry order price chasing
	MonitorInterval     time.Duration // Open trade monitoring
	TPSLDelay           time.Duration // Delay between entry fill and exit order creation
	TelemetryAttempts   int
	TelemetryRetryDelay time.Duration
	EODTasksCron        string // Cron spec in the exchange timezone
	EODSettlementCron   string
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		TrackInterval:       5 * time.Second,
		MonitorInterval:     5 * time.Second,
		TPSLDelay:           0,
		TelemetryAttempts:   3,
		TelemetryRetryDelay: time.Second,
		EODTasksCron:        "55 15 * * 1-5",
		EODSettlementCron:   "15 16 * * 1-5",
	}
}

// TradeManager opens templated trades and drives them through their lifecycle
// from broker events and background jobs.
type TradeManager struct {
	cfg        Config
	logger     ports.Logger
	repo       ports.TradeRepository
	reporter   ports.Reporter
	sched      Scheduler
	connectors map[string]ports.BrokerConnector // keyed by account
	now        func() time.Time

	// openMu serialises trade creation and OCA group allocation.
	openMu sync.Mutex

	mu     sync.RWMutex
	trades []*ManagedTrade

	execMu   sync.Mutex
	execToTx map[string]txRef
}

type txRef struct {
	tradeID int64
	txID    int64
}

// NewTradeManager creates a manager. connectors maps broker accounts to the
// connector serving them; several accounts may share one connector.
func NewTradeManager(
	cfg Config,
	logger ports.Logger,
	repo ports.TradeRepository,
	reporter ports.Reporter,
	sched Scheduler,
	connectors map[string]ports.BrokerConnector,
) (*TradeManager, error) {
	if logger == nil || repo == nil || sched == nil {
		return nil, fmt.Errorf("missing required dependencies for TradeManager")
	}
	if len(connectors) == 0 {
		return nil, fmt.Errorf("%w: at least one broker connector is required", ports.ErrConfigurationError)
	}
	if cfg.TrackInterval <= 0 || cfg.MonitorInterval <= 0 {
		return nil, fmt.Errorf("%w: job intervals must be positive", ports.ErrConfigurationError)
	}
	if cfg.TelemetryAttempts <= 0 {
		cfg.TelemetryAttempts = 1
	}

	return &TradeManager{
		cfg:        cfg,
		logger:     logger,
		repo:       repo,
		reporter:   reporter,
		sched:      sched,
		connectors: connectors,
		now:        func() time.Time { return time.Now().UTC() },
		execToTx:   make(map[string]txRef),
	}, nil
}

func jobKey(kind scheduler.JobKind, tradeID int64) scheduler.JobKey {
	return scheduler.JobKey{Kind: kind, TradeID: tradeID}
}

// Run starts the background jobs and consumes broker events until ctx is cancelled.
func (m *TradeManager) Run(ctx context.Context) error {
	op := "Run"
	m.sched.Start(ctx)
	defer m.sched.Stop()

	m.logUnmanagedTrades(ctx)

	m.sched.Every(jobKey(jobMonitorOpen, 0), m.cfg.MonitorInterval, m.monitorOpenTrades)
	if err := m.sched.Cron(m.cfg.EODTasksCron, jobEODTasks, m.eodTasks); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrConfigurationError, err)
	}
	if err := m.sched.Cron(m.cfg.EODSettlementCron, jobEODSettlement, m.eodSettlement); err != nil {
		return fmt.Errorf("%w: %v", ports.ErrConfigurationError, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range m.uniqueConnectors() {
		conn := conn
		g.Go(func() error {
			m.consumeEvents(gctx, conn)
			return nil
		})
	}
	m.logger.Info(ctx, op+": Trade manager started", map[string]interface{}{
		"connectors": len(m.uniqueConnectors()),
	})

	err := g.Wait()
	m.logger.Info(ctx, op+": Trade manager stopped")
	return err
}

func (m *TradeManager) consumeEvents(ctx context.Context, conn ports.BrokerConnector) {
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.logger.Warn(ctx, "Broker event channel closed", map[string]interface{}{"connector": conn.Name()})
				return
			}
			m.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent dispatches one broker event to its handler.
func (m *TradeManager) HandleEvent(ctx context.Context, ev ports.BrokerEvent) {
	switch ev.Kind {
	case ports.EventOrderStatus:
		m.HandleOrderStatus(ctx, ev.Order, ev.Status, ev.Filled)
	case ports.EventExecution:
		m.HandleExecution(ctx, ev.Order, ev.Execution)
	case ports.EventCommissionReport:
		m.HandleCommissionReport(ctx, ev.ExecutionID, ev.Commission, ev.Fee)
	default:
		m.logger.Warn(ctx, "Ignoring broker event of unknown kind", map[string]interface{}{"kind": ev.Kind.String()})
	}
}

func (m *TradeManager) logUnmanagedTrades(ctx context.Context) {
	trades, err := m.repo.ListTrades(ctx)
	if err != nil {
		m.logger.Error(ctx, err, "Failed to list persisted trades")
		return
	}
	for _, t := range trades {
		if t.Status.IsTerminal() || m.findByID(t.ID) != nil {
			continue
		}
		m.logger.Warn(ctx, "Persisted trade from a previous session is not managed", map[string]interface{}{
			"tradeID":  t.ID,
			"status":   t.Status,
			"strategy": t.Strategy,
		})
	}
}

// OpenTrade places entryOrder for tmpl and starts tracking it. Precondition failures
// return a wrapped ports sentinel without any call reaching the broker.
func (m *TradeManager) OpenTrade(ctx context.Context, entryOrder *domain.Order, tmpl ports.Template) (*ManagedTrade, error) {
	op := "OpenTrade"
	if entryOrder == nil || tmpl == nil {
		return nil, fmt.Errorf("%w: entry order and template are required", ports.ErrInvalidRequest)
	}
	fields := map[string]interface{}{
		"template": tmpl.Name(),
		"account":  tmpl.Account(),
		"symbol":   entryOrder.Symbol,
	}

	conn, ok := m.connectors[tmpl.Account()]
	if !ok {
		err := fmt.Errorf("%w: %s", ports.ErrNoConnector, tmpl.Account())
		m.logger.Error(ctx, err, op+": No connector for account", fields)
		return nil, err
	}
	if !conn.IsConnected() {
		err := fmt.Errorf("%w: %s", ports.ErrNotConnected, conn.Name())
		m.logger.Error(ctx, err, op+": Connector not connected", fields)
		return nil, err
	}
	if m.maxOpenTradesReached(tmpl) {
		err := fmt.Errorf("%w: %s (max %d)", ports.ErrMaxOpenTrades, tmpl.Name(), tmpl.MaxOpenTrades())
		m.logger.Warn(ctx, op+": Maximum open trades reached", fields)
		return nil, err
	}
	if !conn.IsTradingEnabled(ctx) {
		err := fmt.Errorf("%w: %s", ports.ErrTradingDisabled, tmpl.Account())
		m.logger.Error(ctx, err, op+": Trading disabled", fields)
		return nil, err
	}

	if err := conn.PrepareOrder(ctx, entryOrder); err != nil {
		err = fmt.Errorf("%w: %w", ports.ErrOrderPreparation, err)
		m.logger.Error(ctx, err, op+": Failed to prepare entry order", fields)
		return nil, err
	}

	price, err := pricing.MidPrice(entryOrder.Legs)
	if err != nil {
		err = fmt.Errorf("%w: %w", ports.ErrInvalidRequest, err)
		m.logger.Error(ctx, err, op+": Failed to compute mid price", fields)
		return nil, err
	}
	fields["price"] = price
	if !tmpl.MeetsMinimumPremium(price) {
		err := fmt.Errorf("%w: %.2f", ports.ErrMinimumPremium, price)
		m.logger.Error(ctx, err, op+": Entry price below minimum premium", fields)
		return nil, err
	}
	entryOrder.Price = price
	if entryOrder.Type == "" {
		entryOrder.Type = domain.OrderTypeLimit
	}
	entryOrder.Status = domain.OrderNew

	mt, err := m.createManagedTrade(ctx, entryOrder, tmpl)
	if err != nil {
		m.logger.Error(ctx, err, op+": Failed to create trade", fields)
		return nil, err
	}
	tradeID := mt.ID()
	fields["tradeID"] = tradeID

	mt.mu.Lock()
	entryOrder.Ref = fmt.Sprintf("#%d %s Open", tradeID, tmpl.Name())
	mt.mu.Unlock()

	brokerID, err := conn.PlaceOrder(ctx, entryOrder, tmpl)
	if err != nil {
		err = fmt.Errorf("%w: %w", ports.ErrOrderPlacementFailed, err)
		m.logger.Error(ctx, err, op+": Failed to place entry order", fields)
		m.discardTrade(ctx, mt)
		return nil, err
	}

	mt.mu.Lock()
	entryOrder.BrokerID = brokerID
	if entryOrder.Status == domain.OrderNew {
		entryOrder.Status = domain.OrderOpen
	}
	needsTracking := !entryOrder.IsTerminal()
	mt.mu.Unlock()

	if needsTracking {
		m.sched.Every(jobKey(jobTrackEntry, tradeID), m.cfg.TrackInterval, func(ctx context.Context) {
			m.trackEntryOrder(ctx, mt)
		})
	}
	fields["brokerID"] = brokerID
	m.logger.Info(ctx, op+": Entry order placed", fields)
	return mt, nil
}

// maxOpenTradesReached counts trades of tmpl that are not yet terminal.
func (m *TradeManager) maxOpenTradesReached(tmpl ports.Template) bool {
	limit := tmpl.MaxOpenTrades()
	if limit <= 0 {
		return false
	}
	return m.countOpenTrades(tmpl.Name()) >= limit
}

// countOpenTrades counts the non-terminal trades of a template. NEW trades are
// included, so an entry order still waiting for its fill blocks the next open.
func (m *TradeManager) countOpenTrades(templateName string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, mt := range m.trades {
		if mt.Template.Name() != templateName {
			continue
		}
		if !mt.CurrentStatus().IsTerminal() {
			count++
		}
	}
	return count
}

func (m *TradeManager) createManagedTrade(ctx context.Context, entryOrder *domain.Order, tmpl ports.Template) (*ManagedTrade, error) {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	// Re-checked under the lock so concurrent opens cannot overshoot the limit.
	if m.maxOpenTradesReached(tmpl) {
		return nil, fmt.Errorf("%w: %s (max %d)", ports.ErrMaxOpenTrades, tmpl.Name(), tmpl.MaxOpenTrades())
	}

	trade := &domain.Trade{
		Account:  tmpl.Account(),
		Symbol:   entryOrder.Symbol,
		Strategy: tmpl.Name(),
		Status:   domain.TradeNew,
		OpenedAt: m.now(),
	}
	id, err := m.repo.CreateTrade(ctx, trade)
	if err != nil {
		return nil, fmt.Errorf("failed to persist trade: %w", err)
	}
	trade.ID = id

	mt := newManagedTrade(trade, tmpl, entryOrder)
	m.mu.Lock()
	m.trades = append(m.trades, mt)
	m.mu.Unlock()
	return mt, nil
}

// discardTrade deletes a trade whose entry never filled.
func (m *TradeManager) discardTrade(ctx context.Context, mt *ManagedTrade) {
	tradeID := mt.ID()
	m.sched.Cancel(jobKey(jobTrackEntry, tradeID))
	m.removeTrade(mt)
	if err := m.repo.DeleteTrade(ctx, tradeID); err != nil {
		m.logger.Error(ctx, err, "Failed to delete trade", map[string]interface{}{"tradeID": tradeID})
		return
	}
	m.logger.Info(ctx, "Trade removed", map[string]interface{}{"tradeID": tradeID})
}

func (m *TradeManager) removeTrade(mt *ManagedTrade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.trades {
		if t == mt {
			m.trades = append(m.trades[:i], m.trades[i+1:]...)
			return
		}
	}
}

func (m *TradeManager) isRegistered(mt *ManagedTrade) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trades {
		if t == mt {
			return true
		}
	}
	return false
}

func (m *TradeManager) findByID(id int64) *ManagedTrade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trades {
		if t.ID() == id {
			return t
		}
	}
	return nil
}

// findByOrder returns the trade owning order and the order's role in it.
func (m *TradeManager) findByOrder(order *domain.Order) (*ManagedTrade, orderRole) {
	if order == nil {
		return nil, roleNone
	}
	for _, mt := range m.registry() {
		mt.mu.Lock()
		role := mt.roleOfLocked(order)
		mt.mu.Unlock()
		if role != roleNone {
			return mt, role
		}
	}
	return nil, roleNone
}

// registry returns a copy of the trade list safe to iterate without m.mu.
func (m *TradeManager) registry() []*ManagedTrade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ManagedTrade, len(m.trades))
	copy(out, m.trades)
	return out
}

func (m *TradeManager) connectorFor(mt *ManagedTrade) (ports.BrokerConnector, error) {
	conn, ok := m.connectors[mt.Account]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ports.ErrNoConnector, mt.Account)
	}
	return conn, nil
}

func (m *TradeManager) uniqueConnectors() []ports.BrokerConnector {
	seen := make(map[ports.BrokerConnector]bool, len(m.connectors))
	var out []ports.BrokerConnector
	for _, conn := range m.connectors {
		if seen[conn] {
			continue
		}
		seen[conn] = true
		out = append(out, conn)
	}
	return out
}

func (m *TradeManager) persistTrade(ctx context.Context, trade *domain.Trade) {
	if err := m.repo.UpdateTrade(ctx, trade); err != nil {
		m.logger.Error(ctx, err, "Failed to persist trade", map[string]interface{}{
			"tradeID": trade.ID,
			"status":  trade.Status,
		})
	}
}

// cancelOrder requests a bot-initiated cancel. The claim is released when the
// broker rejects the request so a later attempt can retry.
func (m *TradeManager) cancelOrder(ctx context.Context, mt *ManagedTrade, conn ports.BrokerConnector, order *domain.Order, role orderRole) bool {
	if err := conn.CancelOrder(ctx, order); err != nil {
		mt.releaseCancel(order)
		m.logger.Error(ctx, fmt.Errorf("%w: %w", ports.ErrOrderCancelFailed, err), "Failed to cancel order", map[string]interface{}{
			"tradeID": mt.ID(),
			"role":    role.String(),
		})
		return false
	}
	m.logger.Info(ctx, "Cancel requested", map[string]interface{}{
		"tradeID": mt.ID(),
		"role":    role.String(),
	})
	return true
}

// placeOrder prepares and places an exit order that is already attached to mt.
func (m *TradeManager) placeOrder(ctx context.Context, mt *ManagedTrade, conn ports.BrokerConnector, order *domain.Order, role orderRole) error {
	if err := conn.PrepareOrder(ctx, order); err != nil {
		return fmt.Errorf("%w: %w", ports.ErrOrderPreparation, err)
	}
	brokerID, err := conn.PlaceOrder(ctx, order, mt.Template)
	if err != nil {
		return fmt.Errorf("%w: %w", ports.ErrOrderPlacementFailed, err)
	}
	mt.mu.Lock()
	order.BrokerID = brokerID
	if order.Status == domain.OrderNew {
		order.Status = domain.OrderOpen
	}
	mt.mu.Unlock()
	m.logger.Info(ctx, "Order placed", map[string]interface{}{
		"tradeID":  mt.ID(),
		"role":     role.String(),
		"brokerID": brokerID,
		"price":    order.Price,
		"ocaGroup": order.OCAGroup,
	})
	return nil
}

// settleConnectors runs every connected broker's end-of-day routine concurrently.
func (m *TradeManager) settleConnectors(ctx context.Context) error {
	var g errgroup.Group
	for _, conn := range m.uniqueConnectors() {
		if !conn.IsConnected() {
			continue
		}
		conn := conn
		g.Go(func() error {
			if err := conn.EODSettlementTasks(ctx); err != nil {
				return fmt.Errorf("%s: %w", conn.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
