package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
	"optionsBot/internal/scheduler"
)

// Mock implementations

type mockLogger struct {
	mu        sync.Mutex
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

func (m *mockLogger) hasError(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.errorMsgs {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

func (m *mockLogger) hasWarn(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.warnMsgs {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

type mockRepo struct {
	mu        sync.Mutex
	nextID    int64
	trades    map[int64]*domain.Trade
	txs       map[int64][]*domain.Transaction
	createErr error
	updates   int
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		trades: make(map[int64]*domain.Trade),
		txs:    make(map[int64][]*domain.Transaction),
	}
}

func (m *mockRepo) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return 0, m.createErr
	}
	m.nextID++
	t := *trade
	t.ID = m.nextID
	m.trades[t.ID] = &t
	return t.ID, nil
}

func (m *mockRepo) GetTrade(ctx context.Context, id int64) (*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *mockRepo) UpdateTrade(ctx context.Context, trade *domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trades[trade.ID]; !ok {
		return fmt.Errorf("trade %d: %w", trade.ID, ports.ErrNotFound)
	}
	t := *trade
	m.trades[trade.ID] = &t
	m.updates++
	return nil
}

func (m *mockRepo) DeleteTrade(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trades, id)
	delete(m.txs, id)
	return nil
}

func (m *mockRepo) ListTrades(ctx context.Context) ([]*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Trade, 0, len(m.trades))
	for _, t := range m.trades {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepo) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.txs[tx.TradeID] {
		if existing.ID == tx.ID {
			return ports.ErrDuplicateEntry
		}
	}
	cp := *tx
	m.txs[tx.TradeID] = append(m.txs[tx.TradeID], &cp)
	return nil
}

func (m *mockRepo) GetTransaction(ctx context.Context, tradeID, id int64) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs[tradeID] {
		if tx.ID == id {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) GetTransactionByExecutionID(ctx context.Context, executionID string) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, txs := range m.txs {
		for _, tx := range txs {
			if tx.ExecutionID == executionID {
				cp := *tx
				return &cp, nil
			}
		}
	}
	return nil, nil
}

func (m *mockRepo) UpdateTransaction(ctx context.Context, tx *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.txs[tx.TradeID] {
		if existing.ID == tx.ID {
			cp := *tx
			m.txs[tx.TradeID][i] = &cp
			return nil
		}
	}
	return ports.ErrNotFound
}

func (m *mockRepo) MaxTransactionID(ctx context.Context, tradeID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var maxID int64
	for _, tx := range m.txs[tradeID] {
		if tx.ID > maxID {
			maxID = tx.ID
		}
	}
	return maxID, nil
}

func (m *mockRepo) ListTransactions(ctx context.Context, tradeID int64) ([]*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Transaction, 0, len(m.txs[tradeID]))
	for _, tx := range m.txs[tradeID] {
		cp := *tx
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockRepo) tradeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

type mockConnector struct {
	mu             sync.Mutex
	name           string
	connected      bool
	tradingEnabled bool
	oco            bool

	prepareErr error
	placeErr   error
	cancelErr  error
	adjustErr  error
	fillErr    error
	lastErr    error
	fillPrice  float64
	lastPrice  float64

	placed    []*domain.Order
	cancelled []*domain.Order
	adjusted  []float64
	prepared  int
	eodCalls  int
	nextID    int
	events    chan ports.BrokerEvent
}

func newMockConnector() *mockConnector {
	return &mockConnector{
		name:           "mock",
		connected:      true,
		tradingEnabled: true,
		events:         make(chan ports.BrokerEvent, 64),
	}
}

func (m *mockConnector) Name() string      { return m.name }
func (m *mockConnector) IsConnected() bool { return m.connected }
func (m *mockConnector) IsTradingEnabled(ctx context.Context) bool {
	return m.tradingEnabled
}
func (m *mockConnector) UsesOCOOrders() bool              { return m.oco }
func (m *mockConnector) Events() <-chan ports.BrokerEvent { return m.events }

func (m *mockConnector) PrepareOrder(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepared++
	return m.prepareErr
}

func (m *mockConnector) PlaceOrder(ctx context.Context, order *domain.Order, tmpl ports.Template) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.placeErr != nil {
		return "", m.placeErr
	}
	m.nextID++
	m.placed = append(m.placed, order)
	return fmt.Sprintf("B%d", m.nextID), nil
}

func (m *mockConnector) CancelOrder(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, order)
	return nil
}

func (m *mockConnector) AdjustOrder(ctx context.Context, order *domain.Order, newPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.adjustErr != nil {
		return m.adjustErr
	}
	m.adjusted = append(m.adjusted, newPrice)
	return nil
}

func (m *mockConnector) GetFillPrice(ctx context.Context, order *domain.Order) (float64, error) {
	return m.fillPrice, m.fillErr
}

func (m *mockConnector) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	return m.lastPrice, m.lastErr
}

func (m *mockConnector) EODSettlementTasks(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eodCalls++
	return nil
}

// orderCalls counts calls that would touch orders at the broker.
func (m *mockConnector) orderCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prepared + len(m.placed) + len(m.cancelled) + len(m.adjusted)
}

func (m *mockConnector) placedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.placed)
}

func (m *mockConnector) cancelCount(order *domain.Order) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.cancelled {
		if o == order {
			n++
		}
	}
	return n
}

type mockTemplate struct {
	name       string
	account    string
	maxOpen    int
	step       float64
	minPremium float64
	tp, sl     bool
	composeErr error
}

func (m *mockTemplate) Name() string            { return m.name }
func (m *mockTemplate) Account() string         { return m.account }
func (m *mockTemplate) MaxOpenTrades() int      { return m.maxOpen }
func (m *mockTemplate) AdjustmentStep() float64 { return m.step }
func (m *mockTemplate) HasTakeProfit() bool     { return m.tp }
func (m *mockTemplate) HasStopLoss() bool       { return m.sl }
func (m *mockTemplate) MeetsMinimumPremium(price float64) bool {
	return math.Abs(price) >= m.minPremium-1e-9
}

func (m *mockTemplate) ComposeTakeProfitOrder(entry *domain.Order, fillPrice float64) (*domain.Order, error) {
	if m.composeErr != nil {
		return nil, m.composeErr
	}
	return &domain.Order{Symbol: entry.Symbol, Legs: entry.ClosingLegs(), Type: domain.OrderTypeLimit, Price: -fillPrice * 0.5}, nil
}

func (m *mockTemplate) ComposeStopLossOrder(entry *domain.Order, fillPrice float64) (*domain.Order, error) {
	if m.composeErr != nil {
		return nil, m.composeErr
	}
	return &domain.Order{Symbol: entry.Symbol, Legs: entry.ClosingLegs(), Type: domain.OrderTypeStop, Price: -fillPrice * 2}, nil
}

type mockReporter struct {
	mu    sync.Mutex
	calls int
	errs  []error
	last  map[string]interface{}
}

func (m *mockReporter) ReportAction(ctx context.Context, eventCode string, data map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.last = data
	if len(m.errs) == 0 {
		return nil
	}
	err := m.errs[0]
	m.errs = m.errs[1:]
	return err
}

func (m *mockReporter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// fakeScheduler records jobs so tests can run them deterministically.
type fakeScheduler struct {
	mu    sync.Mutex
	jobs  map[scheduler.JobKey]fakeJob
	crons map[string]scheduler.Job
}

type fakeJob struct {
	once bool
	job  scheduler.Job
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		jobs:  make(map[scheduler.JobKey]fakeJob),
		crons: make(map[string]scheduler.Job),
	}
}

func (f *fakeScheduler) Start(ctx context.Context) {}
func (f *fakeScheduler) Stop()                     {}

func (f *fakeScheduler) Every(key scheduler.JobKey, interval time.Duration, job scheduler.Job) bool {
	return f.add(key, fakeJob{job: job})
}

func (f *fakeScheduler) Once(key scheduler.JobKey, delay time.Duration, job scheduler.Job) bool {
	return f.add(key, fakeJob{once: true, job: job})
}

func (f *fakeScheduler) add(key scheduler.JobKey, j fakeJob) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[key]; ok {
		return false
	}
	f.jobs[key] = j
	return true
}

func (f *fakeScheduler) Cron(spec string, name string, job scheduler.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if spec == "" {
		return errors.New("empty cron spec")
	}
	f.crons[name] = job
	return nil
}

func (f *fakeScheduler) Cancel(key scheduler.JobKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[key]
	delete(f.jobs, key)
	return ok
}

func (f *fakeScheduler) Has(key scheduler.JobKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[key]
	return ok
}

// run executes the job registered under key once. It reports whether one existed.
func (f *fakeScheduler) run(ctx context.Context, key scheduler.JobKey) bool {
	f.mu.Lock()
	j, ok := f.jobs[key]
	if ok && j.once {
		delete(f.jobs, key)
	}
	f.mu.Unlock()
	if !ok {
		return false
	}
	j.job(ctx)
	return true
}

func (f *fakeScheduler) runCron(ctx context.Context, name string) bool {
	f.mu.Lock()
	job, ok := f.crons[name]
	f.mu.Unlock()
	if ok {
		job(ctx)
	}
	return ok
}

// Fixtures

type fixture struct {
	t        *testing.T
	ctx      context.Context
	manager  *TradeManager
	logger   *mockLogger
	repo     *mockRepo
	conn     *mockConnector
	tmpl     *mockTemplate
	sched    *fakeScheduler
	reporter *mockReporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		logger:   &mockLogger{},
		repo:     newMockRepo(),
		conn:     newMockConnector(),
		sched:    newFakeScheduler(),
		reporter: &mockReporter{},
		tmpl: &mockTemplate{
			name:       "spread",
			account:    "U1",
			maxOpen:    1,
			step:       0.05,
			minPremium: 0.50,
			tp:         true,
			sl:         true,
		},
	}
	cfg := DefaultConfig()
	cfg.TelemetryRetryDelay = time.Millisecond
	m, err := NewTradeManager(cfg, f.logger, f.repo, f.reporter, f.sched, map[string]ports.BrokerConnector{"U1": f.conn})
	if err != nil {
		t.Fatalf("NewTradeManager: %v", err)
	}
	f.manager = m
	return f
}

// creditSpread prices to -0.80.
func creditSpread() *domain.Order {
	exp := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	return &domain.Order{
		Symbol: "SPX",
		Legs: []domain.Leg{
			{Strike: 4500, Right: domain.Put, Expiration: exp, Action: domain.Sell, Bid: 1.00, Ask: 1.20, Quantity: 1},
			{Strike: 4490, Right: domain.Put, Expiration: exp, Action: domain.Buy, Bid: 0.25, Ask: 0.35, Quantity: 1},
		},
	}
}

// shortPut prices to -1.10.
func shortPut() *domain.Order {
	exp := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	return &domain.Order{
		Symbol: "SPY",
		Legs: []domain.Leg{
			{Strike: 100, Right: domain.Put, Expiration: exp, Action: domain.Sell, Bid: 1.00, Ask: 1.20, Quantity: 1},
		},
	}
}

func statusEvent(order *domain.Order, status domain.OrderStatus) ports.BrokerEvent {
	return ports.BrokerEvent{Kind: ports.EventOrderStatus, Order: order, Status: status}
}

func execEvent(order *domain.Order, execID string, action domain.OrderAction, secType domain.SecurityType, amount int, price float64) ports.BrokerEvent {
	return ports.BrokerEvent{
		Kind:  ports.EventExecution,
		Order: order,
		Execution: &domain.Execution{
			ExecID:    execID,
			Action:    action,
			SecType:   secType,
			Amount:    amount,
			Price:     price,
			Timestamp: time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC),
		},
	}
}

func commissionEvent(execID string, commission, fee float64) ports.BrokerEvent {
	return ports.BrokerEvent{Kind: ports.EventCommissionReport, ExecutionID: execID, Commission: commission, Fee: fee}
}

func (f *fixture) send(events ...ports.BrokerEvent) {
	for _, ev := range events {
		f.manager.HandleEvent(f.ctx, ev)
	}
}

// fillSpreadEntry delivers the executions and FILLED status of a credit spread entry.
func (f *fixture) fillSpreadEntry(mt *ManagedTrade) {
	entry := mt.EntryOrder
	f.send(
		execEvent(entry, "e1", domain.Sell, domain.SecTypeOption, 1, 1.10),
		execEvent(entry, "e2", domain.Buy, domain.SecTypeOption, 1, 0.30),
		execEvent(entry, "e3", domain.Sell, domain.SecTypeCombo, 1, 0.80),
		commissionEvent("e1", 0.65, 0.05),
		commissionEvent("e2", 0.65, 0.05),
		statusEvent(entry, domain.OrderFilled),
	)
}

func (f *fixture) openSpread() *ManagedTrade {
	f.t.Helper()
	mt, err := f.manager.OpenTrade(f.ctx, creditSpread(), f.tmpl)
	if err != nil {
		f.t.Fatalf("OpenTrade: %v", err)
	}
	return mt
}
