package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsBot/internal/adapters/paper"
	"optionsBot/internal/adapters/sqlite"
	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
	"optionsBot/internal/template"
)

type paperFixture struct {
	t       *testing.T
	ctx     context.Context
	manager *TradeManager
	logger  *mockLogger
	repo    *sqlite.Repository
	conn    *paper.Connector
	tmpl    *template.Template
	sched   *fakeScheduler
}

func newPaperFixture(t *testing.T) *paperFixture {
	t.Helper()
	f := &paperFixture{
		t:      t,
		ctx:    context.Background(),
		logger: &mockLogger{},
		sched:  newFakeScheduler(),
	}

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "paper.db"), Logger: f.logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	f.repo = repo

	conn, err := paper.NewConnector(paper.Config{CommissionPerContract: 0.65, Logger: f.logger})
	require.NoError(t, err)
	f.conn = conn

	tmpl, err := template.New(template.Config{
		Name:           "spx-put-spread",
		Account:        "PAPER",
		MaxOpenTrades:  1,
		AdjustmentStep: 0.05,
		MinPremium:     0.50,
		TakeProfit:     0.5,
		StopLoss:       1.0,
	})
	require.NoError(t, err)
	f.tmpl = tmpl

	cfg := DefaultConfig()
	cfg.TelemetryRetryDelay = time.Millisecond
	m, err := NewTradeManager(cfg, f.logger, repo, &mockReporter{}, f.sched, map[string]ports.BrokerConnector{"PAPER": conn})
	require.NoError(t, err)
	f.manager = m
	return f
}

// deliver feeds every queued paper event to the manager, including events the
// manager's own reactions queue while it runs.
func (f *paperFixture) deliver() {
	for {
		select {
		case ev := <-f.conn.Events():
			f.manager.HandleEvent(f.ctx, ev)
		default:
			return
		}
	}
}

// Trade D on the paper broker: the entry fills at once, the broker drops the TP,
// the monitor restores both exits and the trade expires at the close.
func TestPaperLifecycle_ReplaceThenExpire(t *testing.T) {
	f := newPaperFixture(t)

	mt, err := f.manager.OpenTrade(f.ctx, creditSpread(), f.tmpl)
	require.NoError(t, err)
	f.deliver()

	require.Equal(t, domain.TradeOpen, mt.CurrentStatus())
	assert.Equal(t, domain.OrderFilled, mt.EntryOrder.Status)
	assert.False(t, f.sched.Has(jobKey(jobTrackEntry, mt.ID())))

	require.True(t, f.sched.run(f.ctx, jobKey(jobCreateTPSL, mt.ID())))
	f.deliver()
	tp, sl := mt.TakeProfitOrder, mt.StopLossOrder
	require.NotNil(t, tp)
	require.NotNil(t, sl)
	assert.Equal(t, domain.OrderOpen, tp.Status)
	assert.Equal(t, domain.OrderOpen, sl.Status)
	assert.InDelta(t, 0.40, tp.Price, 1e-9)
	assert.InDelta(t, 1.60, sl.Price, 1e-9)
	assert.ElementsMatch(t, []string{tp.BrokerID, sl.BrokerID}, f.conn.WorkingOrders())

	// The paper broker has no OCO, so the bot cancels the SL after the TP drops.
	firstTP := tp.BrokerID
	require.NoError(t, f.conn.CancelByBroker(f.ctx, firstTP))
	f.deliver()
	assert.Equal(t, domain.OrderCancelled, tp.Status)
	assert.Equal(t, domain.OrderCancelled, sl.Status)
	assert.Empty(t, f.conn.WorkingOrders())

	f.manager.monitorOpenTrades(f.ctx)
	f.deliver()

	assert.Equal(t, domain.OrderOpen, tp.Status)
	assert.Equal(t, domain.OrderOpen, sl.Status)
	assert.NotEqual(t, firstTP, tp.BrokerID)
	assert.ElementsMatch(t, []string{tp.BrokerID, sl.BrokerID}, f.conn.WorkingOrders())
	assert.InDelta(t, 4500, mt.CurrentPrice, 1e-9, "price falls back to the spread's reference")
	assert.False(t, f.logger.hasWarn("Failed to refresh"))
	assert.False(t, f.logger.hasError("Failed to place exit order again"))

	f.manager.eodTasks(f.ctx)
	f.deliver()
	assert.True(t, mt.Expired)
	assert.Equal(t, domain.OrderCancelled, tp.Status)
	assert.Equal(t, domain.OrderCancelled, sl.Status)
	assert.Empty(t, f.conn.WorkingOrders())

	// End of day cancels are final.
	f.manager.monitorOpenTrades(f.ctx)
	f.deliver()
	assert.Empty(t, f.conn.WorkingOrders())

	f.manager.eodSettlement(f.ctx)

	assert.Equal(t, domain.TradeExpired, mt.CurrentStatus())
	assert.False(t, f.logger.hasError("Failed to get settlement price"))
	persisted, err := f.repo.GetTrade(f.ctx, mt.ID())
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, domain.TradeExpired, persisted.Status)
	assert.False(t, persisted.ClosedAt.IsZero())
	// 110 - 30 collected, both puts expire worthless at 4500, 2 * 0.65 in commissions.
	assert.InDelta(t, 78.70, persisted.RealizedPNL, 1e-6)
}

// A configured price wins over the fallback and drives the settlement.
func TestPaperLifecycle_SettlesAtConfiguredPrice(t *testing.T) {
	f := newPaperFixture(t)
	f.conn.SetLastPrice("SPX", 4495)

	mt, err := f.manager.OpenTrade(f.ctx, creditSpread(), f.tmpl)
	require.NoError(t, err)
	f.deliver()
	require.True(t, f.sched.run(f.ctx, jobKey(jobCreateTPSL, mt.ID())))
	f.deliver()

	f.manager.eodTasks(f.ctx)
	f.deliver()
	f.manager.eodSettlement(f.ctx)

	require.Equal(t, domain.TradeExpired, mt.CurrentStatus())
	persisted, err := f.repo.GetTrade(f.ctx, mt.ID())
	require.NoError(t, err)
	// The short 4500 put settles 5.00 in the money.
	assert.InDelta(t, 80-500-1.30, persisted.RealizedPNL, 1e-6)
}
