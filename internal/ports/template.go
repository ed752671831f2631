package ports

import (
	"context"

	"optionsBot/internal/domain"
)

// Template is a read-only strategy configuration plus the processor that derives
// dependent orders from it.
type Template interface {
	// Name returns the unique template name.
	Name() string
	// Account returns the broker account the template trades on.
	Account() string
	// MaxOpenTrades returns the concurrent trade limit (0 means unlimited).
	MaxOpenTrades() int
	// AdjustmentStep returns the price increment used while chasing an entry fill.
	AdjustmentStep() float64
	// MeetsMinimumPremium reports whether price is worth trading.
	MeetsMinimumPremium(price float64) bool
	// HasTakeProfit reports whether the template defines a take-profit rule.
	HasTakeProfit() bool
	// HasStopLoss reports whether the template defines a stop-loss rule.
	HasStopLoss() bool
	// ComposeTakeProfitOrder derives the take-profit order from the filled entry.
	ComposeTakeProfitOrder(entry *domain.Order, fillPrice float64) (*domain.Order, error)
	// ComposeStopLossOrder derives the stop-loss order from the filled entry.
	ComposeStopLossOrder(entry *domain.Order, fillPrice float64) (*domain.Order, error)
}

// Reporter forwards trading actions to an external telemetry endpoint.
type Reporter interface {
	ReportAction(ctx context.Context, eventCode string, data map[string]interface{}) error
}
