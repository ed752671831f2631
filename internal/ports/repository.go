package ports

import (
	"context"

	"optionsBot/internal/domain"
)

// TradeRepository defines the interface for storing trades and their transactions.
type TradeRepository interface {
	// CreateTrade saves a new trade and returns its assigned ID.
	CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error)
	// GetTrade retrieves a trade by ID. Returns nil, nil if not found.
	GetTrade(ctx context.Context, id int64) (*domain.Trade, error)
	// UpdateTrade persists status, P&L and close time of an existing trade.
	UpdateTrade(ctx context.Context, trade *domain.Trade) error
	// DeleteTrade removes a trade and its transactions.
	DeleteTrade(ctx context.Context, id int64) error
	// ListTrades retrieves all trades ordered by ID.
	ListTrades(ctx context.Context) ([]*domain.Trade, error)

	// CreateTransaction appends a transaction row.
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	// GetTransaction retrieves a transaction by trade and transaction ID.
	// Returns nil, nil if not found.
	GetTransaction(ctx context.Context, tradeID, id int64) (*domain.Transaction, error)
	// GetTransactionByExecutionID retrieves a transaction by broker execution ID.
	// Returns nil, nil if not found.
	GetTransactionByExecutionID(ctx context.Context, executionID string) (*domain.Transaction, error)
	// UpdateTransaction persists commission and fee of an existing transaction.
	UpdateTransaction(ctx context.Context, tx *domain.Transaction) error
	// MaxTransactionID returns the highest transaction ID of a trade (0 if none).
	MaxTransactionID(ctx context.Context, tradeID int64) (int64, error)
	// ListTransactions retrieves the transactions of a trade ordered by ID.
	ListTransactions(ctx context.Context, tradeID int64) ([]*domain.Transaction, error)
}
