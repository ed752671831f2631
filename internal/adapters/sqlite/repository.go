package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3" // SQLite driver

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"
)

// Repository implements ports.TradeRepository using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/options_bot.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, handleError(err))
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// A single connection serialises writers; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account TEXT NOT NULL,
		symbol TEXT NOT NULL,
		strategy TEXT NOT NULL,
		status TEXT NOT NULL,
		realized_pnl REAL NOT NULL DEFAULT 0,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		trade_id INTEGER NOT NULL REFERENCES trades (id) ON DELETE CASCADE,
		id INTEGER NOT NULL,
		execution_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		type TEXT NOT NULL,
		sec_type TEXT NOT NULL,
		contracts INTEGER NOT NULL,
		price REAL NOT NULL,
		expiration TIMESTAMP DEFAULT NULL,
		strike REAL NOT NULL DEFAULT 0,
		commission REAL NOT NULL DEFAULT 0,
		fee REAL NOT NULL DEFAULT 0,
		timestamp TIMESTAMP NOT NULL,
		PRIMARY KEY (trade_id, id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_execution_id ON transactions (execution_id);
	CREATE INDEX IF NOT EXISTS idx_trades_strategy_status ON trades (strategy, status);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// handleError maps driver errors onto ports errors.
func handleError(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", ports.ErrDuplicateEntry, err)
		case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked,
			sqliteErr.Code == sqlite3.ErrCantOpen:
			return fmt.Errorf("%w: %v", ports.ErrDBConnection, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ports.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ports.ErrContextCanceled, err)
	}
	return fmt.Errorf("%w: %v", ports.ErrQueryFailed, err)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// --- Trades ---

// CreateTrade saves a new trade and returns its assigned ID.
func (r *Repository) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	const query = `
	INSERT INTO trades (account, symbol, strategy, status, realized_pnl, opened_at, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		trade.Account, trade.Symbol, trade.Strategy, trade.Status, trade.RealizedPNL,
		trade.OpenedAt, nullTime(trade.ClosedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade for %s: %w", trade.Strategy, handleError(err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for trade %s: %w", trade.Strategy, handleError(err))
	}
	trade.ID = id
	r.logger.Debug(ctx, "Trade created", map[string]interface{}{"tradeID": id, "strategy": trade.Strategy})
	return id, nil
}

// GetTrade retrieves a trade by its ID. Returns nil, nil if not found.
func (r *Repository) GetTrade(ctx context.Context, id int64) (*domain.Trade, error) {
	const query = `
	SELECT id, account, symbol, strategy, status, realized_pnl, opened_at, closed_at
	FROM trades
	WHERE id = ?`

	trade, err := scanTrade(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "Trade not found by ID", map[string]interface{}{"tradeID": id})
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query trade by ID %d: %w", id, handleError(err))
	}
	return trade, nil
}

// UpdateTrade persists status, realized P&L and close time of a trade.
func (r *Repository) UpdateTrade(ctx context.Context, trade *domain.Trade) error {
	const query = `
	UPDATE trades
	SET status = ?, realized_pnl = ?, closed_at = ?
	WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, trade.Status, trade.RealizedPNL, nullTime(trade.ClosedAt), trade.ID)
	if err != nil {
		return fmt.Errorf("failed to update trade ID %d: %w", trade.ID, handleError(err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for update trade ID %d: %w", trade.ID, handleError(err))
	}
	if rowsAffected == 0 {
		return fmt.Errorf("trade ID %d not found for update: %w", trade.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Trade updated", map[string]interface{}{"tradeID": trade.ID, "status": trade.Status})
	return nil
}

// DeleteTrade removes a trade together with its transactions.
func (r *Repository) DeleteTrade(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete of trade ID %d: %w", id, handleError(err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE trade_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete transactions of trade ID %d: %w: %v", id, ports.ErrDeleteFailed, err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM trades WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trade ID %d: %w: %v", id, ports.ErrDeleteFailed, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("trade ID %d not found for delete: %w", id, ports.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of trade ID %d: %w", id, handleError(err))
	}
	r.logger.Debug(ctx, "Trade deleted", map[string]interface{}{"tradeID": id})
	return nil
}

// ListTrades retrieves all trades ordered by ID.
func (r *Repository) ListTrades(ctx context.Context) ([]*domain.Trade, error) {
	const query = `
	SELECT id, account, symbol, strategy, status, realized_pnl, opened_at, closed_at
	FROM trades
	ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", handleError(err))
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade during ListTrades: %w", handleError(err))
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", handleError(err))
	}
	return trades, nil
}

// --- Transactions ---

const transactionColumns = `trade_id, id, execution_id, symbol, type, sec_type, contracts, price,
	       expiration, strike, commission, fee, timestamp`

// CreateTransaction appends a ledger row.
func (r *Repository) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	const query = `
	INSERT INTO transactions (` + transactionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		t.TradeID, t.ID, t.ExecutionID, t.Symbol, t.Type, t.SecType, t.Contracts, t.Price,
		nullTime(t.Expiration), t.Strike, t.Commission, t.Fee, t.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %d of trade %d: %w", t.ID, t.TradeID, handleError(err))
	}
	r.logger.Debug(ctx, "Transaction created", map[string]interface{}{"tradeID": t.TradeID, "transactionID": t.ID, "execID": t.ExecutionID})
	return nil
}

// GetTransaction retrieves a transaction by trade and transaction ID. Returns nil, nil if not found.
func (r *Repository) GetTransaction(ctx context.Context, tradeID, id int64) (*domain.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions WHERE trade_id = ? AND id = ?`
	return r.queryTransaction(ctx, query, tradeID, id)
}

// GetTransactionByExecutionID retrieves the transaction created for a broker execution.
// Returns nil, nil if not found.
func (r *Repository) GetTransactionByExecutionID(ctx context.Context, executionID string) (*domain.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions WHERE execution_id = ?`
	return r.queryTransaction(ctx, query, executionID)
}

func (r *Repository) queryTransaction(ctx context.Context, query string, args ...interface{}) (*domain.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query transaction: %w", handleError(err))
	}
	return t, nil
}

// UpdateTransaction persists commission and fee of a transaction.
func (r *Repository) UpdateTransaction(ctx context.Context, t *domain.Transaction) error {
	const query = `UPDATE transactions SET commission = ?, fee = ? WHERE trade_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, query, t.Commission, t.Fee, t.TradeID, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update transaction %d of trade %d: %w", t.ID, t.TradeID, handleError(err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for transaction %d: %w", t.ID, handleError(err))
	}
	if rowsAffected == 0 {
		return fmt.Errorf("transaction %d of trade %d not found for update: %w", t.ID, t.TradeID, ports.ErrNotFound)
	}
	return nil
}

// MaxTransactionID returns the highest transaction ID of a trade, 0 if it has none.
func (r *Repository) MaxTransactionID(ctx context.Context, tradeID int64) (int64, error) {
	const query = `SELECT COALESCE(MAX(id), 0) FROM transactions WHERE trade_id = ?`
	var maxID int64
	if err := r.db.QueryRowContext(ctx, query, tradeID).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("failed to read max transaction ID of trade %d: %w", tradeID, handleError(err))
	}
	return maxID, nil
}

// ListTransactions retrieves the transactions of a trade ordered by ID.
func (r *Repository) ListTransactions(ctx context.Context, tradeID int64) ([]*domain.Transaction, error) {
	const query = `SELECT ` + transactionColumns + ` FROM transactions WHERE trade_id = ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions of trade %d: %w", tradeID, handleError(err))
	}
	defer rows.Close()

	txs := make([]*domain.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", handleError(err))
		}
		txs = append(txs, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction rows: %w", handleError(err))
	}
	return txs, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var status string
	var closedAt sql.NullTime
	err := s.Scan(&t.ID, &t.Account, &t.Symbol, &t.Strategy, &status, &t.RealizedPNL, &t.OpenedAt, &closedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	t.Status = domain.TradeStatus(status)
	if closedAt.Valid {
		t.ClosedAt = closedAt.Time
	}
	return t, nil
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	t := &domain.Transaction{}
	var action, secType string
	var expiration sql.NullTime
	err := s.Scan(&t.TradeID, &t.ID, &t.ExecutionID, &t.Symbol, &action, &secType, &t.Contracts, &t.Price,
		&expiration, &t.Strike, &t.Commission, &t.Fee, &t.Timestamp)
	if err != nil {
		return nil, err
	}
	t.Type = domain.OrderAction(action)
	t.SecType = domain.SecurityType(secType)
	if expiration.Valid {
		t.Expiration = expiration.Time
	}
	return t, nil
}
