package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Trade Manager Preconditions
	ErrNoConnector      = errors.New("no broker connector for account")
	ErrNotConnected     = errors.New("broker connector is not connected")
	ErrTradingDisabled  = errors.New("trading is disabled for account")
	ErrMaxOpenTrades    = errors.New("maximum open trades reached for template")
	ErrMinimumPremium   = errors.New("order price does not meet minimum premium")
	ErrUnknownTemplate  = errors.New("unknown template")
	ErrTelemetryFailure = errors.New("telemetry report failed")

	// Broker Specific Errors
	ErrConnectionFailed     = errors.New("failed to connect to the broker")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("broker authentication failed (check API keys)")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found at the broker")
	ErrOrderPreparation     = errors.New("order preparation failed")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrOrderAdjustFailed    = errors.New("failed to adjust order")
	ErrUnsupportedOrder     = errors.New("order not supported by broker")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
	ErrDeleteFailed   = errors.New("database delete failed")
)
