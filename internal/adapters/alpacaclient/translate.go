package alpacaclient

import (
	"fmt"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"optionsBot/internal/domain"
)

// OCCSymbol formats an option leg as an OCC contract symbol, e.g. SPY260320P00450000.
func OCCSymbol(underlying string, leg domain.Leg) (string, error) {
	root := strings.ToUpper(strings.TrimSpace(underlying))
	if root == "" || len(root) > 6 {
		return "", fmt.Errorf("invalid option root %q", underlying)
	}
	if leg.Expiration.IsZero() {
		return "", fmt.Errorf("option leg has no expiration")
	}
	var right string
	switch leg.Right {
	case domain.Call:
		right = "C"
	case domain.Put:
		right = "P"
	default:
		return "", fmt.Errorf("invalid option right %q", leg.Right)
	}
	strike := decimal.NewFromFloat(leg.Strike).Mul(decimal.NewFromInt(1000)).Round(0)
	if strike.Sign() <= 0 || strike.GreaterThanOrEqual(decimal.NewFromInt(100000000)) {
		return "", fmt.Errorf("invalid strike %v", leg.Strike)
	}
	return fmt.Sprintf("%s%s%s%08d", root, leg.Expiration.Format("060102"), right, strike.IntPart()), nil
}

// limitPrice converts a signed order price into an absolute price at cent precision.
func limitPrice(price float64) decimal.Decimal {
	return decimal.NewFromFloat(price).Abs().Round(2)
}

// signedPrice applies the debit-positive convention: buys are positive, sells negative.
func signedPrice(side alpaca.Side, price decimal.Decimal) float64 {
	if side == alpaca.Sell {
		return price.Neg().InexactFloat64()
	}
	return price.InexactFloat64()
}

// translateStatus maps Alpaca order statuses to domain statuses. Transitional
// statuses report no change.
func translateStatus(status string) (domain.OrderStatus, bool) {
	switch status {
	case "new", "accepted", "partially_filled", "pending_replace", "pending_cancel":
		return domain.OrderOpen, true
	case "filled":
		return domain.OrderFilled, true
	case "canceled", "expired", "rejected", "done_for_day", "suspended":
		return domain.OrderCancelled, true
	default:
		// pending_new, replaced, stopped, calculated
		return "", false
	}
}
