package utils

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"optionsBot/internal/domain"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteTradesCSV writes one row per trade.
func WriteTradesCSV(trades []*domain.Trade, w io.Writer) error {
	writer := csv.NewWriter(w)

	// Write header
	writer.Write([]string{"id", "account", "symbol", "strategy", "status", "realized_pnl", "opened_at", "closed_at"})

	for _, t := range trades {
		writer.Write([]string{
			strconv.FormatInt(t.ID, 10),
			t.Account,
			t.Symbol,
			t.Strategy,
			string(t.Status),
			formatFloat(t.RealizedPNL),
			formatTime(t.OpenedAt),
			formatTime(t.ClosedAt),
		})
	}
	writer.Flush()
	return writer.Error()
}

// WriteTransactionsCSV writes one row per transaction, including its cash flow.
func WriteTransactionsCSV(txs []*domain.Transaction, w io.Writer) error {
	writer := csv.NewWriter(w)

	writer.Write([]string{"trade_id", "id", "execution_id", "symbol", "type", "sec_type", "contracts", "price", "expiration", "strike", "commission", "fee", "cash_flow", "timestamp"})

	for _, tx := range txs {
		expiration := ""
		if !tx.Expiration.IsZero() {
			expiration = tx.Expiration.Format("2006-01-02")
		}
		writer.Write([]string{
			strconv.FormatInt(tx.TradeID, 10),
			strconv.FormatInt(tx.ID, 10),
			tx.ExecutionID,
			tx.Symbol,
			string(tx.Type),
			string(tx.SecType),
			strconv.Itoa(tx.Contracts),
			formatFloat(tx.Price),
			expiration,
			formatFloat(tx.Strike),
			formatFloat(tx.Commission),
			formatFloat(tx.Fee),
			formatFloat(tx.CashFlow()),
			formatTime(tx.Timestamp),
		})
	}
	writer.Flush()
	return writer.Error()
}
