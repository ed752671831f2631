package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"optionsBot/config"
	"optionsBot/internal/adapters/logger"
	"optionsBot/internal/adapters/sqlite"
	"optionsBot/internal/domain"
	"optionsBot/internal/utils"
)

var (
	tradeID   = flag.Int64("trade", 0, "print the transactions of one trade")
	tradesCSV = flag.String("trades-csv", "", "export all trades to this CSV file")
	txCSV     = flag.String("transactions-csv", "", "export all transactions to this CSV file")
)

func main() {
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.New(cfg.LogLevel, true)

	// 3. Open Repository
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to open database %s: %v", cfg.DBPath, err)
	}
	defer repo.Close()

	ctx := context.Background()
	trades, err := repo.ListTrades(ctx)
	if err != nil {
		log.Fatalf("Error listing trades: %v", err)
	}
	if len(trades) == 0 {
		log.Println("No trades recorded yet.")
		return
	}

	if *tradeID != 0 {
		printTransactions(ctx, repo, *tradeID)
		return
	}

	// Create a tabwriter for formatted output
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "Template\tTrades\tOpen\tWinRate\tAvgWin\tAvgLoss\tTotalPnL\tMaxDD\t")
	for _, stats := range utils.StatsByStrategy(trades) {
		fmt.Fprintf(w, "%s\t%d\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t\n",
			stats.Strategy,
			stats.TotalTrades,
			stats.OpenTrades,
			stats.WinRate*100,
			stats.AvgWin,
			stats.AvgLoss,
			stats.TotalPnL,
			stats.MaxDrawdown,
		)
	}
	w.Flush()

	if *tradesCSV != "" {
		if err := writeFile(*tradesCSV, func(f *os.File) error { return utils.WriteTradesCSV(trades, f) }); err != nil {
			log.Fatalf("Error writing %s: %v", *tradesCSV, err)
		}
		fmt.Printf("\nTrades exported to %s\n", *tradesCSV)
	}
	if *txCSV != "" {
		var all []*domain.Transaction
		for _, t := range trades {
			txs, err := repo.ListTransactions(ctx, t.ID)
			if err != nil {
				log.Fatalf("Error listing transactions of trade %d: %v", t.ID, err)
			}
			all = append(all, txs...)
		}
		if err := writeFile(*txCSV, func(f *os.File) error { return utils.WriteTransactionsCSV(all, f) }); err != nil {
			log.Fatalf("Error writing %s: %v", *txCSV, err)
		}
		fmt.Printf("Transactions exported to %s\n", *txCSV)
	}
}

func printTransactions(ctx context.Context, repo *sqlite.Repository, id int64) {
	trade, err := repo.GetTrade(ctx, id)
	if err != nil {
		log.Fatalf("Error loading trade %d: %v", id, err)
	}
	if trade == nil {
		log.Fatalf("Trade %d not found", id)
	}
	txs, err := repo.ListTransactions(ctx, id)
	if err != nil {
		log.Fatalf("Error listing transactions of trade %d: %v", id, err)
	}

	fmt.Printf("Trade #%d %s %s %s on %s, P&L %.2f\n\n", trade.ID, trade.Strategy, trade.Symbol, trade.Status, trade.Account, trade.RealizedPNL)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "ID\tExecID\tType\tSec\tQty\tPrice\tStrike\tComm\tCashFlow\t")
	var total float64
	for _, tx := range txs {
		total += tx.CashFlow()
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t\n",
			tx.ID, tx.ExecutionID, tx.Type, tx.SecType, tx.Contracts, tx.Price, tx.Strike, tx.Commission+tx.Fee, tx.CashFlow())
	}
	w.Flush()
	fmt.Printf("\nNet cash flow: %.2f\n", total)
}

func writeFile(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
