package utils

import (
	"sort"

	"optionsBot/internal/domain"
)

// TradeStats holds statistics about a set of finished trades
type TradeStats struct {
	Strategy      string
	TotalTrades   int
	OpenTrades    int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	AvgWin        float64
	AvgLoss       float64
	TotalPnL      float64
	MaxDrawdown   float64 // Largest peak-to-trough drop of cumulative P&L
}

// CalculateTradeStats calculates statistics for trades in the given order.
// Only CLOSED and EXPIRED trades contribute to P&L figures.
func CalculateTradeStats(strategy string, trades []*domain.Trade) TradeStats {
	stats := TradeStats{Strategy: strategy}

	var winningPnL, losingPnL float64
	var peak, cumulative float64
	for _, trade := range trades {
		if !trade.Status.IsTerminal() {
			stats.OpenTrades++
			continue
		}
		stats.TotalTrades++
		stats.TotalPnL += trade.RealizedPNL
		cumulative += trade.RealizedPNL

		// Update peak and drawdown
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > stats.MaxDrawdown {
			stats.MaxDrawdown = dd
		}

		if trade.RealizedPNL > 0 {
			stats.WinningTrades++
			winningPnL += trade.RealizedPNL
		} else {
			stats.LosingTrades++
			losingPnL += trade.RealizedPNL
		}
	}

	if stats.TotalTrades == 0 {
		return stats
	}

	// Calculate averages
	if stats.WinningTrades > 0 {
		stats.AvgWin = winningPnL / float64(stats.WinningTrades)
	}
	if stats.LosingTrades > 0 {
		stats.AvgLoss = losingPnL / float64(stats.LosingTrades)
	}
	stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)
	return stats
}

// StatsByStrategy groups trades by the template that opened them, sorted by name.
func StatsByStrategy(trades []*domain.Trade) []TradeStats {
	grouped := make(map[string][]*domain.Trade)
	for _, t := range trades {
		grouped[t.Strategy] = append(grouped[t.Strategy], t)
	}
	names := make([]string, 0, len(grouped))
	for name := range grouped {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]TradeStats, 0, len(names))
	for _, name := range names {
		out = append(out, CalculateTradeStats(name, grouped[name]))
	}
	return out
}
