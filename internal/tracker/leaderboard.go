package tracker

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	DefaultLeaderboardLimit = 20
	MaxLeaderboardLimit     = 100
)

// LeaderboardMetric names the user_stats column a ranking sorts by.
type LeaderboardMetric string

const (
	MetricRealizedPnL  LeaderboardMetric = "total_realized_pnl"
	MetricVolume       LeaderboardMetric = "total_volume"
	MetricTradeCount   LeaderboardMetric = "trade_count"
	MetricLargestTrade LeaderboardMetric = "largest_trade_value"

	DefaultLeaderboardMetric = MetricRealizedPnL
)

// statColumn maps each metric to its column. The map doubles as the
// whitelist: metrics outside it never reach query assembly.
var statColumn = map[LeaderboardMetric]string{
	MetricRealizedPnL:  "total_realized_pnl",
	MetricVolume:       "total_volume",
	MetricTradeCount:   "trade_count",
	MetricLargestTrade: "largest_trade_value",
}

// ParseLeaderboardMetric maps a query-string metric to its canonical value.
func ParseLeaderboardMetric(raw string) (LeaderboardMetric, error) {
	if raw == "" {
		return DefaultLeaderboardMetric, nil
	}
	metric := LeaderboardMetric(raw)
	if _, ok := statColumn[metric]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMetric, raw)
	}
	return metric, nil
}

// ClampLeaderboardLimit validates the requested page size. Zero means use
// the default; anything outside 1..100 is rejected.
func ClampLeaderboardLimit(limit int) (int, error) {
	if limit == 0 {
		return DefaultLeaderboardLimit, nil
	}
	if limit < 1 || limit > MaxLeaderboardLimit {
		return 0, fmt.Errorf("%w: %d (must be 1..%d)", ErrInvalidLimit, limit, MaxLeaderboardLimit)
	}
	return limit, nil
}

// LeaderboardEntry is one ranked wallet.
type LeaderboardEntry struct {
	Rank              int     `json:"rank"`
	WalletAddress     string  `json:"wallet_address"`
	TotalRealizedPnL  float64 `json:"total_realized_pnl"`
	TotalVolume       float64 `json:"total_volume"`
	TradeCount        int64   `json:"trade_count"`
	LargestTradeValue float64 `json:"largest_trade_value"`
	LastTradeAt       int64   `json:"last_trade_at"`
}

// Leaderboard ranks wallets by the chosen metric. Ties break on wallet
// address ascending so rankings are stable between refreshes. Wallets with
// no activity inside the period are excluded for bounded periods.
func (a *Analytics) Leaderboard(ctx context.Context, metric LeaderboardMetric, period Period, limit int) ([]LeaderboardEntry, error) {
	column, ok := statColumn[metric]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, metric)
	}
	limit, err := ClampLeaderboardLimit(limit)
	if err != nil {
		return nil, err
	}

	cutoff := period.CutoffUnix(a.now())

	var rows *sql.Rows
	if cutoff == 0 {
		rows, err = a.store.db.QueryContext(ctx, `
			SELECT wallet_address, total_realized_pnl, total_volume, trade_count,
			       largest_trade_value, last_trade_at
			FROM user_stats
			WHERE trade_count > 0
			ORDER BY `+column+` DESC, wallet_address ASC
			LIMIT ?
		`, limit)
	} else {
		// Bounded periods aggregate from the trade ledger directly so they
		// reflect only in-period activity, not lifetime stats.
		rows, err = a.store.db.QueryContext(ctx, `
			SELECT t.wallet_address,
			       SUM(t.realized_pnl) AS total_realized_pnl,
			       SUM(GREATEST(t.amount_in * t.price_in_usd, t.amount_out * t.price_out_usd)) AS total_volume,
			       COUNT(*) AS trade_count,
			       MAX(GREATEST(t.amount_in * t.price_in_usd, t.amount_out * t.price_out_usd)) AS largest_trade_value,
			       MAX(t.block_timestamp) AS last_trade_at
			FROM trades t
			WHERE t.block_timestamp >= ?
			GROUP BY t.wallet_address
			ORDER BY `+column+` DESC, wallet_address ASC
			LIMIT ?
		`, cutoff, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	entries := make([]LeaderboardEntry, 0, limit)
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(
			&e.WalletAddress,
			&e.TotalRealizedPnL,
			&e.TotalVolume,
			&e.TradeCount,
			&e.LargestTradeValue,
			&e.LastTradeAt,
		); err != nil {
			return nil, err
		}
		e.Rank = len(entries) + 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
