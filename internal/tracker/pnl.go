package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Period bounds a historical PnL or leaderboard query.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
	PeriodAll   Period = "all"

	DefaultPeriod = PeriodMonth
)

// ParsePeriod maps a query-string period to its canonical value. Empty input
// falls back to the default; anything unrecognized is ErrInvalidPeriod.
func ParsePeriod(raw string) (Period, error) {
	if raw == "" {
		return DefaultPeriod, nil
	}
	switch Period(raw) {
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodYear, PeriodAll:
		return Period(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, raw)
}

// CutoffUnix returns the inclusive lower bound for the period relative to
// now, or 0 for the all-time period.
func (p Period) CutoffUnix(now time.Time) int64 {
	switch p {
	case PeriodDay:
		return now.AddDate(0, 0, -1).Unix()
	case PeriodWeek:
		return now.AddDate(0, 0, -7).Unix()
	case PeriodMonth:
		return now.AddDate(0, -1, 0).Unix()
	case PeriodYear:
		return now.AddDate(-1, 0, 0).Unix()
	default:
		return 0
	}
}

// PnLPoint is one step of a wallet's cumulative realized PnL series.
type PnLPoint struct {
	Timestamp     int64   `json:"timestamp"`
	RealizedPnL   float64 `json:"realized_pnl"`
	CumulativePnL float64 `json:"cumulative_pnl"`
	TokenIn       string  `json:"token_in,omitempty"`
	TokenOut      string  `json:"token_out,omitempty"`
	TradeHash     string  `json:"transaction_hash"`
}

// PortfolioPosition is a position enriched with live valuation.
type PortfolioPosition struct {
	Position
	CurrentPrice     float64 `json:"current_price"`
	MarketValue      float64 `json:"market_value"`
	CostBasis        float64 `json:"cost_basis"`
	UnrealizedPnLPct float64 `json:"unrealized_pnl_percent"`
}

// PortfolioSummary is the wallet's current holdings with live valuation,
// ordered by market value descending.
type PortfolioSummary struct {
	WalletAddress      string              `json:"wallet_address"`
	Positions          []PortfolioPosition `json:"positions"`
	TotalValueUSD      float64             `json:"total_value_usd"`
	TotalCostBasis     float64             `json:"total_cost_basis"`
	TotalRealizedPnL   float64             `json:"total_realized_pnl"`
	TotalUnrealizedPnL float64             `json:"total_unrealized_pnl"`
	PricesAsOf         int64               `json:"prices_as_of"`
}

// PriceSource supplies current token prices for unrealized PnL valuation.
// Implementations may serve stale data; the summary reports the snapshot
// time it valued against.
type PriceSource interface {
	CurrentPrices(ctx context.Context, tokens []string) (map[string]float64, int64, error)
}

// Analytics serves read-side PnL queries over the ledger.
type Analytics struct {
	store  *Store
	prices PriceSource
	logger *slog.Logger
	now    func() time.Time
}

func NewAnalytics(store *Store, prices PriceSource, logger *slog.Logger) *Analytics {
	return &Analytics{store: store, prices: prices, logger: logger, now: time.Now}
}

// HistoricalPnL returns the wallet's realized PnL series within the period,
// cumulative over trades that actually realized a gain or loss. The running
// sum starts from zero at the period boundary.
func (a *Analytics) HistoricalPnL(ctx context.Context, wallet string, period Period) ([]PnLPoint, error) {
	if err := ValidateWalletAddress(wallet); err != nil {
		return nil, err
	}

	cutoff := period.CutoffUnix(a.now())

	rows, err := a.store.db.QueryContext(ctx, `
		SELECT block_timestamp, realized_pnl,
		       SUM(realized_pnl) OVER (ORDER BY block_timestamp ASC, id ASC) AS cumulative_pnl,
		       token_in, token_out, transaction_hash
		FROM trades
		WHERE wallet_address = ?
		  AND realized_pnl <> 0
		  AND block_timestamp >= ?
		ORDER BY block_timestamp ASC, id ASC
	`, wallet, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query pnl history: %w", err)
	}
	defer rows.Close()

	points := make([]PnLPoint, 0, 64)
	for rows.Next() {
		var pt PnLPoint
		if err := rows.Scan(
			&pt.Timestamp,
			&pt.RealizedPnL,
			&pt.CumulativePnL,
			&pt.TokenIn,
			&pt.TokenOut,
			&pt.TradeHash,
		); err != nil {
			return nil, err
		}
		points = append(points, pt)
	}
	return points, rows.Err()
}

// PortfolioSummary values the wallet's open positions against current
// prices. Tokens the price source cannot quote keep their last stored
// valuation. Positions whose price moved since the last read have their
// stored last_price/unrealized_pnl refreshed best effort. Realized totals
// come from user_stats so fully closed positions still count.
func (a *Analytics) PortfolioSummary(ctx context.Context, wallet string) (*PortfolioSummary, error) {
	ledger := &Ledger{store: a.store, logger: a.logger}
	positions, err := ledger.OpenPositionsByWallet(ctx, wallet)
	if err != nil {
		return nil, err
	}

	summary := &PortfolioSummary{
		WalletAddress: wallet,
		Positions:     make([]PortfolioPosition, 0, len(positions)),
		PricesAsOf:    a.now().Unix(),
	}

	stats, err := ledger.UserStatsByWallet(ctx, wallet)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		summary.TotalRealizedPnL = stats.TotalRealizedPnL
	}

	open := make([]string, 0, len(positions))
	for i := range positions {
		open = append(open, positions[i].TokenAddress)
	}

	var quoted map[string]float64
	if len(open) > 0 && a.prices != nil {
		prices, asOf, err := a.prices.CurrentPrices(ctx, open)
		if err != nil {
			a.logger.Warn("price refresh failed, valuing against stored prices", "error", err)
		} else {
			quoted = prices
			if asOf > 0 {
				summary.PricesAsOf = asOf
			}
		}
	}

	for i := range positions {
		p := positions[i]
		currentPrice := p.LastPrice
		if price, ok := quoted[p.TokenAddress]; ok {
			currentPrice = price
		}

		marketValue := p.Quantity * currentPrice
		costBasis := p.Quantity * p.AvgCostBasis
		unrealized := marketValue - costBasis
		pct := 0.0
		if costBasis > 0 {
			pct = unrealized / costBasis * 100
		}

		if currentPrice != p.LastPrice {
			if err := a.refreshStoredValuation(ctx, &p, currentPrice, unrealized); err != nil {
				a.logger.Warn("failed to persist refreshed valuation",
					"wallet", p.WalletAddress, "token", p.TokenAddress, "err", err)
			} else {
				p.LastPrice = currentPrice
				p.UnrealizedPnL = unrealized
			}
		}

		summary.Positions = append(summary.Positions, PortfolioPosition{
			Position:         p,
			CurrentPrice:     currentPrice,
			MarketValue:      marketValue,
			CostBasis:        costBasis,
			UnrealizedPnLPct: pct,
		})
		summary.TotalValueUSD += marketValue
		summary.TotalCostBasis += p.TotalCostBasis
		summary.TotalUnrealizedPnL += unrealized
	}

	sort.SliceStable(summary.Positions, func(i, j int) bool {
		return summary.Positions[i].MarketValue > summary.Positions[j].MarketValue
	})

	return summary, nil
}

// UnrealizedPnL marks the wallet's open positions to current prices and
// returns the aggregate paper PnL as of the quote timestamp. It is a
// point-in-time figure and is never folded into the realized series.
func (a *Analytics) UnrealizedPnL(ctx context.Context, wallet string) (float64, int64, error) {
	summary, err := a.PortfolioSummary(ctx, wallet)
	if err != nil {
		return 0, 0, err
	}
	return summary.TotalUnrealizedPnL, summary.PricesAsOf, nil
}

func (a *Analytics) refreshStoredValuation(ctx context.Context, p *Position, price, unrealized float64) error {
	_, err := a.store.db.ExecContext(ctx, `
		UPDATE positions
		SET last_price = ?, unrealized_pnl = ?, updated_at = ?
		WHERE wallet_address = ? AND token_address = ?
	`, price, unrealized, a.now().Unix(), p.WalletAddress, p.TokenAddress)
	return err
}
