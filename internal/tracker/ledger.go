package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// TradeRecord is one swap as reported by the ingestion API. TokenIn is the
// asset the wallet gave up, TokenOut the asset it received. Single-sided
// records (pure buy or pure sell) leave the unused leg empty with a zero
// amount.
type TradeRecord struct {
	ID              int64   `json:"id,omitempty"`
	TransactionHash string  `json:"transaction_hash"`
	WalletAddress   string  `json:"wallet_address"`
	TokenIn         string  `json:"token_in,omitempty"`
	TokenOut        string  `json:"token_out,omitempty"`
	AmountIn        float64 `json:"amount_in"`
	AmountOut       float64 `json:"amount_out"`
	PriceInUSD      float64 `json:"price_in_usd"`
	PriceOutUSD     float64 `json:"price_out_usd"`
	FeesUSD         float64 `json:"fees_usd"`
	RealizedPnL     float64 `json:"realized_pnl"`
	BlockTimestamp  int64   `json:"block_timestamp"`
	CreatedAt       int64   `json:"created_at,omitempty"`
}

// Ledger owns trade ingestion and the position/stats state derived from it.
type Ledger struct {
	store  *Store
	logger *slog.Logger
}

func NewLedger(store *Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

func (l *Ledger) validateTrade(trade *TradeRecord) error {
	if trade.TransactionHash == "" {
		return newValidationError("transaction_hash", "must not be empty")
	}
	if err := ValidateWalletAddress(trade.WalletAddress); err != nil {
		return err
	}
	if trade.TokenIn == "" && trade.TokenOut == "" {
		return newValidationError("token_in", "at least one trade leg is required")
	}
	if trade.AmountIn < 0 || trade.AmountOut < 0 {
		return newValidationError("amount_in", "amounts must not be negative")
	}
	if trade.TokenIn != "" && trade.AmountIn <= 0 {
		return newValidationError("amount_in", "must be positive when token_in is set")
	}
	if trade.TokenOut != "" && trade.AmountOut <= 0 {
		return newValidationError("amount_out", "must be positive when token_out is set")
	}
	if trade.AmountIn > 0 && trade.TokenIn == "" {
		return newValidationError("token_in", "must be set when amount_in is positive")
	}
	if trade.AmountOut > 0 && trade.TokenOut == "" {
		return newValidationError("token_out", "must be set when amount_out is positive")
	}
	if trade.PriceInUSD < 0 || trade.PriceOutUSD < 0 {
		return newValidationError("price_in_usd", "prices must not be negative")
	}
	if trade.FeesUSD < 0 {
		return newValidationError("fees_usd", "must not be negative")
	}
	if trade.BlockTimestamp <= 0 {
		return newValidationError("block_timestamp", "must be a positive unix timestamp")
	}
	return nil
}

// RecordTrade validates and ingests one trade, updating the affected
// positions and the wallet's running stats in the same transaction. A
// transaction hash seen before returns ErrDuplicateTrade and changes
// nothing. The returned record carries the realized PnL computed for the
// disposal leg.
func (l *Ledger) RecordTrade(ctx context.Context, trade TradeRecord) (*TradeRecord, error) {
	if err := l.validateTrade(&trade); err != nil {
		return nil, err
	}
	if trade.CreatedAt == 0 {
		trade.CreatedAt = time.Now().Unix()
	}

	var outcome TradeOutcome
	err := l.store.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO trades (
				transaction_hash, wallet_address, token_in, token_out,
				amount_in, amount_out, price_in_usd, price_out_usd,
				fees_usd, realized_pnl, block_timestamp, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT(transaction_hash) DO NOTHING
		`,
			trade.TransactionHash,
			trade.WalletAddress,
			trade.TokenIn,
			trade.TokenOut,
			trade.AmountIn,
			trade.AmountOut,
			trade.PriceInUSD,
			trade.PriceOutUSD,
			trade.FeesUSD,
			trade.BlockTimestamp,
			trade.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			return ErrDuplicateTrade
		}

		posIn, posOut, err := l.lockTradePositions(ctx, tx, &trade)
		if err != nil {
			return err
		}

		outcome = applyTrade(posIn, posOut, &trade)
		trade.RealizedPnL = outcome.RealizedPnL

		if outcome.Clamped {
			l.logger.Warn("disposal amount exceeds held quantity, clamping",
				"wallet", trade.WalletAddress,
				"token", trade.TokenIn,
				"tx_hash", trade.TransactionHash,
				"excess", outcome.ClampedAmount,
			)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE trades SET realized_pnl = ? WHERE transaction_hash = ?`,
			trade.RealizedPnL, trade.TransactionHash,
		); err != nil {
			return fmt.Errorf("update trade realized pnl: %w", err)
		}

		for _, p := range []*Position{posIn, posOut} {
			if p == nil {
				continue
			}
			if err := l.store.upsertPositionTx(ctx, tx, p); err != nil {
				return fmt.Errorf("upsert position %s/%s: %w", p.WalletAddress, p.TokenAddress, err)
			}
		}

		if err := l.store.upsertUserStatsTx(ctx, tx, outcome, trade.WalletAddress, trade.BlockTimestamp); err != nil {
			return fmt.Errorf("upsert user stats: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &trade, nil
}

// lockTradePositions loads the positions touched by the trade with row
// locks. Tokens are locked in sorted order so two trades touching the same
// pair cannot deadlock each other.
func (l *Ledger) lockTradePositions(ctx context.Context, tx *Tx, trade *TradeRecord) (posIn, posOut *Position, err error) {
	tokens := make([]string, 0, 2)
	if trade.TokenIn != "" && trade.AmountIn > 0 {
		tokens = append(tokens, trade.TokenIn)
	}
	if trade.TokenOut != "" && trade.AmountOut > 0 && trade.TokenOut != trade.TokenIn {
		tokens = append(tokens, trade.TokenOut)
	}
	sort.Strings(tokens)

	loaded := make(map[string]*Position, len(tokens))
	for _, token := range tokens {
		p, err := l.store.getPositionForUpdateTx(ctx, tx, trade.WalletAddress, token)
		if err != nil {
			return nil, nil, fmt.Errorf("lock position %s/%s: %w", trade.WalletAddress, token, err)
		}
		loaded[token] = p
	}

	if trade.TokenIn != "" && trade.AmountIn > 0 {
		posIn = loaded[trade.TokenIn]
	}
	if trade.TokenOut != "" && trade.AmountOut > 0 {
		posOut = loaded[trade.TokenOut]
	}
	return posIn, posOut, nil
}

// ListTradesByWallet returns the wallet's trades ascending by block
// timestamp. Zero bounds disable the corresponding cutoff.
func (l *Ledger) ListTradesByWallet(ctx context.Context, wallet string, since, until int64) ([]TradeRecord, error) {
	if err := ValidateWalletAddress(wallet); err != nil {
		return nil, err
	}

	query := `
		SELECT id, transaction_hash, wallet_address, token_in, token_out,
		       amount_in, amount_out, price_in_usd, price_out_usd,
		       fees_usd, realized_pnl, block_timestamp, created_at
		FROM trades
		WHERE wallet_address = ?`
	args := []any{wallet}
	if since > 0 {
		query += ` AND block_timestamp >= ?`
		args = append(args, since)
	}
	if until > 0 {
		query += ` AND block_timestamp <= ?`
		args = append(args, until)
	}
	query += ` ORDER BY block_timestamp ASC, id ASC`

	rows, err := l.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

func scanTrades(rows *sql.Rows) ([]TradeRecord, error) {
	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(
			&t.ID,
			&t.TransactionHash,
			&t.WalletAddress,
			&t.TokenIn,
			&t.TokenOut,
			&t.AmountIn,
			&t.AmountOut,
			&t.PriceInUSD,
			&t.PriceOutUSD,
			&t.FeesUSD,
			&t.RealizedPnL,
			&t.BlockTimestamp,
			&t.CreatedAt,
		); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// RebuildWallet discards the wallet's derived state and replays its full
// trade history from the ledger. Realized PnL on each trade row is
// recomputed during the replay.
func (l *Ledger) RebuildWallet(ctx context.Context, wallet string) error {
	if err := ValidateWalletAddress(wallet); err != nil {
		return err
	}

	trades, err := l.ListTradesByWallet(ctx, wallet, 0, 0)
	if err != nil {
		return err
	}

	positions, stats := replayWallet(wallet, trades)

	return l.store.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE wallet_address = ?`, wallet); err != nil {
			return fmt.Errorf("clear positions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_stats WHERE wallet_address = ?`, wallet); err != nil {
			return fmt.Errorf("clear user stats: %w", err)
		}

		for i := range trades {
			if _, err := tx.ExecContext(ctx,
				`UPDATE trades SET realized_pnl = ? WHERE id = ?`,
				trades[i].RealizedPnL, trades[i].ID,
			); err != nil {
				return fmt.Errorf("rewrite trade %d: %w", trades[i].ID, err)
			}
		}

		tokens := make([]string, 0, len(positions))
		for token := range positions {
			tokens = append(tokens, token)
		}
		sort.Strings(tokens)
		for _, token := range tokens {
			if err := l.store.upsertPositionTx(ctx, tx, positions[token]); err != nil {
				return fmt.Errorf("rewrite position %s: %w", token, err)
			}
		}

		if stats.TradeCount > 0 {
			if err := l.store.replaceUserStatsTx(ctx, tx, stats); err != nil {
				return fmt.Errorf("rewrite user stats: %w", err)
			}
		}
		return nil
	})
}

// RebuildAll replays every wallet present in the ledger. Wallets are
// rebuilt one at a time so a failure leaves earlier wallets consistent.
func (l *Ledger) RebuildAll(ctx context.Context) (int, error) {
	rows, err := l.store.db.QueryContext(ctx,
		`SELECT DISTINCT wallet_address FROM trades ORDER BY wallet_address`)
	if err != nil {
		return 0, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []string
	for rows.Next() {
		var wallet string
		if err := rows.Scan(&wallet); err != nil {
			return 0, err
		}
		wallets = append(wallets, wallet)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for i, wallet := range wallets {
		if err := l.RebuildWallet(ctx, wallet); err != nil {
			return i, fmt.Errorf("rebuild wallet %s: %w", wallet, err)
		}
		l.logger.Info("wallet rebuilt", "wallet", wallet)
	}
	return len(wallets), nil
}

// GetPosition returns the wallet's stored position for one token, or
// ErrNotFound when the pair has never traded.
func (l *Ledger) GetPosition(ctx context.Context, wallet, token string) (*Position, error) {
	if err := ValidateWalletAddress(wallet); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, newValidationError("token_address", "must not be empty")
	}

	row := l.store.db.QueryRowContext(ctx, `
		SELECT wallet_address, token_address, quantity, avg_cost_basis, total_cost_basis,
		       realized_pnl, last_price, unrealized_pnl, updated_at
		FROM positions
		WHERE wallet_address = ? AND token_address = ?
	`, wallet, token)

	var p Position
	err := row.Scan(
		&p.WalletAddress,
		&p.TokenAddress,
		&p.Quantity,
		&p.AvgCostBasis,
		&p.TotalCostBasis,
		&p.RealizedPnL,
		&p.LastPrice,
		&p.UnrealizedPnL,
		&p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// OpenPositionsByWallet returns the wallet's positions with quantity still
// held, sorted by token address. Fully closed positions are omitted; their
// realized PnL lives in user_stats.
func (l *Ledger) OpenPositionsByWallet(ctx context.Context, wallet string) ([]Position, error) {
	if err := ValidateWalletAddress(wallet); err != nil {
		return nil, err
	}

	rows, err := l.store.db.QueryContext(ctx, `
		SELECT wallet_address, token_address, quantity, avg_cost_basis, total_cost_basis,
		       realized_pnl, last_price, unrealized_pnl, updated_at
		FROM positions
		WHERE wallet_address = ? AND quantity > 0
		ORDER BY token_address ASC
	`, wallet)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(
			&p.WalletAddress,
			&p.TokenAddress,
			&p.Quantity,
			&p.AvgCostBasis,
			&p.TotalCostBasis,
			&p.RealizedPnL,
			&p.LastPrice,
			&p.UnrealizedPnL,
			&p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// OpenPositionTokens lists every token some wallet currently holds. The
// price refresher uses it to decide what to keep warm in the cache.
func (l *Ledger) OpenPositionTokens(ctx context.Context) ([]string, error) {
	rows, err := l.store.db.QueryContext(ctx,
		`SELECT DISTINCT token_address FROM positions WHERE quantity > 0 ORDER BY token_address`)
	if err != nil {
		return nil, fmt.Errorf("list open tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// UserStatsByWallet returns the wallet's aggregate stats, or ErrNotFound
// when the wallet has never traded.
func (l *Ledger) UserStatsByWallet(ctx context.Context, wallet string) (*UserStats, error) {
	if err := ValidateWalletAddress(wallet); err != nil {
		return nil, err
	}

	row := l.store.db.QueryRowContext(ctx, `
		SELECT wallet_address, total_realized_pnl, total_volume, trade_count,
		       largest_trade_value, first_trade_at, last_trade_at
		FROM user_stats
		WHERE wallet_address = ?
	`, wallet)

	var st UserStats
	err := row.Scan(
		&st.WalletAddress,
		&st.TotalRealizedPnL,
		&st.TotalVolume,
		&st.TradeCount,
		&st.LargestTradeValue,
		&st.FirstTradeAt,
		&st.LastTradeAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}
