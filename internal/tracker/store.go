package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			transaction_hash TEXT NOT NULL UNIQUE,
			wallet_address TEXT NOT NULL,
			token_in TEXT NOT NULL DEFAULT '',
			token_out TEXT NOT NULL DEFAULT '',
			amount_in DOUBLE PRECISION NOT NULL DEFAULT 0,
			amount_out DOUBLE PRECISION NOT NULL DEFAULT 0,
			price_in_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			price_out_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			fees_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			block_timestamp BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_wallet_time ON trades(wallet_address, block_timestamp, id);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_wallet_realized ON trades(wallet_address, block_timestamp) WHERE realized_pnl <> 0;`,
		`CREATE TABLE IF NOT EXISTS positions (
			wallet_address TEXT NOT NULL,
			token_address TEXT NOT NULL,
			quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
			avg_cost_basis DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_cost_basis DOUBLE PRECISION NOT NULL DEFAULT 0,
			realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			unrealized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (wallet_address, token_address)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_wallet ON positions(wallet_address);`,
		`CREATE TABLE IF NOT EXISTS user_stats (
			wallet_address TEXT PRIMARY KEY,
			total_realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_volume DOUBLE PRECISION NOT NULL DEFAULT 0,
			trade_count BIGINT NOT NULL DEFAULT 0,
			largest_trade_value DOUBLE PRECISION NOT NULL DEFAULT 0,
			first_trade_at BIGINT NOT NULL DEFAULT 0,
			last_trade_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_user_stats_realized ON user_stats(total_realized_pnl DESC, wallet_address);`,
		`CREATE INDEX IF NOT EXISTS idx_user_stats_volume ON user_stats(total_volume DESC, wallet_address);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Reset truncates all tracker tables. Only the test-reset route calls this,
// and only when explicitly enabled in config.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE TABLE trades, positions, user_stats`); err != nil {
		return fmt.Errorf("reset tracker tables: %w", err)
	}
	return nil
}

func (s *Store) getPositionForUpdateTx(ctx context.Context, tx *Tx, wallet, token string) (*Position, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT wallet_address, token_address, quantity, avg_cost_basis, total_cost_basis,
		       realized_pnl, last_price, unrealized_pnl, updated_at
		FROM positions
		WHERE wallet_address = ? AND token_address = ?
		FOR UPDATE
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
		return &Position{WalletAddress: wallet, TokenAddress: token}, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) upsertPositionTx(ctx context.Context, tx *Tx, p *Position) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO positions (
			wallet_address, token_address, quantity, avg_cost_basis, total_cost_basis,
			realized_pnl, last_price, unrealized_pnl, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet_address, token_address) DO UPDATE SET
			quantity = excluded.quantity,
			avg_cost_basis = excluded.avg_cost_basis,
			total_cost_basis = excluded.total_cost_basis,
			realized_pnl = excluded.realized_pnl,
			last_price = excluded.last_price,
			unrealized_pnl = excluded.unrealized_pnl,
			updated_at = excluded.updated_at
	`,
		p.WalletAddress,
		p.TokenAddress,
		p.Quantity,
		p.AvgCostBasis,
		p.TotalCostBasis,
		p.RealizedPnL,
		p.LastPrice,
		p.UnrealizedPnL,
		p.UpdatedAt,
	)
	return err
}

func (s *Store) upsertUserStatsTx(ctx context.Context, tx *Tx, outcome TradeOutcome, wallet string, tradeTimestamp int64) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_stats (
			wallet_address, total_realized_pnl, total_volume, trade_count,
			largest_trade_value, first_trade_at, last_trade_at, updated_at
		) VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(wallet_address) DO UPDATE SET
			total_realized_pnl = user_stats.total_realized_pnl + excluded.total_realized_pnl,
			total_volume = user_stats.total_volume + excluded.total_volume,
			trade_count = user_stats.trade_count + 1,
			largest_trade_value = GREATEST(user_stats.largest_trade_value, excluded.largest_trade_value),
			first_trade_at = LEAST(user_stats.first_trade_at, excluded.first_trade_at),
			last_trade_at = GREATEST(user_stats.last_trade_at, excluded.last_trade_at),
			updated_at = excluded.updated_at
	`,
		wallet,
		outcome.RealizedPnL,
		outcome.TradeValue,
		outcome.TradeValue,
		tradeTimestamp,
		tradeTimestamp,
		now,
	)
	return err
}

func (s *Store) replaceUserStatsTx(ctx context.Context, tx *Tx, stats UserStats) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_stats (
			wallet_address, total_realized_pnl, total_volume, trade_count,
			largest_trade_value, first_trade_at, last_trade_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet_address) DO UPDATE SET
			total_realized_pnl = excluded.total_realized_pnl,
			total_volume = excluded.total_volume,
			trade_count = excluded.trade_count,
			largest_trade_value = excluded.largest_trade_value,
			first_trade_at = excluded.first_trade_at,
			last_trade_at = excluded.last_trade_at,
			updated_at = excluded.updated_at
	`,
		stats.WalletAddress,
		stats.TotalRealizedPnL,
		stats.TotalVolume,
		stats.TradeCount,
		stats.LargestTradeValue,
		stats.FirstTradeAt,
		stats.LastTradeAt,
		now,
	)
	return err
}
