package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"arbiter/internal/model"
)

// Repository defines the standard interface for database operations.
type Repository interface {
	LogTrade(ctx context.Context, trade model.TradeRecord) error
	LogSession(ctx context.Context, session model.SessionRecord) error
	Migrate(ctx context.Context) error
}

// PostgresRepository implements Repository on a pgx connection pool.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// Migrate creates the tables if they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id UUID PRIMARY KEY,
		seq INT NOT NULL,
		pair VARCHAR(20) NOT NULL,
		buy_exchange VARCHAR(50) NOT NULL,
		sell_exchange VARCHAR(50) NOT NULL,
		quantity NUMERIC(20, 8) NOT NULL,
		buy_price NUMERIC(20, 8) NOT NULL,
		sell_price NUMERIC(20, 8) NOT NULL,
		profit_usd NUMERIC(20, 8) NOT NULL,
		profit_pct NUMERIC(20, 8) NOT NULL,
		fees_usd NUMERIC(20, 8) NOT NULL,
		outcome VARCHAR(20) NOT NULL,
		executed_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		pair VARCHAR(20) NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		capital_usd NUMERIC(20, 8) NOT NULL,
		opportunities INT NOT NULL,
		trades_executed INT NOT NULL,
		trades_failed INT NOT NULL,
		volume_usd NUMERIC(20, 8) NOT NULL,
		profit_usd NUMERIC(20, 8) NOT NULL,
		profit_pct NUMERIC(20, 8) NOT NULL
	);`
	if _, err := r.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// LogTrade persists a resolved trade record.
func (r *PostgresRepository) LogTrade(ctx context.Context, trade model.TradeRecord) error {
	const query = `
	INSERT INTO trades (id, seq, pair, buy_exchange, sell_exchange, quantity,
		buy_price, sell_price, profit_usd, profit_pct, fees_usd, outcome, executed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.Pool.Exec(ctx, query,
		trade.ID, trade.Seq, trade.Pair, trade.BuyExchange, trade.SellExchange,
		trade.Quantity, trade.BuyPrice, trade.SellPrice, trade.ProfitUSD,
		trade.ProfitPct, trade.FeesUSD, string(trade.Outcome), trade.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("log trade: %w", err)
	}
	return nil
}

// LogSession persists a session summary.
func (r *PostgresRepository) LogSession(ctx context.Context, session model.SessionRecord) error {
	const query = `
	INSERT INTO sessions (id, pair, started_at, ended_at, capital_usd,
		opportunities, trades_executed, trades_failed, volume_usd, profit_usd, profit_pct)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.Pool.Exec(ctx, query,
		session.ID, session.Pair, session.StartedAt, session.EndedAt, session.CapitalUSD,
		session.Opportunities, session.TradesExecuted, session.TradesFailed,
		session.VolumeUSD, session.ProfitUSD, session.ProfitPct,
	)
	if err != nil {
		return fmt.Errorf("log session: %w", err)
	}
	return nil
}
