package database

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"arbiter/internal/model"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpassword",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Fatalf("could not start postgres container: %s", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Fatalf("could not stop postgres container: %s", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Fatalf("could not get container host: %s", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("could not get mapped port: %s", err)
	}

	connStr := "postgres://testuser:testpassword@" + host + ":" + port.Port() + "/testdb"
	pool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("could not connect to database: %s", err)
	}
	defer pool.Close()

	repo := &PostgresRepository{Pool: pool}
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("could not migrate: %s", err)
	}

	os.Exit(m.Run())
}

func TestPostgresRepository_LogTrade(t *testing.T) {
	ctx := context.Background()
	repo := &PostgresRepository{Pool: pool}

	trade := model.TradeRecord{
		ID:           uuid.NewString(),
		Seq:          1,
		Pair:         "BTC/USDT",
		BuyExchange:  "kraken",
		SellExchange: "binance",
		Quantity:     0.5,
		BuyPrice:     60000.0,
		SellPrice:    60100.0,
		ProfitUSD:    25.94,
		ProfitPct:    0.0432,
		FeesUSD:      24.02,
		Outcome:      model.OutcomeFilled,
		ExecutedAt:   time.Now(),
	}

	err := repo.LogTrade(ctx, trade)
	require.NoError(t, err)

	var got model.TradeRecord
	var outcome string
	err = pool.QueryRow(ctx,
		`SELECT pair, buy_exchange, sell_exchange, quantity, buy_price, sell_price,
			profit_usd, fees_usd, outcome
		FROM trades WHERE id = $1`, trade.ID).Scan(
		&got.Pair, &got.BuyExchange, &got.SellExchange, &got.Quantity,
		&got.BuyPrice, &got.SellPrice, &got.ProfitUSD, &got.FeesUSD, &outcome,
	)
	require.NoError(t, err)
	assert.Equal(t, trade.Pair, got.Pair)
	assert.Equal(t, trade.BuyExchange, got.BuyExchange)
	assert.Equal(t, trade.SellExchange, got.SellExchange)
	assert.InDelta(t, trade.Quantity, got.Quantity, 1e-8)
	assert.InDelta(t, trade.ProfitUSD, got.ProfitUSD, 1e-8)
	assert.Equal(t, string(model.OutcomeFilled), outcome)
}

func TestPostgresRepository_LogSession(t *testing.T) {
	ctx := context.Background()
	repo := &PostgresRepository{Pool: pool}

	started := time.Now().Add(-time.Hour)
	session := model.SessionRecord{
		ID:             uuid.NewString(),
		Pair:           "BTC/USDT",
		StartedAt:      started,
		EndedAt:        time.Now(),
		CapitalUSD:     1000,
		Opportunities:  14,
		TradesExecuted: 3,
		TradesFailed:   1,
		VolumeUSD:      1800,
		ProfitUSD:      4.52,
		ProfitPct:      0.452,
	}

	err := repo.LogSession(ctx, session)
	require.NoError(t, err)

	var got model.SessionRecord
	err = pool.QueryRow(ctx,
		`SELECT pair, capital_usd, opportunities, trades_executed, trades_failed,
			volume_usd, profit_usd, profit_pct
		FROM sessions WHERE id = $1`, session.ID).Scan(
		&got.Pair, &got.CapitalUSD, &got.Opportunities, &got.TradesExecuted,
		&got.TradesFailed, &got.VolumeUSD, &got.ProfitUSD, &got.ProfitPct,
	)
	require.NoError(t, err)
	assert.Equal(t, session.Pair, got.Pair)
	assert.Equal(t, session.Opportunities, got.Opportunities)
	assert.Equal(t, session.TradesExecuted, got.TradesExecuted)
	assert.Equal(t, session.TradesFailed, got.TradesFailed)
	assert.InDelta(t, session.ProfitUSD, got.ProfitUSD, 1e-8)
}
