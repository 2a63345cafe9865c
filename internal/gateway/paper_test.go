package gateway

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/model"
)

func paperQuote(bid, ask float64) model.Quote {
	return model.Quote{Pair: "BTC/USDT", Bid: bid, Ask: ask, UpdatedAt: time.Now()}
}

func TestPaperGateway_LimitOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	pg := NewPaperGateway("paper", nil, slog.New(slog.DiscardHandler))
	pg.Deposit("USDT", 1000)
	pg.Push(paperQuote(100, 100.5))

	// A buy above the ask fills immediately.
	id, err := pg.PlaceLimitOrder(ctx, "BTC/USDT", model.SideBuy, 1, 101)
	require.NoError(t, err)
	open, err := pg.OpenOrders(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Empty(t, open)

	closed, err := pg.ClosedOrders(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, id, closed[0].ID)
	assert.Equal(t, model.OrderFilled, closed[0].Status)

	base, err := pg.Balance(ctx, "BTC")
	require.NoError(t, err)
	assert.InDelta(t, 1, base, 1e-9)
}

func TestPaperGateway_LimitOrderFillsOnCross(t *testing.T) {
	ctx := context.Background()
	pg := NewPaperGateway("paper", nil, slog.New(slog.DiscardHandler))
	pg.Push(paperQuote(100, 100.5))

	// A sell above the bid rests until the book reaches it.
	id, err := pg.PlaceLimitOrder(ctx, "BTC/USDT", model.SideSell, 1, 102)
	require.NoError(t, err)

	open, err := pg.OpenOrders(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.Len(t, open, 1)

	pg.Push(paperQuote(102.1, 102.6))

	open, err = pg.OpenOrders(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Empty(t, open)

	closed, err := pg.ClosedOrders(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, id, closed[0].ID)

	quote, err := pg.Balance(ctx, "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 102, quote, 1e-9, "the resting order fills at its limit price")
}

func TestPaperGateway_CancelOrder(t *testing.T) {
	ctx := context.Background()
	pg := NewPaperGateway("paper", nil, slog.New(slog.DiscardHandler))
	pg.Push(paperQuote(100, 100.5))

	id, err := pg.PlaceLimitOrder(ctx, "BTC/USDT", model.SideSell, 1, 102)
	require.NoError(t, err)

	require.NoError(t, pg.CancelOrder(ctx, "BTC/USDT", id))
	open, err := pg.OpenOrders(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Empty(t, open)

	closed, err := pg.ClosedOrders(ctx, "BTC/USDT")
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, model.OrderCancelled, closed[0].Status)

	assert.Error(t, pg.CancelOrder(ctx, "BTC/USDT", id), "cancelling twice fails")
}

func TestPaperGateway_MarketOrder(t *testing.T) {
	ctx := context.Background()
	pg := NewPaperGateway("paper", nil, slog.New(slog.DiscardHandler))

	_, err := pg.PlaceMarketOrder(ctx, "BTC/USDT", model.SideBuy, 1)
	assert.Error(t, err, "no book observed yet")

	pg.Push(paperQuote(100, 100.5))
	_, err = pg.PlaceMarketOrder(ctx, "BTC/USDT", model.SideBuy, 1)
	require.NoError(t, err)

	quote, err := pg.Balance(ctx, "USDT")
	require.NoError(t, err)
	assert.InDelta(t, -100.5, quote, 1e-9, "buys execute at the ask")
}
