package market

import (
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/model"
)

type fakeBalances struct {
	quote map[string]float64
	base  map[string]float64
	size  float64
}

func (f *fakeBalances) QuoteBalance(ex string) float64 { return f.quote[ex] }
func (f *fakeBalances) BaseBalance(ex string) float64  { return f.base[ex] }
func (f *fakeBalances) TradeSize() float64             { return f.size }

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func quoteAt(ex string, bid, ask float64, at time.Time) model.Quote {
	return model.Quote{Exchange: ex, Pair: "BTC/USDT", Bid: bid, Ask: ask, UpdatedAt: at}
}

func TestAggregator_BestPair(t *testing.T) {
	now := time.Now()
	a := NewAggregator([]string{"kraken", "binance"}, 10*time.Second, nil, discardLogger())

	a.Apply(quoteAt("kraken", 99.5, 100, now))
	a.Apply(quoteAt("binance", 100.8, 100.3, now))

	best, ok := a.BestPair(now)
	require.True(t, ok)
	assert.Equal(t, "kraken", best.BuyExchange)
	assert.Equal(t, 100.0, best.BuyPrice)
	assert.Equal(t, "binance", best.SellExchange)
	assert.Equal(t, 100.8, best.SellPrice)
}

func TestAggregator_NeverSameExchangeBothSides(t *testing.T) {
	now := time.Now()
	a := NewAggregator([]string{"kraken", "binance", "bitstamp"}, time.Minute, nil, discardLogger())

	// Random quote sequences must never produce an exchange as both buy and
	// sell side.
	rng := rand.New(rand.NewSource(1))
	exchanges := []string{"kraken", "binance", "bitstamp"}
	for i := 0; i < 1000; i++ {
		ex := exchanges[rng.Intn(len(exchanges))]
		bid := 90 + rng.Float64()*20
		a.Apply(quoteAt(ex, bid, bid+rng.Float64(), now))

		if best, ok := a.BestPair(now); ok {
			assert.NotEqual(t, best.BuyExchange, best.SellExchange)
		}
	}
}

func TestAggregator_StaleQuotesIgnored(t *testing.T) {
	now := time.Now()
	a := NewAggregator([]string{"kraken", "binance"}, 10*time.Second, nil, discardLogger())

	a.Apply(quoteAt("kraken", 99.5, 100, now.Add(-30*time.Second)))
	a.Apply(quoteAt("binance", 100.8, 100.3, now))

	_, ok := a.BestPair(now)
	assert.False(t, ok, "a stale quote leaves fewer than two fresh exchanges")

	a.Apply(quoteAt("kraken", 99.5, 100, now))
	_, ok = a.BestPair(now)
	assert.True(t, ok)
}

func TestAggregator_LastWriteWins(t *testing.T) {
	now := time.Now()
	a := NewAggregator([]string{"kraken", "binance"}, time.Minute, nil, discardLogger())

	a.Apply(quoteAt("kraken", 99, 99.5, now))
	a.Apply(quoteAt("kraken", 101, 101.5, now))
	a.Apply(quoteAt("binance", 100, 100.5, now))

	best, ok := a.BestPair(now)
	require.True(t, ok)
	assert.Equal(t, "binance", best.BuyExchange)
	assert.Equal(t, "kraken", best.SellExchange)
	assert.Equal(t, 101.0, best.SellPrice)
}

func TestAggregator_BalanceOverride(t *testing.T) {
	now := time.Now()

	t.Run("base-starved exchange forced to buy", func(t *testing.T) {
		balances := &fakeBalances{
			quote: map[string]float64{"kraken": 500, "binance": 500},
			base:  map[string]float64{"kraken": 5, "binance": 0.1},
			size:  1,
		}
		a := NewAggregator([]string{"kraken", "binance"}, time.Minute, balances, discardLogger())
		// Price-wise kraken holds both best ask and best bid, but binance is
		// short of base asset and must replenish.
		a.Apply(quoteAt("kraken", 100.5, 100.6, now))
		a.Apply(quoteAt("binance", 100.0, 101.0, now))

		best, ok := a.BestPair(now)
		require.True(t, ok)
		assert.Equal(t, "binance", best.BuyExchange)
		assert.Equal(t, "kraken", best.SellExchange)
	})

	t.Run("quote-starved exchange forced to sell", func(t *testing.T) {
		balances := &fakeBalances{
			quote: map[string]float64{"kraken": 0, "binance": 500},
			base:  map[string]float64{"kraken": 5, "binance": 5},
			size:  1,
		}
		a := NewAggregator([]string{"kraken", "binance"}, time.Minute, balances, discardLogger())
		// binance holds the best bid, but kraken has no quote currency left
		// and must sell to replenish it.
		a.Apply(quoteAt("kraken", 99.5, 101.0, now))
		a.Apply(quoteAt("binance", 100.8, 100.9, now))

		best, ok := a.BestPair(now)
		require.True(t, ok)
		assert.Equal(t, "kraken", best.SellExchange)
		assert.Equal(t, "binance", best.BuyExchange)
	})

	t.Run("roles collapsing onto one exchange yields nothing", func(t *testing.T) {
		balances := &fakeBalances{
			quote: map[string]float64{"kraken": 0, "binance": 500},
			base:  map[string]float64{"kraken": 0.1, "binance": 5},
			size:  1,
		}
		a := NewAggregator([]string{"kraken", "binance"}, time.Minute, balances, discardLogger())
		a.Apply(quoteAt("kraken", 99.5, 100, now))
		a.Apply(quoteAt("binance", 100.8, 100.9, now))

		_, ok := a.BestPair(now)
		assert.False(t, ok)
	})
}
