package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/model"
)

func newTestLedger() *Ledger {
	fees := map[string]model.FeeRate{
		"kraken":  {Buy: 0.001, Sell: 0.001},
		"binance": {Buy: 0.001, Sell: 0.001},
	}
	return New("BTC/USDT", []string{"kraken", "binance"}, fees)
}

func TestLedger_Seed(t *testing.T) {
	l := newTestLedger()
	l.Seed(1000, 100)

	// Half the capital in quote split across two exchanges, half in base at
	// the average price.
	assert.InDelta(t, 250, l.QuoteBalance("kraken"), 1e-9)
	assert.InDelta(t, 250, l.QuoteBalance("binance"), 1e-9)
	assert.InDelta(t, 2.5, l.BaseBalance("kraken"), 1e-9)
	assert.InDelta(t, 2.5, l.BaseBalance("binance"), 1e-9)

	// tradeSize = totalBase/exchangeCount * 0.99
	assert.InDelta(t, 2.475, l.TradeSize(), 1e-9)
}

func TestLedger_ApplyTrade(t *testing.T) {
	l := newTestLedger()
	l.Seed(1000, 100)

	err := l.ApplyTrade("kraken", "binance", 1, 100, 102)
	require.NoError(t, err)

	assert.InDelta(t, 2.5+1*(1-0.001), l.BaseBalance("kraken"), 1e-9)
	assert.InDelta(t, 250-100*(1+0.001), l.QuoteBalance("kraken"), 1e-9)
	assert.InDelta(t, 2.5-1*(1+0.001), l.BaseBalance("binance"), 1e-9)
	assert.InDelta(t, 250+102*(1-0.001), l.QuoteBalance("binance"), 1e-9)
}

func TestLedger_ApplyTrade_RejectsNegativeBalance(t *testing.T) {
	l := newTestLedger()
	l.Seed(1000, 100)

	beforeQuote, beforeBase := l.Snapshot()

	// Quantity far beyond the seeded quote balance on the buy side.
	err := l.ApplyTrade("kraken", "binance", 10, 100, 102)
	require.Error(t, err)

	var invErr *InvariantError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "kraken", invErr.Exchange)
	assert.Equal(t, "USDT", invErr.Asset)

	// No partial mutation may be observable after a rejection.
	afterQuote, afterBase := l.Snapshot()
	assert.Equal(t, beforeQuote, afterQuote)
	assert.Equal(t, beforeBase, afterBase)
}

func TestLedger_ApplyTrade_RejectsOverdrawnBase(t *testing.T) {
	l := newTestLedger()
	l.Seed(1000, 100)

	err := l.ApplyTrade("kraken", "binance", 3, 1, 1)
	require.Error(t, err)

	var invErr *InvariantError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "binance", invErr.Exchange)
	assert.Equal(t, "BTC", invErr.Asset)
}

func TestLedger_ApplyOrder(t *testing.T) {
	l := newTestLedger()
	l.Seed(1000, 100)

	require.NoError(t, l.ApplyOrder("kraken", model.SideSell, 1, 101))
	assert.InDelta(t, 2.5-1*(1+0.001), l.BaseBalance("kraken"), 1e-9)
	assert.InDelta(t, 250+101*(1-0.001), l.QuoteBalance("kraken"), 1e-9)

	require.NoError(t, l.ApplyOrder("kraken", model.SideBuy, 1, 101))
	assert.InDelta(t, 2.5-1*(1+0.001)+1*(1-0.001), l.BaseBalance("kraken"), 1e-9)
}

func TestLedger_Resize(t *testing.T) {
	l := newTestLedger()
	l.Seed(1000, 100)

	require.NoError(t, l.ApplyTrade("kraken", "binance", 1, 100, 102))
	size := l.Resize()

	total := l.TotalBase()
	assert.InDelta(t, total/2*0.99, size, 1e-9)
	assert.Equal(t, size, l.TradeSize())
}

func TestLedger_Totals(t *testing.T) {
	l := newTestLedger()
	l.Seed(1000, 100)

	assert.InDelta(t, 500, l.TotalQuote(), 1e-9)
	assert.InDelta(t, 5, l.TotalBase(), 1e-9)
}
