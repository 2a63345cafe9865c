package session

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/config"
	"arbiter/internal/gateway"
	"arbiter/internal/model"
)

func testConfig(mode string) config.Config {
	return config.Config{
		Mode: mode,
		Session: config.SessionConfig{
			Pair:               "BTC/USDT",
			Duration:           300 * time.Millisecond,
			CapitalUSD:         1000,
			MinProfitUSD:       0,
			MinProfitPct:       0,
			QuoteStaleness:     time.Minute,
			FillTimeout:        50 * time.Millisecond,
			PollInterval:       10 * time.Millisecond,
			SeedFillTimeout:    time.Second,
			FeedBackoffCap:     time.Second,
			LiquidationResidue: 0.01,
		},
		Exchanges: map[string]config.ExchangeConfig{
			"kraken":  {Fees: model.FeeRate{Buy: 0.001, Sell: 0.001}},
			"binance": {Fees: model.FeeRate{Buy: 0.001, Sell: 0.001}},
		},
	}
}

// flatQuote primes a paper gateway's book with a spread too small to arb.
func flatQuote(ex string) model.Quote {
	return model.Quote{Exchange: ex, Pair: "BTC/USDT", Bid: 99.5, Ask: 100.5, UpdatedAt: time.Now()}
}

func newPaperPair() (map[string]gateway.Gateway, *gateway.PaperGateway, *gateway.PaperGateway) {
	logger := slog.New(slog.DiscardHandler)
	kraken := gateway.NewPaperGateway("kraken", nil, logger)
	binance := gateway.NewPaperGateway("binance", nil, logger)
	kraken.Push(flatQuote("kraken"))
	binance.Push(flatQuote("binance"))
	gws := map[string]gateway.Gateway{"kraken": kraken, "binance": binance}
	return gws, kraken, binance
}

func sellOrderCount(t *testing.T, pg *gateway.PaperGateway) int {
	t.Helper()
	closed, err := pg.ClosedOrders(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	n := 0
	for _, o := range closed {
		if o.Side == model.SideSell && o.Status == model.OrderFilled {
			n++
		}
	}
	return n
}

func TestController_RunLiquidatesAndSummarizes(t *testing.T) {
	gws, kraken, binance := newPaperPair()
	ctrl := NewController(testConfig("paper"), gws, nil, nil, slog.New(slog.DiscardHandler))

	summary, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, summary.SessionID)
	assert.Equal(t, "BTC/USDT", summary.Pair)
	assert.Equal(t, 1000.0, summary.CapitalUSD)

	// Liquidation sold the base balances down to the residual on both
	// exchanges.
	assert.Equal(t, 1, sellOrderCount(t, kraken))
	assert.Equal(t, 1, sellOrderCount(t, binance))
	assert.InDelta(t, 5*0.01, summary.ResidualBase, 1e-6,
		"residual base should be the dust fraction of the seeded 5 BTC")
}

func TestController_LiquidateIsIdempotent(t *testing.T) {
	gws, kraken, binance := newPaperPair()
	ctrl := NewController(testConfig("paper"), gws, nil, nil, slog.New(slog.DiscardHandler))

	_, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	before := sellOrderCount(t, kraken) + sellOrderCount(t, binance)

	// A second liquidation issues no further sell orders.
	ctrl.Liquidate(context.Background())
	after := sellOrderCount(t, kraken) + sellOrderCount(t, binance)
	assert.Equal(t, before, after)
}

func TestController_InterruptStillLiquidates(t *testing.T) {
	gws, kraken, _ := newPaperPair()
	cfg := testConfig("paper")
	cfg.Session.Duration = time.Minute
	ctrl := NewController(cfg, gws, nil, nil, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	summary, err := ctrl.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The summary and the liquidation happen regardless of the interrupt.
	assert.NotEmpty(t, summary.SessionID)
	assert.Equal(t, 1, sellOrderCount(t, kraken))
}

// stallGateway streams one fixed quote and leaves limit orders open forever,
// keeping a submitted trade in its resolving phase.
type stallGateway struct {
	mu    sync.Mutex
	name  string
	quote model.Quote
	open  map[string]model.Order
	sells int
}

func newStallGateway(name string, bid, ask float64) *stallGateway {
	return &stallGateway{
		name:  name,
		quote: model.Quote{Exchange: name, Pair: "BTC/USDT", Bid: bid, Ask: ask, UpdatedAt: time.Now()},
		open:  make(map[string]model.Order),
	}
}

func (s *stallGateway) Name() string { return s.name }

func (s *stallGateway) StreamQuotes(ctx context.Context, pair string, quotes chan<- model.Quote) error {
	select {
	case quotes <- s.quote:
	case <-ctx.Done():
		return nil
	}
	<-ctx.Done()
	return nil
}

func (s *stallGateway) Ticker(ctx context.Context, pair string) (model.Quote, error) {
	return s.quote, nil
}

func (s *stallGateway) Balance(ctx context.Context, asset string) (float64, error) {
	return 0, nil
}

func (s *stallGateway) PlaceLimitOrder(ctx context.Context, pair string, side model.Side, quantity, price float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.open[id] = model.Order{ID: id, Exchange: s.name, Pair: pair, Side: side, Price: price, Quantity: quantity, Status: model.OrderOpen}
	return id, nil
}

func (s *stallGateway) PlaceMarketOrder(ctx context.Context, pair string, side model.Side, quantity float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if side == model.SideSell {
		s.sells++
	}
	return uuid.NewString(), nil
}

func (s *stallGateway) CancelOrder(ctx context.Context, pair, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, orderID)
	return nil
}

func (s *stallGateway) OpenOrders(ctx context.Context, pair string) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders := make([]model.Order, 0, len(s.open))
	for _, o := range s.open {
		orders = append(orders, o)
	}
	return orders, nil
}

func (s *stallGateway) ClosedOrders(ctx context.Context, pair string) ([]model.Order, error) {
	return nil, nil
}

func (s *stallGateway) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

func TestController_InterruptWaitsForInFlightTrade(t *testing.T) {
	// A wide spread triggers a trade whose legs never fill; the interrupt
	// arrives while the trade is still resolving.
	kraken := newStallGateway("kraken", 99.5, 100)
	binance := newStallGateway("binance", 102, 102.5)
	gws := map[string]gateway.Gateway{"kraken": kraken, "binance": binance}

	cfg := testConfig("paper")
	cfg.Session.Duration = time.Minute
	cfg.Session.FillTimeout = 80 * time.Millisecond
	cfg.Session.PollInterval = 5 * time.Millisecond
	ctrl := NewController(cfg, gws, nil, nil, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(40 * time.Millisecond)
		cancel()
	}()

	summary, err := ctrl.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The trade resolved before the summary was taken: its legs were
	// cancelled and its failure is counted, rather than racing liquidation.
	assert.Equal(t, 1, summary.Stats.TradesFailed)
	assert.Equal(t, 0, kraken.openCount())
	assert.Equal(t, 0, binance.openCount())

	// Liquidation still ran, exactly once per exchange.
	assert.Equal(t, 1, kraken.sells)
	assert.Equal(t, 1, binance.sells)
}

func TestController_DiscoversPairWhenUnset(t *testing.T) {
	gws, _, _ := newPaperPair()
	cfg := testConfig("paper")
	cfg.Session.Pair = ""
	ctrl := NewController(cfg, gws, nil, nil, slog.New(slog.DiscardHandler))

	summary, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, summary.Pair)
}

func TestController_InsufficientBalanceIsFatal(t *testing.T) {
	// Live mode checks real balances; paper gateways hold nothing.
	gws, kraken, _ := newPaperPair()
	ctrl := NewController(testConfig("live"), gws, nil, nil, slog.New(slog.DiscardHandler))

	summary, err := ctrl.Run(context.Background())
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// Nothing was seeded, so nothing is liquidated, but the summary is
	// still produced.
	assert.NotEmpty(t, summary.SessionID)
	assert.Equal(t, 0, sellOrderCount(t, kraken))
}
