// Package market maintains the latest top-of-book per exchange and picks the
// most attractive cross-exchange pair: the cheapest ask to buy against the
// richest bid to sell.
package market

import (
	"log/slog"
	"sync"
	"time"

	"arbiter/internal/model"
)

// BalanceView supplies current virtual balances for the balance-driven role
// override. It is implemented by the ledger.
type BalanceView interface {
	QuoteBalance(exchange string) float64
	BaseBalance(exchange string) float64
	TradeSize() float64
}

// BestPair is the currently most attractive cross-exchange combination.
type BestPair struct {
	BuyExchange  string
	BuyPrice     float64
	SellExchange string
	SellPrice    float64
}

// Aggregator stores the latest Quote per exchange, last-write-wins. Ordering
// is only guaranteed within one exchange's stream, which the gateway already
// provides.
type Aggregator struct {
	mu        sync.Mutex
	exchanges []string
	quotes    map[string]model.Quote
	staleness time.Duration
	balances  BalanceView
	logger    *slog.Logger
}

// NewAggregator creates an aggregator for the configured exchanges. Quotes
// older than staleness are ignored by BestPair.
func NewAggregator(exchanges []string, staleness time.Duration, balances BalanceView, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		exchanges: append([]string(nil), exchanges...),
		quotes:    make(map[string]model.Quote, len(exchanges)),
		staleness: staleness,
		balances:  balances,
		logger:    logger,
	}
}

// Apply replaces the stored quote for the update's exchange.
func (a *Aggregator) Apply(q model.Quote) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quotes[q.Exchange] = q
}

// Quote returns the stored quote for exchange, if any.
func (a *Aggregator) Quote(exchange string) (model.Quote, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.quotes[exchange]
	return q, ok
}

// BestPair returns the exchange with the minimum ask and the exchange with
// the maximum bid among fresh quotes. An exchange short of base asset is
// forced into the buy role so it gets replenished; an exchange out of quote
// currency is forced into the sell role. Returns false when fewer than two
// fresh quotes exist or the roles collapse onto one exchange.
func (a *Aggregator) BestPair(now time.Time) (BestPair, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fresh := make(map[string]model.Quote, len(a.quotes))
	for _, ex := range a.exchanges {
		q, ok := a.quotes[ex]
		if !ok {
			continue
		}
		if now.Sub(q.UpdatedAt) > a.staleness {
			continue
		}
		fresh[ex] = q
	}
	if len(fresh) < 2 {
		return BestPair{}, false
	}

	var buyEx, sellEx string
	for _, ex := range a.exchanges {
		q, ok := fresh[ex]
		if !ok {
			continue
		}
		if buyEx == "" || q.Ask < fresh[buyEx].Ask {
			buyEx = ex
		}
		if sellEx == "" || q.Bid > fresh[sellEx].Bid {
			sellEx = ex
		}
	}

	// Balance-driven override: keep every exchange liquid enough to execute
	// both legs locally instead of discovering the shortfall at
	// affordability-check time.
	if a.balances != nil {
		tradeSize := a.balances.TradeSize()
		for _, ex := range a.exchanges {
			if _, ok := fresh[ex]; !ok {
				continue
			}
			if base := a.balances.BaseBalance(ex); base < tradeSize {
				a.logger.Debug("forcing buy role to replenish base",
					"exchange", ex, "base", base, "trade_size", tradeSize)
				buyEx = ex
			}
			if quote := a.balances.QuoteBalance(ex); quote <= 0 {
				a.logger.Debug("forcing sell role to replenish quote",
					"exchange", ex, "quote", quote)
				sellEx = ex
			}
		}
	}

	if buyEx == sellEx {
		return BestPair{}, false
	}

	return BestPair{
		BuyExchange:  buyEx,
		BuyPrice:     fresh[buyEx].Ask,
		SellExchange: sellEx,
		SellPrice:    fresh[sellEx].Bid,
	}, true
}
