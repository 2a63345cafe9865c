// Package ledger tracks virtual per-exchange balances for one trading
// session. It is the source of truth for "can we afford this trade": every
// balance must stay non-negative, and a transaction that would violate that
// is rejected outright.
package ledger

import (
	"fmt"
	"sync"

	"arbiter/internal/model"
)

// InvariantError reports a transaction that would have driven a balance
// negative. It indicates a race or a stale-balance bug, so callers must abort
// the session rather than continue on a diverged balance model.
type InvariantError struct {
	Exchange string
	Asset    string
	Balance  float64
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger invariant violated: %s balance of %s would become %f",
		e.Asset, e.Exchange, e.Balance)
}

// Ledger holds the virtual quote-currency and base-asset balances per
// exchange. It is mutated only by the execution engine; all methods are safe
// for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	pair      string
	exchanges []string
	fees      map[string]model.FeeRate
	quote     map[string]float64
	base      map[string]float64
	tradeSize float64
}

// New creates an empty ledger for the given exchanges and fee schedule.
func New(pair string, exchanges []string, fees map[string]model.FeeRate) *Ledger {
	l := &Ledger{
		pair:      pair,
		exchanges: append([]string(nil), exchanges...),
		fees:      fees,
		quote:     make(map[string]float64, len(exchanges)),
		base:      make(map[string]float64, len(exchanges)),
	}
	for _, ex := range exchanges {
		l.quote[ex] = 0
		l.base[ex] = 0
	}
	return l
}

// Seed distributes capital across the exchanges: half stays in quote
// currency split evenly, half becomes base asset valued at avgPrice. The
// per-transaction trade size is derived from the seeded base balances.
func (l *Ledger) Seed(capitalUSD, avgPrice float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := float64(len(l.exchanges))
	quotePerExchange := capitalUSD / 2 / n
	basePerExchange := capitalUSD / 2 / avgPrice / n
	for _, ex := range l.exchanges {
		l.quote[ex] = quotePerExchange
		l.base[ex] = basePerExchange
	}
	l.resizeLocked()
}

// QuoteBalance returns the quote-currency balance of exchange.
func (l *Ledger) QuoteBalance(exchange string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quote[exchange]
}

// BaseBalance returns the base-asset balance of exchange.
func (l *Ledger) BaseBalance(exchange string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.base[exchange]
}

// TradeSize returns the current per-transaction base quantity.
func (l *Ledger) TradeSize() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tradeSize
}

// ApplyTrade applies both legs of a completed arbitrage trade atomically: no
// partial update is ever observable. The buy exchange gains base and loses
// quote; the sell exchange loses base and gains quote, both fee-adjusted.
func (l *Ledger) ApplyTrade(buyExchange, sellExchange string, quantity, buyPrice, sellPrice float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	buyFee := l.fees[buyExchange].Buy
	sellFee := l.fees[sellExchange].Sell

	newBuyBase := l.base[buyExchange] + quantity*(1-buyFee)
	newBuyQuote := l.quote[buyExchange] - quantity*buyPrice*(1+buyFee)
	newSellBase := l.base[sellExchange] - quantity*(1+sellFee)
	newSellQuote := l.quote[sellExchange] + quantity*sellPrice*(1-sellFee)

	if newBuyQuote < 0 {
		return &InvariantError{Exchange: buyExchange, Asset: model.QuoteAsset(l.pair), Balance: newBuyQuote}
	}
	if newSellBase < 0 {
		return &InvariantError{Exchange: sellExchange, Asset: model.BaseAsset(l.pair), Balance: newSellBase}
	}

	l.base[buyExchange] = newBuyBase
	l.quote[buyExchange] = newBuyQuote
	l.base[sellExchange] = newSellBase
	l.quote[sellExchange] = newSellQuote
	return nil
}

// ApplyOrder applies a single executed order, used when reconciling a
// partially filled trade whose legs resolved on the same exchange. The same
// non-negativity invariant applies.
func (l *Ledger) ApplyOrder(exchange string, side model.Side, quantity, price float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	fee := l.fees[exchange]
	var newBase, newQuote float64
	if side == model.SideBuy {
		newBase = l.base[exchange] + quantity*(1-fee.Buy)
		newQuote = l.quote[exchange] - quantity*price*(1+fee.Buy)
	} else {
		newBase = l.base[exchange] - quantity*(1+fee.Sell)
		newQuote = l.quote[exchange] + quantity*price*(1-fee.Sell)
	}

	if newBase < 0 {
		return &InvariantError{Exchange: exchange, Asset: model.BaseAsset(l.pair), Balance: newBase}
	}
	if newQuote < 0 {
		return &InvariantError{Exchange: exchange, Asset: model.QuoteAsset(l.pair), Balance: newQuote}
	}

	l.base[exchange] = newBase
	l.quote[exchange] = newQuote
	return nil
}

// Resize recomputes the per-transaction trade size from the current base
// balances: total base divided by exchange count, with a 1% margin to absorb
// rounding and fee drag.
func (l *Ledger) Resize() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resizeLocked()
	return l.tradeSize
}

func (l *Ledger) resizeLocked() {
	total := 0.0
	for _, ex := range l.exchanges {
		total += l.base[ex]
	}
	l.tradeSize = total / float64(len(l.exchanges)) * 0.99
}

// Snapshot returns a copy of all balances for reporting.
func (l *Ledger) Snapshot() (quote, base map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	quote = make(map[string]float64, len(l.quote))
	base = make(map[string]float64, len(l.base))
	for ex, v := range l.quote {
		quote[ex] = v
	}
	for ex, v := range l.base {
		base[ex] = v
	}
	return quote, base
}

// TotalQuote returns the sum of quote-currency balances across exchanges.
func (l *Ledger) TotalQuote() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0.0
	for _, v := range l.quote {
		total += v
	}
	return total
}

// TotalBase returns the sum of base-asset balances across exchanges.
func (l *Ledger) TotalBase() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0.0
	for _, v := range l.base {
		total += v
	}
	return total
}
