// Package engine holds the arbitrage decision path: the opportunity
// evaluator that gates on fee-adjusted profit, and the execution engine that
// orchestrates the two-legged trade against the exchange gateways.
package engine

import (
	"sync"

	"arbiter/internal/market"
	"arbiter/internal/model"
)

// safetyMargin pads the affordability check so a trade sized right at the
// balance boundary does not flap on fee rounding.
const safetyMargin = 0.001

// Evaluator computes fee-adjusted profit for the aggregator's best pair and
// decides whether it is worth executing.
type Evaluator struct {
	fees         map[string]model.FeeRate
	minProfitUSD float64
	minProfitPct float64
	balances     market.BalanceView

	mu            sync.Mutex
	lastBuyPrice  float64
	lastSellPrice float64
}

// NewEvaluator creates an evaluator with the given fee schedule and profit
// thresholds. balances is consulted for the affordability gate.
func NewEvaluator(fees map[string]model.FeeRate, minProfitUSD, minProfitPct float64, balances market.BalanceView) *Evaluator {
	return &Evaluator{
		fees:         fees,
		minProfitUSD: minProfitUSD,
		minProfitPct: minProfitPct,
		balances:     balances,
	}
}

// Evaluate computes the opportunity for the given pair and applies the gating
// policy. A false return means "skip, no error": the pair is not profitable
// enough, unchanged since the last executed trade, or unaffordable.
func (e *Evaluator) Evaluate(p market.BestPair) (model.Opportunity, bool) {
	opp := e.Compute(p)
	if opp.Quantity <= 0 {
		return opp, false
	}
	if p.BuyExchange == p.SellExchange {
		return opp, false
	}
	if opp.ProfitUSD <= e.minProfitUSD || opp.ProfitPct <= e.minProfitPct {
		return opp, false
	}
	e.mu.Lock()
	unchanged := e.lastBuyPrice == p.BuyPrice && e.lastSellPrice == p.SellPrice
	e.mu.Unlock()
	if unchanged {
		return opp, false
	}
	if e.balances.QuoteBalance(p.BuyExchange) < opp.Quantity*p.BuyPrice*(1+safetyMargin) {
		return opp, false
	}
	if e.balances.BaseBalance(p.SellExchange) < opp.Quantity*(1+safetyMargin) {
		return opp, false
	}
	return opp, true
}

// Compute returns the fee-adjusted opportunity for the pair at the current
// per-transaction trade size, without applying the gating policy.
func (e *Evaluator) Compute(p market.BestPair) model.Opportunity {
	quantity := e.balances.TradeSize()
	buyFee := e.fees[p.BuyExchange].Buy
	sellFee := e.fees[p.SellExchange].Sell

	effectiveBuy := p.BuyPrice * (1 + buyFee)
	effectiveSell := p.SellPrice * (1 - sellFee)

	opp := model.Opportunity{
		BuyExchange:  p.BuyExchange,
		SellExchange: p.SellExchange,
		BuyPrice:     p.BuyPrice,
		SellPrice:    p.SellPrice,
		Quantity:     quantity,
		ProfitUSD:    quantity * (effectiveSell - effectiveBuy),
		FeesUSD:      quantity*p.BuyPrice*buyFee + quantity*p.SellPrice*sellFee,
	}
	if p.BuyPrice > 0 {
		opp.GrossSpreadPct = (p.SellPrice - p.BuyPrice) / p.BuyPrice * 100
	}
	if effectiveBuy > 0 {
		opp.ProfitPct = (effectiveSell - effectiveBuy) / effectiveBuy * 100
	}
	return opp
}

// RecordExecuted remembers the price pair of the trade that just executed so
// an unchanged book state does not re-trigger.
func (e *Evaluator) RecordExecuted(buyPrice, sellPrice float64) {
	e.mu.Lock()
	e.lastBuyPrice = buyPrice
	e.lastSellPrice = sellPrice
	e.mu.Unlock()
}
