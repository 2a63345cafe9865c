// Package session owns the timed trading run: seeding capital, running the
// per-exchange feed loops, driving the decision path, and liquidating back to
// quote currency at the end.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"arbiter/internal/config"
	"arbiter/internal/database"
	"arbiter/internal/engine"
	"arbiter/internal/gateway"
	"arbiter/internal/ledger"
	"arbiter/internal/market"
	"arbiter/internal/model"
	"arbiter/internal/notify"
)

// ErrInsufficientBalance is returned when the configured capital cannot be
// covered by the real account balances at session start.
var ErrInsufficientBalance = errors.New("insufficient balance for configured capital")

// Summary is the end-of-session report. It is produced regardless of how the
// session terminated.
type Summary struct {
	SessionID      string
	Pair           string
	StartedAt      time.Time
	EndedAt        time.Time
	CapitalUSD     float64
	FinalQuoteUSD  float64
	ResidualBase   float64
	Stats          model.SessionStats
	QuoteBalances  map[string]float64
	BaseBalances   map[string]float64
}

// Controller runs one trading session from seed to liquidation.
type Controller struct {
	cfg      config.Config
	gateways map[string]gateway.Gateway
	book     *ledger.Ledger
	agg      *market.Aggregator
	eval     *engine.Evaluator
	exec     *engine.Engine
	repo     database.Repository
	notifier *notify.Notifier
	logger   *slog.Logger
	baseLog  *slog.Logger

	liquidated bool
}

// NewController wires the session components around the given gateways.
// repo and notifier may be nil.
func NewController(cfg config.Config, gateways map[string]gateway.Gateway, repo database.Repository, notifier *notify.Notifier, logger *slog.Logger) *Controller {
	c := &Controller{
		cfg:      cfg,
		gateways: gateways,
		repo:     repo,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "session")),
		baseLog:  logger,
	}
	c.build(cfg.Session.Pair)
	return c
}

// build constructs the pair-bound components. It runs again if the pair is
// discovered at startup rather than configured.
func (c *Controller) build(pair string) {
	fees := c.cfg.FeeSchedule()
	names := c.cfg.ExchangeNames()
	c.cfg.Session.Pair = pair
	c.book = ledger.New(pair, names, fees)
	c.agg = market.NewAggregator(names, c.cfg.Session.QuoteStaleness, c.book,
		c.baseLog.With(slog.String("component", "aggregator")))
	c.eval = engine.NewEvaluator(fees, c.cfg.Session.MinProfitUSD, c.cfg.Session.MinProfitPct, c.book)
	c.exec = engine.NewEngine(
		pair, c.gateways, c.book, c.eval, fees,
		c.cfg.Session.PollInterval, c.cfg.Session.FillTimeout,
		c.repo, c.notifier, c.baseLog,
	)
}

// Run executes the session: seed, trade until the duration elapses or ctx is
// cancelled, then liquidate and report. The summary is emitted regardless of
// how the session ends.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	started := time.Now()
	sessionID := uuid.NewString()
	c.logger.Info("session starting",
		"session_id", sessionID,
		"pair", c.cfg.Session.Pair,
		"mode", c.cfg.Mode,
		"capital_usd", c.cfg.Session.CapitalUSD,
		"duration", c.cfg.Session.Duration.String(),
	)

	runErr := c.run(ctx)

	// Liquidation and the summary happen even on fatal errors and
	// interrupts, so they use their own context.
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	// Nothing was seeded if the startup balance check failed, so there is
	// nothing to liquidate.
	if !errors.Is(runErr, ErrInsufficientBalance) {
		c.awaitInFlight(endCtx)
		c.Liquidate(endCtx)
	}

	summary := c.summarize(sessionID, started)
	c.report(endCtx, summary, runErr)
	return summary, runErr
}

// defaultPairs are the candidates scanned when no trading pair is configured.
var defaultPairs = []string{"BTC/USDT", "ETH/USDT", "BTC/USD", "ETH/USD", "SOL/USDT", "XRP/USDT"}

func (c *Controller) run(ctx context.Context) error {
	if c.cfg.Session.Pair == "" {
		pair, err := c.discoverPair(ctx)
		if err != nil {
			return fmt.Errorf("discover trading pair: %w", err)
		}
		c.logger.Info("trading pair discovered", "pair", pair)
		c.build(pair)
	}

	avgPrice, err := c.averagePrice(ctx)
	if err != nil {
		return fmt.Errorf("discover market price: %w", err)
	}
	if err := c.seed(ctx, avgPrice); err != nil {
		return err
	}
	c.book.Seed(c.cfg.Session.CapitalUSD, avgPrice)
	c.logger.Info("capital seeded",
		"avg_price", avgPrice,
		"trade_size", c.book.TradeSize(),
	)

	sessionCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.Duration)
	defer cancel()

	quotes := make(chan model.Quote, 256)
	g, feedCtx := errgroup.WithContext(sessionCtx)
	for name, gw := range c.gateways {
		g.Go(func() error {
			c.logger.Info("starting quote feed", "exchange", name)
			return gw.StreamQuotes(feedCtx, c.cfg.Session.Pair, quotes)
		})
	}

	err = c.decide(sessionCtx, quotes)

	cancel()
	if feedErr := g.Wait(); feedErr != nil && err == nil && !errors.Is(feedErr, context.Canceled) {
		err = feedErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		c.logger.Info("session duration elapsed")
		return nil
	}
	return err
}

// decide is the single decision path: every quote update refreshes the
// aggregator and, unless a trade is already in flight, is evaluated for
// execution.
func (c *Controller) decide(ctx context.Context, quotes <-chan model.Quote) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.exec.Fatal():
			return err
		case q := <-quotes:
			c.agg.Apply(q)
			if c.exec.InFlight() {
				continue
			}
			best, ok := c.agg.BestPair(time.Now())
			if !ok {
				continue
			}
			opp, ok := c.eval.Evaluate(best)
			if !ok {
				continue
			}
			c.exec.TryExecute(ctx, opp)
		}
	}
}

// discoverPair scans the candidate pairs across all exchanges and picks the
// one with the widest cross-exchange spread. A candidate is skipped unless
// every exchange quotes it.
func (c *Controller) discoverPair(ctx context.Context) (string, error) {
	bestPair := ""
	bestSpread := 0.0
	for _, pair := range defaultPairs {
		minAsk, maxBid := 0.0, 0.0
		quoted := true
		for _, gw := range c.gateways {
			q, err := gw.Ticker(ctx, pair)
			if err != nil || q.Ask <= 0 {
				quoted = false
				break
			}
			if minAsk == 0 || q.Ask < minAsk {
				minAsk = q.Ask
			}
			if q.Bid > maxBid {
				maxBid = q.Bid
			}
		}
		if !quoted {
			continue
		}
		spread := (maxBid - minAsk) / minAsk
		c.logger.Debug("pair candidate", "pair", pair, "spread_pct", spread*100)
		if bestPair == "" || spread > bestSpread {
			bestPair = pair
			bestSpread = spread
		}
	}
	if bestPair == "" {
		return "", errors.New("no candidate pair quoted on all exchanges")
	}
	return bestPair, nil
}

// averagePrice samples a ticker from each exchange and returns the midpoint
// average. At least one exchange must answer.
func (c *Controller) averagePrice(ctx context.Context) (float64, error) {
	var sum float64
	var n int
	var lastErr error
	for name, gw := range c.gateways {
		q, err := gw.Ticker(ctx, c.cfg.Session.Pair)
		if err != nil {
			c.logger.Warn("ticker unavailable", "exchange", name, "error", err)
			lastErr = err
			continue
		}
		sum += (q.Bid + q.Ask) / 2
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("no exchange answered: %w", lastErr)
	}
	return sum / float64(n), nil
}

// seed prepares the real exchange accounts to match the virtual split: half
// the capital in quote currency, half in base asset, spread evenly. In paper
// mode it simply deposits simulated funds.
func (c *Controller) seed(ctx context.Context, avgPrice float64) error {
	pair := c.cfg.Session.Pair
	n := float64(len(c.gateways))
	quotePerExchange := c.cfg.Session.CapitalUSD / 2 / n
	basePerExchange := c.cfg.Session.CapitalUSD / 2 / avgPrice / n

	if c.cfg.Mode == "paper" {
		for _, gw := range c.gateways {
			if pg, ok := gw.(*gateway.PaperGateway); ok {
				pg.Deposit(model.QuoteAsset(pair), quotePerExchange)
				pg.Deposit(model.BaseAsset(pair), basePerExchange)
			}
		}
		return nil
	}

	for name, gw := range c.gateways {
		quote, err := gw.Balance(ctx, model.QuoteAsset(pair))
		if err != nil {
			return fmt.Errorf("query %s balance on %s: %w", model.QuoteAsset(pair), name, err)
		}
		base, err := gw.Balance(ctx, model.BaseAsset(pair))
		if err != nil {
			return fmt.Errorf("query %s balance on %s: %w", model.BaseAsset(pair), name, err)
		}
		missingBase := basePerExchange - base
		if quote < quotePerExchange+missingBase*avgPrice {
			return fmt.Errorf("%w: %s has %.2f %s, needs %.2f",
				ErrInsufficientBalance, name, quote, model.QuoteAsset(pair),
				quotePerExchange+missingBase*avgPrice)
		}
		if missingBase <= 0 {
			continue
		}
		if err := c.seedBuy(ctx, gw, missingBase); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
	}
	return nil
}

// seedBuy acquires the missing base asset with a limit buy at the current ask
// and waits for the fill. An unfilled seed order is cancelled and fatal.
func (c *Controller) seedBuy(ctx context.Context, gw gateway.Gateway, quantity float64) error {
	pair := c.cfg.Session.Pair
	q, err := gw.Ticker(ctx, pair)
	if err != nil {
		return err
	}
	orderID, err := gw.PlaceLimitOrder(ctx, pair, model.SideBuy, quantity, q.Ask)
	if err != nil {
		return err
	}
	c.logger.Info("seed buy placed", "exchange", gw.Name(), "quantity", quantity, "price", q.Ask)

	deadline := time.NewTimer(c.cfg.Session.SeedFillTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.cfg.Session.PollInterval)
	defer tick.Stop()
	for {
		open, err := gw.OpenOrders(ctx, pair)
		if err == nil {
			found := false
			for _, o := range open {
				if o.ID == orderID {
					found = true
					break
				}
			}
			if !found {
				return nil
			}
		} else {
			c.logger.Warn("seed order poll failed", "exchange", gw.Name(), "error", err)
		}
		select {
		case <-ctx.Done():
			_ = gw.CancelOrder(context.WithoutCancel(ctx), pair, orderID)
			return ctx.Err()
		case <-deadline.C:
			_ = gw.CancelOrder(ctx, pair, orderID)
			return fmt.Errorf("seed order on %s unfilled after %v", gw.Name(), c.cfg.Session.SeedFillTimeout)
		case <-tick.C:
		}
	}
}

// awaitInFlight blocks until the in-flight trade, if any, has resolved. The
// trade executes on its own goroutine and may still be reconciling a partial
// fill; liquidation must not read or mutate the ledger concurrently with it.
func (c *Controller) awaitInFlight(ctx context.Context) {
	if !c.exec.InFlight() {
		return
	}
	c.logger.Info("waiting for in-flight trade to resolve")

	deadline := time.NewTimer(c.cfg.Session.FillTimeout + 30*time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for c.exec.InFlight() {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			c.logger.Warn("in-flight trade did not resolve before liquidation")
			return
		case <-tick.C:
		}
	}
}

// Liquidate converts base-asset balances back to quote currency on every
// exchange: cancel open orders first, then market-sell down to the residual
// threshold. It is idempotent; a second call once balances sit at the residual
// issues no further sell orders.
func (c *Controller) Liquidate(ctx context.Context) {
	if c.liquidated {
		c.logger.Info("liquidation already performed")
		return
	}
	c.logger.Info("liquidating base balances")

	pair := c.cfg.Session.Pair
	for name, gw := range c.gateways {
		open, err := gw.OpenOrders(ctx, pair)
		if err != nil {
			c.logger.Warn("cannot list open orders for liquidation", "exchange", name, "error", err)
		} else {
			for _, o := range open {
				if err := gw.CancelOrder(ctx, pair, o.ID); err != nil {
					c.logger.Warn("cancel during liquidation failed",
						"exchange", name, "order_id", o.ID, "error", err)
				}
			}
		}

		base := c.book.BaseBalance(name)
		sellQty := base * (1 - c.cfg.Session.LiquidationResidue)
		if sellQty <= 0 {
			continue
		}
		if _, err := gw.PlaceMarketOrder(ctx, pair, model.SideSell, sellQty); err != nil {
			c.logger.Error("liquidation sell failed", "exchange", name, "quantity", sellQty, "error", err)
			continue
		}
		price := 0.0
		if q, err := gw.Ticker(ctx, pair); err == nil {
			price = q.Bid
		}
		if err := c.book.ApplyOrder(name, model.SideSell, sellQty/(1+c.cfg.Exchanges[name].Fees.Sell), price); err != nil {
			c.logger.Warn("ledger could not absorb liquidation sell", "exchange", name, "error", err)
		}
		c.logger.Info("liquidated", "exchange", name, "quantity", sellQty, "price", price)
	}
	c.liquidated = true
}

// summarize builds the final report from the engine counters and the ledger.
func (c *Controller) summarize(sessionID string, started time.Time) Summary {
	stats := c.exec.Stats()
	if c.cfg.Session.CapitalUSD > 0 {
		stats.ProfitPct = stats.ProfitUSD / c.cfg.Session.CapitalUSD * 100
	}
	quote, base := c.book.Snapshot()
	return Summary{
		SessionID:     sessionID,
		Pair:          c.cfg.Session.Pair,
		StartedAt:     started,
		EndedAt:       time.Now(),
		CapitalUSD:    c.cfg.Session.CapitalUSD,
		FinalQuoteUSD: c.book.TotalQuote(),
		ResidualBase:  c.book.TotalBase(),
		Stats:         stats,
		QuoteBalances: quote,
		BaseBalances:  base,
	}
}

// report logs the summary, notifies, and persists the session record.
func (c *Controller) report(ctx context.Context, s Summary, runErr error) {
	c.logger.Info("session finished",
		"session_id", s.SessionID,
		"duration", s.EndedAt.Sub(s.StartedAt).String(),
		"opportunities", s.Stats.Opportunities,
		"trades_executed", s.Stats.TradesExecuted,
		"trades_failed", s.Stats.TradesFailed,
		"volume_usd", s.Stats.VolumeUSD,
		"profit_usd", s.Stats.ProfitUSD,
		"profit_pct", s.Stats.ProfitPct,
		"final_quote_usd", s.FinalQuoteUSD,
		"residual_base", s.ResidualBase,
	)

	if c.notifier != nil {
		msg := fmt.Sprintf(
			"pair %s\nopportunities %d, trades %d (%d failed)\nprofit %.4f USD (%.4f%%)\nfinal quote %.2f USD, residual base %.6f",
			s.Pair, s.Stats.Opportunities, s.Stats.TradesExecuted, s.Stats.TradesFailed,
			s.Stats.ProfitUSD, s.Stats.ProfitPct, s.FinalQuoteUSD, s.ResidualBase,
		)
		if runErr != nil {
			_ = c.notifier.Notify(ctx, notify.EventFatal, "Session aborted", runErr.Error())
		}
		if err := c.notifier.Notify(ctx, notify.EventSummary, "Session summary", msg); err != nil {
			c.logger.Warn("summary notification failed", "error", err)
		}
	}

	if c.repo != nil {
		rec := model.SessionRecord{
			ID:             s.SessionID,
			Pair:           s.Pair,
			StartedAt:      s.StartedAt,
			EndedAt:        s.EndedAt,
			CapitalUSD:     s.CapitalUSD,
			Opportunities:  s.Stats.Opportunities,
			TradesExecuted: s.Stats.TradesExecuted,
			TradesFailed:   s.Stats.TradesFailed,
			VolumeUSD:      s.Stats.VolumeUSD,
			ProfitUSD:      s.Stats.ProfitUSD,
			ProfitPct:      s.Stats.ProfitPct,
		}
		if err := c.repo.LogSession(ctx, rec); err != nil {
			c.logger.Error("failed to log session", "error", err)
		}
	}
}
