package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"arbiter/internal/database"
	"arbiter/internal/gateway"
	"arbiter/internal/ledger"
	"arbiter/internal/model"
	"arbiter/internal/notify"
)

// submitRetryBackoff is the pause before the single retry of a failed order
// submission.
const submitRetryBackoff = 500 * time.Millisecond

// tradeState is the per-trade state machine position.
type tradeState string

const (
	stateIdle          tradeState = "idle"
	stateLegsSubmitted tradeState = "legs_submitted"
	stateResolving     tradeState = "resolving"
)

// Engine orchestrates two-legged arbitrage trades: it submits matched
// buy/sell limit legs, polls for fills, reconciles partial fills, and applies
// the result to the ledger. At most one trade is in flight at a time.
type Engine struct {
	pair         string
	gateways     map[string]gateway.Gateway
	book         *ledger.Ledger
	evaluator    *Evaluator
	fees         map[string]model.FeeRate
	pollInterval time.Duration
	fillTimeout  time.Duration
	repo         database.Repository
	notifier     *notify.Notifier
	logger       *slog.Logger

	inFlight atomic.Bool
	fatalCh  chan error

	mu      sync.Mutex
	stats   model.SessionStats
	records []model.TradeRecord
}

// NewEngine creates an execution engine. repo and notifier may be nil.
func NewEngine(
	pair string,
	gateways map[string]gateway.Gateway,
	book *ledger.Ledger,
	evaluator *Evaluator,
	fees map[string]model.FeeRate,
	pollInterval, fillTimeout time.Duration,
	repo database.Repository,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		pair:         pair,
		gateways:     gateways,
		book:         book,
		evaluator:    evaluator,
		fees:         fees,
		pollInterval: pollInterval,
		fillTimeout:  fillTimeout,
		repo:         repo,
		notifier:     notifier,
		logger:       logger.With(slog.String("component", "engine")),
		fatalCh:      make(chan error, 1),
	}
}

// InFlight reports whether a trade is currently executing.
func (x *Engine) InFlight() bool {
	return x.inFlight.Load()
}

// Fatal delivers errors that must abort the session, such as a ledger
// invariant violation.
func (x *Engine) Fatal() <-chan error {
	return x.fatalCh
}

// Stats returns a copy of the cumulative session counters.
func (x *Engine) Stats() model.SessionStats {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.stats
}

// Records returns the trade records accumulated this session.
func (x *Engine) Records() []model.TradeRecord {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]model.TradeRecord, len(x.records))
	copy(out, x.records)
	return out
}

// TryExecute starts executing the opportunity unless a trade is already in
// flight. It returns immediately; the trade resolves on its own goroutine.
// Returns false if the opportunity was not taken.
func (x *Engine) TryExecute(ctx context.Context, opp model.Opportunity) bool {
	if !x.inFlight.CompareAndSwap(false, true) {
		return false
	}
	x.mu.Lock()
	x.stats.Opportunities++
	oppNum := x.stats.Opportunities
	x.mu.Unlock()

	x.dispatch(notify.EventOpportunity, "Opportunity accepted", fmt.Sprintf(
		"#%d buy %s @ %.4f, sell %s @ %.4f, expected profit %.4f USD (%.4f%%)",
		oppNum, opp.BuyExchange, opp.BuyPrice, opp.SellExchange, opp.SellPrice,
		opp.ProfitUSD, opp.ProfitPct,
	))

	go func() {
		defer x.inFlight.Store(false)
		if err := x.execute(ctx, opp); err != nil {
			var invErr *ledger.InvariantError
			if errors.As(err, &invErr) {
				x.logger.Error("ledger invariant violated, aborting session", "error", err)
				select {
				case x.fatalCh <- err:
				default:
				}
				return
			}
			x.logger.Error("trade execution failed", "error", err)
		}
	}()
	return true
}

// execute runs one trade through the state machine:
// Idle -> LegsSubmitted -> Resolving -> {Filled | PartiallyFilled | Failed}.
func (x *Engine) execute(ctx context.Context, opp model.Opportunity) error {
	log := x.logger.With(
		slog.String("buy_exchange", opp.BuyExchange),
		slog.String("sell_exchange", opp.SellExchange),
		slog.Float64("quantity", opp.Quantity),
	)
	buyGW := x.gateways[opp.BuyExchange]
	sellGW := x.gateways[opp.SellExchange]

	// LegsSubmitted: limit sell on the rich exchange, limit buy on the cheap
	// one. Either submission failing aborts the trade with no ledger change.
	state := stateLegsSubmitted
	log.Info("submitting trade legs", "state", string(state))

	sellID, err := x.submitWithRetry(ctx, func(ctx context.Context) (string, error) {
		return sellGW.PlaceLimitOrder(ctx, x.pair, model.SideSell, opp.Quantity, opp.SellPrice)
	})
	if err != nil {
		x.recordFailed(opp, fmt.Errorf("submit sell leg: %w", err))
		return nil
	}
	buyID, err := x.submitWithRetry(ctx, func(ctx context.Context) (string, error) {
		return buyGW.PlaceLimitOrder(ctx, x.pair, model.SideBuy, opp.Quantity, opp.BuyPrice)
	})
	if err != nil {
		x.cancelQuietly(sellGW, sellID, log)
		x.recordFailed(opp, fmt.Errorf("submit buy leg: %w", err))
		return nil
	}

	// Resolving: poll both exchanges' open orders until both legs fill or
	// the fill timeout elapses.
	state = stateResolving
	log.Info("legs submitted, polling for fills", "state", string(state),
		"buy_order", buyID, "sell_order", sellID)

	var buyFilled, sellFilled bool
	pollFailures := 0
	pollErr := pollUntil(ctx, x.pollInterval, x.fillTimeout, func(ctx context.Context) (bool, error) {
		var callErr error
		if !buyFilled {
			open, err := buyGW.OpenOrders(ctx, x.pair)
			if err != nil {
				callErr = err
			} else {
				buyFilled = !containsOrder(open, buyID)
			}
		}
		if !sellFilled {
			open, err := sellGW.OpenOrders(ctx, x.pair)
			if err != nil {
				callErr = err
			} else {
				sellFilled = !containsOrder(open, sellID)
			}
		}
		if callErr != nil {
			// One retry for a transient gateway failure, then give up on
			// this trade.
			pollFailures++
			if pollFailures > 1 {
				return false, callErr
			}
			log.Warn("order poll failed, retrying", "error", callErr)
			return false, nil
		}
		pollFailures = 0
		return buyFilled && sellFilled, nil
	})

	switch {
	case pollErr == nil:
		return x.finalizeFilled(opp, log)

	case buyFilled != sellFilled:
		// Exactly one leg filled; even on cancellation the outstanding order
		// must be cancelled before returning control.
		return x.reconcilePartial(opp, buyFilled, buyID, sellID, log)

	case buyFilled && sellFilled:
		return x.finalizeFilled(opp, log)

	default:
		// Neither leg filled: cancel both, no ledger mutation.
		log.Warn("neither leg filled before timeout, cancelling both", "error", pollErr)
		x.cancelQuietly(buyGW, buyID, log)
		x.cancelQuietly(sellGW, sellID, log)
		if errors.Is(pollErr, errPollTimeout) {
			// The book state was acted on even though nothing filled; an
			// unmoved book must not re-trigger the same doomed trade.
			x.evaluator.RecordExecuted(opp.BuyPrice, opp.SellPrice)
		}
		x.recordFailed(opp, fmt.Errorf("fill timeout: %w", pollErr))
		return nil
	}
}

// finalizeFilled applies a fully filled trade to the ledger and records it.
func (x *Engine) finalizeFilled(opp model.Opportunity, log *slog.Logger) error {
	if err := x.book.ApplyTrade(opp.BuyExchange, opp.SellExchange, opp.Quantity, opp.BuyPrice, opp.SellPrice); err != nil {
		return err
	}
	x.evaluator.RecordExecuted(opp.BuyPrice, opp.SellPrice)
	newSize := x.book.Resize()

	rec := x.appendRecord(opp, opp.ProfitUSD, opp.FeesUSD, model.OutcomeFilled)
	log.Info("trade filled",
		"seq", rec.Seq,
		"profit_usd", rec.ProfitUSD,
		"profit_pct", rec.ProfitPct,
		"fees_usd", rec.FeesUSD,
		"next_trade_size", newSize,
	)
	x.dispatch(notify.EventTrade, "Trade filled", fmt.Sprintf(
		"#%d %s %.4f -> %.4f %s\nprofit +%.4f USD (+%.4f%%), fees %.4f USD",
		rec.Seq, opp.BuyExchange, opp.BuyPrice, opp.SellPrice, opp.SellExchange,
		rec.ProfitUSD, rec.ProfitPct, rec.FeesUSD,
	))
	x.persist(rec)
	return nil
}

// reconcilePartial handles the one-leg-filled timeout: cancel the unfilled
// leg, then re-balance exposure with a market order on the exchange where the
// other leg filled, sized to the quantity that actually executed.
func (x *Engine) reconcilePartial(opp model.Opportunity, buyFilled bool, buyID, sellID string, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var (
		filledEx, unfilledID   string
		filledID               string
		filledSide, offsetSide model.Side
		legPrice               float64
		unfilledGW             gateway.Gateway
	)
	if buyFilled {
		filledEx, filledID, filledSide = opp.BuyExchange, buyID, model.SideBuy
		offsetSide = model.SideSell
		legPrice = opp.BuyPrice
		unfilledID = sellID
		unfilledGW = x.gateways[opp.SellExchange]
	} else {
		filledEx, filledID, filledSide = opp.SellExchange, sellID, model.SideSell
		offsetSide = model.SideBuy
		legPrice = opp.SellPrice
		unfilledID = buyID
		unfilledGW = x.gateways[opp.BuyExchange]
	}
	filledGW := x.gateways[filledEx]

	log.Warn("one leg unfilled at timeout, reconciling",
		"filled_exchange", filledEx, "filled_side", string(filledSide))
	x.cancelQuietly(unfilledGW, unfilledID, log)

	// Discover how much the filled leg actually executed.
	filledQty := opp.Quantity
	if closed, err := filledGW.ClosedOrders(ctx, x.pair); err != nil {
		log.Warn("could not read closed orders, assuming full quantity", "error", err)
	} else if o, ok := findOrder(closed, filledID); ok && o.Filled > 0 {
		filledQty = o.Filled
	}

	// Offset at market on the same exchange for exactly the executed
	// quantity. Slippage against the planned price is expected here.
	offsetID, err := x.submitWithRetry(ctx, func(ctx context.Context) (string, error) {
		return filledGW.PlaceMarketOrder(ctx, x.pair, offsetSide, filledQty)
	})
	if err != nil {
		log.Error("offset market order failed, exposure remains", "error", err)
		if applyErr := x.book.ApplyOrder(filledEx, filledSide, filledQty, legPrice); applyErr != nil {
			return applyErr
		}
		x.recordFailed(opp, fmt.Errorf("offset order: %w", err))
		return nil
	}

	offsetPrice := legPrice
	if closed, err := filledGW.ClosedOrders(ctx, x.pair); err == nil {
		if o, ok := findOrder(closed, offsetID); ok && o.Price > 0 {
			offsetPrice = o.Price
		}
	}
	log.Warn("offset executed",
		"quantity", filledQty,
		"planned_price", legPrice,
		"realized_price", offsetPrice,
		"slippage", offsetPrice-legPrice,
	)

	if err := x.book.ApplyOrder(filledEx, filledSide, filledQty, legPrice); err != nil {
		return err
	}
	if err := x.book.ApplyOrder(filledEx, offsetSide, filledQty, offsetPrice); err != nil {
		return err
	}
	x.evaluator.RecordExecuted(opp.BuyPrice, opp.SellPrice)
	x.book.Resize()

	fee := x.fees[filledEx]
	var profit, fees float64
	if filledSide == model.SideSell {
		profit = filledQty*legPrice*(1-fee.Sell) - filledQty*offsetPrice*(1+fee.Buy)
		fees = filledQty*legPrice*fee.Sell + filledQty*offsetPrice*fee.Buy
	} else {
		profit = filledQty*offsetPrice*(1-fee.Sell) - filledQty*legPrice*(1+fee.Buy)
		fees = filledQty*offsetPrice*fee.Sell + filledQty*legPrice*fee.Buy
	}

	partial := opp
	partial.Quantity = filledQty
	rec := x.appendRecord(partial, profit, fees, model.OutcomePartiallyFilled)
	x.dispatch(notify.EventTrade, "Trade partially filled", fmt.Sprintf(
		"#%d %s leg filled %.6f on %s, offset at %.4f (planned %.4f)\nrealized %.4f USD",
		rec.Seq, string(filledSide), filledQty, filledEx, offsetPrice, legPrice, profit,
	))
	x.persist(rec)
	return nil
}

// recordFailed records a trade that resolved without any ledger mutation.
func (x *Engine) recordFailed(opp model.Opportunity, cause error) {
	x.logger.Warn("trade failed", "error", cause)
	rec := x.appendRecord(opp, 0, 0, model.OutcomeFailed)
	x.dispatch(notify.EventTrade, "Trade failed", fmt.Sprintf(
		"#%d buy %s / sell %s: %v", rec.Seq, opp.BuyExchange, opp.SellExchange, cause,
	))
	x.persist(rec)
}

// appendRecord creates the immutable TradeRecord and updates the session
// counters.
func (x *Engine) appendRecord(opp model.Opportunity, profitUSD, feesUSD float64, outcome model.Outcome) model.TradeRecord {
	x.mu.Lock()
	defer x.mu.Unlock()

	rec := model.TradeRecord{
		ID:           uuid.NewString(),
		Seq:          len(x.records) + 1,
		Pair:         x.pair,
		BuyExchange:  opp.BuyExchange,
		SellExchange: opp.SellExchange,
		Quantity:     opp.Quantity,
		BuyPrice:     opp.BuyPrice,
		SellPrice:    opp.SellPrice,
		ProfitUSD:    profitUSD,
		ProfitPct:    opp.ProfitPct,
		FeesUSD:      feesUSD,
		Outcome:      outcome,
		ExecutedAt:   time.Now(),
	}
	x.records = append(x.records, rec)

	if outcome == model.OutcomeFailed {
		x.stats.TradesFailed++
	} else {
		x.stats.TradesExecuted++
		x.stats.VolumeUSD += opp.Quantity * opp.BuyPrice
		x.stats.ProfitUSD += profitUSD
	}
	return rec
}

// submitWithRetry performs an order submission with a single retry after a
// short backoff, per-call.
func (x *Engine) submitWithRetry(ctx context.Context, place func(context.Context) (string, error)) (string, error) {
	id, err := place(ctx)
	if err == nil {
		return id, nil
	}
	x.logger.Warn("order submission failed, retrying once", "error", err)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(submitRetryBackoff):
	}
	return place(ctx)
}

// cancelQuietly cancels an order on a fresh context, logging failures only.
func (x *Engine) cancelQuietly(gw gateway.Gateway, orderID string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.CancelOrder(ctx, x.pair, orderID); err != nil {
		log.Warn("order cancel failed", "exchange", gw.Name(), "order_id", orderID, "error", err)
	}
}

// dispatch sends a notification without ever blocking the decision path.
func (x *Engine) dispatch(event, title, message string) {
	if x.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = x.notifier.Notify(ctx, event, title, message)
	}()
}

// persist writes the trade record if a repository is configured.
func (x *Engine) persist(rec model.TradeRecord) {
	if x.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := x.repo.LogTrade(ctx, rec); err != nil {
		x.logger.Error("failed to log trade", "error", err)
	}
}

func containsOrder(orders []model.Order, id string) bool {
	_, ok := findOrder(orders, id)
	return ok
}

func findOrder(orders []model.Order, id string) (model.Order, bool) {
	for _, o := range orders {
		if o.ID == id {
			return o, true
		}
	}
	return model.Order{}, false
}
