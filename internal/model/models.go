package model

import "time"

// Side identifies which side of the book an order sits on.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus is the gateway's view of an order's lifecycle.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Outcome is the terminal state of an arbitrage trade. Once set it never
// changes.
type Outcome string

const (
	OutcomeFilled          Outcome = "filled"
	OutcomePartiallyFilled Outcome = "partially_filled"
	OutcomeFailed          Outcome = "failed"
)

// Quote is the latest known top-of-book for one exchange. One Quote per
// exchange, overwritten on every update; never historical.
type Quote struct {
	Exchange  string
	Pair      string
	Bid       float64
	Ask       float64
	UpdatedAt time.Time
}

// FeeRate holds the taker fee fractions an exchange charges on each side.
type FeeRate struct {
	Buy  float64 `mapstructure:"buy"`
	Sell float64 `mapstructure:"sell"`
}

// Opportunity is a fee-adjusted cross-exchange price discrepancy. It is
// recomputed on every market update and never persisted beyond the decision
// that consumes it.
type Opportunity struct {
	BuyExchange    string
	SellExchange   string
	BuyPrice       float64
	SellPrice      float64
	Quantity       float64
	GrossSpreadPct float64
	ProfitUSD      float64
	ProfitPct      float64
	FeesUSD        float64
}

// Order is the gateway's description of a placed order.
type Order struct {
	ID       string
	Exchange string
	Pair     string
	Side     Side
	Price    float64
	Quantity float64
	Filled   float64
	Status   OrderStatus
}

// TradeRecord describes one resolved two-legged arbitrage trade. It is
// created when an opportunity is accepted and immutable once both legs
// resolve.
type TradeRecord struct {
	ID           string    `db:"id"`
	Seq          int       `db:"seq"`
	Pair         string    `db:"pair"`
	BuyExchange  string    `db:"buy_exchange"`
	SellExchange string    `db:"sell_exchange"`
	Quantity     float64   `db:"quantity"`
	BuyPrice     float64   `db:"buy_price"`
	SellPrice    float64   `db:"sell_price"`
	ProfitUSD    float64   `db:"profit_usd"`
	ProfitPct    float64   `db:"profit_pct"`
	FeesUSD      float64   `db:"fees_usd"`
	Outcome      Outcome   `db:"outcome"`
	ExecutedAt   time.Time `db:"executed_at"`
}

// SessionRecord summarizes one completed trading session for persistence.
type SessionRecord struct {
	ID             string    `db:"id"`
	Pair           string    `db:"pair"`
	StartedAt      time.Time `db:"started_at"`
	EndedAt        time.Time `db:"ended_at"`
	CapitalUSD     float64   `db:"capital_usd"`
	Opportunities  int       `db:"opportunities"`
	TradesExecuted int       `db:"trades_executed"`
	TradesFailed   int       `db:"trades_failed"`
	VolumeUSD      float64   `db:"volume_usd"`
	ProfitUSD      float64   `db:"profit_usd"`
	ProfitPct      float64   `db:"profit_pct"`
}

// SessionStats are the cumulative counters for one trading session.
type SessionStats struct {
	Opportunities  int
	TradesExecuted int
	TradesFailed   int
	VolumeUSD      float64
	ProfitUSD      float64
	ProfitPct      float64
}

// BaseAsset extracts the base asset from a pair like "BTC/USDT".
func BaseAsset(pair string) string {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '/' {
			return pair[:i]
		}
	}
	return pair
}

// QuoteAsset extracts the quote asset from a pair like "BTC/USDT".
func QuoteAsset(pair string) string {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '/' {
			return pair[i+1:]
		}
	}
	return ""
}
