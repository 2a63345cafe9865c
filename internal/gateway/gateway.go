package gateway

import (
	"context"
	"fmt"

	"arbiter/internal/model"
)

// Gateway is the per-exchange capability the engine consumes: streaming
// quotes, balance queries, and order placement. Implementations wrap one
// exchange's protocol; the engine never sees exchange-specific details.
type Gateway interface {
	Name() string

	// StreamQuotes pushes top-of-book updates for pair into quotes until ctx
	// is cancelled. Transient network errors are retried internally with
	// bounded backoff; StreamQuotes only returns on cancellation.
	StreamQuotes(ctx context.Context, pair string, quotes chan<- model.Quote) error

	// Ticker returns a point-in-time top-of-book snapshot for pair.
	Ticker(ctx context.Context, pair string) (model.Quote, error)

	// Balance returns the free amount of asset on the exchange.
	Balance(ctx context.Context, asset string) (float64, error)

	PlaceLimitOrder(ctx context.Context, pair string, side model.Side, quantity, price float64) (string, error)
	PlaceMarketOrder(ctx context.Context, pair string, side model.Side, quantity float64) (string, error)
	CancelOrder(ctx context.Context, pair, orderID string) error
	OpenOrders(ctx context.Context, pair string) ([]model.Order, error)
	ClosedOrders(ctx context.Context, pair string) ([]model.Order, error)
}

// Error wraps a failed exchange call with the exchange and operation that
// produced it. Callers treat any *Error as transient and retry per their own
// policy.
type Error struct {
	Exchange string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: %s: %v", e.Exchange, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapErr(exchange, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Exchange: exchange, Op: op, Err: err}
}
