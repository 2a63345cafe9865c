package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"arbiter/internal/model"
)

// QuoteFeed is the read-only subset of Gateway a PaperGateway can borrow
// market data from.
type QuoteFeed interface {
	StreamQuotes(ctx context.Context, pair string, quotes chan<- model.Quote) error
	Ticker(ctx context.Context, pair string) (model.Quote, error)
}

// PaperGateway simulates an exchange. Market data comes from a real feed (or
// from Push in tests); orders and balances live in memory. Limit orders fill
// when the simulated book crosses their price; market orders fill immediately
// at the current top of book.
type PaperGateway struct {
	name string
	feed QuoteFeed

	mu       sync.Mutex
	last     model.Quote
	balances map[string]float64
	open     map[string]*model.Order
	closed   []model.Order
	pushCh   chan model.Quote

	logger *slog.Logger
}

// NewPaperGateway creates a simulated gateway named name. feed may be nil, in
// which case quotes are supplied via Push.
func NewPaperGateway(name string, feed QuoteFeed, logger *slog.Logger) *PaperGateway {
	return &PaperGateway{
		name:     name,
		feed:     feed,
		balances: make(map[string]float64),
		open:     make(map[string]*model.Order),
		pushCh:   make(chan model.Quote, 64),
		logger:   logger,
	}
}

func (p *PaperGateway) Name() string {
	return p.name
}

// Deposit credits the simulated balance of asset.
func (p *PaperGateway) Deposit(asset string, amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[asset] += amount
}

// Push injects a quote, advancing the simulated book and filling any crossed
// limit orders. It never blocks.
func (p *PaperGateway) Push(q model.Quote) {
	q.Exchange = p.name
	p.observe(q)
	select {
	case p.pushCh <- q:
	default:
	}
}

// StreamQuotes forwards quotes from the underlying feed (or from Push),
// advancing the simulated book on every update.
func (p *PaperGateway) StreamQuotes(ctx context.Context, pair string, quotes chan<- model.Quote) error {
	src := p.pushCh
	if p.feed != nil {
		inner := make(chan model.Quote, 64)
		go func() {
			_ = p.feed.StreamQuotes(ctx, pair, inner)
		}()
		src = inner
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case q := <-src:
			q.Exchange = p.name
			if p.feed != nil {
				p.observe(q)
			}
			select {
			case quotes <- q:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// observe updates the book and fills limit orders it now crosses.
func (p *PaperGateway) observe(q model.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = q
	for id, o := range p.open {
		crossed := (o.Side == model.SideBuy && q.Ask <= o.Price) ||
			(o.Side == model.SideSell && q.Bid >= o.Price)
		if !crossed {
			continue
		}
		o.Filled = o.Quantity
		o.Status = model.OrderFilled
		p.settle(*o, o.Price)
		p.closed = append(p.closed, *o)
		delete(p.open, id)
		if p.logger != nil {
			p.logger.Debug("paper: limit order filled",
				"exchange", p.name, "order_id", id, "side", o.Side, "price", o.Price)
		}
	}
}

// settle adjusts simulated balances for an executed order.
func (p *PaperGateway) settle(o model.Order, price float64) {
	base := model.BaseAsset(o.Pair)
	quote := model.QuoteAsset(o.Pair)
	if o.Side == model.SideBuy {
		p.balances[base] += o.Filled
		p.balances[quote] -= o.Filled * price
	} else {
		p.balances[base] -= o.Filled
		p.balances[quote] += o.Filled * price
	}
}

func (p *PaperGateway) Ticker(ctx context.Context, pair string) (model.Quote, error) {
	p.mu.Lock()
	last := p.last
	p.mu.Unlock()
	if !last.UpdatedAt.IsZero() {
		return last, nil
	}
	if p.feed != nil {
		q, err := p.feed.Ticker(ctx, pair)
		if err != nil {
			return model.Quote{}, err
		}
		q.Exchange = p.name
		return q, nil
	}
	return model.Quote{}, wrapErr(p.name, "ticker", fmt.Errorf("no quote observed yet"))
}

func (p *PaperGateway) Balance(ctx context.Context, asset string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[asset], nil
}

func (p *PaperGateway) PlaceLimitOrder(ctx context.Context, pair string, side model.Side, quantity, price float64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := uuid.NewString()
	o := &model.Order{
		ID:       id,
		Exchange: p.name,
		Pair:     pair,
		Side:     side,
		Price:    price,
		Quantity: quantity,
		Status:   model.OrderOpen,
	}
	// Fill immediately if the current book already crosses the price.
	if !p.last.UpdatedAt.IsZero() {
		crossed := (side == model.SideBuy && p.last.Ask <= price) ||
			(side == model.SideSell && p.last.Bid >= price)
		if crossed {
			o.Filled = quantity
			o.Status = model.OrderFilled
			p.settle(*o, price)
			p.closed = append(p.closed, *o)
			return id, nil
		}
	}
	p.open[id] = o
	return id, nil
}

func (p *PaperGateway) PlaceMarketOrder(ctx context.Context, pair string, side model.Side, quantity float64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last.UpdatedAt.IsZero() {
		return "", wrapErr(p.name, "place market order", fmt.Errorf("no quote observed yet"))
	}
	price := p.last.Ask
	if side == model.SideSell {
		price = p.last.Bid
	}
	id := uuid.NewString()
	o := model.Order{
		ID:       id,
		Exchange: p.name,
		Pair:     pair,
		Side:     side,
		Price:    price,
		Quantity: quantity,
		Filled:   quantity,
		Status:   model.OrderFilled,
	}
	p.settle(o, price)
	p.closed = append(p.closed, o)
	return id, nil
}

func (p *PaperGateway) CancelOrder(ctx context.Context, pair, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.open[orderID]
	if !ok {
		return wrapErr(p.name, "cancel order", fmt.Errorf("order %s not open", orderID))
	}
	o.Status = model.OrderCancelled
	p.closed = append(p.closed, *o)
	delete(p.open, orderID)
	return nil
}

func (p *PaperGateway) OpenOrders(ctx context.Context, pair string) ([]model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	orders := make([]model.Order, 0, len(p.open))
	for _, o := range p.open {
		orders = append(orders, *o)
	}
	return orders, nil
}

func (p *PaperGateway) ClosedOrders(ctx context.Context, pair string) ([]model.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	orders := make([]model.Order, len(p.closed))
	copy(orders, p.closed)
	return orders, nil
}
