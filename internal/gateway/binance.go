package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"arbiter/internal/model"
)

const (
	binanceRESTURL = "https://api.binance.com"
	binanceWSURL   = "wss://stream.binance.com:9443/ws"
)

// BinanceGateway implements the Gateway interface for Binance.
type BinanceGateway struct {
	apiKey     string
	apiSecret  string
	backoffCap time.Duration
	client     *http.Client
	logger     *slog.Logger
}

// NewBinanceGateway creates a new BinanceGateway. backoffCap bounds the
// reconnect backoff of the quote stream.
func NewBinanceGateway(apiKey, apiSecret string, backoffCap time.Duration, logger *slog.Logger) *BinanceGateway {
	if backoffCap <= 0 {
		backoffCap = 16 * time.Second
	}
	return &BinanceGateway{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		backoffCap: backoffCap,
		client:     &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

func (b *BinanceGateway) Name() string {
	return "binance"
}

// binanceSymbol converts "BTC/USDT" to "BTCUSDT".
func binanceSymbol(pair string) string {
	return strings.ReplaceAll(pair, "/", "")
}

// StreamQuotes connects to the Binance WebSocket API and streams top-of-book
// quotes for pair until ctx is cancelled.
func (b *BinanceGateway) StreamQuotes(ctx context.Context, pair string, quotes chan<- model.Quote) error {
	wsURL := fmt.Sprintf("%s/%s@bookTicker", binanceWSURL, strings.ToLower(binanceSymbol(pair)))
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("binance: context cancelled, shutting down stream")
			return nil
		default:
			b.logger.Info("binance: connecting to WebSocket", "url", wsURL, "backoff", backoff)
			c, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
			if err != nil {
				b.logger.Error("binance: WebSocket connection failed", "error", err)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoff):
					backoff *= 2
					if backoff > b.backoffCap {
						backoff = b.backoffCap
					}
				}
				continue
			}

			// Reset backoff on successful connection
			backoff = time.Second
			b.logger.Info("binance: connected successfully")

			if err := b.readLoop(ctx, c, pair, quotes); err != nil {
				c.Close()
				continue // reconnect
			}
			c.Close()
			return nil
		}
	}
}

// readLoop consumes bookTicker messages until ctx is cancelled (nil return)
// or the connection breaks (non-nil return, caller reconnects).
func (b *BinanceGateway) readLoop(ctx context.Context, c *websocket.Conn, pair string, quotes chan<- model.Quote) error {
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("binance: context cancelled, closing connection")
			return nil
		default:
			_, message, err := c.ReadMessage()
			if err != nil {
				b.logger.Error("binance: failed to read message", "error", err)
				return err
			}

			var ticker struct {
				Bid string `json:"b"`
				Ask string `json:"a"`
			}
			if err := json.Unmarshal(message, &ticker); err != nil {
				b.logger.Warn("binance: failed to parse message", "error", err)
				continue
			}
			if ticker.Bid == "" || ticker.Ask == "" {
				continue
			}

			bid, err := strconv.ParseFloat(ticker.Bid, 64)
			if err != nil {
				b.logger.Warn("binance: failed to parse bid price", "error", err)
				continue
			}
			ask, err := strconv.ParseFloat(ticker.Ask, 64)
			if err != nil {
				b.logger.Warn("binance: failed to parse ask price", "error", err)
				continue
			}

			quote := model.Quote{
				Exchange:  "binance",
				Pair:      pair,
				Bid:       bid,
				Ask:       ask,
				UpdatedAt: time.Now(),
			}

			select {
			case quotes <- quote:
			case <-ctx.Done():
				b.logger.Info("binance: context cancelled while sending quote")
				return nil
			}
		}
	}
}

// Ticker returns a REST snapshot of the top of book.
func (b *BinanceGateway) Ticker(ctx context.Context, pair string) (model.Quote, error) {
	var resp struct {
		Bid string `json:"bidPrice"`
		Ask string `json:"askPrice"`
	}
	params := url.Values{"symbol": {binanceSymbol(pair)}}
	if err := b.public(ctx, "/api/v3/ticker/bookTicker", params, &resp); err != nil {
		return model.Quote{}, wrapErr("binance", "ticker", err)
	}
	bid, err := strconv.ParseFloat(resp.Bid, 64)
	if err != nil {
		return model.Quote{}, wrapErr("binance", "ticker", err)
	}
	ask, err := strconv.ParseFloat(resp.Ask, 64)
	if err != nil {
		return model.Quote{}, wrapErr("binance", "ticker", err)
	}
	return model.Quote{Exchange: "binance", Pair: pair, Bid: bid, Ask: ask, UpdatedAt: time.Now()}, nil
}

// Balance returns the free amount of asset on the spot account.
func (b *BinanceGateway) Balance(ctx context.Context, asset string) (float64, error) {
	var resp struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := b.signed(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &resp); err != nil {
		return 0, wrapErr("binance", "balance", err)
	}
	for _, bal := range resp.Balances {
		if bal.Asset == asset {
			free, err := strconv.ParseFloat(bal.Free, 64)
			if err != nil {
				return 0, wrapErr("binance", "balance", err)
			}
			return free, nil
		}
	}
	return 0, nil
}

func (b *BinanceGateway) PlaceLimitOrder(ctx context.Context, pair string, side model.Side, quantity, price float64) (string, error) {
	params := url.Values{
		"symbol":      {binanceSymbol(pair)},
		"side":        {strings.ToUpper(string(side))},
		"type":        {"LIMIT"},
		"timeInForce": {"GTC"},
		"quantity":    {strconv.FormatFloat(quantity, 'f', -1, 64)},
		"price":       {strconv.FormatFloat(price, 'f', -1, 64)},
	}
	var resp struct {
		OrderID int64 `json:"orderId"`
	}
	if err := b.signed(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return "", wrapErr("binance", "place limit order", err)
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

func (b *BinanceGateway) PlaceMarketOrder(ctx context.Context, pair string, side model.Side, quantity float64) (string, error) {
	params := url.Values{
		"symbol":   {binanceSymbol(pair)},
		"side":     {strings.ToUpper(string(side))},
		"type":     {"MARKET"},
		"quantity": {strconv.FormatFloat(quantity, 'f', -1, 64)},
	}
	var resp struct {
		OrderID int64 `json:"orderId"`
	}
	if err := b.signed(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return "", wrapErr("binance", "place market order", err)
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

func (b *BinanceGateway) CancelOrder(ctx context.Context, pair, orderID string) error {
	params := url.Values{
		"symbol":  {binanceSymbol(pair)},
		"orderId": {orderID},
	}
	if err := b.signed(ctx, http.MethodDelete, "/api/v3/order", params, nil); err != nil {
		return wrapErr("binance", "cancel order", err)
	}
	return nil
}

func (b *BinanceGateway) OpenOrders(ctx context.Context, pair string) ([]model.Order, error) {
	params := url.Values{"symbol": {binanceSymbol(pair)}}
	var resp []binanceOrder
	if err := b.signed(ctx, http.MethodGet, "/api/v3/openOrders", params, &resp); err != nil {
		return nil, wrapErr("binance", "open orders", err)
	}
	orders := make([]model.Order, 0, len(resp))
	for _, o := range resp {
		orders = append(orders, o.toModel(pair))
	}
	return orders, nil
}

func (b *BinanceGateway) ClosedOrders(ctx context.Context, pair string) ([]model.Order, error) {
	params := url.Values{"symbol": {binanceSymbol(pair)}}
	var resp []binanceOrder
	if err := b.signed(ctx, http.MethodGet, "/api/v3/allOrders", params, &resp); err != nil {
		return nil, wrapErr("binance", "closed orders", err)
	}
	orders := make([]model.Order, 0, len(resp))
	for _, o := range resp {
		if o.Status == "NEW" || o.Status == "PARTIALLY_FILLED" {
			continue
		}
		orders = append(orders, o.toModel(pair))
	}
	return orders, nil
}

type binanceOrder struct {
	OrderID     int64  `json:"orderId"`
	Price       string `json:"price"`
	OrigQty     string `json:"origQty"`
	ExecutedQty string `json:"executedQty"`
	Status      string `json:"status"`
	Side        string `json:"side"`
}

func (o binanceOrder) toModel(pair string) model.Order {
	price, _ := strconv.ParseFloat(o.Price, 64)
	qty, _ := strconv.ParseFloat(o.OrigQty, 64)
	filled, _ := strconv.ParseFloat(o.ExecutedQty, 64)
	status := model.OrderOpen
	switch o.Status {
	case "FILLED":
		status = model.OrderFilled
	case "CANCELED", "REJECTED", "EXPIRED":
		status = model.OrderCancelled
	}
	return model.Order{
		ID:       strconv.FormatInt(o.OrderID, 10),
		Exchange: "binance",
		Pair:     pair,
		Side:     model.Side(strings.ToLower(o.Side)),
		Price:    price,
		Quantity: qty,
		Filled:   filled,
		Status:   status,
	}
}

// public performs an unauthenticated GET request.
func (b *BinanceGateway) public(ctx context.Context, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, binanceRESTURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	return b.do(req, out)
}

// signed performs an authenticated request. Binance signs the full query
// string with HMAC-SHA256 of the API secret.
func (b *BinanceGateway) signed(ctx context.Context, method, path string, params url.Values, out any) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	query := params.Encode()

	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, binanceRESTURL+path+"?"+query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)
	return b.do(req, out)
}

func (b *BinanceGateway) do(req *http.Request, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
