package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
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
	krakenRESTURL = "https://api.kraken.com"
	krakenWSURL   = "wss://ws.kraken.com"
)

// KrakenGateway implements the Gateway interface for Kraken.
type KrakenGateway struct {
	apiKey     string
	apiSecret  string
	backoffCap time.Duration
	client     *http.Client
	logger     *slog.Logger
}

// NewKrakenGateway creates a new KrakenGateway.
func NewKrakenGateway(apiKey, apiSecret string, backoffCap time.Duration, logger *slog.Logger) *KrakenGateway {
	if backoffCap <= 0 {
		backoffCap = 16 * time.Second
	}
	return &KrakenGateway{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		backoffCap: backoffCap,
		client:     &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

func (k *KrakenGateway) Name() string {
	return "kraken"
}

// krakenWSPair converts "BTC/USDT" to Kraken's websocket naming "XBT/USDT".
func krakenWSPair(pair string) string {
	return strings.ReplaceAll(pair, "BTC", "XBT")
}

// krakenRESTPair converts "BTC/USDT" to Kraken's REST naming "XBTUSDT".
func krakenRESTPair(pair string) string {
	return strings.ReplaceAll(krakenWSPair(pair), "/", "")
}

// StreamQuotes connects to the Kraken WebSocket API and streams top-of-book
// quotes for pair until ctx is cancelled.
func (k *KrakenGateway) StreamQuotes(ctx context.Context, pair string, quotes chan<- model.Quote) error {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("kraken: context cancelled, shutting down stream")
			return nil
		default:
			k.logger.Info("kraken: connecting to WebSocket", "url", krakenWSURL, "backoff", backoff)
			c, _, err := websocket.DefaultDialer.DialContext(ctx, krakenWSURL, nil)
			if err != nil {
				k.logger.Error("kraken: WebSocket connection failed", "error", err)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoff):
					backoff *= 2
					if backoff > k.backoffCap {
						backoff = k.backoffCap
					}
				}
				continue
			}

			subscription := map[string]any{
				"event": "subscribe",
				"pair":  []string{krakenWSPair(pair)},
				"subscription": map[string]string{
					"name": "ticker",
				},
			}
			if err := c.WriteJSON(subscription); err != nil {
				k.logger.Error("kraken: failed to send subscription", "error", err)
				c.Close()
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoff):
					backoff *= 2
					if backoff > k.backoffCap {
						backoff = k.backoffCap
					}
				}
				continue
			}

			// Reset backoff on successful connection
			backoff = time.Second
			k.logger.Info("kraken: subscription sent successfully")

			if err := k.readLoop(ctx, c, pair, quotes); err != nil {
				c.Close()
				continue // reconnect
			}
			c.Close()
			return nil
		}
	}
}

func (k *KrakenGateway) readLoop(ctx context.Context, c *websocket.Conn, pair string, quotes chan<- model.Quote) error {
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("kraken: context cancelled, closing connection")
			return nil
		default:
			_, message, err := c.ReadMessage()
			if err != nil {
				k.logger.Error("kraken: failed to read message", "error", err)
				return err
			}

			// Event messages (subscription status, heartbeats) are JSON
			// objects; ticker data arrives as an array
			// [channelID, tickerData, channelName, pair].
			if len(message) > 0 && message[0] == '{' {
				var event struct {
					Event string `json:"event"`
				}
				if err := json.Unmarshal(message, &event); err == nil && event.Event == "subscriptionStatus" {
					k.logger.Info("kraken: subscription confirmed")
				}
				continue
			}

			var frame []json.RawMessage
			if err := json.Unmarshal(message, &frame); err != nil {
				k.logger.Warn("kraken: failed to parse message", "error", err)
				continue
			}
			if len(frame) < 2 {
				continue
			}

			var ticker struct {
				Bid []json.Number `json:"b"`
				Ask []json.Number `json:"a"`
			}
			if err := json.Unmarshal(frame[1], &ticker); err != nil {
				continue
			}
			if len(ticker.Bid) == 0 || len(ticker.Ask) == 0 {
				continue
			}

			bid, err := strconv.ParseFloat(ticker.Bid[0].String(), 64)
			if err != nil {
				k.logger.Warn("kraken: failed to parse bid price", "error", err)
				continue
			}
			ask, err := strconv.ParseFloat(ticker.Ask[0].String(), 64)
			if err != nil {
				k.logger.Warn("kraken: failed to parse ask price", "error", err)
				continue
			}

			quote := model.Quote{
				Exchange:  "kraken",
				Pair:      pair,
				Bid:       bid,
				Ask:       ask,
				UpdatedAt: time.Now(),
			}

			select {
			case quotes <- quote:
			case <-ctx.Done():
				k.logger.Info("kraken: context cancelled while sending quote")
				return nil
			}
		}
	}
}

// Ticker returns a REST snapshot of the top of book.
func (k *KrakenGateway) Ticker(ctx context.Context, pair string) (model.Quote, error) {
	params := url.Values{"pair": {krakenRESTPair(pair)}}
	var result map[string]struct {
		Bid []json.Number `json:"b"`
		Ask []json.Number `json:"a"`
	}
	if err := k.public(ctx, "/0/public/Ticker", params, &result); err != nil {
		return model.Quote{}, wrapErr("kraken", "ticker", err)
	}
	for _, t := range result {
		if len(t.Bid) == 0 || len(t.Ask) == 0 {
			break
		}
		bid, err := strconv.ParseFloat(t.Bid[0].String(), 64)
		if err != nil {
			return model.Quote{}, wrapErr("kraken", "ticker", err)
		}
		ask, err := strconv.ParseFloat(t.Ask[0].String(), 64)
		if err != nil {
			return model.Quote{}, wrapErr("kraken", "ticker", err)
		}
		return model.Quote{Exchange: "kraken", Pair: pair, Bid: bid, Ask: ask, UpdatedAt: time.Now()}, nil
	}
	return model.Quote{}, wrapErr("kraken", "ticker", fmt.Errorf("no ticker data for %s", pair))
}

// Balance returns the free amount of asset.
func (k *KrakenGateway) Balance(ctx context.Context, asset string) (float64, error) {
	var result map[string]json.Number
	if err := k.private(ctx, "/0/private/Balance", url.Values{}, &result); err != nil {
		return 0, wrapErr("kraken", "balance", err)
	}
	// Kraken prefixes some assets (XXBT, ZUSD); match on suffix.
	want := strings.ReplaceAll(asset, "BTC", "XBT")
	for name, amount := range result {
		if strings.HasSuffix(name, want) {
			free, err := strconv.ParseFloat(amount.String(), 64)
			if err != nil {
				return 0, wrapErr("kraken", "balance", err)
			}
			return free, nil
		}
	}
	return 0, nil
}

func (k *KrakenGateway) PlaceLimitOrder(ctx context.Context, pair string, side model.Side, quantity, price float64) (string, error) {
	params := url.Values{
		"pair":      {krakenRESTPair(pair)},
		"type":      {string(side)},
		"ordertype": {"limit"},
		"volume":    {strconv.FormatFloat(quantity, 'f', -1, 64)},
		"price":     {strconv.FormatFloat(price, 'f', -1, 64)},
	}
	var result struct {
		TxID []string `json:"txid"`
	}
	if err := k.private(ctx, "/0/private/AddOrder", params, &result); err != nil {
		return "", wrapErr("kraken", "place limit order", err)
	}
	if len(result.TxID) == 0 {
		return "", wrapErr("kraken", "place limit order", fmt.Errorf("no txid returned"))
	}
	return result.TxID[0], nil
}

func (k *KrakenGateway) PlaceMarketOrder(ctx context.Context, pair string, side model.Side, quantity float64) (string, error) {
	params := url.Values{
		"pair":      {krakenRESTPair(pair)},
		"type":      {string(side)},
		"ordertype": {"market"},
		"volume":    {strconv.FormatFloat(quantity, 'f', -1, 64)},
	}
	var result struct {
		TxID []string `json:"txid"`
	}
	if err := k.private(ctx, "/0/private/AddOrder", params, &result); err != nil {
		return "", wrapErr("kraken", "place market order", err)
	}
	if len(result.TxID) == 0 {
		return "", wrapErr("kraken", "place market order", fmt.Errorf("no txid returned"))
	}
	return result.TxID[0], nil
}

func (k *KrakenGateway) CancelOrder(ctx context.Context, pair, orderID string) error {
	params := url.Values{"txid": {orderID}}
	if err := k.private(ctx, "/0/private/CancelOrder", params, nil); err != nil {
		return wrapErr("kraken", "cancel order", err)
	}
	return nil
}

func (k *KrakenGateway) OpenOrders(ctx context.Context, pair string) ([]model.Order, error) {
	var result struct {
		Open map[string]krakenOrder `json:"open"`
	}
	if err := k.private(ctx, "/0/private/OpenOrders", url.Values{}, &result); err != nil {
		return nil, wrapErr("kraken", "open orders", err)
	}
	return krakenOrdersToModel(result.Open, pair), nil
}

func (k *KrakenGateway) ClosedOrders(ctx context.Context, pair string) ([]model.Order, error) {
	var result struct {
		Closed map[string]krakenOrder `json:"closed"`
	}
	if err := k.private(ctx, "/0/private/ClosedOrders", url.Values{}, &result); err != nil {
		return nil, wrapErr("kraken", "closed orders", err)
	}
	return krakenOrdersToModel(result.Closed, pair), nil
}

type krakenOrder struct {
	Status string `json:"status"`
	Vol    string `json:"vol"`
	VolExe string `json:"vol_exec"`
	Descr  struct {
		Pair  string `json:"pair"`
		Type  string `json:"type"`
		Price string `json:"price"`
	} `json:"descr"`
}

func krakenOrdersToModel(raw map[string]krakenOrder, pair string) []model.Order {
	restPair := krakenRESTPair(pair)
	orders := make([]model.Order, 0, len(raw))
	for id, o := range raw {
		if o.Descr.Pair != restPair {
			continue
		}
		price, _ := strconv.ParseFloat(o.Descr.Price, 64)
		qty, _ := strconv.ParseFloat(o.Vol, 64)
		filled, _ := strconv.ParseFloat(o.VolExe, 64)
		status := model.OrderOpen
		switch o.Status {
		case "closed":
			status = model.OrderFilled
		case "canceled", "expired":
			status = model.OrderCancelled
		}
		orders = append(orders, model.Order{
			ID:       id,
			Exchange: "kraken",
			Pair:     pair,
			Side:     model.Side(o.Descr.Type),
			Price:    price,
			Quantity: qty,
			Filled:   filled,
			Status:   status,
		})
	}
	return orders
}

// public performs an unauthenticated GET request. Kraken wraps every response
// in {"error": [...], "result": {...}}.
func (k *KrakenGateway) public(ctx context.Context, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, krakenRESTURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	return k.do(req, out)
}

// private performs an authenticated POST request with Kraken's API-Sign
// scheme: HMAC-SHA512 over path + SHA256(nonce + postdata), keyed with the
// base64-decoded API secret.
func (k *KrakenGateway) private(ctx context.Context, path string, params url.Values, out any) error {
	nonce := strconv.FormatInt(time.Now().UnixMilli(), 10)
	params.Set("nonce", nonce)
	postData := params.Encode()

	secret, err := base64.StdEncoding.DecodeString(k.apiSecret)
	if err != nil {
		return fmt.Errorf("decode api secret: %w", err)
	}
	inner := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(inner[:])

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, krakenRESTURL+path, strings.NewReader(postData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", k.apiKey)
	req.Header.Set("API-Sign", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return k.do(req, out)
}

func (k *KrakenGateway) do(req *http.Request, out any) error {
	resp, err := k.client.Do(req)
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

	var envelope struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return err
	}
	if len(envelope.Error) > 0 {
		return fmt.Errorf("api error: %s", strings.Join(envelope.Error, "; "))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}
