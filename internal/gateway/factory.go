package gateway

import (
	"fmt"
	"log/slog"
	"time"

	"arbiter/internal/config"
)

// New creates a gateway for the named exchange. In paper mode the real
// gateway only supplies market data; orders and balances are simulated.
func New(name, mode string, cfg config.ExchangeConfig, backoffCap time.Duration, logger *slog.Logger) (Gateway, error) {
	var real Gateway
	switch name {
	case "kraken":
		real = NewKrakenGateway(cfg.APIKey, cfg.APISecret, backoffCap, logger)
	case "binance":
		real = NewBinanceGateway(cfg.APIKey, cfg.APISecret, backoffCap, logger)
	default:
		return nil, fmt.Errorf("unknown exchange: %s", name)
	}
	if mode == "paper" {
		return NewPaperGateway(name, real, logger), nil
	}
	return real, nil
}
