package app

import (
	"strings"
	"time"

	"orderpilot/internal/config"
	"orderpilot/internal/gateway/binance"
	"orderpilot/internal/gateway/notifier"
)

func buildMarketSource(cfg config.MarketConfig) (MarketSource, error) {
	src, err := binance.New(binance.Config{
		RESTBaseURL:       cfg.RESTBaseURL,
		HTTPTimeout:       time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.RequestsPerSecond,
		ProxyEnabled:      cfg.Proxy.Enabled,
		RESTProxyURL:      cfg.Proxy.RESTURL,
		WSProxyURL:        cfg.Proxy.WSURL,
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

func buildNotifier(cfg config.NotifyConfig) notifier.TextNotifier {
	tg := cfg.Telegram
	if !tg.Enabled || strings.TrimSpace(tg.BotToken) == "" || strings.TrimSpace(tg.ChatID) == "" {
		return nil
	}
	return notifier.NewTelegram(tg.BotToken, tg.ChatID)
}
