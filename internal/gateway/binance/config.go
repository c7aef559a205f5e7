package binance

import (
	"strings"
	"time"
)

const (
	defaultRESTBaseURL = "https://fapi.binance.com"
	defaultHTTPTimeout = 15 * time.Second
	// klines 权重按 limit 计，10 rps 在 2400/min 的额度内留有余量
	defaultRequestsPerSecond = 10
)

// Config 为 USDT 永续行情适配器参数；只读公共接口，不需要 API key。
type Config struct {
	RESTBaseURL string
	HTTPTimeout time.Duration
	// RequestsPerSecond 限制历史 K 线翻页请求速率，<=0 使用默认值。
	RequestsPerSecond float64

	ProxyEnabled bool
	RESTProxyURL string
	// WSProxyURL 为空时沿用 RESTProxyURL。
	WSProxyURL string
}

func (c Config) normalized() Config {
	c.RESTBaseURL = strings.TrimRight(strings.TrimSpace(c.RESTBaseURL), "/")
	if c.RESTBaseURL == "" {
		c.RESTBaseURL = defaultRESTBaseURL
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = defaultRequestsPerSecond
	}
	c.RESTProxyURL = strings.TrimSpace(c.RESTProxyURL)
	c.WSProxyURL = strings.TrimSpace(c.WSProxyURL)
	if c.WSProxyURL == "" {
		c.WSProxyURL = c.RESTProxyURL
	}
	return c
}
