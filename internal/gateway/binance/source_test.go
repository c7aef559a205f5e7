package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"orderpilot/internal/market"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minute = int64(60_000)

// klineServer 按 startTime/endTime/limit 生成 1m K 线。
func klineServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/klines" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "1m", q.Get("interval"))
		start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		start = (start + minute - 1) / minute * minute
		end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))
		rows := make([][]any, 0, limit)
		for ts := start; ts <= end && len(rows) < limit; ts += minute {
			px := strconv.FormatFloat(100+float64((ts/minute)%10), 'f', 2, 64)
			rows = append(rows, []any{ts, px, px, px, px, "10", ts + minute - 1, "1000", 7, "5", "500", "0"})
		}
		_ = json.NewEncoder(w).Encode(rows)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestSource(t *testing.T, baseURL string, now time.Time) *Source {
	t.Helper()
	src, err := New(Config{RESTBaseURL: baseURL, HTTPTimeout: 2 * time.Second})
	require.NoError(t, err)
	src.now = func() time.Time { return now }
	return src
}

func TestFetchRangePaginates(t *testing.T) {
	var calls atomic.Int32
	srv := klineServer(t, &calls)
	start := int64(1_700_000_040_000)
	end := start + 9*minute
	src := newTestSource(t, srv.URL, time.UnixMilli(end+10*minute))

	candles, err := src.FetchRange(context.Background(), "btc/usdt", "1m", start, end, 4)
	require.NoError(t, err)
	require.Len(t, candles, 10)
	assert.EqualValues(t, 3, calls.Load())
	for i, c := range candles {
		assert.Equal(t, start+int64(i)*minute, c.OpenTime)
		assert.Equal(t, c.OpenTime+minute-1, c.CloseTime)
		assert.EqualValues(t, 7, c.Trades)
		assert.InDelta(t, 10.0, c.Volume, 1e-9)
	}
}

func TestFetchRangeDropsUnclosedCandle(t *testing.T) {
	var calls atomic.Int32
	srv := klineServer(t, &calls)
	start := int64(1_700_000_040_000)
	end := start + 4*minute
	// 最后一根尚未收盘
	src := newTestSource(t, srv.URL, time.UnixMilli(end+30_000))

	candles, err := src.FetchRange(context.Background(), "BTCUSDT", "1m", start, end, 0)
	require.NoError(t, err)
	require.Len(t, candles, 4)
	assert.Equal(t, end-minute, candles[len(candles)-1].OpenTime)
}

func TestFetchRangeValidatesInput(t *testing.T) {
	src := newTestSource(t, "http://127.0.0.1:0", time.Now())
	_, err := src.FetchRange(context.Background(), " ", "1m", 0, 1, 0)
	assert.Error(t, err)
	_, err = src.FetchRange(context.Background(), "BTCUSDT", "", 0, 1, 0)
	assert.Error(t, err)
	_, err = src.FetchRange(context.Background(), "BTCUSDT", "1m", 10, 1, 0)
	assert.Error(t, err)
	assert.Equal(t, "binance-futures", src.Name())
}

func TestConvertKlineEvent(t *testing.T) {
	ev := &futures.WsKlineEvent{
		Symbol: "ethusdt",
		Kline: futures.WsKline{
			StartTime: 1000, EndTime: 60_999, Interval: "1m",
			Open: "10", High: "12", Low: "9.5", Close: "11", Volume: "3.5",
			TradeNum: 4, IsFinal: true,
		},
	}
	ce, ok := convertKlineEvent(ev)
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", ce.Symbol)
	assert.Equal(t, "1m", ce.Interval)
	assert.True(t, ce.Final)
	assert.InDelta(t, 9.5, ce.Candle.Low, 1e-9)
	assert.Equal(t, int64(60_999), ce.Candle.Timestamp())

	_, ok = convertKlineEvent(nil)
	assert.False(t, ok)
	_, ok = convertKlineEvent(&futures.WsKlineEvent{Kline: futures.WsKline{Interval: "1m"}})
	assert.False(t, ok)
}

func TestBuildSymbolIntervals(t *testing.T) {
	m := buildSymbolIntervals([]string{"btc/usdt", "ETH-USDT", " "}, "5m")
	assert.Equal(t, map[string]string{"BTCUSDT": "5m", "ETHUSDT": "5m"}, m)
	assert.Empty(t, buildSymbolIntervals([]string{"BTCUSDT"}, ""))

	src := newTestSource(t, "http://127.0.0.1:0", time.Now())
	_, err := src.Subscribe(context.Background(), nil, "1m", market.SubscribeOptions{})
	assert.Error(t, err)
}

func TestNextDelayCaps(t *testing.T) {
	assert.Equal(t, time.Second, nextDelay(0))
	assert.Equal(t, 4*time.Second, nextDelay(2*time.Second))
	assert.Equal(t, 30*time.Second, nextDelay(20*time.Second))
}
