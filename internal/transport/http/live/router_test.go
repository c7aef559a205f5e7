package livehttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"orderpilot/internal/bot"
	"orderpilot/internal/market"
	"orderpilot/internal/metrics"
	"orderpilot/internal/risk"
	"orderpilot/internal/store/sqlite"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	rm       *risk.Manager
	snaps    []bot.Snapshot
	resetErr error
	resets   int
}

func (f *fakeEngine) Snapshots() []bot.Snapshot { return f.snaps }

func (f *fakeEngine) ResetRisk(context.Context) error {
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resets++
	f.rm.Reset()
	return nil
}

type fakeFeed struct{}

func (fakeFeed) Stats() market.SourceStats { return market.SourceStats{Reconnects: 2} }

func serve(t *testing.T, h http.Handler, method, path string) (int, map[string]json.RawMessage) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out
}

func liveHandler(deps RouterDeps) http.Handler {
	gin.SetMode(gin.TestMode)
	e := gin.New()
	NewRouter(deps).Register(e.Group("/api/live"))
	return e
}

func TestSymbolsAndRisk(t *testing.T) {
	rm := risk.NewManager(risk.Limits{DailyLossLimitPct: 0.05, MaxExposurePct: 1, RiskPerTradePct: 0.01}, 10_000)
	eng := &fakeEngine{rm: rm, snaps: []bot.Snapshot{
		{Symbol: "BTCUSDT", State: bot.StateIdle},
		{Symbol: "ETHUSDT", State: bot.StateHalted},
	}}
	h := liveHandler(RouterDeps{
		Engine: eng, Risk: rm, Feed: fakeFeed{},
		Rules: func() []string { return []string{"range_fade", "trend_long"} },
	})

	code, out := serve(t, h, http.MethodGet, "/api/live/symbols")
	assert.Equal(t, http.StatusOK, code)
	var snaps []bot.Snapshot
	require.NoError(t, json.Unmarshal(out["symbols"], &snaps))
	assert.Len(t, snaps, 2)

	code, out = serve(t, h, http.MethodGet, "/api/live/symbols/ethusdt")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(out["symbol"]), string(bot.StateHalted))
	code, _ = serve(t, h, http.MethodGet, "/api/live/symbols/DOGEUSDT")
	assert.Equal(t, http.StatusNotFound, code)

	rm.Activate("manual", 1)
	code, out = serve(t, h, http.MethodGet, "/api/live/risk")
	assert.Equal(t, http.StatusOK, code)
	var snap risk.Snapshot
	require.NoError(t, json.Unmarshal(out["risk"], &snap))
	assert.True(t, snap.KillSwitch)

	code, out = serve(t, h, http.MethodPost, "/api/live/risk/reset")
	assert.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(out["risk"], &snap))
	assert.False(t, snap.KillSwitch)
	assert.Equal(t, 1, eng.resets)

	eng.resetErr = errors.New("ETHUSDT busy")
	code, _ = serve(t, h, http.MethodPost, "/api/live/risk/reset")
	assert.Equal(t, http.StatusConflict, code)

	_, out = serve(t, h, http.MethodGet, "/api/live/rules")
	assert.JSONEq(t, `["range_fade","trend_long"]`, string(out["rules"]))
	_, out = serve(t, h, http.MethodGet, "/api/live/feed")
	assert.Contains(t, string(out["feed"]), `"Reconnects":2`)
}

func TestEventsFromMemory(t *testing.T) {
	rec := bot.NewRecorder(10)
	for i := int64(1); i <= 4; i++ {
		sym := "BTCUSDT"
		if i%2 == 0 {
			sym = "ETHUSDT"
		}
		rec.Emit(bot.Event{Kind: bot.EventSignal, Symbol: sym, Timestamp: i})
	}
	rec.Emit(bot.Event{Kind: bot.EventTransition, Symbol: "BTCUSDT", Timestamp: 5})
	h := liveHandler(RouterDeps{Engine: &fakeEngine{}, Recent: rec})

	code, out := serve(t, h, http.MethodGet, "/api/live/events?symbol=btcusdt&kind=signal")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `"memory"`, string(out["source"]))
	var events []bot.Event
	require.NoError(t, json.Unmarshal(out["events"], &events))
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Timestamp)

	_, out = serve(t, h, http.MethodGet, "/api/live/events?since=3&limit=2")
	require.NoError(t, json.Unmarshal(out["events"], &events))
	require.Len(t, events, 2)
	assert.Equal(t, int64(5), events[0].Timestamp)

	code, _ = serve(t, h, http.MethodGet, "/api/live/trades")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestEventsFromAuditStore(t *testing.T) {
	store, err := sqlite.NewAuditStore(filepath.Join(t.TempDir(), "audit.db"), 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Write(context.Background(), []bot.Event{
		{Kind: bot.EventHalted, Symbol: "BTCUSDT", Timestamp: 7, State: bot.StateHalted, Payload: "daily loss"},
		{Kind: bot.EventTradeClosed, Symbol: "BTCUSDT", Timestamp: 8, Payload: bot.TradeRecord{Symbol: "BTCUSDT", ExitReason: "kill_switch"}},
	}))
	h := liveHandler(RouterDeps{Engine: &fakeEngine{}, Audit: store})

	code, out := serve(t, h, http.MethodGet, "/api/live/events?kind=halted")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `"audit"`, string(out["source"]))
	assert.Contains(t, string(out["events"]), "daily loss")

	code, out = serve(t, h, http.MethodGet, "/api/live/trades?symbol=BTCUSDT")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(out["trades"]), "kill_switch")
}

func TestServerMountsRoutes(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)

	rm := risk.NewManager(risk.Limits{DailyLossLimitPct: 0.05, MaxExposurePct: 1, RiskPerTradePct: 0.01}, 10_000)
	srv, err := NewServer(ServerConfig{
		Live:    NewRouter(RouterDeps{Engine: &fakeEngine{rm: rm}, Risk: rm}),
		Metrics: metrics.Handler(),
	})
	require.NoError(t, err)
	assert.Equal(t, ":9991", srv.Addr())

	code, out := serve(t, srv.Handler(), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `"ok"`, string(out["status"]))

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "go_goroutines"))
}
