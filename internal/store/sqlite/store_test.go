package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"orderpilot/internal/bot"
	"orderpilot/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, buffer int) *AuditStore {
	t.Helper()
	s, err := NewAuditStore(filepath.Join(t.TempDir(), "audit.db"), buffer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteAndQuery(t *testing.T) {
	s := newStore(t, 16)
	ctx := context.Background()
	trade := bot.TradeRecord{
		Symbol: "BTCUSDT", Side: market.SideLong, RuleSet: "trend_long", SignalID: "BTCUSDT-2",
		EntryTime: 1, ExitTime: 3, EntryPrice: 100, ExitPrice: 102, Qty: 1, PnL: 2, ExitReason: "stop_hit",
	}
	err := s.Write(ctx, []bot.Event{
		{Kind: bot.EventTransition, Symbol: "BTCUSDT", Timestamp: 1, State: bot.StateIdle,
			Payload: bot.TransitionPayload{From: bot.StateIdle, To: bot.StateEntryPending}},
		{Kind: bot.EventTradeClosed, Symbol: "BTCUSDT", Timestamp: 3, State: bot.StateExitPending, Payload: trade},
		{Kind: bot.EventTransition, Symbol: "ETHUSDT", Timestamp: 2, State: bot.StateIdle},
	})
	require.NoError(t, err)

	all, err := s.ListEvents(ctx, EventQuery{Symbol: "btcusdt"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "trade_closed", all[0].Kind)
	assert.Len(t, all[0].EventID, 36)

	var got bot.TradeRecord
	require.NoError(t, json.Unmarshal(all[0].Payload, &got))
	assert.Equal(t, trade, got)

	transitions, err := s.ListEvents(ctx, EventQuery{Kind: "transition", Since: 2})
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, "ETHUSDT", transitions[0].Symbol)

	trades, err := s.ListTrades(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "stop_hit", trades[0].ExitReason)
	assert.InDelta(t, 2.0, trades[0].PnL, 1e-9)

	require.NoError(t, s.Write(ctx, nil))
}

func TestRunDrainsQueueOnShutdown(t *testing.T) {
	s := newStore(t, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := 0; i < 5; i++ {
		s.Emit(bot.Event{Kind: bot.EventSignal, Symbol: "BTCUSDT", Timestamp: int64(i + 1)})
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("audit writer did not stop")
	}
	events, err := s.ListEvents(context.Background(), EventQuery{Kind: "signal"})
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func TestEmitDropsWhenFull(t *testing.T) {
	s := newStore(t, 2)
	for i := 0; i < 5; i++ {
		s.Emit(bot.Event{Kind: bot.EventSignal, Symbol: "X"})
	}
	assert.EqualValues(t, 3, s.Dropped())
}
