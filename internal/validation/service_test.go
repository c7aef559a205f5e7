package validation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"orderpilot/internal/features"
	"orderpilot/internal/gateway/provider"
	"orderpilot/internal/market"
	"orderpilot/internal/pkg/circuit"
	"orderpilot/internal/regime"
	"orderpilot/internal/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func sampleRequest(conf float64) Request {
	sig := signal.EntrySignal{
		ID:         "BTCUSDT-1000",
		Symbol:     "BTCUSDT",
		Side:       market.SideLong,
		Confidence: conf,
		Tags:       []string{"entry:trend", "adx"},
		Timestamp:  1000,
		Price:      100,
		RuleSet:    "trend",
		Regime:     regime.TrendUp,
	}
	return BuildRequest(sig, features.Vector{Trend: 0.2, RSI: 55}, regime.TrendUp, Levels{Stop: 98})
}

func TestRoutingThresholds(t *testing.T) {
	cases := []struct {
		name      string
		quick     float64
		deep      float64
		action    Action
		tier      Tier
		triggered bool
		latency   int64
	}{
		{"boost", 90, 0, ActionBoost, TierQuick, false, 10},
		{"approve_quick", 70, 0, ActionApprove, TierQuick, false, 10},
		{"approve_deep", 50, 75, ActionApprove, TierDeep, true, 20},
		{"caution_deep", 50, 45, ActionCaution, TierDeep, true, 20},
		{"veto_deep", 50, 10, ActionVeto, TierDeep, true, 20},
		{"veto_quick", 30, 0, ActionVeto, TierQuick, false, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewService(DefaultConfig(), NewFixedStub(tc.quick, tc.deep, 10))
			res := svc.Validate(context.Background(), sampleRequest(60))
			assert.Equal(t, tc.action, res.Action)
			assert.Equal(t, tc.tier, res.Tier)
			assert.Equal(t, tc.triggered, res.DeepTriggered)
			assert.Equal(t, tc.latency, res.LatencyMs)
			assert.Equal(t, tc.quick, res.QuickConfidence)
			assert.NoError(t, res.Err)
			assert.Len(t, res.PromptHash, 64)
		})
	}
}

func TestExplicitVetoWins(t *testing.T) {
	adv := &StubAdvisor{
		QuickFn: func(Request) Answer { return Answer{Action: ActionVeto, Confidence: 90, LatencyMs: 4} },
		DeepFn:  func(Request) Answer { return Answer{Confidence: 95} },
	}
	res := NewService(DefaultConfig(), adv).Validate(context.Background(), sampleRequest(60))
	assert.Equal(t, ActionVeto, res.Action)
	assert.Equal(t, TierQuick, res.Tier)
	assert.False(t, res.DeepTriggered)
	assert.Equal(t, 90.0, res.QuickConfidence)
	assert.EqualValues(t, 4, res.LatencyMs)

	adv = &StubAdvisor{
		QuickFn: func(Request) Answer { return Answer{Confidence: 50} },
		DeepFn:  func(Request) Answer { return Answer{Action: ActionVeto, Confidence: 80} },
	}
	res = NewService(DefaultConfig(), adv).Validate(context.Background(), sampleRequest(60))
	assert.Equal(t, ActionVeto, res.Action)
	assert.Equal(t, TierDeep, res.Tier)
	assert.True(t, res.DeepTriggered)

	// 显式 APPROVE 不能越过置信度阈值
	adv = &StubAdvisor{QuickFn: func(Request) Answer { return Answer{Action: ActionApprove, Confidence: 20} }}
	res = NewService(DefaultConfig(), adv).Validate(context.Background(), sampleRequest(60))
	assert.Equal(t, ActionVeto, res.Action)
	assert.Equal(t, TierQuick, res.Tier)
}

func TestDisabledApproves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	res := NewService(cfg, NewFixedStub(0, 0, 0)).Validate(context.Background(), sampleRequest(50))
	assert.Equal(t, ActionApprove, res.Action)
	assert.Equal(t, TierQuick, res.Tier)
	assert.True(t, res.Disabled)
}

type blockingAdvisor struct{}

func (blockingAdvisor) Mode() string { return ModeLive }
func (blockingAdvisor) Quick(ctx context.Context, _ Request) (Answer, error) {
	<-ctx.Done()
	return Answer{}, ctx.Err()
}
func (blockingAdvisor) Deep(ctx context.Context, _ Request) (Answer, error) {
	<-ctx.Done()
	return Answer{}, ctx.Err()
}

func TestTimeoutVetoesWithoutFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	res := NewService(cfg, blockingAdvisor{}).Validate(context.Background(), sampleRequest(90))
	assert.Equal(t, ActionVeto, res.Action)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	var ve *ValidationError
	require.True(t, errors.As(res.Err, &ve))
	assert.Equal(t, KindTimeout, ve.Kind)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestCancellationFollowsTimeoutPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := NewService(DefaultConfig(), NewFixedStub(90, 0, 1)).Validate(ctx, sampleRequest(90))
	assert.Equal(t, ActionVeto, res.Action)
	assert.ErrorIs(t, res.Err, ErrTimeout)
}

func TestDeepFailureFallsBackToTechnical(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FallbackToTechnical = true
	stub := NewFixedStub(50, 0, 5)
	stub.DeepFn = nil
	svc := NewService(cfg, &failingDeep{StubAdvisor: stub})

	res := svc.Validate(context.Background(), sampleRequest(72))
	assert.Equal(t, ActionApprove, res.Action)
	assert.True(t, res.Fallback)
	assert.True(t, res.DeepTriggered)
	assert.NoError(t, res.Err)
	assert.Equal(t, int64(5), res.LatencyMs)

	res = svc.Validate(context.Background(), sampleRequest(20))
	assert.Equal(t, ActionVeto, res.Action)
	assert.True(t, res.Fallback)
}

type failingDeep struct {
	*StubAdvisor
}

func (f *failingDeep) Deep(context.Context, Request) (Answer, error) {
	return Answer{}, errors.New("deep down")
}

func TestSchemaErrorIsClassified(t *testing.T) {
	svc := NewService(DefaultConfig(), &StubAdvisor{Err: ErrSchema})
	res := svc.Validate(context.Background(), sampleRequest(80))
	assert.Equal(t, ActionVeto, res.Action)
	assert.ErrorIs(t, res.Err, ErrSchema)
	assert.False(t, errors.Is(res.Err, ErrTimeout))
}

func TestPromptHashIsDeterministic(t *testing.T) {
	a := sampleRequest(60)
	b := sampleRequest(60)
	assert.Equal(t, a.PromptHash, b.PromptHash)
	assert.NotEqual(t, a.PromptHash, sampleRequest(61).PromptHash)
	assert.Contains(t, a.Summary, "stop: 98.000000")
}

func TestRecordThenReplay(t *testing.T) {
	tape := NewTape()
	rec := NewRecordingAdvisor(NewFixedStub(50, 75, 7), tape)
	live := NewService(DefaultConfig(), rec).Validate(context.Background(), sampleRequest(60))
	require.Equal(t, ActionApprove, live.Action)
	assert.Equal(t, 1, tape.Len())

	path := filepath.Join(t.TempDir(), "tape.json")
	require.NoError(t, tape.Save(path))
	loaded, err := LoadTape(path)
	require.NoError(t, err)

	replay := NewService(DefaultConfig(), NewReplayAdvisor(loaded))
	got := replay.Validate(context.Background(), sampleRequest(60))
	assert.Equal(t, live, got)
	assert.Equal(t, ModeReplay, replay.Mode())

	miss := replay.Validate(context.Background(), sampleRequest(61))
	assert.Equal(t, ActionVeto, miss.Action)
	assert.ErrorIs(t, miss.Err, ErrTapeMiss)
}

func TestParseAnswer(t *testing.T) {
	ans, err := ParseAnswer("```json\n{\"action\":\"approve\",\"confidence\":\"77.5\",\"reasoning\":\"ok\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, ActionApprove, ans.Action)
	assert.Equal(t, 77.5, ans.Confidence)

	_, err = ParseAnswer(`{"confidence": 140}`)
	assert.ErrorIs(t, err, ErrSchema)
	_, err = ParseAnswer(`{"action":"HOLD","confidence":50}`)
	assert.ErrorIs(t, err, ErrSchema)
	_, err = ParseAnswer("no json here")
	assert.ErrorIs(t, err, ErrSchema)
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) ID() string    { return "mock" }
func (m *mockProvider) Enabled() bool { return true }
func (m *mockProvider) Call(ctx context.Context, payload provider.ChatPayload) (string, error) {
	args := m.Called(ctx, payload)
	return args.String(0), args.Error(1)
}

func TestLLMAdvisorQuickAndBreaker(t *testing.T) {
	p := &mockProvider{}
	p.On("Call", mock.Anything, mock.MatchedBy(func(pl provider.ChatPayload) bool {
		return pl.ExpectJSON && pl.System == quickSystemPrompt
	})).Return(`{"action":"APPROVE","confidence":81}`, nil).Once()
	p.On("Call", mock.Anything, mock.Anything).Return("", errors.New("upstream 500"))

	breaker := circuit.New("test", 1, time.Hour)
	adv := NewLLMAdvisor(p, nil, breaker)
	svc := NewService(DefaultConfig(), adv)

	res := svc.Validate(context.Background(), sampleRequest(60))
	assert.Equal(t, ActionApprove, res.Action)
	assert.Equal(t, 81.0, res.Confidence)

	res = svc.Validate(context.Background(), sampleRequest(60))
	assert.Equal(t, ActionVeto, res.Action)
	assert.Equal(t, circuit.StateOpen, breaker.State())

	res = svc.Validate(context.Background(), sampleRequest(60))
	assert.ErrorIs(t, res.Err, circuit.ErrOpen)
	p.AssertNumberOfCalls(t, "Call", 2)
}
