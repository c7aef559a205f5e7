package backtest

import (
	"context"
	"fmt"
	"time"

	"orderpilot/internal/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type SimulatorConfig struct {
	Harness       *Harness
	Loader        *Loader
	Results       *ResultStore
	MaxConcurrent int
	// WarmupCandles 在 start 之前额外加载的 K 线数量。
	WarmupCandles  int
	DefaultTF      string
	InitialEquity  float64
	FeeBps         float64
	SlippageBps    float64
	ReportOnFinish bool
}

// Simulator 负责回测任务：异步提交、并发上限、结果落库。
type Simulator struct {
	harness *Harness
	loader  *Loader
	results *ResultStore
	cfg     SimulatorConfig

	sem     chan struct{}
	baseCtx context.Context
}

func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if cfg.Harness == nil {
		return nil, fmt.Errorf("harness is required")
	}
	if cfg.Loader == nil {
		return nil, fmt.Errorf("loader is required")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("result store is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.DefaultTF == "" {
		cfg.DefaultTF = "15m"
	}
	if cfg.WarmupCandles <= 0 {
		mc := cfg.Harness.Settings().Machine
		cfg.WarmupCandles = mc.Features.MinWindow() + mc.RegimeConfirm
	}
	return &Simulator{
		harness: cfg.Harness,
		loader:  cfg.Loader,
		results: cfg.Results,
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		baseCtx: context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，用于停机时取消后台任务。
func (s *Simulator) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Simulator) Results() *ResultStore { return s.results }

// AdvisorMode 为本模拟器所有回测记录的顾问模式。
func (s *Simulator) AdvisorMode() string { return s.harness.AdvisorMode() }

func (s *Simulator) runConfig(req RunRequest) (RunConfig, Timeframe, error) {
	if req.Timeframe == "" {
		req.Timeframe = s.cfg.DefaultTF
	}
	if req.InitialEquity <= 0 {
		req.InitialEquity = s.cfg.InitialEquity
	}
	if req.FeeBps <= 0 {
		req.FeeBps = s.cfg.FeeBps
	}
	if req.SlippageBps <= 0 {
		req.SlippageBps = s.cfg.SlippageBps
	}
	rc, tf, err := RunConfig{
		Symbol:        req.Symbol,
		Timeframe:     req.Timeframe,
		StartTS:       req.StartTS,
		EndTS:         req.EndTS,
		InitialEquity: req.InitialEquity,
		FeeBps:        req.FeeBps,
		SlippageBps:   req.SlippageBps,
		Notes:         req.Notes,
	}.normalize()
	if err != nil {
		return RunConfig{}, Timeframe{}, err
	}
	rc.StartTS, rc.EndTS = tf.AlignRange(rc.StartTS, rc.EndTS)
	if rc.StartTS <= 0 || rc.EndTS <= rc.StartTS {
		return RunConfig{}, Timeframe{}, fmt.Errorf("invalid start/end")
	}
	return rc, tf, nil
}

// StartRun 创建任务并立即返回，模拟在后台进行。
func (s *Simulator) StartRun(req RunRequest) (Run, error) {
	rc, _, err := s.runConfig(req)
	if err != nil {
		return Run{}, err
	}
	run := Run{
		ID:          uuid.NewString(),
		Symbol:      rc.Symbol,
		Timeframe:   rc.Timeframe,
		Status:      RunStatusPending,
		AdvisorMode: s.harness.AdvisorMode(),
		Config:      rc,
	}
	if err := s.results.InsertRun(s.baseCtx, run); err != nil {
		return Run{}, err
	}
	go s.runLoop(run.ID, rc)
	return run, nil
}

func (s *Simulator) runLoop(runID string, rc RunConfig) {
	ctx := s.baseCtx
	select {
	case s.sem <- struct{}{}:
	default:
		logger.Warnf("[backtest] run %s 等待可用 worker", runID)
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			_ = s.results.UpdateRunStatus(context.WithoutCancel(ctx), runID, RunStatusFailed, ctx.Err().Error())
			return
		}
	}
	defer func() { <-s.sem }()

	_ = s.results.UpdateRunStatus(ctx, runID, RunStatusRunning, "loading candles")
	res, err := s.execute(ctx, rc)
	if err != nil {
		logger.Warnf("[backtest] run %s 失败: %v", runID, err)
		_ = s.results.UpdateRunStatus(context.WithoutCancel(ctx), runID, RunStatusFailed, err.Error())
		return
	}
	if err := s.results.SaveResult(ctx, runID, res); err != nil {
		logger.Errorf("[backtest] run %s 保存结果失败: %v", runID, err)
		_ = s.results.UpdateRunStatus(context.WithoutCancel(ctx), runID, RunStatusFailed, err.Error())
		return
	}
	logger.Infof("[backtest] run %s 完成 trades=%d return=%.2f%% fp=%s", runID, res.Stats.Trades, res.Stats.ReturnPct, res.Fingerprint[:12])
	if s.cfg.ReportOnFinish {
		logger.InfoBlock(RenderReport(res))
	}
}

// Execute 同步执行一次回测，不落库。
func (s *Simulator) Execute(ctx context.Context, req RunRequest) (Result, error) {
	rc, _, err := s.runConfig(req)
	if err != nil {
		return Result{}, err
	}
	return s.execute(ctx, rc)
}

func (s *Simulator) execute(ctx context.Context, rc RunConfig) (Result, error) {
	tf, err := ParseTimeframe(rc.Timeframe)
	if err != nil {
		return Result{}, err
	}
	from := rc.StartTS - int64(s.cfg.WarmupCandles)*tf.durationMillis()
	if from <= 0 {
		from = tf.durationMillis()
	}
	start := time.Now()
	candles, err := s.loader.Ensure(ctx, rc.Symbol, tf, from, rc.EndTS)
	if err != nil {
		return Result{}, err
	}
	if len(candles) == 0 {
		return Result{}, fmt.Errorf("no candles for %s %s [%d,%d]", rc.Symbol, tf.Key, from, rc.EndTS)
	}
	logger.Debugf("[backtest] %s %s loaded %d candles in %v", rc.Symbol, tf.Key, len(candles), time.Since(start))
	return s.harness.Run(ctx, rc, candles)
}

// RunBatch 并行执行互不相关的回测；单个回测内部始终串行。
func (s *Simulator) RunBatch(ctx context.Context, reqs []RunRequest) ([]Result, error) {
	out := make([]Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := s.Execute(gctx, req)
			if err != nil {
				return fmt.Errorf("%s: %w", req.Symbol, err)
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
