package signal

import (
	"math"
	"sort"
	"strings"

	"orderpilot/internal/features"
	"orderpilot/internal/logger"
	"orderpilot/internal/market"
	"orderpilot/internal/regime"
	"orderpilot/internal/strategy"
)

const hourMs int64 = 3_600_000

// Config 控制信号后处理。
type Config struct {
	CooldownSeconds   int
	MaxEntriesPerHour int
}

func DefaultConfig() Config {
	return Config{CooldownSeconds: 300, MaxEntriesPerHour: 6}
}

// Input 为单根 K 线的打分输入。
type Input struct {
	Symbol  string
	Candle  market.Candle
	Vector  features.Vector
	Regime  regime.Regime
	RuleSet *strategy.RuleSet
}

// Scorer 按交易对持有冷却与频率状态，只能被单个管线串行调用。
type Scorer struct {
	cfg Config

	lastCandle int64
	lastEmit   int64
	emitted    []int64
}

func NewScorer(cfg Config) *Scorer {
	if cfg.CooldownSeconds < 0 {
		cfg.CooldownSeconds = 0
	}
	return &Scorer{cfg: cfg}
}

func (s *Scorer) Config() Config { return s.cfg }

// Evaluate 计算入场信号；冷却与限频是发出前的最后一步。
func (s *Scorer) Evaluate(in Input) (*EntrySignal, Skip) {
	ts := in.Candle.Timestamp()
	if s.lastCandle != 0 && ts <= s.lastCandle {
		return nil, SkipDuplicate
	}
	s.lastCandle = ts

	rs := in.RuleSet
	if !rs.CanEnter() {
		return nil, SkipDisabled
	}
	env := strategy.NewEnv(in.Candle, in.Vector, in.Regime, nil, rs.Params)
	blocked, err := rs.NoEntryBlocks(env)
	if err != nil {
		logger.Warnf("[signal] %s no_entry eval failed: %v", in.Symbol, err)
		return nil, SkipEvalError
	}
	if blocked {
		return nil, SkipNoEntry
	}
	fires, err := rs.EntryFires(env)
	if err != nil {
		logger.Warnf("[signal] %s entry eval failed: %v", in.Symbol, err)
		return nil, SkipEvalError
	}
	if !fires {
		return nil, SkipEntry
	}
	fired, err := rs.FiredConditions(env)
	if err != nil {
		logger.Warnf("[signal] %s condition eval failed: %v", in.Symbol, err)
		return nil, SkipEvalError
	}
	conf := rs.BaseConfidence
	tags := []string{"entry:" + rs.Name}
	for _, c := range fired {
		conf += c.Weight
		tags = append(tags, c.Tag)
	}
	sort.Strings(tags[1:])

	if skip := s.admit(ts); skip != SkipNone {
		return nil, skip
	}
	return &EntrySignal{
		ID:         SignalID(strings.ToUpper(in.Symbol), ts),
		Symbol:     strings.ToUpper(in.Symbol),
		Side:       rs.Side,
		Confidence: math.Round(clamp(conf, 0, 100)*100) / 100,
		Tags:       tags,
		Timestamp:  ts,
		Price:      in.Candle.Close,
		RuleSet:    rs.Name,
		Regime:     in.Regime,
	}, SkipNone
}

// admit 应用冷却与滚动一小时限频，通过时记录本次发出。
func (s *Scorer) admit(ts int64) Skip {
	cooldown := int64(s.cfg.CooldownSeconds) * 1000
	if s.lastEmit != 0 && cooldown > 0 && ts-s.lastEmit < cooldown {
		return SkipCooldown
	}
	kept := s.emitted[:0]
	for _, at := range s.emitted {
		if ts-at < hourMs {
			kept = append(kept, at)
		}
	}
	s.emitted = kept
	if s.cfg.MaxEntriesPerHour > 0 && len(s.emitted) >= s.cfg.MaxEntriesPerHour {
		return SkipRateLimit
	}
	s.lastEmit = ts
	s.emitted = append(s.emitted, ts)
	return SkipNone
}

// Reset 清空冷却与限频状态，仅供人工复位。
func (s *Scorer) Reset() {
	s.lastCandle = 0
	s.lastEmit = 0
	s.emitted = nil
}

// EntriesLastHour 供快照展示。
func (s *Scorer) EntriesLastHour(ts int64) int {
	n := 0
	for _, at := range s.emitted {
		if ts-at < hourMs {
			n++
		}
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
