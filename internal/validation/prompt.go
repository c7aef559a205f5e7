package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"orderpilot/internal/features"
	"orderpilot/internal/regime"
	"orderpilot/internal/signal"
)

// Levels 为可选的价格位（止损/目标）。
type Levels struct {
	Stop   float64 `json:"stop,omitempty"`
	Target float64 `json:"target,omitempty"`
}

// Request 是一次验证的全部输入，Summary/PromptHash 由 Build 填充。
type Request struct {
	Signal     signal.EntrySignal
	Vector     features.Vector
	Regime     regime.Regime
	Levels     Levels
	Summary    string
	PromptHash string
}

// BuildRequest 生成确定性的上下文摘要并计算哈希。
func BuildRequest(sig signal.EntrySignal, v features.Vector, r regime.Regime, lv Levels) Request {
	req := Request{Signal: sig, Vector: v, Regime: r, Levels: lv}
	req.Summary = Summarize(req)
	req.PromptHash = HashPrompt(req.Summary)
	return req
}

// Summarize 只使用当前 K 线之前可见的数据，字段顺序固定。
func Summarize(req Request) string {
	sig := req.Signal
	var b strings.Builder
	fmt.Fprintf(&b, "symbol: %s\n", sig.Symbol)
	fmt.Fprintf(&b, "candle_ts: %d\n", sig.Timestamp)
	fmt.Fprintf(&b, "side: %s\n", sig.Side)
	fmt.Fprintf(&b, "price: %.6f\n", sig.Price)
	fmt.Fprintf(&b, "regime: %s\n", req.Regime)
	fmt.Fprintf(&b, "rule_set: %s\n", sig.RuleSet)
	fmt.Fprintf(&b, "technical_confidence: %.2f\n", sig.Confidence)
	fmt.Fprintf(&b, "tags: %s\n", strings.Join(sig.Tags, ","))
	b.WriteString("features:\n")
	fm := req.Vector.Map()
	keys := make([]string, 0, len(fm))
	for k := range fm {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %v\n", k, fm[k])
	}
	if req.Levels.Stop > 0 {
		fmt.Fprintf(&b, "stop: %.6f\n", req.Levels.Stop)
	}
	if req.Levels.Target > 0 {
		fmt.Fprintf(&b, "target: %.6f\n", req.Levels.Target)
	}
	return b.String()
}

func HashPrompt(summary string) string {
	sum := sha256.Sum256([]byte(summary))
	return hex.EncodeToString(sum[:])
}

const quickSystemPrompt = `You review an automated trade entry. Reply with one JSON object:
{"action":"APPROVE|BOOST|CAUTION|VETO","confidence":0-100,"reasoning":"short"}.
confidence is your probability in percent that the entry is sound. Be brief.`

const deepSystemPrompt = `You are a second-opinion reviewer for a borderline trade entry.
Weigh trend, volatility, momentum and volume against the proposed side and stop.
Reply with one JSON object: {"action":"APPROVE|CAUTION|VETO","confidence":0-100,"reasoning":"why"}.`
