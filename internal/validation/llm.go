package validation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"orderpilot/internal/gateway/provider"
	"orderpilot/internal/logger"
	"orderpilot/internal/pkg/circuit"
	"orderpilot/internal/pkg/jsonutil"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

const answerSchema = `{
  "type": "object",
  "required": ["confidence"],
  "properties": {
    "action": {"type": "string", "enum": ["APPROVE", "BOOST", "CAUTION", "VETO"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 100},
    "reasoning": {"type": "string"}
  }
}`

var (
	answerSchemaOnce sync.Once
	answerCompiled   *jsonschema.Schema
	answerSchemaErr  error
)

func compiledAnswerSchema() (*jsonschema.Schema, error) {
	answerSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("answer.json", strings.NewReader(answerSchema)); err != nil {
			answerSchemaErr = err
			return
		}
		answerCompiled, answerSchemaErr = compiler.Compile("answer.json")
	})
	return answerCompiled, answerSchemaErr
}

// LLMAdvisor 通过 OpenAI 兼容接口询问模型；quick 与 deep 可用不同模型。
type LLMAdvisor struct {
	quick   provider.ModelProvider
	deep    provider.ModelProvider
	breaker *circuit.Breaker
	now     func() time.Time
}

func NewLLMAdvisor(quick, deep provider.ModelProvider, breaker *circuit.Breaker) *LLMAdvisor {
	if deep == nil {
		deep = quick
	}
	if breaker == nil {
		breaker = circuit.New("advisor", 5, time.Minute)
	}
	return &LLMAdvisor{quick: quick, deep: deep, breaker: breaker, now: time.Now}
}

func (a *LLMAdvisor) Mode() string { return ModeLive }

func (a *LLMAdvisor) Quick(ctx context.Context, req Request) (Answer, error) {
	return a.ask(ctx, a.quick, TierQuick, quickSystemPrompt, req)
}

func (a *LLMAdvisor) Deep(ctx context.Context, req Request) (Answer, error) {
	return a.ask(ctx, a.deep, TierDeep, deepSystemPrompt, req)
}

func (a *LLMAdvisor) ask(ctx context.Context, p provider.ModelProvider, tier Tier, system string, req Request) (Answer, error) {
	if p == nil || !p.Enabled() {
		return Answer{}, fmt.Errorf("%s advisor model not configured", tier)
	}
	start := a.now()
	logger.LogAdvisorRequest(string(tier), p.ID(), req.PromptHash, system, req.Summary)
	var raw string
	err := a.breaker.Do(func() error {
		out, err := p.Call(ctx, provider.ChatPayload{System: system, User: req.Summary, ExpectJSON: true, MaxTokens: 400})
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return Answer{}, err
	}
	logger.LogAdvisorResponse(string(tier), p.ID(), req.PromptHash, raw)
	ans, err := ParseAnswer(raw)
	if err != nil {
		return Answer{}, err
	}
	ans.LatencyMs = a.now().Sub(start).Milliseconds()
	return ans, nil
}

// ParseAnswer 提取 JSON 对象并按 schema 校验；失败统一包装为 ErrSchema。
func ParseAnswer(raw string) (Answer, error) {
	obj, ok := jsonutil.ExtractObject(raw)
	if !ok || !gjson.Valid(obj) {
		return Answer{}, fmt.Errorf("%w: no json object in response", ErrSchema)
	}
	parsed := gjson.Parse(obj)
	doc := map[string]any{}
	// 模型偶尔把数字写成字符串，这里统一成 number 再交给 schema
	if c := parsed.Get("confidence"); c.Exists() {
		switch c.Type {
		case gjson.Number:
			doc["confidence"] = c.Float()
		case gjson.String:
			if f := gjson.Parse(strings.TrimSpace(c.String())); f.Type == gjson.Number {
				doc["confidence"] = f.Float()
			} else {
				doc["confidence"] = c.String()
			}
		default:
			doc["confidence"] = c.Value()
		}
	}
	if act := parsed.Get("action"); act.Exists() {
		doc["action"] = strings.ToUpper(strings.TrimSpace(act.String()))
	}
	if r := parsed.Get("reasoning"); r.Exists() {
		doc["reasoning"] = r.String()
	}
	schema, err := compiledAnswerSchema()
	if err != nil {
		return Answer{}, err
	}
	if err := schema.Validate(doc); err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	ans := Answer{Confidence: doc["confidence"].(float64)}
	if s, ok := doc["action"].(string); ok {
		ans.Action = Action(s)
	}
	if s, ok := doc["reasoning"].(string); ok {
		ans.Reasoning = s
	}
	return ans, nil
}
