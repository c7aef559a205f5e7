package provider

import "context"

// ChatPayload 为一次顾问调用：system 为固定的评审指令，user 为上下文摘要。
type ChatPayload struct {
	System     string
	User       string
	ExpectJSON bool
	MaxTokens  int
}

// ModelProvider 是顾问调用的唯一出口；Call 必须遵守 ctx 的 deadline。
type ModelProvider interface {
	ID() string
	Enabled() bool
	Call(ctx context.Context, payload ChatPayload) (string, error)
}

// ModelCfg 描述一个 OpenAI 兼容的 chat 端点。
type ModelCfg struct {
	ID       string
	Provider string
	APIURL   string
	APIKey   string
	Model    string
	Enabled  bool
	Headers  map[string]string

	Temperature float64
	// MaxRetries 只针对 429/5xx 与网络错误。
	MaxRetries int
	// RequestsPerMinute <=0 表示不限速。
	RequestsPerMinute int
}
