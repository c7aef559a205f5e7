package risk

import "errors"

// ErrRiskLimitExceeded 为致命错误：触发 kill switch，会话内不再开新仓。
var ErrRiskLimitExceeded = errors.New("risk limit exceeded")

var (
	errInvalidEquity = errors.New("equity must be > 0")
	errInvalidEntry  = errors.New("entry price must be > 0")
	errZeroStop      = errors.New("stop distance must be > 0")
)
