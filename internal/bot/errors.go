package bot

import (
	"errors"
	"fmt"
)

var (
	ErrOrderRejected = errors.New("order rejected")
	ErrDataGap       = errors.New("data gap")
	ErrUnknownOrder  = errors.New("unknown order")
)

// DataGapError 表示行情缺口：窗口清空，重新预热前不开新仓。
type DataGapError struct {
	Symbol  string
	Missing int
	At      int64
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("%s: %d candles missing before %d", e.Symbol, e.Missing, e.At)
}

func (e *DataGapError) Unwrap() error { return ErrDataGap }
