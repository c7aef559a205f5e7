package market

import (
	"fmt"
	"strings"
	"time"
)

// Candle 是清洗后的 K 线，时间戳均为毫秒。创建后不可修改。
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// RawBar 为数据源推送的原始 bar，尚未校验。
type RawBar struct {
	Symbol    string
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Trades    int64
}

func (r RawBar) Candle() Candle {
	return Candle{
		OpenTime:  r.OpenTime,
		CloseTime: r.CloseTime,
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
		Trades:    r.Trades,
	}
}

// RawFromCandle 用于回放：历史数据先还原为 RawBar 再进入同一条清洗路径。
func RawFromCandle(symbol string, c Candle) RawBar {
	return RawBar{
		Symbol:    symbol,
		OpenTime:  c.OpenTime,
		CloseTime: c.CloseTime,
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
		Trades:    c.Trades,
	}
}

// Timestamp 返回决策时刻（收盘时间，缺失时退回开盘时间）。
func (c Candle) Timestamp() int64 {
	if c.CloseTime > 0 {
		return c.CloseTime
	}
	return c.OpenTime
}

func (c Candle) Time() time.Time {
	return time.UnixMilli(c.Timestamp()).UTC()
}

func (c Candle) TimeString() string {
	if c.Timestamp() <= 0 {
		return "-"
	}
	return c.Time().Format("01-02 15:04") + "Z"
}

// Side 表示持仓/信号方向。
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return SideLong, nil
	case "short", "sell":
		return SideShort, nil
	default:
		return "", fmt.Errorf("unknown side: %q", raw)
	}
}

// Sign long=+1 short=-1，用于盈亏与止损方向计算。
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

func (s Side) Opposite() Side {
	if s == SideShort {
		return SideLong
	}
	return SideShort
}
