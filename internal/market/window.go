package market

// Window 保存最近 N 根已接受的 K 线。
type Window struct {
	size int
	bars []Candle
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{size: size, bars: make([]Candle, 0, size)}
}

func (w *Window) Push(c Candle) {
	if len(w.bars) == w.size {
		copy(w.bars, w.bars[1:])
		w.bars = w.bars[:w.size-1]
	}
	w.bars = append(w.bars, c)
}

// Last 返回最新一根；窗口为空时返回 nil。
func (w *Window) Last() *Candle {
	if len(w.bars) == 0 {
		return nil
	}
	c := w.bars[len(w.bars)-1]
	return &c
}

// Slice 返回副本，调用方无法修改窗口内部数据。
func (w *Window) Slice() []Candle {
	out := make([]Candle, len(w.bars))
	copy(out, w.bars)
	return out
}

func (w *Window) Len() int { return len(w.bars) }

func (w *Window) Cap() int { return w.size }

func (w *Window) Full() bool { return len(w.bars) >= w.size }

func (w *Window) Reset() {
	w.bars = w.bars[:0]
}
