package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	cases := map[string]Symbol{
		"btc/usdt":      {Base: "BTC", Quote: "USDT"},
		"ETH-USDC":      {Base: "ETH", Quote: "USDC"},
		"SOLUSDT":       {Base: "SOL", Quote: "USDT"},
		"BTC/USDT:USDT": {Base: "BTC", Quote: "USDT"},
		"doge_btc":      {Base: "DOGE", Quote: "BTC"},
		"":              {},
		"USDT":          {},
	}
	for in, want := range cases {
		assert.Equal(t, want, Parse(in), in)
	}
	assert.Equal(t, "BTC/USDT", Parse("btcusdt").Pair())
}

func TestNormalizeList(t *testing.T) {
	got := NormalizeList([]string{"btc/usdt", " ETHUSDT", "BTCUSDT", "", "xyz-abc"})
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "XYZABC"}, got)
	assert.Nil(t, NormalizeList(nil))
	assert.True(t, IsValid("bnb/usdt"))
	assert.False(t, IsValid("foo"))
}
