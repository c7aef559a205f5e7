package backtest

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

// RenderReport 输出汇总与逐笔成交两张表，供日志打印。
func RenderReport(res Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "backtest %s %s advisor=%s fingerprint=%s\n", res.Symbol, res.Timeframe, res.AdvisorMode, res.Fingerprint)

	st := res.Stats
	summary := tablewriter.NewWriter(&b)
	summary.Header("Candles", "Signals", "Trades", "Win%", "NetPnL", "Fees", "Return%", "MaxDD%", "Equity")
	summary.Append(
		fmt.Sprintf("%d", st.Candles),
		fmt.Sprintf("%d", st.Signals),
		fmt.Sprintf("%d", st.Trades),
		fmt.Sprintf("%.1f", st.WinRate*100),
		fmt.Sprintf("%.2f", st.NetPnL),
		fmt.Sprintf("%.2f", st.Fees),
		fmt.Sprintf("%.2f", st.ReturnPct),
		fmt.Sprintf("%.2f", st.MaxDrawdownPct),
		fmt.Sprintf("%.2f", st.FinalEquity),
	)
	summary.Render()

	if len(st.Validations) > 0 {
		keys := make([]string, 0, len(st.Validations))
		for k := range st.Validations {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%d", k, st.Validations[k]))
		}
		fmt.Fprintf(&b, "validations: %s\n", strings.Join(parts, " "))
	}

	if len(res.Trades) == 0 {
		b.WriteString("no trades\n")
		return b.String()
	}
	trades := tablewriter.NewWriter(&b)
	trades.Header("#", "Side", "Rule", "Entry", "Exit", "Bars", "PnL", "PnL%", "Reason", "Verdict", "Tags")
	for i, t := range res.Trades {
		trades.Append(
			fmt.Sprintf("%d", i+1),
			string(t.Side),
			t.RuleSet,
			fmt.Sprintf("%s @ %.4f", fmtTS(t.EntryTime), t.EntryPrice),
			fmt.Sprintf("%s @ %.4f", fmtTS(t.ExitTime), t.ExitPrice),
			fmt.Sprintf("%d", t.BarsHeld),
			fmt.Sprintf("%.2f", t.PnL),
			fmt.Sprintf("%.2f", t.PnLPct),
			t.ExitReason,
			fmt.Sprintf("%s/%s %.0f", t.Validation.Action, t.Validation.Tier, t.Validation.Confidence),
			strings.Join(t.EntryTags, ","),
		)
	}
	trades.Render()
	return b.String()
}

func fmtTS(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("01-02 15:04")
}
