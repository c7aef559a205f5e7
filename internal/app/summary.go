package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	"orderpilot/internal/config"

	"github.com/olekukonko/tablewriter"
)

type StartupSummary struct {
	Symbols    []string
	Interval   string
	RuleSets   []string
	RulesPath  string
	Validation ValidationSummary
	Risk       RiskSummary
	Services   []ServiceLine
}

type ValidationSummary struct {
	Enabled    bool
	Mode       string
	Thresholds string
	Recording  bool
}

type RiskSummary struct {
	DailyLossPct   float64
	MaxExposurePct float64
	RiskPerTrade   float64
	InitialEquity  float64
}

type ServiceLine struct {
	Name   string
	Status string
	Detail string
}

func newStartupSummary(cfg *config.Config, a *App) *StartupSummary {
	v := cfg.Validation
	s := &StartupSummary{
		Symbols:   cfg.Symbols,
		Interval:  cfg.Interval,
		RuleSets:  a.selector.Catalog().Names(),
		RulesPath: cfg.Strategy.RulesPath,
		Validation: ValidationSummary{
			Enabled:    v.Enabled,
			Mode:       a.validator.Mode(),
			Thresholds: fmt.Sprintf("quick %.0f/%.0f deep %.0f/%.0f boost %.0f", v.QuickApprove, v.QuickDeep, v.DeepApprove, v.DeepVeto, v.Boost),
			Recording:  a.recorder != nil,
		},
		Risk: RiskSummary{
			DailyLossPct:   cfg.Risk.DailyLossLimitPct,
			MaxExposurePct: cfg.Risk.MaxExposurePct,
			RiskPerTrade:   cfg.Risk.RiskPerTradePct,
			InitialEquity:  cfg.Risk.InitialEquity,
		},
	}
	if a.engine != nil {
		s.Services = append(s.Services, ServiceLine{"live", "on", fmt.Sprintf("%d symbols, broker=%s", len(a.engine.Symbols()), cfg.Broker.Mode)})
	} else {
		s.Services = append(s.Services, ServiceLine{"live", "off", "-"})
	}
	if a.sim != nil {
		s.Services = append(s.Services, ServiceLine{"backtest", "on", fmt.Sprintf("%s, advisor=%s", cfg.Backtest.DataDir, cfg.Backtest.AdvisorMode)})
	} else {
		s.Services = append(s.Services, ServiceLine{"backtest", "off", "-"})
	}
	if a.audit != nil {
		s.Services = append(s.Services, ServiceLine{"audit", "on", cfg.Audit.Path})
	}
	if a.alerts != nil {
		s.Services = append(s.Services, ServiceLine{"telegram", "on", fmt.Sprintf("gaps=%v", cfg.Notify.Telegram.NotifyGaps)})
	}
	if a.server != nil {
		s.Services = append(s.Services, ServiceLine{"http", "on", a.server.Addr()})
	}
	if cfg.App.MetricsEnabled {
		s.Services = append(s.Services, ServiceLine{"metrics", "on", "/metrics"})
	}
	return s
}

func (s *StartupSummary) Print() {
	s.Fprint(os.Stdout)
}

func (s *StartupSummary) Fprint(w io.Writer) {
	title := "启动配置摘要 (STARTUP SUMMARY)"
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len(title)/2, title)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[行情 (MARKET)]")
	fmt.Fprintf(w, "  交易对: %s\n", formatList(s.Symbols))
	fmt.Fprintf(w, "  周期: %s\n", s.Interval)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[规则集 (RULE SETS)]")
	fmt.Fprintf(w, "  文件: %s\n", orDash(s.RulesPath))
	fmt.Fprintf(w, "  规则集: %s\n", formatList(s.RuleSets))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[顾问校验 (VALIDATION)]")
	fmt.Fprintf(w, "  启用: %v  模式: %s  录制: %v\n", s.Validation.Enabled, s.Validation.Mode, s.Validation.Recording)
	fmt.Fprintf(w, "  阈值: %s\n", s.Validation.Thresholds)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[风控 (RISK)]")
	fmt.Fprintf(w, "  日内亏损上限: %.2f%%  最大敞口: %.0f%%  单笔风险: %.2f%%  初始权益: %.2f\n",
		s.Risk.DailyLossPct*100, s.Risk.MaxExposurePct*100, s.Risk.RiskPerTrade*100, s.Risk.InitialEquity)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[服务 (SERVICES)]")
	table := tablewriter.NewWriter(w)
	table.Header("Service", "Status", "Detail")
	for _, line := range s.Services {
		table.Append(line.Name, line.Status, line.Detail)
	}
	table.Render()
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
