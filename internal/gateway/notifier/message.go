package notifier

import (
	"strings"
	"time"
	"unicode/utf8"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityCritical
)

func (s Severity) icon() string {
	switch s {
	case SeverityCritical:
		return "🛑"
	case SeverityWarn:
		return "⚠️"
	default:
		return "✅"
	}
}

// Field 为告警中的一行 key/value。
type Field struct {
	Key   string
	Value string
}

// Alert 是一条推送：标题行 + 对齐的 key/value 代码块 + 时间。
type Alert struct {
	Severity Severity
	Icon     string // 为空时按 Severity 取图标
	Symbol   string
	Headline string
	Fields   []Field
	At       time.Time
}

// Markdown 渲染为 Telegram Markdown；空值字段省略。
func (a Alert) Markdown() string {
	var b strings.Builder
	icon := a.Icon
	if icon == "" {
		icon = a.Severity.icon()
	}
	b.WriteString(icon)
	if a.Symbol != "" {
		b.WriteString(" *" + escape(a.Symbol) + "*")
	}
	if h := strings.TrimSpace(a.Headline); h != "" {
		b.WriteString(" " + escape(h))
	}
	b.WriteString("\n")

	fields := make([]Field, 0, len(a.Fields))
	width := 0
	for _, f := range a.Fields {
		f.Key, f.Value = strings.TrimSpace(f.Key), strings.TrimSpace(f.Value)
		if f.Key == "" || f.Value == "" {
			continue
		}
		if n := utf8.RuneCountInString(f.Key); n > width {
			width = n
		}
		fields = append(fields, f)
	}
	if len(fields) > 0 {
		b.WriteString("```\n")
		for _, f := range fields {
			pad := width - utf8.RuneCountInString(f.Key)
			b.WriteString(f.Key + strings.Repeat(" ", pad+2) + noFence(f.Value) + "\n")
		}
		b.WriteString("```\n")
	}
	if !a.At.IsZero() {
		b.WriteString("_" + a.At.UTC().Format("2006-01-02 15:04:05") + " UTC_")
	}
	return strings.TrimSpace(b.String())
}

// 代码块内只需防止提前闭合
func noFence(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}

var mdEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escape(s string) string { return mdEscaper.Replace(s) }
