package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

var (
	advisorMu   sync.Mutex
	advisorLog  *log.Logger
	advisorDump bool
)

// SetAdvisorWriter 指定 advisor 请求/响应的独立日志文件；nil 表示关闭。
func SetAdvisorWriter(w io.Writer) {
	advisorMu.Lock()
	defer advisorMu.Unlock()
	if w == nil {
		advisorLog = nil
		return
	}
	advisorLog = log.New(w, "", log.LstdFlags)
}

// EnableAdvisorPayloadDump 控制是否落盘完整 prompt。
func EnableAdvisorPayloadDump(enabled bool) {
	advisorMu.Lock()
	advisorDump = enabled
	advisorMu.Unlock()
}

type advisorSection struct {
	Title string
	Body  string
}

func writeAdvisor(kind, tier, provider, hash string, sections []advisorSection) {
	advisorMu.Lock()
	l := advisorLog
	advisorMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[ADVISOR]")
	for _, part := range []string{kind, tier, provider} {
		if part == "" {
			continue
		}
		b.WriteString("[" + part + "]")
	}
	if hash != "" {
		b.WriteString(" hash=" + hash)
	}
	b.WriteString("\n")
	for _, sec := range sections {
		title := strings.TrimSpace(sec.Title)
		if title == "" {
			title = "CONTENT"
		}
		b.WriteString("--- " + title + " ---\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	l.Print(b.String())
}

// LogAdvisorRequest 记录一次 quick/deep 请求；prompt 正文仅在 dump 开启时写入。
func LogAdvisorRequest(tier, provider, hash, system, prompt string) {
	advisorMu.Lock()
	dump := advisorDump
	advisorMu.Unlock()
	sections := []advisorSection{{Title: "SYSTEM", Body: system}}
	if dump {
		sections = append(sections, advisorSection{Title: "PROMPT", Body: prompt})
	}
	writeAdvisor("request", tier, provider, hash, sections)
}

func LogAdvisorResponse(tier, provider, hash, raw string) {
	writeAdvisor("response", tier, provider, hash, []advisorSection{{Title: "RAW", Body: raw}})
}
