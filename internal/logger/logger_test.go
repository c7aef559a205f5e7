package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormat("json")
	t.Cleanup(func() {
		SetFormat("text")
		SetOutput(os.Stdout)
		SetLevel("info")
	})

	SetLevel("warn")
	Infof("hidden %d", 1)
	Warnf("shown %d", 2)
	Symbol("btcusdt").Info("ignored at warn")
	Symbol("btcusdt").Warn("pipeline")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown 2", rec["msg"])
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, "BTCUSDT", rec["symbol"])
}

func TestInfoBlockSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stdout) })
	SetLevel("info")

	InfoBlock("  \n")
	assert.Empty(t, buf.String())
	InfoBlock("line one\nline two\n")
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
	assert.Contains(t, buf.String(), "line two")
}

func TestAdvisorLogDump(t *testing.T) {
	var buf bytes.Buffer
	SetAdvisorWriter(&buf)
	t.Cleanup(func() {
		SetAdvisorWriter(nil)
		EnableAdvisorPayloadDump(false)
	})

	LogAdvisorRequest("quick", "m1", "abc", "system text", "secret prompt")
	assert.Contains(t, buf.String(), "[ADVISOR][request][quick][m1] hash=abc")
	assert.NotContains(t, buf.String(), "secret prompt")

	EnableAdvisorPayloadDump(true)
	LogAdvisorRequest("deep", "m2", "def", "system text", "full prompt")
	LogAdvisorResponse("deep", "m2", "def", `{"confidence":80}`)
	out := buf.String()
	assert.Contains(t, out, "--- PROMPT ---\nfull prompt")
	assert.Contains(t, out, "--- RAW ---")

	SetAdvisorWriter(nil)
	before := buf.Len()
	LogAdvisorResponse("deep", "m2", "x", "dropped")
	assert.Equal(t, before, buf.Len())
}
