package text

import "unicode/utf8"

const ellipsis = "..."

// Truncate 按字符数截断，超长时以 "..." 结尾，结果不超过 max 个字符。
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	if max <= len(ellipsis) {
		return string([]rune(s)[:max])
	}
	return string([]rune(s)[:max-len(ellipsis)]) + ellipsis
}
