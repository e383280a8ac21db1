package deploy

import (
	"strings"
	"unicode/utf8"
)

// TailUTF8 keeps at most limit bytes from the end of s without splitting a
// multi-byte rune.
func TailUTF8(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(s) <= limit {
		return s
	}
	start := len(s) - limit
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

// ErrorLog renders err and any captured build output into the bounded text
// stored as a project's last error log.
func ErrorLog(err error, output []string, limit int) string {
	var b strings.Builder
	if err != nil {
		b.WriteString(err.Error())
	}
	for _, line := range output {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return TailUTF8(strings.ToValidUTF8(b.String(), "�"), limit)
}
