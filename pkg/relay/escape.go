package relay

import (
	"fmt"
	"strings"
)

// escapeForLog renders text safely for a single log line: control bytes
// become their familiar escape (\n, \t, \r, \\) or a \uXXXX sequence,
// printable ASCII passes through unchanged. Only the first maxChars runes
// of text are rendered; because escapes expand, the result can be longer
// than maxChars.
func escapeForLog(text string, maxChars int) string {
	var b strings.Builder
	count := 0
	for _, r := range text {
		if count >= maxChars {
			break
		}
		switch r {
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		case '\\':
			b.WriteString(`\\`)
		default:
			if r >= 0x20 && r < 0x7F {
				b.WriteRune(r)
			} else {
				fmt.Fprintf(&b, `\u%04X`, r)
			}
		}
		count++
	}
	return b.String()
}
