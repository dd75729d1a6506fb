package rules

import (
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\r?\n(.*?)\r?\n?```")

// CleanFences strips Markdown code fences from model output. When the text
// contains a fenced block, only the first block's body is kept. A trailing
// newline is added to non-empty results.
func CleanFences(raw string) string {
	text := raw
	if m := fenceRe.FindStringSubmatch(raw); m != nil {
		text = m[1]
	} else {
		// An opening fence with no closing one.
		trimmed := strings.TrimSpace(raw)
		if strings.HasPrefix(trimmed, "```") {
			if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
				text = trimmed[i+1:]
			} else {
				text = ""
			}
		}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return text + "\n"
}
