package sharedstate

import "strings"

// errorNeedles are matched case-insensitively against log lines when
// extracting diagnostics for a failure report.
var errorNeedles = []string{
	"error", "fatal", "panic", "failed", "failure", "exception", "traceback",
}

// FilterErrorLines reduces raw pipeline output to the lines that look like
// failures, capped at maxLines from the end. Full logs can run to megabytes;
// reports carry only the interesting tail.
func FilterErrorLines(raw string, maxLines int) string {
	if maxLines <= 0 {
		maxLines = 50
	}
	var matched []string
	for _, line := range strings.Split(raw, "\n") {
		lower := strings.ToLower(line)
		for _, needle := range errorNeedles {
			if strings.Contains(lower, needle) {
				matched = append(matched, strings.TrimRight(line, " \t\r"))
				break
			}
		}
	}
	if len(matched) > maxLines {
		matched = matched[len(matched)-maxLines:]
	}
	return strings.Join(matched, "\n")
}
