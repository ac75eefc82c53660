package agent

import (
	"strconv"
	"strings"
)

// Roles the loop is built from.
const (
	RoleWatcher = "watcher"
	RoleFixer   = "fixer"
)

// Slug folds a pipeline subject into a DNS-safe name fragment.
func Slug(subject string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(subject)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	out = strings.Trim(out, "-")
	if len(out) > 40 {
		out = strings.Trim(out[:40], "-")
	}
	return out
}

// WatcherRunName and FixerRunName derive the next resource's name purely from
// subject and iteration, so a retried handoff finds its existing resource
// instead of duplicating it.
func WatcherRunName(subject string, iteration int) string {
	return runName("watch", subject, iteration)
}

func FixerRunName(subject string, iteration int) string {
	return runName("fix", subject, iteration)
}

func runName(prefix string, subject string, iteration int) string {
	return prefix + "-" + Slug(subject) + "-" + strconv.Itoa(iteration)
}
