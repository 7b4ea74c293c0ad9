package notifier

import (
	"strings"

	"watchbot/internal/source"
	"watchbot/internal/tenant"
	"watchbot/pkg/tgui"
)

// TitleBudget is the maximum title length, in runes, of an announcement.
const TitleBudget = 120

// Clip collapses whitespace and limits s to n runes. Clipped strings end in "…"
// and are exactly n runes long.
func Clip(s string, n int) string {
	s = tgui.Fold(s)
	if s == "" || n <= 0 {
		return ""
	}
	if len([]rune(s)) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return tgui.TruncRunes(s, n-1)
}

// Format builds the announcement for item.
func Format(t *tenant.Tenant, item source.Item, firstRun bool) string {
	src := strings.TrimSpace(item.SourceTag)
	if src == "" {
		src = string(t.Kind)
	}
	var b strings.Builder
	b.WriteString("🛰️ ")
	b.WriteString(t.Tag())
	b.WriteString(" ")
	b.WriteString(src)
	if firstRun {
		b.WriteString(" (first run)")
	}
	b.WriteString(": ")
	b.WriteString(Clip(item.Title, TitleBudget))
	b.WriteString("\n")
	b.WriteString(item.URL)
	if ex := tgui.Fold(item.Excerpt); ex != "" {
		b.WriteString("\n> ")
		b.WriteString(ex)
	}
	return b.String()
}

// StartupText is the optional message sent once a tenant's connection is ready.
func StartupText(t *tenant.Tenant) string {
	return "🛰️ " + t.Tag() + " " + string(t.Kind) + " (bot started): Watching " + t.SourceID()
}
