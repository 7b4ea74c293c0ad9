package telegram

import (
	"strings"

	"watchbot/internal/transport"
	"watchbot/pkg/tgui"
)

// colorMarkers approximates reply colors with emoji, since Telegram has no embed color.
var colorMarkers = map[int]string{
	0x2ecc71: "🟢",
	0xf1c40f: "🟡",
	0x3498db: "🔵",
	0x9b59b6: "🟣",
	0xe74c3c: "🔴",
}

// renderReply formats a reply as Telegram HTML.
func renderReply(r transport.Reply) string {
	var b strings.Builder
	if m, ok := colorMarkers[r.Color]; ok {
		b.WriteString(m)
		b.WriteString(" ")
	}
	if r.Title != "" {
		b.WriteString(tgui.B(r.Title).String())
	}
	if r.Description != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(tgui.Lines(r.Description).String())
	}
	return b.String()
}
