package tgui

import (
	"html"
	"strings"
)

// H represents HTML that is safe to pass to Telegram when ParseMode="HTML".
// Values of type H should be treated as already-escaped.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H     { return wrap("b", Esc(s)) }
func Quote(s string) H { return wrap("blockquote", Esc(s)) }

// Lines converts plain text to HTML, turning runs of "> " prefixed lines
// into a single blockquote.
func Lines(text string) H {
	var out []H
	var quoted []string
	flush := func() {
		if len(quoted) > 0 {
			out = append(out, Quote(strings.Join(quoted, "\n")))
			quoted = nil
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if rest, ok := strings.CutPrefix(line, "> "); ok {
			quoted = append(quoted, rest)
			continue
		}
		flush()
		out = append(out, Esc(line))
	}
	flush()

	ss := make([]string, len(out))
	for i, h := range out {
		ss[i] = h.String()
	}
	return H(strings.Join(ss, "\n"))
}
