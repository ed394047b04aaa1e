package tgui

import (
	"html"
	"strings"
)

// H is already-escaped Telegram HTML.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw marks a string as already-safe HTML. Use sparingly.
func Raw(s string) H { return H(s) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + string(inner) + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Bullet renders "• <code>item</code> - text"; an empty text drops the dash.
func Bullet(item, text string) H {
	h := "• " + Code(item)
	if text != "" {
		h += " - " + Esc(text)
	}
	return h
}

// Lines joins parts with newlines. Empty parts are kept so callers can
// insert blank lines.
func Lines(parts ...H) H {
	ss := make([]string, len(parts))
	for i, p := range parts {
		ss[i] = string(p)
	}
	return H(strings.Join(ss, "\n"))
}
