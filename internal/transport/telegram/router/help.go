package router

import (
	"strings"

	"cheersbot/pkg/tgui"
)

// helpText renders help for path in Telegram HTML.
func (r *Router) helpText(path []string) string {
	r.mu.RLock()
	root, alias := r.root, r.alias
	r.mu.RUnlock()

	if len(path) == 0 {
		lines := []tgui.H{tgui.B("Commands"), "Send " + tgui.Code("/help <command>") + " for details.", ""}
		for _, name := range root.names() {
			n, _ := root.child(name)
			lines = append(lines, helpLine("/"+name, n))
		}
		return tgui.Lines(lines...).String()
	}

	first := strings.TrimPrefix(strings.ToLower(path[0]), "/")
	cur, ok := root.child(first)
	full := []string{first}
	if !ok {
		leaf, found := alias[first]
		if !found || leaf.cmd == nil {
			return "Unknown command. Send " + tgui.Code("/help").String() + " for the list."
		}
		cur, full = leaf, splitRoute(strings.ToLower(leaf.cmd.Route))
	} else {
		var sub []string
		cur, sub, _ = cur.walk(path[1:])
		full = append(full, sub...)
	}

	lines := []tgui.H{tgui.B("/" + strings.Join(full, " "))}
	if c := cur.cmd; c != nil {
		if c.Description != "" {
			lines = append(lines, tgui.Esc(c.Description))
		}
		if c.Usage != "" {
			lines = append(lines, "Usage: "+tgui.Code(c.Usage))
		}
		switch c.Access {
		case AccessAdmin:
			lines = append(lines, tgui.I("chat administrators only"))
		case AccessOwner:
			lines = append(lines, tgui.I("bot operators only"))
		}
	}
	for _, name := range cur.names() {
		n, _ := cur.child(name)
		lines = append(lines, helpLine("/"+strings.Join(append(append([]string(nil), full...), name), " "), n))
	}
	return tgui.Lines(lines...).String()
}

func helpLine(cmd string, n *node) tgui.H {
	line := tgui.Bullet(cmd, describe(n))
	if n.access() > AccessEveryone {
		line += " [admin]"
	}
	return line
}
