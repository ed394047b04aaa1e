package router

import (
	"sort"
	"strings"

	kit "cheersbot/internal/transport"
)

const maxMenuEntries = 100

// sanitizeCommand maps a route or alias to Telegram's [a-z0-9_]{1,32}
// command alphabet. Separators become underscores; other runes are dropped.
func sanitizeCommand(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_', r == '-', r == ' ', r == '/':
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// buildMenu lists top-level commands first, then /group_sub shortcuts.
func buildMenu(root *node, leaves []Command) []kit.BotCommand {
	type entry struct {
		cmd, desc string
		prio      int
	}
	seen := map[string]entry{}
	add := func(cmd, desc string, prio int, locked bool) {
		if cmd = sanitizeCommand(cmd); cmd == "" {
			return
		}
		desc = strings.ReplaceAll(strings.TrimSpace(desc), "\n", " ")
		if desc == "" {
			desc = cmd
		}
		if locked {
			desc = "[admin] " + desc
		}
		if cur, ok := seen[cmd]; ok && cur.prio <= prio {
			return
		}
		seen[cmd] = entry{cmd, desc, prio}
	}

	for _, name := range root.names() {
		n, _ := root.child(name)
		add(name, describe(n), 0, n.access() > AccessEveryone)
	}
	for _, c := range leaves {
		if route := splitRoute(c.Route); len(route) > 1 {
			add(strings.Join(route, "_"), c.Description, 1, c.Access > AccessEveryone)
		}
	}

	list := make([]entry, 0, len(seen))
	for _, e := range seen {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].prio != list[j].prio {
			return list[i].prio < list[j].prio
		}
		return list[i].cmd < list[j].cmd
	})
	out := make([]kit.BotCommand, 0, min(len(list), maxMenuEntries))
	for _, e := range list[:min(len(list), maxMenuEntries)] {
		out = append(out, kit.BotCommand{Command: e.cmd, Description: e.desc})
	}
	return out
}

// describe is a node's description, or a hint of its subcommands.
func describe(n *node) string {
	if n.cmd != nil && strings.TrimSpace(n.cmd.Description) != "" {
		return strings.TrimSpace(n.cmd.Description)
	}
	kids := n.names()
	if len(kids) == 0 {
		return ""
	}
	hint := strings.Join(kids[:min(3, len(kids))], ", ")
	if len(kids) > 3 {
		hint += ", ..."
	}
	return "subcommands: " + hint
}
