package router

import (
	"sort"
	"strings"
	"unicode"

	kit "meteobot/internal/transport"
)

// sanitizeTelegramCommand converts an arbitrary route/alias into a Telegram-safe bot command name.
// Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		return ""
	}
	return out
}

// buildTelegramMenuCommands lists top-level routes first, then the aliases
// of multi-token routes (e.g. /weather_list).
func buildTelegramMenuCommands(cmds []Command) []kit.BotCommand {
	type entry struct {
		cmd  string
		desc string
		prio int
	}
	byCmd := map[string]entry{}
	add := func(cmd, desc string, prio int) {
		cmd = sanitizeTelegramCommand(cmd)
		if cmd == "" {
			return
		}
		desc = strings.ReplaceAll(strings.TrimSpace(desc), "\n", " ")
		if desc == "" {
			desc = cmd
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		if cur, ok := byCmd[cmd]; ok && cur.prio <= prio {
			return
		}
		byCmd[cmd] = entry{cmd: cmd, desc: desc, prio: prio}
	}

	for _, c := range cmds {
		route := splitRoute(c.Route)
		switch {
		case len(route) == 1:
			add(route[0], c.Description, 0)
		case len(route) > 1:
			for _, a := range c.Aliases {
				add(a, c.Description, 1)
			}
		}
	}

	entries := make([]entry, 0, len(byCmd))
	for _, e := range byCmd {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].prio != entries[j].prio {
			return entries[i].prio < entries[j].prio
		}
		return entries[i].cmd < entries[j].cmd
	})
	out := make([]kit.BotCommand, 0, len(entries))
	for _, e := range entries {
		out = append(out, kit.BotCommand{Command: e.cmd, Description: e.desc})
		if len(out) >= 100 {
			break
		}
	}
	return out
}
