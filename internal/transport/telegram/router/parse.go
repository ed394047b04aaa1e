package router

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var reqSeq atomic.Uint64

// newReqID is short and unique within the process: base36 time plus a
// sequence number.
func newReqID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + strconv.FormatUint(reqSeq.Add(1), 36)
}

// tokenize splits a command line on whitespace, honoring quotes and
// backslash escapes:
//
//	/policy offsets "UTC -6 {CST}" +0
func tokenize(s string) []string {
	var (
		out   []string
		buf   strings.Builder
		quote rune
		esc   bool
		have  bool
	)
	flush := func() {
		if have {
			out = append(out, buf.String())
			buf.Reset()
			have = false
		}
	}
	for _, r := range strings.TrimSpace(s) {
		switch {
		case esc:
			buf.WriteRune(r)
			esc, have = false, true
		case r == '\\':
			esc = true
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			buf.WriteRune(r)
		case r == '"' || r == '\'':
			quote, have = r, true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		default:
			buf.WriteRune(r)
			have = true
		}
	}
	flush()
	return out
}

// parseFlags separates positionals from --k=v, --k v and --bool flags.
// Arguments that look like signed numbers ("-6", "+5") stay positional.
func parseFlags(args []string) (pos []string, flags map[string]string) {
	flags = map[string]string{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		key, ok := strings.CutPrefix(a, "--")
		if !ok || key == "" {
			pos = append(pos, a)
			continue
		}
		if k, v, found := strings.Cut(key, "="); found {
			flags[k] = v
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			flags[key] = args[i+1]
			i++
			continue
		}
		flags[key] = "true"
	}
	return pos, flags
}

// commandWord strips the slash and a trailing @botname.
func commandWord(tok string) (string, bool) {
	w, ok := strings.CutPrefix(tok, "/")
	if !ok || w == "" {
		return "", false
	}
	if i := strings.IndexByte(w, '@'); i >= 0 {
		w = w[:i]
	}
	return strings.ToLower(w), w != ""
}
