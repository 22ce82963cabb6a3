// Package tmpl implements the ${NAME} placeholder substitution applied to
// per-rule command and message templates, and names the closed placeholder
// set exported to spawned commands as environment variables.
package tmpl

import "strings"

// Placeholder names, in canonical substitution order. The same names are the
// environment variable names visible to spawned commands.
const (
	VarEvent    = "CASPER_INOTIFY_EVENT"
	VarObject   = "CASPER_INOTIFY_OBJECT"
	VarName     = "CASPER_INOTIFY_NAME"
	VarDatetime = "CASPER_INOTIFY_DATETIME"
	VarHostname = "CASPER_INOTIFY_HOSTNAME"
	VarMsg      = "CASPER_INOTIFY_MSG"
	VarCmd      = "CASPER_INOTIFY_CMD"
)

// Order is the canonical placeholder enumeration order. Expand substitutes in
// this order; since the names are disjoint the order only matters when a
// substituted value itself contains a placeholder-shaped substring, which is
// deliberately left unexpanded.
var Order = []string{
	VarEvent,
	VarObject,
	VarName,
	VarDatetime,
	VarHostname,
	VarMsg,
	VarCmd,
}

// Replace substitutes every non-overlapping occurrence of from in value with
// to, scanning left to right. The scan resumes after each inserted to, so
// text introduced by a replacement is never itself replaced.
func Replace(value, from, to string) string {
	if from == "" {
		return value
	}
	var b strings.Builder
	for {
		i := strings.Index(value, from)
		if i < 0 {
			b.WriteString(value)
			return b.String()
		}
		b.WriteString(value[:i])
		b.WriteString(to)
		value = value[i+len(from):]
	}
}

// Expand substitutes each placeholder of Order, written as "${NAME}", with
// its value from vars. Placeholders absent from vars are replaced by the
// empty string. Each placeholder is substituted exactly once, in canonical
// order.
func Expand(value string, vars map[string]string) string {
	for _, name := range Order {
		value = Replace(value, "${"+name+"}", vars[name])
	}
	return value
}
