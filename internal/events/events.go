// Package events holds the closed, static mapping between configuration
// keywords and Linux inotify event flags, together with a short human
// description per flag.
package events

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// Class describes one recognised event keyword.
type Class struct {
	// Keyword is the configuration token, e.g. "close_write".
	Keyword string
	// Flag is the inotify mask bit (or bit combination) the keyword maps to.
	Flag uint32
	// Description is a short human explanation of the flag.
	Description string
}

// Classes is the authoritative keyword table, in declaration order. The set
// is closed: configuration tokens outside it are reported and ignored.
var Classes = []Class{
	{"access", unix.IN_ACCESS, "file was accessed (read)"},
	{"attrib", unix.IN_ATTRIB, "metadata changed (permissions, timestamps, ownership)"},
	{"close", unix.IN_CLOSE, "file was closed"},
	{"close_write", unix.IN_CLOSE_WRITE, "file opened for writing was closed"},
	{"close_nowrite", unix.IN_CLOSE_NOWRITE, "file not opened for writing was closed"},
	{"create", unix.IN_CREATE, "file or directory created in watched directory"},
	{"delete", unix.IN_DELETE, "file or directory deleted from watched directory"},
	{"delete_self", unix.IN_DELETE_SELF, "watched file or directory was itself deleted"},
	{"modify", unix.IN_MODIFY, "file was modified"},
	{"move", unix.IN_MOVE, "file was moved into or out of watched directory"},
	{"move_self", unix.IN_MOVE_SELF, "watched file or directory was itself moved"},
	{"move_from", unix.IN_MOVED_FROM, "file was moved out of watched directory"},
	{"move_to", unix.IN_MOVED_TO, "file was moved into watched directory"},
	{"open", unix.IN_OPEN, "file was opened"},
}

// byKeyword indexes Classes for O(1) keyword lookup.
var byKeyword = func() map[string]Class {
	m := make(map[string]Class, len(Classes))
	for _, c := range Classes {
		m[c.Keyword] = c
	}
	return m
}()

// Flag returns the inotify flag for keyword, or (0, false) when the keyword
// is not in the table.
func Flag(keyword string) (uint32, bool) {
	c, ok := byKeyword[keyword]
	return c.Flag, ok
}

// Describe returns the human description for keyword, or "" when unknown.
func Describe(keyword string) string {
	return byKeyword[keyword].Description
}

// Mask ORs the flags of every recognised keyword. Unknown keywords are
// reported on logger at warning level and skipped; they never fail the
// conversion.
func Mask(keywords []string, logger *slog.Logger) uint32 {
	var mask uint32
	for _, k := range keywords {
		flag, ok := byKeyword[k]
		if !ok {
			logger.Warn("events: unknown event keyword ignored", slog.String("keyword", k))
			continue
		}
		mask |= flag.Flag
	}
	return mask
}

// DirMask returns mask with IN_ONLYDIR added, so that the kernel rejects the
// watch when the target is not a directory. Applied to directory rules only.
func DirMask(mask uint32) uint32 {
	return mask | unix.IN_ONLYDIR
}
